package split

import (
	"context"
	"fmt"
	"time"

	"splitstore/keys"
	"splitstore/model"
	"splitstore/store"
)

// GetCourseIndexInfo returns a copy of the course index of course.
func (s *Store) GetCourseIndexInfo(ctx context.Context, course keys.CourseKey) (*model.CourseIndex, error) {
	idx, _, err := s.courseIndex(ctx, course)
	if err != nil {
		return nil, err
	}
	return idx.Clone(), nil
}

// HistoryInfo summarizes one structure version.
type HistoryInfo struct {
	Version         keys.VersionID
	PreviousVersion keys.VersionID
	OriginalVersion keys.VersionID
	EditedBy        string
	EditedOn        time.Time
}

func historyInfo(st *model.Structure) HistoryInfo {
	return HistoryInfo{
		Version:         st.ID,
		PreviousVersion: st.PreviousVersion,
		OriginalVersion: st.OriginalVersion,
		EditedBy:        st.EditedBy,
		EditedOn:        st.EditedOn,
	}
}

// GetCourseHistoryInfo describes the structure course resolves to.
func (s *Store) GetCourseHistoryInfo(ctx context.Context, course keys.CourseKey) (*HistoryInfo, error) {
	v, err := s.lookup(ctx, course)
	if err != nil {
		return nil, err
	}
	info := historyInfo(v.structure)
	return &info, nil
}

// VersionHistory walks the predecessors of the structure course resolves
// to, newest first, returning at most limit entries (all when limit <= 0).
// The walk stops quietly at a predecessor that was garbage collected.
func (s *Store) VersionHistory(ctx context.Context, course keys.CourseKey, limit int) ([]HistoryInfo, error) {
	v, err := s.lookup(ctx, course)
	if err != nil {
		return nil, err
	}
	var out []HistoryInfo
	seen := map[keys.VersionID]bool{}
	st := v.structure
	for st != nil && !seen[st.ID] {
		seen[st.ID] = true
		out = append(out, historyInfo(st))
		if limit > 0 && len(out) >= limit {
			break
		}
		if st.PreviousVersion == "" {
			break
		}
		prev, err := s.structure(ctx, v.rec, st.PreviousVersion)
		if err != nil {
			if isNotFound(err) {
				s.log.Debug("version history ends at missing structure", "version", string(st.PreviousVersion))
				break
			}
			return nil, err
		}
		st = prev
	}
	return out, nil
}

// IndexHistory returns the recorded index swings of course, newest first.
func (s *Store) IndexHistory(ctx context.Context, course keys.CourseKey, limit int) ([]store.IndexChange, error) {
	changes, err := s.backend.IndexHistory(ctx, course.Identity(), limit)
	if err != nil {
		return nil, fmt.Errorf("reading index history of %s: %w", course.Identity(), err)
	}
	return changes, nil
}

// GetBlockOriginalUsage returns the template source a block was copied
// from and the source structure version. ok is false for blocks that were
// not created by CopyFromTemplate.
func (s *Store) GetBlockOriginalUsage(ctx context.Context, key keys.UsageKey) (_ keys.UsageKey, _ keys.VersionID, ok bool, err error) {
	v, err := s.lookup(ctx, key.Course)
	if err != nil {
		return keys.UsageKey{}, "", false, err
	}
	b, found := v.findBlock(key.BlockKey())
	if !found {
		return keys.UsageKey{}, "", false, notFound(key)
	}
	if b.EditInfo.OriginalUsage == "" {
		return keys.UsageKey{}, "", false, nil
	}
	orig, err := keys.ParseUsageKey(b.EditInfo.OriginalUsage)
	if err != nil {
		return keys.UsageKey{}, "", false, fmt.Errorf("block %s: %w", key, err)
	}
	return orig, b.EditInfo.OriginalUsageVersion, true, nil
}
