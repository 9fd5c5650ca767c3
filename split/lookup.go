package split

import (
	"context"
	"errors"
	"fmt"

	"splitstore/keys"
	"splitstore/model"
	"splitstore/store"
)

func isStoreNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// courseView is a course key resolved to one structure.
type courseView struct {
	// key carries the resolved branch and the structure id as version.
	key       keys.CourseKey
	index     *model.CourseIndex
	rec       *bulkRecord
	structure *model.Structure
}

// lookup resolves key to a structure. Keys without an identity must carry a
// version; keys without a branch use the branch setting in effect.
func (s *Store) lookup(ctx context.Context, key keys.CourseKey) (*courseView, error) {
	if !key.HasIdentity() {
		if key.Version == "" {
			return nil, fmt.Errorf("%w: %s names neither a course nor a version", ErrInsufficientSpecification, key)
		}
		st, err := s.structure(ctx, nil, key.Version)
		if err != nil {
			return nil, err
		}
		return &courseView{key: key, structure: st}, nil
	}

	key = s.withBranch(ctx, key)
	idx, rec, err := s.courseIndex(ctx, key)
	if err != nil {
		return nil, err
	}
	head, ok := idx.Versions[key.Branch]
	if !ok {
		return nil, notFound(key.VersionAgnostic())
	}
	version := head
	if key.Version != "" {
		version = key.Version
	}
	st, err := s.structure(ctx, rec, version)
	if err != nil {
		return nil, err
	}
	return &courseView{key: key.ForVersion(version), index: idx, rec: rec, structure: st}, nil
}

// courseIndex returns the index for key, from the bulk record when one is
// open.
func (s *Store) courseIndex(ctx context.Context, key keys.CourseKey) (*model.CourseIndex, *bulkRecord, error) {
	if rec := recordFor(ctx, key); rec != nil {
		idx, err := s.loadIndex(ctx, rec)
		if err != nil {
			return nil, nil, err
		}
		if idx == nil {
			return nil, nil, notFound(key.Identity())
		}
		return idx, rec, nil
	}
	idx, err := s.backend.GetCourseIndex(ctx, key.Identity())
	if err != nil {
		if isStoreNotFound(err) {
			return nil, nil, notFound(key.Identity())
		}
		return nil, nil, fmt.Errorf("loading course index %s: %w", key.Identity(), err)
	}
	return idx, nil, nil
}

// findBlock looks key up in the view's structure.
func (v *courseView) findBlock(key keys.BlockKey) (*model.BlockData, bool) {
	return v.structure.Block(key)
}

func (v *courseView) usageKey(key keys.BlockKey) keys.UsageKey {
	return v.key.MakeUsageKey(key.Type, key.ID)
}

// reachable returns the set of blocks with a path from the structure root.
func reachable(st *model.Structure) map[keys.BlockKey]bool {
	out := map[keys.BlockKey]bool{}
	for _, k := range st.Descendants(st.Root) {
		out[k] = true
	}
	return out
}
