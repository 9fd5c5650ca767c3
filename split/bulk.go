package split

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"splitstore/keys"
	"splitstore/metrics"
	"splitstore/model"
	"splitstore/store"
)

// bulkRecord buffers the edits of one course inside a bulk scope.
type bulkRecord struct {
	key  keys.CourseKey
	nest int

	loaded bool
	// initial is the index as first read; nil when the course did not
	// exist yet. Its LastUpdate is the compare-and-swap token.
	initial *model.CourseIndex
	// index is the working copy that reads inside the scope observe.
	index *model.CourseIndex
	// structures holds the unfrozen forks created in this scope.
	structures  map[keys.VersionID]*model.Structure
	definitions map[keys.DefinitionID]*model.Definition
	dirty       bool
	deleted     bool
	user        string

	deletedItems []keys.UsageKey
}

func newBulkRecord(key keys.CourseKey) *bulkRecord {
	return &bulkRecord{
		key:         key,
		structures:  map[keys.VersionID]*model.Structure{},
		definitions: map[keys.DefinitionID]*model.Definition{},
	}
}

type bulkCtxKey struct{}

// bulkSession tracks the open bulk records of one call chain. Contexts
// carrying a session must not be shared between goroutines.
type bulkSession struct {
	records map[keys.CourseKey]*bulkRecord
}

func recordFor(ctx context.Context, key keys.CourseKey) *bulkRecord {
	sess, _ := ctx.Value(bulkCtxKey{}).(*bulkSession)
	if sess == nil {
		return nil
	}
	return sess.records[key.Identity()]
}

// BulkOperations runs fn with every edit to course buffered, then commits
// them as one structure per touched branch and one course index swing.
// Reads through the context fn receives observe the buffered edits. Nested
// scopes for the same course join the outermost one, which alone commits.
//
// If fn fails nothing is written. If the index moved concurrently, fn is
// run again against the new head, up to the store's retry bound.
func (s *Store) BulkOperations(ctx context.Context, course keys.CourseKey, fn func(ctx context.Context) error) error {
	if !course.HasIdentity() {
		return fn(ctx)
	}
	id := course.Identity()

	sess, _ := ctx.Value(bulkCtxKey{}).(*bulkSession)
	if sess != nil {
		if rec := sess.records[id]; rec != nil {
			rec.nest++
			defer func() { rec.nest-- }()
			return fn(ctx)
		}
	} else {
		sess = &bulkSession{records: map[keys.CourseKey]*bulkRecord{}}
		ctx = context.WithValue(ctx, bulkCtxKey{}, sess)
	}

	for attempt := 1; ; attempt++ {
		rec := newBulkRecord(id)
		sess.records[id] = rec
		err := fn(ctx)
		delete(sess.records, id)
		if err != nil {
			return err
		}

		err = s.commit(ctx, rec)
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		metrics.CASConflicts.Inc()
		if attempt > s.maxRetries {
			s.log.Warn("giving up on course index update", "course", id.String(), "attempts", attempt)
			return fmt.Errorf("%w: %s after %d attempts", ErrConcurrentModification, id, attempt)
		}
		s.log.Debug("course index moved, retrying edit", "course", id.String(), "attempt", attempt)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// write runs fn inside a bulk scope for course, after making sure the
// course exists and that a version pin, if any, still names a head.
func (s *Store) write(ctx context.Context, course keys.CourseKey, fn func(ctx context.Context, rec *bulkRecord) error) error {
	if !course.HasIdentity() {
		return fmt.Errorf("%w: %s has no org/course/run to write through", ErrInsufficientSpecification, course)
	}
	return s.BulkOperations(ctx, course, func(ctx context.Context) error {
		rec := recordFor(ctx, course)
		idx, err := s.loadIndex(ctx, rec)
		if err != nil {
			return err
		}
		if idx == nil {
			return notFound(course.Identity())
		}
		if course.Version != "" && course.Branch != "" {
			head := idx.Versions[course.Branch]
			initial := keys.VersionID("")
			if rec.initial != nil {
				initial = rec.initial.Versions[course.Branch]
			}
			if course.Version != head && course.Version != initial {
				return fmt.Errorf("%w: %s is not the head of %s", ErrVersionConflict, course.Version, course.Branch)
			}
		}
		return fn(ctx, rec)
	})
}

// loadIndex reads the course index into rec on first use. It returns nil
// when the course does not exist or was deleted in this scope.
func (s *Store) loadIndex(ctx context.Context, rec *bulkRecord) (*model.CourseIndex, error) {
	if !rec.loaded {
		idx, err := s.backend.GetCourseIndex(ctx, rec.key)
		switch {
		case isStoreNotFound(err):
			idx = nil
		case err != nil:
			return nil, fmt.Errorf("loading course index %s: %w", rec.key, err)
		}
		rec.initial = idx
		if idx != nil {
			rec.index = idx.Clone()
		}
		rec.loaded = true
	}
	if rec.deleted {
		return nil, nil
	}
	return rec.index, nil
}

// fork returns the structure of branch that may be edited in this scope,
// forking the branch head the first time.
func (s *Store) fork(ctx context.Context, rec *bulkRecord, branch, user string) (*model.Structure, error) {
	head, ok := rec.index.Versions[branch]
	if !ok {
		return nil, notFound(rec.key.ForBranch(branch))
	}
	if st, ok := rec.structures[head]; ok {
		return st, nil
	}
	base, err := s.structure(ctx, rec, head)
	if err != nil {
		return nil, err
	}
	f := base.Fork(newVersionID(), user, s.now())
	rec.structures[f.ID] = f
	rec.setHead(branch, f.ID, user, s.now())
	return f, nil
}

// adopt registers a new structure as the head of branch.
func (rec *bulkRecord) adopt(branch string, st *model.Structure, user string, now time.Time) {
	rec.structures[st.ID] = st
	rec.setHead(branch, st.ID, user, now)
}

func (rec *bulkRecord) setHead(branch string, id keys.VersionID, user string, now time.Time) {
	rec.index.Versions[branch] = id
	rec.index.EditedBy = user
	rec.index.EditedOn = now
	rec.user = user
	rec.dirty = true
}

// head returns the current structure of branch as seen inside rec.
func (s *Store) head(ctx context.Context, rec *bulkRecord, branch string) (*model.Structure, bool, error) {
	id, ok := rec.index.Versions[branch]
	if !ok {
		return nil, false, nil
	}
	st, err := s.structure(ctx, rec, id)
	if err != nil {
		return nil, false, err
	}
	return st, true, nil
}

func (s *Store) commit(ctx context.Context, rec *bulkRecord) (err error) {
	if rec.deleted {
		if rec.initial == nil {
			return nil
		}
		if err := s.backend.DeleteCourseIndex(ctx, rec.key); err != nil && !isStoreNotFound(err) {
			return fmt.Errorf("deleting course index %s: %w", rec.key, err)
		}
		s.log.Info("deleted course", "course", rec.key.String(), "user", rec.user)
		s.emit(Event{Kind: CourseDeleted, Course: rec.key, User: rec.user})
		return nil
	}
	if !rec.dirty || rec.index == nil {
		return nil
	}

	ctx, finish := metrics.Start(ctx, "commit")
	defer finish(&err)

	var written []*model.Structure
	for _, branch := range sortedBranches(rec.index.Versions) {
		st, ok := rec.structures[rec.index.Versions[branch]]
		if !ok || st.Frozen() {
			continue
		}
		recomputeSubtreeEdits(st)
		written = append(written, st)
	}

	for _, st := range written {
		for _, b := range st.Blocks {
			if d, ok := rec.definitions[b.Definition]; ok {
				if err := s.backend.InsertDefinition(ctx, d); err != nil {
					return fmt.Errorf("inserting definition %s: %w", d.ID, err)
				}
				delete(rec.definitions, b.Definition)
				s.definitions.Add(d)
			}
		}
	}
	for _, st := range written {
		if err := s.backend.InsertStructure(ctx, st); err != nil {
			return fmt.Errorf("inserting structure %s: %w", st.ID, err)
		}
		metrics.StructuresWritten.Inc()
	}

	if rec.initial == nil {
		rec.index.SchemaVersion = model.CurrentSchemaVersion
		if err := s.backend.InsertCourseIndex(ctx, rec.index); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return fmt.Errorf("%w: %s", ErrDuplicateCourse, rec.key)
			}
			return fmt.Errorf("inserting course index %s: %w", rec.key, err)
		}
	} else {
		if err := s.backend.UpdateCourseIndex(ctx, rec.index, rec.initial.LastUpdate); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return err
			}
			return fmt.Errorf("updating course index %s: %w", rec.key, err)
		}
	}

	for _, st := range written {
		st.Freeze()
		s.structures.Add(ctx, st)
	}
	kind := "course"
	if rec.key.Library {
		kind = "library"
	}
	metrics.Commits.WithLabelValues(kind).Inc()
	s.log.Debug("committed course edits",
		"course", rec.key.String(),
		"structures", len(written),
		"token", rec.index.LastUpdate,
	)
	s.emitCommit(rec)
	return nil
}

// recomputeSubtreeEdits sets every block's subtree edit info to the latest
// edit at or below it. Blocks whose values already hold are left shared.
func recomputeSubtreeEdits(st *model.Structure) {
	type latest struct {
		by string
		on time.Time
	}
	done := make(map[keys.BlockKey]latest, len(st.Blocks))
	var visit func(k keys.BlockKey) latest
	visit = func(k keys.BlockKey) latest {
		if l, ok := done[k]; ok {
			return l
		}
		b, ok := st.Blocks[k]
		if !ok {
			return latest{}
		}
		l := latest{by: b.EditInfo.EditedBy, on: b.EditInfo.EditedOn}
		// Provisional entry so a malformed cycle terminates.
		done[k] = l
		for _, c := range b.Children {
			if cl := visit(c); cl.on.After(l.on) {
				l = cl
			}
		}
		done[k] = l
		if !b.EditInfo.SubtreeEditedOn.Equal(l.on) || b.EditInfo.SubtreeEditedBy != l.by {
			mb, _ := st.MutableBlock(k)
			mb.EditInfo.SubtreeEditedOn = l.on
			mb.EditInfo.SubtreeEditedBy = l.by
		}
		return l
	}
	for _, k := range st.SortedKeys() {
		visit(k)
	}
}

// changedBranches lists the branches whose head moved in rec.
func (rec *bulkRecord) changedBranches() []string {
	var before map[string]keys.VersionID
	if rec.initial != nil {
		before = rec.initial.Versions
	}
	var out []string
	for _, b := range sortedBranches(rec.index.Versions) {
		if before[b] != rec.index.Versions[b] {
			out = append(out, b)
		}
	}
	return out
}

func cloneVersions(v map[string]keys.VersionID) map[string]keys.VersionID {
	if v == nil {
		return map[string]keys.VersionID{}
	}
	return maps.Clone(v)
}
