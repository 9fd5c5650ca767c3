package split

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"splitstore/keys"
	"splitstore/model"
	"splitstore/store"
)

func TestBulkOperationsCommitOnce(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	before := draftHead(t, s, f.course)

	var created []keys.UsageKey
	err := s.BulkOperations(t.Context(), f.course, func(ctx context.Context) error {
		for _, name := range []string{"a", "b"} {
			b, err := s.CreateChild(ctx, "alice", f.sequential, "vertical", map[string]any{"display_name": name})
			if err != nil {
				return err
			}
			created = append(created, b.Location.VersionAgnostic())
			// Reads inside the scope see the buffered edit.
			if ok, err := s.HasItem(ctx, b.Location.VersionAgnostic()); err != nil || !ok {
				t.Errorf("buffered block %s not visible in scope: %v", name, err)
			}
		}
		if head := draftHead(t, s, f.course); head != before {
			t.Errorf("the stored head moved before the scope ended")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("BulkOperations failed: %v", err)
	}

	history, err := s.VersionHistory(t.Context(), f.course, 2)
	if err != nil {
		t.Fatalf("VersionHistory failed: %v", err)
	}
	if len(history) != 2 || history[0].PreviousVersion != before {
		t.Errorf("two creates in one scope should make one structure, history %+v", history)
	}
	for _, k := range created {
		if ok, _ := s.HasItem(t.Context(), k); !ok {
			t.Errorf("%s missing after commit", k)
		}
	}
}

func TestBulkOperationsDiscardOnError(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	before := draftHead(t, s, f.course)
	boom := errors.New("boom")

	var lost keys.UsageKey
	err := s.BulkOperations(t.Context(), f.course, func(ctx context.Context) error {
		b, err := s.CreateChild(ctx, "alice", f.sequential, "vertical", nil)
		if err != nil {
			return err
		}
		lost = b.Location.VersionAgnostic()
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the scope's error, got %v", err)
	}
	if ok, _ := s.HasItem(t.Context(), lost); ok {
		t.Error("edits of a failed scope must be discarded")
	}
	if after := draftHead(t, s, f.course); after != before {
		t.Error("failed scope moved the draft head")
	}
}

func TestNestedBulkJoinsOuter(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	before := draftHead(t, s, f.course)

	err := s.BulkOperations(t.Context(), f.course, func(ctx context.Context) error {
		if _, err := s.UpdateItem(ctx, "alice", f.problem, FieldChanges{Set: map[string]any{"display_name": "outer"}}); err != nil {
			return err
		}
		return s.BulkOperations(ctx, f.course, func(ctx context.Context) error {
			_, err := s.UpdateItem(ctx, "alice", f.vertical, FieldChanges{Set: map[string]any{"display_name": "inner"}})
			if err != nil {
				return err
			}
			if head := draftHead(t, s, f.course); head != before {
				t.Error("inner scope committed on its own")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("BulkOperations failed: %v", err)
	}
	history, _ := s.VersionHistory(t.Context(), f.course, 1)
	if len(history) != 1 || history[0].PreviousVersion != before {
		t.Errorf("nested scopes should commit one structure: %+v", history)
	}
}

// racingBackend runs race once, just before the first index swing it
// forwards, so the swing loses the compare-and-swap.
type racingBackend struct {
	store.Backend
	once sync.Once
	race func()
}

func (b *racingBackend) UpdateCourseIndex(ctx context.Context, idx *model.CourseIndex, expected int64) error {
	if b.race != nil {
		b.once.Do(b.race)
	}
	return b.Backend.UpdateCourseIndex(ctx, idx, expected)
}

func TestConcurrentEditIsRetried(t *testing.T) {
	raw := newBackend(t)
	racing := &racingBackend{Backend: raw}
	s := newStore(t, racing)
	other := newStore(t, raw)
	f := buildCourse(t, s, "2013")

	racing.race = func() {
		_, err := other.UpdateItem(context.Background(), "bob", f.problem, FieldChanges{Set: map[string]any{"weight": 2.0}})
		if err != nil {
			t.Errorf("racing update failed: %v", err)
		}
	}
	if _, err := s.UpdateItem(t.Context(), "alice", f.problem, FieldChanges{Set: map[string]any{"display_name": "mine"}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	p, err := newStore(t, raw).GetItem(t.Context(), f.problem, 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if p.Fields["display_name"] != "mine" || p.Fields["weight"] != 2.0 {
		t.Errorf("an edit was lost: %v", p.Fields)
	}
}

// conflictingBackend loses every index swing once failing is set.
type conflictingBackend struct {
	store.Backend
	failing bool
	calls   int
}

func (b *conflictingBackend) UpdateCourseIndex(ctx context.Context, idx *model.CourseIndex, expected int64) error {
	if !b.failing {
		return b.Backend.UpdateCourseIndex(ctx, idx, expected)
	}
	b.calls++
	return store.ErrConflict
}

func TestRetriesAreBounded(t *testing.T) {
	backend := &conflictingBackend{Backend: newBackend(t)}
	s := newStore(t, backend)
	f := buildCourse(t, s, "2013")
	backend.failing = true

	_, err := s.UpdateItem(t.Context(), "alice", f.problem, FieldChanges{Set: map[string]any{"display_name": "x"}})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}
	if backend.calls != DefaultMaxRetries+1 {
		t.Errorf("expected %d attempts, got %d", DefaultMaxRetries+1, backend.calls)
	}
}

func TestEvents(t *testing.T) {
	s := newTestStore(t)
	var got []EventKind
	cancel := s.Subscribe(func(ev Event) { got = append(got, ev.Kind) })
	defer cancel()

	f := buildCourse(t, s, "2013")
	if !slices.Contains(got, CourseUpdated) || !slices.Contains(got, CoursePublished) {
		t.Fatalf("course creation should report update and publish, got %v", got)
	}

	got = nil
	if _, err := s.UpdateItem(t.Context(), "alice", f.problem, FieldChanges{Set: map[string]any{"display_name": "x"}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	if !slices.Equal(got, []EventKind{CourseUpdated}) {
		t.Errorf("draft edit events = %v", got)
	}

	got = nil
	if _, err := s.Publish(t.Context(), "alice", f.vertical); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !slices.Equal(got, []EventKind{CoursePublished}) {
		t.Errorf("publish events = %v", got)
	}

	got = nil
	if err := s.DeleteItem(t.Context(), "alice", f.problem); err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}
	if !slices.Equal(got, []EventKind{CourseUpdated, ItemDeleted}) {
		t.Errorf("delete events = %v", got)
	}

	got = nil
	if err := s.DeleteCourse(t.Context(), "alice", f.course); err != nil {
		t.Fatalf("DeleteCourse failed: %v", err)
	}
	if !slices.Equal(got, []EventKind{CourseDeleted}) {
		t.Errorf("course delete events = %v", got)
	}
	if ok, _ := s.HasCourse(t.Context(), f.course, false); ok {
		t.Error("deleted course still has an index")
	}
}
