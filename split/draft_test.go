package split

import (
	"errors"
	"testing"

	"splitstore/keys"
	"splitstore/model"
)

func TestRevertRestoresPublished(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()
	if _, err := s.Publish(ctx, "alice", f.vertical); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if _, err := s.UpdateItem(ctx, "alice", f.problem, FieldChanges{Set: map[string]any{"display_name": "draft", "data": "<changed/>"}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	extra, err := s.CreateChild(ctx, "alice", f.vertical, "html", nil)
	if err != nil {
		t.Fatalf("CreateChild failed: %v", err)
	}

	if err := s.RevertToPublished(ctx, "alice", f.vertical); err != nil {
		t.Fatalf("RevertToPublished failed: %v", err)
	}
	p, err := s.GetItem(ctx, f.problem, 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if p.DisplayName() != "Problem 1" {
		t.Errorf("revert should restore the published name, got %q", p.DisplayName())
	}
	if v, _, _ := p.Field(ctx, "data"); v != "<problem/>" {
		t.Errorf("revert should restore published content, got %v", v)
	}
	if ok, _ := s.HasItem(ctx, extra.Location.VersionAgnostic()); ok {
		t.Error("block added after publish should be gone")
	}
	if changed, _ := s.HasChanges(ctx, f.vertical); changed {
		t.Error("reverted vertical should have no changes")
	}
}

func TestRevertWithoutChangesIsNoop(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()
	if _, err := s.Publish(ctx, "alice", f.vertical); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	before := draftHead(t, s, f.course)

	if err := s.RevertToPublished(ctx, "alice", f.vertical); err != nil {
		t.Fatalf("RevertToPublished failed: %v", err)
	}
	if after := draftHead(t, s, f.course); after != before {
		t.Error("revert without changes wrote a structure")
	}
	if err := s.RevertToPublished(ctx, "alice", f.chapter); err != nil {
		t.Errorf("revert of a direct-only block is a no-op, got %v", err)
	}
}

func TestRevertUnpublishedFails(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")

	err := s.RevertToPublished(t.Context(), "alice", f.vertical)
	if !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestRevertMovesChildBack(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()
	second, err := s.CreateChild(ctx, "alice", f.sequential, "vertical", nil)
	if err != nil {
		t.Fatalf("CreateChild failed: %v", err)
	}
	v2 := second.Location.VersionAgnostic()
	if _, err := s.Publish(ctx, "alice", f.chapter); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// Move the problem from the first unit to the second in the draft.
	if _, err := s.UpdateItem(ctx, "alice", f.vertical, FieldChanges{Children: []keys.BlockKey{}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	if _, err := s.UpdateItem(ctx, "alice", v2, FieldChanges{Children: []keys.BlockKey{f.problem.BlockKey()}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	if err := s.RevertToPublished(ctx, "alice", f.vertical); err != nil {
		t.Fatalf("RevertToPublished failed: %v", err)
	}
	parent, ok, err := s.GetParentLocation(ctx, f.problem)
	if err != nil || !ok || parent.BlockKey() != f.vertical.BlockKey() {
		t.Fatalf("problem should be back under the first unit, got %v", parent)
	}
	moved, err := s.GetItem(ctx, v2, 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if len(moved.Children) != 0 {
		t.Errorf("problem should have left the second unit: %v", moved.Children)
	}
}

func TestUnpublish(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()
	if _, err := s.Publish(ctx, "alice", f.vertical); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if _, err := s.Unpublish(ctx, "alice", f.vertical); err != nil {
		t.Fatalf("Unpublish failed: %v", err)
	}
	if ok, _ := s.HasItem(ctx, f.vertical.ForBranch(model.PublishedBranch)); ok {
		t.Error("vertical still published")
	}
	if ok, _ := s.HasItem(ctx, f.problem); !ok {
		t.Error("unpublish must keep the draft")
	}
	if _, err := s.Unpublish(ctx, "alice", f.chapter); !errors.Is(err, ErrInvalidVersion) {
		t.Errorf("direct-only blocks cannot be unpublished, got %v", err)
	}
}

func TestDeleteRevisions(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()
	if _, err := s.Publish(ctx, "alice", f.vertical); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := s.DeleteItem(ctx, "alice", f.problem); err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}
	if ok, _ := s.HasItem(ctx, f.problem.ForBranch(model.PublishedBranch)); !ok {
		t.Error("draft delete of a draftable block must keep it published")
	}
	if changed, _ := s.HasChanges(ctx, f.vertical); !changed {
		t.Error("draft delete should show as a change")
	}

	if err := s.DeleteItem(ctx, "alice", f.chapter); err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}
	for _, branch := range []string{model.DraftBranch, model.PublishedBranch} {
		for _, k := range []keys.UsageKey{f.chapter, f.sequential, f.vertical} {
			if ok, _ := s.HasItem(ctx, k.ForBranch(branch)); ok {
				t.Errorf("%s still in %s after deleting the chapter", k.BlockKey(), branch)
			}
		}
	}
}

func TestPublishDraftableUnderUnpublishedParent(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")

	_, err := s.Publish(t.Context(), "alice", f.problem)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("publishing under an unpublished unit should fail with not found, got %v", err)
	}
}

func TestCloneCourseSharesVersions(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()
	dest := keys.NewCourseKey("MITx", "999", "2014")

	root, err := s.CloneCourse(ctx, "bob", f.course, dest, map[string]any{"display_name": "Rerun"})
	if err != nil {
		t.Fatalf("CloneCourse failed: %v", err)
	}
	if root.DisplayName() != "Rerun" {
		t.Errorf("clone root name = %q", root.DisplayName())
	}
	src, err := s.GetCourse(ctx, f.course, 0)
	if err != nil {
		t.Fatalf("GetCourse failed: %v", err)
	}
	if src.DisplayName() != "Robot Super Course" {
		t.Error("clone fields leaked into the source course")
	}
	p, err := s.GetItem(ctx, dest.ForBranch(model.DraftBranch).MakeUsageKey("problem", f.problem.BlockID), 0)
	if err != nil {
		t.Fatalf("clone should contain the problem: %v", err)
	}
	if p.DefinitionID == "" {
		t.Error("clone problem lost its definition")
	}
	if _, err := s.CloneCourse(ctx, "bob", f.course, dest, nil); !errors.Is(err, ErrDuplicateCourse) {
		t.Errorf("expected ErrDuplicateCourse, got %v", err)
	}
}

func TestLibraryHasSingleBranch(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	lib, err := s.CreateLibrary(ctx, "MITx", "lib", "alice", map[string]any{"display_name": "Lib"})
	if err != nil {
		t.Fatalf("CreateLibrary failed: %v", err)
	}
	idx, err := s.GetCourseIndexInfo(ctx, lib.Location.Course)
	if err != nil {
		t.Fatalf("GetCourseIndexInfo failed: %v", err)
	}
	if _, ok := idx.Versions[model.LibraryBranch]; !ok || len(idx.Versions) != 1 {
		t.Errorf("library should only have the library branch: %v", idx.Versions)
	}
	p, err := s.CreateChild(ctx, "alice", lib.Location.VersionAgnostic(), "problem", nil)
	if err != nil {
		t.Fatalf("CreateChild failed: %v", err)
	}
	if changed, _ := s.HasChanges(ctx, p.Location); changed {
		t.Error("library blocks never have unpublished changes")
	}
	if _, err := s.Publish(ctx, "alice", p.Location); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("publishing in a library should be invalid, got %v", err)
	}
	libs, err := s.GetLibraries(ctx)
	if err != nil || len(libs) != 1 {
		t.Errorf("GetLibraries = %d, %v", len(libs), err)
	}
}
