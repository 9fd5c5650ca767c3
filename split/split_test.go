package split

import (
	"errors"
	"testing"

	"splitstore/keys"
	"splitstore/model"
	"splitstore/store"
	"splitstore/store/badgerstore"
	"splitstore/store/sqlstore"
)

func newBackend(t *testing.T) store.Backend {
	t.Helper()
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	if err != nil {
		t.Fatalf("failed to open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newStore(t *testing.T, backend store.Backend) *Store {
	t.Helper()
	s, err := New(backend, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newStore(t, newBackend(t))
}

// fixture is a course with one chapter, sequential, vertical and problem.
type fixture struct {
	course     keys.CourseKey
	root       keys.UsageKey
	chapter    keys.UsageKey
	sequential keys.UsageKey
	vertical   keys.UsageKey
	problem    keys.UsageKey
}

func buildCourse(t *testing.T, s *Store, run string) fixture {
	t.Helper()
	ctx := t.Context()
	root, err := s.CreateCourse(ctx, "MITx", "999", run, "alice", map[string]any{"display_name": "Robot Super Course"})
	if err != nil {
		t.Fatalf("CreateCourse failed: %v", err)
	}
	f := fixture{course: root.Location.Course.VersionAgnostic(), root: root.Location.VersionAgnostic()}
	child := func(parent keys.UsageKey, blockType string, fields map[string]any) keys.UsageKey {
		t.Helper()
		b, err := s.CreateChild(ctx, "alice", parent, blockType, fields)
		if err != nil {
			t.Fatalf("CreateChild %s failed: %v", blockType, err)
		}
		return b.Location.VersionAgnostic()
	}
	f.chapter = child(f.root, "chapter", map[string]any{"display_name": "Week 1", "graceperiod": "2h0m0s"})
	f.sequential = child(f.chapter, "sequential", map[string]any{"display_name": "Lesson 1"})
	f.vertical = child(f.sequential, "vertical", map[string]any{"display_name": "Unit 1"})
	f.problem = child(f.vertical, "problem", map[string]any{"display_name": "Problem 1", "data": "<problem/>"})
	return f
}

func draftHead(t *testing.T, s *Store, course keys.CourseKey) keys.VersionID {
	t.Helper()
	idx, err := s.GetCourseIndexInfo(t.Context(), course)
	if err != nil {
		t.Fatalf("GetCourseIndexInfo failed: %v", err)
	}
	return idx.Versions[model.DraftBranch]
}

func TestCreateCoursePublishesRoot(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()

	if f.course.String() != "course-v1:MITx+999+2013+branch@draft-branch" {
		t.Fatalf("unexpected course key %s", f.course)
	}
	idx, err := s.GetCourseIndexInfo(ctx, f.course)
	if err != nil {
		t.Fatalf("GetCourseIndexInfo failed: %v", err)
	}
	if len(idx.Versions) != 2 {
		t.Fatalf("expected draft and published branches, got %v", idx.Versions)
	}

	pub, err := s.GetItem(ctx, f.chapter.ForBranch(model.PublishedBranch), 0)
	if err != nil {
		t.Fatalf("direct-only chapter should be published on create: %v", err)
	}
	if pub.DisplayName() != "Week 1" {
		t.Errorf("published chapter name = %q", pub.DisplayName())
	}
	if ok, _ := s.HasItem(ctx, f.vertical.ForBranch(model.PublishedBranch)); ok {
		t.Error("draftable vertical must not be published on create")
	}
}

func TestDuplicateCourseIgnoresCase(t *testing.T) {
	s := newTestStore(t)
	buildCourse(t, s, "2013")

	_, err := s.CreateCourse(t.Context(), "mitx", "999", "2013", "bob", nil)
	if !errors.Is(err, ErrDuplicateCourse) {
		t.Fatalf("expected ErrDuplicateCourse, got %v", err)
	}
	ok, err := s.HasCourse(t.Context(), keys.NewCourseKey("mitx", "999", "2013"), true)
	if err != nil || !ok {
		t.Errorf("HasCourse ignoring case = %v, %v", ok, err)
	}
	ok, err = s.HasCourse(t.Context(), keys.NewCourseKey("mitx", "999", "2013"), false)
	if err != nil || ok {
		t.Errorf("HasCourse with case = %v, %v", ok, err)
	}
}

func TestPublishChapterMirrorsDraft(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()

	changed, err := s.HasChanges(ctx, f.chapter)
	if err != nil || !changed {
		t.Fatalf("chapter with unpublished unit should have changes: %v, %v", changed, err)
	}
	if _, err := s.Publish(ctx, "bob", f.chapter); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	for _, k := range []keys.UsageKey{f.chapter, f.sequential, f.vertical, f.problem} {
		if ok, err := s.HasItem(ctx, k.ForBranch(model.PublishedBranch)); err != nil || !ok {
			t.Errorf("%s missing from published branch (%v)", k, err)
		}
	}
	changed, err = s.HasChanges(ctx, f.root)
	if err != nil || changed {
		t.Errorf("course should have no changes after publishing its only chapter: %v, %v", changed, err)
	}

	info, err := s.PublishState(ctx, f.problem)
	if err != nil {
		t.Fatalf("PublishState failed: %v", err)
	}
	if !info.Published || info.PublishedBy != "bob" || info.HasChanges {
		t.Errorf("unexpected publish state %+v", info)
	}
}

func TestHasChangesTracksEdits(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()
	if _, err := s.Publish(ctx, "alice", f.vertical); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if changed, _ := s.HasChanges(ctx, f.vertical); changed {
		t.Fatal("freshly published vertical should have no changes")
	}
	if _, err := s.UpdateItem(ctx, "alice", f.problem, FieldChanges{Set: map[string]any{"display_name": "Renamed"}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	if changed, _ := s.HasChanges(ctx, f.vertical); !changed {
		t.Error("editing a child should mark the vertical changed")
	}
	if changed, _ := s.HasChanges(ctx, f.problem); !changed {
		t.Error("edited problem should have changes")
	}
	pub, err := s.GetItem(ctx, f.problem.ForBranch(model.PublishedBranch), 0)
	if err != nil {
		t.Fatalf("GetItem published failed: %v", err)
	}
	if pub.DisplayName() != "Problem 1" {
		t.Errorf("published problem should be unchanged, got %q", pub.DisplayName())
	}
}

func TestUpdateWithoutChangesWritesNothing(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	before := draftHead(t, s, f.course)

	if _, err := s.UpdateItem(t.Context(), "alice", f.problem, FieldChanges{Set: map[string]any{"display_name": "Problem 1", "data": "<problem/>"}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	if after := draftHead(t, s, f.course); after != before {
		t.Errorf("no-op update moved the draft head from %s to %s", before, after)
	}
}

func TestDeleteVerticalLeavesNoOrphans(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()
	if _, err := s.Publish(ctx, "alice", f.chapter); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if err := s.DeleteItem(ctx, "alice", f.vertical); err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}
	for _, branch := range []string{model.DraftBranch, model.PublishedBranch} {
		orphans, err := s.GetOrphans(ctx, f.course.ForBranch(branch))
		if err != nil {
			t.Fatalf("GetOrphans failed: %v", err)
		}
		if len(orphans) != 0 {
			t.Errorf("%s has orphans after delete: %v", branch, orphans)
		}
		if ok, _ := s.HasItem(ctx, f.problem.ForBranch(branch)); ok {
			t.Errorf("problem should be gone from %s", branch)
		}
	}
	if err := s.DeleteItem(ctx, "alice", f.vertical); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleting twice should be not found, got %v", err)
	}
	if err := s.DeleteItem(ctx, "alice", f.root); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("deleting the root should be invalid, got %v", err)
	}
}

func TestInheritedSettings(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()

	p, err := s.GetItem(ctx, f.problem, 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if v, _ := p.Setting("graceperiod"); v != "2h0m0s" {
		t.Errorf("problem should inherit graceperiod from chapter, got %v", v)
	}
	if p.IsExplicitlySet("graceperiod") {
		t.Error("inherited value must not count as explicitly set")
	}
	if v, _ := p.Setting("showanswer"); v != "finished" {
		t.Errorf("schema default expected, got %v", v)
	}

	if _, err := s.UpdateItem(ctx, "alice", f.sequential, FieldChanges{Set: map[string]any{"graceperiod": "1h0m0s"}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	tree, err := s.InheritanceTree(ctx, f.sequential, -1)
	if err != nil {
		t.Fatalf("InheritanceTree failed: %v", err)
	}
	found := false
	for k, vals := range tree {
		if k.BlockKey() != f.problem.BlockKey() {
			continue
		}
		found = true
		if vals["graceperiod"] != "1h0m0s" {
			t.Errorf("nearest ancestor should win, got %v", vals["graceperiod"])
		}
	}
	if !found || len(tree) != 3 {
		t.Errorf("expected sequential, vertical and problem in the tree, got %v", tree)
	}
}

func TestGetItemDepthAndContent(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()

	course, err := s.GetCourse(ctx, f.course, -1)
	if err != nil {
		t.Fatalf("GetCourse failed: %v", err)
	}
	chapters, err := course.ChildBlocks(ctx)
	if err != nil || len(chapters) != 1 {
		t.Fatalf("expected one chapter, got %d (%v)", len(chapters), err)
	}
	p, err := s.GetItem(ctx, f.problem, 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	v, ok, err := p.Field(ctx, "data")
	if err != nil || !ok || v != "<problem/>" {
		t.Errorf("content field = %v, %v, %v", v, ok, err)
	}
	if _, ok := p.Fields["data"]; ok {
		t.Error("content fields must not be stored as settings")
	}
}

func TestGetItemsQualifiers(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()
	if _, err := s.CreateChild(ctx, "alice", f.vertical, "html", map[string]any{"display_name": "Intro"}); err != nil {
		t.Fatalf("CreateChild failed: %v", err)
	}

	items, err := s.GetItems(ctx, f.course, Qualifiers{Category: "{problem,html}"})
	if err != nil {
		t.Fatalf("GetItems failed: %v", err)
	}
	if len(items) != 2 || items[0].Type() != "html" || items[1].Type() != "problem" {
		t.Errorf("expected html then problem, got %d items", len(items))
	}

	items, err = s.GetItems(ctx, f.course, Qualifiers{Settings: map[string]any{"display_name": "Problem*"}})
	if err != nil || len(items) != 1 || items[0].Location.BlockID != f.problem.BlockID {
		t.Errorf("settings glob should match the problem: %d items, %v", len(items), err)
	}
	items, err = s.GetItems(ctx, f.course, Qualifiers{Content: map[string]any{"data": "<problem/>"}})
	if err != nil || len(items) != 1 {
		t.Errorf("content qualifier should match one block: %d items, %v", len(items), err)
	}
}

func TestParentLocationAndOrphans(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()

	parent, ok, err := s.GetParentLocation(ctx, f.problem)
	if err != nil || !ok || parent.BlockKey() != f.vertical.BlockKey() {
		t.Fatalf("parent of problem = %v, %v, %v", parent, ok, err)
	}
	if _, ok, _ := s.GetParentLocation(ctx, f.root); ok {
		t.Error("the root has no parent")
	}

	if err := s.DeleteItem(ctx, "alice", f.vertical, KeepChildren()); err != nil {
		t.Fatalf("DeleteItem failed: %v", err)
	}
	orphans, err := s.GetOrphans(ctx, f.course)
	if err != nil {
		t.Fatalf("GetOrphans failed: %v", err)
	}
	if len(orphans) != 1 || orphans[0].BlockKey() != f.problem.BlockKey() {
		t.Errorf("expected the problem to be orphaned, got %v", orphans)
	}
	if _, ok, _ := s.GetParentLocation(ctx, f.problem); ok {
		t.Error("orphan has no parent location")
	}

	if err := s.FixNotFound(ctx, "alice", f.course); err != nil {
		t.Fatalf("FixNotFound failed: %v", err)
	}
}

func TestDetachedItems(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()

	about, err := s.CreateItem(ctx, "alice", f.course, "about", map[string]any{"data": "overview"})
	if err != nil {
		t.Fatalf("CreateItem failed: %v", err)
	}
	if about.ID() != "about1" {
		t.Errorf("serial id expected, got %s", about.ID())
	}
	if ok, _ := s.HasItem(ctx, about.Location.VersionAgnostic().ForBranch(model.PublishedBranch)); !ok {
		t.Error("direct-only about page should be published")
	}
	orphans, _ := s.GetOrphans(ctx, f.course)
	if len(orphans) != 0 {
		t.Errorf("detached blocks are not orphans: %v", orphans)
	}
	items, _ := s.GetItems(ctx, f.course, Qualifiers{Category: "about"})
	if len(items) != 1 {
		t.Errorf("detached blocks are returned by GetItems, got %d", len(items))
	}

	if _, err := s.CreateItem(ctx, "alice", f.course, "about", nil, WithBlockID("about1")); !errors.Is(err, ErrDuplicateItem) {
		t.Errorf("expected ErrDuplicateItem, got %v", err)
	}
}

func TestBranchSetting(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()
	agnostic := f.vertical
	agnostic.Course.Branch = ""

	pubCtx := WithBranchSetting(ctx, PublishedOnly)
	if ok, _ := s.HasItem(pubCtx, agnostic); ok {
		t.Fatal("unpublished vertical visible under published-only")
	}
	if ok, _ := s.HasItem(ctx, agnostic); !ok {
		t.Fatal("vertical should be visible under draft-preferred")
	}

	other := keys.NewCourseKey("edX", "x", "y")
	scoped := WithBranchSetting(ctx, PublishedOnly, other)
	if got := s.BranchSettingFor(scoped, f.course); got != DraftPreferred {
		t.Errorf("scoped setting leaked to another course: %v", got)
	}
	if got := s.BranchSettingFor(scoped, other); got != PublishedOnly {
		t.Errorf("scoped setting not applied: %v", got)
	}
}

func TestVersionPinnedKeys(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()
	head := draftHead(t, s, f.course)

	if _, err := s.UpdateItem(ctx, "alice", f.problem, FieldChanges{Set: map[string]any{"display_name": "v2"}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}

	old := f.problem
	old.Course = f.course.ForVersion(head)
	b, err := s.GetItem(ctx, old, 0)
	if err != nil {
		t.Fatalf("GetItem at old version failed: %v", err)
	}
	if b.DisplayName() != "Problem 1" {
		t.Errorf("old version should be immutable, got %q", b.DisplayName())
	}

	versionOnly := keys.UsageKey{Course: keys.CourseKey{Version: head}, BlockType: "problem", BlockID: f.problem.BlockID}
	if ok, err := s.HasItem(ctx, versionOnly); err != nil || !ok {
		t.Errorf("version-only key should resolve: %v, %v", ok, err)
	}
	if _, err := s.UpdateItem(ctx, "alice", versionOnly, FieldChanges{Set: map[string]any{"display_name": "x"}}); !errors.Is(err, ErrInsufficientSpecification) {
		t.Errorf("writes through version-only keys must fail, got %v", err)
	}
	if _, err := s.UpdateItem(ctx, "alice", old, FieldChanges{Set: map[string]any{"display_name": "x"}}); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("writes through a stale version must fail, got %v", err)
	}
}

func TestSQLiteBackend(t *testing.T) {
	db, err := sqlstore.OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := newStore(t, db)
	f := buildCourse(t, s, "2013")

	if _, err := s.Publish(t.Context(), "alice", f.chapter); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	fresh := newStore(t, db)
	if ok, err := fresh.HasItem(t.Context(), f.problem.ForBranch(model.PublishedBranch)); err != nil || !ok {
		t.Errorf("published problem not readable from a fresh store: %v, %v", ok, err)
	}
}
