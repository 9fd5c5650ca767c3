package mixed

import (
	"errors"
	"testing"

	"splitstore/keys"
	"splitstore/model"
	"splitstore/split"
	"splitstore/store/badgerstore"
)

func newSplit(t *testing.T) *split.Store {
	t.Helper()
	db, err := badgerstore.Open(badgerstore.InMemoryConfig())
	if err != nil {
		t.Fatalf("failed to open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := split.New(db, split.Options{})
	if err != nil {
		t.Fatalf("split.New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRouter(t *testing.T) (*Router, *split.Store, *split.Store) {
	t.Helper()
	primary, archive := newSplit(t), newSplit(t)
	r, err := NewRouter("primary", map[string]ModuleStore{"primary": primary, "archive": archive})
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	return r, primary, archive
}

func TestNewRouterNeedsDefault(t *testing.T) {
	if _, err := NewRouter("missing", map[string]ModuleStore{"primary": newSplit(t)}); err == nil {
		t.Fatal("expected error for unknown default store")
	}
}

func TestMappingPrecedence(t *testing.T) {
	r, _, _ := newRouter(t)
	if err := r.MapOrg("OldX", "archive"); err != nil {
		t.Fatalf("MapOrg failed: %v", err)
	}
	pinned := keys.NewCourseKey("OldX", "101", "2014")
	if err := r.MapCourse(pinned, "primary"); err != nil {
		t.Fatalf("MapCourse failed: %v", err)
	}
	if err := r.MapCourse(pinned, "nowhere"); err == nil {
		t.Fatal("expected error mapping to unknown store")
	}

	cases := []struct {
		course keys.CourseKey
		want   string
	}{
		{keys.NewCourseKey("MITx", "6.002", "2025"), "primary"},
		{keys.NewCourseKey("OldX", "200", "2013"), "archive"},
		{pinned, "primary"},
		{pinned.ForBranch("draft-branch"), "primary"},
		{keys.NewLibraryKey("OldX", "lib"), "archive"},
	}
	for _, tc := range cases {
		if got := r.StoreName(tc.course); got != tc.want {
			t.Errorf("StoreName(%s) = %q, want %q", tc.course, got, tc.want)
		}
	}
}

func TestRoutesWritesAndReads(t *testing.T) {
	ctx := t.Context()
	r, primary, archive := newRouter(t)
	if err := r.MapOrg("OldX", "archive"); err != nil {
		t.Fatalf("MapOrg failed: %v", err)
	}

	if _, err := r.CreateCourse(ctx, "MITx", "6.002", "2025", "alice", nil); err != nil {
		t.Fatalf("CreateCourse failed: %v", err)
	}
	old, err := r.CreateCourse(ctx, "OldX", "200", "2013", "alice", nil)
	if err != nil {
		t.Fatalf("CreateCourse failed: %v", err)
	}

	oldKey := old.Location.Course.Identity()
	if ok, _ := archive.HasCourse(ctx, oldKey, false); !ok {
		t.Error("archived course is not in the archive store")
	}
	if ok, _ := primary.HasCourse(ctx, oldKey, false); ok {
		t.Error("archived course leaked into the primary store")
	}

	ch, err := r.CreateChild(ctx, "alice", old.Location.VersionAgnostic(), "chapter", map[string]any{"display_name": "Week 1"})
	if err != nil {
		t.Fatalf("CreateChild failed: %v", err)
	}
	got, err := r.GetItem(ctx, ch.Location.VersionAgnostic(), 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got.Fields["display_name"] != "Week 1" {
		t.Errorf("display_name = %v", got.Fields["display_name"])
	}

	courses, err := r.GetCourses(ctx)
	if err != nil {
		t.Fatalf("GetCourses failed: %v", err)
	}
	if len(courses) != 2 {
		t.Fatalf("got %d courses, want 2", len(courses))
	}
	if courses[0].Location.Course.Org != "MITx" || courses[1].Location.Course.Org != "OldX" {
		t.Errorf("courses not sorted by key: %s, %s", courses[0].Location.Course, courses[1].Location.Course)
	}
}

func TestCrossStoreOperationsRejected(t *testing.T) {
	ctx := t.Context()
	r, _, _ := newRouter(t)
	if err := r.MapOrg("OldX", "archive"); err != nil {
		t.Fatalf("MapOrg failed: %v", err)
	}
	src, err := r.CreateCourse(ctx, "OldX", "200", "2013", "alice", nil)
	if err != nil {
		t.Fatalf("CreateCourse failed: %v", err)
	}

	_, err = r.CloneCourse(ctx, "alice", src.Location.Course.Identity(), keys.NewCourseKey("MITx", "200", "2026"), nil)
	if !errors.Is(err, ErrCrossStore) {
		t.Errorf("CloneCourse err = %v, want ErrCrossStore", err)
	}

	dest := keys.NewCourseKey("MITx", "6.002", "2025").MakeUsageKey("vertical", "unit")
	_, err = r.CopyFromTemplate(ctx, "alice", []keys.UsageKey{src.Location}, dest)
	if !errors.Is(err, ErrCrossStore) {
		t.Errorf("CopyFromTemplate err = %v, want ErrCrossStore", err)
	}
}

func TestWikiAndAssetsAcrossStores(t *testing.T) {
	ctx := t.Context()
	r, _, _ := newRouter(t)
	if err := r.MapOrg("OldX", "archive"); err != nil {
		t.Fatalf("MapOrg failed: %v", err)
	}
	fields := map[string]any{"wiki_slug": "circuits"}
	if _, err := r.CreateCourse(ctx, "MITx", "6.002", "2025", "alice", fields); err != nil {
		t.Fatalf("CreateCourse failed: %v", err)
	}
	old, err := r.CreateCourse(ctx, "OldX", "6.002", "2013", "alice", fields)
	if err != nil {
		t.Fatalf("CreateCourse failed: %v", err)
	}

	found, err := r.GetCoursesForWiki(ctx, "circuits")
	if err != nil {
		t.Fatalf("GetCoursesForWiki failed: %v", err)
	}
	if len(found) != 2 || found[0].Org != "MITx" || found[1].Org != "OldX" {
		t.Errorf("expected both stores' courses in key order, got %v", found)
	}

	src := old.Location.Course.Identity()
	err = r.SaveAssetMetadata(ctx, "alice", src, model.AssetMetadata{AssetType: "asset", Path: "schematic.png"})
	if err != nil {
		t.Fatalf("SaveAssetMetadata failed: %v", err)
	}
	dest := keys.NewCourseKey("MITx", "6.002", "2025")
	if err := r.CopyAllAssetMetadata(ctx, "bob", src, dest); err != nil {
		t.Fatalf("CopyAllAssetMetadata failed: %v", err)
	}
	_, ok, err := r.FindAssetMetadata(ctx, dest.MakeAssetKey("asset", "schematic.png"))
	if err != nil || !ok {
		t.Errorf("asset not copied across stores: ok=%v err=%v", ok, err)
	}
}
