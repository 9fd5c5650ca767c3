package split

import (
	"testing"

	"splitstore/keys"
	"splitstore/model"
)

func TestCoursesForWiki(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	a, err := s.CreateCourse(ctx, "MITx", "6.002", "2013", "alice", map[string]any{"wiki_slug": "MITx.6.002"})
	if err != nil {
		t.Fatalf("CreateCourse failed: %v", err)
	}
	if _, err := s.CreateCourse(ctx, "MITx", "6.002", "2014", "alice", map[string]any{"wiki_slug": "MITx.6.002"}); err != nil {
		t.Fatalf("CreateCourse failed: %v", err)
	}
	if _, err := s.CreateCourse(ctx, "MITx", "8.01", "2014", "alice", nil); err != nil {
		t.Fatalf("CreateCourse failed: %v", err)
	}

	found, err := s.GetCoursesForWiki(ctx, "MITx.6.002")
	if err != nil {
		t.Fatalf("GetCoursesForWiki failed: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("expected 2 courses on the wiki, got %v", found)
	}
	for _, k := range found {
		if k.Branch != "" || k.Version != "" {
			t.Errorf("expected branch-agnostic keys, got %s", k)
		}
	}

	// Renaming the slug on the root moves the course.
	root := a.Location.VersionAgnostic()
	if _, err := s.UpdateItem(ctx, "alice", root, FieldChanges{Set: map[string]any{"wiki_slug": "MITx.6.002x"}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	moved, _ := s.GetCoursesForWiki(ctx, "MITx.6.002x")
	if len(moved) != 1 || moved[0] != keys.NewCourseKey("MITx", "6.002", "2013") {
		t.Errorf("expected the 2013 run on the new slug, got %v", moved)
	}
	left, _ := s.GetCoursesForWiki(ctx, "MITx.6.002")
	if len(left) != 1 || left[0].Run != "2014" {
		t.Errorf("expected only the 2014 run on the old slug, got %v", left)
	}

	if _, err := s.UpdateItem(ctx, "alice", root, FieldChanges{Unset: []string{"wiki_slug"}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	idx, err := s.GetCourseIndexInfo(ctx, root.Course)
	if err != nil {
		t.Fatalf("GetCourseIndexInfo failed: %v", err)
	}
	if _, ok := idx.SearchTargets["wiki_slug"]; ok {
		t.Errorf("unset slug still indexed: %v", idx.SearchTargets)
	}
	if none, _ := s.FindCoursesBySearchTarget(ctx, "wiki_slug", "MITx.6.002x"); len(none) != 0 {
		t.Errorf("expected no course on the dropped slug, got %v", none)
	}
}

func TestCloneCourseKeepsSearchTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	src, err := s.CreateCourse(ctx, "MITx", "6.002", "2013", "alice", map[string]any{"wiki_slug": "MITx.6.002"})
	if err != nil {
		t.Fatalf("CreateCourse failed: %v", err)
	}
	dest := keys.NewCourseKey("MITx", "6.002", "2015")
	if _, err := s.CloneCourse(ctx, "alice", src.Location.Course.Identity(), dest, map[string]any{"wiki_slug": "MITx.6.002.2015"}); err != nil {
		t.Fatalf("CloneCourse failed: %v", err)
	}

	srcIdx, _ := s.GetCourseIndexInfo(ctx, src.Location.Course.Identity())
	if srcIdx.SearchTargets["wiki_slug"] != "MITx.6.002" {
		t.Errorf("source slug changed by clone: %v", srcIdx.SearchTargets)
	}
	found, _ := s.GetCoursesForWiki(ctx, "MITx.6.002.2015")
	if len(found) != 1 || found[0] != dest {
		t.Errorf("expected the clone on its own slug, got %v", found)
	}
}

func TestCopyAllAssetMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	src := buildCourse(t, s, "2013")
	dest := buildCourse(t, s, "2014")

	err := s.SaveAssetMetadata(ctx, "alice", src.course,
		model.AssetMetadata{AssetType: "asset", Path: "a.png", Fields: map[string]any{"locked": true}},
		model.AssetMetadata{AssetType: "video", Path: "intro.mp4"},
	)
	if err != nil {
		t.Fatalf("SaveAssetMetadata failed: %v", err)
	}
	err = s.SaveAssetMetadata(ctx, "bob", dest.course,
		model.AssetMetadata{AssetType: "handout", Path: "old.pdf"},
	)
	if err != nil {
		t.Fatalf("SaveAssetMetadata failed: %v", err)
	}

	if err := s.CopyAllAssetMetadata(ctx, "bob", src.course, dest.course); err != nil {
		t.Fatalf("CopyAllAssetMetadata failed: %v", err)
	}
	for _, branch := range []string{model.DraftBranch, model.PublishedBranch} {
		all, err := s.GetAllAssetMetadata(ctx, dest.course.ForBranch(branch), "", 0, -1, AssetSort{})
		if err != nil {
			t.Fatalf("GetAllAssetMetadata failed: %v", err)
		}
		if len(all) != 2 {
			t.Fatalf("%s: expected the 2 source records, got %v", branch, all)
		}
		for _, a := range all {
			if a.Path == "old.pdf" {
				t.Errorf("%s: destination record survived the copy", branch)
			}
			if a.CreatedBy != "alice" {
				t.Errorf("%s: CreatedBy = %q, want the source's", branch, a.CreatedBy)
			}
		}
	}

	// The copy must not alias the source's records.
	key := dest.course.MakeAssetKey("asset", "a.png")
	if err := s.SetAssetMetadataAttrs(ctx, "bob", key, map[string]any{"locked": false}); err != nil {
		t.Fatalf("SetAssetMetadataAttrs failed: %v", err)
	}
	a, ok, err := s.FindAssetMetadata(ctx, src.course.MakeAssetKey("asset", "a.png"))
	if err != nil || !ok {
		t.Fatalf("source asset missing: %v", err)
	}
	if a.Fields["locked"] != true {
		t.Errorf("source asset changed through the copy: %v", a.Fields)
	}
}
