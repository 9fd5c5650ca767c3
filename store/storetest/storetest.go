// Package storetest holds the conformance checks every store.Backend must
// pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"splitstore/cas"
	"splitstore/keys"
	"splitstore/model"
	"splitstore/store"
)

// Open returns a fresh, empty backend. The test closes it.
type Open func(t *testing.T) store.Backend

// Run executes every conformance check against backends made by open.
func Run(t *testing.T, open Open) {
	t.Run("StructureRoundTrip", func(t *testing.T) { testStructureRoundTrip(t, open(t)) })
	t.Run("DefinitionPooling", func(t *testing.T) { testDefinitions(t, open(t)) })
	t.Run("IndexCompareAndSwap", func(t *testing.T) { testIndexCAS(t, open(t)) })
	t.Run("IndexConcurrentSwap", func(t *testing.T) { testIndexConcurrent(t, open(t)) })
	t.Run("FindIndexes", func(t *testing.T) { testFindIndexes(t, open(t)) })
	t.Run("DeleteAndList", func(t *testing.T) { testDeleteAndList(t, open(t)) })
}

// Structure builds a small frozen structure with the given id.
func Structure(id keys.VersionID, prev keys.VersionID) *model.Structure {
	now := cas.Now()
	root := keys.BlockKey{Type: "course", ID: "course"}
	s := model.NewStructure(id, root, "tester", now)
	s.PreviousVersion = prev
	s.PutBlock(root, &model.BlockData{
		BlockType:  "course",
		Definition: "def0",
		Fields:     map[string]any{"display_name": "Course " + string(id)},
		EditInfo:   model.EditInfo{EditedBy: "tester", EditedOn: now, UpdateVersion: id},
	})
	s.Freeze()
	return s
}

func index(org, course, run string, head keys.VersionID) *model.CourseIndex {
	return &model.CourseIndex{
		Org: org, Course: course, Run: run,
		Versions:      map[string]keys.VersionID{model.DraftBranch: head},
		EditedBy:      "tester",
		EditedOn:      cas.Now(),
		SchemaVersion: model.CurrentSchemaVersion,
	}
}

func testStructureRoundTrip(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	if _, err := b.GetStructure(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	s := Structure("aaaa", "")
	if err := b.InsertStructure(ctx, s); err != nil {
		t.Fatalf("InsertStructure failed: %v", err)
	}
	// idempotent
	if err := b.InsertStructure(ctx, s); err != nil {
		t.Fatalf("second InsertStructure failed: %v", err)
	}

	got, err := b.GetStructure(ctx, "aaaa")
	if err != nil {
		t.Fatalf("GetStructure failed: %v", err)
	}
	if !got.Frozen() {
		t.Error("loaded structures must be frozen")
	}
	root := got.Blocks[s.Root]
	if root == nil || root.Fields["display_name"] != "Course aaaa" {
		t.Errorf("unexpected root block %+v", root)
	}
	if !root.EditInfo.EditedOn.Equal(s.Blocks[s.Root].EditInfo.EditedOn) {
		t.Errorf("edited_on changed across storage: %v vs %v", root.EditInfo.EditedOn, s.Blocks[s.Root].EditInfo.EditedOn)
	}
}

func testDefinitions(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	fields := map[string]any{"data": "<p>x</p>"}
	id, err := cas.DefinitionIDHex("html", fields)
	if err != nil {
		t.Fatalf("DefinitionIDHex failed: %v", err)
	}
	d := &model.Definition{ID: keys.DefinitionID(id), BlockType: "html", Fields: fields, EditedOn: cas.Now()}
	for i := 0; i < 2; i++ {
		if err := b.InsertDefinition(ctx, d); err != nil {
			t.Fatalf("InsertDefinition #%d failed: %v", i, err)
		}
	}
	got, err := b.GetDefinition(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDefinition failed: %v", err)
	}
	if got.Fields["data"] != "<p>x</p>" {
		t.Errorf("unexpected fields %v", got.Fields)
	}

	many, err := b.GetDefinitions(ctx, []keys.DefinitionID{d.ID, "nope"})
	if err != nil {
		t.Fatalf("GetDefinitions failed: %v", err)
	}
	if len(many) != 1 || many[d.ID] == nil {
		t.Errorf("expected exactly the existing definition, got %v", many)
	}

	defs, err := b.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("ListDefinitions failed: %v", err)
	}
	if len(defs) != 1 {
		t.Errorf("definitions should pool, got %d rows", len(defs))
	}
}

func testIndexCAS(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	idx := index("edX", "Demo", "2025", "v1")
	if err := b.InsertCourseIndex(ctx, idx); err != nil {
		t.Fatalf("InsertCourseIndex failed: %v", err)
	}
	if err := b.InsertCourseIndex(ctx, index("edX", "Demo", "2025", "v9")); !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	loaded, err := b.GetCourseIndex(ctx, keys.NewCourseKey("edX", "Demo", "2025"))
	if err != nil {
		t.Fatalf("GetCourseIndex failed: %v", err)
	}
	token := loaded.LastUpdate

	loaded.Versions[model.DraftBranch] = "v2"
	if err := b.UpdateCourseIndex(ctx, loaded, token); err != nil {
		t.Fatalf("UpdateCourseIndex failed: %v", err)
	}
	if loaded.LastUpdate == token {
		t.Error("token should advance on update")
	}

	stale := loaded.Clone()
	stale.Versions[model.DraftBranch] = "v3"
	if err := b.UpdateCourseIndex(ctx, stale, token); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale token, got %v", err)
	}

	final, err := b.GetCourseIndex(ctx, keys.NewCourseKey("edX", "Demo", "2025"))
	if err != nil {
		t.Fatalf("GetCourseIndex failed: %v", err)
	}
	if final.Versions[model.DraftBranch] != "v2" {
		t.Errorf("stale update leaked: head is %s", final.Versions[model.DraftBranch])
	}

	missing := index("edX", "Nope", "2025", "v1")
	if err := b.UpdateCourseIndex(ctx, missing, 1); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	history, err := b.IndexHistory(ctx, keys.NewCourseKey("edX", "Demo", "2025"), 10)
	if err != nil {
		t.Fatalf("IndexHistory failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Parent != history[1].ID {
		t.Errorf("history is not chained: %+v", history)
	}
}

func testIndexConcurrent(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	if err := b.InsertCourseIndex(ctx, index("edX", "Race", "1", "v0")); err != nil {
		t.Fatalf("InsertCourseIndex failed: %v", err)
	}
	base, err := b.GetCourseIndex(ctx, keys.NewCourseKey("edX", "Race", "1"))
	if err != nil {
		t.Fatalf("GetCourseIndex failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx := base.Clone()
			idx.Versions[model.DraftBranch] = keys.VersionID("v" + string(rune('a'+i)))
			results <- b.UpdateCourseIndex(ctx, idx, base.LastUpdate)
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrConflict):
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func testFindIndexes(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	wiki := index("edX", "B", "1", "v2")
	wiki.SearchTargets = map[string]any{"wiki_slug": "edX.B.1"}
	for _, idx := range []*model.CourseIndex{
		index("edX", "A", "1", "v1"),
		wiki,
		index("MITx", "C", "1", "v3"),
	} {
		if err := b.InsertCourseIndex(ctx, idx); err != nil {
			t.Fatalf("InsertCourseIndex failed: %v", err)
		}
	}
	lib := &model.CourseIndex{Org: "edX", Course: "Lib", Run: keys.LibraryRun, Library: true,
		Versions: map[string]keys.VersionID{model.LibraryBranch: "v4"}, EditedOn: time.Now()}
	if err := b.InsertCourseIndex(ctx, lib); err != nil {
		t.Fatalf("InsertCourseIndex(library) failed: %v", err)
	}

	all, err := b.FindCourseIndexes(ctx, store.IndexQuery{})
	if err != nil {
		t.Fatalf("FindCourseIndexes failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 courses, got %d", len(all))
	}
	edx, _ := b.FindCourseIndexes(ctx, store.IndexQuery{Org: "edX"})
	if len(edx) != 2 {
		t.Errorf("expected 2 edX courses, got %d", len(edx))
	}
	libs, _ := b.FindCourseIndexes(ctx, store.IndexQuery{Library: true})
	if len(libs) != 1 || !libs[0].Library {
		t.Errorf("expected one library, got %v", libs)
	}
	published, _ := b.FindCourseIndexes(ctx, store.IndexQuery{Branch: model.PublishedBranch})
	if len(published) != 0 {
		t.Errorf("no course has a published branch yet, got %d", len(published))
	}
	ci := keys.NewCourseKey("EDX", "a", "1")
	clash, _ := b.FindCourseIndexes(ctx, store.IndexQuery{Identity: &ci})
	if len(clash) != 1 || clash[0].Course != "A" {
		t.Errorf("expected case-insensitive match on edX/A/1, got %v", clash)
	}
	slug, _ := b.FindCourseIndexes(ctx, store.IndexQuery{SearchTargets: map[string]string{"wiki_slug": "edX.B.1"}})
	if len(slug) != 1 || slug[0].Course != "B" {
		t.Errorf("expected edX/B/1 by wiki slug, got %v", slug)
	}
	none, _ := b.FindCourseIndexes(ctx, store.IndexQuery{SearchTargets: map[string]string{"wiki_slug": "nope"}})
	if len(none) != 0 {
		t.Errorf("unknown wiki slug matched %d indexes", len(none))
	}
}

func testDeleteAndList(t *testing.T, b store.Backend) {
	defer b.Close()
	ctx := context.Background()

	for _, s := range []*model.Structure{Structure("s1", ""), Structure("s2", "s1"), Structure("s3", "s2")} {
		if err := b.InsertStructure(ctx, s); err != nil {
			t.Fatalf("InsertStructure failed: %v", err)
		}
	}
	headers, err := b.ListStructures(ctx)
	if err != nil {
		t.Fatalf("ListStructures failed: %v", err)
	}
	if len(headers) != 3 {
		t.Fatalf("expected 3 structures, got %d", len(headers))
	}
	prev := map[keys.VersionID]keys.VersionID{}
	for _, h := range headers {
		prev[h.ID] = h.PreviousVersion
	}
	if prev["s3"] != "s2" || prev["s1"] != "" {
		t.Errorf("unexpected lineage %v", prev)
	}

	if err := b.DeleteStructures(ctx, []keys.VersionID{"s1", "s2"}); err != nil {
		t.Fatalf("DeleteStructures failed: %v", err)
	}
	if _, err := b.GetStructure(ctx, "s1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("s1 should be gone, got %v", err)
	}
	if _, err := b.GetStructure(ctx, "s3"); err != nil {
		t.Errorf("s3 should survive: %v", err)
	}

	if err := b.InsertCourseIndex(ctx, index("edX", "Gone", "1", "s3")); err != nil {
		t.Fatalf("InsertCourseIndex failed: %v", err)
	}
	if err := b.DeleteCourseIndex(ctx, keys.NewCourseKey("edX", "Gone", "1")); err != nil {
		t.Fatalf("DeleteCourseIndex failed: %v", err)
	}
	if _, err := b.GetCourseIndex(ctx, keys.NewCourseKey("edX", "Gone", "1")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := b.DeleteCourseIndex(ctx, keys.NewCourseKey("edX", "Gone", "1")); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}
