package split

import (
	"bytes"
	"testing"

	"splitstore/codec"
	"splitstore/model"
)

func TestVersionsAreImmutable(t *testing.T) {
	s := newTestStore(t)
	f := buildCourse(t, s, "2013")
	ctx := t.Context()

	_, err := s.UpdateItem(ctx, "alice", f.root, FieldChanges{Set: map[string]any{
		"grading_policy": map[string]any{"GRADE_CUTOFFS": map[string]any{"Pass": 0.5}},
		"tabs":           []any{map[string]any{"type": "courseware"}},
	}})
	if err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	head := draftHead(t, s, f.course)

	encode := func(st *model.Structure) []byte {
		t.Helper()
		data, err := codec.EncodeStructure(st)
		if err != nil {
			t.Fatalf("EncodeStructure failed: %v", err)
		}
		return data
	}
	cached, err := s.structure(ctx, nil, head)
	if err != nil {
		t.Fatalf("loading structure failed: %v", err)
	}
	before := encode(cached)

	pinned := f.course.ForBranch(model.DraftBranch).ForVersion(head)
	root, err := s.GetItem(ctx, pinned.MakeUsageKey(f.root.BlockType, f.root.BlockID), 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	root.Fields["grading_policy"].(map[string]any)["GRADE_CUTOFFS"] = "tampered"
	root.Fields["tabs"].([]any)[0].(map[string]any)["type"] = "tampered"
	problem, err := s.GetItem(ctx, pinned.MakeUsageKey(f.problem.BlockType, f.problem.BlockID), 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if problem.Inherited != nil {
		problem.Inherited["graceperiod"] = "tampered"
	}
	content, err := problem.Content(ctx)
	if err != nil {
		t.Fatalf("Content failed: %v", err)
	}
	content["data"] = "tampered"

	// Later edits fork from the tampered views' version.
	if _, err := s.UpdateItem(ctx, "alice", f.root, FieldChanges{Set: map[string]any{"display_name": "Renamed"}}); err != nil {
		t.Fatalf("UpdateItem failed: %v", err)
	}
	if _, err := s.Publish(ctx, "alice", f.root); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	cached, err = s.structure(ctx, nil, head)
	if err != nil {
		t.Fatalf("reloading structure failed: %v", err)
	}
	if !bytes.Equal(before, encode(cached)) {
		t.Error("cached structure changed after view mutations")
	}
	stored, err := s.Backend().GetStructure(ctx, head)
	if err != nil {
		t.Fatalf("backend GetStructure failed: %v", err)
	}
	if !bytes.Equal(before, encode(stored)) {
		t.Error("stored structure differs from the encoding taken before the edits")
	}

	again, err := s.GetItem(ctx, pinned.MakeUsageKey(f.root.BlockType, f.root.BlockID), 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if _, ok := again.Fields["grading_policy"].(map[string]any)["GRADE_CUTOFFS"].(map[string]any); !ok {
		t.Errorf("grading_policy leaked a mutation: %v", again.Fields["grading_policy"])
	}
	again, err = s.GetItem(ctx, pinned.MakeUsageKey(f.problem.BlockType, f.problem.BlockID), 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got := again.Inherited["graceperiod"]; got == "tampered" {
		t.Errorf("inherited values leaked a mutation: %v", got)
	}
	latest, err := s.GetItem(ctx, f.root, 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if got := latest.Fields["tabs"].([]any)[0].(map[string]any)["type"]; got != "courseware" {
		t.Errorf("the next version persisted a view mutation: tabs type = %v", got)
	}
	problem, err = s.GetItem(ctx, f.problem, 0)
	if err != nil {
		t.Fatalf("GetItem failed: %v", err)
	}
	if content, err := problem.Content(ctx); err != nil || content["data"] != "<problem/>" {
		t.Errorf("definition content = %v, %v", content["data"], err)
	}
}
