package cas

import (
	"testing"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": map[string]any{"d": 2, "c": 3}})
	if err != nil {
		t.Fatalf("CanonicalJSON failed: %v", err)
	}
	want := `{"a":{"c":3,"d":2},"b":1}`
	if string(a) != want {
		t.Errorf("got %s, want %s", a, want)
	}
}

func TestDefinitionIDPoolsIdenticalPayloads(t *testing.T) {
	a, err := DefinitionIDHex("problem", map[string]any{"data": "<p/>", "weight": 1})
	if err != nil {
		t.Fatalf("DefinitionIDHex failed: %v", err)
	}
	b, err := DefinitionIDHex("problem", map[string]any{"weight": 1.0, "data": "<p/>"})
	if err != nil {
		t.Fatalf("DefinitionIDHex failed: %v", err)
	}
	if a != b {
		t.Errorf("identical payloads produced different ids: %s != %s", a, b)
	}

	c, _ := DefinitionIDHex("html", map[string]any{"data": "<p/>", "weight": 1})
	if a == c {
		t.Error("block type should be part of the definition id")
	}
}

func TestDeriveKeyStable(t *testing.T) {
	a := DeriveKeyHex("course-v1:org+lib+run", "problem", "p1", "vert")
	b := DeriveKeyHex("course-v1:org+lib+run", "problem", "p1", "vert")
	if a != b {
		t.Fatalf("derived keys differ: %s vs %s", a, b)
	}
	if len(a) != 20 {
		t.Errorf("expected 20 characters, got %d", len(a))
	}
	if c := DeriveKeyHex("course-v1:org+lib+run", "problem", "p1", "other"); c == a {
		t.Error("different parent should derive a different key")
	}
	// part boundaries matter
	if DeriveKeyHex("ab", "c") == DeriveKeyHex("a", "bc") {
		t.Error("part boundaries should be significant")
	}
}

func TestNormalize(t *testing.T) {
	v, err := Normalize(map[string]any{"n": 3, "l": []string{"x"}})
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	m := v.(map[string]any)
	if m["n"] != 3.0 {
		t.Errorf("expected float64 3, got %#v", m["n"])
	}
	if _, ok := m["l"].([]any); !ok {
		t.Errorf("expected []any, got %T", m["l"])
	}
	if !Equal(3, 3.0) {
		t.Error("3 and 3.0 should be canonically equal")
	}
}

func TestCloneFieldsSharesNothing(t *testing.T) {
	orig := map[string]any{
		"grading_policy": map[string]any{"GRADE_CUTOFFS": map[string]any{"Pass": 0.5}},
		"tabs":           []any{map[string]any{"type": "courseware"}},
		"weight":         1.0,
	}
	c := CloneFields(orig)
	c["grading_policy"].(map[string]any)["GRADE_CUTOFFS"].(map[string]any)["Pass"] = 0.9
	c["tabs"].([]any)[0].(map[string]any)["type"] = "wiki"
	c["weight"] = 2.0

	if got := orig["grading_policy"].(map[string]any)["GRADE_CUTOFFS"].(map[string]any)["Pass"]; got != 0.5 {
		t.Errorf("nested map aliased: Pass = %v", got)
	}
	if got := orig["tabs"].([]any)[0].(map[string]any)["type"]; got != "courseware" {
		t.Errorf("nested list aliased: type = %v", got)
	}
	if orig["weight"] != 1.0 {
		t.Errorf("top-level value aliased: weight = %v", orig["weight"])
	}
	if CloneFields(nil) != nil {
		t.Error("nil map should clone to nil")
	}
}
