package inherit

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"splitstore/keys"
	"splitstore/model"
	"splitstore/schema"
)

func bk(t, id string) keys.BlockKey { return keys.BlockKey{Type: t, ID: id} }

func build(frozen bool) *model.Structure {
	s := model.NewStructure("v1", bk("course", "course"), "t", time.Now())
	s.PutBlock(bk("course", "course"), &model.BlockData{
		BlockType: "course",
		Fields:    map[string]any{"graceperiod": "2h0m0s", "display_name": "C"},
		Children:  []keys.BlockKey{bk("chapter", "ch")},
	})
	s.PutBlock(bk("chapter", "ch"), &model.BlockData{
		BlockType: "chapter",
		Fields:    map[string]any{"due": "2030-01-01T00:00:00Z"},
		Children:  []keys.BlockKey{bk("sequential", "seq")},
	})
	s.PutBlock(bk("sequential", "seq"), &model.BlockData{
		BlockType: "sequential",
		Fields:    map[string]any{"graceperiod": "1h0m0s"},
		Children:  []keys.BlockKey{bk("problem", "p")},
	})
	s.PutBlock(bk("problem", "p"), &model.BlockData{BlockType: "problem"})
	s.PutBlock(bk("html", "orphan"), &model.BlockData{BlockType: "html"})
	if frozen {
		s.Freeze()
	}
	return s
}

func TestComputeInheritsNearestAncestor(t *testing.T) {
	tree, err := Compute(build(true), schema.Default())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if v := tree.For(bk("chapter", "ch"))["graceperiod"]; v != "2h0m0s" {
		t.Errorf("chapter should inherit course graceperiod, got %v", v)
	}
	if _, ok := tree.For(bk("chapter", "ch"))["display_name"]; ok {
		t.Error("display_name is not inheritable")
	}
	leaf := tree.For(bk("problem", "p"))
	if leaf["graceperiod"] != "1h0m0s" {
		t.Errorf("leaf should see nearest graceperiod, got %v", leaf["graceperiod"])
	}
	if leaf["due"] != "2030-01-01T00:00:00Z" {
		t.Errorf("leaf should inherit due from chapter, got %v", leaf["due"])
	}
	if seq := tree.For(bk("sequential", "seq")); seq["graceperiod"] != "2h0m0s" {
		t.Errorf("a block's own value is not part of its inherited entry, got %v", seq["graceperiod"])
	}
	if tree.For(bk("html", "orphan")) != nil {
		t.Error("orphans are unreachable and inherit nothing")
	}
}

func TestComputeDetectsCycles(t *testing.T) {
	s := build(false)
	p, _ := s.MutableBlock(bk("problem", "p"))
	p.Children = []keys.BlockKey{bk("chapter", "ch")}
	if _, err := Compute(s, schema.Default()); !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}

func TestSubtreeDepth(t *testing.T) {
	s := build(true)
	tree, err := Compute(s, schema.Default())
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	sub := tree.Subtree(s, bk("chapter", "ch"), 1)
	if len(sub) != 2 {
		t.Errorf("depth 1 from chapter should cover 2 blocks, got %d", len(sub))
	}
	if all := tree.Subtree(s, s.Root, -1); len(all) != 4 {
		t.Errorf("unbounded subtree should cover 4 reachable blocks, got %d", len(all))
	}
}

func TestCacheOnlyStoresFrozen(t *testing.T) {
	c, err := NewCache(schema.Default(), 10)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	defer c.Close()

	if _, err := c.Get(build(false)); err != nil {
		t.Fatalf("Get(unfrozen) failed: %v", err)
	}
	c.local.Wait()
	if _, ok := c.local.Get("v1"); ok {
		t.Error("tree of an unfrozen structure was cached")
	}

	if _, err := c.Get(build(true)); err != nil {
		t.Fatalf("Get(frozen) failed: %v", err)
	}
	c.local.Wait()
	if _, ok := c.local.Get("v1"); !ok {
		t.Error("tree of a frozen structure should be cached")
	}
}

func TestCacheKeepsEntriesBelowCapacity(t *testing.T) {
	c, err := NewCache(schema.Default(), 256)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	defer c.Close()

	base := build(true)
	var ids []string
	for i := range 50 {
		s := base.Fork(keys.VersionID(fmt.Sprintf("v%d", i+2)), "t", time.Now())
		s.Freeze()
		if _, err := c.Get(s); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		ids = append(ids, string(s.ID))
	}
	c.local.Wait()
	for _, id := range ids {
		if _, ok := c.local.Get(id); !ok {
			t.Errorf("tree %s was evicted below capacity", id)
		}
	}
}
