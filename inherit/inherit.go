// Package inherit computes, per structure, the settings each block would
// inherit from its ancestors.
package inherit

import (
	"errors"
	"fmt"
	"maps"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"splitstore/keys"
	"splitstore/metrics"
	"splitstore/model"
	"splitstore/schema"
)

// ErrCycle reports a structure whose children lists form a loop.
var ErrCycle = errors.New("cycle in block graph")

// Tree maps each reachable block to the inheritable values set by its
// nearest ancestors. A block's own values are not part of its entry.
type Tree struct {
	StructureID keys.VersionID
	Values      map[keys.BlockKey]map[string]any
}

// For returns the inherited values of key. The map must not be modified.
func (t *Tree) For(key keys.BlockKey) map[string]any {
	return t.Values[key]
}

// Compute walks s from its root. When a block is reachable along several
// paths the last walk wins.
func Compute(s *model.Structure, reg *schema.Registry) (*Tree, error) {
	t := &Tree{StructureID: s.ID, Values: make(map[keys.BlockKey]map[string]any, len(s.Blocks))}
	fields := reg.InheritableFields()
	onPath := map[keys.BlockKey]bool{}

	var walk func(key keys.BlockKey, inheriting map[string]any) error
	walk = func(key keys.BlockKey, inheriting map[string]any) error {
		b, ok := s.Blocks[key]
		if !ok {
			return nil
		}
		entry := t.Values[key]
		if entry == nil {
			entry = map[string]any{}
			t.Values[key] = entry
		}
		maps.Copy(entry, inheriting)

		passing := maps.Clone(entry)
		for _, name := range fields {
			if v, ok := b.Fields[name]; ok {
				passing[name] = v
			}
		}

		onPath[key] = true
		defer delete(onPath, key)
		for _, child := range b.Children {
			if onPath[child] {
				return fmt.Errorf("%w: %s reaches itself via %s", ErrCycle, child, key)
			}
			if err := walk(child, passing); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(s.Root, map[string]any{}); err != nil {
		return nil, err
	}
	return t, nil
}

// Subtree restricts t to root and its descendants down to depth levels
// (negative depth means unlimited).
func (t *Tree) Subtree(s *model.Structure, root keys.BlockKey, depth int) map[keys.BlockKey]map[string]any {
	out := map[keys.BlockKey]map[string]any{}
	type item struct {
		key   keys.BlockKey
		level int
	}
	queue := []item{{root, 0}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if _, seen := out[it.key]; seen {
			continue
		}
		b, ok := s.Blocks[it.key]
		if !ok {
			continue
		}
		out[it.key] = maps.Clone(t.Values[it.key])
		if depth >= 0 && it.level >= depth {
			continue
		}
		for _, c := range b.Children {
			queue = append(queue, item{c, it.level + 1})
		}
	}
	return out
}

// Cache memoizes trees by structure id. Trees of unfrozen structures are
// computed on every call.
type Cache struct {
	reg   *schema.Registry
	local *ristretto.Cache[string, *Tree]
	group singleflight.Group
}

// NewCache builds a cache holding at most maxTrees trees.
func NewCache(reg *schema.Registry, maxTrees int64) (*Cache, error) {
	local, err := ristretto.NewCache(&ristretto.Config[string, *Tree]{
		NumCounters: max(maxTrees*10, 100),
		MaxCost:     maxTrees,
		BufferItems: 64,
		// Cost counts trees, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating inheritance cache: %w", err)
	}
	return &Cache{reg: reg, local: local}, nil
}

// Get returns the tree for s.
func (c *Cache) Get(s *model.Structure) (*Tree, error) {
	if !s.Frozen() {
		return Compute(s, c.reg)
	}
	if t, ok := c.local.Get(string(s.ID)); ok {
		metrics.CacheHit("inheritance", "hit")
		return t, nil
	}
	v, err, _ := c.group.Do(string(s.ID), func() (any, error) {
		metrics.CacheHit("inheritance", "miss")
		t, err := Compute(s, c.reg)
		if err != nil {
			return nil, err
		}
		c.local.Set(string(s.ID), t, 1)
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tree), nil
}

// Close releases the cache's goroutines.
func (c *Cache) Close() { c.local.Close() }
