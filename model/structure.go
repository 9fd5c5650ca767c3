package model

import (
	"maps"
	"slices"
	"time"

	"splitstore/keys"
)

// Structure is one immutable snapshot of a course's block graph. Structures
// loaded from a backend are frozen; edits happen on a Fork, which is frozen
// again once it is persisted.
type Structure struct {
	ID              keys.VersionID               `json:"id"`
	PreviousVersion keys.VersionID               `json:"previousVersion,omitempty"`
	OriginalVersion keys.VersionID               `json:"originalVersion"`
	Root            keys.BlockKey                `json:"root"`
	Blocks          map[keys.BlockKey]*BlockData `json:"-"`
	EditedBy        string                       `json:"editedBy"`
	EditedOn        time.Time                    `json:"editedOn"`
	SchemaVersion   int                          `json:"schemaVersion"`
	Assets          map[string][]AssetMetadata   `json:"assets,omitempty"`

	// owned tracks blocks already cloned into this fork.
	owned  map[keys.BlockKey]struct{}
	frozen bool
}

// NewStructure starts an unfrozen structure with no predecessor.
func NewStructure(id keys.VersionID, root keys.BlockKey, user string, now time.Time) *Structure {
	return &Structure{
		ID:              id,
		OriginalVersion: id,
		Root:            root,
		Blocks:          map[keys.BlockKey]*BlockData{},
		EditedBy:        user,
		EditedOn:        now,
		SchemaVersion:   CurrentSchemaVersion,
		owned:           map[keys.BlockKey]struct{}{},
	}
}

// Fork returns a new unfrozen structure whose predecessor is s. Blocks are
// shared with s until MutableBlock clones them.
func (s *Structure) Fork(id keys.VersionID, user string, now time.Time) *Structure {
	f := &Structure{
		ID:              id,
		PreviousVersion: s.ID,
		OriginalVersion: s.OriginalVersion,
		Root:            s.Root,
		Blocks:          maps.Clone(s.Blocks),
		EditedBy:        user,
		EditedOn:        now,
		SchemaVersion:   CurrentSchemaVersion,
		Assets:          maps.Clone(s.Assets),
		owned:           map[keys.BlockKey]struct{}{},
	}
	if f.Blocks == nil {
		f.Blocks = map[keys.BlockKey]*BlockData{}
	}
	return f
}

// Frozen reports whether the structure may no longer change.
func (s *Structure) Frozen() bool { return s.frozen }

// Freeze marks the structure immutable.
func (s *Structure) Freeze() {
	s.frozen = true
	s.owned = nil
}

func (s *Structure) mustBeMutable() {
	if s.frozen {
		panic("model: mutating frozen structure " + string(s.ID))
	}
}

// Block returns the block stored under key.
func (s *Structure) Block(key keys.BlockKey) (*BlockData, bool) {
	b, ok := s.Blocks[key]
	return b, ok
}

// MutableBlock returns a block of this fork that may be modified in place,
// cloning it the first time it is touched.
func (s *Structure) MutableBlock(key keys.BlockKey) (*BlockData, bool) {
	s.mustBeMutable()
	b, ok := s.Blocks[key]
	if !ok {
		return nil, false
	}
	if _, mine := s.owned[key]; mine {
		return b, true
	}
	c := b.Clone()
	s.Blocks[key] = c
	s.owned[key] = struct{}{}
	return c, true
}

// PutBlock stores b under key. b becomes owned by this fork.
func (s *Structure) PutBlock(key keys.BlockKey, b *BlockData) {
	s.mustBeMutable()
	s.Blocks[key] = b
	s.owned[key] = struct{}{}
}

// DeleteBlock removes key from the block map.
func (s *Structure) DeleteBlock(key keys.BlockKey) {
	s.mustBeMutable()
	delete(s.Blocks, key)
	delete(s.owned, key)
}

// SetAssets replaces the metadata list for one asset type.
func (s *Structure) SetAssets(assetType string, list []AssetMetadata) {
	s.mustBeMutable()
	if s.Assets == nil {
		s.Assets = map[string][]AssetMetadata{}
	}
	if len(list) == 0 {
		delete(s.Assets, assetType)
		return
	}
	s.Assets[assetType] = list
}

// SortedKeys returns all block keys ordered by (type, id).
func (s *Structure) SortedKeys() []keys.BlockKey {
	ks := slices.Collect(maps.Keys(s.Blocks))
	slices.SortFunc(ks, CompareBlockKeys)
	return ks
}

// Parents returns every block listing key as a child, sorted.
func (s *Structure) Parents(key keys.BlockKey) []keys.BlockKey {
	var out []keys.BlockKey
	for k, b := range s.Blocks {
		if b.HasChild(key) {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, CompareBlockKeys)
	return out
}

// ParentMap indexes every child to the blocks that list it.
func (s *Structure) ParentMap() map[keys.BlockKey][]keys.BlockKey {
	m := make(map[keys.BlockKey][]keys.BlockKey, len(s.Blocks))
	for k, b := range s.Blocks {
		for _, c := range b.Children {
			m[c] = append(m[c], k)
		}
	}
	for _, ps := range m {
		slices.SortFunc(ps, CompareBlockKeys)
	}
	return m
}

// Descendants returns key and every block reachable from it, breadth first.
// Children missing from the block map are skipped.
func (s *Structure) Descendants(key keys.BlockKey) []keys.BlockKey {
	if _, ok := s.Blocks[key]; !ok {
		return nil
	}
	seen := map[keys.BlockKey]struct{}{key: {}}
	queue := []keys.BlockKey{key}
	for i := 0; i < len(queue); i++ {
		b := s.Blocks[queue[i]]
		for _, c := range b.Children {
			if _, dup := seen[c]; dup {
				continue
			}
			if _, ok := s.Blocks[c]; !ok {
				continue
			}
			seen[c] = struct{}{}
			queue = append(queue, c)
		}
	}
	return queue
}

// CompareBlockKeys orders block keys by (type, id).
func CompareBlockKeys(a, b keys.BlockKey) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}
