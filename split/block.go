package split

import (
	"context"
	"slices"

	"splitstore/cas"
	"splitstore/keys"
	"splitstore/model"
	"splitstore/schema"
)

// Capabilities are the per-type behaviours looked up in the registry.
type Capabilities struct {
	Draftable  bool
	DirectOnly bool
	Detached   bool
}

// Block is a read-only view of one block in one structure version. Content
// fields are loaded from the definition on first use.
type Block struct {
	Location     keys.UsageKey
	DefinitionID keys.DefinitionID
	// Fields are the block's own settings.
	Fields map[string]any
	// Defaults are template-supplied settings.
	Defaults map[string]any
	// Inherited are the values the block's ancestors pass down.
	Inherited map[string]any
	Children  []keys.UsageKey
	EditInfo  model.EditInfo
	Caps      Capabilities

	store    *Store
	rec      *bulkRecord
	content  map[string]any
	children map[keys.UsageKey]*Block
}

func (s *Store) newBlock(v *courseView, key keys.BlockKey, b *model.BlockData, inherited map[string]any) *Block {
	bt := s.reg.Type(key.Type)
	blk := &Block{
		Location:     v.usageKey(key),
		DefinitionID: b.Definition,
		Fields:       cas.CloneFields(b.Fields),
		Defaults:     cas.CloneFields(b.Defaults),
		Inherited:    cas.CloneFields(inherited),
		EditInfo:     b.EditInfo,
		Caps:         Capabilities{Draftable: bt.Draftable, DirectOnly: bt.DirectOnly, Detached: bt.Detached},
		store:        s,
		rec:          v.rec,
	}
	if blk.Fields == nil {
		blk.Fields = map[string]any{}
	}
	for _, c := range b.Children {
		blk.Children = append(blk.Children, v.usageKey(c))
	}
	return blk
}

// Type is the block's category.
func (b *Block) Type() string { return b.Location.BlockType }

// ID is the block's id within its course.
func (b *Block) ID() string { return b.Location.BlockID }

// Content returns the content-scoped fields, loading the definition once.
func (b *Block) Content(ctx context.Context) (map[string]any, error) {
	if b.content != nil {
		return b.content, nil
	}
	d, err := b.store.definition(ctx, b.rec, b.DefinitionID)
	if err != nil {
		return nil, err
	}
	b.content = cas.CloneFields(d.Fields)
	if b.content == nil {
		b.content = map[string]any{}
	}
	return b.content, nil
}

// Setting returns the effective value of a settings-scoped field: the
// block's own value, then a template default, then the inherited value,
// then the schema default.
func (b *Block) Setting(name string) (any, bool) {
	if v, ok := b.Fields[name]; ok {
		return v, true
	}
	if v, ok := b.Defaults[name]; ok {
		return v, true
	}
	if v, ok := b.Inherited[name]; ok {
		return v, true
	}
	return b.store.reg.Default(b.Type(), name)
}

// IsExplicitlySet reports whether the block itself sets name.
func (b *Block) IsExplicitlySet(name string) bool {
	_, ok := b.Fields[name]
	return ok
}

// Field returns the effective value of any field, content or settings.
func (b *Block) Field(ctx context.Context, name string) (any, bool, error) {
	if b.store.reg.ScopeOf(b.Type(), name) == schema.ScopeContent {
		content, err := b.Content(ctx)
		if err != nil {
			return nil, false, err
		}
		if v, ok := content[name]; ok {
			return v, true, nil
		}
		v, ok := b.store.reg.Default(b.Type(), name)
		return v, ok, nil
	}
	v, ok := b.Setting(name)
	return v, ok, nil
}

// DisplayName returns the display_name setting, or the block id.
func (b *Block) DisplayName() string {
	if v, ok := b.Setting("display_name"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return b.ID()
}

// ChildBlocks returns the children views. Children prefetched by the read
// that produced b are returned without another lookup.
func (b *Block) ChildBlocks(ctx context.Context) ([]*Block, error) {
	out := make([]*Block, 0, len(b.Children))
	for _, c := range b.Children {
		if cb, ok := b.children[c]; ok {
			out = append(out, cb)
			continue
		}
		cb, err := b.store.GetItem(ctx, c, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, nil
}

// HasChild reports whether key is a direct child.
func (b *Block) HasChild(key keys.UsageKey) bool {
	return slices.ContainsFunc(b.Children, func(c keys.UsageKey) bool {
		return c.BlockKey() == key.BlockKey()
	})
}
