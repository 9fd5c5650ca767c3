package split

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"splitstore/cas"
	"splitstore/keys"
	"splitstore/metrics"
	"splitstore/schema"
)

// FieldChanges describes an edit to one block.
type FieldChanges struct {
	// Set assigns fields; content-scoped names go to the definition.
	Set map[string]any
	// Unset removes explicitly set values.
	Unset []string
	// Children, when non-nil, replaces the children list. Every listed
	// block must exist in the same branch.
	Children []keys.BlockKey
}

// IsEmpty reports whether the changes do nothing.
func (c FieldChanges) IsEmpty() bool {
	return len(c.Set) == 0 && len(c.Unset) == 0 && c.Children == nil
}

// UpdateItem applies changes to the block at key. When nothing would
// change, no structure is written and the current block is returned.
func (s *Store) UpdateItem(ctx context.Context, user string, key keys.UsageKey, changes FieldChanges) (_ *Block, err error) {
	ctx, finish := metrics.Start(ctx, "update_item", attribute.String("usage_key", key.String()))
	defer finish(&err)

	key.Course = s.withBranch(ctx, key.Course)
	if changes.IsEmpty() {
		return s.GetItem(ctx, key, 0)
	}
	content, settings, err := s.reg.Partition(key.BlockType, changes.Set)
	if err != nil {
		return nil, err
	}

	bk := key.BlockKey()
	branch := key.Course.Branch
	err = s.write(ctx, key.Course, func(ctx context.Context, rec *bulkRecord) error {
		base, ok, err := s.head(ctx, rec, branch)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(key.Course.VersionAgnostic())
		}
		old, ok := base.Blocks[bk]
		if !ok {
			return notFound(key.VersionAgnostic())
		}

		newFields := cas.CloneFields(old.Fields)
		if newFields == nil {
			newFields = map[string]any{}
		}
		maps.Copy(newFields, settings)
		oldContent, err := s.contentOf(ctx, rec, old)
		if err != nil {
			return err
		}
		newContent := cas.CloneFields(oldContent)
		maps.Copy(newContent, content)
		for _, name := range changes.Unset {
			if s.reg.ScopeOf(key.BlockType, name) == schema.ScopeContent {
				delete(newContent, name)
			} else {
				delete(newFields, name)
			}
		}

		fieldsChanged := !cas.Equal(newFields, normalizedOrEmpty(old.Fields))
		contentChanged := !cas.Equal(newContent, oldContent)
		childrenChanged := changes.Children != nil && !slices.Equal(changes.Children, old.Children)
		if childrenChanged {
			for _, c := range changes.Children {
				if _, ok := base.Blocks[c]; !ok {
					return notFound(key.Course.MakeUsageKey(c.Type, c.ID))
				}
				if c == bk {
					return fmt.Errorf("%w: %s cannot be its own child", ErrInvalidOperation, bk)
				}
			}
		}
		if !fieldsChanged && !contentChanged && !childrenChanged {
			return nil
		}

		defID := old.Definition
		if contentChanged {
			if defID, err = s.putDefinition(rec, key.BlockType, newContent, user); err != nil {
				return err
			}
		}
		st, err := s.fork(ctx, rec, branch, user)
		if err != nil {
			return err
		}
		b, _ := versionBlock(st, bk, user, s.now())
		b.Fields = newFields
		b.Definition = defID
		if childrenChanged {
			b.Children = slices.Clone(changes.Children)
		}
		if bk == base.Root {
			updateSearchTargets(rec.index, newFields)
		}
		return s.autoPublish(ctx, rec, user, branch, bk)
	})
	if err != nil {
		return nil, err
	}
	return s.GetItem(ctx, key.VersionAgnostic(), 0)
}

func normalizedOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
