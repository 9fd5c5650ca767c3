package split

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"splitstore/cas"
	"splitstore/keys"
	"splitstore/model"
	"splitstore/schema"
)

// versionBlock marks key as changed in st by user.
func versionBlock(st *model.Structure, key keys.BlockKey, user string, now time.Time) (*model.BlockData, bool) {
	b, ok := st.MutableBlock(key)
	if !ok {
		return nil, false
	}
	if b.EditInfo.UpdateVersion != st.ID {
		b.EditInfo.PreviousVersion = b.EditInfo.UpdateVersion
		b.EditInfo.UpdateVersion = st.ID
	}
	b.EditInfo.SourceVersion = ""
	b.EditInfo.EditedBy = user
	b.EditInfo.EditedOn = now
	return b, true
}

// allocateBlockID picks an id for a new block per the type's strategy.
func (s *Store) allocateBlockID(st *model.Structure, blockType string, content map[string]any) (string, error) {
	switch s.reg.Type(blockType).IDStrategy {
	case schema.IDSerial:
		return serialID(st, blockType), nil
	case schema.IDContent:
		canon, err := cas.CanonicalJSON(content)
		if err != nil {
			return "", fmt.Errorf("hashing %s content: %w", blockType, err)
		}
		id := cas.DeriveKeyHex(string(st.OriginalVersion), blockType, string(canon))
		if _, taken := st.Blocks[keys.BlockKey{Type: blockType, ID: id}]; !taken {
			return id, nil
		}
		for n := 2; ; n++ {
			cand := fmt.Sprintf("%s_%d", id, n)
			if _, taken := st.Blocks[keys.BlockKey{Type: blockType, ID: cand}]; !taken {
				return cand, nil
			}
		}
	default:
		return strings.ReplaceAll(uuid.NewString(), "-", ""), nil
	}
}

// serialID returns the first free "<type><n>" id. An id freed by a delete
// can be handed out again.
func serialID(st *model.Structure, blockType string) string {
	for n := 1; ; n++ {
		id := fmt.Sprintf("%s%d", blockType, n)
		if _, taken := st.Blocks[keys.BlockKey{Type: blockType, ID: id}]; !taken {
			return id
		}
	}
}

// putDefinition buffers a definition for fields and returns its id.
// Identical payloads share one id.
func (s *Store) putDefinition(rec *bulkRecord, blockType string, fields map[string]any, user string) (keys.DefinitionID, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	id, err := cas.DefinitionIDHex(blockType, fields)
	if err != nil {
		return "", fmt.Errorf("hashing %s definition: %w", blockType, err)
	}
	did := keys.DefinitionID(id)
	if _, ok := rec.definitions[did]; !ok {
		rec.definitions[did] = &model.Definition{
			ID:        did,
			BlockType: blockType,
			Fields:    fields,
			EditedBy:  user,
			EditedOn:  s.now(),
		}
	}
	return did, nil
}

// contentOf returns the definition fields of b, or an empty map.
func (s *Store) contentOf(ctx context.Context, rec *bulkRecord, b *model.BlockData) (map[string]any, error) {
	if b.Definition == "" {
		return map[string]any{}, nil
	}
	d, err := s.definition(ctx, rec, b.Definition)
	if err != nil {
		return nil, err
	}
	if d.Fields == nil {
		return map[string]any{}, nil
	}
	return d.Fields, nil
}
