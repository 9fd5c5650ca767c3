package codec

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"splitstore/keys"
	"splitstore/model"
)

func testStructure() *model.Structure {
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	root := keys.BlockKey{Type: "course", ID: "course"}
	s := model.NewStructure("0195a1b2c3d4", root, "alice", now)
	s.PutBlock(root, &model.BlockData{
		BlockType:  "course",
		Definition: "d1",
		Fields:     map[string]any{"display_name": "Demo", "weight": 2.5},
		Children:   []keys.BlockKey{{Type: "chapter", ID: "c1"}},
		EditInfo:   model.EditInfo{EditedBy: "alice", EditedOn: now, UpdateVersion: "0195a1b2c3d4"},
	})
	s.PutBlock(keys.BlockKey{Type: "chapter", ID: "c1"}, &model.BlockData{
		BlockType:  "chapter",
		Definition: "d2",
		EditInfo:   model.EditInfo{EditedBy: "alice", EditedOn: now, UpdateVersion: "0195a1b2c3d4"},
	})
	s.Freeze()
	return s
}

func TestStructureEncodingIsStable(t *testing.T) {
	s := testStructure()
	a, err := EncodeStructure(s)
	if err != nil {
		t.Fatalf("EncodeStructure failed: %v", err)
	}
	decoded, err := DecodeStructure(a)
	if err != nil {
		t.Fatalf("DecodeStructure failed: %v", err)
	}
	if !decoded.Frozen() {
		t.Error("decoded structures must be frozen")
	}
	if len(decoded.Blocks) != 2 || decoded.Root != s.Root {
		t.Fatalf("unexpected decoded structure: %+v", decoded)
	}
	b, err := EncodeStructure(decoded)
	if err != nil {
		t.Fatalf("re-encoding failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("re-encoding a decoded structure should be bit-identical")
	}
}

func TestChecksumVerified(t *testing.T) {
	d := &model.Definition{ID: "abc", BlockType: "html", Fields: map[string]any{"data": "<p>hi</p>"}}
	data, err := EncodeDefinition(d)
	if err != nil {
		t.Fatalf("EncodeDefinition failed: %v", err)
	}

	dec, _ := zstd.NewReader(nil)
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		t.Fatalf("decompress failed: %v", err)
	}
	raw[len(raw)-3] ^= 0xff
	enc, _ := zstd.NewWriter(nil)
	tampered := enc.EncodeAll(raw, nil)

	if _, err := DecodeDefinition(tampered); !errors.Is(err, ErrChecksum) {
		t.Errorf("expected ErrChecksum, got %v", err)
	}

	got, err := DecodeDefinition(data)
	if err != nil {
		t.Fatalf("DecodeDefinition failed: %v", err)
	}
	if got.Fields["data"] != "<p>hi</p>" {
		t.Errorf("unexpected fields %v", got.Fields)
	}
}

func TestKindMismatch(t *testing.T) {
	data, err := EncodeDefinition(&model.Definition{ID: "abc", BlockType: "html"})
	if err != nil {
		t.Fatalf("EncodeDefinition failed: %v", err)
	}
	if _, err := DecodeStructure(data); err == nil {
		t.Error("decoding a definition as a structure should fail")
	}
}
