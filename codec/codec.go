// Package codec encodes structures and definitions for persistence.
//
// Document format (before compression):
// [4 bytes: header length (big-endian)]
// [header JSON: Header]
// [document JSON]
//
// The whole frame is zstd-compressed. The header carries the BLAKE3 digest
// of the document bytes, which is verified on decode.
package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"splitstore/cas"
	"splitstore/keys"
	"splitstore/model"
)

const (
	HeaderLengthSize = 4
	MaxHeaderSize    = 64 * 1024
)

// Document kinds.
const (
	KindStructure  = "structure"
	KindDefinition = "definition"
)

var ErrChecksum = errors.New("document checksum mismatch")

// Header describes the framed document.
type Header struct {
	Kind     string `json:"kind"`
	ID       string `json:"id"`
	Checksum string `json:"checksum"`
}

var (
	encOnce sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	encErr  error
)

func coders() (*zstd.Encoder, *zstd.Decoder, error) {
	encOnce.Do(func() {
		encoder, encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if encErr != nil {
			return
		}
		decoder, encErr = zstd.NewReader(nil)
	})
	return encoder, decoder, encErr
}

type storedBlock struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	model.BlockData
}

type storedStructure struct {
	model.Structure
	Blocks []storedBlock `json:"blocks"`
}

func frame(kind, id string, doc []byte) ([]byte, error) {
	headerJSON, err := json.Marshal(Header{Kind: kind, ID: id, Checksum: cas.Blake3HashHex(doc)})
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}
	var buf bytes.Buffer
	headerLen := make([]byte, HeaderLengthSize)
	binary.BigEndian.PutUint32(headerLen, uint32(len(headerJSON)))
	buf.Write(headerLen)
	buf.Write(headerJSON)
	buf.Write(doc)

	enc, _, err := coders()
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return enc.EncodeAll(buf.Bytes(), nil), nil
}

func unframe(kind string, data []byte) (*Header, []byte, error) {
	_, dec, err := coders()
	if err != nil {
		return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("decompressing: %w", err)
	}
	if len(raw) < HeaderLengthSize {
		return nil, nil, fmt.Errorf("document too small: %d bytes", len(raw))
	}
	headerLen := binary.BigEndian.Uint32(raw[:HeaderLengthSize])
	if headerLen > MaxHeaderSize {
		return nil, nil, fmt.Errorf("header too large: %d bytes", headerLen)
	}
	if int(HeaderLengthSize+headerLen) > len(raw) {
		return nil, nil, fmt.Errorf("header length exceeds document size")
	}
	var h Header
	if err := json.Unmarshal(raw[HeaderLengthSize:HeaderLengthSize+headerLen], &h); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}
	if h.Kind != kind {
		return nil, nil, fmt.Errorf("expected %s document, got %s", kind, h.Kind)
	}
	doc := raw[HeaderLengthSize+headerLen:]
	if cas.Blake3HashHex(doc) != h.Checksum {
		return nil, nil, fmt.Errorf("%s %s: %w", kind, h.ID, ErrChecksum)
	}
	return &h, doc, nil
}

// EncodeStructure serializes s. Blocks are written in (type, id) order so
// equal structures encode to equal bytes.
func EncodeStructure(s *model.Structure) ([]byte, error) {
	st := storedStructure{Structure: *s}
	for _, k := range s.SortedKeys() {
		st.Blocks = append(st.Blocks, storedBlock{Type: k.Type, ID: k.ID, BlockData: *s.Blocks[k]})
	}
	doc, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshaling structure: %w", err)
	}
	return frame(KindStructure, string(s.ID), doc)
}

// DecodeStructure parses a frozen structure.
func DecodeStructure(data []byte) (*model.Structure, error) {
	_, doc, err := unframe(KindStructure, data)
	if err != nil {
		return nil, err
	}
	var st storedStructure
	if err := json.Unmarshal(doc, &st); err != nil {
		return nil, fmt.Errorf("parsing structure: %w", err)
	}
	s := st.Structure
	s.Blocks = make(map[keys.BlockKey]*model.BlockData, len(st.Blocks))
	for i := range st.Blocks {
		b := st.Blocks[i].BlockData
		s.Blocks[keys.BlockKey{Type: st.Blocks[i].Type, ID: st.Blocks[i].ID}] = &b
	}
	out := &s
	out.Freeze()
	return out, nil
}

// EncodeDefinition serializes d.
func EncodeDefinition(d *model.Definition) ([]byte, error) {
	doc, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshaling definition: %w", err)
	}
	return frame(KindDefinition, string(d.ID), doc)
}

// DecodeDefinition parses a definition.
func DecodeDefinition(data []byte) (*model.Definition, error) {
	_, doc, err := unframe(KindDefinition, data)
	if err != nil {
		return nil, err
	}
	var d model.Definition
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("parsing definition: %w", err)
	}
	if d.Fields == nil {
		d.Fields = map[string]any{}
	}
	return &d, nil
}

// Checksum returns the digest stored alongside encoded documents.
func Checksum(encoded []byte) []byte {
	return cas.Blake3Hash(encoded)
}
