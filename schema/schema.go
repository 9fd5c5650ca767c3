// Package schema describes block types: which capabilities a type has
// (draftable, direct-only, detached), how new block ids are allocated and
// which fields it declares, with their scope, default and inheritability.
package schema

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"splitstore/cas"
)

// Scope says where a field's value is stored.
type Scope string

const (
	// ScopeContent fields live in the block's definition and are shared by
	// every usage of that definition.
	ScopeContent Scope = "content"
	// ScopeSettings fields live on the block inside the structure.
	ScopeSettings Scope = "settings"
)

// FieldType constrains the values a field accepts.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInteger   FieldType = "integer"
	TypeFloat     FieldType = "float"
	TypeBoolean   FieldType = "boolean"
	TypeDate      FieldType = "date"
	TypeTimedelta FieldType = "timedelta"
	TypeList      FieldType = "list"
	TypeDict      FieldType = "dict"
	TypeAny       FieldType = "any"
)

// IDStrategy selects how CreateItem names a block when no id is supplied.
type IDStrategy string

const (
	IDRandom  IDStrategy = "random"
	IDContent IDStrategy = "content"
	IDSerial  IDStrategy = "serial"
)

// ChildrenField is reserved: children are never stored as a plain field.
const ChildrenField = "children"

// FieldSpec declares one field of a block type.
type FieldSpec struct {
	Name        string    `yaml:"name" validate:"required,ne=children"`
	Type        FieldType `yaml:"type" validate:"required,oneof=string integer float boolean date timedelta list dict any"`
	Scope       Scope     `yaml:"scope" validate:"required,oneof=content settings"`
	Inheritable bool      `yaml:"inheritable,omitempty"`
	Default     any       `yaml:"default,omitempty"`
}

// BlockType is the static description of one block category.
type BlockType struct {
	Name        string      `yaml:"name" validate:"required"`
	Draftable   bool        `yaml:"draftable,omitempty"`
	DirectOnly  bool        `yaml:"direct_only,omitempty"`
	Detached    bool        `yaml:"detached,omitempty"`
	HasChildren bool        `yaml:"has_children,omitempty"`
	Root        bool        `yaml:"root,omitempty"`
	IDStrategy  IDStrategy  `yaml:"id_strategy,omitempty" validate:"omitempty,oneof=random content serial"`
	Fields      []FieldSpec `yaml:"fields,omitempty" validate:"dive"`
}

// Document is the YAML form of a registry.
type Document struct {
	Common []FieldSpec  `yaml:"common" validate:"dive"`
	Types  []*BlockType `yaml:"types" validate:"required,min=1,dive"`
}

// Registry resolves block types and field specs. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	types       map[string]*BlockType
	common      map[string]FieldSpec
	fields      map[string]map[string]FieldSpec
	inheritable []string
	fallback    *BlockType
}

var validate = validator.New()

func init() {
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		bt := sl.Current().Interface().(BlockType)
		if bt.Draftable && bt.DirectOnly {
			sl.ReportError(bt.DirectOnly, "DirectOnly", "direct_only", "notdraftable", "")
		}
		if bt.Detached && !bt.DirectOnly {
			sl.ReportError(bt.Detached, "Detached", "detached", "detachedneedsdirect", "")
		}
	}, BlockType{})
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		fs := sl.Current().Interface().(FieldSpec)
		if fs.Inheritable && fs.Scope != ScopeSettings {
			sl.ReportError(fs.Scope, "Scope", "scope", "inheritablesettings", "")
		}
	}, FieldSpec{})
}

// ErrInvalidField is returned for values that do not match their FieldSpec.
var ErrInvalidField = errors.New("invalid field value")

// New validates doc and builds a registry from it.
func New(doc Document) (*Registry, error) {
	if err := validate.Struct(doc); err != nil {
		return nil, fmt.Errorf("validating schema: %w", err)
	}

	r := &Registry{
		types:  make(map[string]*BlockType, len(doc.Types)),
		common: make(map[string]FieldSpec, len(doc.Common)),
		fields: make(map[string]map[string]FieldSpec, len(doc.Types)),
		fallback: &BlockType{
			Name:        "*",
			Draftable:   true,
			HasChildren: true,
			IDStrategy:  IDRandom,
		},
	}
	for _, f := range doc.Common {
		if _, dup := r.common[f.Name]; dup {
			return nil, fmt.Errorf("validating schema: duplicate common field %q", f.Name)
		}
		r.common[f.Name] = f
		if f.Inheritable {
			r.inheritable = append(r.inheritable, f.Name)
		}
	}
	sort.Strings(r.inheritable)

	for _, bt := range doc.Types {
		if _, dup := r.types[bt.Name]; dup {
			return nil, fmt.Errorf("validating schema: duplicate block type %q", bt.Name)
		}
		if bt.IDStrategy == "" {
			bt.IDStrategy = IDRandom
		}
		fields := make(map[string]FieldSpec, len(bt.Fields))
		for _, f := range bt.Fields {
			if _, dup := fields[f.Name]; dup {
				return nil, fmt.Errorf("validating schema: %s declares %q twice", bt.Name, f.Name)
			}
			if f.Inheritable {
				return nil, fmt.Errorf("validating schema: %s.%s: only common fields may be inheritable", bt.Name, f.Name)
			}
			fields[f.Name] = f
		}
		r.types[bt.Name] = bt
		r.fields[bt.Name] = fields
	}
	return r, nil
}

// Load reads a YAML registry document.
func Load(rd io.Reader) (*Registry, error) {
	var doc Document
	if err := yaml.NewDecoder(rd).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	return New(doc)
}

// Type returns the block type registered under name. Unknown names resolve
// to a draftable container type so foreign content can still be stored.
func (r *Registry) Type(name string) *BlockType {
	if bt, ok := r.types[name]; ok {
		return bt
	}
	return r.fallback
}

// Known reports whether name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.types[name]
	return ok
}

// IsDirectOnly reports whether writes to blocks of this type go straight to
// the published branch.
func (r *Registry) IsDirectOnly(name string) bool { return r.Type(name).DirectOnly }

// IsDetached reports whether blocks of this type live outside the tree.
func (r *Registry) IsDetached(name string) bool { return r.Type(name).Detached }

// Field looks up a field declared by the type or common to all types.
func (r *Registry) Field(blockType, name string) (FieldSpec, bool) {
	if f, ok := r.fields[blockType][name]; ok {
		return f, true
	}
	f, ok := r.common[name]
	return f, ok
}

// InheritableFields lists the field names that propagate to descendants.
func (r *Registry) InheritableFields() []string {
	return r.inheritable
}

// IsInheritable reports whether the named field propagates to descendants.
func (r *Registry) IsInheritable(name string) bool {
	f, ok := r.common[name]
	return ok && f.Inheritable
}

// Default returns the schema default for a field, if declared.
func (r *Registry) Default(blockType, name string) (any, bool) {
	f, ok := r.Field(blockType, name)
	if !ok || f.Default == nil {
		return nil, false
	}
	return f.Default, true
}

// ScopeOf returns the scope of a field. Undeclared fields are settings.
func (r *Registry) ScopeOf(blockType, name string) Scope {
	if f, ok := r.Field(blockType, name); ok {
		return f.Scope
	}
	return ScopeSettings
}

// Partition normalizes fields and splits them into content and settings
// maps, checking every declared field's value against its type.
func (r *Registry) Partition(blockType string, fields map[string]any) (content, settings map[string]any, err error) {
	content = map[string]any{}
	settings = map[string]any{}
	for name, raw := range fields {
		if name == ChildrenField {
			return nil, nil, fmt.Errorf("%w: %s: children are not a plain field", ErrInvalidField, blockType)
		}
		v, err := r.Normalize(blockType, name, raw)
		if err != nil {
			return nil, nil, err
		}
		if r.ScopeOf(blockType, name) == ScopeContent {
			content[name] = v
		} else {
			settings[name] = v
		}
	}
	return content, settings, nil
}

// Normalize converts raw into its stored JSON shape and validates it
// against the field's declared type.
func (r *Registry) Normalize(blockType, name string, raw any) (any, error) {
	if t, ok := raw.(time.Time); ok {
		raw = t.UTC().Format(time.RFC3339)
	}
	if d, ok := raw.(time.Duration); ok {
		raw = d.String()
	}
	v, err := cas.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrInvalidField, blockType, name, err)
	}
	spec, ok := r.Field(blockType, name)
	if !ok || v == nil {
		return v, nil
	}
	if !typeMatches(spec.Type, v) {
		return nil, fmt.Errorf("%w: %s.%s: expected %s, got %T", ErrInvalidField, blockType, name, spec.Type, v)
	}
	return v, nil
}

func typeMatches(t FieldType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeInteger:
		f, ok := v.(float64)
		return ok && f == float64(int64(f))
	case TypeFloat:
		_, ok := v.(float64)
		return ok
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	case TypeDate:
		s, ok := v.(string)
		if !ok {
			return false
		}
		_, err := time.Parse(time.RFC3339, s)
		return err == nil
	case TypeTimedelta:
		s, ok := v.(string)
		if !ok {
			return false
		}
		_, err := time.ParseDuration(s)
		return err == nil
	case TypeList:
		_, ok := v.([]any)
		return ok
	case TypeDict:
		_, ok := v.(map[string]any)
		return ok
	default:
		return true
	}
}
