// Package model defines the persisted documents: structures, the blocks
// inside them, definitions, course indexes and asset metadata.
package model

import (
	"maps"
	"slices"
	"time"

	"splitstore/cas"
	"splitstore/keys"
)

// Branch names.
const (
	DraftBranch     = "draft-branch"
	PublishedBranch = "published-branch"
	LibraryBranch   = "library"
)

// CurrentSchemaVersion is stamped on every new structure and index.
const CurrentSchemaVersion = 1

// EditInfo records who last touched a block and how it relates to other
// versions of itself.
type EditInfo struct {
	EditedBy        string    `json:"editedBy"`
	EditedOn        time.Time `json:"editedOn"`
	SubtreeEditedBy string    `json:"subtreeEditedBy,omitempty"`
	SubtreeEditedOn time.Time `json:"subtreeEditedOn,omitzero"`
	// PreviousVersion is the structure that held this block's prior state.
	PreviousVersion keys.VersionID `json:"previousVersion,omitempty"`
	// UpdateVersion is the structure in which the block last changed.
	UpdateVersion keys.VersionID `json:"updateVersion,omitempty"`
	// SourceVersion is set on published copies: the draft UpdateVersion the
	// copy was taken from.
	SourceVersion        keys.VersionID `json:"sourceVersion,omitempty"`
	PublishedBy          string         `json:"publishedBy,omitempty"`
	PublishedOn          time.Time      `json:"publishedOn,omitzero"`
	OriginalUsage        string         `json:"originalUsage,omitempty"`
	OriginalUsageVersion keys.VersionID `json:"originalUsageVersion,omitempty"`
}

// Version is the value has-changes comparisons use.
func (e EditInfo) Version() keys.VersionID {
	if e.SourceVersion != "" {
		return e.SourceVersion
	}
	return e.UpdateVersion
}

// BlockData is one node of a structure.
type BlockData struct {
	BlockType  string            `json:"blockType"`
	Definition keys.DefinitionID `json:"definition"`
	// Fields are the explicitly set settings-scoped values.
	Fields map[string]any `json:"fields,omitempty"`
	// Defaults hold template-supplied values that apply when Fields does
	// not set the same name.
	Defaults map[string]any  `json:"defaults,omitempty"`
	Children []keys.BlockKey `json:"children,omitempty"`
	EditInfo EditInfo        `json:"editInfo"`
}

// Clone returns a copy that shares no maps, lists or children with b.
func (b *BlockData) Clone() *BlockData {
	c := *b
	c.Fields = cas.CloneFields(b.Fields)
	c.Defaults = cas.CloneFields(b.Defaults)
	c.Children = slices.Clone(b.Children)
	return &c
}

// HasChild reports whether key is a direct child.
func (b *BlockData) HasChild(key keys.BlockKey) bool {
	return slices.Contains(b.Children, key)
}

// Definition is the content payload of one or more blocks.
type Definition struct {
	ID        keys.DefinitionID `json:"id"`
	BlockType string            `json:"blockType"`
	Fields    map[string]any    `json:"fields"`
	EditedBy  string            `json:"editedBy,omitempty"`
	EditedOn  time.Time         `json:"editedOn"`
}

// Key returns the definition's key.
func (d *Definition) Key() keys.DefinitionKey {
	return keys.DefinitionKey{BlockType: d.BlockType, ID: d.ID}
}

// CourseIndex is the single mutable record per course or library: the map
// from branch name to head structure.
type CourseIndex struct {
	Org           string                    `json:"org"`
	Course        string                    `json:"course"`
	Run           string                    `json:"run"`
	Library       bool                      `json:"library,omitempty"`
	Versions      map[string]keys.VersionID `json:"versions"`
	EditedBy      string                    `json:"editedBy"`
	EditedOn      time.Time                 `json:"editedOn"`
	SearchTargets map[string]any            `json:"searchTargets,omitempty"`
	SchemaVersion int                       `json:"schemaVersion"`
	// LastUpdate is the compare-and-swap token. Every successful update
	// increments it.
	LastUpdate int64 `json:"lastUpdate"`
}

// Key returns the branch- and version-agnostic key the index is stored under.
func (i *CourseIndex) Key() keys.CourseKey {
	return keys.CourseKey{Org: i.Org, Course: i.Course, Run: i.Run, Library: i.Library}
}

// Clone returns a deep copy.
func (i *CourseIndex) Clone() *CourseIndex {
	c := *i
	c.Versions = maps.Clone(i.Versions)
	c.SearchTargets = cas.CloneFields(i.SearchTargets)
	return &c
}

// Branches returns the branch names in sorted order.
func (i *CourseIndex) Branches() []string {
	return slices.Sorted(maps.Keys(i.Versions))
}

// AssetMetadata describes one uploaded file or thumbnail.
type AssetMetadata struct {
	AssetType string         `json:"assetType"`
	Path      string         `json:"path"`
	Fields    map[string]any `json:"fields,omitempty"`
	CreatedBy string         `json:"createdBy,omitempty"`
	CreatedOn time.Time      `json:"createdOn"`
	EditedBy  string         `json:"editedBy,omitempty"`
	EditedOn  time.Time      `json:"editedOn"`
}
