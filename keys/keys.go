// Package keys implements the opaque identifiers used throughout the store:
// course and library keys, usage keys addressing a block, definition keys
// and asset keys. Keys are plain comparable values; two keys with the same
// components are equal under ==.
package keys

import (
	"fmt"
	"strings"
)

// Canonical prefixes.
const (
	CoursePrefix     = "course-v1"
	LibraryPrefix    = "library-v1"
	BlockPrefix      = "block-v1"
	LibBlockPrefix   = "lib-block-v1"
	DefinitionPrefix = "def-v1"
	AssetPrefix      = "asset-v1"
)

// LibraryRun is the run component every library key carries.
const LibraryRun = "library"

// VersionID identifies one immutable structure.
type VersionID string

// DefinitionID identifies one immutable definition (content-addressed).
type DefinitionID string

// BlockKey identifies a block within a single structure.
type BlockKey struct {
	Type string
	ID   string
}

// String renders the key as "type/id".
func (k BlockKey) String() string {
	return k.Type + "/" + k.ID
}

// Less orders block keys by (type, id).
func (k BlockKey) Less(o BlockKey) bool {
	if k.Type != o.Type {
		return k.Type < o.Type
	}
	return k.ID < o.ID
}

// MarshalText renders the key as "type/id" so BlockKey can key JSON maps.
func (k BlockKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses "type/id".
func (k *BlockKey) UnmarshalText(b []byte) error {
	t, id, ok := strings.Cut(string(b), "/")
	if !ok || t == "" || id == "" {
		return &InvalidKeyError{Kind: "block key", Value: string(b)}
	}
	k.Type, k.ID = t, id
	return nil
}

// CourseKey addresses a course or a library, optionally pinned to a branch
// and/or a specific structure version.
type CourseKey struct {
	Org     string
	Course  string
	Run     string
	Branch  string
	Version VersionID
	Library bool
}

// NewCourseKey builds a branch- and version-agnostic course key.
func NewCourseKey(org, course, run string) CourseKey {
	return CourseKey{Org: org, Course: course, Run: run}
}

// NewLibraryKey builds a branch- and version-agnostic library key.
func NewLibraryKey(org, library string) CourseKey {
	return CourseKey{Org: org, Course: library, Run: LibraryRun, Library: true}
}

// HasIdentity reports whether org, course and run are all set.
func (k CourseKey) HasIdentity() bool {
	return k.Org != "" && k.Course != "" && k.Run != ""
}

// IsZero reports whether the key addresses nothing.
func (k CourseKey) IsZero() bool {
	return k == CourseKey{}
}

// Identity returns the key with branch and version stripped. Course indexes
// are stored under this value.
func (k CourseKey) Identity() CourseKey {
	k.Branch = ""
	k.Version = ""
	return k
}

// ForBranch returns a copy pinned to branch, dropping any version.
func (k CourseKey) ForBranch(branch string) CourseKey {
	k.Branch = branch
	k.Version = ""
	return k
}

// ForVersion returns a copy pinned to version, keeping the branch.
func (k CourseKey) ForVersion(v VersionID) CourseKey {
	k.Version = v
	return k
}

// VersionAgnostic returns a copy without the version component.
func (k CourseKey) VersionAgnostic() CourseKey {
	k.Version = ""
	return k
}

// MakeUsageKey addresses a block of this course.
func (k CourseKey) MakeUsageKey(blockType, blockID string) UsageKey {
	return UsageKey{Course: k, BlockType: blockType, BlockID: blockID}
}

// MakeAssetKey addresses an asset of this course.
func (k CourseKey) MakeAssetKey(assetType, path string) AssetKey {
	return AssetKey{Course: k.Identity(), AssetType: assetType, Path: path}
}

func (k CourseKey) parts() []string {
	var parts []string
	if k.Org != "" || k.Course != "" {
		parts = append(parts, k.Org, k.Course)
		if !k.Library {
			parts = append(parts, k.Run)
		}
	}
	if k.Branch != "" {
		parts = append(parts, "branch@"+k.Branch)
	}
	if k.Version != "" {
		parts = append(parts, "version@"+string(k.Version))
	}
	return parts
}

// String returns the canonical serialization.
func (k CourseKey) String() string {
	prefix := CoursePrefix
	if k.Library {
		prefix = LibraryPrefix
	}
	return prefix + ":" + strings.Join(k.parts(), "+")
}

// UsageKey addresses one block inside a course.
type UsageKey struct {
	Course    CourseKey
	BlockType string
	BlockID   string
}

// BlockKey returns the structure-local part of the key.
func (u UsageKey) BlockKey() BlockKey {
	return BlockKey{Type: u.BlockType, ID: u.BlockID}
}

// ForBranch returns a copy whose course is pinned to branch.
func (u UsageKey) ForBranch(branch string) UsageKey {
	u.Course = u.Course.ForBranch(branch)
	return u
}

// VersionAgnostic returns a copy without the course version.
func (u UsageKey) VersionAgnostic() UsageKey {
	u.Course = u.Course.VersionAgnostic()
	return u
}

// String returns the canonical serialization.
func (u UsageKey) String() string {
	prefix := BlockPrefix
	if u.Course.Library {
		prefix = LibBlockPrefix
	}
	parts := append(u.Course.parts(), "type@"+u.BlockType, "block@"+u.BlockID)
	return prefix + ":" + strings.Join(parts, "+")
}

// DefinitionKey addresses a definition document.
type DefinitionKey struct {
	BlockType string
	ID        DefinitionID
}

// String returns the canonical serialization.
func (d DefinitionKey) String() string {
	return fmt.Sprintf("%s:%s+type@%s", DefinitionPrefix, d.ID, d.BlockType)
}

// AssetKey addresses an asset's metadata within a course.
type AssetKey struct {
	Course    CourseKey
	AssetType string
	Path      string
}

// String returns the canonical serialization.
func (a AssetKey) String() string {
	parts := append(a.Course.parts(), "type@"+a.AssetType, "block@"+a.Path)
	return AssetPrefix + ":" + strings.Join(parts, "+")
}

// InvalidKeyError reports a string that does not parse as the requested
// kind of key.
type InvalidKeyError struct {
	Kind   string
	Value  string
	Reason string
}

func (e *InvalidKeyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.Value, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q", e.Kind, e.Value)
}
