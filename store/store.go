// Package store defines the persistence contract shared by every backend:
// append-only structures and definitions, plus the course index whose
// branch pointers move only by compare-and-swap.
package store

import (
	"context"
	"errors"
	"time"

	"splitstore/keys"
	"splitstore/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("course index changed concurrently")
	ErrDuplicate = errors.New("course index already exists")
)

// IndexQuery filters FindCourseIndexes.
type IndexQuery struct {
	// Org restricts results to one organization when set.
	Org string
	// Branch restricts results to indexes that carry this branch.
	Branch string
	// Library selects libraries instead of courses.
	Library bool
	// Identity, when set, matches org/course/run case-insensitively.
	Identity *keys.CourseKey
	// SearchTargets keeps indexes whose search targets hold every pair.
	SearchTargets map[string]string
}

// MatchesTargets reports whether idx carries every search target in q.
func (q IndexQuery) MatchesTargets(idx *model.CourseIndex) bool {
	for k, v := range q.SearchTargets {
		if got, ok := idx.SearchTargets[k]; !ok || got != any(v) {
			return false
		}
	}
	return true
}

// StructureHeader summarizes a stored structure.
type StructureHeader struct {
	ID              keys.VersionID
	PreviousVersion keys.VersionID
	CreatedAt       time.Time
}

// DefinitionHeader summarizes a stored definition.
type DefinitionHeader struct {
	ID        keys.DefinitionID
	CreatedAt time.Time
}

// Backend is implemented by each storage product.
type Backend interface {
	GetStructure(ctx context.Context, id keys.VersionID) (*model.Structure, error)
	// InsertStructure is idempotent: inserting an existing id is a no-op.
	InsertStructure(ctx context.Context, s *model.Structure) error

	GetDefinition(ctx context.Context, id keys.DefinitionID) (*model.Definition, error)
	// GetDefinitions returns the subset of ids that exist.
	GetDefinitions(ctx context.Context, ids []keys.DefinitionID) (map[keys.DefinitionID]*model.Definition, error)
	InsertDefinition(ctx context.Context, d *model.Definition) error

	GetCourseIndex(ctx context.Context, key keys.CourseKey) (*model.CourseIndex, error)
	FindCourseIndexes(ctx context.Context, q IndexQuery) ([]*model.CourseIndex, error)
	// InsertCourseIndex fails with ErrDuplicate when the identity exists.
	// On success idx.LastUpdate is set to the stored token.
	InsertCourseIndex(ctx context.Context, idx *model.CourseIndex) error
	// UpdateCourseIndex replaces the stored index only when its token still
	// equals expected, and fails with ErrConflict otherwise. On success
	// idx.LastUpdate is set to the new token.
	UpdateCourseIndex(ctx context.Context, idx *model.CourseIndex, expected int64) error
	DeleteCourseIndex(ctx context.Context, key keys.CourseKey) error
	// IndexHistory returns the recorded index swings for a course, newest
	// first.
	IndexHistory(ctx context.Context, key keys.CourseKey, limit int) ([]IndexChange, error)

	ListStructures(ctx context.Context) ([]StructureHeader, error)
	ListDefinitions(ctx context.Context) ([]DefinitionHeader, error)
	DeleteStructures(ctx context.Context, ids []keys.VersionID) error
	DeleteDefinitions(ctx context.Context, ids []keys.DefinitionID) error

	Close() error
}

// IndexChange is one entry of the hash-chained index history.
type IndexChange struct {
	ID       string                    `json:"id"`
	Parent   string                    `json:"parent,omitempty"`
	Time     int64                     `json:"time"`
	Actor    string                    `json:"actor"`
	Course   string                    `json:"course"`
	Token    int64                     `json:"token"`
	Versions map[string]keys.VersionID `json:"versions"`
}
