// Package courseio moves courses between a store and a directory tree.
//
// The layout is:
//
//	course.yaml                          course identity and root block
//	<category>/<block_id>.yaml           content fields and children
//	policies/<run>/policy.json           settings, keyed "category/block_id"
//	policies/<run>/grading_policy.json   the root's grading policy
//	assets/assets.yaml                   asset metadata
//
// A directory can be packed into a single tar+zstd archive with
// WriteArchive and unpacked with ReadArchive.
package courseio

import (
	"context"

	"splitstore/keys"
	"splitstore/model"
	"splitstore/split"
)

// Store is the engine surface export and import need. *split.Store and
// *mixed.Router implement it.
type Store interface {
	GetCourse(ctx context.Context, course keys.CourseKey, depth int) (*split.Block, error)
	GetItems(ctx context.Context, course keys.CourseKey, q split.Qualifiers) ([]*split.Block, error)
	GetAllAssetMetadata(ctx context.Context, course keys.CourseKey, assetType string, start, max int, order split.AssetSort) ([]model.AssetMetadata, error)

	CreateCourse(ctx context.Context, org, course, run, user string, fields map[string]any) (*split.Block, error)
	CreateLibrary(ctx context.Context, org, library, user string, fields map[string]any) (*split.Block, error)
	CreateItem(ctx context.Context, user string, course keys.CourseKey, blockType string, fields map[string]any, opts ...split.CreateOption) (*split.Block, error)
	CreateChild(ctx context.Context, user string, parent keys.UsageKey, blockType string, fields map[string]any, opts ...split.CreateOption) (*split.Block, error)
	DeleteCourse(ctx context.Context, user string, course keys.CourseKey) error
	BulkOperations(ctx context.Context, course keys.CourseKey, fn func(ctx context.Context) error) error
	Publish(ctx context.Context, user string, key keys.UsageKey) (*split.Block, error)
	SaveAssetMetadata(ctx context.Context, user string, course keys.CourseKey, records ...model.AssetMetadata) error
}

const (
	courseFile        = "course.yaml"
	policiesDir       = "policies"
	policyFile        = "policy.json"
	gradingPolicyFile = "grading_policy.json"
	assetsDir         = "assets"
	assetsFile        = "assets.yaml"

	gradingPolicyField = "grading_policy"
)

// excludedFields are never written by Export.
var excludedFields = map[string]bool{
	"xml_attributes": true,
}

type courseDoc struct {
	Org     string `yaml:"org"`
	Course  string `yaml:"course"`
	Run     string `yaml:"run"`
	Library bool   `yaml:"library,omitempty"`
	Root    string `yaml:"root"`
}

type blockDoc struct {
	Content  map[string]any `yaml:"content,omitempty"`
	Children []string       `yaml:"children,omitempty"`
}

type assetDoc struct {
	Type      string         `yaml:"type"`
	Path      string         `yaml:"path"`
	Fields    map[string]any `yaml:"fields,omitempty"`
	CreatedBy string         `yaml:"created_by,omitempty"`
	EditedBy  string         `yaml:"edited_by,omitempty"`
}

func (d courseDoc) key() keys.CourseKey {
	if d.Library {
		return keys.NewLibraryKey(d.Org, d.Course)
	}
	return keys.NewCourseKey(d.Org, d.Course, d.Run)
}
