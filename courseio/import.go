package courseio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"splitstore/keys"
	"splitstore/model"
	"splitstore/split"
)

// ImportOptions customizes Import.
type ImportOptions struct {
	// Dest overrides the course identity recorded in course.yaml.
	Dest keys.CourseKey
	// SkipPublish leaves draftable content unpublished.
	SkipPublish bool
}

type exported struct {
	course  courseDoc
	root    keys.BlockKey
	blocks  map[keys.BlockKey]blockDoc
	policy  map[string]map[string]any
	grading any
	assets  []assetDoc
}

// Import creates a new course from a directory written by Export and
// returns its key. The tree is rebuilt in the draft branch in a single
// bulk operation; unless opts.SkipPublish is set the course is then
// published. When the tree cannot be built the new course is deleted.
func Import(ctx context.Context, s Store, dir, user string, opts ImportOptions) (keys.CourseKey, error) {
	ex, err := readDir(ctx, os.DirFS(dir))
	if err != nil {
		return keys.CourseKey{}, fmt.Errorf("importing %s: %w", dir, err)
	}
	dest := ex.course.key()
	if opts.Dest.HasIdentity() {
		dest = opts.Dest.Identity()
	}
	ctx = split.WithBranchSetting(ctx, split.DraftPreferred, dest)

	rootFields := ex.fields(ex.root)
	if ex.grading != nil {
		rootFields[gradingPolicyField] = ex.grading
	}
	var root *split.Block
	if dest.Library {
		root, err = s.CreateLibrary(ctx, dest.Org, dest.Course, user, rootFields)
	} else {
		root, err = s.CreateCourse(ctx, dest.Org, dest.Course, dest.Run, user, rootFields)
	}
	if err != nil {
		return keys.CourseKey{}, err
	}
	rootKey := root.Location.VersionAgnostic()

	err = s.BulkOperations(ctx, dest, func(ctx context.Context) error {
		seen := map[keys.BlockKey]bool{ex.root: true}
		if err := ex.createChildren(ctx, s, user, rootKey, ex.root, seen); err != nil {
			return err
		}
		// Blocks no parent lists are detached.
		rest := slices.SortedFunc(maps.Keys(ex.blocks), func(a, b keys.BlockKey) int {
			return strings.Compare(a.String(), b.String())
		})
		for _, k := range rest {
			if seen[k] {
				continue
			}
			if _, err := s.CreateItem(ctx, user, dest, k.Type, ex.fields(k), split.WithBlockID(k.ID)); err != nil {
				return fmt.Errorf("creating %s: %w", k, err)
			}
		}
		if len(ex.assets) > 0 {
			records := make([]model.AssetMetadata, 0, len(ex.assets))
			for _, a := range ex.assets {
				records = append(records, model.AssetMetadata{AssetType: a.Type, Path: a.Path, Fields: a.Fields, CreatedBy: a.CreatedBy, EditedBy: a.EditedBy})
			}
			if err := s.SaveAssetMetadata(ctx, user, dest, records...); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if derr := s.DeleteCourse(ctx, user, dest); derr != nil {
			err = errors.Join(err, derr)
		}
		return keys.CourseKey{}, fmt.Errorf("importing %s: %w", dest, err)
	}

	if !dest.Library && !opts.SkipPublish {
		if _, err := s.Publish(ctx, user, rootKey); err != nil {
			return keys.CourseKey{}, fmt.Errorf("publishing %s: %w", dest, err)
		}
	}
	return dest, nil
}

func (ex *exported) createChildren(ctx context.Context, s Store, user string, parent keys.UsageKey, pk keys.BlockKey, seen map[keys.BlockKey]bool) error {
	for _, raw := range ex.blocks[pk].Children {
		var k keys.BlockKey
		if err := k.UnmarshalText([]byte(raw)); err != nil {
			return fmt.Errorf("%s: %w", pk, err)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		if _, ok := ex.blocks[k]; !ok {
			return fmt.Errorf("%s lists missing child %s", pk, k)
		}
		child, err := s.CreateChild(ctx, user, parent, k.Type, ex.fields(k), split.WithBlockID(k.ID))
		if err != nil {
			return fmt.Errorf("creating %s: %w", k, err)
		}
		if err := ex.createChildren(ctx, s, user, child.Location.VersionAgnostic(), k, seen); err != nil {
			return err
		}
	}
	return nil
}

// fields merges a block's content with its policy settings.
func (ex *exported) fields(k keys.BlockKey) map[string]any {
	out := maps.Clone(ex.blocks[k].Content)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, ex.policy[k.String()])
	return out
}

func readDir(ctx context.Context, fsys fs.FS) (*exported, error) {
	ex := &exported{blocks: map[keys.BlockKey]blockDoc{}}
	if err := readYAML(fsys, courseFile, &ex.course); err != nil {
		return nil, err
	}
	if err := ex.root.UnmarshalText([]byte(ex.course.Root)); err != nil {
		return nil, fmt.Errorf("%s: %w", courseFile, err)
	}

	matches, err := doublestar.Glob(fsys, "*/*.yaml")
	if err != nil {
		return nil, err
	}
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, name := range matches {
		category, file := path.Split(name)
		category = strings.TrimSuffix(category, "/")
		if category == assetsDir || category == policiesDir {
			continue
		}
		k := keys.BlockKey{Type: category, ID: strings.TrimSuffix(file, ".yaml")}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			var doc blockDoc
			if err := readYAML(fsys, name, &doc); err != nil {
				return err
			}
			mu.Lock()
			ex.blocks[k] = doc
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if _, ok := ex.blocks[ex.root]; !ok {
		return nil, fmt.Errorf("root block %s is missing", ex.root)
	}

	pdir := path.Join(policiesDir, ex.course.Run)
	if err := readJSON(fsys, path.Join(pdir, policyFile), &ex.policy); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err := readJSON(fsys, path.Join(pdir, gradingPolicyFile), &ex.grading); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err := readYAML(fsys, path.Join(assetsDir, assetsFile), &ex.assets); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return ex, nil
}

func readYAML(fsys fs.FS, name string, v any) error {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	return nil
}

func readJSON(fsys fs.FS, name string, v any) error {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	return nil
}
