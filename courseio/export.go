package courseio

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"splitstore/keys"
	"splitstore/split"
)

// Export writes the draft of course into dir. Orphans are not exported;
// detached blocks are.
func Export(ctx context.Context, s Store, course keys.CourseKey, dir string) error {
	course = course.Identity()
	ctx = split.WithBranchSetting(ctx, split.DraftPreferred, course)

	root, err := s.GetCourse(ctx, course, 0)
	if err != nil {
		return fmt.Errorf("exporting %s: %w", course, err)
	}
	blocks, err := s.GetItems(ctx, course, split.Qualifiers{})
	if err != nil {
		return fmt.Errorf("exporting %s: %w", course, err)
	}

	files := map[string][]byte{}
	cd := courseDoc{
		Org:     course.Org,
		Course:  course.Course,
		Run:     course.Run,
		Library: course.Library,
		Root:    root.Location.BlockKey().String(),
	}
	if files[courseFile], err = yaml.Marshal(cd); err != nil {
		return err
	}

	policy := map[string]map[string]any{}
	var grading any
	for _, b := range blocks {
		content, err := b.Content(ctx)
		if err != nil {
			return fmt.Errorf("exporting %s: %w", b.Location, err)
		}
		doc := blockDoc{Content: withoutExcluded(content)}
		for _, c := range b.Children {
			doc.Children = append(doc.Children, c.BlockKey().String())
		}
		data, err := yaml.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", b.Location, err)
		}
		files[filepath.Join(b.Type(), b.ID()+".yaml")] = data

		settings := withoutExcluded(b.Fields)
		if b.Location.BlockKey() == root.Location.BlockKey() {
			if gp, ok := settings[gradingPolicyField]; ok {
				grading = gp
				delete(settings, gradingPolicyField)
			}
		}
		if len(settings) > 0 {
			policy[b.Location.BlockKey().String()] = settings
		}
	}

	pdir := filepath.Join(policiesDir, course.Run)
	if files[filepath.Join(pdir, policyFile)], err = json.MarshalIndent(policy, "", "  "); err != nil {
		return err
	}
	if grading != nil {
		if files[filepath.Join(pdir, gradingPolicyFile)], err = json.MarshalIndent(grading, "", "  "); err != nil {
			return err
		}
	}

	assets, err := s.GetAllAssetMetadata(ctx, course, "", 0, -1, split.AssetSort{})
	if err != nil {
		return fmt.Errorf("exporting assets of %s: %w", course, err)
	}
	if len(assets) > 0 {
		docs := make([]assetDoc, 0, len(assets))
		for _, a := range assets {
			docs = append(docs, assetDoc{Type: a.AssetType, Path: a.Path, Fields: a.Fields, CreatedBy: a.CreatedBy, EditedBy: a.EditedBy})
		}
		if files[filepath.Join(assetsDir, assetsFile)], err = yaml.Marshal(docs); err != nil {
			return err
		}
	}

	return writeFiles(ctx, dir, files)
}

func writeFiles(ctx context.Context, dir string, files map[string][]byte) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for name, data := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(dir, name)
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return err
			}
			return os.WriteFile(path, data, 0644)
		})
	}
	return g.Wait()
}

func withoutExcluded(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if !excludedFields[k] {
			out[k] = v
		}
	}
	return out
}
