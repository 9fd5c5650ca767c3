package split

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"splitstore/cas"
	"splitstore/keys"
	"splitstore/model"
)

// AssetSort orders GetAllAssetMetadata results.
type AssetSort struct {
	// By is "path" (the default), "editedOn" or "displayname".
	By         string
	Descending bool
}

// assetBranches are the branches asset metadata is kept in.
func assetBranches(course keys.CourseKey) []string {
	if course.Library {
		return []string{model.LibraryBranch}
	}
	return []string{model.DraftBranch, model.PublishedBranch}
}

// updateAssets applies fn to the asset list of one type in every asset
// branch of course, in one commit.
func (s *Store) updateAssets(ctx context.Context, user string, course keys.CourseKey, assetType string, fn func([]model.AssetMetadata) ([]model.AssetMetadata, bool)) error {
	return s.write(ctx, course.Identity(), func(ctx context.Context, rec *bulkRecord) error {
		for _, branch := range assetBranches(course) {
			base, ok, err := s.head(ctx, rec, branch)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			list, changed := fn(slices.Clone(base.Assets[assetType]))
			if !changed {
				continue
			}
			st, err := s.fork(ctx, rec, branch, user)
			if err != nil {
				return err
			}
			slices.SortFunc(list, func(a, b model.AssetMetadata) int { return strings.Compare(a.Path, b.Path) })
			st.SetAssets(assetType, list)
		}
		return nil
	})
}

// SaveAssetMetadata stores or replaces the metadata records of course,
// matched by asset type and path.
func (s *Store) SaveAssetMetadata(ctx context.Context, user string, course keys.CourseKey, records ...model.AssetMetadata) error {
	byType := map[string][]model.AssetMetadata{}
	for _, r := range records {
		if r.AssetType == "" || r.Path == "" {
			return fmt.Errorf("%w: asset metadata needs a type and a path", ErrInvalidOperation)
		}
		byType[r.AssetType] = append(byType[r.AssetType], r)
	}
	now := s.now()
	return s.BulkOperations(ctx, course, func(ctx context.Context) error {
		for _, assetType := range slices.Sorted(maps.Keys(byType)) {
			err := s.updateAssets(ctx, user, course, assetType, func(list []model.AssetMetadata) ([]model.AssetMetadata, bool) {
				for _, r := range byType[assetType] {
					r.Fields = cas.CloneFields(r.Fields)
					r.EditedBy, r.EditedOn = user, now
					i := slices.IndexFunc(list, func(a model.AssetMetadata) bool { return a.Path == r.Path })
					if i >= 0 {
						r.CreatedBy, r.CreatedOn = list[i].CreatedBy, list[i].CreatedOn
						list[i] = r
						continue
					}
					r.CreatedBy, r.CreatedOn = user, now
					list = append(list, r)
				}
				return list, true
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// FindAssetMetadata returns the record at key from the branch the context
// selects.
func (s *Store) FindAssetMetadata(ctx context.Context, key keys.AssetKey) (*model.AssetMetadata, bool, error) {
	v, err := s.lookup(ctx, key.Course)
	if err != nil {
		return nil, false, err
	}
	for _, a := range v.structure.Assets[key.AssetType] {
		if a.Path == key.Path {
			a.Fields = cas.CloneFields(a.Fields)
			return &a, true, nil
		}
	}
	return nil, false, nil
}

// GetAllAssetMetadata returns up to max records of assetType starting at
// start, in the requested order. A negative max returns everything.
func (s *Store) GetAllAssetMetadata(ctx context.Context, course keys.CourseKey, assetType string, start, max int, order AssetSort) ([]model.AssetMetadata, error) {
	v, err := s.lookup(ctx, course)
	if err != nil {
		return nil, err
	}
	var list []model.AssetMetadata
	if assetType == "" {
		for _, t := range slices.Sorted(maps.Keys(v.structure.Assets)) {
			list = append(list, v.structure.Assets[t]...)
		}
	} else {
		list = slices.Clone(v.structure.Assets[assetType])
	}

	cmp := func(a, b model.AssetMetadata) int { return strings.Compare(a.Path, b.Path) }
	switch order.By {
	case "editedOn":
		cmp = func(a, b model.AssetMetadata) int { return a.EditedOn.Compare(b.EditedOn) }
	case "displayname":
		cmp = func(a, b model.AssetMetadata) int {
			return strings.Compare(assetDisplayName(a), assetDisplayName(b))
		}
	}
	slices.SortStableFunc(list, func(a, b model.AssetMetadata) int {
		if order.Descending {
			return cmp(b, a)
		}
		return cmp(a, b)
	})

	if start >= len(list) {
		return nil, nil
	}
	list = list[max0(start):]
	if max >= 0 && max < len(list) {
		list = list[:max]
	}
	out := make([]model.AssetMetadata, len(list))
	for i, a := range list {
		a.Fields = cas.CloneFields(a.Fields)
		out[i] = a
	}
	return out, nil
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func assetDisplayName(a model.AssetMetadata) string {
	if v, ok := a.Fields["displayname"].(string); ok {
		return v
	}
	return a.Path
}

// DeleteAssetMetadata removes the record at key. It reports whether the
// record existed.
func (s *Store) DeleteAssetMetadata(ctx context.Context, user string, key keys.AssetKey) (bool, error) {
	found := false
	err := s.updateAssets(ctx, user, key.Course, key.AssetType, func(list []model.AssetMetadata) ([]model.AssetMetadata, bool) {
		i := slices.IndexFunc(list, func(a model.AssetMetadata) bool { return a.Path == key.Path })
		if i < 0 {
			return list, false
		}
		found = true
		return slices.Delete(list, i, i+1), true
	})
	return found, err
}

// SetAssetMetadataAttrs merges attrs into the fields of the record at key.
func (s *Store) SetAssetMetadataAttrs(ctx context.Context, user string, key keys.AssetKey, attrs map[string]any) error {
	found := false
	now := s.now()
	err := s.updateAssets(ctx, user, key.Course, key.AssetType, func(list []model.AssetMetadata) ([]model.AssetMetadata, bool) {
		i := slices.IndexFunc(list, func(a model.AssetMetadata) bool { return a.Path == key.Path })
		if i < 0 {
			return list, false
		}
		found = true
		a := list[i]
		a.Fields = cas.CloneFields(a.Fields)
		if a.Fields == nil {
			a.Fields = map[string]any{}
		}
		maps.Copy(a.Fields, attrs)
		a.EditedBy, a.EditedOn = user, now
		list[i] = a
		return list, true
	})
	if err != nil {
		return err
	}
	if !found {
		return notFound(key)
	}
	return nil
}

// CopyAllAssetMetadata replaces every asset record of dest with the
// records of source, as seen from the branch the context selects. The
// copy keeps the source's audit fields.
func (s *Store) CopyAllAssetMetadata(ctx context.Context, user string, source, dest keys.CourseKey) error {
	v, err := s.lookup(ctx, source)
	if err != nil {
		return err
	}
	src := v.structure.Assets
	return s.write(ctx, dest.Identity(), func(ctx context.Context, rec *bulkRecord) error {
		for _, branch := range assetBranches(dest) {
			base, ok, err := s.head(ctx, rec, branch)
			if err != nil {
				return err
			}
			if !ok || cas.Equal(base.Assets, src) {
				continue
			}
			st, err := s.fork(ctx, rec, branch, user)
			if err != nil {
				return err
			}
			for assetType := range st.Assets {
				if _, ok := src[assetType]; !ok {
					st.SetAssets(assetType, nil)
				}
			}
			for assetType, list := range src {
				out := make([]model.AssetMetadata, len(list))
				for i, a := range list {
					a.Fields = cas.CloneFields(a.Fields)
					out[i] = a
				}
				st.SetAssets(assetType, out)
			}
		}
		return nil
	})
}
