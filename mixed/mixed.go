// Package mixed routes engine calls to one of several stores by course key:
// an explicit course mapping wins, then an org mapping, then the default
// store.
package mixed

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"splitstore/keys"
	"splitstore/model"
	"splitstore/split"
)

// ModuleStore is the engine surface the router dispatches. *split.Store
// implements it.
type ModuleStore interface {
	GetItem(ctx context.Context, key keys.UsageKey, depth int) (*split.Block, error)
	HasItem(ctx context.Context, key keys.UsageKey) (bool, error)
	GetCourse(ctx context.Context, course keys.CourseKey, depth int) (*split.Block, error)
	HasCourse(ctx context.Context, course keys.CourseKey, ignoreCase bool) (bool, error)
	GetCourses(ctx context.Context) ([]*split.Block, error)
	GetLibraries(ctx context.Context) ([]*split.Block, error)
	GetItems(ctx context.Context, course keys.CourseKey, q split.Qualifiers) ([]*split.Block, error)
	GetParentLocation(ctx context.Context, key keys.UsageKey) (keys.UsageKey, bool, error)
	GetOrphans(ctx context.Context, course keys.CourseKey) ([]keys.UsageKey, error)

	CreateCourse(ctx context.Context, org, course, run, user string, fields map[string]any) (*split.Block, error)
	CreateLibrary(ctx context.Context, org, library, user string, fields map[string]any) (*split.Block, error)
	CloneCourse(ctx context.Context, user string, source, dest keys.CourseKey, fields map[string]any) (*split.Block, error)
	DeleteCourse(ctx context.Context, user string, course keys.CourseKey) error
	CreateItem(ctx context.Context, user string, course keys.CourseKey, blockType string, fields map[string]any, opts ...split.CreateOption) (*split.Block, error)
	CreateChild(ctx context.Context, user string, parent keys.UsageKey, blockType string, fields map[string]any, opts ...split.CreateOption) (*split.Block, error)
	UpdateItem(ctx context.Context, user string, key keys.UsageKey, changes split.FieldChanges) (*split.Block, error)
	DeleteItem(ctx context.Context, user string, key keys.UsageKey, opts ...split.DeleteOption) error
	BulkOperations(ctx context.Context, course keys.CourseKey, fn func(ctx context.Context) error) error

	Publish(ctx context.Context, user string, key keys.UsageKey) (*split.Block, error)
	Unpublish(ctx context.Context, user string, key keys.UsageKey) (*split.Block, error)
	HasChanges(ctx context.Context, key keys.UsageKey) (bool, error)
	RevertToPublished(ctx context.Context, user string, key keys.UsageKey) error
	CopyFromTemplate(ctx context.Context, user string, sources []keys.UsageKey, dest keys.UsageKey) ([]keys.UsageKey, error)
	DiffFields(ctx context.Context, key keys.UsageKey) ([]split.FieldDiff, error)

	SaveAssetMetadata(ctx context.Context, user string, course keys.CourseKey, records ...model.AssetMetadata) error
	FindAssetMetadata(ctx context.Context, key keys.AssetKey) (*model.AssetMetadata, bool, error)
	GetAllAssetMetadata(ctx context.Context, course keys.CourseKey, assetType string, start, max int, order split.AssetSort) ([]model.AssetMetadata, error)
	DeleteAssetMetadata(ctx context.Context, user string, key keys.AssetKey) (bool, error)
	CopyAllAssetMetadata(ctx context.Context, user string, source, dest keys.CourseKey) error
	GetCoursesForWiki(ctx context.Context, slug string) ([]keys.CourseKey, error)

	GetCourseIndexInfo(ctx context.Context, course keys.CourseKey) (*model.CourseIndex, error)
	VersionHistory(ctx context.Context, course keys.CourseKey, limit int) ([]split.HistoryInfo, error)
}

var _ ModuleStore = (*split.Store)(nil)

// ErrCrossStore is returned for operations whose keys route to different
// stores.
var ErrCrossStore = errors.New("keys belong to different stores")

// Router implements ModuleStore over named stores.
type Router struct {
	stores  map[string]ModuleStore
	courses map[keys.CourseKey]string
	orgs    map[string]string
	def     string
}

var _ ModuleStore = (*Router)(nil)

// NewRouter builds a router whose unmapped keys go to the store named def.
func NewRouter(def string, stores map[string]ModuleStore) (*Router, error) {
	if _, ok := stores[def]; !ok {
		return nil, fmt.Errorf("default store %q is not configured", def)
	}
	return &Router{
		stores:  maps.Clone(stores),
		courses: map[keys.CourseKey]string{},
		orgs:    map[string]string{},
		def:     def,
	}, nil
}

// MapCourse sends every key of course to the named store.
func (r *Router) MapCourse(course keys.CourseKey, name string) error {
	if _, ok := r.stores[name]; !ok {
		return fmt.Errorf("course %s: unknown store %q", course, name)
	}
	r.courses[course.Identity()] = name
	return nil
}

// MapOrg sends the courses of org without a course mapping to the named
// store.
func (r *Router) MapOrg(org, name string) error {
	if _, ok := r.stores[name]; !ok {
		return fmt.Errorf("org %s: unknown store %q", org, name)
	}
	r.orgs[org] = name
	return nil
}

// StoreName reports which store course routes to.
func (r *Router) StoreName(course keys.CourseKey) string {
	if name, ok := r.courses[course.Identity()]; ok {
		return name
	}
	if name, ok := r.orgs[course.Org]; ok {
		return name
	}
	return r.def
}

// StoreFor returns the store course routes to.
func (r *Router) StoreFor(course keys.CourseKey) ModuleStore {
	return r.stores[r.StoreName(course)]
}

func (r *Router) names() []string {
	return slices.Sorted(maps.Keys(r.stores))
}

func (r *Router) GetItem(ctx context.Context, key keys.UsageKey, depth int) (*split.Block, error) {
	return r.StoreFor(key.Course).GetItem(ctx, key, depth)
}

func (r *Router) HasItem(ctx context.Context, key keys.UsageKey) (bool, error) {
	return r.StoreFor(key.Course).HasItem(ctx, key)
}

func (r *Router) GetCourse(ctx context.Context, course keys.CourseKey, depth int) (*split.Block, error) {
	return r.StoreFor(course).GetCourse(ctx, course, depth)
}

func (r *Router) HasCourse(ctx context.Context, course keys.CourseKey, ignoreCase bool) (bool, error) {
	return r.StoreFor(course).HasCourse(ctx, course, ignoreCase)
}

// GetCourses merges the courses of every store. A course found in a store
// it does not route to is skipped, so each course is listed once.
func (r *Router) GetCourses(ctx context.Context) ([]*split.Block, error) {
	return r.collect(ctx, ModuleStore.GetCourses)
}

// GetLibraries merges the libraries of every store.
func (r *Router) GetLibraries(ctx context.Context) ([]*split.Block, error) {
	return r.collect(ctx, ModuleStore.GetLibraries)
}

func (r *Router) collect(ctx context.Context, list func(ModuleStore, context.Context) ([]*split.Block, error)) ([]*split.Block, error) {
	var out []*split.Block
	for _, name := range r.names() {
		blocks, err := list(r.stores[name], ctx)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
		for _, b := range blocks {
			if r.StoreName(b.Location.Course) == name {
				out = append(out, b)
			}
		}
	}
	slices.SortFunc(out, func(a, b *split.Block) int {
		return strings.Compare(a.Location.Course.Identity().String(), b.Location.Course.Identity().String())
	})
	return out, nil
}

func (r *Router) GetItems(ctx context.Context, course keys.CourseKey, q split.Qualifiers) ([]*split.Block, error) {
	return r.StoreFor(course).GetItems(ctx, course, q)
}

func (r *Router) GetParentLocation(ctx context.Context, key keys.UsageKey) (keys.UsageKey, bool, error) {
	return r.StoreFor(key.Course).GetParentLocation(ctx, key)
}

func (r *Router) GetOrphans(ctx context.Context, course keys.CourseKey) ([]keys.UsageKey, error) {
	return r.StoreFor(course).GetOrphans(ctx, course)
}

func (r *Router) CreateCourse(ctx context.Context, org, course, run, user string, fields map[string]any) (*split.Block, error) {
	return r.StoreFor(keys.NewCourseKey(org, course, run)).CreateCourse(ctx, org, course, run, user, fields)
}

func (r *Router) CreateLibrary(ctx context.Context, org, library, user string, fields map[string]any) (*split.Block, error) {
	return r.StoreFor(keys.NewLibraryKey(org, library)).CreateLibrary(ctx, org, library, user, fields)
}

// CloneCourse clones within one store only.
func (r *Router) CloneCourse(ctx context.Context, user string, source, dest keys.CourseKey, fields map[string]any) (*split.Block, error) {
	if r.StoreName(source) != r.StoreName(dest) {
		return nil, fmt.Errorf("%w: clone %s to %s", ErrCrossStore, source.Identity(), dest.Identity())
	}
	return r.StoreFor(source).CloneCourse(ctx, user, source, dest, fields)
}

func (r *Router) DeleteCourse(ctx context.Context, user string, course keys.CourseKey) error {
	return r.StoreFor(course).DeleteCourse(ctx, user, course)
}

func (r *Router) CreateItem(ctx context.Context, user string, course keys.CourseKey, blockType string, fields map[string]any, opts ...split.CreateOption) (*split.Block, error) {
	return r.StoreFor(course).CreateItem(ctx, user, course, blockType, fields, opts...)
}

func (r *Router) CreateChild(ctx context.Context, user string, parent keys.UsageKey, blockType string, fields map[string]any, opts ...split.CreateOption) (*split.Block, error) {
	return r.StoreFor(parent.Course).CreateChild(ctx, user, parent, blockType, fields, opts...)
}

func (r *Router) UpdateItem(ctx context.Context, user string, key keys.UsageKey, changes split.FieldChanges) (*split.Block, error) {
	return r.StoreFor(key.Course).UpdateItem(ctx, user, key, changes)
}

func (r *Router) DeleteItem(ctx context.Context, user string, key keys.UsageKey, opts ...split.DeleteOption) error {
	return r.StoreFor(key.Course).DeleteItem(ctx, user, key, opts...)
}

func (r *Router) BulkOperations(ctx context.Context, course keys.CourseKey, fn func(ctx context.Context) error) error {
	return r.StoreFor(course).BulkOperations(ctx, course, fn)
}

func (r *Router) Publish(ctx context.Context, user string, key keys.UsageKey) (*split.Block, error) {
	return r.StoreFor(key.Course).Publish(ctx, user, key)
}

func (r *Router) Unpublish(ctx context.Context, user string, key keys.UsageKey) (*split.Block, error) {
	return r.StoreFor(key.Course).Unpublish(ctx, user, key)
}

func (r *Router) HasChanges(ctx context.Context, key keys.UsageKey) (bool, error) {
	return r.StoreFor(key.Course).HasChanges(ctx, key)
}

func (r *Router) RevertToPublished(ctx context.Context, user string, key keys.UsageKey) error {
	return r.StoreFor(key.Course).RevertToPublished(ctx, user, key)
}

// CopyFromTemplate requires every source to live in dest's store.
func (r *Router) CopyFromTemplate(ctx context.Context, user string, sources []keys.UsageKey, dest keys.UsageKey) ([]keys.UsageKey, error) {
	name := r.StoreName(dest.Course)
	for _, src := range sources {
		if r.StoreName(src.Course) != name {
			return nil, fmt.Errorf("%w: template %s for %s", ErrCrossStore, src, dest)
		}
	}
	return r.stores[name].CopyFromTemplate(ctx, user, sources, dest)
}

func (r *Router) DiffFields(ctx context.Context, key keys.UsageKey) ([]split.FieldDiff, error) {
	return r.StoreFor(key.Course).DiffFields(ctx, key)
}

func (r *Router) SaveAssetMetadata(ctx context.Context, user string, course keys.CourseKey, records ...model.AssetMetadata) error {
	return r.StoreFor(course).SaveAssetMetadata(ctx, user, course, records...)
}

func (r *Router) FindAssetMetadata(ctx context.Context, key keys.AssetKey) (*model.AssetMetadata, bool, error) {
	return r.StoreFor(key.Course).FindAssetMetadata(ctx, key)
}

func (r *Router) GetAllAssetMetadata(ctx context.Context, course keys.CourseKey, assetType string, start, max int, order split.AssetSort) ([]model.AssetMetadata, error) {
	return r.StoreFor(course).GetAllAssetMetadata(ctx, course, assetType, start, max, order)
}

func (r *Router) DeleteAssetMetadata(ctx context.Context, user string, key keys.AssetKey) (bool, error) {
	return r.StoreFor(key.Course).DeleteAssetMetadata(ctx, user, key)
}

// CopyAllAssetMetadata copies within a store directly. Across stores the
// source records are saved into dest one by one, on top of what dest has.
func (r *Router) CopyAllAssetMetadata(ctx context.Context, user string, source, dest keys.CourseKey) error {
	if r.StoreName(source) == r.StoreName(dest) {
		return r.StoreFor(source).CopyAllAssetMetadata(ctx, user, source, dest)
	}
	records, err := r.StoreFor(source).GetAllAssetMetadata(ctx, source, "", 0, -1, split.AssetSort{})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	return r.StoreFor(dest).SaveAssetMetadata(ctx, user, dest, records...)
}

// GetCoursesForWiki merges the courses of every store that use slug.
func (r *Router) GetCoursesForWiki(ctx context.Context, slug string) ([]keys.CourseKey, error) {
	var out []keys.CourseKey
	for _, name := range r.names() {
		found, err := r.stores[name].GetCoursesForWiki(ctx, slug)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
		for _, k := range found {
			if r.StoreName(k) == name {
				out = append(out, k)
			}
		}
	}
	slices.SortFunc(out, func(a, b keys.CourseKey) int { return strings.Compare(a.String(), b.String()) })
	return out, nil
}

func (r *Router) GetCourseIndexInfo(ctx context.Context, course keys.CourseKey) (*model.CourseIndex, error) {
	return r.StoreFor(course).GetCourseIndexInfo(ctx, course)
}

func (r *Router) VersionHistory(ctx context.Context, course keys.CourseKey, limit int) ([]split.HistoryInfo, error) {
	return r.StoreFor(course).VersionHistory(ctx, course, limit)
}
