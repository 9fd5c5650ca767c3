package split

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"splitstore/cas"
	"splitstore/keys"
	"splitstore/metrics"
	"splitstore/model"
	"splitstore/store"
)

// searchTargetFields are the root settings mirrored into the course index
// so courses can be found by them without loading structures.
var searchTargetFields = []string{"wiki_slug"}

// updateSearchTargets mirrors the search target fields of a root's
// settings into idx. It reports whether the targets changed.
func updateSearchTargets(idx *model.CourseIndex, settings map[string]any) bool {
	targets := cas.CloneFields(idx.SearchTargets)
	if targets == nil {
		targets = map[string]any{}
	}
	for _, name := range searchTargetFields {
		if v, ok := settings[name]; ok && v != nil {
			targets[name] = v
		} else {
			delete(targets, name)
		}
	}
	if len(targets) == 0 {
		if len(idx.SearchTargets) == 0 {
			return false
		}
		targets = nil
	} else if cas.Equal(targets, idx.SearchTargets) {
		return false
	}
	idx.SearchTargets = targets
	return true
}

// FindCoursesBySearchTarget returns the branch-agnostic keys of every
// course whose index caches field with value.
func (s *Store) FindCoursesBySearchTarget(ctx context.Context, field, value string) (_ []keys.CourseKey, err error) {
	ctx, finish := metrics.Start(ctx, "find_courses_by_search_target", attribute.String("field", field))
	defer finish(&err)

	idxs, err := s.backend.FindCourseIndexes(ctx, store.IndexQuery{SearchTargets: map[string]string{field: value}})
	if err != nil {
		return nil, fmt.Errorf("finding courses by %s: %w", field, err)
	}
	out := make([]keys.CourseKey, 0, len(idxs))
	for _, idx := range idxs {
		out = append(out, idx.Key())
	}
	return out, nil
}

// GetCoursesForWiki returns the courses rooted at the wiki slug.
func (s *Store) GetCoursesForWiki(ctx context.Context, slug string) ([]keys.CourseKey, error) {
	return s.FindCoursesBySearchTarget(ctx, "wiki_slug", slug)
}
