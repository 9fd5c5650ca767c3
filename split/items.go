package split

import (
	"context"
	"fmt"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel/attribute"

	"splitstore/cas"
	"splitstore/inherit"
	"splitstore/keys"
	"splitstore/metrics"
	"splitstore/model"
	"splitstore/schema"
	"splitstore/store"
)

// tree returns the inheritance tree of the view's structure.
func (s *Store) tree(v *courseView) (*inherit.Tree, error) {
	t, err := s.inheritance.Get(v.structure)
	if err != nil {
		return nil, fmt.Errorf("computing inheritance for %s: %w", v.key, err)
	}
	return t, nil
}

// GetItem returns the block at key with its descendants prefetched down to
// depth levels. Depth 0 loads the block alone; a negative depth loads the
// whole subtree.
func (s *Store) GetItem(ctx context.Context, key keys.UsageKey, depth int) (_ *Block, err error) {
	ctx, finish := metrics.Start(ctx, "get_item", attribute.String("usage_key", key.String()))
	defer finish(&err)

	v, err := s.lookup(ctx, key.Course)
	if err != nil {
		return nil, err
	}
	return s.blockView(v, key.BlockKey(), depth)
}

func (s *Store) blockView(v *courseView, root keys.BlockKey, depth int) (*Block, error) {
	b, ok := v.findBlock(root)
	if !ok {
		return nil, notFound(v.usageKey(root))
	}
	t, err := s.tree(v)
	if err != nil {
		return nil, err
	}
	top := s.newBlock(v, root, b, t.For(root))

	type item struct {
		blk   *Block
		level int
	}
	seen := map[keys.BlockKey]bool{root: true}
	queue := []item{{top, 0}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		if depth >= 0 && it.level >= depth {
			continue
		}
		for _, c := range it.blk.Children {
			ck := c.BlockKey()
			cb, ok := v.findBlock(ck)
			if !ok || seen[ck] {
				continue
			}
			seen[ck] = true
			child := s.newBlock(v, ck, cb, t.For(ck))
			if it.blk.children == nil {
				it.blk.children = map[keys.UsageKey]*Block{}
			}
			it.blk.children[c] = child
			queue = append(queue, item{child, it.level + 1})
		}
	}
	return top, nil
}

// HasItem reports whether key resolves to a block.
func (s *Store) HasItem(ctx context.Context, key keys.UsageKey) (bool, error) {
	v, err := s.lookup(ctx, key.Course)
	if isNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, ok := v.findBlock(key.BlockKey())
	return ok, nil
}

// GetCourse returns the root block of course.
func (s *Store) GetCourse(ctx context.Context, course keys.CourseKey, depth int) (*Block, error) {
	v, err := s.lookup(ctx, course)
	if err != nil {
		return nil, err
	}
	return s.blockView(v, v.structure.Root, depth)
}

// HasCourse reports whether an index exists for course. With ignoreCase
// the identity is compared case-insensitively.
func (s *Store) HasCourse(ctx context.Context, course keys.CourseKey, ignoreCase bool) (bool, error) {
	if ignoreCase {
		id := course.Identity()
		found, err := s.backend.FindCourseIndexes(ctx, store.IndexQuery{Library: course.Library, Identity: &id})
		if err != nil {
			return false, fmt.Errorf("finding course %s: %w", course, err)
		}
		return len(found) > 0, nil
	}
	_, _, err := s.courseIndex(ctx, course)
	if isNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// GetCourses returns the root blocks of every course carrying the branch the
// context's setting selects.
func (s *Store) GetCourses(ctx context.Context) ([]*Block, error) {
	branch := model.DraftBranch
	if s.BranchSettingFor(ctx, keys.CourseKey{}) == PublishedOnly {
		branch = model.PublishedBranch
	}
	return s.courselikeRoots(ctx, store.IndexQuery{Branch: branch}, branch)
}

// GetLibraries returns the root blocks of every library.
func (s *Store) GetLibraries(ctx context.Context) ([]*Block, error) {
	return s.courselikeRoots(ctx, store.IndexQuery{Library: true, Branch: model.LibraryBranch}, model.LibraryBranch)
}

func (s *Store) courselikeRoots(ctx context.Context, q store.IndexQuery, branch string) ([]*Block, error) {
	idxs, err := s.backend.FindCourseIndexes(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing course indexes: %w", err)
	}
	out := make([]*Block, 0, len(idxs))
	for _, idx := range idxs {
		root, err := s.GetCourse(ctx, idx.Key().ForBranch(branch), 0)
		if err != nil {
			if isNotFound(err) {
				s.log.Warn("course index points at missing structure", "course", idx.Key().String(), "branch", branch)
				continue
			}
			return nil, err
		}
		out = append(out, root)
	}
	return out, nil
}

// Qualifiers filter GetItems. String values are doublestar glob patterns;
// a qualifier on a list-valued field matches when any element matches.
type Qualifiers struct {
	// Category matches the block type.
	Category string
	// Name matches the block id.
	Name string
	// Settings match against the block's own settings.
	Settings map[string]any
	// Content match against the definition's fields.
	Content map[string]any
	// IncludeOrphans also returns blocks unreachable from the root.
	IncludeOrphans bool
}

// GetItems returns the blocks of course matching q, ordered by (type, id).
func (s *Store) GetItems(ctx context.Context, course keys.CourseKey, q Qualifiers) (_ []*Block, err error) {
	ctx, finish := metrics.Start(ctx, "get_items", attribute.String("course", course.String()))
	defer finish(&err)

	v, err := s.lookup(ctx, course)
	if err != nil {
		return nil, err
	}
	st := v.structure
	var inTree map[keys.BlockKey]bool
	if !q.IncludeOrphans {
		inTree = reachable(st)
	}
	t, err := s.tree(v)
	if err != nil {
		return nil, err
	}

	var out []*Block
	for _, k := range st.SortedKeys() {
		if q.Category != "" && !globMatch(q.Category, k.Type) {
			continue
		}
		if q.Name != "" && !globMatch(q.Name, k.ID) {
			continue
		}
		if inTree != nil && !inTree[k] && !s.reg.IsDetached(k.Type) {
			continue
		}
		b := st.Blocks[k]
		if !fieldsMatch(q.Settings, b.Fields) {
			continue
		}
		blk := s.newBlock(v, k, b, t.For(k))
		if len(q.Content) > 0 {
			content, err := blk.Content(ctx)
			if err != nil {
				return nil, err
			}
			if !fieldsMatch(q.Content, content) {
				continue
			}
		}
		out = append(out, blk)
	}
	return out, nil
}

func globMatch(pattern, s string) bool {
	ok, err := doublestar.Match(pattern, s)
	return err == nil && ok
}

func fieldsMatch(want, have map[string]any) bool {
	for name, target := range want {
		v, ok := have[name]
		if !ok || !valueMatches(target, v) {
			return false
		}
	}
	return true
}

func valueMatches(target, have any) bool {
	if list, ok := have.([]any); ok {
		if _, targetIsList := target.([]any); !targetIsList {
			return slices.ContainsFunc(list, func(e any) bool { return valueMatches(target, e) })
		}
	}
	if pattern, ok := target.(string); ok {
		s, ok := have.(string)
		return ok && globMatch(pattern, s)
	}
	norm, err := cas.Normalize(target)
	if err != nil {
		return false
	}
	return cas.Equal(norm, have)
}

// GetParentLocation returns the parent of key that has a path to the root.
// When several do, the lowest (type, id) wins. The bool is false for the
// root and for orphans.
func (s *Store) GetParentLocation(ctx context.Context, key keys.UsageKey) (keys.UsageKey, bool, error) {
	v, err := s.lookup(ctx, key.Course)
	if err != nil {
		return keys.UsageKey{}, false, err
	}
	p, ok := parentInTree(v.structure, key.BlockKey())
	if !ok {
		return keys.UsageKey{}, false, nil
	}
	return v.usageKey(p), true, nil
}

func parentInTree(st *model.Structure, key keys.BlockKey) (keys.BlockKey, bool) {
	parents := st.Parents(key)
	if len(parents) == 0 {
		return keys.BlockKey{}, false
	}
	inTree := reachable(st)
	for _, p := range parents {
		if inTree[p] {
			return p, true
		}
	}
	return keys.BlockKey{}, false
}

// GetOrphans returns the blocks that no block lists as a child, other than
// the root and detached types.
func (s *Store) GetOrphans(ctx context.Context, course keys.CourseKey) ([]keys.UsageKey, error) {
	v, err := s.lookup(ctx, course)
	if err != nil {
		return nil, err
	}
	return orphansOf(v, s.reg), nil
}

func orphansOf(v *courseView, reg *schema.Registry) []keys.UsageKey {
	st := v.structure
	referenced := map[keys.BlockKey]bool{}
	for _, b := range st.Blocks {
		for _, c := range b.Children {
			referenced[c] = true
		}
	}
	var out []keys.UsageKey
	for _, k := range st.SortedKeys() {
		if k == st.Root || referenced[k] || reg.IsDetached(k.Type) {
			continue
		}
		out = append(out, v.usageKey(k))
	}
	return out
}

// InheritanceTree returns, for key and its descendants down to depth, the
// values each block inherits from its ancestors.
func (s *Store) InheritanceTree(ctx context.Context, key keys.UsageKey, depth int) (map[keys.UsageKey]map[string]any, error) {
	v, err := s.lookup(ctx, key.Course)
	if err != nil {
		return nil, err
	}
	if _, ok := v.findBlock(key.BlockKey()); !ok {
		return nil, notFound(key)
	}
	t, err := s.tree(v)
	if err != nil {
		return nil, err
	}
	sub := t.Subtree(v.structure, key.BlockKey(), depth)
	out := make(map[keys.UsageKey]map[string]any, len(sub))
	for k, vals := range sub {
		out[v.usageKey(k)] = vals
	}
	return out, nil
}
