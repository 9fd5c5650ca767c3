package split

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"splitstore/keys"
	"splitstore/metrics"
	"splitstore/model"
)

// RevisionOption selects which branches DeleteItem touches for draftable
// blocks.
type RevisionOption int

const (
	// RevisionDraft deletes from the draft branch only.
	RevisionDraft RevisionOption = iota
	// RevisionPublishedOnly deletes from the published branch only.
	RevisionPublishedOnly
	// RevisionAll deletes from both branches.
	RevisionAll
)

// DeleteOption customizes DeleteItem.
type DeleteOption func(*deleteOptions)

type deleteOptions struct {
	keepChildren bool
	revision     RevisionOption
	skipPublish  bool
}

// KeepChildren deletes only the block itself; its children stay in the
// structure as orphans.
func KeepChildren() DeleteOption {
	return func(o *deleteOptions) { o.keepChildren = true }
}

// Revision selects the branches to delete from.
func Revision(r RevisionOption) DeleteOption {
	return func(o *deleteOptions) { o.revision = r }
}

// SkipParentPublish keeps a direct-only parent's published children as
// they are after a draft delete.
func SkipParentPublish() DeleteOption {
	return func(o *deleteOptions) { o.skipPublish = true }
}

// DeleteItem removes the block at key from every parent and deletes the
// descendants that have no other parent. Direct-only blocks are deleted
// from both branches; deleting a draftable block from the draft republishes
// a direct-only parent's child list.
func (s *Store) DeleteItem(ctx context.Context, user string, key keys.UsageKey, opts ...DeleteOption) (err error) {
	ctx, finish := metrics.Start(ctx, "delete_item", attribute.String("usage_key", key.String()))
	defer finish(&err)

	var o deleteOptions
	for _, opt := range opts {
		opt(&o)
	}

	var branches []string
	switch {
	case key.Course.Library:
		branches = []string{model.LibraryBranch}
	case s.reg.IsDirectOnly(key.BlockType), o.revision == RevisionAll:
		branches = []string{model.PublishedBranch, model.DraftBranch}
	case o.revision == RevisionPublishedOnly:
		branches = []string{model.PublishedBranch}
	default:
		branches = []string{model.DraftBranch}
	}

	bk := key.BlockKey()
	course := key.Course.VersionAgnostic()
	course.Branch = ""
	err = s.write(ctx, course, func(ctx context.Context, rec *bulkRecord) error {
		var parent keys.BlockKey
		republish := false
		if len(branches) == 1 && branches[0] == model.DraftBranch && !o.skipPublish {
			if draft, ok, err := s.head(ctx, rec, model.DraftBranch); err != nil {
				return err
			} else if ok {
				parent, republish = parentInTree(draft, bk)
				republish = republish && s.reg.IsDirectOnly(parent.Type)
			}
		}

		deleted := 0
		for _, branch := range branches {
			base, ok, err := s.head(ctx, rec, branch)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if base.Root == bk {
				return fmt.Errorf("%w: cannot delete the root of %s", ErrInvalidOperation, rec.key)
			}
			if _, ok := base.Blocks[bk]; !ok {
				continue
			}
			st, err := s.fork(ctx, rec, branch, user)
			if err != nil {
				return err
			}
			now := s.now()
			for _, p := range st.Parents(bk) {
				pb, _ := versionBlock(st, p, user, now)
				pb.Children = removeKey(pb.Children, bk)
			}
			if o.keepChildren {
				st.DeleteBlock(bk)
			} else {
				removeSubtree(st, bk)
			}
			deleted++
		}
		if deleted == 0 {
			return notFound(key.VersionAgnostic())
		}
		rec.deletedItems = append(rec.deletedItems, key.VersionAgnostic())

		if republish {
			return s.copyBranch(ctx, rec, user, model.DraftBranch, model.PublishedBranch, []keys.BlockKey{parent}, copyOptions{excludeAll: true})
		}
		return nil
	})
	if err == nil {
		s.log.Debug("deleted item", "usage_key", key.VersionAgnostic().String(), "branches", branches, "user", user)
	}
	return err
}

// FixNotFound drops child pointers to blocks that do not exist, in every
// branch of course.
func (s *Store) FixNotFound(ctx context.Context, user string, course keys.CourseKey) error {
	return s.write(ctx, course.Identity(), func(ctx context.Context, rec *bulkRecord) error {
		for _, branch := range sortedBranches(rec.index.Versions) {
			base, _, err := s.head(ctx, rec, branch)
			if err != nil {
				return err
			}
			var broken []keys.BlockKey
			for _, k := range base.SortedKeys() {
				for _, c := range base.Blocks[k].Children {
					if _, ok := base.Blocks[c]; !ok {
						broken = append(broken, k)
						break
					}
				}
			}
			if len(broken) == 0 {
				continue
			}
			st, err := s.fork(ctx, rec, branch, user)
			if err != nil {
				return err
			}
			for _, k := range broken {
				b, _ := st.MutableBlock(k)
				kept := b.Children[:0:0]
				for _, c := range b.Children {
					if _, ok := st.Blocks[c]; ok {
						kept = append(kept, c)
					}
				}
				b.Children = kept
			}
			s.log.Info("dropped dangling children", "course", rec.key.String(), "branch", branch, "blocks", len(broken))
		}
		return nil
	})
}
