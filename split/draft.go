package split

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"splitstore/keys"
	"splitstore/metrics"
	"splitstore/model"
)

// Publish copies the draft subtree at key over the published branch. The
// published subtree ends up with exactly the draft's blocks. Direct-only
// ancestors missing from the published branch are published with it.
func (s *Store) Publish(ctx context.Context, user string, key keys.UsageKey) (_ *Block, err error) {
	ctx, finish := metrics.Start(ctx, "publish", attribute.String("usage_key", key.String()))
	defer finish(&err)

	if key.Course.Library {
		return nil, fmt.Errorf("%w: libraries have no published branch", ErrInvalidOperation)
	}
	course := key.Course.ForBranch(model.DraftBranch)
	err = s.write(ctx, course, func(ctx context.Context, rec *bulkRecord) error {
		return s.copyBranch(ctx, rec, user, model.DraftBranch, model.PublishedBranch, []keys.BlockKey{key.BlockKey()}, copyOptions{})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("published", "usage_key", key.VersionAgnostic().String(), "user", user)
	return s.GetItem(ctx, key.ForBranch(model.PublishedBranch), 0)
}

// autoPublish publishes key alone when it is a direct-only block written
// through the draft branch.
func (s *Store) autoPublish(ctx context.Context, rec *bulkRecord, user, branch string, key keys.BlockKey) error {
	if branch != model.DraftBranch || !s.reg.IsDirectOnly(key.Type) {
		return nil
	}
	return s.copyBranch(ctx, rec, user, model.DraftBranch, model.PublishedBranch, []keys.BlockKey{key}, copyOptions{excludeAll: true})
}

// Unpublish removes key's subtree from the published branch. The draft is
// untouched.
func (s *Store) Unpublish(ctx context.Context, user string, key keys.UsageKey) (*Block, error) {
	if s.reg.IsDirectOnly(key.BlockType) {
		return nil, fmt.Errorf("%w: %s blocks are always published", ErrInvalidVersion, key.BlockType)
	}
	if key.Course.Library {
		return nil, fmt.Errorf("%w: libraries have no published branch", ErrInvalidOperation)
	}
	if err := s.DeleteItem(ctx, user, key, Revision(RevisionPublishedOnly)); err != nil {
		return nil, err
	}
	return s.GetItem(ctx, key.ForBranch(model.DraftBranch), 0)
}

// HasChanges reports whether the draft subtree at key differs from the
// published one. Blocks are compared by the version they were last edited
// in, not field by field.
func (s *Store) HasChanges(ctx context.Context, key keys.UsageKey) (bool, error) {
	if key.Course.Library {
		return false, nil
	}
	draft, err := s.lookup(ctx, key.Course.ForBranch(model.DraftBranch))
	if err != nil {
		return false, err
	}
	published, err := s.lookup(ctx, key.Course.ForBranch(model.PublishedBranch))
	if err != nil {
		if isNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return hasChanges(draft.structure, published.structure, key.BlockKey(), map[keys.BlockKey]bool{}), nil
}

func hasChanges(draft, published *model.Structure, key keys.BlockKey, seen map[keys.BlockKey]bool) bool {
	if seen[key] {
		return false
	}
	seen[key] = true
	db, ok := draft.Blocks[key]
	if !ok {
		return true
	}
	pb, ok := published.Blocks[key]
	if !ok {
		return true
	}
	if db.EditInfo.Version() != pb.EditInfo.Version() {
		return true
	}
	for _, c := range db.Children {
		if hasChanges(draft, published, c, seen) {
			return true
		}
	}
	return false
}

// PublishInfo summarizes a block's publish state.
type PublishInfo struct {
	HasChanges  bool
	Published   bool
	PublishedBy string
	PublishedOn time.Time
	EditedBy    string
	EditedOn    time.Time
}

// PublishState reports whether key is published, by whom and when, and
// whether its draft has changed since.
func (s *Store) PublishState(ctx context.Context, key keys.UsageKey) (*PublishInfo, error) {
	draft, err := s.GetItem(ctx, key.ForBranch(draftBranchOf(key.Course)), 0)
	if err != nil {
		return nil, err
	}
	info := &PublishInfo{EditedBy: draft.EditInfo.EditedBy, EditedOn: draft.EditInfo.EditedOn}
	if key.Course.Library {
		info.Published = true
		return info, nil
	}
	pub, err := s.lookup(ctx, key.Course.ForBranch(model.PublishedBranch))
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if pub != nil {
		if pb, ok := pub.findBlock(key.BlockKey()); ok {
			info.Published = true
			info.PublishedBy = pb.EditInfo.PublishedBy
			info.PublishedOn = pb.EditInfo.PublishedOn
		}
	}
	if info.HasChanges, err = s.HasChanges(ctx, key); err != nil {
		return nil, err
	}
	return info, nil
}

// RevertToPublished replaces the draft subtree at key with the published
// one. It is a no-op for direct-only blocks and for blocks without draft
// changes; it fails with ErrInvalidVersion when key was never published.
func (s *Store) RevertToPublished(ctx context.Context, user string, key keys.UsageKey) (err error) {
	ctx, finish := metrics.Start(ctx, "revert_to_published", attribute.String("usage_key", key.String()))
	defer finish(&err)

	if s.reg.IsDirectOnly(key.BlockType) || key.Course.Library {
		return nil
	}
	course := key.Course.ForBranch(model.DraftBranch)
	return s.write(ctx, course, func(ctx context.Context, rec *bulkRecord) error {
		bk := key.BlockKey()
		pub, ok, err := s.head(ctx, rec, model.PublishedBranch)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s has no published branch", ErrInvalidVersion, rec.key)
		}
		if _, ok := pub.Blocks[bk]; !ok {
			return fmt.Errorf("%w: %s was never published", ErrInvalidVersion, key)
		}
		draft, _, err := s.head(ctx, rec, model.DraftBranch)
		if err != nil {
			return err
		}
		if draft != nil && !hasChanges(draft, pub, bk, map[keys.BlockKey]bool{}) {
			return nil
		}

		st, err := s.fork(ctx, rec, model.DraftBranch, user)
		if err != nil {
			return err
		}
		removeSubtree(st, bk)
		now := s.now()
		seen := map[keys.BlockKey]bool{}
		var restore func(k keys.BlockKey)
		restore = func(k keys.BlockKey) {
			if seen[k] {
				return
			}
			seen[k] = true
			pb, ok := pub.Blocks[k]
			if !ok {
				return
			}
			st.PutBlock(k, pb.Clone())
			for _, c := range pb.Children {
				detachFromOtherParents(st, c, k, user, now)
				restore(c)
			}
		}
		restore(bk)
		return nil
	})
}

// detachFromOtherParents removes child from every parent in st except
// keep. A child moved in the draft goes back where it was published.
func detachFromOtherParents(st *model.Structure, child, keep keys.BlockKey, user string, now time.Time) {
	for _, p := range st.Parents(child) {
		if p == keep {
			continue
		}
		pb, _ := versionBlock(st, p, user, now)
		pb.Children = removeKey(pb.Children, child)
	}
}

func removeKey(list []keys.BlockKey, k keys.BlockKey) []keys.BlockKey {
	out := list[:0:0]
	for _, c := range list {
		if c != k {
			out = append(out, c)
		}
	}
	return out
}
