package split

import (
	"context"
	"slices"
	"time"

	"splitstore/keys"
	"splitstore/model"
)

// copyOptions control copyBranch.
type copyOptions struct {
	// excludeAll copies only the named blocks, not their descendants. An
	// existing destination block keeps those of its children that the
	// source still lists.
	excludeAll bool
}

// copyBranch makes the subtrees under roots in branch dst match branch src.
// Blocks the copy detaches from the destination tree and that no other
// block references are removed. Missing direct-only ancestors in dst are
// copied first; a missing draftable ancestor is an error.
func (s *Store) copyBranch(ctx context.Context, rec *bulkRecord, user, src, dst string, roots []keys.BlockKey, opts copyOptions) error {
	srcSt, ok, err := s.head(ctx, rec, src)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(rec.key.ForBranch(src))
	}
	for _, r := range roots {
		if _, ok := srcSt.Blocks[r]; !ok {
			return notFound(rec.key.ForBranch(src).MakeUsageKey(r.Type, r.ID))
		}
	}

	now := s.now()
	var dstSt *model.Structure
	if _, exists := rec.index.Versions[dst]; exists {
		if dstSt, err = s.fork(ctx, rec, dst, user); err != nil {
			return err
		}
	} else {
		if !slices.Contains(roots, srcSt.Root) {
			return notFound(rec.key.ForBranch(dst))
		}
		dstSt = model.NewStructure(newVersionID(), srcSt.Root, user, now)
		rec.adopt(dst, dstSt, user, now)
	}

	orphans := map[keys.BlockKey]bool{}
	for _, r := range roots {
		if r != srcSt.Root {
			if err := s.ensureAncestors(rec, srcSt, dstSt, r, user, now, orphans); err != nil {
				return err
			}
		}
		copySubdag(srcSt, dstSt, r, opts.excludeAll, user, now, orphans)
	}
	for _, o := range sortedKeys(orphans) {
		deleteIfTrueOrphan(dstSt, o)
	}
	return nil
}

// ensureAncestors links key into its parents in dst, first copying any
// missing direct-only parents along the path to the root.
func (s *Store) ensureAncestors(rec *bulkRecord, src, dst *model.Structure, key keys.BlockKey, user string, now time.Time, orphans map[keys.BlockKey]bool) error {
	parents := src.Parents(key)
	if len(parents) == 0 {
		return nil
	}
	linked := false
	for _, p := range parents {
		if _, ok := dst.Blocks[p]; ok {
			pb, _ := dst.MutableBlock(p)
			for _, o := range syncChildren(src.Blocks[p], pb, key) {
				orphans[o] = true
			}
			linked = true
		}
	}
	if linked {
		return nil
	}

	p, ok := parentInTree(src, key)
	if !ok {
		p = parents[0]
	}
	if !s.reg.IsDirectOnly(p.Type) {
		return notFound(rec.key.ForBranch(model.PublishedBranch).MakeUsageKey(p.Type, p.ID))
	}
	if err := s.ensureAncestors(rec, src, dst, p, user, now, orphans); err != nil {
		return err
	}
	copySubdag(src, dst, p, true, user, now, orphans)
	pb, _ := dst.MutableBlock(p)
	for _, o := range syncChildren(src.Blocks[p], pb, key) {
		orphans[o] = true
	}
	return nil
}

// syncChildren reorders dst's children to follow src, keeping only those
// src still lists plus newChild. It returns the dropped children.
func syncChildren(src, dst *model.BlockData, newChild keys.BlockKey) []keys.BlockKey {
	var dropped []keys.BlockKey
	for _, c := range dst.Children {
		if !src.HasChild(c) {
			dropped = append(dropped, c)
		}
	}
	var reordered []keys.BlockKey
	for _, c := range src.Children {
		if c == newChild || dst.HasChild(c) {
			reordered = append(reordered, c)
		}
	}
	dst.Children = reordered
	return dropped
}

// copySubdag writes the source version of key, and unless excludeAll its
// descendants, into dst. Children dst held that src no longer lists are
// added to orphans.
func copySubdag(src, dst *model.Structure, key keys.BlockKey, excludeAll bool, user string, now time.Time, orphans map[keys.BlockKey]bool) {
	sb, ok := src.Blocks[key]
	if !ok {
		return
	}
	nb := sb.Clone()
	if db, exists := dst.Blocks[key]; exists {
		// Children keep their source positions; SparseList-style slots.
		slots := make([]*keys.BlockKey, len(sb.Children))
		for _, c := range db.Children {
			i := slices.Index(sb.Children, c)
			if i < 0 {
				orphans[c] = true
				continue
			}
			slots[i] = &sb.Children[i]
		}
		if !excludeAll {
			for i := range sb.Children {
				slots[i] = &sb.Children[i]
			}
		}
		nb.Children = nil
		for _, c := range slots {
			if c != nil {
				nb.Children = append(nb.Children, *c)
			}
		}
		nb.EditInfo.PreviousVersion = db.EditInfo.UpdateVersion
	} else {
		if excludeAll {
			nb.Children = nil
		}
		nb.EditInfo.PreviousVersion = sb.EditInfo.PreviousVersion
	}
	nb.EditInfo.UpdateVersion = dst.ID
	nb.EditInfo.EditedBy = user
	nb.EditInfo.EditedOn = now
	// A copy of a copy points at the original.
	nb.EditInfo.SourceVersion = sb.EditInfo.Version()
	nb.EditInfo.PublishedBy = user
	nb.EditInfo.PublishedOn = now
	dst.PutBlock(key, nb)

	if !excludeAll {
		for _, c := range nb.Children {
			copySubdag(src, dst, c, false, user, now, orphans)
		}
	}
}

// deleteIfTrueOrphan removes key and, recursively, descendants left without
// any parent.
func deleteIfTrueOrphan(st *model.Structure, key keys.BlockKey) {
	if key == st.Root {
		return
	}
	b, ok := st.Blocks[key]
	if !ok || len(st.Parents(key)) > 0 {
		return
	}
	st.DeleteBlock(key)
	for _, c := range b.Children {
		deleteIfTrueOrphan(st, c)
	}
}

// removeSubtree deletes root and every descendant whose parents are all
// being deleted too, breadth first.
func removeSubtree(st *model.Structure, root keys.BlockKey) []keys.BlockKey {
	if _, ok := st.Blocks[root]; !ok {
		return nil
	}
	parents := st.ParentMap()
	doomed := map[keys.BlockKey]bool{root: true}
	tier := []keys.BlockKey{root}
	for len(tier) > 0 {
		var next []keys.BlockKey
		for _, k := range tier {
			b, ok := st.Blocks[k]
			if !ok {
				continue
			}
			for _, c := range b.Children {
				if doomed[c] {
					continue
				}
				all := true
				for _, p := range parents[c] {
					if !doomed[p] {
						all = false
						break
					}
				}
				if all {
					doomed[c] = true
					next = append(next, c)
				}
			}
		}
		tier = next
	}
	removed := sortedKeys(doomed)
	for _, k := range removed {
		st.DeleteBlock(k)
	}
	return removed
}

func sortedKeys(set map[keys.BlockKey]bool) []keys.BlockKey {
	out := make([]keys.BlockKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	slices.SortFunc(out, model.CompareBlockKeys)
	return out
}
