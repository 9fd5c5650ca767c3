package split

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"splitstore/keys"
	"splitstore/metrics"
	"splitstore/store"
)

// GCPlan describes what garbage collection would delete.
type GCPlan struct {
	// Structures that no branch head reaches within the kept history.
	StructuresToDelete []keys.VersionID
	// Definitions that no kept structure references.
	DefinitionsToDelete []keys.DefinitionID

	// Counts for summary
	Heads          int
	KeptStructures int
}

// GCOptions configures the garbage collector.
type GCOptions struct {
	// KeepHistory keeps this many predecessors of every branch head.
	KeepHistory int
	// OlderThan only sweeps documents created before now minus OlderThan
	// (0 = no limit). Documents written by a commit that has not swung its
	// course index yet look unreachable, so production runs set a window.
	OlderThan time.Duration
}

// BuildGCPlan computes what garbage collection would delete. It uses a
// mark-and-sweep:
// 1. Collect the head of every branch of every course and library
// 2. Mark each head and up to KeepHistory of its predecessors
// 3. Any structure not marked and old enough is eligible for deletion, as
// is any definition referenced only by deleted structures
func (s *Store) BuildGCPlan(ctx context.Context, opts GCOptions) (_ *GCPlan, err error) {
	ctx, finish := metrics.Start(ctx, "build_gc_plan")
	defer finish(&err)

	plan := &GCPlan{}
	var cutoff time.Time
	if opts.OlderThan > 0 {
		cutoff = s.now().Add(-opts.OlderThan)
	}
	old := func(t time.Time) bool { return cutoff.IsZero() || t.Before(cutoff) }

	// 1. Collect roots
	var heads []keys.VersionID
	for _, library := range []bool{false, true} {
		idxs, err := s.backend.FindCourseIndexes(ctx, store.IndexQuery{Library: library})
		if err != nil {
			return nil, fmt.Errorf("listing course indexes: %w", err)
		}
		for _, idx := range idxs {
			for _, b := range idx.Branches() {
				heads = append(heads, idx.Versions[b])
			}
		}
	}
	plan.Heads = len(heads)

	structures, err := s.backend.ListStructures(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing structures: %w", err)
	}
	headers := make(map[keys.VersionID]store.StructureHeader, len(structures))
	for _, h := range structures {
		headers[h.ID] = h
	}

	// 2. Mark
	marked := map[keys.VersionID]bool{}
	for _, id := range heads {
		for depth := 0; id != "" && depth <= opts.KeepHistory; depth++ {
			marked[id] = true
			h, ok := headers[id]
			if !ok {
				break
			}
			id = h.PreviousVersion
		}
	}

	// 3. Sweep
	var kept []keys.VersionID
	for _, h := range structures {
		if marked[h.ID] || !old(h.CreatedAt) {
			kept = append(kept, h.ID)
			continue
		}
		plan.StructuresToDelete = append(plan.StructuresToDelete, h.ID)
	}
	plan.KeptStructures = len(kept)

	referenced, err := s.referencedDefinitions(ctx, kept)
	if err != nil {
		return nil, err
	}
	definitions, err := s.backend.ListDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing definitions: %w", err)
	}
	for _, d := range definitions {
		if !referenced[d.ID] && old(d.CreatedAt) {
			plan.DefinitionsToDelete = append(plan.DefinitionsToDelete, d.ID)
		}
	}

	slices.Sort(plan.StructuresToDelete)
	slices.Sort(plan.DefinitionsToDelete)
	return plan, nil
}

// referencedDefinitions loads the kept structures and collects the
// definitions their blocks point at.
func (s *Store) referencedDefinitions(ctx context.Context, ids []keys.VersionID) (map[keys.DefinitionID]bool, error) {
	var mu sync.Mutex
	out := map[keys.DefinitionID]bool{}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, id := range ids {
		g.Go(func() error {
			st, err := s.backend.GetStructure(ctx, id)
			if err != nil {
				if isStoreNotFound(err) {
					return nil
				}
				return fmt.Errorf("loading structure %s: %w", id, err)
			}
			mu.Lock()
			defer mu.Unlock()
			for _, b := range st.Blocks {
				if b.Definition != "" {
					out[b.Definition] = true
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RunGC deletes what plan lists. Structures go first so a definition is
// never missing under a surviving structure.
func (s *Store) RunGC(ctx context.Context, plan *GCPlan) (err error) {
	if len(plan.StructuresToDelete) == 0 && len(plan.DefinitionsToDelete) == 0 {
		return nil
	}
	ctx, finish := metrics.Start(ctx, "run_gc")
	defer finish(&err)

	if err := s.backend.DeleteStructures(ctx, plan.StructuresToDelete); err != nil {
		return fmt.Errorf("deleting structures: %w", err)
	}
	if err := s.backend.DeleteDefinitions(ctx, plan.DefinitionsToDelete); err != nil {
		return fmt.Errorf("deleting definitions: %w", err)
	}
	s.log.Info("garbage collected",
		"structures", len(plan.StructuresToDelete),
		"definitions", len(plan.DefinitionsToDelete),
	)
	return nil
}
