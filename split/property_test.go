package split

import (
	"context"
	"fmt"
	"testing"

	"pgregory.net/rapid"

	"splitstore/keys"
	"splitstore/model"
)

// childType is the type created under each container type.
var childType = map[string]string{
	"course":     "chapter",
	"chapter":    "sequential",
	"sequential": "vertical",
	"vertical":   "html",
}

// TestRandomEditsKeepBranchesConsistent applies random creates, deletes
// and publishes and checks after each step that neither branch holds
// orphans, and that publishing the root leaves nothing unpublished.
func TestRandomEditsKeepBranchesConsistent(t *testing.T) {
	s := newTestStore(t)
	run := 0

	rapid.Check(t, func(rt *rapid.T) {
		ctx := t.Context()
		run++
		root, err := s.CreateCourse(ctx, "Prop", "X", fmt.Sprintf("r%d", run), "alice", nil)
		if err != nil {
			rt.Fatalf("CreateCourse failed: %v", err)
		}
		course := root.Location.Course.VersionAgnostic()
		live := []keys.UsageKey{root.Location.VersionAgnostic()}

		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			target := rapid.SampledFrom(live).Draw(rt, "target")
			switch op := rapid.IntRange(0, 2).Draw(rt, "op"); op {
			case 0:
				ct, ok := childType[target.BlockType]
				if !ok {
					continue
				}
				b, err := s.CreateChild(ctx, "alice", target, ct, nil)
				if err != nil {
					rt.Fatalf("CreateChild failed: %v", err)
				}
				live = append(live, b.Location.VersionAgnostic())
			case 1:
				if target.BlockType == "course" {
					continue
				}
				if err := s.DeleteItem(ctx, "alice", target); err != nil {
					rt.Fatalf("DeleteItem %s failed: %v", target, err)
				}
				live = stillPresent(ctx, rt, s, live)
			case 2:
				if _, err := s.Publish(ctx, "alice", target); err != nil && !isNotFound(err) {
					rt.Fatalf("Publish %s failed: %v", target, err)
				}
			}

			for _, branch := range []string{model.DraftBranch, model.PublishedBranch} {
				orphans, err := s.GetOrphans(ctx, course.ForBranch(branch))
				if err != nil {
					rt.Fatalf("GetOrphans failed: %v", err)
				}
				if len(orphans) != 0 {
					rt.Fatalf("step %d left orphans in %s: %v", i, branch, orphans)
				}
			}
		}

		if _, err := s.Publish(ctx, "alice", root.Location.VersionAgnostic()); err != nil {
			rt.Fatalf("publishing the root failed: %v", err)
		}
		if changed, err := s.HasChanges(ctx, root.Location.VersionAgnostic()); err != nil || changed {
			rt.Fatalf("course has changes right after publishing its root: %v, %v", changed, err)
		}
		for _, k := range live {
			if ok, _ := s.HasItem(ctx, k.ForBranch(model.PublishedBranch)); !ok {
				rt.Fatalf("%s not published", k)
			}
		}
	})
}

func stillPresent(ctx context.Context, rt *rapid.T, s *Store, live []keys.UsageKey) []keys.UsageKey {
	var out []keys.UsageKey
	for _, k := range live {
		ok, err := s.HasItem(ctx, k)
		if err != nil {
			rt.Fatalf("HasItem failed: %v", err)
		}
		if ok {
			out = append(out, k)
		}
	}
	return out
}
