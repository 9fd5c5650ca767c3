package split

import (
	"context"

	"splitstore/keys"
	"splitstore/model"
)

// BranchSetting selects the branch that keys without an explicit branch
// resolve against.
type BranchSetting int

const (
	// DraftPreferred reads and writes the draft branch.
	DraftPreferred BranchSetting = iota
	// PublishedOnly reads the published branch.
	PublishedOnly
)

func (b BranchSetting) String() string {
	if b == PublishedOnly {
		return "published-only"
	}
	return "draft-preferred"
}

type branchCtxKey struct{}

type branchScope struct {
	setting BranchSetting
	courses map[keys.CourseKey]bool
	outer   *branchScope
}

// WithBranchSetting returns a context under which keys without a branch
// resolve per setting. With no courses the setting applies to every course;
// otherwise only to the listed ones, and other courses fall through to the
// enclosing setting.
func WithBranchSetting(ctx context.Context, setting BranchSetting, courses ...keys.CourseKey) context.Context {
	scope := &branchScope{setting: setting}
	if len(courses) > 0 {
		scope.courses = make(map[keys.CourseKey]bool, len(courses))
		for _, c := range courses {
			scope.courses[c.Identity()] = true
		}
	}
	scope.outer, _ = ctx.Value(branchCtxKey{}).(*branchScope)
	return context.WithValue(ctx, branchCtxKey{}, scope)
}

// BranchSettingFor reports the setting in effect for key.
func (s *Store) BranchSettingFor(ctx context.Context, key keys.CourseKey) BranchSetting {
	id := key.Identity()
	for scope, _ := ctx.Value(branchCtxKey{}).(*branchScope); scope != nil; scope = scope.outer {
		if scope.courses == nil || scope.courses[id] {
			return scope.setting
		}
	}
	return s.branch
}

// branchFor returns the branch key resolves against.
func (s *Store) branchFor(ctx context.Context, key keys.CourseKey) string {
	if key.Branch != "" {
		return key.Branch
	}
	if key.Library {
		return model.LibraryBranch
	}
	if s.BranchSettingFor(ctx, key) == PublishedOnly {
		return model.PublishedBranch
	}
	return model.DraftBranch
}

// withBranch returns key pinned to the branch it resolves against.
func (s *Store) withBranch(ctx context.Context, key keys.CourseKey) keys.CourseKey {
	if !key.HasIdentity() {
		return key
	}
	branch := s.branchFor(ctx, key)
	v := key.Version
	key = key.ForBranch(branch)
	key.Version = v
	return key
}

func draftBranchOf(key keys.CourseKey) string {
	if key.Library {
		return model.LibraryBranch
	}
	return model.DraftBranch
}

func publishedBranchOf(key keys.CourseKey) string {
	if key.Library {
		return model.LibraryBranch
	}
	return model.PublishedBranch
}
