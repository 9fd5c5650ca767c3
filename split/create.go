package split

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"

	"splitstore/cas"
	"splitstore/keys"
	"splitstore/metrics"
	"splitstore/model"
	"splitstore/schema"
	"splitstore/store"
)

// CreateOption customizes CreateItem and CreateChild.
type CreateOption func(*createOptions)

type createOptions struct {
	blockID     string
	position    int
	definition  keys.DefinitionID
	skipPublish bool
}

// WithBlockID names the new block instead of allocating an id.
func WithBlockID(id string) CreateOption {
	return func(o *createOptions) { o.blockID = id }
}

// AtPosition inserts the new block at index i of the parent's children
// instead of appending it.
func AtPosition(i int) CreateOption {
	return func(o *createOptions) { o.position = i }
}

// WithDefinition reuses an existing definition instead of creating one
// from the content fields.
func WithDefinition(id keys.DefinitionID) CreateOption {
	return func(o *createOptions) { o.definition = id }
}

// SkipAutoPublish leaves a direct-only block unpublished.
func SkipAutoPublish() CreateOption {
	return func(o *createOptions) { o.skipPublish = true }
}

// CreateCourse creates a course whose root holds fields. The course root
// is direct-only, so the published branch exists from the start.
func (s *Store) CreateCourse(ctx context.Context, org, course, run, user string, fields map[string]any) (_ *Block, err error) {
	key := keys.NewCourseKey(org, course, run)
	ctx, finish := metrics.Start(ctx, "create_course", attribute.String("course", key.String()))
	defer finish(&err)

	if err := s.createCourselike(ctx, key, user, fields, schema.CourseRootType, schema.CourseRootID); err != nil {
		return nil, err
	}
	s.log.Info("created course", "course", key.String(), "user", user)
	return s.GetCourse(ctx, key.ForBranch(model.DraftBranch), 0)
}

// CreateLibrary creates a library with a single library branch.
func (s *Store) CreateLibrary(ctx context.Context, org, library, user string, fields map[string]any) (_ *Block, err error) {
	key := keys.NewLibraryKey(org, library)
	ctx, finish := metrics.Start(ctx, "create_library", attribute.String("course", key.String()))
	defer finish(&err)

	if err := s.createCourselike(ctx, key, user, fields, schema.LibraryRootType, schema.LibraryRootID); err != nil {
		return nil, err
	}
	s.log.Info("created library", "library", key.String(), "user", user)
	return s.GetCourse(ctx, key.ForBranch(model.LibraryBranch), 0)
}

func (s *Store) createCourselike(ctx context.Context, key keys.CourseKey, user string, fields map[string]any, rootType, rootID string) error {
	for _, part := range []string{key.Org, key.Course, key.Run} {
		if !keys.ValidID(part) {
			return &keys.InvalidKeyError{Kind: "course", Value: key.String(), Reason: fmt.Sprintf("invalid component %q", part)}
		}
	}
	if err := s.checkIdentityFree(ctx, key); err != nil {
		return err
	}
	content, settings, err := s.reg.Partition(rootType, fields)
	if err != nil {
		return err
	}

	return s.BulkOperations(ctx, key, func(ctx context.Context) error {
		rec := recordFor(ctx, key)
		idx, err := s.loadIndex(ctx, rec)
		if err != nil {
			return err
		}
		if idx != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateCourse, key)
		}
		now := s.now()
		rec.deleted = false
		rec.index = &model.CourseIndex{
			Org:           key.Org,
			Course:        key.Course,
			Run:           key.Run,
			Library:       key.Library,
			Versions:      map[string]keys.VersionID{},
			EditedBy:      user,
			EditedOn:      now,
			SchemaVersion: model.CurrentSchemaVersion,
		}
		updateSearchTargets(rec.index, settings)

		defID, err := s.putDefinition(rec, rootType, content, user)
		if err != nil {
			return err
		}
		root := keys.BlockKey{Type: rootType, ID: rootID}
		st := model.NewStructure(newVersionID(), root, user, now)
		st.PutBlock(root, &model.BlockData{
			BlockType:  rootType,
			Definition: defID,
			Fields:     settings,
			EditInfo:   model.EditInfo{EditedBy: user, EditedOn: now, UpdateVersion: st.ID},
		})
		branch := draftBranchOf(key)
		rec.adopt(branch, st, user, now)
		return s.autoPublish(ctx, rec, user, branch, root)
	})
}

// checkIdentityFree fails when a course with the same identity exists,
// ignoring case.
func (s *Store) checkIdentityFree(ctx context.Context, key keys.CourseKey) error {
	id := key.Identity()
	found, err := s.backend.FindCourseIndexes(ctx, store.IndexQuery{Library: key.Library, Identity: &id})
	if err != nil {
		return fmt.Errorf("checking course %s: %w", key, err)
	}
	if len(found) > 0 {
		return fmt.Errorf("%w: %s clashes with %s", ErrDuplicateCourse, key, found[0].Key())
	}
	return nil
}

// CreateItem adds a block to course that no other block lists as a child,
// such as an about page or a static tab.
func (s *Store) CreateItem(ctx context.Context, user string, course keys.CourseKey, blockType string, fields map[string]any, opts ...CreateOption) (*Block, error) {
	return s.create(ctx, user, course, nil, blockType, fields, opts)
}

// CreateChild adds a block under parent, appended to its children unless
// AtPosition says otherwise.
func (s *Store) CreateChild(ctx context.Context, user string, parent keys.UsageKey, blockType string, fields map[string]any, opts ...CreateOption) (*Block, error) {
	pk := parent.BlockKey()
	return s.create(ctx, user, parent.Course, &pk, blockType, fields, opts)
}

func (s *Store) create(ctx context.Context, user string, course keys.CourseKey, parent *keys.BlockKey, blockType string, fields map[string]any, opts []CreateOption) (_ *Block, err error) {
	ctx, finish := metrics.Start(ctx, "create_item", attribute.String("course", course.String()), attribute.String("block_type", blockType))
	defer finish(&err)

	o := createOptions{position: -1}
	for _, opt := range opts {
		opt(&o)
	}
	course = s.withBranch(ctx, course)
	if o.blockID != "" && !keys.ValidBlockID(o.blockID) {
		return nil, &keys.InvalidKeyError{Kind: "block", Value: o.blockID, Reason: "invalid block id"}
	}
	content, settings, err := s.reg.Partition(blockType, fields)
	if err != nil {
		return nil, err
	}

	var created keys.BlockKey
	err = s.write(ctx, course, func(ctx context.Context, rec *bulkRecord) error {
		base, ok, err := s.head(ctx, rec, course.Branch)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(course.VersionAgnostic())
		}
		if parent != nil {
			if _, ok := base.Blocks[*parent]; !ok {
				return notFound(course.MakeUsageKey(parent.Type, parent.ID))
			}
		}
		id := o.blockID
		if id == "" {
			if id, err = s.allocateBlockID(base, blockType, content); err != nil {
				return err
			}
		}
		created = keys.BlockKey{Type: blockType, ID: id}
		if _, exists := base.Blocks[created]; exists {
			return fmt.Errorf("%w: %s in %s", ErrDuplicateItem, created, course)
		}

		defID := o.definition
		if defID != "" {
			if _, err := s.definition(ctx, rec, defID); err != nil {
				return err
			}
		} else if defID, err = s.putDefinition(rec, blockType, content, user); err != nil {
			return err
		}

		st, err := s.fork(ctx, rec, course.Branch, user)
		if err != nil {
			return err
		}
		now := s.now()
		st.PutBlock(created, &model.BlockData{
			BlockType:  blockType,
			Definition: defID,
			Fields:     settings,
			EditInfo:   model.EditInfo{EditedBy: user, EditedOn: now, UpdateVersion: st.ID},
		})
		if parent != nil {
			pb, _ := versionBlock(st, *parent, user, now)
			pos := o.position
			if pos < 0 || pos > len(pb.Children) {
				pos = len(pb.Children)
			}
			pb.Children = slices.Insert(pb.Children, pos, created)
		}

		if o.skipPublish {
			return nil
		}
		if err := s.autoPublish(ctx, rec, user, course.Branch, created); err != nil {
			return err
		}
		if parent != nil && s.reg.IsDirectOnly(blockType) {
			return s.autoPublish(ctx, rec, user, course.Branch, *parent)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetItem(ctx, course.VersionAgnostic().MakeUsageKey(created.Type, created.ID), 0)
}

// CloneCourse creates dest sharing every branch version of source, then
// applies fields to the new course's root.
func (s *Store) CloneCourse(ctx context.Context, user string, source, dest keys.CourseKey, fields map[string]any) (_ *Block, err error) {
	ctx, finish := metrics.Start(ctx, "clone_course", attribute.String("course", dest.String()))
	defer finish(&err)

	srcIdx, _, err := s.courseIndex(ctx, source)
	if err != nil {
		return nil, err
	}
	if err := s.checkIdentityFree(ctx, dest); err != nil {
		return nil, err
	}
	dest = dest.Identity()

	err = s.BulkOperations(ctx, dest, func(ctx context.Context) error {
		rec := recordFor(ctx, dest)
		idx, err := s.loadIndex(ctx, rec)
		if err != nil {
			return err
		}
		if idx != nil {
			return fmt.Errorf("%w: %s", ErrDuplicateCourse, dest)
		}
		now := s.now()
		rec.deleted = false
		rec.index = &model.CourseIndex{
			Org:           dest.Org,
			Course:        dest.Course,
			Run:           dest.Run,
			Library:       dest.Library,
			Versions:      cloneVersions(srcIdx.Versions),
			EditedBy:      user,
			EditedOn:      now,
			SearchTargets: cas.CloneFields(srcIdx.SearchTargets),
			SchemaVersion: model.CurrentSchemaVersion,
		}
		rec.dirty = true
		rec.user = user
		if len(fields) == 0 {
			return nil
		}
		draft, ok, err := s.head(ctx, rec, draftBranchOf(dest))
		if err != nil {
			return err
		}
		if !ok {
			return notFound(dest.ForBranch(draftBranchOf(dest)))
		}
		root := dest.ForBranch(draftBranchOf(dest)).MakeUsageKey(draft.Root.Type, draft.Root.ID)
		_, err = s.UpdateItem(ctx, user, root, FieldChanges{Set: fields})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("cloned course", "source", source.Identity().String(), "dest", dest.String(), "user", user)
	return s.GetCourse(ctx, dest.ForBranch(draftBranchOf(dest)), 0)
}

// DeleteCourse removes the course index. Structures stay behind for
// history and are reclaimed only by RunGC.
func (s *Store) DeleteCourse(ctx context.Context, user string, course keys.CourseKey) (err error) {
	ctx, finish := metrics.Start(ctx, "delete_course", attribute.String("course", course.String()))
	defer finish(&err)

	return s.write(ctx, course.Identity(), func(ctx context.Context, rec *bulkRecord) error {
		rec.deleted = true
		rec.user = user
		return nil
	})
}
