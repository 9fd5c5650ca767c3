package split

import (
	"context"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"splitstore/cas"
	"splitstore/keys"
	"splitstore/metrics"
	"splitstore/model"
)

type templateSource struct {
	course    keys.CourseKey
	structure *model.Structure
	key       keys.BlockKey
}

// CopyFromTemplate makes copies of the blocks at sources, with their
// descendants, the children of dest, replacing dest's previous children.
// Copies get ids derived from the source course, the source block and the
// new parent, so repeating the copy into the same dest reuses the same ids
// and keeps settings set on the copies. Source settings become the copies'
// defaults.
func (s *Store) CopyFromTemplate(ctx context.Context, user string, sources []keys.UsageKey, dest keys.UsageKey) (_ []keys.UsageKey, err error) {
	ctx, finish := metrics.Start(ctx, "copy_from_template", attribute.String("usage_key", dest.String()))
	defer finish(&err)

	dest.Course = s.withBranch(ctx, dest.Course)
	views := map[keys.CourseKey]*courseView{}
	resolve := func(k keys.UsageKey) (templateSource, error) {
		course := k.Course
		if course.Branch == "" {
			if !course.Library && course.HasIdentity() {
				return templateSource{}, fmt.Errorf("%w: source %s needs a branch", ErrInsufficientSpecification, k)
			}
			course = s.withBranch(ctx, course)
		}
		v, ok := views[course]
		if !ok {
			var err error
			if v, err = s.lookup(ctx, course); err != nil {
				return templateSource{}, err
			}
			views[course] = v
		}
		if _, ok := v.findBlock(k.BlockKey()); !ok {
			return templateSource{}, notFound(k)
		}
		return templateSource{course: course, structure: v.structure, key: k.BlockKey()}, nil
	}
	srcs := make([]templateSource, 0, len(sources))
	for _, k := range sources {
		src, err := resolve(k)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, src)
	}

	bk := dest.BlockKey()
	branch := dest.Course.Branch
	var children []keys.BlockKey
	err = s.write(ctx, dest.Course, func(ctx context.Context, rec *bulkRecord) error {
		st, err := s.fork(ctx, rec, branch, user)
		if err != nil {
			return err
		}
		if _, ok := st.Blocks[bk]; !ok {
			return notFound(dest.VersionAgnostic())
		}
		now := s.now()
		before := map[keys.BlockKey]bool{}
		for _, k := range st.Descendants(bk)[1:] {
			before[k] = true
		}
		after := map[keys.BlockKey]bool{}
		copyTemplate(st, srcs, bk, user, now, after)
		versionBlock(st, bk, user, now)
		for k := range before {
			if !after[k] {
				st.DeleteBlock(k)
			}
		}
		children = st.Blocks[bk].Children

		if branch != model.DraftBranch {
			return nil
		}
		pending := append([]keys.BlockKey(nil), children...)
		for len(pending) > 0 {
			k := pending[len(pending)-1]
			pending = pending[:len(pending)-1]
			if !s.reg.IsDirectOnly(k.Type) {
				continue
			}
			if err := s.autoPublish(ctx, rec, user, branch, k); err != nil {
				return err
			}
			pending = append(pending, st.Blocks[k].Children...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]keys.UsageKey, 0, len(children))
	for _, c := range children {
		out = append(out, dest.Course.VersionAgnostic().MakeUsageKey(c.Type, c.ID))
	}
	return out, nil
}

func copyTemplate(st *model.Structure, srcs []templateSource, parent keys.BlockKey, user string, now time.Time, copied map[keys.BlockKey]bool) {
	var children []keys.BlockKey
	for _, src := range srcs {
		sb := src.structure.Blocks[src.key]
		nk := keys.BlockKey{
			Type: src.key.Type,
			ID:   cas.DeriveKeyHex(src.course.Identity().String(), src.key.Type, src.key.ID, parent.ID),
		}

		nb := sb.Clone()
		nb.Defaults = cas.CloneFields(sb.Fields)
		// Problem markdown would shadow the copied content.
		if nk.Type == "problem" {
			delete(nb.Defaults, "markdown")
		}
		delete(nb.Defaults, "children")
		nb.Fields = map[string]any{}
		var info model.EditInfo
		if existing, ok := st.Blocks[nk]; ok {
			nb.Fields = maps.Clone(existing.Fields)
			info = existing.EditInfo
		}
		info.PreviousVersion = info.UpdateVersion
		info.UpdateVersion = st.ID
		info.SourceVersion = ""
		info.EditedBy = user
		info.EditedOn = now
		info.OriginalUsage = src.course.Identity().MakeUsageKey(src.key.Type, src.key.ID).String()
		info.OriginalUsageVersion = sb.EditInfo.UpdateVersion
		nb.EditInfo = info
		nb.Children = nil
		st.PutBlock(nk, nb)

		if len(sb.Children) > 0 {
			childSrcs := make([]templateSource, 0, len(sb.Children))
			for _, c := range sb.Children {
				if _, ok := src.structure.Blocks[c]; ok {
					childSrcs = append(childSrcs, templateSource{course: src.course, structure: src.structure, key: c})
				}
			}
			copyTemplate(st, childSrcs, nk, user, now, copied)
		}
		copied[nk] = true
		children = append(children, nk)
	}
	pb, _ := st.MutableBlock(parent)
	pb.Children = children
}
