package split

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"splitstore/cas"
	"splitstore/keys"
	"splitstore/model"
	"splitstore/schema"
)

// FieldDiff is one field whose draft value differs from its published one.
type FieldDiff struct {
	Name      string
	Scope     schema.Scope
	Draft     any
	Published any
	// DraftOnly and PublishedOnly mark fields set on one side only.
	DraftOnly     bool
	PublishedOnly bool
	// Text is a line diff, set when both values are strings.
	Text []DiffLine
}

// DiffOp marks a DiffLine.
type DiffOp byte

const (
	DiffEqual  DiffOp = ' '
	DiffDelete DiffOp = '-'
	DiffInsert DiffOp = '+'
)

// DiffLine is one line of a text diff.
type DiffLine struct {
	Op   DiffOp
	Text string
}

// String renders the line in unified diff form.
func (l DiffLine) String() string { return string(l.Op) + l.Text }

// DiffFields compares the draft and published versions of the block at key,
// field by field. Children are compared as a settings field named
// "children". A block that was never published diffs against nothing.
func (s *Store) DiffFields(ctx context.Context, key keys.UsageKey) ([]FieldDiff, error) {
	if key.Course.Library {
		return nil, fmt.Errorf("%w: libraries have no published branch", ErrInvalidOperation)
	}
	draft, err := s.lookup(ctx, key.Course.ForBranch(model.DraftBranch))
	if err != nil {
		return nil, err
	}
	db, ok := draft.findBlock(key.BlockKey())
	if !ok {
		return nil, notFound(key)
	}
	pb := &model.BlockData{BlockType: key.BlockType}
	published, err := s.lookup(ctx, key.Course.ForBranch(model.PublishedBranch))
	switch {
	case err == nil:
		if b, ok := published.findBlock(key.BlockKey()); ok {
			pb = b
		}
	case !isNotFound(err):
		return nil, err
	}

	dContent, err := s.contentOf(ctx, draft.rec, db)
	if err != nil {
		return nil, err
	}
	pContent := map[string]any{}
	if pb.Definition != "" && pb.Definition != db.Definition {
		if pContent, err = s.contentOf(ctx, nil, pb); err != nil {
			return nil, err
		}
	} else if pb.Definition == db.Definition {
		pContent = dContent
	}

	out := diffMaps(schema.ScopeContent, dContent, pContent)
	out = append(out, diffMaps(schema.ScopeSettings, withChildren(db), withChildren(pb))...)
	return out, nil
}

func withChildren(b *model.BlockData) map[string]any {
	m := maps.Clone(b.Fields)
	if m == nil {
		m = map[string]any{}
	}
	if len(b.Children) > 0 {
		children := make([]any, len(b.Children))
		for i, c := range b.Children {
			children[i] = c.String()
		}
		m[schema.ChildrenField] = children
	}
	return m
}

func diffMaps(scope schema.Scope, draft, published map[string]any) []FieldDiff {
	names := map[string]struct{}{}
	for n := range draft {
		names[n] = struct{}{}
	}
	for n := range published {
		names[n] = struct{}{}
	}
	var out []FieldDiff
	for _, name := range slices.Sorted(maps.Keys(names)) {
		dv, inDraft := draft[name]
		pv, inPub := published[name]
		if inDraft && inPub && cas.Equal(dv, pv) {
			continue
		}
		fd := FieldDiff{
			Name:          name,
			Scope:         scope,
			Draft:         dv,
			Published:     pv,
			DraftOnly:     !inPub,
			PublishedOnly: !inDraft,
		}
		ds, dok := dv.(string)
		ps, pok := pv.(string)
		if (dok || !inDraft) && (pok || !inPub) {
			fd.Text = TextDiff(ps, ds)
		}
		out = append(out, fd)
	}
	return out
}

// TextDiff returns the line diff turning before into after.
func TextDiff(before, after string) []DiffLine {
	dmp := diffmatchpatch.New()
	chars1, chars2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(chars1, chars2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var out []DiffLine
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		op := DiffEqual
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = DiffDelete
		case diffmatchpatch.DiffInsert:
			op = DiffInsert
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			out = append(out, DiffLine{Op: op, Text: line})
		}
	}
	return out
}
