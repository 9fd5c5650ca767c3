package split

import (
	"slices"

	"splitstore/keys"
	"splitstore/model"
)

// EventKind names a change notification.
type EventKind string

const (
	CourseUpdated   EventKind = "course_updated"
	CoursePublished EventKind = "course_published"
	LibraryUpdated  EventKind = "library_updated"
	ItemDeleted     EventKind = "item_deleted"
	CourseDeleted   EventKind = "course_deleted"
)

// Event is delivered to subscribers after a commit. Each kind fires at most
// once per commit.
type Event struct {
	Kind   EventKind
	Course keys.CourseKey
	// Items lists the deleted blocks for ItemDeleted.
	Items []keys.UsageKey
	User  string
}

// Subscribe registers fn for every future event and returns a function that
// removes it. fn runs synchronously on the committing goroutine.
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) emit(ev Event) {
	s.subMu.RLock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (s *Store) emitCommit(rec *bulkRecord) {
	changed := rec.changedBranches()
	if rec.key.Library {
		if len(changed) > 0 {
			s.emit(Event{Kind: LibraryUpdated, Course: rec.key, User: rec.user})
		}
	} else {
		if slices.Contains(changed, model.DraftBranch) {
			s.emit(Event{Kind: CourseUpdated, Course: rec.key, User: rec.user})
		}
		if slices.Contains(changed, model.PublishedBranch) {
			s.emit(Event{Kind: CoursePublished, Course: rec.key, User: rec.user})
		}
	}
	if len(rec.deletedItems) > 0 {
		s.emit(Event{Kind: ItemDeleted, Course: rec.key, Items: rec.deletedItems, User: rec.user})
	}
}
