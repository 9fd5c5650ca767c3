// Package badgerstore provides an embedded key-value backend on BadgerDB.
//
// Key layout:
//
//	s/<id>                structure document (codec framed)
//	sh/<id>               structure header JSON (previous, created)
//	d/<id>                definition document
//	i/<kind>/<org>/<course>/<run>   course index JSON
//	h/<course>/<seq>      index history entry
package badgerstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"splitstore/cas"
	"splitstore/codec"
	"splitstore/keys"
	"splitstore/logging"
	"splitstore/model"
	"splitstore/store"
)

// Config holds configuration for a Badger-backed store.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory.
	Path string

	// InMemory keeps everything in RAM. Useful for tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *logging.Logger

	// GCInterval is how often value-log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable fraction before a rewrite.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DB is a store.Backend over BadgerDB.
type DB struct {
	db   *badger.DB
	stop chan struct{}
	done chan struct{}
	log  *logging.Logger
}

var _ store.Backend = (*DB)(nil)

// Open opens or creates a database.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(logging.Printf{L: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	db := &DB{db: bdb, log: log}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		db.stop = make(chan struct{})
		db.done = make(chan struct{})
		go db.gcLoop(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return db, nil
}

func (db *DB) gcLoop(every time.Duration, ratio float64) {
	defer close(db.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-db.stop:
			return
		case <-ticker.C:
			for {
				err := db.db.RunValueLogGC(ratio)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						db.log.Warn("value log gc failed", "error", err)
					}
					break
				}
			}
		}
	}
}

// Close stops background GC and closes the database.
func (db *DB) Close() error {
	if db.stop != nil {
		close(db.stop)
		<-db.done
	}
	return db.db.Close()
}

func structureKey(id keys.VersionID) []byte     { return []byte("s/" + string(id)) }
func headerKey(id keys.VersionID) []byte        { return []byte("sh/" + string(id)) }
func definitionKey(id keys.DefinitionID) []byte { return []byte("d/" + string(id)) }

func indexKind(k keys.CourseKey) string {
	if k.Library {
		return "library"
	}
	return "course"
}

func indexKey(k keys.CourseKey) []byte {
	return []byte("i/" + indexKind(k) + "/" + k.Org + "/" + k.Course + "/" + k.Run)
}

func historyPrefix(k keys.CourseKey) []byte {
	return []byte("h/" + k.Identity().String() + "/")
}

type structureHeader struct {
	Previous keys.VersionID `json:"previous,omitempty"`
	Created  int64          `json:"created"`
}

type definitionHeader struct {
	Created int64 `json:"created"`
}

func notFound(what string, err error) error {
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("reading %s: %w", what, err)
}

// ----- Structures -----

// GetStructure loads and verifies a structure document.
func (db *DB) GetStructure(ctx context.Context, id keys.VersionID) (*model.Structure, error) {
	var doc []byte
	err := db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(structureKey(id))
		if err != nil {
			return err
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, notFound("structure "+string(id), err)
	}
	return codec.DecodeStructure(doc)
}

// InsertStructure stores s unless its id already exists.
func (db *DB) InsertStructure(ctx context.Context, s *model.Structure) error {
	doc, err := codec.EncodeStructure(s)
	if err != nil {
		return err
	}
	hdr, err := json.Marshal(structureHeader{Previous: s.PreviousVersion, Created: s.EditedOn.UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshaling structure header: %w", err)
	}
	err = db.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(structureKey(s.ID)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(structureKey(s.ID), doc); err != nil {
			return err
		}
		return txn.Set(headerKey(s.ID), hdr)
	})
	if err != nil {
		return fmt.Errorf("inserting structure: %w", err)
	}
	return nil
}

// ListStructures returns a header per stored structure.
func (db *DB) ListStructures(ctx context.Context) ([]store.StructureHeader, error) {
	var out []store.StructureHeader
	err := db.scan([]byte("sh/"), func(key, val []byte) error {
		var h structureHeader
		if err := json.Unmarshal(val, &h); err != nil {
			return fmt.Errorf("parsing structure header: %w", err)
		}
		out = append(out, store.StructureHeader{
			ID:              keys.VersionID(strings.TrimPrefix(string(key), "sh/")),
			PreviousVersion: h.Previous,
			CreatedAt:       time.UnixMilli(h.Created).UTC(),
		})
		return nil
	})
	return out, err
}

// DeleteStructures removes structures and their headers.
func (db *DB) DeleteStructures(ctx context.Context, ids []keys.VersionID) error {
	wb := db.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Delete(structureKey(id)); err != nil {
			return fmt.Errorf("deleting structure: %w", err)
		}
		if err := wb.Delete(headerKey(id)); err != nil {
			return fmt.Errorf("deleting structure header: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("deleting structures: %w", err)
	}
	return nil
}

// ----- Definitions -----

// GetDefinition loads one definition.
func (db *DB) GetDefinition(ctx context.Context, id keys.DefinitionID) (*model.Definition, error) {
	var doc []byte
	err := db.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(definitionKey(id))
		if err != nil {
			return err
		}
		doc, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, notFound("definition "+string(id), err)
	}
	return codec.DecodeDefinition(doc)
}

// GetDefinitions loads every existing definition among ids in one view.
func (db *DB) GetDefinitions(ctx context.Context, ids []keys.DefinitionID) (map[keys.DefinitionID]*model.Definition, error) {
	out := make(map[keys.DefinitionID]*model.Definition, len(ids))
	err := db.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			item, err := txn.Get(definitionKey(id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			doc, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			d, err := codec.DecodeDefinition(doc)
			if err != nil {
				return err
			}
			out[id] = d
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading definitions: %w", err)
	}
	return out, nil
}

// InsertDefinition stores d unless its id already exists.
func (db *DB) InsertDefinition(ctx context.Context, d *model.Definition) error {
	doc, err := codec.EncodeDefinition(d)
	if err != nil {
		return err
	}
	hdr, err := json.Marshal(definitionHeader{Created: d.EditedOn.UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshaling definition header: %w", err)
	}
	err = db.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(definitionKey(d.ID)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(definitionKey(d.ID), doc); err != nil {
			return err
		}
		return txn.Set([]byte("dh/"+string(d.ID)), hdr)
	})
	if errors.Is(err, badger.ErrConflict) {
		// a concurrent writer stored the same content-addressed document
		return nil
	}
	if err != nil {
		return fmt.Errorf("inserting definition: %w", err)
	}
	return nil
}

// ListDefinitions returns a header per stored definition.
func (db *DB) ListDefinitions(ctx context.Context) ([]store.DefinitionHeader, error) {
	var out []store.DefinitionHeader
	err := db.scan([]byte("dh/"), func(key, val []byte) error {
		var h definitionHeader
		if err := json.Unmarshal(val, &h); err != nil {
			return fmt.Errorf("parsing definition header: %w", err)
		}
		out = append(out, store.DefinitionHeader{
			ID:        keys.DefinitionID(strings.TrimPrefix(string(key), "dh/")),
			CreatedAt: time.UnixMilli(h.Created).UTC(),
		})
		return nil
	})
	return out, err
}

// DeleteDefinitions removes definitions and their headers.
func (db *DB) DeleteDefinitions(ctx context.Context, ids []keys.DefinitionID) error {
	wb := db.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Delete(definitionKey(id)); err != nil {
			return fmt.Errorf("deleting definition: %w", err)
		}
		if err := wb.Delete([]byte("dh/" + string(id))); err != nil {
			return fmt.Errorf("deleting definition header: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("deleting definitions: %w", err)
	}
	return nil
}

func (db *DB) scan(prefix []byte, fn func(key, val []byte) error) error {
	return db.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := item.KeyCopy(nil)
			err := item.Value(func(val []byte) error {
				return fn(key, val)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ----- Course index -----

// GetCourseIndex loads the index stored under key's identity.
func (db *DB) GetCourseIndex(ctx context.Context, key keys.CourseKey) (*model.CourseIndex, error) {
	var idx *model.CourseIndex
	err := db.db.View(func(txn *badger.Txn) error {
		var err error
		idx, err = readIndex(txn, key)
		return err
	})
	if err != nil {
		return nil, notFound("course index "+key.Identity().String(), err)
	}
	return idx, nil
}

func readIndex(txn *badger.Txn, key keys.CourseKey) (*model.CourseIndex, error) {
	item, err := txn.Get(indexKey(key))
	if err != nil {
		return nil, err
	}
	var idx model.CourseIndex
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &idx)
	})
	if err != nil {
		return nil, err
	}
	if idx.Versions == nil {
		idx.Versions = map[string]keys.VersionID{}
	}
	return &idx, nil
}

// FindCourseIndexes returns every index matching q.
func (db *DB) FindCourseIndexes(ctx context.Context, q store.IndexQuery) ([]*model.CourseIndex, error) {
	kind := "course"
	if q.Library {
		kind = "library"
	}
	var want string
	if q.Identity != nil {
		want = strings.ToLower(string(indexKey(*q.Identity)))
	}
	var out []*model.CourseIndex
	err := db.scan([]byte("i/"+kind+"/"), func(key, val []byte) error {
		if want != "" && strings.ToLower(string(key)) != want {
			return nil
		}
		var idx model.CourseIndex
		if err := json.Unmarshal(val, &idx); err != nil {
			return fmt.Errorf("parsing course index: %w", err)
		}
		if q.Org != "" && idx.Org != q.Org {
			return nil
		}
		if q.Branch != "" {
			if _, ok := idx.Versions[q.Branch]; !ok {
				return nil
			}
		}
		if !q.MatchesTargets(&idx) {
			return nil
		}
		out = append(out, &idx)
		return nil
	})
	return out, err
}

// InsertCourseIndex creates the index with token 1.
func (db *DB) InsertCourseIndex(ctx context.Context, idx *model.CourseIndex) error {
	stored := idx.Clone()
	stored.LastUpdate = 1
	err := db.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(indexKey(idx.Key())); err == nil {
			return store.ErrDuplicate
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return writeIndex(txn, stored)
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			err = store.ErrDuplicate
		}
		return fmt.Errorf("course index %s: %w", idx.Key(), err)
	}
	idx.LastUpdate = stored.LastUpdate
	return nil
}

// UpdateCourseIndex swings the index only if its token is still expected.
// Badger's optimistic transactions also reject a commit whose read set was
// modified concurrently.
func (db *DB) UpdateCourseIndex(ctx context.Context, idx *model.CourseIndex, expected int64) error {
	stored := idx.Clone()
	stored.LastUpdate = expected + 1
	err := db.db.Update(func(txn *badger.Txn) error {
		current, err := readIndex(txn, idx.Key())
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		if current.LastUpdate != expected {
			return store.ErrConflict
		}
		return writeIndex(txn, stored)
	})
	if errors.Is(err, badger.ErrConflict) {
		err = store.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("course index %s: %w", idx.Key(), err)
	}
	idx.LastUpdate = stored.LastUpdate
	return nil
}

// DeleteCourseIndex removes the index. Structures stay behind for GC.
func (db *DB) DeleteCourseIndex(ctx context.Context, key keys.CourseKey) error {
	err := db.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(indexKey(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		if err := txn.Delete(indexKey(key)); err != nil {
			return err
		}
		k := key.Identity()
		tomb := &model.CourseIndex{Org: k.Org, Course: k.Course, Run: k.Run, Library: k.Library, EditedOn: cas.Now()}
		return appendHistory(txn, tomb)
	})
	if err != nil {
		return fmt.Errorf("course index %s: %w", key.Identity(), err)
	}
	return nil
}

func writeIndex(txn *badger.Txn, idx *model.CourseIndex) error {
	b, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("marshaling course index: %w", err)
	}
	if err := txn.Set(indexKey(idx.Key()), b); err != nil {
		return err
	}
	return appendHistory(txn, idx)
}

// appendHistory chains an entry under h/<course>/<seq>. seq is the
// big-endian nanosecond timestamp so iteration order is chronological.
func appendHistory(txn *badger.Txn, idx *model.CourseIndex) error {
	k := idx.Key()
	prefix := historyPrefix(k)

	var parent string
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	it := txn.NewIterator(opts)
	seek := append(append([]byte{}, prefix...), 0xff)
	it.Seek(seek)
	if it.ValidForPrefix(prefix) {
		err := it.Item().Value(func(val []byte) error {
			var c store.IndexChange
			if err := json.Unmarshal(val, &c); err != nil {
				return err
			}
			parent = c.ID
			return nil
		})
		if err != nil {
			it.Close()
			return err
		}
	}
	it.Close()

	entry := store.IndexChange{
		Parent:   parent,
		Time:     idx.EditedOn.UnixMilli(),
		Actor:    idx.EditedBy,
		Course:   k.String(),
		Token:    idx.LastUpdate,
		Versions: idx.Versions,
	}
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}
	entry.ID = cas.Blake3HashHex(entryJSON)
	stored, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling history entry: %w", err)
	}

	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, uint64(time.Now().UnixNano()))
	return txn.Set(append(append([]byte{}, prefix...), seq...), stored)
}

// IndexHistory returns the most recent index swings for key, newest first.
func (db *DB) IndexHistory(ctx context.Context, key keys.CourseKey, limit int) ([]store.IndexChange, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := historyPrefix(key)
	var out []store.IndexChange
	err := db.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var c store.IndexChange
				if err := json.Unmarshal(val, &c); err != nil {
					return err
				}
				out = append(out, c)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading index history: %w", err)
	}
	return out, nil
}
