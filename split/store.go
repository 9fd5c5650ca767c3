// Package split is the versioned course-content engine. Every edit produces
// a new immutable structure and moves a branch pointer in the course index
// by compare-and-swap; draft and published branches are reconciled by
// copying subtrees between their structures.
package split

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"splitstore/cache"
	"splitstore/cas"
	"splitstore/inherit"
	"splitstore/keys"
	"splitstore/logging"
	"splitstore/model"
	"splitstore/schema"
	"splitstore/store"
)

// Options configures a Store. Zero values pick defaults.
type Options struct {
	// Registry describes block types. Defaults to schema.Default().
	Registry *schema.Registry
	Logger   *logging.Logger
	// MaxRetries bounds how often a write is re-applied after losing the
	// course index compare-and-swap.
	MaxRetries int
	// StructureCacheBytes bounds the in-process structure cache.
	StructureCacheBytes int64
	// DefinitionCacheItems bounds the in-process definition cache.
	DefinitionCacheItems int64
	// InheritanceCacheTrees bounds the inheritance tree cache.
	InheritanceCacheTrees int64
	// Remote is an optional shared structure cache.
	Remote cache.Remote
	// BranchSetting applies to keys without a branch when the context
	// carries no setting of its own.
	BranchSetting BranchSetting
	// Clock overrides cas.Now, for tests.
	Clock func() time.Time
}

// DefaultMaxRetries is used when Options.MaxRetries is zero.
const DefaultMaxRetries = 3

// Store is the engine handle. It is safe for concurrent use; the only
// shared mutable state lives behind the backend's course index.
type Store struct {
	backend     store.Backend
	reg         *schema.Registry
	log         *logging.Logger
	structures  *cache.Structures
	definitions *cache.Definitions
	inheritance *inherit.Cache
	maxRetries  int
	branch      BranchSetting
	clock       func() time.Time

	subMu  sync.RWMutex
	subs   map[int]func(Event)
	nextID int
}

// New builds a Store over backend. The caller keeps ownership of backend.
func New(backend store.Backend, opts Options) (*Store, error) {
	if opts.Registry == nil {
		opts.Registry = schema.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.StructureCacheBytes <= 0 {
		opts.StructureCacheBytes = 64 << 20
	}
	if opts.DefinitionCacheItems <= 0 {
		opts.DefinitionCacheItems = 10000
	}
	if opts.InheritanceCacheTrees <= 0 {
		opts.InheritanceCacheTrees = 256
	}
	if opts.Clock == nil {
		opts.Clock = cas.Now
	}

	structures, err := cache.NewStructures(opts.StructureCacheBytes, opts.Remote, opts.Logger)
	if err != nil {
		return nil, err
	}
	definitions, err := cache.NewDefinitions(opts.DefinitionCacheItems)
	if err != nil {
		structures.Close()
		return nil, err
	}
	inheritance, err := inherit.NewCache(opts.Registry, opts.InheritanceCacheTrees)
	if err != nil {
		structures.Close()
		definitions.Close()
		return nil, err
	}

	return &Store{
		backend:     backend,
		reg:         opts.Registry,
		log:         opts.Logger,
		structures:  structures,
		definitions: definitions,
		inheritance: inheritance,
		maxRetries:  opts.MaxRetries,
		branch:      opts.BranchSetting,
		clock:       opts.Clock,
		subs:        map[int]func(Event){},
	}, nil
}

// Close releases the caches. It does not close the backend.
func (s *Store) Close() error {
	s.structures.Close()
	s.definitions.Close()
	s.inheritance.Close()
	return nil
}

// Registry returns the block type registry the store was built with.
func (s *Store) Registry() *schema.Registry { return s.reg }

// Backend returns the underlying storage backend.
func (s *Store) Backend() store.Backend { return s.backend }

func (s *Store) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

func newVersionID() keys.VersionID {
	return keys.VersionID(strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", ""))
}

// structure returns the structure with id, preferring an in-progress fork
// of rec.
func (s *Store) structure(ctx context.Context, rec *bulkRecord, id keys.VersionID) (*model.Structure, error) {
	if rec != nil {
		if st, ok := rec.structures[id]; ok {
			return st, nil
		}
	}
	st, err := s.structures.Get(ctx, id, func(ctx context.Context) (*model.Structure, error) {
		return s.backend.GetStructure(ctx, id)
	})
	if err != nil {
		if isStoreNotFound(err) {
			return nil, notFound(keys.CourseKey{Version: id})
		}
		return nil, fmt.Errorf("loading structure %s: %w", id, err)
	}
	return st, nil
}

// definition returns the definition with id, preferring one buffered in rec.
func (s *Store) definition(ctx context.Context, rec *bulkRecord, id keys.DefinitionID) (*model.Definition, error) {
	if rec != nil {
		if d, ok := rec.definitions[id]; ok {
			return d, nil
		}
	}
	d, err := s.definitions.Get(ctx, id, func(ctx context.Context) (*model.Definition, error) {
		return s.backend.GetDefinition(ctx, id)
	})
	if err != nil {
		if isStoreNotFound(err) {
			return nil, notFound(keys.DefinitionKey{ID: id})
		}
		return nil, fmt.Errorf("loading definition %s: %w", id, err)
	}
	return d, nil
}

// sortedBranches returns the branch names of versions in a stable order.
func sortedBranches(versions map[string]keys.VersionID) []string {
	out := make([]string, 0, len(versions))
	for b := range versions {
		out = append(out, b)
	}
	slices.Sort(out)
	return out
}
