// Package cache keeps decoded structures and definitions in memory.
// Entries are keyed by immutable ids, so nothing is ever invalidated; the
// caches only evict. Concurrent misses for the same id share one load.
package cache

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"

	"splitstore/codec"
	"splitstore/keys"
	"splitstore/logging"
	"splitstore/metrics"
	"splitstore/model"
)

// Remote is a shared second-level cache holding codec-encoded documents.
type Remote interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
}

// blockCost approximates the memory held by one decoded block.
const blockCost = 512

// Structures caches structures by version id.
type Structures struct {
	local  *ristretto.Cache[string, *model.Structure]
	remote Remote
	group  singleflight.Group
	log    *logging.Logger
}

// NewStructures builds a structure cache bounded to roughly maxBytes of
// decoded blocks. remote may be nil.
func NewStructures(maxBytes int64, remote Remote, log *logging.Logger) (*Structures, error) {
	if log == nil {
		log = logging.Nop()
	}
	local, err := ristretto.NewCache(&ristretto.Config[string, *model.Structure]{
		NumCounters: max(maxBytes/blockCost*10, 1000),
		MaxCost:     maxBytes,
		BufferItems: 64,
		Cost: func(s *model.Structure) int64 {
			return int64(len(s.Blocks)+1) * blockCost
		},
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating structure cache: %w", err)
	}
	return &Structures{local: local, remote: remote, log: log}, nil
}

// Get returns the structure with id, calling load on a miss of both cache
// levels. Only frozen structures are cached.
func (c *Structures) Get(ctx context.Context, id keys.VersionID, load func(context.Context) (*model.Structure, error)) (*model.Structure, error) {
	key := string(id)
	if s, ok := c.local.Get(key); ok {
		metrics.CacheHit("structures", "hit")
		return s, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if c.remote != nil {
			if data, ok, err := c.remote.Get(ctx, key); err != nil {
				c.log.Warn("remote structure cache read failed", "version", key, "error", err)
			} else if ok {
				s, err := codec.DecodeStructure(data)
				if err == nil {
					metrics.CacheHit("structures", "remote_hit")
					c.local.Set(key, s, 0)
					return s, nil
				}
				c.log.Warn("discarding undecodable remote structure", "version", key, "error", err)
			}
		}

		metrics.CacheHit("structures", "miss")
		s, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.add(ctx, s, c.remote != nil)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Structure), nil
}

// Add seeds the cache with a structure that was just persisted.
func (c *Structures) Add(ctx context.Context, s *model.Structure) {
	c.add(ctx, s, c.remote != nil)
}

func (c *Structures) add(ctx context.Context, s *model.Structure, toRemote bool) {
	if !s.Frozen() {
		return
	}
	c.local.Set(string(s.ID), s, 0)
	if !toRemote {
		return
	}
	data, err := codec.EncodeStructure(s)
	if err != nil {
		c.log.Warn("encoding structure for remote cache failed", "version", s.ID, "error", err)
		return
	}
	if err := c.remote.Set(ctx, string(s.ID), data); err != nil {
		c.log.Warn("remote structure cache write failed", "version", s.ID, "error", err)
	}
}

// Wait blocks until buffered writes are applied. Tests use it to make
// Set visible to Get.
func (c *Structures) Wait() { c.local.Wait() }

// Close releases the cache's goroutines.
func (c *Structures) Close() { c.local.Close() }

// Definitions caches definitions by id.
type Definitions struct {
	local *ristretto.Cache[string, *model.Definition]
	group singleflight.Group
}

// NewDefinitions builds a definition cache holding at most maxItems entries.
func NewDefinitions(maxItems int64) (*Definitions, error) {
	local, err := ristretto.NewCache(&ristretto.Config[string, *model.Definition]{
		NumCounters: max(maxItems*10, 1000),
		MaxCost:     maxItems,
		BufferItems: 64,
		// Cost counts entries, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating definition cache: %w", err)
	}
	return &Definitions{local: local}, nil
}

// Peek returns a cached definition without loading.
func (c *Definitions) Peek(id keys.DefinitionID) (*model.Definition, bool) {
	d, ok := c.local.Get(string(id))
	if ok {
		metrics.CacheHit("definitions", "hit")
	}
	return d, ok
}

// Get returns the definition with id, calling load on a miss.
func (c *Definitions) Get(ctx context.Context, id keys.DefinitionID, load func(context.Context) (*model.Definition, error)) (*model.Definition, error) {
	if d, ok := c.Peek(id); ok {
		return d, nil
	}
	v, err, _ := c.group.Do(string(id), func() (any, error) {
		metrics.CacheHit("definitions", "miss")
		d, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.local.Set(string(id), d, 1)
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Definition), nil
}

// Add seeds the cache.
func (c *Definitions) Add(d *model.Definition) {
	c.local.Set(string(d.ID), d, 1)
}

// Wait blocks until buffered writes are applied.
func (c *Definitions) Wait() { c.local.Wait() }

// Close releases the cache's goroutines.
func (c *Definitions) Close() { c.local.Close() }
