package mixed

import (
	"context"
	"errors"
	"fmt"
	"io"

	"splitstore/cache"
	"splitstore/config"
	"splitstore/keys"
	"splitstore/logging"
	"splitstore/split"
	"splitstore/store"
	"splitstore/store/badgerstore"
	"splitstore/store/sqlstore"
)

// Opened is a router together with the resources backing it.
type Opened struct {
	*Router
	Stores  map[string]*split.Store
	closers []io.Closer
}

// Close releases every engine and backend, engines first.
func (o *Opened) Close() error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		errs = append(errs, o.closers[i].Close())
	}
	return errors.Join(errs...)
}

// OpenBackend opens the storage product a store configuration names.
func OpenBackend(sc config.StoreConfig, log *logging.Logger) (store.Backend, error) {
	switch sc.Backend {
	case config.BackendBadger:
		bc := badgerstore.DefaultConfig(sc.DataDir)
		bc.Logger = log
		return badgerstore.Open(bc)
	case config.BackendMemory:
		return badgerstore.Open(badgerstore.InMemoryConfig())
	case config.BackendSQLite:
		return sqlstore.OpenDir(sc.DataDir)
	case config.BackendPostgres:
		return sqlstore.OpenPostgres(sc.DSN)
	default:
		return nil, fmt.Errorf("unknown backend %q", sc.Backend)
	}
}

// Open builds a router over every store cfg declares.
func Open(ctx context.Context, cfg *config.Config, log *logging.Logger) (_ *Opened, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	o := &Opened{Stores: map[string]*split.Store{}}
	defer func() {
		if err != nil {
			o.Close()
		}
	}()

	var remote cache.Remote
	if cfg.RedisAddr != "" {
		rr, err := cache.NewRedisRemote(ctx, cfg.RedisAddr, "", cfg.RedisTTL)
		if err != nil {
			return nil, err
		}
		o.closers = append(o.closers, rr)
		remote = rr
	}

	branch := split.DraftPreferred
	if cfg.Branch == "published" {
		branch = split.PublishedOnly
	}

	stores := map[string]ModuleStore{}
	for _, sc := range cfg.Stores {
		backend, err := OpenBackend(sc, log)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", sc.Name, err)
		}
		o.closers = append(o.closers, backend)
		s, err := split.New(backend, split.Options{
			Logger:               log.With("store", sc.Name),
			MaxRetries:           cfg.MaxRetries,
			StructureCacheBytes:  cfg.StructureCacheMB << 20,
			DefinitionCacheItems: cfg.DefinitionCacheItems,
			Remote:               remote,
			BranchSetting:        branch,
		})
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", sc.Name, err)
		}
		o.closers = append(o.closers, s)
		o.Stores[sc.Name] = s
		stores[sc.Name] = s
		log.Debug("opened store", "name", sc.Name, "backend", sc.Backend)
	}

	o.Router, err = NewRouter(cfg.Default, stores)
	if err != nil {
		return nil, err
	}
	for course, name := range cfg.Mappings.Courses {
		key, err := keys.ParseCourseKey(course)
		if err != nil {
			return nil, err
		}
		if err := o.MapCourse(key, name); err != nil {
			return nil, err
		}
	}
	for org, name := range cfg.Mappings.Orgs {
		if err := o.MapOrg(org, name); err != nil {
			return nil, err
		}
	}
	return o, nil
}
