// Package restodb turns a version-controlled file repository into a
// schema-validated document store. Each collection is one JSON file; writes
// are compare-and-swap against the file revision.
package restodb

import (
	"context"
	stderrors "errors"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"go.pilab.hu/restodb/cache"
	"go.pilab.hu/restodb/codec"
	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/schema"
)

const (
	DefaultDataPath        = "data"
	DefaultCacheTTL        = 30 * time.Second
	DefaultConflictRetries = 3

	collectionExt = ".json"
)

// Options configures a DB.
type Options struct {
	Store    domain.BlobStore
	DataPath string
	// CacheTTL is the soft freshness window of collection snapshots. Zero
	// uses DefaultCacheTTL; a negative value keeps snapshots until a write.
	CacheTTL time.Duration
	// ConflictRetries bounds re-reads after a stale-revision write. Nil
	// uses DefaultConflictRetries.
	ConflictRetries *int
	Schemas         *schema.Registry
	Codec           *codec.Codec
}

// DB owns the collection cache and the remote store. It is safe for
// concurrent use; independent DBs share nothing.
type DB struct {
	store    domain.BlobStore
	dataPath string
	retries  int
	cache    *cache.CollectionCache
	schemas  *schema.Registry
	codec    *codec.Codec

	ready atomic.Bool

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a DB. Nothing is contacted until Init.
func New(opts Options) (*DB, error) {
	if opts.Store == nil {
		return nil, &serrors.ConfigurationError{Field: "backend", Reason: "no blob store configured", Err: serrors.ErrMissingConfig}
	}
	dataPath := strings.Trim(opts.DataPath, "/")
	if dataPath == "" {
		dataPath = DefaultDataPath
	}
	ttl := opts.CacheTTL
	switch {
	case ttl == 0:
		ttl = DefaultCacheTTL
	case ttl < 0:
		ttl = 0
	}
	retries := DefaultConflictRetries
	if opts.ConflictRetries != nil {
		retries = *opts.ConflictRetries
	}
	if retries < 0 {
		return nil, &serrors.ConfigurationError{Field: "conflict_retries", Reason: "must not be negative"}
	}
	registry := opts.Schemas
	if registry == nil {
		registry = schema.NewRegistry()
	}
	c := opts.Codec
	if c == nil {
		c = codec.New()
	}

	return &DB{
		store:    opts.Store,
		dataPath: dataPath,
		retries:  retries,
		cache:    cache.NewCollectionCache(ttl),
		schemas:  registry,
		codec:    c,
		locks:    make(map[string]*sync.Mutex),
	}, nil
}

// Init checks that the backend is reachable and accepts the credential.
// Every other operation fails with ErrNotInitialized until Init succeeds.
func (db *DB) Init(ctx context.Context) error {
	if err := db.store.Ping(ctx); err != nil {
		var cfgErr *serrors.ConfigurationError
		if !stderrors.As(err, &cfgErr) {
			err = &serrors.ConfigurationError{Field: "backend", Reason: err.Error(), Err: serrors.ErrBackendUnreachable}
		}
		log.Error().Err(err).Msg("store initialization failed")
		return err
	}
	db.ready.Store(true)
	log.Info().Str("data_path", db.dataPath).Strs("schemas", db.schemas.Collections()).Msg("store initialized")
	return nil
}

// Ready reports whether Init has succeeded.
func (db *DB) Ready() bool { return db.ready.Load() }

func (db *DB) checkReady() error {
	if db.ready.Load() {
		return nil
	}
	return &serrors.ConfigurationError{Field: "init", Reason: "Init must succeed before use", Err: serrors.ErrNotInitialized}
}

// Schemas returns the registry used to validate mutations.
func (db *DB) Schemas() *schema.Registry { return db.schemas }

// Codec returns the document codec.
func (db *DB) Codec() *codec.Codec { return db.codec }

// Collection returns a handle to a collection. The backing file is created
// lazily by the first write.
func (db *DB) Collection(name string) *Collection {
	return &Collection{db: db, name: name, path: db.collectionPath(name)}
}

// Collections lists the collections that exist remotely, sorted.
func (db *DB) Collections(ctx context.Context) ([]string, error) {
	if err := db.checkReady(); err != nil {
		return nil, err
	}
	paths, err := db.store.List(ctx, db.dataPath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		if path.Dir(p) != db.dataPath || !strings.HasSuffix(p, collectionExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(path.Base(p), collectionExt))
	}
	sort.Strings(names)
	return names, nil
}

// Prefetch warms the cache for several collections concurrently.
func (db *DB) Prefetch(ctx context.Context, names ...string) error {
	if err := db.checkReady(); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range names {
		c := db.Collection(name)
		g.Go(func() error {
			_, err := c.snapshot(ctx)
			return err
		})
	}
	return g.Wait()
}

// Invalidate drops the cached snapshot of a collection.
func (db *DB) Invalidate(name string) { db.cache.Invalidate(name) }

func (db *DB) collectionPath(name string) string {
	return db.dataPath + "/" + name + collectionExt
}

func (db *DB) lock(name string) *sync.Mutex {
	db.mu.Lock()
	defer db.mu.Unlock()
	m, ok := db.locks[name]
	if !ok {
		m = &sync.Mutex{}
		db.locks[name] = m
	}
	return m
}

func validCollectionName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
