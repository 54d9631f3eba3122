package restodb

import (
	"context"

	"github.com/rs/zerolog/log"

	"go.pilab.hu/restodb/config"
	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/github"
	"go.pilab.hu/restodb/internal/memblob"
	"go.pilab.hu/restodb/mongodb"
	"go.pilab.hu/restodb/schema"
)

// NewStore builds the blob store selected by cfg.Backend. The returned
// close function releases its connections and is never nil.
func NewStore(ctx context.Context, cfg *config.Config) (domain.BlobStore, func(context.Context), error) {
	noop := func(context.Context) {}

	switch cfg.Backend {
	case config.BackendGitHub:
		client, err := github.NewClient(github.Config{
			Owner:      cfg.GitHub.Owner,
			Repo:       cfg.GitHub.Repo,
			Token:      cfg.GitHub.Token,
			Branch:     cfg.GitHub.Branch,
			BaseURL:    cfg.GitHub.BaseURL,
			Timeout:    cfg.GitHub.Timeout,
			MaxRetries: cfg.GitHub.MaxRetries,
		})
		if err != nil {
			return nil, noop, err
		}
		return client, noop, nil
	case config.BackendMongoDB:
		store, client, err := mongodb.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, cfg.Mongo.Collection)
		if err != nil {
			return nil, noop, err
		}
		return store, func(ctx context.Context) { mongodb.Disconnect(ctx, client) }, nil
	case config.BackendMemory:
		log.Warn().Msg("using the in-memory backend, data is lost on exit")
		return memblob.New(), noop, nil
	default:
		return nil, noop, &serrors.ConfigurationError{Field: "backend", Reason: "unknown backend " + cfg.Backend}
	}
}

// Open validates cfg, builds the store and schema registry and returns a
// DB that still needs Init.
func Open(ctx context.Context, cfg *config.Config) (*DB, func(context.Context), error) {
	noop := func(context.Context) {}
	if err := cfg.Validate(); err != nil {
		return nil, noop, err
	}

	registry := schema.NewRegistry()
	if err := registry.RegisterAll(cfg.Schemas); err != nil {
		return nil, noop, err
	}
	if cfg.SchemaFile != "" {
		if err := registry.LoadFile(cfg.SchemaFile); err != nil {
			return nil, noop, err
		}
	}

	store, closeStore, err := NewStore(ctx, cfg)
	if err != nil {
		return nil, noop, err
	}

	retries := cfg.ConflictRetries
	db, err := New(Options{
		Store:           store,
		DataPath:        cfg.DataPath,
		CacheTTL:        cfg.Cache.TTL,
		ConflictRetries: &retries,
		Schemas:         registry,
	})
	if err != nil {
		closeStore(ctx)
		return nil, noop, err
	}
	return db, closeStore, nil
}
