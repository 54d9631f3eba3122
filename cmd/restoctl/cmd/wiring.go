package cmd

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"go.pilab.hu/restodb"
	"go.pilab.hu/restodb/cache"
	"go.pilab.hu/restodb/cache/redis"
	"go.pilab.hu/restodb/domain"
	serrors "go.pilab.hu/restodb/errors"
	"go.pilab.hu/restodb/internal/auth"
	"go.pilab.hu/restodb/services"
)

// openDB opens and boots the configured store. The returned close function
// is never nil.
func openDB(ctx context.Context) (*restodb.DB, func(), error) {
	db, closeStore, err := restodb.Open(ctx, cfg)
	if err != nil {
		return nil, func() {}, err
	}
	release := func() { closeStore(context.Background()) }
	if err := db.Init(ctx); err != nil {
		release()
		return nil, func() {}, err
	}
	return db, release, nil
}

// authStores builds the session and challenge stores for the configured
// session backend.
func authStores(ctx context.Context) (domain.SessionStore, domain.ChallengeStore, func(), error) {
	switch cfg.Session.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, &serrors.ConfigurationError{
				Field:  "redis.addr",
				Reason: "cannot reach " + cfg.Redis.Addr,
				Err:    fmt.Errorf("%w: %v", serrors.ErrBackendUnreachable, err),
			}
		}
		sessions := redis.NewSessionStore(client, cfg.Redis.Prefix)
		challenges := redis.NewChallengeStore(client, cfg.Redis.Prefix, cfg.Auth.OTPTTL)
		return sessions, challenges, func() { _ = client.Close() }, nil
	default:
		sessions := cache.NewMemorySessionStore()
		challenges := cache.NewMemoryChallengeStore(cfg.Auth.OTPTTL)
		return sessions, challenges, func() { _ = sessions.Close() }, nil
	}
}

// newAuthService wires the auth service on top of db.
func newAuthService(ctx context.Context, db *restodb.DB) (*services.AuthService, func(), error) {
	sessions, challenges, closeStores, err := authStores(ctx)
	if err != nil {
		return nil, func() {}, err
	}
	svc, err := services.NewAuthService(db,
		services.NewSessionManager(sessions, cfg.Session.TTL),
		challenges,
		auth.NewBcryptPasswordHasher(cfg.Auth.BcryptCost),
		services.LoggingNotifier{},
		cfg.Auth,
	)
	if err != nil {
		closeStores()
		return nil, func() {}, err
	}
	return svc, closeStores, nil
}
