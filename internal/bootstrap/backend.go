// Package bootstrap opens the configured persistence backend for the
// server and the operator scripts.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wuwenbin0122/workforce/internal/db"
	"github.com/wuwenbin0122/workforce/internal/persistence"
	"github.com/wuwenbin0122/workforce/internal/persistence/mongostore"
	"github.com/wuwenbin0122/workforce/internal/persistence/pgstore"
	"github.com/wuwenbin0122/workforce/internal/persistence/redisbus"
	"github.com/wuwenbin0122/workforce/internal/utils"
)

type Backend struct {
	Store    persistence.Store
	Postgres *db.Postgres
	Mongo    *db.Mongo
	// Checks are named reachability checks for /health.
	Checks map[string]func(context.Context) error

	closers []func()
}

// Close releases connections in reverse opening order.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

func Open(ctx context.Context, cfg *utils.Config, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = utils.Component("bootstrap")
	}
	b := &Backend{Checks: make(map[string]func(context.Context) error)}
	storeLogger := logger.Named("store")

	switch cfg.Store.Backend {
	case "memory":
		b.Store = persistence.NewMemoryStore(nil)
	case "postgres":
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.Postgres = pg
		b.Store = pgstore.New(pg.Pool, pgstore.WithLogger(storeLogger))
		b.Checks["postgres"] = pg.Ping
	case "mongo":
		m, err := db.NewMongo(ctx, cfg.Mongo)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() {
			if err := m.Close(context.Background()); err != nil {
				logger.Warn("mongo close failed", zap.Error(err))
			}
		})
		if err := m.EnsureCollections(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.Mongo = m
		b.Store = mongostore.New(m, mongostore.WithLogger(storeLogger))
		b.Checks["mongo"] = m.Ping
	default:
		return nil, fmt.Errorf("bootstrap: unsupported store backend %q", cfg.Store.Backend)
	}

	if cfg.Store.RealtimeBus {
		rdb, err := db.NewRedis(ctx, cfg.Redis)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = rdb.Close() })
		b.Store = redisbus.New(b.Store, rdb, logger.Named("redisbus"))
		b.Checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	logger.Info("store ready", zap.String("backend", cfg.Store.Backend), zap.Bool("redis_bus", cfg.Store.RealtimeBus))
	return b, nil
}
