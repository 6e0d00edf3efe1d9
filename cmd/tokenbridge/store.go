package main

import (
	"fmt"
	"log/slog"

	"git.sr.ht/~jakintosh/tokenbridge/internal/config"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/credstore"
	"github.com/redis/go-redis/v9"
)

func openStore(cfg config.Config, logger *slog.Logger) (credstore.Store, error) {
	switch cfg.Store {
	case config.StoreMemory:
		return credstore.NewMemoryStore(), nil
	case config.StoreSQLite:
		store, err := credstore.NewSQLiteStore(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.StoreFile:
		store, err := credstore.NewFileStore(cfg.StorePath, credstore.WithFileLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return store, nil
	case config.StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return credstore.NewRedisStore(rdb, cfg.RedisNamespace), nil
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownStore, cfg.Store)
	}
}
