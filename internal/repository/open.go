package repository

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/binary-classifier/internal/config"
)

// Open builds the count store selected by cfg.CountStore and makes sure it is
// reachable. The returned store owns its connections.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (CountStore, error) {
	logger.Info("opening count store", zap.String("backend", cfg.CountStore))

	switch cfg.CountStore {
	case config.StoreFile:
		return NewFileStore(cfg.CountsPath, logger)

	case config.StoreBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.BoltPath), 0o755); err != nil {
			return nil, storageError("create directory", err)
		}
		return OpenBoltStore(cfg.BoltPath)

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, storageError("redis ping", err)
		}
		return NewRedisStore(client, cfg.RedisKey), nil

	case config.StorePostgres, config.StoreSQLite:
		dsn := cfg.DatabaseDSN
		if cfg.CountStore == config.StoreSQLite {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, storageError("create directory", err)
			}
			dsn = cfg.SQLitePath
		}
		db, err := OpenDatabase(ctx, cfg.CountStore, dsn)
		if err != nil {
			return nil, err
		}
		repo := NewCountRepository(db, logger)
		if err := repo.AutoMigrate(ctx); err != nil {
			_ = repo.Close()
			return nil, err
		}
		return repo, nil

	default:
		return nil, fmt.Errorf("unknown count store %q", cfg.CountStore)
	}
}
