package storage

import (
	"context"
	"fmt"

	"github.com/dgellow/ride-signin/internal/config"
	"github.com/dgellow/ride-signin/internal/log"
)

// redisNamespace prefixes every key this service writes to a shared Redis
const redisNamespace = "ride-signin:"

// Open builds the durable tier selected by configuration
func Open(ctx context.Context, cfg config.StorageConfig, opts ...Option) (KV, error) {
	switch cfg.Backend {
	case config.StorageFirestore:
		return NewFirestoreKV(ctx, cfg.GCPProject, cfg.FirestoreDatabase, cfg.FirestoreCollection, cfg.Retention, opts...)

	case config.StorageRedis:
		client, err := DialRedis(ctx, cfg.RedisAddr, string(cfg.RedisPassword), cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		log.LogInfoWithFields("storage", "Connected to Redis", map[string]any{
			"addr": cfg.RedisAddr,
			"db":   cfg.RedisDB,
		})
		return NewRedisKV(client, redisNamespace, cfg.Retention)

	case config.StorageSQLite:
		kv, err := OpenSQLiteKV(cfg.SQLitePath, cfg.Retention, opts...)
		if err != nil {
			return nil, err
		}
		log.LogInfoWithFields("storage", "Opened SQLite flag store", map[string]any{
			"path": cfg.SQLitePath,
		})
		return kv, nil

	case config.StorageMemory, "":
		log.LogWarnWithFields("storage", "Using in-memory durable tier; in-flight sign-ins are lost on restart", nil)
		return NewMemoryKV(cfg.Retention, opts...), nil

	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
