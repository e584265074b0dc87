// Package kvstore is the expiring key-value store behind resource locks,
// rate limiting and response caches.
package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tpn/internal/config"
)

// Store is a keyed store with per-key expiry. A ttl <= 0 never expires.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets key only when absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
}

// New builds the backend selected by CACHE_BACKEND.
func New(cfg *config.Config) (Store, error) {
	switch cfg.CacheBackend {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedis(client), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}
