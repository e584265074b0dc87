package kvstore

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// Memory is a process-local Store. Only one validator process may own the
// host's namespaces, so this is the default backend.
type Memory struct {
	cache *cache.Cache
}

func NewMemory() *Memory {
	return &Memory{
		cache: cache.New(cache.NoExpiration, 1*time.Minute),
	}
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.cache.Set(key, value, expiration(ttl))
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// Add fails when an unexpired item exists.
	return m.cache.Add(key, value, expiration(ttl)) == nil, nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.([]byte), true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return cache.NoExpiration
	}
	return ttl
}
