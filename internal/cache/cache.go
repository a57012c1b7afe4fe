package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the accelerator key-value substrate. One implementation is
// selected at startup; callers are written against this contract only,
// and a missing or failing cache degrades latency, never correctness.
type Cache interface {
	// Get returns the value and true on a hit. A miss is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Redis backs Cache with a redis server.
type Redis struct {
	client *redis.Client
}

func NewRedis(addr, password string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Ping reports redis connectivity, used by readiness probes.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

// Memory is the in-process fallback used when no redis address is
// configured.
type Memory struct {
	mu    sync.RWMutex
	store map[string]memEntry
}

type memEntry struct {
	value   []byte
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{store: make(map[string]memEntry)}
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.store[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		m.mu.Lock()
		delete(m.store, key)
		m.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.store[key] = memEntry{value: value, expires: exp}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	delete(m.store, key)
	m.mu.Unlock()
	return nil
}
