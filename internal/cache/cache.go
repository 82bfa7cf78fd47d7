// Package cache is the best-effort TTL accelerator in front of the document
// store. It is never a source of truth: every mutation invalidates the
// affected keys synchronously before the mutation returns, and any cache
// failure falls back to the store transparently.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds staleness for concurrent read/write races that the
// synchronous invalidation discipline cannot cover.
const DefaultTTL = 30 * time.Second

// ErrMiss indicates the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is a TTL key-value cache.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// FlushAll clears everything. Test and operational tooling only; never
	// called on production request paths.
	FlushAll(ctx context.Context) error
}

// EntityKey is the single-entity key scheme: {kind}_data_{namespace}_{id}.
func EntityKey(kind, namespace, id string) string {
	return fmt.Sprintf("%s_data_%s_%s", kind, namespace, id)
}

// ListKey is the collection key scheme: {kind}_list for the cross-namespace
// listing, {kind}_list_{namespace} for a namespaced one.
func ListKey(kind, namespace string) string {
	if namespace == "" {
		return fmt.Sprintf("%s_list", kind)
	}
	return fmt.Sprintf("%s_list_%s", kind, namespace)
}

// Redis wraps go-redis.
type Redis struct{ client *redis.Client }

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	res, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrMiss
	}
	return res, err
}

func (r *Redis) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) FlushAll(ctx context.Context) error {
	return r.client.FlushAll(ctx).Err()
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis { return &Redis{client: client} }

// Memory is a mutex-guarded TTL cache for tests and cacheless deployments.
type Memory struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]memItem
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{items: map[string]memItem{}, now: time.Now}
}

// SetClock overrides the time source. Test use only.
func (m *Memory) SetClock(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = fn
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[key]
	if !ok {
		return "", ErrMiss
	}
	return item.value, nil
}

func (m *Memory) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	m.items[key] = memItem{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.items, key)
	}
	return nil
}

func (m *Memory) FlushAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = map[string]memItem{}
	return nil
}

func (m *Memory) cleanupLocked() {
	now := m.now()
	for k, v := range m.items {
		if now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// New tries redis, falls back to memory.
func New(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedis(client)
		}
	}
	return NewMemory()
}
