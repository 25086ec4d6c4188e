// Package cache keeps discovered tool catalogs so a request does not have to
// list every remote server before its first LLM call. Entries expire after the
// configured TTL; a changed server config produces a new key.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/agent-gateway/internal/domain"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]domain.ToolDescriptor, bool)
	Set(ctx context.Context, key string, tools []domain.ToolDescriptor, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

// Key identifies one server's catalog as seen by one subject.
func Key(transport, server, url, subject string) string {
	data, _ := json.Marshal([]string{transport, server, url, subject})
	hash := sha256.Sum256(data)
	return "catalog:" + server + ":" + hex.EncodeToString(hash[:12])
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]cacheItem
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
}

type cacheItem struct {
	tools     []domain.ToolDescriptor
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	c := newInMemory(time.Now)
	go c.cleanup(time.Minute)
	return c
}

func newInMemory(now func() time.Time) *InMemoryCache {
	return &InMemoryCache{
		items: make(map[string]cacheItem),
		now:   now,
		stop:  make(chan struct{}),
	}
}

func (c *InMemoryCache) Get(ctx context.Context, key string) ([]domain.ToolDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	item, ok := c.items[key]
	if !ok || !c.now().Before(item.expiresAt) {
		return nil, false
	}
	return item.tools, true
}

func (c *InMemoryCache) Set(ctx context.Context, key string, tools []domain.ToolDescriptor, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = cacheItem{
		tools:     append([]domain.ToolDescriptor(nil), tools...),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

func (c *InMemoryCache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Flush drops every entry. Called when the tool server file is reloaded.
func (c *InMemoryCache) Flush() {
	c.mu.Lock()
	c.items = make(map[string]cacheItem)
	c.mu.Unlock()
}

func (c *InMemoryCache) Close() error {
	c.once.Do(func() { close(c.stop) })
	return nil
}

func (c *InMemoryCache) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *InMemoryCache) evictExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.items {
		if !now.Before(item.expiresAt) {
			delete(c.items, key)
		}
	}
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]domain.ToolDescriptor, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, false
	}

	var tools []domain.ToolDescriptor
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, false
	}
	return tools, true
}

func (c *RedisCache) Set(ctx context.Context, key string, tools []domain.ToolDescriptor, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(tools)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
