package budget

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator makes sure one balance level is reported once per tenant,
// across gateway instances when backed by Redis.
type AlertDeduplicator interface {
	// ShouldAlert reports whether this is the first alert for tenant at level.
	ShouldAlert(ctx context.Context, tenantID string, level AlertLevel) bool

	// ClearAlert forgets every level for tenant, e.g. after a top-up.
	ClearAlert(ctx context.Context, tenantID string)
}

// InMemoryDeduplicator is per-process. A zero ttl keeps levels until cleared.
type InMemoryDeduplicator struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	sent map[string]map[AlertLevel]time.Time
}

func NewInMemoryDeduplicator(ttl time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		ttl:  ttl,
		now:  time.Now,
		sent: make(map[string]map[AlertLevel]time.Time),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, tenantID string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	levels := d.sent[tenantID]
	if levels == nil {
		levels = make(map[AlertLevel]time.Time)
		d.sent[tenantID] = levels
	}
	if at, ok := levels[level]; ok && (d.ttl == 0 || now.Sub(at) < d.ttl) {
		return false
	}
	levels[level] = now
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, tenantID string) {
	d.mu.Lock()
	delete(d.sent, tenantID)
	d.mu.Unlock()
}

const alertKeyPrefix = "agentgw:balance_alerts:"

// RedisDeduplicator keeps one hash per tenant, one field per reported level.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduplicator shares client with the rest of the gateway. ttl bounds
// how long a tenant's levels stay reported if the balance never recovers.
func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, ttl: ttl}
}

func alertKey(tenantID string) string {
	return alertKeyPrefix + tenantID
}

// ShouldAlert relies on HSETNX so only one instance wins a level. The TTL is
// refreshed on each new level. Redis errors fail open: a duplicate alert is
// better than a missed one.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, tenantID string, level AlertLevel) bool {
	key := alertKey(tenantID)
	var set *redis.BoolCmd
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		set = pipe.HSetNX(ctx, key, string(level), time.Now().Unix())
		if d.ttl > 0 {
			pipe.Expire(ctx, key, d.ttl)
		}
		return nil
	})
	if err != nil {
		return true
	}
	return set.Val()
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, tenantID string) {
	d.client.Del(ctx, alertKey(tenantID))
}
