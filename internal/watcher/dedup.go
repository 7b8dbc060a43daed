package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup suppresses duplicate ledger event deliveries. Seen reports
// whether the (txHash, eventName) pair was already dispatched; Mark
// records it only once its dispatch succeeded, so a failed dispatch
// leaves the pair eligible for redelivery. Implementations must be
// safe for concurrent use.
type Dedup interface {
	Seen(ctx context.Context, txHash, event string) (bool, error)
	Mark(ctx context.Context, txHash, event string) error
}

// MemoryDedup keeps the dedup set in process memory.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDedup creates an empty set.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]struct{})}
}

func (d *MemoryDedup) Seen(ctx context.Context, txHash, event string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[txHash+":"+event]
	return ok, nil
}

func (d *MemoryDedup) Mark(ctx context.Context, txHash, event string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[txHash+":"+event] = struct{}{}
	return nil
}

// RedisDedup shares the dedup set across orchestrator instances via
// SETNX with a TTL bounding its growth.
type RedisDedup struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDedup creates the set.
func NewRedisDedup(client *redis.Client, prefix string, ttl time.Duration) *RedisDedup {
	if prefix == "" {
		prefix = "hypha:dedup:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDedup{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDedup) Seen(ctx context.Context, txHash, event string) (bool, error) {
	n, err := d.client.Exists(ctx, d.prefix+txHash+":"+event).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *RedisDedup) Mark(ctx context.Context, txHash, event string) error {
	return d.client.Set(ctx, d.prefix+txHash+":"+event, "1", d.ttl).Err()
}
