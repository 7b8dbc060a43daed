package offchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lister is the direct read path behind the cache.
type Lister interface {
	ListByKind(ctx context.Context, kind Kind) ([]Record, error)
}

// RecordCache is a redis-backed read view of one record kind. It lags
// the write path, which is why lookups against it go through the
// eventual-consistency resolver.
type RecordCache struct {
	source Lister
	client *redis.Client
	kind   Kind
	key    string
	ttl    time.Duration
}

// NewRecordCache creates the cache for one kind.
func NewRecordCache(source Lister, client *redis.Client, kind Kind, ttl time.Duration) *RecordCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RecordCache{
		source: source,
		client: client,
		kind:   kind,
		key:    "hypha:cache:" + string(kind),
		ttl:    ttl,
	}
}

// Refresh reloads the collection from the source into redis.
func (c *RecordCache) Refresh(ctx context.Context) error {
	records, err := c.source.ListByKind(ctx, c.kind)
	if err != nil {
		return fmt.Errorf("refresh %s cache: %w", c.kind, err)
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode %s cache: %w", c.kind, err)
	}
	if err := c.client.Set(ctx, c.key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("store %s cache: %w", c.kind, err)
	}
	return nil
}

// Items returns the cached collection; a cold cache yields an empty
// slice, not an error.
func (c *RecordCache) Items(ctx context.Context) ([]Record, error) {
	raw, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s cache: %w", c.kind, err)
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode %s cache: %w", c.kind, err)
	}
	return records, nil
}

// Bypass skips the cache and reads from the source directly.
func (c *RecordCache) Bypass(ctx context.Context) ([]Record, error) {
	return c.source.ListByKind(ctx, c.kind)
}
