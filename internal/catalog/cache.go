package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SnapshotKey is the Redis key holding the latest catalog snapshot. The
// suffix changes whenever the Snapshot encoding does.
const SnapshotKey = "catalog:snapshot:v1"

// Snapshot is the cached form of a fully loaded catalog.
type Snapshot struct {
	Entries  []Entry   `json:"entries"`
	LoadedAt time.Time `json:"loadedAt"`
}

// Cache keeps the catalog snapshot in Redis so API replicas share one
// upstream load. A nil *Cache is valid and never hits.
type Cache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewCache(client redis.Cmdable, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// LoadSnapshot returns the cached catalog. A missing key is not an error; an
// undecodable one is reported and should be treated as a miss.
func (c *Cache) LoadSnapshot(ctx context.Context) (Snapshot, bool, error) {
	if c == nil || c.client == nil {
		return Snapshot{}, false, nil
	}
	raw, err := c.client.Get(ctx, SnapshotKey).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return Snapshot{}, false, nil
	case err != nil:
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode catalog snapshot: %w", err)
	}
	return snap, true, nil
}

// StoreSnapshot replaces the cached catalog. A non-positive ttl keeps the
// snapshot until the next refresh.
func (c *Cache) StoreSnapshot(ctx context.Context, snap Snapshot) error {
	if c == nil || c.client == nil {
		return nil
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	ttl := c.ttl
	if ttl < 0 {
		ttl = 0
	}
	return c.client.Set(ctx, SnapshotKey, raw, ttl).Err()
}
