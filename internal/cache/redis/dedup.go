package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pricewatch/internal/domain"
)

// dedupTTL bounds how long attempt identities are remembered. Replays only
// occur within a restart window, so two days is ample.
const dedupTTL = 48 * time.Hour

// DedupIndex implements domain.DedupIndex using SETNX with a TTL. It gives
// the learning layer exactly-once semantics for attempt results across
// process restarts.
type DedupIndex struct {
	rdb *redis.Client
}

// NewDedupIndex creates a DedupIndex backed by the given Client.
func NewDedupIndex(c *Client) *DedupIndex {
	return &DedupIndex{rdb: c.Underlying()}
}

// MarkSeen records the key and reports whether it was already present.
func (d *DedupIndex) MarkSeen(ctx context.Context, key string) (bool, error) {
	set, err := d.rdb.SetNX(ctx, "dedup:"+key, 1, dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup mark %s: %w", key, err)
	}
	return !set, nil
}

// Compile-time interface check.
var _ domain.DedupIndex = (*DedupIndex)(nil)
