package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"pricewatch/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each URL's
// latest observation is stored at "price:{urlID}" with fields "price" and
// "ts" (Unix nanosecond timestamp). It backs change detection for alerts
// without a round-trip to PostgreSQL.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(urlID string) string {
	return "price:" + urlID
}

// SetLatest stores the latest observed price for a URL.
func (pc *PriceCache) SetLatest(ctx context.Context, urlID string, price float64, ts time.Time) error {
	fields := map[string]interface{}{
		"price": strconv.FormatFloat(price, 'f', -1, 64),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(urlID), fields).Err(); err != nil {
		return fmt.Errorf("redis: set latest price %s: %w", urlID, err)
	}
	return nil
}

// GetLatest retrieves the latest observed price for a URL. It returns
// domain.ErrNotFound when no observation exists.
func (pc *PriceCache) GetLatest(ctx context.Context, urlID string) (float64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(urlID)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get latest price %s: %w", urlID, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", urlID, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", urlID, err)
	}

	return price, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
