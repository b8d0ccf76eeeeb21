package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/arseneeth/shayd/internal/domain"
	"github.com/redis/go-redis/v9"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each oracle's
// latest quote is stored at key "quote:{oracle}" with fields "anchor",
// "min", "max" and "ts" (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func quoteKey(oracle string) string {
	return "quote:" + oracle
}

// SetQuote stores the latest quote for an oracle.
func (pc *PriceCache) SetQuote(ctx context.Context, oracle string, q domain.PriceQuote) error {
	fields := map[string]interface{}{
		"anchor": strconv.FormatFloat(q.Anchor, 'f', -1, 64),
		"min":    strconv.FormatFloat(q.Min, 'f', -1, 64),
		"max":    strconv.FormatFloat(q.Max, 'f', -1, 64),
		"ts":     strconv.FormatInt(q.At.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, quoteKey(oracle), fields).Err(); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", oracle, err)
	}
	return nil
}

// GetQuote retrieves the latest quote for an oracle. It returns
// domain.ErrNotFound when no quote has been stored.
func (pc *PriceCache) GetQuote(ctx context.Context, oracle string) (domain.PriceQuote, error) {
	vals, err := pc.rdb.HGetAll(ctx, quoteKey(oracle)).Result()
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: get quote %s: %w", oracle, err)
	}
	if len(vals) == 0 {
		return domain.PriceQuote{}, fmt.Errorf("redis: quote %s: %w", oracle, domain.ErrNotFound)
	}

	var q domain.PriceQuote
	if q.Anchor, err = parseField(vals, "anchor"); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: quote %s: %w", oracle, err)
	}
	if q.Min, err = parseField(vals, "min"); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: quote %s: %w", oracle, err)
	}
	if q.Max, err = parseField(vals, "max"); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: quote %s: %w", oracle, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("redis: quote %s: missing ts: %w", oracle, domain.ErrNotFound)
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("redis: quote %s: parse ts: %w", oracle, err)
	}
	q.At = time.Unix(0, tsNano)

	return q, nil
}

func parseField(vals map[string]string, field string) (float64, error) {
	s, ok := vals[field]
	if !ok {
		return 0, fmt.Errorf("missing %s: %w", field, domain.ErrNotFound)
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return v, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
