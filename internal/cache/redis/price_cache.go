package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// sampleRetention bounds how far back TWAP samples are kept. Requests for
// windows longer than this can never be fully covered.
const sampleRetention = 24 * time.Hour

// PriceCache stores spot prices and TWAP samples pushed by feed consumers and
// serves them back through the domain.Oracle interface. Spot prices live in a
// hash per asset; TWAP samples in a sorted set per pair keyed by timestamp.
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(asset string) string {
	return "price:" + asset
}

func twapKey(base, quote string) string {
	return "twap:" + base + "/" + quote
}

// SetPrice stores the latest spot price and observation time for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, asset string, price decimal.Decimal, ts time.Time) error {
	fields := map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(asset), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset, err)
	}
	return nil
}

// AppendSample records one TWAP sample for the pair and prunes samples past
// the retention window.
func (pc *PriceCache) AppendSample(ctx context.Context, baseAsset, quoteAsset string, price decimal.Decimal, ts time.Time) error {
	key := twapKey(baseAsset, quoteAsset)
	member := strconv.FormatInt(ts.UnixNano(), 10) + ":" + price.String()

	pipe := pc.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(ts.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf",
		strconv.FormatInt(ts.Add(-sampleRetention).UnixNano(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: append twap sample %s: %w", key, err)
	}
	return nil
}

// GetPrice returns the latest spot price and its observation time. A missing
// asset reports domain.ErrNotFound; staleness is the caller's judgement.
func (pc *PriceCache) GetPrice(ctx context.Context, asset string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	if len(vals) == 0 {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}

	price, err := decimal.NewFromString(vals["price"])
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", asset, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price ts %s: %w", asset, err)
	}
	return price, time.Unix(0, tsNano).UTC(), nil
}

// GetTWAP averages the pair's samples inside the requested window and reports
// the span the samples actually cover, which may be shorter than requested.
func (pc *PriceCache) GetTWAP(ctx context.Context, baseAsset, quoteAsset string, window time.Duration) (decimal.Decimal, time.Duration, error) {
	key := twapKey(baseAsset, quoteAsset)
	now := time.Now().UTC()
	from := strconv.FormatInt(now.Add(-window).UnixNano(), 10)

	members, err := pc.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: from,
		Max: "+inf",
	}).Result()
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("redis: get twap %s: %w", key, err)
	}
	if len(members) == 0 {
		return decimal.Zero, 0, domain.ErrNotFound
	}

	sum := decimal.Zero
	count := 0
	var oldest int64
	for _, m := range members {
		tsStr, priceStr, ok := strings.Cut(m, ":")
		if !ok {
			continue
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			continue
		}
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		sum = sum.Add(price)
		count++
		if count == 1 || ts < oldest {
			oldest = ts
		}
	}
	if count == 0 {
		return decimal.Zero, 0, fmt.Errorf("redis: get twap %s: no parsable samples", key)
	}

	avg := sum.Div(decimal.NewFromInt(int64(count)))
	covered := now.Sub(time.Unix(0, oldest).UTC())
	if covered > window {
		covered = window
	}
	return avg, covered, nil
}

var (
	_ domain.PriceCache = (*PriceCache)(nil)
	_ domain.Oracle     = (*PriceCache)(nil)
)
