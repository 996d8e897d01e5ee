package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache is the write side of the oracle: feed consumers push samples in,
// the Oracle interface reads them back out.
type PriceCache interface {
	SetPrice(ctx context.Context, asset string, price decimal.Decimal, ts time.Time) error
	// AppendSample records a TWAP sample for the pair. Samples older than
	// the retention window may be dropped by the implementation.
	AppendSample(ctx context.Context, baseAsset, quoteAsset string, price decimal.Decimal, ts time.Time) error
}

// LockManager provides distributed locking. Acquire returns ErrLockHeld when
// the lock is already owned by another party.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter provides distributed rate limiting for the API surface.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SignalBus publishes execution events for external consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
