// Package feed ingests external market data: an oracle price stream over
// WebSocket and EIP-1559 fee estimates from an Ethereum node.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// priceTick is the oracle stream's wire format for one observation.
type priceTick struct {
	Asset     string `json:"asset"`
	Quote     string `json:"quote"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

// OracleWSFeed consumes an oracle price stream over WebSocket and writes each
// tick into the price cache as both the latest spot price and a TWAP sample.
// It reconnects with backoff on disconnect.
type OracleWSFeed struct {
	wsURL     string
	pairs     []string // "BASE/QUOTE"
	cache     domain.PriceCache
	logger    *slog.Logger
	closeOnce sync.Once
	done      chan struct{}
}

// NewOracleWSFeed creates a feed subscribing to the given trading pairs.
func NewOracleWSFeed(wsURL string, pairs []string, cache domain.PriceCache, logger *slog.Logger) *OracleWSFeed {
	return &OracleWSFeed{
		wsURL:  wsURL,
		pairs:  pairs,
		cache:  cache,
		logger: logger.With(slog.String("component", "oracle_ws_feed")),
		done:   make(chan struct{}),
	}
}

// Run connects, subscribes, and runs until ctx is cancelled or Close is
// called. Disconnects trigger a reconnect after a short backoff.
func (f *OracleWSFeed) Run(ctx context.Context) error {
	if len(f.pairs) == 0 {
		f.logger.Info("no pairs to subscribe, exiting")
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		default:
		}

		err := f.runConnection(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("oracle ws disconnected, reconnecting", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.done:
			return nil
		case <-time.After(2 * time.Second):
		}
	}
}

func (f *OracleWSFeed) runConnection(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, f.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("feed: dial %s: %w", f.wsURL, err)
	}
	defer conn.Close()

	sub := map[string]any{"op": "subscribe", "pairs": f.pairs}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}
	f.logger.Info("oracle ws subscribed", slog.Int("pairs", len(f.pairs)))

	// Unblock ReadMessage when the context ends.
	go func() {
		select {
		case <-ctx.Done():
		case <-f.done:
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-f.done:
				return nil
			default:
			}
			return fmt.Errorf("feed: read: %w", err)
		}
		if err := f.handleTick(ctx, data); err != nil {
			f.logger.Debug("oracle tick dropped",
				slog.String("error", err.Error()),
				slog.Int("payload_len", len(data)),
			)
		}
	}
}

func (f *OracleWSFeed) handleTick(ctx context.Context, data []byte) error {
	var tick priceTick
	if err := json.Unmarshal(data, &tick); err != nil {
		return err
	}
	asset := strings.TrimSpace(tick.Asset)
	if asset == "" {
		return nil
	}
	price, err := decimal.NewFromString(tick.Price)
	if err != nil {
		return fmt.Errorf("feed: parse price %q: %w", tick.Price, err)
	}

	ts := time.Now().UTC()
	if tick.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, tick.Timestamp); err == nil {
			ts = t.UTC()
		}
	}

	if err := f.cache.SetPrice(ctx, asset, price, ts); err != nil {
		return err
	}
	if tick.Quote != "" {
		return f.cache.AppendSample(ctx, asset, tick.Quote, price, ts)
	}
	return nil
}

// Close stops the feed.
func (f *OracleWSFeed) Close() {
	f.closeOnce.Do(func() { close(f.done) })
}
