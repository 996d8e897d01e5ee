package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
)

// PriceService captures the consistent price/time snapshot an execution is
// validated against. One snapshot per invocation: guards never re-read.
type PriceService struct {
	oracle domain.Oracle
	gas    domain.GasOracle
	logger *slog.Logger

	now func() time.Time
}

// NewPriceService creates a PriceService. gas may be nil when no gas feed is
// wired (positions without fee caps are unaffected).
func NewPriceService(oracle domain.Oracle, gas domain.GasOracle, logger *slog.Logger) *PriceService {
	return &PriceService{
		oracle: oracle,
		gas:    gas,
		logger: logger.With(slog.String("component", "price_service")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Snapshot reads the oracle spot price, the TWAP over the position's window,
// the quote asset's peg, and current network fees, all at one instant. The
// route price is filled in by the orchestrator once a venue is selected.
func (s *PriceService) Snapshot(ctx context.Context, pos domain.Position) (domain.PriceSnapshot, error) {
	now := s.now()

	price, observedAt, err := s.oracle.GetPrice(ctx, pos.BaseAsset)
	if err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("price_service: oracle price %s: %w", pos.BaseAsset, err)
	}

	twap, window, err := s.oracle.GetTWAP(ctx, pos.BaseAsset, pos.QuoteAsset, pos.TWAPWindow)
	if err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("price_service: twap %s/%s: %w", pos.BaseAsset, pos.QuoteAsset, err)
	}

	peg, _, err := s.oracle.GetPrice(ctx, pos.QuoteAsset)
	if err != nil {
		return domain.PriceSnapshot{}, fmt.Errorf("price_service: peg %s: %w", pos.QuoteAsset, err)
	}

	snap := domain.PriceSnapshot{
		BaseAsset:   pos.BaseAsset,
		QuoteAsset:  pos.QuoteAsset,
		OraclePrice: price,
		OracleAt:    observedAt,
		TWAPPrice:   twap,
		TWAPWindow:  window,
		QuotePeg:    peg,
		CapturedAt:  now,
	}

	if s.gas != nil {
		baseFee, priorityFee, gasErr := s.gas.SuggestFees(ctx)
		if gasErr != nil {
			s.logger.WarnContext(ctx, "gas oracle unavailable",
				slog.String("error", gasErr.Error()),
			)
		} else {
			snap.BaseFeeWei = baseFee
			snap.PriorityFeeWei = priorityFee
		}
	}
	return snap, nil
}
