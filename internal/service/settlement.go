package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
	"github.com/bobjiang/bitcoindca-sub000/internal/schedule"
)

// DispatchAmounts carries the fee-engine output a trade is dispatched with.
// The split must be exact: InputAmount == ProtocolFee + ExecutionFee +
// NetInput.
type DispatchAmounts struct {
	InputAmount  decimal.Decimal
	NetInput     decimal.Decimal
	ProtocolFee  decimal.Decimal
	ExecutionFee decimal.Decimal
	MinAmountOut decimal.Decimal
	Venue        domain.VenueKind
}

// Dispatch issues the capability token that authorizes settling one trade
// against the current ledger state. The caller must already hold the
// position's single-writer lock; Dispatch itself is read-only.
//
// The token embeds the generation snapshot: any pause/resume/modify/cancel
// between dispatch and settlement bumps the generation and forces Settle to
// reject the token with ErrStaleGeneration.
func (s *PositionService) Dispatch(ctx context.Context, id string, amounts DispatchAmounts) (domain.DispatchToken, error) {
	pos, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.DispatchToken{}, fmt.Errorf("position_service: dispatch: %w", err)
	}

	if pos.Canceled {
		return domain.DispatchToken{}, fmt.Errorf("position_service: dispatch: %w", domain.ErrPositionCanceled)
	}
	if sum := amounts.ProtocolFee.Add(amounts.ExecutionFee).Add(amounts.NetInput); !sum.Equal(amounts.InputAmount) {
		return domain.DispatchToken{}, fmt.Errorf("position_service: %w: fee split %s does not reassemble input %s",
			domain.ErrValidation, sum, amounts.InputAmount)
	}
	if pos.InputBalance().LessThan(amounts.InputAmount) {
		return domain.DispatchToken{}, fmt.Errorf("position_service: dispatch: %w", domain.ErrInsufficientBalance)
	}

	return domain.DispatchToken{
		PositionID:   pos.ID,
		Generation:   pos.Generation,
		InputAsset:   pos.InputAsset(),
		OutputAsset:  pos.OutputAsset(),
		InputAmount:  amounts.InputAmount,
		NetInput:     amounts.NetInput,
		ProtocolFee:  amounts.ProtocolFee,
		ExecutionFee: amounts.ExecutionFee,
		MinAmountOut: amounts.MinAmountOut,
		Venue:        amounts.Venue,
		DispatchedAt: s.now(),
	}, nil
}

// Settle is the only code path that commits a trade to the ledger. It
// re-validates the token's generation against the stored position and then,
// in one atomic store update: debits the input asset by the gross amount,
// credits the output asset with the venue's fill, advances the schedule, and
// increments the period counter. A stale token leaves the ledger
// byte-for-byte unchanged.
//
// The caller must hold the position's single-writer lock for the whole
// dispatch-to-settle span.
func (s *PositionService) Settle(ctx context.Context, token domain.DispatchToken, result domain.TradeResult, recordID string) (domain.Position, error) {
	pos, err := s.store.Get(ctx, token.PositionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: settle: %w", err)
	}

	if pos.Generation != token.Generation {
		return domain.Position{}, fmt.Errorf("position_service: settle: token generation %d, position at %d: %w",
			token.Generation, pos.Generation, domain.ErrStaleGeneration)
	}
	if result.AmountOut.LessThan(token.MinAmountOut) {
		return domain.Position{}, fmt.Errorf("position_service: settle: fill %s below minimum %s: %w",
			result.AmountOut, token.MinAmountOut, domain.ErrSlippageExceeded)
	}
	if pos.InputBalance().LessThan(token.InputAmount) {
		return domain.Position{}, fmt.Errorf("position_service: settle: %w", domain.ErrInsufficientBalance)
	}

	switch token.InputAsset {
	case pos.QuoteAsset:
		pos.QuoteBalance = pos.QuoteBalance.Sub(token.InputAmount)
		pos.BaseBalance = pos.BaseBalance.Add(result.AmountOut)
	default:
		pos.BaseBalance = pos.BaseBalance.Sub(token.InputAmount)
		pos.QuoteBalance = pos.QuoteBalance.Add(result.AmountOut)
	}

	pos.PeriodsExecuted++
	next := schedule.Next(pos.StartAt, pos.Cadence, pos.PeriodsExecuted)
	// The schedule never moves backwards, whatever the calendar does.
	if next.After(pos.NextExecutionAt) {
		pos.NextExecutionAt = next
	}
	pos.UpdatedAt = s.now()

	entries := []domain.LedgerEntry{
		s.entry(pos.ID, token.InputAsset, token.NetInput.Neg(), domain.EntryTradeDebit, recordID, ""),
		s.entry(pos.ID, token.InputAsset, token.ProtocolFee.Neg(), domain.EntryProtocolFee, recordID, ""),
		s.entry(pos.ID, token.InputAsset, token.ExecutionFee.Neg(), domain.EntryExecutionFee, recordID, ""),
		s.entry(pos.ID, token.OutputAsset, result.AmountOut, domain.EntryTradeCredit, recordID, ""),
	}

	if err := s.store.Update(ctx, pos, token.Generation, entries...); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: settle: %w", err)
	}

	s.publish(ctx, "position_settled", pos, map[string]any{
		"venue":      string(result.Venue),
		"amount_in":  token.InputAmount.String(),
		"amount_out": result.AmountOut.String(),
		"period":     pos.PeriodsExecuted,
	})
	s.logger.InfoContext(ctx, "trade settled",
		slog.String("position_id", pos.ID),
		slog.String("venue", string(result.Venue)),
		slog.String("amount_in", token.InputAmount.String()),
		slog.String("amount_out", result.AmountOut.String()),
		slog.Int64("period", pos.PeriodsExecuted),
	)
	return pos, nil
}
