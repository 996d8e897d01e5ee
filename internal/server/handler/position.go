package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
	"github.com/bobjiang/bitcoindca-sub000/internal/service"
)

// PositionHandler serves the position lifecycle endpoints.
type PositionHandler struct {
	positions *service.PositionService
	ledger    domain.LedgerStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions *service.PositionService, ledger domain.LedgerStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		ledger:    ledger,
		logger:    logHandler(logger, "position"),
	}
}

type createPositionRequest struct {
	Owner                string  `json:"owner"`
	Beneficiary          string  `json:"beneficiary,omitempty"`
	Direction            string  `json:"direction"`
	QuoteAsset           string  `json:"quote_asset"`
	BaseAsset            string  `json:"base_asset"`
	AmountPerPeriod      string  `json:"amount_per_period"`
	Cadence              string  `json:"cadence"`
	StartAt              string  `json:"start_at,omitempty"`
	EndAt                string  `json:"end_at,omitempty"`
	SlippageBps          int64   `json:"slippage_bps"`
	TWAPWindowSecs       int64   `json:"twap_window_secs"`
	MaxPriceDeviationBps int64   `json:"max_price_deviation_bps"`
	PriceFloor           *string `json:"price_floor,omitempty"`
	PriceCap             *string `json:"price_cap,omitempty"`
	MaxBaseFeeWei        *string `json:"max_base_fee_wei,omitempty"`
	MaxPriorityFeeWei    *string `json:"max_priority_fee_wei,omitempty"`
	VenueMode            string  `json:"venue_mode,omitempty"`
	VenuePinned          string  `json:"venue_pinned,omitempty"`
	MEVProtection        bool    `json:"mev_protection,omitempty"`
}

// Create handles POST /api/positions.
func (h *PositionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params, err := req.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pos, err := h.positions.Create(r.Context(), params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, positionView(pos))
}

func (r createPositionRequest) toParams() (domain.CreateParams, error) {
	amount, err := decimal.NewFromString(r.AmountPerPeriod)
	if err != nil {
		return domain.CreateParams{}, errors.New("amount_per_period: invalid decimal")
	}

	params := domain.CreateParams{
		Owner:                r.Owner,
		Beneficiary:          r.Beneficiary,
		Direction:            domain.Direction(r.Direction),
		QuoteAsset:           r.QuoteAsset,
		BaseAsset:            r.BaseAsset,
		AmountPerPeriod:      amount,
		Cadence:              domain.Cadence(r.Cadence),
		SlippageBps:          r.SlippageBps,
		TWAPWindow:           time.Duration(r.TWAPWindowSecs) * time.Second,
		MaxPriceDeviationBps: r.MaxPriceDeviationBps,
		MEVProtection:        r.MEVProtection,
	}

	if r.StartAt != "" {
		t, err := time.Parse(time.RFC3339, r.StartAt)
		if err != nil {
			return domain.CreateParams{}, errors.New("start_at: invalid RFC3339 timestamp")
		}
		params.StartAt = t
	}
	if r.EndAt != "" {
		t, err := time.Parse(time.RFC3339, r.EndAt)
		if err != nil {
			return domain.CreateParams{}, errors.New("end_at: invalid RFC3339 timestamp")
		}
		params.EndAt = &t
	}
	if params.PriceFloor, err = optDecimal(r.PriceFloor, "price_floor"); err != nil {
		return domain.CreateParams{}, err
	}
	if params.PriceCap, err = optDecimal(r.PriceCap, "price_cap"); err != nil {
		return domain.CreateParams{}, err
	}
	if params.MaxBaseFeeWei, err = optWei(r.MaxBaseFeeWei, "max_base_fee_wei"); err != nil {
		return domain.CreateParams{}, err
	}
	if params.MaxPriorityFeeWei, err = optWei(r.MaxPriorityFeeWei, "max_priority_fee_wei"); err != nil {
		return domain.CreateParams{}, err
	}

	mode := domain.VenueMode(r.VenueMode)
	if mode == "" {
		mode = domain.VenueModeAuto
	}
	params.Venue = domain.VenuePolicy{Mode: mode, Pinned: domain.VenueKind(r.VenuePinned)}
	return params, nil
}

// Get handles GET /api/positions/{id}.
func (h *PositionHandler) Get(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Get(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(pos))
}

// List handles GET /api/positions. An owner query narrows the result.
func (h *PositionHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if owner := r.URL.Query().Get("owner"); owner != "" {
		positions, err := h.positions.ListByOwner(ctx, owner)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, positionViews(positions))
		return
	}

	positions, err := h.positions.List(ctx, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionViews(positions))
}

type fundsRequest struct {
	Caller    string `json:"caller"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Recipient string `json:"recipient,omitempty"`
}

// Deposit handles POST /api/positions/{id}/deposit.
func (h *PositionHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount: invalid decimal")
		return
	}

	pos, err := h.positions.Deposit(r.Context(), pathParam(r, "id"), req.Caller, req.Asset, amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(pos))
}

// Withdraw handles POST /api/positions/{id}/withdraw.
func (h *PositionHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req fundsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount: invalid decimal")
		return
	}

	pos, err := h.positions.Withdraw(r.Context(), pathParam(r, "id"), req.Caller, req.Asset, amount, req.Recipient)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(pos))
}

type ownerRequest struct {
	Caller string `json:"caller"`
}

// Pause handles POST /api/positions/{id}/pause.
func (h *PositionHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, h.positions.Pause)
}

// Resume handles POST /api/positions/{id}/resume.
func (h *PositionHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, h.positions.Resume)
}

// Cancel handles POST /api/positions/{id}/cancel.
func (h *PositionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, h.positions.Cancel)
}

// EmergencyWithdraw handles POST /api/positions/{id}/emergency-withdraw.
// The first call arms the timelock; a call after the delay drains the
// position.
func (h *PositionHandler) EmergencyWithdraw(w http.ResponseWriter, r *http.Request) {
	h.ownerAction(w, r, h.positions.EmergencyWithdraw)
}

func (h *PositionHandler) ownerAction(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id, caller string) (domain.Position, error)) {
	var req ownerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	pos, err := fn(r.Context(), pathParam(r, "id"), req.Caller)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(pos))
}

type modifyRequest struct {
	Caller               string  `json:"caller"`
	Beneficiary          *string `json:"beneficiary,omitempty"`
	AmountPerPeriod      *string `json:"amount_per_period,omitempty"`
	SlippageBps          *int64  `json:"slippage_bps,omitempty"`
	TWAPWindowSecs       *int64  `json:"twap_window_secs,omitempty"`
	MaxPriceDeviationBps *int64  `json:"max_price_deviation_bps,omitempty"`
	PriceFloor           *string `json:"price_floor,omitempty"`
	ClearPriceFloor      bool    `json:"clear_price_floor,omitempty"`
	PriceCap             *string `json:"price_cap,omitempty"`
	ClearPriceCap        bool    `json:"clear_price_cap,omitempty"`
	MaxBaseFeeWei        *string `json:"max_base_fee_wei,omitempty"`
	MaxPriorityFeeWei    *string `json:"max_priority_fee_wei,omitempty"`
	VenueMode            *string `json:"venue_mode,omitempty"`
	VenuePinned          *string `json:"venue_pinned,omitempty"`
	MEVProtection        *bool   `json:"mev_protection,omitempty"`
	EndAt                *string `json:"end_at,omitempty"`
}

// Modify handles PATCH /api/positions/{id}.
func (h *PositionHandler) Modify(w http.ResponseWriter, r *http.Request) {
	var req modifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	params, err := req.toParams()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	pos, err := h.positions.Modify(r.Context(), pathParam(r, "id"), req.Caller, params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(pos))
}

func (r modifyRequest) toParams() (domain.ModifyParams, error) {
	var params domain.ModifyParams
	var err error

	params.Beneficiary = r.Beneficiary
	params.SlippageBps = r.SlippageBps
	params.MaxPriceDeviationBps = r.MaxPriceDeviationBps
	params.ClearPriceFloor = r.ClearPriceFloor
	params.ClearPriceCap = r.ClearPriceCap
	params.MEVProtection = r.MEVProtection

	if r.AmountPerPeriod != nil {
		amount, err := decimal.NewFromString(*r.AmountPerPeriod)
		if err != nil {
			return params, errors.New("amount_per_period: invalid decimal")
		}
		params.AmountPerPeriod = &amount
	}
	if r.TWAPWindowSecs != nil {
		window := time.Duration(*r.TWAPWindowSecs) * time.Second
		params.TWAPWindow = &window
	}
	if params.PriceFloor, err = optDecimal(r.PriceFloor, "price_floor"); err != nil {
		return params, err
	}
	if params.PriceCap, err = optDecimal(r.PriceCap, "price_cap"); err != nil {
		return params, err
	}
	if params.MaxBaseFeeWei, err = optWei(r.MaxBaseFeeWei, "max_base_fee_wei"); err != nil {
		return params, err
	}
	if params.MaxPriorityFeeWei, err = optWei(r.MaxPriorityFeeWei, "max_priority_fee_wei"); err != nil {
		return params, err
	}
	if r.VenueMode != nil {
		policy := domain.VenuePolicy{Mode: domain.VenueMode(*r.VenueMode)}
		if r.VenuePinned != nil {
			policy.Pinned = domain.VenueKind(*r.VenuePinned)
		}
		params.Venue = &policy
	}
	if r.EndAt != nil {
		t, err := time.Parse(time.RFC3339, *r.EndAt)
		if err != nil {
			return params, errors.New("end_at: invalid RFC3339 timestamp")
		}
		params.EndAt = &t
	}
	return params, nil
}

// Eligibility handles GET /api/positions/{id}/eligibility.
func (h *PositionHandler) Eligibility(w http.ResponseWriter, r *http.Request) {
	eligible, reason, err := h.positions.Eligibility(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{"eligible": eligible}
	if reason != "" {
		resp["reason"] = reason
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ledger handles GET /api/positions/{id}/ledger.
func (h *PositionHandler) Ledger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.ListByPosition(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		v := map[string]any{
			"id":         e.ID,
			"asset":      e.Asset,
			"delta":      e.Delta.String(),
			"kind":       string(e.Kind),
			"created_at": e.CreatedAt.Format(time.RFC3339Nano),
		}
		if e.RefID != "" {
			v["ref_id"] = e.RefID
		}
		if e.Recipient != "" {
			v["recipient"] = e.Recipient
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func positionViews(positions []domain.Position) []map[string]any {
	views := make([]map[string]any, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView(p))
	}
	return views
}

func positionView(p domain.Position) map[string]any {
	v := map[string]any{
		"id":                      p.ID,
		"owner":                   p.Owner,
		"beneficiary":             p.Beneficiary,
		"direction":               string(p.Direction),
		"quote_asset":             p.QuoteAsset,
		"base_asset":              p.BaseAsset,
		"amount_per_period":       p.AmountPerPeriod.String(),
		"cadence":                 string(p.Cadence),
		"start_at":                p.StartAt.Format(time.RFC3339Nano),
		"next_execution_at":       p.NextExecutionAt.Format(time.RFC3339Nano),
		"periods_executed":        p.PeriodsExecuted,
		"slippage_bps":            p.SlippageBps,
		"twap_window_secs":        int64(p.TWAPWindow.Seconds()),
		"max_price_deviation_bps": p.MaxPriceDeviationBps,
		"venue_mode":              string(p.Venue.Mode),
		"mev_protection":          p.MEVProtection,
		"paused":                  p.Paused,
		"canceled":                p.Canceled,
		"generation":              p.Generation,
		"quote_balance":           p.QuoteBalance.String(),
		"base_balance":            p.BaseBalance.String(),
		"created_at":              p.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":              p.UpdatedAt.Format(time.RFC3339Nano),
	}
	if p.EndAt != nil {
		v["end_at"] = p.EndAt.Format(time.RFC3339Nano)
	}
	if p.PriceFloor != nil {
		v["price_floor"] = p.PriceFloor.String()
	}
	if p.PriceCap != nil {
		v["price_cap"] = p.PriceCap.String()
	}
	if p.MaxBaseFeeWei != nil {
		v["max_base_fee_wei"] = p.MaxBaseFeeWei.String()
	}
	if p.MaxPriorityFeeWei != nil {
		v["max_priority_fee_wei"] = p.MaxPriorityFeeWei.String()
	}
	if p.Venue.Mode == domain.VenueModePinned {
		v["venue_pinned"] = string(p.Venue.Pinned)
	}
	if p.EmergencyUnlockAt != nil {
		v["emergency_unlock_at"] = p.EmergencyUnlockAt.Format(time.RFC3339Nano)
	}
	return v
}

func optDecimal(s *string, field string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, errors.New(field + ": invalid decimal")
	}
	return &v, nil
}

func optWei(s *string, field string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(*s, 10)
	if !ok {
		return nil, errors.New(field + ": invalid wei amount")
	}
	return v, nil
}
