package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bobjiang/bitcoindca-sub000/internal/domain"
	"github.com/bobjiang/bitcoindca-sub000/internal/executor"
)

// ExecuteHandler exposes the permissionless execution trigger and the
// execution record history.
type ExecuteHandler struct {
	orchestrator *executor.Orchestrator
	executions   domain.ExecutionStore
	logger       *slog.Logger
}

// NewExecuteHandler creates an ExecuteHandler.
func NewExecuteHandler(orchestrator *executor.Orchestrator, executions domain.ExecutionStore, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		orchestrator: orchestrator,
		executions:   executions,
		logger:       logHandler(logger, "execute"),
	}
}

type executeRequest struct {
	PositionID string `json:"position_id"`
}

// Execute handles POST /api/executions/execute. A skip is a successful
// request; the outcome tells the caller what happened.
func (h *ExecuteHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PositionID == "" {
		writeError(w, http.StatusBadRequest, "position_id is required")
		return
	}

	res, err := h.orchestrator.Execute(r.Context(), req.PositionID)
	if err != nil && res.Record.ID == "" {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultView(res))
}

type batchRequest struct {
	PositionIDs []string `json:"position_ids"`
}

// Batch handles POST /api/executions/batch. Results are per-position; one
// failure never hides another's outcome.
func (h *ExecuteHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.PositionIDs) == 0 {
		writeError(w, http.StatusBadRequest, "position_ids is required")
		return
	}

	results, err := h.orchestrator.BatchExecute(r.Context(), req.PositionIDs)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	views := make([]map[string]any, 0, len(results))
	for _, res := range results {
		views = append(views, resultView(res))
	}
	writeJSON(w, http.StatusOK, views)
}

// Recent handles GET /api/executions/recent.
func (h *ExecuteHandler) Recent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	records, err := h.executions.ListRecent(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordViews(records))
}

// Quote handles GET /api/positions/{id}/quote. It dry-runs the execution
// choreography without trading or taking locks.
func (h *ExecuteHandler) Quote(w http.ResponseWriter, r *http.Request) {
	pv, err := h.orchestrator.Quote(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	v := map[string]any{
		"position_id":  pv.PositionID,
		"eligible":     pv.Eligible,
		"input_amount": pv.InputAmount.String(),
	}
	if pv.Reason != domain.SkipNone {
		v["skip_reason"] = string(pv.Reason)
	}
	if pv.Venue != "" {
		v["venue"] = string(pv.Venue)
	}
	if !pv.NetInput.IsZero() {
		v["net_input"] = pv.NetInput.String()
		v["protocol_fee"] = pv.ProtocolFee.String()
		v["execution_fee"] = pv.ExecutionFee.String()
	}
	if !pv.MinAmountOut.IsZero() {
		v["min_amount_out"] = pv.MinAmountOut.String()
	}
	if !pv.QuotedOut.IsZero() {
		v["quoted_out"] = pv.QuotedOut.String()
	}
	if !pv.OraclePrice.IsZero() {
		v["oracle_price"] = pv.OraclePrice.String()
	}
	if !pv.TWAPPrice.IsZero() {
		v["twap_price"] = pv.TWAPPrice.String()
	}
	writeJSON(w, http.StatusOK, v)
}

// ByPosition handles GET /api/positions/{id}/executions.
func (h *ExecuteHandler) ByPosition(w http.ResponseWriter, r *http.Request) {
	records, err := h.executions.ListByPosition(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordViews(records))
}

func resultView(res executor.Result) map[string]any {
	v := map[string]any{
		"position_id": res.PositionID,
		"outcome":     string(res.Outcome),
	}
	if res.SkipReason != domain.SkipNone {
		v["skip_reason"] = string(res.SkipReason)
	}
	if res.Err != nil {
		v["error"] = res.Err.Error()
	}
	if res.Record.ID != "" {
		v["record"] = recordView(res.Record)
	}
	return v
}

func recordViews(records []domain.ExecutionRecord) []map[string]any {
	views := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView(rec))
	}
	return views
}

func recordView(rec domain.ExecutionRecord) map[string]any {
	v := map[string]any{
		"id":          rec.ID,
		"position_id": rec.PositionID,
		"outcome":     string(rec.Outcome),
		"generation":  rec.Generation,
		"executed_at": rec.ExecutedAt.Format(time.RFC3339Nano),
	}
	if rec.SkipReason != domain.SkipNone {
		v["skip_reason"] = string(rec.SkipReason)
	}
	if rec.Venue != "" {
		v["venue"] = string(rec.Venue)
	}
	if !rec.Skipped() {
		v["input_amount"] = rec.InputAmount.String()
		v["amount_out"] = rec.AmountOut.String()
		v["protocol_fee"] = rec.ProtocolFee.String()
		v["execution_fee"] = rec.ExecutionFee.String()
		v["price_impact_bps"] = rec.PriceImpactBps
	}
	if !rec.OraclePrice.IsZero() {
		v["oracle_price"] = rec.OraclePrice.String()
	}
	if !rec.TWAPPrice.IsZero() {
		v["twap_price"] = rec.TWAPPrice.String()
	}
	if !rec.RoutePrice.IsZero() {
		v["route_price"] = rec.RoutePrice.String()
	}
	return v
}
