/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vendora/settlement-service/internal/app"
	"github.com/vendora/settlement-service/internal/domain"
	"github.com/vendora/settlement-service/internal/store"
)

// SettlementHandlers holds the application service that handlers will use.
type SettlementHandlers struct {
	service *app.Service
}

// NewSettlementHandlers creates handlers backed by the given service.
func NewSettlementHandlers(service *app.Service) *SettlementHandlers {
	return &SettlementHandlers{service: service}
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// respondServiceError translates typed business errors into HTTP responses so
// callers can distinguish "fix your request" from "fix the world" failures.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSettlementNotFound),
		errors.Is(err, store.ErrPayoutNotFound),
		errors.Is(err, store.ErrOrderNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, app.ErrNotTransferable):
		respondJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "not_transferable"})
	case errors.Is(err, app.ErrTransferNotReady):
		respondJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "transfer_not_ready"})
	case errors.Is(err, app.ErrInvalidTransition):
		respondJSON(w, http.StatusConflict, errorResponse{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, app.ErrNoPayoutDestination):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "no_payout_destination"})
	case errors.Is(err, app.ErrInsufficientBalance):
		var detail *app.InsufficientBalanceError
		resp := errorResponse{Error: err.Error(), Code: "insufficient_balance"}
		if errors.As(err, &detail) {
			resp.Detail = detail.Error()
		}
		respondJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.Is(err, app.ErrExchangeRateUnavailable):
		respondJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), Code: "exchange_rate_unavailable"})
	case errors.Is(err, app.ErrNothingToPayOut):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Code: "nothing_to_pay_out"})
	case errors.Is(err, store.ErrRetriesExhausted):
		respondJSON(w, http.StatusConflict, errorResponse{Error: "persistent database contention, try again", Code: "retries_exhausted"})
	default:
		log.Printf("level=error component=api msg=\"unexpected handler error\" err=%v", err)
		respondJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error", Code: "internal"})
	}
}

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	return id, err == nil
}

func actorFrom(r *http.Request) string {
	if operator, ok := GetOperatorID(r.Context()); ok {
		return "operator " + operator
	}
	return "operator"
}

// ReleaseSettlementHandler handles POST /settlements/{id}/release. It issues
// a gateway transfer for a held, due settlement and reports the transfer ref.
func (h *SettlementHandlers) ReleaseSettlementHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid settlement id", Code: "bad_request"})
		return
	}

	result, err := h.service.RequestRelease(r.Context(), id, actorFrom(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type refundRequest struct {
	Amount int64  `json:"amount,omitempty"` // minor units; zero means full refund
	Reason string `json:"reason"`
}

// RefundSettlementHandler handles POST /settlements/{id}/refund.
func (h *SettlementHandlers) RefundSettlementHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid settlement id", Code: "bad_request"})
		return
	}
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Code: "bad_request"})
		return
	}
	if req.Amount < 0 {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must not be negative", Code: "bad_request"})
		return
	}

	if err := h.service.RequestRefund(r.Context(), id, req.Amount, req.Reason, actorFrom(r)); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": string(domain.StatusWaitingRefund)})
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

// OpenDisputeHandler handles POST /settlements/{id}/dispute.
func (h *SettlementHandlers) OpenDisputeHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid settlement id", Code: "bad_request"})
		return
	}
	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reason == "" {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "reason is required", Code: "bad_request"})
		return
	}

	if err := h.service.OpenDispute(r.Context(), id, req.Reason); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusDisputed)})
}

// ResolveDisputeHandler handles POST /settlements/{id}/dispute/resolve,
// returning a disputed settlement to held in the seller's favor.
func (h *SettlementHandlers) ResolveDisputeHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid settlement id", Code: "bad_request"})
		return
	}
	var req disputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Code: "bad_request"})
		return
	}

	if err := h.service.ResolveDispute(r.Context(), id, req.Reason); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(domain.StatusHeld)})
}

// GetSettlementHandler handles GET /settlements/{id}.
func (h *SettlementHandlers) GetSettlementHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(r, "id")
	if !ok {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid settlement id", Code: "bad_request"})
		return
	}

	t, err := h.service.GetSettlement(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, t)
}

// ListSellerSettlementsHandler handles GET /sellers/{id}/settlements.
func (h *SettlementHandlers) ListSellerSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := pathUUID(r, "id")
	if !ok {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid seller id", Code: "bad_request"})
		return
	}

	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	settlements, err := h.service.ListSettlementsBySeller(r.Context(), sellerID, limit, offset)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"settlements": settlements,
		"limit":       limit,
		"offset":      offset,
	})
}

// BuildPayoutHandler handles POST /sellers/{id}/payouts, grouping the
// seller's released settlements into a new payout batch.
func (h *SettlementHandlers) BuildPayoutHandler(w http.ResponseWriter, r *http.Request) {
	sellerID, ok := pathUUID(r, "id")
	if !ok {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid seller id", Code: "bad_request"})
		return
	}

	payout, err := h.service.BuildPayout(r.Context(), sellerID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, payout)
}

// ListPayoutItemsHandler handles GET /payouts/{id}/items.
func (h *SettlementHandlers) ListPayoutItemsHandler(w http.ResponseWriter, r *http.Request) {
	payoutID, ok := pathUUID(r, "id")
	if !ok {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payout id", Code: "bad_request"})
		return
	}

	items, err := h.service.GetPayoutItems(r.Context(), payoutID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": items})
}

type exchangeRateRequest struct {
	BaseCurrency   string `json:"base_currency"`
	TargetCurrency string `json:"target_currency"`
	Rate           string `json:"rate"` // decimal string; floats lose precision in JSON
	Source         string `json:"source"`
}

// IngestExchangeRateHandler handles POST /internal/exchange-rates, called by
// the platform's rate poller. Snapshots are append-only.
func (h *SettlementHandlers) IngestExchangeRateHandler(w http.ResponseWriter, r *http.Request) {
	var req exchangeRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Code: "bad_request"})
		return
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil || !rate.IsPositive() || req.BaseCurrency == "" || req.TargetCurrency == "" {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "base_currency, target_currency and a positive decimal rate are required", Code: "bad_request"})
		return
	}

	err = h.service.RecordExchangeRate(r.Context(), domain.ExchangeRateSnapshot{
		BaseCurrency:   req.BaseCurrency,
		TargetCurrency: req.TargetCurrency,
		Rate:           rate,
		CapturedAt:     time.Now().UTC(),
		Source:         req.Source,
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// CancelOrderSettlementsHandler handles POST /internal/orders/{id}/cancel,
// called by the platform core when an order is voided before fulfilment.
func (h *SettlementHandlers) CancelOrderSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathUUID(r, "id")
	if !ok {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid order id", Code: "bad_request"})
		return
	}
	var req cancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Code: "bad_request"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "order cancelled"
	}

	if err := h.service.CancelOrderSettlements(r.Context(), orderID, reason); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
