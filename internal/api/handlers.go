/**
 * @description
 * This file contains the HTTP handlers for the user-facing wallet and order
 * API. Handlers parse the request, resolve the caller's account from the
 * authenticated subject, call the application service, and render the result.
 * Errors are rendered through one categorised envelope built with go-errors.
 *
 * @dependencies
 * - internal/app, internal/domain: Service logic, models and error kinds.
 * - github.com/go-chi/chi/v5: URL parameters.
 * - github.com/goliatone/go-errors: Error envelopes.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/coduy96/taophim-sub000/internal/app"
	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/webhook"
	"github.com/go-chi/chi/v5"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxRequestBody = 1 << 20

// JobVerifier authenticates job-provider callbacks.
type JobVerifier interface {
	Verify(ctx context.Context, h webhook.Headers, body []byte) error
}

// Handlers holds the application service and webhook verifiers.
type Handlers struct {
	service      *app.Service
	jobVerifier  JobVerifier
	checksum     *webhook.Checksum
	headerPrefix string
	logger       *zap.Logger
}

// NewHandlers creates a new instance of Handlers.
func NewHandlers(service *app.Service, jobVerifier JobVerifier, checksum *webhook.Checksum, headerPrefix string, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		service:      service,
		jobVerifier:  jobVerifier,
		checksum:     checksum,
		headerPrefix: headerPrefix,
		logger:       logger.Named("api"),
	}
}

type accountResponse struct {
	*domain.Account
	BalanceFiat string `json:"balance_fiat"`
	FrozenFiat  string `json:"frozen_fiat"`
}

type orderResponse struct {
	Order   *domain.Order `json:"order"`
	Message string        `json:"message,omitempty"`
}

type createPaymentRequest struct {
	AmountXu int64 `json:"amount_xu"`
}

// currentAccount resolves the authenticated caller's wallet.
func (h *Handlers) currentAccount(w http.ResponseWriter, r *http.Request) (*domain.Account, bool) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		writeError(w, h.logger, domain.NewAuthError("api.auth", "missing authenticated user"))
		return nil, false
	}
	account, err := h.service.GetAccount(r.Context(), userID)
	if err != nil {
		writeError(w, h.logger, err)
		return nil, false
	}
	return account, true
}

// GetAccountHandler returns the caller's balances.
func (h *Handlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}
	writeJSON(w, h.logger, http.StatusOK, accountResponse{
		Account:     account,
		BalanceFiat: h.service.FiatAmount(account.Balance).String(),
		FrozenFiat:  h.service.FiatAmount(account.Frozen).String(),
	})
}

// ListLedgerHandler returns the caller's newest ledger entries.
func (h *Handlers) ListLedgerHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, h.logger, domain.NewValidationError("api.ledger", "limit must be a non-negative integer"))
			return
		}
		limit = parsed
	}

	entries, err := h.service.ListLedgerEntries(r.Context(), account.ID, limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, h.logger, http.StatusOK, map[string]interface{}{"entries": entries})
}

// CreateOrderHandler freezes the order cost and dispatches the job. A failed
// dispatch still returns the pending order, with 202.
func (h *Handlers) CreateOrderHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}

	var req app.CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	order, err := h.service.CreateOrder(r.Context(), account.ID, req)
	h.writeOrderResult(w, http.StatusCreated, order, err)
}

// GetOrderHandler returns one of the caller's orders with its dispatch attempts.
func (h *Handlers) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}
	orderID, ok := h.uuidParam(w, r, "orderID")
	if !ok {
		return
	}

	details, err := h.service.GetOrder(r.Context(), account.ID, orderID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, details)
}

// CancelOrderHandler cancels a pending order and returns its escrow.
func (h *Handlers) CancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}
	orderID, ok := h.uuidParam(w, r, "orderID")
	if !ok {
		return
	}

	order, err := h.service.CancelOrder(r.Context(), account.ID, orderID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, orderResponse{Order: order})
}

// RetryDispatchHandler re-submits a pending order whose dispatch failed.
func (h *Handlers) RetryDispatchHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}
	orderID, ok := h.uuidParam(w, r, "orderID")
	if !ok {
		return
	}

	order, err := h.service.RetryDispatch(r.Context(), account.ID, orderID)
	h.writeOrderResult(w, http.StatusOK, order, err)
}

// CreatePaymentHandler opens a top-up and returns its checkout URL.
func (h *Handlers) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}

	var req createPaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	payment, err := h.service.CreatePaymentRequest(r.Context(), account.ID, req.AmountXu)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusCreated, payment)
}

// GetPaymentHandler returns one of the caller's payment requests.
func (h *Handlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	account, ok := h.currentAccount(w, r)
	if !ok {
		return
	}
	paymentID, ok := h.uuidParam(w, r, "paymentID")
	if !ok {
		return
	}

	payment, err := h.service.GetPaymentRequest(r.Context(), account.ID, paymentID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, payment)
}

// ReconcileHandler runs the reconciliation sweep on demand.
func (h *Handlers) ReconcileHandler(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Reconcile(r.Context())
	if err != nil {
		h.logger.Error("on-demand reconciliation incomplete", zap.Error(err))
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, report)
}

func (h *Handlers) writeOrderResult(w http.ResponseWriter, status int, order *domain.Order, err error) {
	if err != nil {
		if errors.Is(err, domain.ErrProvider) && order != nil {
			writeJSON(w, h.logger, http.StatusAccepted, orderResponse{
				Order:   order,
				Message: "The video service is unavailable. Your order is on hold; retry or cancel it.",
			})
			return
		}
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, h.logger, status, orderResponse{Order: order})
}

func (h *Handlers) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, h.logger, domain.NewValidationError("api.params", fmt.Sprintf("%s must be a UUID", name)))
		return uuid.Nil, false
	}
	return id, true
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domain.NewValidationError("api.decode", "Invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to write response", zap.Error(err))
	}
}

type errorBody struct {
	Category string `json:"category"`
	Code     string `json:"text_code"`
	Message  string `json:"message"`
}

// writeError renders err as a categorised envelope. Internal causes are logged,
// never returned.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	rich := toServiceError(err)
	if rich.Code >= http.StatusInternalServerError {
		logger.Error("request failed", zap.Int("status", rich.Code), zap.Error(err))
	}
	writeJSON(w, logger, rich.Code, map[string]errorBody{"error": {
		Category: fmt.Sprint(rich.Category),
		Code:     rich.TextCode,
		Message:  rich.Message,
	}})
}

// toServiceError maps a domain error kind to its HTTP envelope.
func toServiceError(err error) *goerrors.Error {
	message := domain.PublicMessage(err)

	switch {
	case errors.Is(err, webhook.ErrKeySetUnavailable):
		return goerrors.New("Verification keys unavailable, retry later", goerrors.CategoryExternal).
			WithCode(http.StatusServiceUnavailable).
			WithTextCode("KEYS_UNAVAILABLE")
	case errors.Is(err, domain.ErrValidation):
		return goerrors.New(message, goerrors.CategoryBadInput).
			WithCode(http.StatusBadRequest).
			WithTextCode("BAD_INPUT")
	case errors.Is(err, domain.ErrAuth):
		return goerrors.New(message, goerrors.CategoryAuth).
			WithCode(http.StatusUnauthorized).
			WithTextCode("UNAUTHORIZED")
	case errors.Is(err, domain.ErrNotFound):
		return goerrors.New(message, goerrors.CategoryNotFound).
			WithCode(http.StatusNotFound).
			WithTextCode("NOT_FOUND")
	case errors.Is(err, domain.ErrConflict):
		return goerrors.New(message, goerrors.CategoryConflict).
			WithCode(http.StatusConflict).
			WithTextCode("CONFLICT")
	case errors.Is(err, domain.ErrInsufficientBalance):
		return goerrors.New(message, goerrors.CategoryOperation).
			WithCode(http.StatusPaymentRequired).
			WithTextCode("INSUFFICIENT_BALANCE")
	case errors.Is(err, domain.ErrRateLimited):
		return goerrors.New(message, goerrors.CategoryRateLimit).
			WithCode(http.StatusTooManyRequests).
			WithTextCode("RATE_LIMITED")
	case errors.Is(err, domain.ErrProvider):
		return goerrors.New(message, goerrors.CategoryExternal).
			WithCode(http.StatusBadGateway).
			WithTextCode("PROVIDER_UNAVAILABLE")
	default:
		return goerrors.New("An unexpected error occurred", goerrors.CategoryInternal).
			WithCode(http.StatusInternalServerError).
			WithTextCode("INTERNAL_ERROR")
	}
}
