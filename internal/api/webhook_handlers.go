package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/coduy96/taophim-sub000/internal/app"
	"github.com/coduy96/taophim-sub000/internal/domain"
	"github.com/coduy96/taophim-sub000/internal/metrics"
	"github.com/coduy96/taophim-sub000/internal/webhook"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	sourceJob     = "job"
	sourcePayment = "payment"
	gatewayOK     = "00"
)

// jobCallback is the job provider's webhook body.
type jobCallback struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	Error     string          `json:"error"`
}

type jobCallbackPayload struct {
	Video *struct {
		URL string `json:"url"`
	} `json:"video"`
}

// paymentCallback is the payment gateway's webhook envelope.
type paymentCallback struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

type paymentCallbackData struct {
	OrderCode     int64       `json:"orderCode"`
	Amount        json.Number `json:"amount"`
	Reference     string      `json:"reference"`
	PaymentLinkID string      `json:"paymentLinkId"`
	Code          string      `json:"code"`
	Desc          string      `json:"desc"`
}

// HandleJobWebhook verifies and settles a job-provider callback. Every handled
// outcome, unknown jobs included, answers 200 so the provider stops retrying.
func (h *Handlers) HandleJobWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.rejectWebhook(w, sourceJob, domain.NewValidationError("webhook.job", "unreadable body"))
		return
	}

	headers := webhook.HeadersFrom(r.Header, h.headerPrefix)
	if err := h.jobVerifier.Verify(r.Context(), headers, body); err != nil {
		h.rejectWebhook(w, sourceJob, err)
		return
	}

	var callback jobCallback
	if err := json.Unmarshal(body, &callback); err != nil || callback.RequestID == "" || callback.Status == "" {
		h.rejectWebhook(w, sourceJob, domain.NewValidationError("webhook.job", "malformed callback body"))
		return
	}
	if callback.RequestID != headers.RequestID {
		h.rejectWebhook(w, sourceJob, domain.NewAuthError("webhook.job", "request id does not match the signed header"))
		return
	}

	result := app.JobResult{
		RequestID: callback.RequestID,
		JobHint:   jobHintFromQuery(r),
		Status:    strings.ToUpper(strings.TrimSpace(callback.Status)),
		VideoURL:  videoURL(callback.Payload),
		Error:     callback.Error,
	}

	outcome, err := h.service.HandleJobResult(r.Context(), result)
	if err != nil {
		h.rejectWebhook(w, sourceJob, err)
		return
	}

	metrics.WebhookRequests.WithLabelValues(sourceJob, string(outcome)).Inc()
	writeJSON(w, h.logger, http.StatusOK, map[string]string{"status": string(outcome)})
}

// HandlePaymentWebhook verifies the checksum and settles a payment-gateway callback.
func (h *Handlers) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	var callback paymentCallback
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&callback); err != nil || len(callback.Data) == 0 {
		h.rejectWebhook(w, sourcePayment, domain.NewValidationError("webhook.payment", "malformed callback body"))
		return
	}

	if err := h.checksum.VerifyData(callback.Data, callback.Signature); err != nil {
		h.rejectWebhook(w, sourcePayment, err)
		return
	}

	var data paymentCallbackData
	dec := json.NewDecoder(bytes.NewReader(callback.Data))
	dec.UseNumber()
	if err := dec.Decode(&data); err != nil || data.OrderCode == 0 {
		h.rejectWebhook(w, sourcePayment, domain.NewValidationError("webhook.payment", "malformed callback data"))
		return
	}
	amount, err := decimal.NewFromString(data.Amount.String())
	if err != nil {
		h.rejectWebhook(w, sourcePayment, domain.NewValidationError("webhook.payment", "malformed amount"))
		return
	}

	result := app.PaymentResult{
		OrderCode:     data.OrderCode,
		Amount:        amount,
		Success:       callback.Code == gatewayOK && callback.Success && (data.Code == "" || data.Code == gatewayOK),
		Reference:     data.Reference,
		PaymentLinkID: data.PaymentLinkID,
	}

	outcome, err := h.service.HandlePaymentResult(r.Context(), result)
	if err != nil {
		h.rejectWebhook(w, sourcePayment, err)
		return
	}

	metrics.WebhookRequests.WithLabelValues(sourcePayment, string(outcome)).Inc()
	writeJSON(w, h.logger, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handlers) rejectWebhook(w http.ResponseWriter, source string, err error) {
	outcome := "error"
	switch {
	case errors.Is(err, webhook.ErrKeySetUnavailable):
		outcome = "keys_unavailable"
	case errors.Is(err, domain.ErrAuth):
		outcome = "unauthorized"
	case errors.Is(err, domain.ErrValidation):
		outcome = "invalid"
	}
	metrics.WebhookRequests.WithLabelValues(source, outcome).Inc()
	h.logger.Warn("webhook rejected", zap.String("source", source), zap.String("outcome", outcome), zap.Error(err))
	writeError(w, h.logger, err)
}

// jobHintFromQuery reads the job id the callback URL was issued with.
func jobHintFromQuery(r *http.Request) *uuid.UUID {
	raw := r.URL.Query().Get("job")
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func videoURL(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var p jobCallbackPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Video == nil {
		return ""
	}
	return strings.TrimSpace(p.Video.URL)
}
