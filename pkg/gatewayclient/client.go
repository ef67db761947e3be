/**
 * @description
 * This package provides a client for the payment gateway's merchant API. It
 * creates hosted checkout links for Xu top-ups. Requests are signed with the
 * merchant checksum key over the five link fields.
 *
 * @dependencies
 * - go.uber.org/zap: Structured logging of rejected requests.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const successCode = "00"

// Signer computes the gateway checksum of a set of fields.
type Signer interface {
	Sign(fields map[string]string) string
}

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	ClientID   string
	APIKey     string
	Signer     Signer
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates a new payment gateway client.
func NewClient(baseURL, clientID, apiKey string, signer Signer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		ClientID: clientID,
		APIKey:   apiKey,
		Signer:   signer,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Logger: logger.Named("gateway_client"),
	}
}

// PaymentLinkRequest describes the checkout to create.
type PaymentLinkRequest struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	CancelURL   string `json:"cancelUrl"`
	ReturnURL   string `json:"returnUrl"`
	ExpiredAt   int64  `json:"expiredAt,omitempty"`
	Signature   string `json:"signature"`
}

// PaymentLink is the created checkout.
type PaymentLink struct {
	CheckoutURL   string `json:"checkoutUrl"`
	PaymentLinkID string `json:"paymentLinkId"`
	OrderCode     int64  `json:"orderCode"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
}

type envelope struct {
	Code string          `json:"code"`
	Desc string          `json:"desc"`
	Data json.RawMessage `json:"data"`
}

// ErrorResponse is a rejection reported by the gateway.
type ErrorResponse struct {
	StatusCode int
	Code       string
	Desc       string
}

func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("payment gateway error (status %d, code %s): %s", e.StatusCode, e.Code, e.Desc)
}

// CreatePaymentLink signs req and asks the gateway for a checkout link.
func (c *Client) CreatePaymentLink(ctx context.Context, req PaymentLinkRequest) (*PaymentLink, error) {
	req.Signature = c.Signer.Sign(map[string]string{
		"amount":      strconv.FormatInt(req.Amount, 10),
		"cancelUrl":   req.CancelURL,
		"description": req.Description,
		"orderCode":   strconv.FormatInt(req.OrderCode, 10),
		"returnUrl":   req.ReturnURL,
	})

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment link request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v2/payment-requests", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment link request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("x-client-id", c.ClientID)
	httpReq.Header.Set("x-api-key", c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payment link request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment link response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &ErrorResponse{StatusCode: resp.StatusCode, Desc: "unparsable error body"}
		}
		return nil, fmt.Errorf("failed to decode payment link response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || env.Code != successCode {
		c.Logger.Warn("payment gateway rejected payment link",
			zap.Int64("order_code", req.OrderCode),
			zap.Int("status", resp.StatusCode),
			zap.String("code", env.Code),
			zap.String("desc", env.Desc),
		)
		return nil, &ErrorResponse{StatusCode: resp.StatusCode, Code: env.Code, Desc: env.Desc}
	}

	var link PaymentLink
	if err := json.Unmarshal(env.Data, &link); err != nil {
		return nil, fmt.Errorf("failed to decode payment link data: %w", err)
	}
	if link.CheckoutURL == "" {
		return nil, fmt.Errorf("payment link response is missing checkoutUrl")
	}
	return &link, nil
}
