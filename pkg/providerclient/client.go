/**
 * @description
 * This package provides a client for the video provider's job queue API. It
 * submits a model request with a callback URL and returns the provider's
 * request id, which becomes the idempotency anchor for the callback.
 *
 * @notes
 * - A non-2xx answer is returned as *ErrorResponse: the provider definitely
 *   rejected the job. Any other error (transport failure, timeout, unreadable
 *   success body) leaves the outcome unknown.
 *
 * @dependencies
 * - go.uber.org/zap: Structured logging of rejected submissions.
 */
package providerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const maxErrorBodyBytes = 64 << 10

// Client is a client for the provider queue API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewClient creates a new provider queue client.
func NewClient(baseURL, apiKey string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Logger: logger.Named("provider_client"),
	}
}

// SubmitResponse is the queue API's answer to a submission.
type SubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url,omitempty"`
	ResponseURL string `json:"response_url,omitempty"`
}

// ErrorResponse is a definitive rejection from the provider.
type ErrorResponse struct {
	StatusCode int
	Detail     string
}

func (e *ErrorResponse) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("provider api error (status %d): %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("provider api error (status %d)", e.StatusCode)
}

// Submit enqueues payload for modelID. The provider posts the result to webhookURL.
func (c *Client) Submit(ctx context.Context, modelID string, payload interface{}, webhookURL string) (*SubmitResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal submit request: %w", err)
	}

	endpoint := c.BaseURL + "/" + strings.TrimLeft(modelID, "/")
	if webhookURL != "" {
		endpoint += "?fal_webhook=" + url.QueryEscape(webhookURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Key "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute submit request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		errResp := &ErrorResponse{StatusCode: resp.StatusCode, Detail: errorDetail(bodyBytes)}
		c.Logger.Warn("provider rejected submission",
			zap.String("model_id", modelID),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", errResp.Detail),
		)
		return nil, errResp
	}

	var out SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode submit response: %w", err)
	}
	if out.RequestID == "" {
		return nil, errors.New("submit response is missing request_id")
	}
	return &out, nil
}

// errorDetail extracts a readable message from the provider's error body,
// which carries detail either as a string or a list of objects.
func errorDetail(body []byte) string {
	var parsed struct {
		Detail json.RawMessage `json:"detail"`
		Error  string          `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return strings.TrimSpace(string(body))
	}
	if parsed.Error != "" {
		return parsed.Error
	}
	var s string
	if err := json.Unmarshal(parsed.Detail, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(parsed.Detail, &items); err == nil {
		msgs := make([]string, 0, len(items))
		for _, item := range items {
			if item.Msg != "" {
				msgs = append(msgs, item.Msg)
			}
		}
		return strings.Join(msgs, "; ")
	}
	return strings.TrimSpace(string(parsed.Detail))
}
