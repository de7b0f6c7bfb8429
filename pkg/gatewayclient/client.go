/**
 * @description
 * This package provides a client for the payment gateway's server-side API.
 * It encapsulates the logic for making authenticated HTTP requests, handling
 * request body construction, and parsing responses. The settlement engine
 * reaches the gateway only through these operations; everything else arrives
 * asynchronously as webhooks.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package gatewayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// Client is a client for the payment gateway API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new gateway API client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// TransferRequest is the payload for creating a transfer to a seller account.
type TransferRequest struct {
	Amount         int64             `json:"amount"` // in minor units
	Currency       string            `json:"currency"`
	Destination    string            `json:"destination"`
	TransferGroup  string            `json:"transfer_group,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// Transfer is the gateway's representation of a created transfer.
type Transfer struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
	Reversed    bool   `json:"reversed"`
	Created     int64  `json:"created"`
}

// RefundRequest is the payload for refunding a payment intent.
type RefundRequest struct {
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount,omitempty"` // in minor units; zero means full refund
	Reason         string            `json:"reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// Refund is the gateway's representation of a refund.
type Refund struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// CheckoutSession is the gateway's checkout session object, retrieved as a
// fallback lookup when a webhook payload is missing metadata.
type CheckoutSession struct {
	ID            string            `json:"id"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

// Balance is the platform's gateway balance, per currency.
type Balance struct {
	Available []BalanceAmount `json:"available"`
	Pending   []BalanceAmount `json:"pending"`
}

// BalanceAmount is one currency bucket of the balance.
type BalanceAmount struct {
	Amount   int64  `json:"amount"` // in minor units
	Currency string `json:"currency"`
}

// ErrorResponse represents an error returned by the gateway API.
type ErrorResponse struct {
	ErrorDetail struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorDetail.Message != "" {
		return fmt.Sprintf("gateway api error: %s - %s", e.ErrorDetail.Code, e.ErrorDetail.Message)
	}
	return "unknown gateway api error"
}

// CreateTransfer requests a transfer of settled funds to a seller's account.
// The idempotency key makes retried requests safe on the gateway side.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	var transfer Transfer
	if err := c.post(ctx, "/v1/transfers", req, req.IdempotencyKey, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

// CreateRefund requests a refund against a payment intent.
func (c *Client) CreateRefund(ctx context.Context, req RefundRequest) (*Refund, error) {
	var refund Refund
	if err := c.post(ctx, "/v1/refunds", req, req.IdempotencyKey, &refund); err != nil {
		return nil, err
	}
	return &refund, nil
}

// RetrieveCheckoutSession fetches a checkout session by id.
func (c *Client) RetrieveCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	var session CheckoutSession
	if err := c.get(ctx, "/v1/checkout/sessions/"+id, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetBalance fetches the platform's available balance across currencies.
func (c *Client) GetBalance(ctx context.Context) (*Balance, error) {
	var balance Balance
	if err := c.get(ctx, "/v1/balance", &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, idempotencyKey string, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request for %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	return c.do(req, path, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request for %s: %w", path, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response for %s: %w", path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil {
			log.Printf("level=warn component=gateway_client path=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
			return fmt.Errorf("gateway request %s failed with status %d", path, resp.StatusCode)
		}
		log.Printf("level=warn component=gateway_client path=%s status=%d code=%q msg=%q", path, resp.StatusCode, errResp.ErrorDetail.Code, errResp.ErrorDetail.Message)
		return &errResp
	}

	if err := json.Unmarshal(bodyBytes, out); err != nil {
		return fmt.Errorf("failed to decode response for %s: %w", path, err)
	}
	return nil
}
