// Package provider is the HTTP client for the external payment provider's
// checkout API.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	checkoutdomain "github.com/careledger/careledger/internal/checkout/domain"
	"github.com/careledger/careledger/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateSessionInput carries everything the provider needs to host a payment
// page. Amount is in minor currency units.
type CreateSessionInput struct {
	AmountMinor int64
	Currency    string
	InvoiceID   string
	Reference   string
	Email       string
	Description string
	SuccessURL  string
	CancelURL   string
}

type CreateSessionOutput struct {
	SessionID string
	URL       string
}

// Client creates checkout sessions at the provider. The HTTP implementation
// is swapped for a stub in tests.
type Client interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (CreateSessionOutput, error)
}

type httpClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
	log       *zap.Logger
}

func NewClient(cfg config.Config, log *zap.Logger) Client {
	return &httpClient{
		baseURL:   strings.TrimRight(cfg.ProviderAPIBaseURL, "/"),
		secretKey: cfg.ProviderSecretKey,
		client:    &http.Client{Timeout: 15 * time.Second},
		log:       log.Named("checkout.provider"),
	}
}

type sessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (c *httpClient) CreateSession(ctx context.Context, input CreateSessionInput) (CreateSessionOutput, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(input.AmountMinor, 10))
	form.Set("currency", strings.ToLower(input.Currency))
	form.Set("metadata[invoice_id]", input.InvoiceID)
	form.Set("client_reference_id", input.Reference)
	form.Set("success_url", input.SuccessURL)
	form.Set("cancel_url", input.CancelURL)
	if input.Email != "" {
		form.Set("customer_email", input.Email)
	}
	if input.Description != "" {
		form.Set("description", input.Description)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.baseURL+"/v1/checkout/sessions",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return CreateSessionOutput{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("provider request failed", zap.Error(err))
		return CreateSessionOutput{}, checkoutdomain.ErrProviderUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.log.Warn("provider rejected session create",
			zap.Int("status", resp.StatusCode),
			zap.String("invoice_id", input.InvoiceID),
		)
		return CreateSessionOutput{}, checkoutdomain.ErrProviderUnavailable
	}

	var session sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return CreateSessionOutput{}, fmt.Errorf("decode provider response: %w", err)
	}
	if session.ID == "" || session.URL == "" {
		return CreateSessionOutput{}, checkoutdomain.ErrProviderUnavailable
	}
	return CreateSessionOutput{SessionID: session.ID, URL: session.URL}, nil
}
