// Package domain describes hosted checkout sessions for invoice payments.
package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Session is a hosted payment page created at the provider. Nothing is
// persisted locally; the ledger only changes when the provider's webhook
// confirms the payment.
type Session struct {
	SessionID string          `json:"sessionId"`
	URL       string          `json:"url"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type CreateSessionRequest struct {
	InvoiceID   string `json:"invoiceId"`
	Email       string `json:"email,omitempty"`
	Description string `json:"description,omitempty"`
}

type Service interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (Session, error)
}

var (
	ErrNothingToPay        = errors.New("nothing_to_pay")
	ErrProviderUnavailable = errors.New("provider_unavailable")
)
