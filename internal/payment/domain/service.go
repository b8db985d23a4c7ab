package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	"github.com/careledger/careledger/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

type CreatePaymentRequest struct {
	InvoiceID string          `json:"invoiceId"`
	Amount    decimal.Decimal `json:"amount"`
	Method    PaymentMethod   `json:"method"`
	PaidAt    *time.Time      `json:"paidAt"`
	Reference *string         `json:"reference"`
}

type ListPaymentRequest struct {
	InvoiceID *string
	Method    *PaymentMethod
	OrderBy   string
	Desc      bool
	Page      pagination.Params
}

type ListPaymentResponse struct {
	Payments []Payment       `json:"items"`
	Meta     pagination.Meta `json:"meta"`
}

// CreatePaymentResult carries the ledger row together with the invoice status
// the settlement pass produced, so callers see both sides of the transition.
type CreatePaymentResult struct {
	Payment       Payment                     `json:"payment"`
	InvoiceStatus invoicedomain.InvoiceStatus `json:"invoiceStatus"`
	Outstanding   decimal.Decimal             `json:"outstanding"`
}

type Service interface {
	Create(ctx context.Context, req CreatePaymentRequest) (CreatePaymentResult, error)
	List(ctx context.Context, req ListPaymentRequest) (ListPaymentResponse, error)
	GetByID(ctx context.Context, id string) (Payment, error)
}

var (
	ErrPaymentNotFound    = errors.New("payment_not_found")
	ErrInvalidPaymentID   = errors.New("invalid_payment_id")
	ErrAmountInvalid      = errors.New("amount_invalid")
	ErrMethodInvalid      = errors.New("method_invalid")
	ErrInvoiceVoid        = errors.New("invoice_void")
	ErrInvoiceAlreadyPaid = errors.New("invoice_already_paid")
)

// OverpaymentError rejects a payment that would push the ledger past the
// invoice total by more than the money epsilon. Outstanding is the amount
// still owed at the moment of rejection.
type OverpaymentError struct {
	Outstanding decimal.Decimal
}

func (e *OverpaymentError) Error() string {
	return fmt.Sprintf("overpayment: outstanding %s", e.Outstanding.StringFixed(2))
}
