package domain

import (
	"context"
	"errors"
	"time"

	"github.com/careledger/careledger/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

// LineItemInput is one requested invoice line.
type LineItemInput struct {
	Label     string          `json:"label"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	TaxRate   decimal.Decimal `json:"taxRate"`
}

type CreateInvoiceRequest struct {
	PatientID     string          `json:"patientId"`
	AppointmentID *string         `json:"appointmentId"`
	Items         []LineItemInput `json:"items"`
	Currency      string          `json:"currency"`
	IssueDate     *time.Time      `json:"date"`
}

type EditInvoiceRequest struct {
	Items     []LineItemInput `json:"items"`
	IssueDate *time.Time      `json:"date"`
	Currency  *string         `json:"currency"`
}

type ListInvoiceRequest struct {
	Status    *InvoiceStatus
	Query     string
	PatientID *string
	OrderBy   string
	Desc      bool
	Page      pagination.Params
}

type ListInvoiceResponse struct {
	Invoices []Invoice       `json:"items"`
	Meta     pagination.Meta `json:"meta"`
}

// InvoiceDetail is the full read model for a single invoice.
type InvoiceDetail struct {
	Invoice
	Payments    []InvoicePayment    `json:"payments"`
	Appointment *AppointmentSummary `json:"appointment,omitempty"`
}

// InvoicePayment mirrors the ledger rows belonging to this invoice without
// importing the payment package (the dependency runs the other way).
type InvoicePayment struct {
	ID        string          `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method"`
	PaidAt    time.Time       `json:"paidAt"`
	Reference *string         `json:"reference,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	Edit(ctx context.Context, id string, req EditInvoiceRequest) (Invoice, error)
	Send(ctx context.Context, id string) (Invoice, error)
	Void(ctx context.Context, id string) (Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	GetByID(ctx context.Context, id string) (InvoiceDetail, error)
	RenderPDF(ctx context.Context, id string) ([]byte, error)
}

var (
	ErrInvoiceNotFound             = errors.New("invoice_not_found")
	ErrInvalidInvoiceID            = errors.New("invalid_invoice_id")
	ErrInvoiceLocked               = errors.New("invoice_locked")
	ErrCannotSendVoid              = errors.New("cannot_send_void")
	ErrCannotVoidPaid              = errors.New("cannot_void_paid")
	ErrDuplicateAppointmentInvoice = errors.New("duplicate_appointment_invoice")
	ErrPatientNotFound             = errors.New("patient_not_found")
	ErrAppointmentNotFound         = errors.New("appointment_not_found")
	ErrPatientMissingEmail         = errors.New("patient_missing_email")
	ErrItemsRequired               = errors.New("items_required")
	ErrItemInvalid                 = errors.New("item_invalid")
	ErrInvalidCurrency             = errors.New("invalid_currency")
)
