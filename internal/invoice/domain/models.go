// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft         InvoiceStatus = "DRAFT"
	InvoiceStatusSent          InvoiceStatus = "SENT"
	InvoiceStatusPartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoiceStatusPaid          InvoiceStatus = "PAID"
	InvoiceStatusVoid          InvoiceStatus = "VOID"
)

func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusDraft, InvoiceStatusSent, InvoiceStatusPartiallyPaid,
		InvoiceStatusPaid, InvoiceStatusVoid:
		return true
	default:
		return false
	}
}

// Invoice represents a patient invoice. Invoices are never physically deleted;
// voiding is the terminal off-ramp.
type Invoice struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	InvoiceNumber  string          `gorm:"type:text;not null;uniqueIndex:ux_invoices_number" json:"invoiceNumber"`
	IssueDate      time.Time       `gorm:"not null" json:"issueDate"`
	Currency       string          `gorm:"type:text;not null" json:"currency"`
	Status         InvoiceStatus   `gorm:"type:text;not null;default:'DRAFT'" json:"status"`
	Subtotal       decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"subtotal"`
	TaxTotal       decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"taxTotal"`
	Total          decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total"`
	PaidAt         *time.Time      `json:"paidAt"`
	SentAt         *time.Time      `json:"sentAt"`
	PDFURL         *string         `gorm:"type:text" json:"pdfUrl"`
	PatientID      snowflake.ID    `gorm:"not null;index" json:"patientId"`
	PractitionerID snowflake.ID    `gorm:"not null;index" json:"practitionerId"`
	AppointmentID  *snowflake.ID   `gorm:"uniqueIndex:ux_invoices_appointment" json:"appointmentId"`
	CreatedAt      time.Time       `gorm:"not null" json:"createdAt"`
	UpdatedAt      time.Time       `gorm:"not null" json:"updatedAt"`

	Items []LineItem `gorm:"foreignKey:InvoiceID" json:"items,omitempty"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// LineItem is an embedded invoice line. Lines are immutable outside a full
// invoice edit, which replaces them and recomputes totals atomically.
type LineItem struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	InvoiceID snowflake.ID    `gorm:"not null;index" json:"invoiceId"`
	Label     string          `gorm:"type:text;not null" json:"label"`
	Quantity  int64           `gorm:"not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unitPrice"`
	TaxRate   decimal.Decimal `gorm:"type:numeric(6,4);not null" json:"taxRate"`
	Position  int             `gorm:"not null" json:"position"`
	CreatedAt time.Time       `gorm:"not null" json:"createdAt"`
}

// TableName sets the database table name.
func (LineItem) TableName() string { return "invoice_items" }

// Sequence backs per-month invoice numbering. The counter row is bumped with
// an UPDATE inside the invoice-create transaction, so allocation serializes on
// the row write lock.
type Sequence struct {
	MonthKey  string `gorm:"primaryKey;type:text"`
	LastValue int64  `gorm:"not null"`
}

// TableName sets the database table name.
func (Sequence) TableName() string { return "invoice_sequences" }

// AppointmentSummary is the read-only slice of an appointment the billing
// surface exposes alongside an invoice.
type AppointmentSummary struct {
	ID       snowflake.ID `json:"id"`
	StartsAt time.Time    `json:"startsAt"`
	Reason   string       `json:"reason,omitempty"`
}
