// Package domain contains persistence models for the payment ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// PaymentMethod enumerates how money arrived.
type PaymentMethod string

const (
	MethodCash             PaymentMethod = "CASH"
	MethodCard             PaymentMethod = "CARD"
	MethodTransfer         PaymentMethod = "TRANSFER"
	MethodCheck            PaymentMethod = "CHECK"
	MethodExternalProvider PaymentMethod = "EXTERNAL_PROVIDER"
)

// Valid reports whether m is one of the known methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodCard, MethodTransfer, MethodCheck, MethodExternalProvider:
		return true
	}
	return false
}

// Payment is one append-only ledger row. Rows are never updated or deleted;
// corrections happen by voiding the invoice and reissuing.
type Payment struct {
	ID         snowflake.ID    `gorm:"primaryKey" json:"id"`
	InvoiceID  snowflake.ID    `gorm:"not null;index" json:"invoiceId"`
	Amount     decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Method     PaymentMethod   `gorm:"type:text;not null" json:"method"`
	PaidAt     time.Time       `gorm:"not null" json:"paidAt"`
	Reference  *string         `gorm:"type:text" json:"reference,omitempty"`
	RecordedBy *snowflake.ID   `json:"recordedBy,omitempty"`
	CreatedAt  time.Time       `gorm:"not null" json:"createdAt"`
}

// TableName sets the database table name.
func (Payment) TableName() string { return "payments" }
