// Package domain exposes the read-only patient surface the billing UI needs.
// Patient demographics are mastered by the practice-management system; this
// service only reads them.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/careledger/careledger/pkg/db/pagination"
	"github.com/shopspring/decimal"
)

type Patient struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Email     *string      `gorm:"type:text" json:"email,omitempty"`
	Phone     *string      `gorm:"type:text" json:"phone,omitempty"`
	CreatedAt time.Time    `gorm:"not null" json:"createdAt"`
	UpdatedAt time.Time    `gorm:"not null" json:"updatedAt"`
}

// TableName sets the database table name.
func (Patient) TableName() string { return "patients" }

// BillingSummary aggregates a patient's ledger position.
type BillingSummary struct {
	InvoiceCount int64           `json:"invoiceCount"`
	TotalBilled  decimal.Decimal `json:"totalBilled"`
	TotalPaid    decimal.Decimal `json:"totalPaid"`
	Outstanding  decimal.Decimal `json:"outstanding"`
}

type PatientDetail struct {
	Patient
	Billing BillingSummary `json:"billing"`
}

type ListPatientRequest struct {
	Query string
	Page  pagination.Params
}

type ListPatientResponse struct {
	Patients []Patient       `json:"items"`
	Meta     pagination.Meta `json:"meta"`
}

type Service interface {
	List(ctx context.Context, req ListPatientRequest) (ListPatientResponse, error)
	GetByID(ctx context.Context, id string) (PatientDetail, error)
}

var ErrPatientNotFound = errors.New("patient_not_found")
