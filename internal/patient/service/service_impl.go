package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	patientdomain "github.com/careledger/careledger/internal/patient/domain"
	"github.com/careledger/careledger/pkg/db/pagination"
	"github.com/careledger/careledger/pkg/money"
	"github.com/careledger/careledger/pkg/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	patientrepo repository.Repository[patientdomain.Patient]
}

func NewService(p Params) patientdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("patient.service"),

		patientrepo: repository.ProvideStore[patientdomain.Patient](p.DB),
	}
}

func (s *Service) List(ctx context.Context, req patientdomain.ListPatientRequest) (patientdomain.ListPatientResponse, error) {
	page := req.Page.Normalize()

	stmt := s.db.WithContext(ctx).Model(&patientdomain.Patient{})
	if q := strings.TrimSpace(req.Query); q != "" {
		like := "%" + q + "%"
		stmt = stmt.Where("name LIKE ? OR email LIKE ?", like, like)
	}

	var total int64
	if err := stmt.Count(&total).Error; err != nil {
		return patientdomain.ListPatientResponse{}, err
	}

	var patients []patientdomain.Patient
	if err := stmt.
		Order("name ASC").
		Limit(page.PageSize).
		Offset((page.Page - 1) * page.PageSize).
		Find(&patients).Error; err != nil {
		return patientdomain.ListPatientResponse{}, err
	}

	return patientdomain.ListPatientResponse{
		Patients: patients,
		Meta:     pagination.BuildMeta(page, total),
	}, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (patientdomain.PatientDetail, error) {
	patientID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return patientdomain.PatientDetail{}, patientdomain.ErrPatientNotFound
	}

	patient, err := s.patientrepo.FindOne(ctx, &patientdomain.Patient{ID: patientID})
	if err != nil {
		return patientdomain.PatientDetail{}, err
	}
	if patient == nil {
		return patientdomain.PatientDetail{}, patientdomain.ErrPatientNotFound
	}

	billing, err := s.billingSummary(ctx, patientID)
	if err != nil {
		return patientdomain.PatientDetail{}, err
	}

	return patientdomain.PatientDetail{Patient: *patient, Billing: billing}, nil
}

// billingSummary aggregates in Go so decimal arithmetic stays exact across
// dialects. Void invoices are excluded from both sides.
func (s *Service) billingSummary(ctx context.Context, patientID snowflake.ID) (patientdomain.BillingSummary, error) {
	var invoices []struct {
		ID    snowflake.ID
		Total decimal.Decimal
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id, total FROM invoices WHERE patient_id = ? AND status != ?`,
		patientID, invoicedomain.InvoiceStatusVoid,
	).Scan(&invoices).Error; err != nil {
		return patientdomain.BillingSummary{}, err
	}

	summary := patientdomain.BillingSummary{
		InvoiceCount: int64(len(invoices)),
		TotalBilled:  decimal.Zero,
		TotalPaid:    decimal.Zero,
		Outstanding:  decimal.Zero,
	}
	if len(invoices) == 0 {
		return summary, nil
	}

	ids := make([]snowflake.ID, 0, len(invoices))
	for _, invoice := range invoices {
		summary.TotalBilled = summary.TotalBilled.Add(invoice.Total)
		ids = append(ids, invoice.ID)
	}

	var payments []struct {
		Amount decimal.Decimal
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT amount FROM payments WHERE invoice_id IN ?`,
		ids,
	).Scan(&payments).Error; err != nil {
		return patientdomain.BillingSummary{}, err
	}
	for _, payment := range payments {
		summary.TotalPaid = summary.TotalPaid.Add(payment.Amount)
	}

	outstanding := summary.TotalBilled.Sub(summary.TotalPaid)
	if outstanding.IsNegative() {
		outstanding = decimal.Zero
	}
	summary.TotalBilled = money.Round2(summary.TotalBilled)
	summary.TotalPaid = money.Round2(summary.TotalPaid)
	summary.Outstanding = money.Round2(outstanding)
	return summary, nil
}
