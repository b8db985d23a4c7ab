package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	"github.com/careledger/careledger/internal/invoice/settle"
	paymentdomain "github.com/careledger/careledger/internal/payment/domain"
	"github.com/careledger/careledger/pkg/db"
	"github.com/careledger/careledger/pkg/db/option"
	"github.com/careledger/careledger/pkg/db/pagination"
	"github.com/careledger/careledger/pkg/money"
	"github.com/careledger/careledger/pkg/repository"
	"github.com/careledger/careledger/pkg/staffctx"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node

	paymentrepo repository.Repository[paymentdomain.Payment]
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("payment.service"),
		genID: p.GenID,

		paymentrepo: repository.ProvideStore[paymentdomain.Payment](p.DB),
	}
}

// invoiceRow is the slice of the invoice aggregate the ledger needs. Loaded
// with a row lock so concurrent payments against one invoice serialize.
type invoiceRow struct {
	ID     snowflake.ID
	Status invoicedomain.InvoiceStatus
	Total  decimal.Decimal
	PaidAt *time.Time
	SentAt *time.Time
}

func (s *Service) Create(ctx context.Context, req paymentdomain.CreatePaymentRequest) (paymentdomain.CreatePaymentResult, error) {
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(req.InvoiceID))
	if err != nil {
		return paymentdomain.CreatePaymentResult{}, invoicedomain.ErrInvoiceNotFound
	}
	if !req.Amount.IsPositive() {
		return paymentdomain.CreatePaymentResult{}, paymentdomain.ErrAmountInvalid
	}
	if !req.Method.Valid() {
		return paymentdomain.CreatePaymentResult{}, paymentdomain.ErrMethodInvalid
	}

	paidAt := time.Now().UTC()
	if req.PaidAt != nil && !req.PaidAt.IsZero() {
		paidAt = req.PaidAt.UTC()
	}

	apply := ApplyRequest{
		InvoiceID: invoiceID,
		Amount:    req.Amount,
		Method:    req.Method,
		PaidAt:    paidAt,
		Reference: req.Reference,
	}
	if recordedBy := staffctx.PractitionerFrom(ctx); recordedBy != 0 {
		apply.RecordedBy = &recordedBy
	}

	var result paymentdomain.CreatePaymentResult
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, err := Apply(ctx, tx, s.genID, apply)
		if err != nil {
			return err
		}
		result = applied
		return nil
	})
	if err != nil {
		return paymentdomain.CreatePaymentResult{}, err
	}

	s.log.Info("payment recorded",
		zap.String("payment_id", result.Payment.ID.String()),
		zap.String("invoice_id", invoiceID.String()),
		zap.String("amount", result.Payment.Amount.StringFixed(2)),
		zap.String("invoice_status", string(result.InvoiceStatus)),
	)
	return result, nil
}

func (s *Service) List(ctx context.Context, req paymentdomain.ListPaymentRequest) (paymentdomain.ListPaymentResponse, error) {
	filter := &paymentdomain.Payment{}
	if req.InvoiceID != nil {
		invoiceID, err := snowflake.ParseString(strings.TrimSpace(*req.InvoiceID))
		if err != nil {
			return paymentdomain.ListPaymentResponse{}, invoicedomain.ErrInvoiceNotFound
		}
		filter.InvoiceID = invoiceID
	}
	if req.Method != nil {
		filter.Method = *req.Method
	}

	page := req.Page.Normalize()
	items, err := s.paymentrepo.Find(ctx, filter,
		option.WithSortBy(option.QuerySortBy{
			Allow: map[string]bool{
				"paid_at":    true,
				"created_at": true,
				"amount":     true,
			},
			Field:   req.OrderBy,
			Desc:    req.Desc,
			Default: "paid_at",
		}),
		option.WithPage(page.Page, page.PageSize),
	)
	if err != nil {
		return paymentdomain.ListPaymentResponse{}, err
	}
	total, err := s.paymentrepo.Count(ctx, filter)
	if err != nil {
		return paymentdomain.ListPaymentResponse{}, err
	}

	payments := make([]paymentdomain.Payment, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		payments = append(payments, *item)
	}
	return paymentdomain.ListPaymentResponse{
		Payments: payments,
		Meta:     pagination.BuildMeta(page, total),
	}, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (paymentdomain.Payment, error) {
	paymentID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return paymentdomain.Payment{}, paymentdomain.ErrInvalidPaymentID
	}
	payment, err := s.paymentrepo.FindOne(ctx, &paymentdomain.Payment{ID: paymentID})
	if err != nil {
		return paymentdomain.Payment{}, err
	}
	if payment == nil {
		return paymentdomain.Payment{}, paymentdomain.ErrPaymentNotFound
	}
	return *payment, nil
}

// ApplyRequest is one validated ledger application. Callers are responsible
// for running it inside a transaction.
type ApplyRequest struct {
	InvoiceID  snowflake.ID
	Amount     decimal.Decimal
	Method     paymentdomain.PaymentMethod
	PaidAt     time.Time
	Reference  *string
	RecordedBy *snowflake.ID
}

// Apply locks the invoice row, guards the transition, appends the ledger row
// and persists the settlement outcome. The manual payment path and the
// provider webhook path both funnel through here, so there is exactly one
// settlement implementation.
func Apply(ctx context.Context, tx *gorm.DB, genID *snowflake.Node, req ApplyRequest) (paymentdomain.CreatePaymentResult, error) {
	invoice, err := lockInvoice(ctx, tx, req.InvoiceID)
	if err != nil {
		return paymentdomain.CreatePaymentResult{}, err
	}
	if invoice == nil {
		return paymentdomain.CreatePaymentResult{}, invoicedomain.ErrInvoiceNotFound
	}
	if invoice.Status == invoicedomain.InvoiceStatusVoid {
		return paymentdomain.CreatePaymentResult{}, paymentdomain.ErrInvoiceVoid
	}
	if invoice.Status == invoicedomain.InvoiceStatusPaid {
		return paymentdomain.CreatePaymentResult{}, paymentdomain.ErrInvoiceAlreadyPaid
	}

	paid, err := sumPayments(ctx, tx, req.InvoiceID)
	if err != nil {
		return paymentdomain.CreatePaymentResult{}, err
	}

	outstanding := invoice.Total.Sub(paid)
	if req.Amount.Sub(outstanding).GreaterThan(money.Epsilon) {
		return paymentdomain.CreatePaymentResult{}, &paymentdomain.OverpaymentError{Outstanding: money.Round2(outstanding)}
	}

	amount := money.Round2(req.Amount)
	payment := paymentdomain.Payment{
		ID:         genID.Generate(),
		InvoiceID:  req.InvoiceID,
		Amount:     amount,
		Method:     req.Method,
		PaidAt:     req.PaidAt,
		Reference:  req.Reference,
		RecordedBy: req.RecordedBy,
		CreatedAt:  time.Now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&payment).Error; err != nil {
		return paymentdomain.CreatePaymentResult{}, err
	}

	outcome := settle.Settle(
		invoice.Status,
		invoice.Total,
		paid.Add(amount),
		invoice.SentAt != nil,
		invoice.PaidAt != nil,
	)
	if err := applySettlement(ctx, tx, req.InvoiceID, outcome); err != nil {
		return paymentdomain.CreatePaymentResult{}, err
	}

	remaining := invoice.Total.Sub(paid.Add(amount))
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return paymentdomain.CreatePaymentResult{
		Payment:       payment,
		InvoiceStatus: outcome.Status,
		Outstanding:   money.Round2(remaining),
	}, nil
}

func lockInvoice(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoiceRow, error) {
	var invoice invoiceRow
	err := tx.WithContext(ctx).Raw(
		fmt.Sprintf(
			`SELECT id, status, total, paid_at, sent_at
			 FROM invoices
			 WHERE id = ?
			 %s`,
			db.RowLock(tx),
		),
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

// sumPayments aggregates in Go rather than SQL so decimal arithmetic stays
// exact across every supported dialect.
func sumPayments(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (decimal.Decimal, error) {
	var rows []struct {
		Amount decimal.Decimal
	}
	err := tx.WithContext(ctx).Raw(
		`SELECT amount FROM payments WHERE invoice_id = ?`,
		invoiceID,
	).Scan(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	paid := decimal.Zero
	for _, row := range rows {
		paid = paid.Add(row.Amount)
	}
	return paid, nil
}

func applySettlement(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, outcome settle.Outcome) error {
	now := time.Now().UTC()
	if outcome.SetPaidAt {
		return tx.WithContext(ctx).Exec(
			`UPDATE invoices SET status = ?, paid_at = ?, updated_at = ? WHERE id = ?`,
			outcome.Status, now, now, invoiceID,
		).Error
	}
	return tx.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, updated_at = ? WHERE id = ?`,
		outcome.Status, now, invoiceID,
	).Error
}
