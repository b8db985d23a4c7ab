package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	checkoutdomain "github.com/careledger/careledger/internal/checkout/domain"
	"github.com/careledger/careledger/internal/checkout/provider"
	"github.com/careledger/careledger/internal/config"
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	paymentdomain "github.com/careledger/careledger/internal/payment/domain"
	"github.com/careledger/careledger/pkg/money"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Cfg      config.Config
	Provider provider.Client
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	cfg      config.Config
	provider provider.Client
}

func NewService(p Params) checkoutdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("checkout.service"),
		cfg:      p.Cfg,
		provider: p.Provider,
	}
}

type invoiceRow struct {
	ID            snowflake.ID
	InvoiceNumber string
	Currency      string
	Status        invoicedomain.InvoiceStatus
	Total         decimal.Decimal
	PatientEmail  *string
}

// CreateSession reads the invoice without locking it. The session amount is a
// snapshot of the outstanding balance; the webhook path re-checks everything
// under a lock when the money actually arrives.
func (s *Service) CreateSession(ctx context.Context, req checkoutdomain.CreateSessionRequest) (checkoutdomain.Session, error) {
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(req.InvoiceID))
	if err != nil {
		return checkoutdomain.Session{}, invoicedomain.ErrInvoiceNotFound
	}

	var invoice invoiceRow
	if err := s.db.WithContext(ctx).Raw(
		`SELECT i.id, i.invoice_number, i.currency, i.status, i.total,
		        p.email AS patient_email
		 FROM invoices i
		 LEFT JOIN patients p ON p.id = i.patient_id
		 WHERE i.id = ?`,
		invoiceID,
	).Scan(&invoice).Error; err != nil {
		return checkoutdomain.Session{}, err
	}
	if invoice.ID == 0 {
		return checkoutdomain.Session{}, invoicedomain.ErrInvoiceNotFound
	}
	if invoice.Status == invoicedomain.InvoiceStatusVoid {
		return checkoutdomain.Session{}, paymentdomain.ErrInvoiceVoid
	}
	if invoice.Status == invoicedomain.InvoiceStatusPaid {
		return checkoutdomain.Session{}, paymentdomain.ErrInvoiceAlreadyPaid
	}

	var rows []struct {
		Amount decimal.Decimal
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT amount FROM payments WHERE invoice_id = ?`,
		invoiceID,
	).Scan(&rows).Error; err != nil {
		return checkoutdomain.Session{}, err
	}
	paid := decimal.Zero
	for _, row := range rows {
		paid = paid.Add(row.Amount)
	}

	// A positive outstanding cent is still collectable; the ledger accepts
	// it, so checkout must offer it.
	outstanding := money.Round2(invoice.Total.Sub(paid))
	if !outstanding.IsPositive() {
		return checkoutdomain.Session{}, checkoutdomain.ErrNothingToPay
	}

	// The payer defaults to the patient on file.
	customerEmail := strings.TrimSpace(req.Email)
	if customerEmail == "" && invoice.PatientEmail != nil {
		customerEmail = *invoice.PatientEmail
	}

	output, err := s.provider.CreateSession(ctx, provider.CreateSessionInput{
		AmountMinor: money.ToMinorUnits(outstanding),
		Currency:    invoice.Currency,
		InvoiceID:   invoice.ID.String(),
		Reference:   invoice.InvoiceNumber,
		Email:       customerEmail,
		Description: strings.TrimSpace(req.Description),
		SuccessURL:  s.cfg.CheckoutSuccessURL,
		CancelURL:   s.cfg.CheckoutCancelURL,
	})
	if err != nil {
		return checkoutdomain.Session{}, err
	}

	s.log.Info("checkout session created",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("session_id", output.SessionID),
		zap.String("amount", outstanding.StringFixed(2)),
	)
	return checkoutdomain.Session{
		SessionID: output.SessionID,
		URL:       output.URL,
		Amount:    outstanding,
		Currency:  invoice.Currency,
	}, nil
}
