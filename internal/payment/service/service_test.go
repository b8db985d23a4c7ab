package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	paymentdomain "github.com/careledger/careledger/internal/payment/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSchema = `
CREATE TABLE invoices (
	id INTEGER PRIMARY KEY,
	invoice_number TEXT NOT NULL UNIQUE,
	issue_date DATETIME NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'DRAFT',
	subtotal NUMERIC(12,2) NOT NULL,
	tax_total NUMERIC(12,2) NOT NULL,
	total NUMERIC(12,2) NOT NULL,
	paid_at DATETIME,
	sent_at DATETIME,
	pdf_url TEXT,
	patient_id INTEGER NOT NULL,
	practitioner_id INTEGER NOT NULL,
	appointment_id INTEGER UNIQUE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE payments (
	id INTEGER PRIMARY KEY,
	invoice_id INTEGER NOT NULL,
	amount NUMERIC(12,2) NOT NULL,
	method TEXT NOT NULL,
	paid_at DATETIME NOT NULL,
	reference TEXT,
	recorded_by INTEGER,
	created_at DATETIME NOT NULL
);
`

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(testSchema).Error)
	return db
}

func newTestService(t *testing.T, db *gorm.DB) (paymentdomain.Service, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	return NewService(Params{DB: db, Log: zap.NewNop(), GenID: node}), node
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedInvoice(t *testing.T, db *gorm.DB, node *snowflake.Node, status invoicedomain.InvoiceStatus, total string) snowflake.ID {
	t.Helper()
	id := node.Generate()
	now := time.Now().UTC()
	var sentAt any
	if status != invoicedomain.InvoiceStatusDraft {
		sentAt = now
	}
	require.NoError(t, db.Exec(
		`INSERT INTO invoices
		 (id, invoice_number, issue_date, currency, status, subtotal, tax_total, total,
		  sent_at, patient_id, practitioner_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, "202608-"+id.String(), now, "EUR", status,
		dec(total), dec("0"), dec(total),
		sentAt, node.Generate(), node.Generate(), now, now,
	).Error)
	return id
}

func invoiceState(t *testing.T, db *gorm.DB, id snowflake.ID) (invoicedomain.InvoiceStatus, *time.Time) {
	t.Helper()
	var row struct {
		Status invoicedomain.InvoiceStatus
		PaidAt *time.Time
	}
	require.NoError(t, db.Raw(
		`SELECT status, paid_at FROM invoices WHERE id = ?`, id,
	).Scan(&row).Error)
	return row.Status, row.PaidAt
}

func TestRecordPaymentPartialThenPaid(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "71.36")

	partial, err := svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("30.00"),
		Method:    paymentdomain.MethodCash,
	})
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, partial.InvoiceStatus)
	require.True(t, partial.Outstanding.Equal(dec("41.36")), "outstanding %s", partial.Outstanding)

	status, paidAt := invoiceState(t, db, invoiceID)
	require.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, status)
	require.Nil(t, paidAt)

	full, err := svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("41.36"),
		Method:    paymentdomain.MethodCard,
	})
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, full.InvoiceStatus)
	require.True(t, full.Outstanding.IsZero())

	status, paidAt = invoiceState(t, db, invoiceID)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, status)
	require.NotNil(t, paidAt)
}

func TestRecordPaymentOnPaidInvoiceRejected(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "50.00")

	_, err := svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("50.00"),
		Method:    paymentdomain.MethodTransfer,
	})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("1.00"),
		Method:    paymentdomain.MethodCash,
	})
	require.ErrorIs(t, err, paymentdomain.ErrInvoiceAlreadyPaid)
}

func TestOverpaymentRejected(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "71.36")

	_, err := svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("100.00"),
		Method:    paymentdomain.MethodCash,
	})

	var overpayment *paymentdomain.OverpaymentError
	require.ErrorAs(t, err, &overpayment)
	require.True(t, overpayment.Outstanding.Equal(dec("71.36")), "outstanding %s", overpayment.Outstanding)

	// The rejected attempt must leave no ledger row behind.
	var count int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(*) FROM payments WHERE invoice_id = ?`, invoiceID,
	).Scan(&count).Error)
	require.Zero(t, count)
}

func TestEpsilonSettlement(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "50.00")

	// A legacy unrounded ledger row leaves 0.005 outstanding; the next cent
	// settles the invoice instead of tripping the overpayment guard.
	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO payments (id, invoice_id, amount, method, paid_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		node.Generate(), invoiceID, dec("49.995"), paymentdomain.MethodCash, now, now,
	).Error)

	result, err := svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("0.01"),
		Method:    paymentdomain.MethodCash,
	})
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, result.InvoiceStatus)
}

func TestPaymentOnVoidInvoice(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusVoid, "50.00")

	_, err := svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("10.00"),
		Method:    paymentdomain.MethodCash,
	})
	require.ErrorIs(t, err, paymentdomain.ErrInvoiceVoid)
}

func TestPaymentValidation(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "50.00")

	_, err := svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("0"),
		Method:    paymentdomain.MethodCash,
	})
	require.ErrorIs(t, err, paymentdomain.ErrAmountInvalid)

	_, err = svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("-5.00"),
		Method:    paymentdomain.MethodCash,
	})
	require.ErrorIs(t, err, paymentdomain.ErrAmountInvalid)

	_, err = svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("10.00"),
		Method:    paymentdomain.PaymentMethod("BARTER"),
	})
	require.ErrorIs(t, err, paymentdomain.ErrMethodInvalid)

	_, err = svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: node.Generate().String(),
		Amount:    dec("10.00"),
		Method:    paymentdomain.MethodCash,
	})
	require.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
}

func TestDraftInvoiceStaysDraftOnPartial(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusDraft, "50.00")

	result, err := svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("20.00"),
		Method:    paymentdomain.MethodCash,
	})
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusPartiallyPaid, result.InvoiceStatus)
}

func TestListAndGetPayments(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "50.00")
	otherID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "80.00")

	first, err := svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: invoiceID.String(),
		Amount:    dec("20.00"),
		Method:    paymentdomain.MethodCash,
	})
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
		InvoiceID: otherID.String(),
		Amount:    dec("80.00"),
		Method:    paymentdomain.MethodTransfer,
	})
	require.NoError(t, err)

	invoiceStr := invoiceID.String()
	byInvoice, err := svc.List(context.Background(), paymentdomain.ListPaymentRequest{InvoiceID: &invoiceStr})
	require.NoError(t, err)
	require.Len(t, byInvoice.Payments, 1)
	require.Equal(t, first.Payment.ID, byInvoice.Payments[0].ID)

	method := paymentdomain.MethodTransfer
	byMethod, err := svc.List(context.Background(), paymentdomain.ListPaymentRequest{Method: &method})
	require.NoError(t, err)
	require.Len(t, byMethod.Payments, 1)

	payment, err := svc.GetByID(context.Background(), first.Payment.ID.String())
	require.NoError(t, err)
	require.True(t, payment.Amount.Equal(dec("20.00")))

	_, err = svc.GetByID(context.Background(), node.Generate().String())
	require.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)
}

func TestConcurrentFullPayments(t *testing.T) {
	db := newTestDB(t)
	svc, node := newTestService(t, db)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "71.40")

	const writers = 4
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), paymentdomain.CreatePaymentRequest{
				InvoiceID: invoiceID.String(),
				Amount:    dec("71.40"),
				Method:    paymentdomain.MethodCard,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Exactly one writer lands the payment; every loser hits the ledger
	// guard against paying a settled invoice.
	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, paymentdomain.ErrInvoiceAlreadyPaid)
	}
	require.Equal(t, 1, succeeded)

	status, paidAt := invoiceState(t, db, invoiceID)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, status)
	require.NotNil(t, paidAt)

	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM payments WHERE invoice_id = ?`, invoiceID).Scan(&count).Error)
	require.EqualValues(t, 1, count)
}
