package service

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/careledger/careledger/internal/config"
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	webhookdomain "github.com/careledger/careledger/internal/webhook/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testSecret = "whsec_test"

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

CREATE TABLE webhook_events (
	id INTEGER PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	provider TEXT NOT NULL,
	kind TEXT NOT NULL,
	invoice_id INTEGER,
	status TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	received_at DATETIME NOT NULL
);
`

func newTestService(t *testing.T) (webhookdomain.Service, *gorm.DB, *snowflake.Node) {
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

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Cfg:   config.Config{ProviderWebhookSecret: testSecret},
	})
	return svc, db, node
}

func seedInvoice(t *testing.T, db *gorm.DB, node *snowflake.Node, status invoicedomain.InvoiceStatus, total string) snowflake.ID {
	t.Helper()
	id := node.Generate()
	now := time.Now().UTC()
	require.NoError(t, db.Exec(
		`INSERT INTO invoices
		 (id, invoice_number, issue_date, currency, status, subtotal, tax_total, total,
		  sent_at, patient_id, practitioner_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, "202608-"+id.String(), now, "EUR", status,
		decimal.RequireFromString(total), decimal.Zero, decimal.RequireFromString(total),
		now, node.Generate(), node.Generate(), now, now,
	).Error)
	return id
}

func eventPayload(eventID, eventType string, amountMinor int64, invoiceID string) []byte {
	metadata := "{}"
	if invoiceID != "" {
		metadata = fmt.Sprintf(`{"invoice_id":%q}`, invoiceID)
	}
	return []byte(fmt.Sprintf(
		`{"id":%q,"type":%q,"created":1756600000,"data":{"object":{"id":"pay_123","amount":%d,"currency":"eur","metadata":%s}}}`,
		eventID, eventType, amountMinor, metadata,
	))
}

func signedHeader(payload []byte) string {
	return SignPayload(testSecret, strconv.FormatInt(time.Now().Unix(), 10), payload)
}

func TestIngestAppliesPayment(t *testing.T) {
	svc, db, node := newTestService(t)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "71.36")

	payload := eventPayload("evt_1", "payment.succeeded", 7136, invoiceID.String())
	result, err := svc.Ingest(context.Background(), payload, signedHeader(payload))
	require.NoError(t, err)
	require.False(t, result.Duplicate)
	require.True(t, result.Applied)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, result.InvoiceStatus)

	var row struct {
		Status invoicedomain.InvoiceStatus
		PaidAt *time.Time
	}
	require.NoError(t, db.Raw(
		`SELECT status, paid_at FROM invoices WHERE id = ?`, invoiceID,
	).Scan(&row).Error)
	require.Equal(t, invoicedomain.InvoiceStatusPaid, row.Status)
	require.NotNil(t, row.PaidAt)

	var reference string
	require.NoError(t, db.Raw(
		`SELECT reference FROM payments WHERE invoice_id = ?`, invoiceID,
	).Scan(&reference).Error)
	require.Equal(t, "pay_123", reference)
}

func TestIngestReplayIsIdempotent(t *testing.T) {
	svc, db, node := newTestService(t)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "71.36")

	payload := eventPayload("evt_replay", "payment.succeeded", 3000, invoiceID.String())
	first, err := svc.Ingest(context.Background(), payload, signedHeader(payload))
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := svc.Ingest(context.Background(), payload, signedHeader(payload))
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.False(t, second.Applied)

	// Exactly one ledger row despite two deliveries.
	var count int64
	require.NoError(t, db.Raw(
		`SELECT COUNT(*) FROM payments WHERE invoice_id = ?`, invoiceID,
	).Scan(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestIngestBadSignature(t *testing.T) {
	svc, _, node := newTestService(t)
	payload := eventPayload("evt_bad", "payment.succeeded", 1000, node.Generate().String())

	_, err := svc.Ingest(context.Background(), payload, "t=123,v1=deadbeef")
	require.ErrorIs(t, err, webhookdomain.ErrInvalidSignature)

	_, err = svc.Ingest(context.Background(), payload, "")
	require.ErrorIs(t, err, webhookdomain.ErrInvalidSignature)
}

func TestIngestMalformedPayload(t *testing.T) {
	svc, _, _ := newTestService(t)

	payload := []byte(`{"type":"payment.succeeded"`)
	_, err := svc.Ingest(context.Background(), payload, signedHeader(payload))
	require.ErrorIs(t, err, webhookdomain.ErrInvalidPayload)

	payload = []byte(`{"type":"payment.succeeded"}`)
	_, err = svc.Ingest(context.Background(), payload, signedHeader(payload))
	require.ErrorIs(t, err, webhookdomain.ErrInvalidPayload)
}

func TestIngestFailedAndUnknownKinds(t *testing.T) {
	svc, db, node := newTestService(t)
	invoiceID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "50.00")

	payload := eventPayload("evt_failed", "payment.failed", 5000, invoiceID.String())
	result, err := svc.Ingest(context.Background(), payload, signedHeader(payload))
	require.NoError(t, err)
	require.False(t, result.Applied)

	payload = eventPayload("evt_unknown", "customer.updated", 0, "")
	result, err = svc.Ingest(context.Background(), payload, signedHeader(payload))
	require.NoError(t, err)
	require.False(t, result.Applied)

	// Nothing reached the ledger, but both events are on record.
	var payments int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM payments`).Scan(&payments).Error)
	require.Zero(t, payments)

	var events int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM webhook_events`).Scan(&events).Error)
	require.EqualValues(t, 2, events)
}

func TestIngestConflictsAcknowledged(t *testing.T) {
	svc, db, node := newTestService(t)

	voidID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusVoid, "50.00")
	payload := eventPayload("evt_void", "payment.succeeded", 5000, voidID.String())
	result, err := svc.Ingest(context.Background(), payload, signedHeader(payload))
	require.NoError(t, err)
	require.False(t, result.Applied)
	require.Equal(t, "invoice void", result.Note)

	sentID := seedInvoice(t, db, node, invoicedomain.InvoiceStatusSent, "50.00")
	payload = eventPayload("evt_over", "payment.succeeded", 9900, sentID.String())
	result, err = svc.Ingest(context.Background(), payload, signedHeader(payload))
	require.NoError(t, err)
	require.False(t, result.Applied)
	require.Contains(t, result.Note, "overpayment")

	payload = eventPayload("evt_unknown_invoice", "payment.succeeded", 1000, node.Generate().String())
	result, err = svc.Ingest(context.Background(), payload, signedHeader(payload))
	require.NoError(t, err)
	require.Equal(t, "unknown invoice", result.Note)

	// Skipped events are recorded with their rejection note in the same
	// write that claims the event id.
	var row webhookdomain.Event
	require.NoError(t, db.Raw(
		`SELECT id, status, note FROM webhook_events WHERE event_id = ?`, "evt_void",
	).Scan(&row).Error)
	require.Equal(t, webhookdomain.EventSkipped, row.Status)
	require.Equal(t, "invoice void", row.Note)

	// Replaying a skipped event leaves the original row untouched.
	payload = eventPayload("evt_void", "payment.succeeded", 5000, voidID.String())
	result, err = svc.Ingest(context.Background(), payload, signedHeader(payload))
	require.NoError(t, err)
	require.True(t, result.Duplicate)

	var replayed webhookdomain.Event
	require.NoError(t, db.Raw(
		`SELECT id, status, note FROM webhook_events WHERE event_id = ?`, "evt_void",
	).Scan(&replayed).Error)
	require.Equal(t, row.ID, replayed.ID)
	require.Equal(t, row.Note, replayed.Note)
}
