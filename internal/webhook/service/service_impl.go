package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/careledger/careledger/internal/config"
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	paymentdomain "github.com/careledger/careledger/internal/payment/domain"
	paymentservice "github.com/careledger/careledger/internal/payment/service"
	webhookdomain "github.com/careledger/careledger/internal/webhook/domain"
	"github.com/careledger/careledger/pkg/money"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const providerName = "provider"

// errEventReplayed aborts the ingest transaction when the event id already
// exists, rolling back any ledger work the replay performed.
var errEventReplayed = errors.New("event replayed")

// Event kinds after parsing. Every payload lands in exactly one of the three;
// unrecognized types are recorded and acknowledged, never rejected.
const (
	kindSucceeded = "payment.succeeded"
	kindFailed    = "payment.failed"
	kindOther     = "other"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Cfg   config.Config
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	secret string
}

func NewService(p Params) webhookdomain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("webhook.service"),
		genID:  p.GenID,
		secret: p.Cfg.ProviderWebhookSecret,
	}
}

type providerEvent struct {
	ID      string            `json:"id"`
	Type    string            `json:"type"`
	Created int64             `json:"created"`
	Data    providerEventData `json:"data"`
}

type providerEventData struct {
	Object providerPayment `json:"object"`
}

type providerPayment struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Created  int64             `json:"created"`
	Metadata map[string]string `json:"metadata"`
}

type parsedEvent struct {
	EventID   string
	Kind      string
	PaymentID string
	Amount    int64
	InvoiceID *snowflake.ID
	CreatedAt time.Time
}

func (s *Service) Ingest(ctx context.Context, payload []byte, signatureHeader string) (webhookdomain.Result, error) {
	if err := verifySignature(s.secret, payload, signatureHeader); err != nil {
		return webhookdomain.Result{}, err
	}

	event, err := parseEvent(payload)
	if err != nil {
		return webhookdomain.Result{}, err
	}

	var result webhookdomain.Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result = webhookdomain.Result{}
		status := webhookdomain.EventProcessed
		note := ""

		if event.Kind == kindSucceeded {
			ledgerNote, err := s.applyLedger(ctx, tx, event, &result)
			if err != nil {
				return err
			}
			if ledgerNote != "" {
				status = webhookdomain.EventSkipped
				note = ledgerNote
				result.Note = ledgerNote
			}
		}

		// The event row is written exactly once, already carrying its final
		// status. A conflict means a replay; the whole transaction rolls
		// back, so the replay leaves no ledger trace either.
		row := webhookdomain.Event{
			ID:         s.genID.Generate(),
			EventID:    event.EventID,
			Provider:   providerName,
			Kind:       event.Kind,
			InvoiceID:  event.InvoiceID,
			Status:     status,
			Note:       note,
			ReceivedAt: time.Now().UTC(),
		}
		inserted := tx.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			DoNothing: true,
		}).Create(&row)
		if inserted.Error != nil {
			return inserted.Error
		}
		if inserted.RowsAffected == 0 {
			return errEventReplayed
		}
		return nil
	})
	if errors.Is(err, errEventReplayed) {
		result = webhookdomain.Result{Duplicate: true}
		err = nil
	}
	if err != nil {
		return webhookdomain.Result{}, err
	}

	s.logOutcome(event, result)
	return result, nil
}

// applyLedger attempts the ledger write for a succeeded event. A non-empty
// note is a final rejection: the event stays recorded, the ledger is
// untouched, and the provider gets a 200 so it stops retrying. Only
// unexpected storage errors surface as errors and roll the event back.
func (s *Service) applyLedger(ctx context.Context, tx *gorm.DB, event parsedEvent, result *webhookdomain.Result) (string, error) {
	if event.InvoiceID == nil {
		return "missing invoice reference", nil
	}
	if event.Amount <= 0 {
		return "non-positive amount", nil
	}

	reference := event.PaymentID
	applied, err := paymentservice.Apply(ctx, tx, s.genID, paymentservice.ApplyRequest{
		InvoiceID: *event.InvoiceID,
		Amount:    money.FromMinorUnits(event.Amount),
		Method:    paymentdomain.MethodExternalProvider,
		PaidAt:    event.CreatedAt,
		Reference: &reference,
	})
	if err != nil {
		var overpayment *paymentdomain.OverpaymentError
		switch {
		case errors.Is(err, invoicedomain.ErrInvoiceNotFound):
			return "unknown invoice", nil
		case errors.Is(err, paymentdomain.ErrInvoiceVoid):
			return "invoice void", nil
		case errors.Is(err, paymentdomain.ErrInvoiceAlreadyPaid):
			return "invoice already paid", nil
		case errors.As(err, &overpayment):
			return "overpayment, outstanding " + overpayment.Outstanding.StringFixed(2), nil
		}
		return "", err
	}

	result.Applied = true
	result.InvoiceStatus = applied.InvoiceStatus
	return "", nil
}

func (s *Service) logOutcome(event parsedEvent, result webhookdomain.Result) {
	fields := []zap.Field{
		zap.String("event_id", event.EventID),
		zap.String("kind", event.Kind),
	}
	if event.InvoiceID != nil {
		fields = append(fields, zap.String("invoice_id", event.InvoiceID.String()))
	}
	switch {
	case result.Duplicate:
		s.log.Info("webhook event replayed", fields...)
	case result.Note != "":
		s.log.Warn("webhook event skipped", append(fields, zap.String("note", result.Note))...)
	case result.Applied:
		s.log.Info("webhook payment applied",
			append(fields, zap.String("invoice_status", string(result.InvoiceStatus)))...)
	default:
		s.log.Info("webhook event recorded", fields...)
	}
}

func parseEvent(payload []byte) (parsedEvent, error) {
	var event providerEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return parsedEvent{}, webhookdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return parsedEvent{}, webhookdomain.ErrInvalidPayload
	}

	kind := kindOther
	switch strings.TrimSpace(event.Type) {
	case "payment.succeeded":
		kind = kindSucceeded
	case "payment.failed":
		kind = kindFailed
	}

	parsed := parsedEvent{
		EventID:   event.ID,
		Kind:      kind,
		PaymentID: event.Data.Object.ID,
		Amount:    event.Data.Object.Amount,
		CreatedAt: eventTimestamp(event.Data.Object.Created, event.Created),
	}
	if raw := strings.TrimSpace(event.Data.Object.Metadata["invoice_id"]); raw != "" {
		if invoiceID, err := snowflake.ParseString(raw); err == nil {
			parsed.InvoiceID = &invoiceID
		}
	}
	return parsed, nil
}

func eventTimestamp(primary, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
