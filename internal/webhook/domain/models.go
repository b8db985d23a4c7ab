// Package domain contains the provider webhook event log.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
)

// EventStatus records what ingestion did with an event.
type EventStatus string

const (
	// EventProcessed means the event was recorded and any ledger side effect
	// applied.
	EventProcessed EventStatus = "PROCESSED"
	// EventSkipped means the event was recorded but its ledger side effect was
	// rejected by an invoice guard; the rejection is final, not retryable.
	EventSkipped EventStatus = "SKIPPED"
)

// Event is one write-once row in the webhook event log. The unique event_id
// index is the idempotency barrier: replays never get a second row and never
// reach the ledger.
type Event struct {
	ID         snowflake.ID  `gorm:"primaryKey" json:"id"`
	EventID    string        `gorm:"type:text;not null;uniqueIndex:ux_webhook_events_event_id" json:"eventId"`
	Provider   string        `gorm:"type:text;not null" json:"provider"`
	Kind       string        `gorm:"type:text;not null" json:"kind"`
	InvoiceID  *snowflake.ID `gorm:"index" json:"invoiceId,omitempty"`
	Status     EventStatus   `gorm:"type:text;not null" json:"status"`
	Note       string        `gorm:"type:text;not null;default:''" json:"note,omitempty"`
	ReceivedAt time.Time     `gorm:"not null" json:"receivedAt"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "webhook_events" }

// Result is the ingestion outcome reported to the HTTP layer. A true
// Duplicate or a non-empty Note still answers 200; the provider must not
// retry either.
type Result struct {
	Duplicate     bool
	Applied       bool
	InvoiceStatus invoicedomain.InvoiceStatus
	Note          string
}

type Service interface {
	Ingest(ctx context.Context, payload []byte, signatureHeader string) (Result, error)
}

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
)
