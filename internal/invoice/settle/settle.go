// Package settle derives an invoice's status from its payment ledger. It is
// the single settlement implementation shared by the manual payment path and
// the webhook path; callers persist the outcome inside their own transaction.
package settle

import (
	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	"github.com/careledger/careledger/pkg/money"
	"github.com/shopspring/decimal"
)

// Outcome is the result of a settlement pass. SetPaidAt is true only on the
// transition that first fully pays the invoice; paid_at is never cleared once
// set.
type Outcome struct {
	Status    invoicedomain.InvoiceStatus
	SetPaidAt bool
}

// Settle maps (current status, total, paid) to the next status. VOID is
// terminal: ledger rows against a VOID invoice remain historical facts but
// never move the status. Calling Settle twice with unchanged inputs yields an
// identical outcome.
func Settle(
	status invoicedomain.InvoiceStatus,
	total decimal.Decimal,
	paid decimal.Decimal,
	everSent bool,
	paidAtSet bool,
) Outcome {
	if status == invoicedomain.InvoiceStatusVoid {
		return Outcome{Status: invoicedomain.InvoiceStatusVoid}
	}

	if money.Equal(total, paid) {
		return Outcome{
			Status:    invoicedomain.InvoiceStatusPaid,
			SetPaidAt: !paidAtSet,
		}
	}

	if paid.IsPositive() && paid.LessThan(total) {
		return Outcome{Status: invoicedomain.InvoiceStatusPartiallyPaid}
	}

	// paid <= 0: regress to SENT only when the invoice was ever sent; a draft
	// never becomes SENT through settlement.
	if everSent {
		return Outcome{Status: invoicedomain.InvoiceStatusSent}
	}
	return Outcome{Status: invoicedomain.InvoiceStatusDraft}
}
