package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const monthKeyLayout = "200601"

// nextInvoiceNumber allocates the next YYYYMM-NNNN number for the month of
// issueDate. It must run inside the same transaction as the invoice insert:
// the counter UPDATE takes a write lock on the month row, so two concurrent
// creations in the same month serialize and can never observe the same value.
func nextInvoiceNumber(ctx context.Context, tx *gorm.DB, issueDate time.Time) (string, error) {
	monthKey := issueDate.UTC().Format(monthKeyLayout)

	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO invoice_sequences (month_key, last_value)
		 VALUES (?, 0)
		 ON CONFLICT (month_key) DO NOTHING`,
		monthKey,
	).Error; err != nil {
		return "", err
	}

	if err := tx.WithContext(ctx).Exec(
		`UPDATE invoice_sequences
		 SET last_value = last_value + 1
		 WHERE month_key = ?`,
		monthKey,
	).Error; err != nil {
		return "", err
	}

	var next int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT last_value FROM invoice_sequences WHERE month_key = ?`,
		monthKey,
	).Scan(&next).Error; err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%04d", monthKey, next), nil
}
