package db

import "gorm.io/gorm"

// RowLock returns the locking clause to append to a SELECT that must hold an
// exclusive row lock for the rest of the transaction. SQLite has no FOR UPDATE
// syntax; its single-writer model already serializes the transaction.
func RowLock(tx *gorm.DB) string {
	if tx == nil || tx.Dialector == nil {
		return ""
	}
	switch tx.Dialector.Name() {
	case "sqlite":
		return ""
	default:
		return "FOR UPDATE"
	}
}
