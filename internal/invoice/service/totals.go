package service

import (
	"strings"

	invoicedomain "github.com/careledger/careledger/internal/invoice/domain"
	"github.com/careledger/careledger/pkg/money"
	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

func validateItems(items []invoicedomain.LineItemInput) error {
	if len(items) == 0 {
		return invoicedomain.ErrItemsRequired
	}
	for _, item := range items {
		if strings.TrimSpace(item.Label) == "" {
			return invoicedomain.ErrItemInvalid
		}
		if item.Quantity <= 0 {
			return invoicedomain.ErrItemInvalid
		}
		if item.UnitPrice.IsNegative() {
			return invoicedomain.ErrItemInvalid
		}
		if item.TaxRate.IsNegative() || item.TaxRate.GreaterThan(one) {
			return invoicedomain.ErrItemInvalid
		}
	}
	return nil
}

// computeTotals sums lines exactly and rounds once at the end, so
// total == subtotal + taxTotal always holds for the persisted values.
func computeTotals(items []invoicedomain.LineItemInput) (subtotal, taxTotal, total decimal.Decimal) {
	exactSubtotal := decimal.Zero
	exactTotal := decimal.Zero
	for _, item := range items {
		qty := decimal.NewFromInt(item.Quantity)
		line := qty.Mul(item.UnitPrice)
		exactSubtotal = exactSubtotal.Add(line)
		exactTotal = exactTotal.Add(line.Mul(one.Add(item.TaxRate)))
	}

	subtotal = money.Round2(exactSubtotal)
	total = money.Round2(exactTotal)
	taxTotal = total.Sub(subtotal)
	return subtotal, taxTotal, total
}
