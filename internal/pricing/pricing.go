// Package pricing computes cart totals. Compute is pure: the same lines, discount and
// tax rate always give the same totals, in any line order.
package pricing

import (
	"github.com/shopspring/decimal"

	"khatpos/internal/domain"
	"khatpos/internal/money"
)

func Compute(lines []domain.CartLine, cartDiscountPercent decimal.Decimal, taxRate decimal.Decimal) domain.CartTotals {
	totals := domain.CartTotals{
		Lines:               make([]domain.LineTotals, 0, len(lines)),
		CartDiscountPercent: cartDiscountPercent,
		TaxRate:             taxRate,
	}

	nets := make([]decimal.Decimal, 0, len(lines))
	for _, line := range lines {
		result := Line(line)
		totals.Lines = append(totals.Lines, result)
		nets = append(nets, result.Net)
		if result.BelowCost {
			totals.BelowCost = true
		}
	}

	totals.Subtotal = money.Sum(nets...)
	totals.CartDiscount = money.Percent(totals.Subtotal, cartDiscountPercent)
	totals.Taxable = totals.Subtotal.Sub(totals.CartDiscount)
	totals.Tax = money.Mul(totals.Taxable, taxRate)
	totals.Total = totals.Taxable.Add(totals.Tax)
	return totals
}

func Line(line domain.CartLine) domain.LineTotals {
	gross := money.Mul(line.Product.UnitPrice, line.Quantity)
	discount := money.Percent(gross, line.DiscountPercent)
	return domain.LineTotals{
		ProductID: line.Product.ID,
		Gross:     gross,
		Discount:  discount,
		Net:       gross.Sub(discount),
		BelowCost: BelowCost(line.Product),
	}
}

// BelowCost flags a product whose selling price is lower than its recorded cost.
func BelowCost(product domain.Product) bool {
	return product.UnitPrice.LessThan(product.UnitCost)
}
