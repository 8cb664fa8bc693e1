package pricing

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"khatpos/internal/domain"
	"khatpos/internal/money"
)

func product(id, price, cost string) domain.Product {
	return domain.Product{
		ID:        id,
		Name:      id,
		UnitPrice: money.MustParse(price),
		UnitCost:  money.MustParse(cost),
		StockQty:  decimal.NewFromInt(100),
		Unit:      domain.UnitPiece,
	}
}

func line(p domain.Product, qty string, discount int64) domain.CartLine {
	return domain.CartLine{Product: p, Quantity: money.MustParse(qty), DiscountPercent: decimal.NewFromInt(discount)}
}

func TestComputeSingleLineWithTax(t *testing.T) {
	lines := []domain.CartLine{line(product("p1", "0.450", "0.300"), "3", 0)}

	totals := Compute(lines, decimal.Zero, money.MustParse("0.05"))

	assert.Equal(t, "1.350", money.Format(totals.Subtotal))
	assert.Equal(t, "0.000", money.Format(totals.CartDiscount))
	assert.Equal(t, "0.068", money.Format(totals.Tax))
	assert.Equal(t, "1.418", money.Format(totals.Total))
	assert.False(t, totals.BelowCost)
}

func TestComputeLineAndCartDiscounts(t *testing.T) {
	lines := []domain.CartLine{
		line(product("rice", "2.750", "2.100"), "2", 10),
		line(product("milk", "0.600", "0.450"), "1", 0),
	}

	totals := Compute(lines, decimal.NewFromInt(5), money.MustParse("0.05"))

	// rice: 5.500 gross, 0.550 off, 4.950 net; milk 0.600
	assert.Equal(t, "5.550", money.Format(totals.Subtotal))
	assert.Equal(t, "0.278", money.Format(totals.CartDiscount))
	assert.Equal(t, "5.272", money.Format(totals.Taxable))
	assert.Equal(t, "0.264", money.Format(totals.Tax))
	assert.Equal(t, "5.536", money.Format(totals.Total))
	assert.Equal(t, "0.550", money.Format(totals.Lines[0].Discount))
}

func TestComputeFlagsBelowCostLines(t *testing.T) {
	lines := []domain.CartLine{
		line(product("promo", "0.900", "1.000"), "1", 0),
		line(product("bread", "0.300", "0.200"), "1", 0),
	}

	totals := Compute(lines, decimal.Zero, decimal.Zero)

	assert.True(t, totals.BelowCost)
	assert.True(t, totals.Lines[0].BelowCost)
	assert.False(t, totals.Lines[1].BelowCost)
}

func TestComputeWeighedQuantity(t *testing.T) {
	tomatoes := product("tomato", "0.750", "0.500")
	tomatoes.Unit = domain.UnitWeighed

	totals := Compute([]domain.CartLine{line(tomatoes, "1.067", 0)}, decimal.Zero, decimal.Zero)

	assert.Equal(t, "0.800", money.Format(totals.Total))
}

func TestComputeTotalInvariantIndependentOfOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	taxRate := money.MustParse("0.05")

	for round := 0; round < 200; round++ {
		count := 1 + rng.Intn(8)
		lines := make([]domain.CartLine, 0, count)
		for i := 0; i < count; i++ {
			price := money.FromMinor(int64(1 + rng.Intn(20000)))
			qty := money.FromMinor(int64(1 + rng.Intn(5000)))
			lines = append(lines, domain.CartLine{
				Product:         domain.Product{ID: "p", UnitPrice: price, UnitCost: price},
				Quantity:        qty,
				DiscountPercent: decimal.NewFromInt(int64(rng.Intn(101))),
			})
		}
		cartDiscount := decimal.NewFromInt(int64(rng.Intn(101)))

		totals := Compute(lines, cartDiscount, taxRate)
		assert.True(t, totals.Total.Equal(totals.Subtotal.Sub(totals.CartDiscount).Add(totals.Tax)))

		shuffled := append([]domain.CartLine(nil), lines...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		reordered := Compute(shuffled, cartDiscount, taxRate)
		assert.True(t, totals.Total.Equal(reordered.Total), "round %d: %s != %s", round, totals.Total, reordered.Total)
	}
}
