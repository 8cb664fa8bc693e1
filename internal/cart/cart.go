// Package cart holds the open sale being built at the terminal. It is owned by a
// single foreground goroutine and does no locking.
package cart

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"khatpos/internal/domain"
	"khatpos/internal/money"
	"khatpos/internal/pricing"
)

var (
	ErrStockInsufficient = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidDiscount   = errors.New("discount must be between 0 and 100")
	ErrLineNotFound      = errors.New("cart line not found")
)

type Cart struct {
	lines        []domain.CartLine
	cartDiscount decimal.Decimal
}

func New() *Cart {
	return &Cart{lines: make([]domain.CartLine, 0, 16)}
}

// Add puts qty of product in the cart and returns the index of the affected line.
// Piece products merge into an existing line; weighed scans always open a new one.
func (c *Cart) Add(product domain.Product, qty decimal.Decimal) (int, error) {
	if !product.Weighed() {
		for i, line := range c.lines {
			if line.Product.ID != product.ID {
				continue
			}
			if err := c.SetQuantity(i, line.Quantity.Add(qty)); err != nil {
				return -1, err
			}
			return i, nil
		}
	}

	if err := checkQuantity(product, qty, c.reservedExcept(product.ID, -1)); err != nil {
		return -1, err
	}
	c.lines = append(c.lines, domain.CartLine{
		Product:         product,
		Quantity:        money.Round(qty),
		DiscountPercent: decimal.Zero,
	})
	return len(c.lines) - 1, nil
}

func (c *Cart) SetQuantity(index int, qty decimal.Decimal) error {
	if index < 0 || index >= len(c.lines) {
		return ErrLineNotFound
	}
	line := c.lines[index]
	if err := checkQuantity(line.Product, qty, c.reservedExcept(line.Product.ID, index)); err != nil {
		return err
	}
	c.lines[index].Quantity = money.Round(qty)
	return nil
}

func (c *Cart) SetLineDiscount(index int, pct decimal.Decimal) error {
	if index < 0 || index >= len(c.lines) {
		return ErrLineNotFound
	}
	if !money.ValidPercent(pct) {
		return ErrInvalidDiscount
	}
	c.lines[index].DiscountPercent = pct
	return nil
}

func (c *Cart) SetCartDiscount(pct decimal.Decimal) error {
	if !money.ValidPercent(pct) {
		return ErrInvalidDiscount
	}
	c.cartDiscount = pct
	return nil
}

func (c *Cart) Remove(index int) error {
	if index < 0 || index >= len(c.lines) {
		return ErrLineNotFound
	}
	c.lines = append(c.lines[:index], c.lines[index+1:]...)
	return nil
}

func (c *Cart) Clear() {
	c.lines = c.lines[:0]
	c.cartDiscount = decimal.Zero
}

func (c *Cart) Lines() []domain.CartLine {
	out := make([]domain.CartLine, len(c.lines))
	copy(out, c.lines)
	return out
}

func (c *Cart) Len() int {
	return len(c.lines)
}

func (c *Cart) IsEmpty() bool {
	return len(c.lines) == 0
}

func (c *Cart) CartDiscount() decimal.Decimal {
	return c.cartDiscount
}

func (c *Cart) Totals(taxRate decimal.Decimal) domain.CartTotals {
	return pricing.Compute(c.lines, c.cartDiscount, taxRate)
}

// reservedExcept sums the quantity of productID held by other lines.
func (c *Cart) reservedExcept(productID string, skip int) decimal.Decimal {
	reserved := decimal.Zero
	for i, line := range c.lines {
		if i == skip || line.Product.ID != productID {
			continue
		}
		reserved = reserved.Add(line.Quantity)
	}
	return reserved
}

func checkQuantity(product domain.Product, qty decimal.Decimal, reserved decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidQuantity)
	}
	if !qty.Equal(money.Round(qty)) {
		return fmt.Errorf("%w: at most %d decimals", ErrInvalidQuantity, money.Scale)
	}
	if !product.Weighed() && !qty.IsInteger() {
		return fmt.Errorf("%w: %s is sold by the piece", ErrInvalidQuantity, product.Name)
	}
	if qty.Add(reserved).GreaterThan(product.StockQty) {
		return fmt.Errorf("%w: %s has %s available", ErrStockInsufficient, product.Name, product.StockQty.String())
	}
	return nil
}
