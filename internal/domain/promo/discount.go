package promo

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Discount computes the monetary discount a code yields on the given
// subtotal. Percentage discounts are capped at MaxDiscount when configured;
// fixed discounts never exceed the subtotal. Results are clamped at zero and
// rounded to 2 decimal places.
func Discount(c *Code, subtotal decimal.Decimal) (decimal.Decimal, error) {
	var amount decimal.Decimal

	switch c.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Mul(c.Value).Div(hundred)
		if c.MaxDiscount.IsPositive() && amount.GreaterThan(c.MaxDiscount) {
			amount = c.MaxDiscount
		}
	case DiscountFixed:
		amount = decimal.Min(c.Value, subtotal)
	default:
		return decimal.Zero, errors.Errorf("unsupported discount type: %q", c.DiscountType)
	}

	if amount.IsNegative() {
		amount = decimal.Zero
	}
	return amount.Round(2), nil
}

// Subtotal returns the sum of price * quantity across all items.
func Subtotal(items []Item) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum
}
