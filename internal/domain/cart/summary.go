package cart

import "github.com/shopspring/decimal"

// Summary is the read model exposed to callers. It is derived from cart
// rows; a cached copy is best-effort only and invalidated on mutation.
type Summary struct {
	CartID     string
	Items      []Item
	ItemsCount int
	Subtotal   decimal.Decimal
	Discount   decimal.Decimal
	Total      decimal.Decimal
}

// Summarize computes the read model for a set of cart items, applying an
// optional discount. The total is floored at zero and rounded to 2 places.
func Summarize(cartID string, items []Item, discount decimal.Decimal) Summary {
	subtotal := decimal.Zero
	count := 0
	for _, it := range items {
		line := it.PriceAtTime.Mul(decimal.NewFromInt(int64(it.Quantity)))
		subtotal = subtotal.Add(line)
		count += it.Quantity
	}

	total := subtotal.Sub(discount)
	if total.IsNegative() {
		total = decimal.Zero
	}

	return Summary{
		CartID:     cartID,
		Items:      items,
		ItemsCount: count,
		Subtotal:   subtotal.Round(2),
		Discount:   discount.Round(2),
		Total:      total.Round(2),
	}
}
