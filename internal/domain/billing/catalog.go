package billing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ItemInput is the unvalidated shape of a line item as it arrives from a
// caller. Cost and Qty are exact decimals so fractional minor units can be
// detected and rejected instead of silently truncated.
type ItemInput struct {
	Description string          `json:"description"`
	Cost        decimal.Decimal `json:"cost"`
	Qty         decimal.Decimal `json:"qty"`
}

// NewItemInput builds an ItemInput from integer minor units.
func NewItemInput(description string, cost, qty int64) ItemInput {
	return ItemInput{
		Description: description,
		Cost:        decimal.NewFromInt(cost),
		Qty:         decimal.NewFromInt(qty),
	}
}

// ValidateItem checks a single line item and computes its line total.
// The index is only used to locate the item in error messages; pass -1 for a
// standalone item.
func ValidateItem(index int, in ItemInput) (Item, error) {
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return Item{}, &InvalidItemError{Index: index, Field: "description", Value: in.Description, Reason: "must not be empty"}
	}

	cost, ok := minorUnits(in.Cost)
	if !ok {
		return Item{}, &InvalidItemError{Index: index, Field: "cost", Value: decimalText(in.Cost), Reason: "must be a whole number of minor currency units"}
	}
	if cost < 0 {
		return Item{}, &InvalidItemError{Index: index, Field: "cost", Value: decimalText(in.Cost), Reason: "must be >= 0"}
	}

	qty, ok := minorUnits(in.Qty)
	if !ok {
		return Item{}, &InvalidItemError{Index: index, Field: "qty", Value: decimalText(in.Qty), Reason: "must be a whole number"}
	}
	if qty < 1 {
		return Item{}, &InvalidItemError{Index: index, Field: "qty", Value: decimalText(in.Qty), Reason: "must be >= 1"}
	}

	lineTotal, ok := mulMinor(cost, qty)
	if !ok {
		return Item{}, &InvalidItemError{Index: index, Field: "cost", Value: decimalText(in.Cost), Reason: "line total overflows"}
	}

	return Item{
		Description: desc,
		Cost:        cost,
		Qty:         qty,
		LineTotal:   lineTotal,
	}, nil
}

// ValidateItems validates every item in order. An empty slice is rejected
// with EmptyItemsError; the first invalid item aborts validation.
func ValidateItems(inputs []ItemInput) ([]Item, error) {
	if len(inputs) == 0 {
		return nil, &EmptyItemsError{}
	}
	items := make([]Item, 0, len(inputs))
	for i, in := range inputs {
		item, err := ValidateItem(i, in)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// sumLineTotals returns the bill total for items, reporting overflow.
func sumLineTotals(items []Item) (int64, bool) {
	var total int64
	for _, it := range items {
		var ok bool
		total, ok = addMinor(total, it.LineTotal)
		if !ok {
			return 0, false
		}
	}
	return total, true
}
