// Package split turns document line items into ledger splits whose amounts
// add up exactly to the document total.
package split

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/money"
	"github.com/shopspring/decimal"
)

// Strategy decides how rounding drift between the line items and the total
// is reconciled.
type Strategy string

const (
	// DistributeRemainder puts the residual on the largest split. Only drift
	// of at most one cent per line is accepted.
	DistributeRemainder Strategy = "distribute_remainder"
	// Proportional scales every split by total/sum and hands out leftover
	// cents by largest remainder.
	Proportional Strategy = "proportional"
)

const record = "split"

var cent = decimal.New(1, -money.Places)

// ParseStrategy maps a configuration value to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case DistributeRemainder, "":
		return DistributeRemainder, nil
	case Proportional:
		return Proportional, nil
	}
	return "", fmt.Errorf("ParseStrategy: unknown split strategy %q", s)
}

// BuildSplits allocates one split per line item so that the split amounts
// sum exactly to total.
func BuildSplits(items []domain.LineItem, total decimal.Decimal, strategy Strategy) ([]domain.SplitItem, error) {
	if len(items) == 0 {
		return nil, domain.NewValidationError(record, "line_items", "at least one line item is required")
	}
	tot, err := money.ValidateAmount(total, money.Field("total"), money.Record(record))
	if err != nil {
		return nil, err
	}

	splits := make([]domain.SplitItem, len(items))
	sum := decimal.Zero
	for i, it := range items {
		amt, err := lineAmount(i, it)
		if err != nil {
			return nil, err
		}
		desc := strings.TrimSpace(it.Description)
		if desc == "" {
			return nil, domain.NewValidationError(record, fmt.Sprintf("line_items[%d].description", i), "must not be empty")
		}
		splits[i] = domain.SplitItem{
			Amount:           amt,
			Description:      desc,
			Category:         strings.TrimSpace(it.Category),
			Order:            i,
			PositionInSource: it.Position,
		}
		sum = sum.Add(amt)
	}

	drift := tot.Sub(sum)
	if drift.IsZero() {
		return splits, nil
	}

	switch strategy {
	case Proportional:
		err = scaleProportionally(splits, sum, tot)
	case DistributeRemainder, "":
		err = distributeRemainder(splits, drift)
	default:
		err = fmt.Errorf("BuildSplits: unknown strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}
	return splits, nil
}

func lineAmount(i int, it domain.LineItem) (decimal.Decimal, error) {
	field := fmt.Sprintf("line_items[%d].amount", i)
	if it.Amount != nil {
		return money.ValidateAmount(*it.Amount, money.Field(field), money.Record(record))
	}
	if it.UnitPrice.IsZero() {
		return decimal.Zero, domain.NewValidationError(record, field, "neither amount nor unit price is set")
	}
	qty := it.Quantity
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	return money.ValidateAmount(qty.Mul(it.UnitPrice), money.Field(field), money.Record(record))
}

func distributeRemainder(splits []domain.SplitItem, drift decimal.Decimal) error {
	limit := cent.Mul(decimal.NewFromInt(int64(len(splits))))
	if drift.Abs().GreaterThan(limit) {
		return domain.NewValidationError(record, "line_items",
			fmt.Sprintf("line items differ from the total by %s, more than rounding allows", drift.StringFixed(money.Places)))
	}

	largest := 0
	for i := range splits {
		if splits[i].Amount.GreaterThan(splits[largest].Amount) {
			largest = i
		}
	}
	adjusted := splits[largest].Amount.Add(drift)
	if !adjusted.IsPositive() {
		return domain.NewValidationError(record, fmt.Sprintf("line_items[%d].amount", largest), "remainder would make the split non-positive")
	}
	splits[largest].Amount = adjusted
	return nil
}

func scaleProportionally(splits []domain.SplitItem, sum, total decimal.Decimal) error {
	type share struct {
		idx       int
		remainder decimal.Decimal
	}
	shares := make([]share, len(splits))
	allocated := decimal.Zero
	for i := range splits {
		exact := splits[i].Amount.Mul(total).Div(sum)
		floored := exact.RoundFloor(money.Places)
		splits[i].Amount = floored
		allocated = allocated.Add(floored)
		shares[i] = share{idx: i, remainder: exact.Sub(floored)}
	}

	sort.SliceStable(shares, func(a, b int) bool {
		return shares[a].remainder.GreaterThan(shares[b].remainder)
	})
	leftover := total.Sub(allocated).Div(cent).IntPart()
	for k := int64(0); k < leftover; k++ {
		i := shares[k%int64(len(shares))].idx
		splits[i].Amount = splits[i].Amount.Add(cent)
	}

	for i := range splits {
		if !splits[i].Amount.IsPositive() {
			return domain.NewValidationError(record, fmt.Sprintf("line_items[%d].amount", i), "scaled amount rounds to zero")
		}
	}
	return nil
}

// Sum adds the split amounts.
func Sum(splits []domain.SplitItem) decimal.Decimal {
	total := decimal.Zero
	for _, s := range splits {
		total = total.Add(s.Amount)
	}
	return total
}
