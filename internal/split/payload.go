package split

import (
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/money"
	"github.com/shopspring/decimal"
)

// SplitTransactionPayload is a multi-line ledger transaction before it is
// rendered into the ledger's wire format.
type SplitTransactionPayload struct {
	Type               domain.TransactionType `json:"type"`
	Date               civil.Date             `json:"date"`
	Currency           string                 `json:"currency"`
	GroupTitle         string                 `json:"group_title"`
	SourceAccount      string                 `json:"source_account"`
	DestinationAccount string                 `json:"destination_account"`
	ExternalID         string                 `json:"external_id"`
	Tags               []string               `json:"tags,omitempty"`
	Notes              string                 `json:"notes,omitempty"`
	TotalAmount        decimal.Decimal        `json:"total_amount"`
	Splits             []domain.SplitItem     `json:"splits"`
}

// Validate returns every structural problem found. It never fails.
func (p *SplitTransactionPayload) Validate() []string {
	var problems []string
	if p == nil {
		return []string{"payload is missing"}
	}
	if !p.Type.Valid() {
		problems = append(problems, fmt.Sprintf("type: unknown transaction type %q", p.Type))
	}
	if !p.Date.IsValid() {
		problems = append(problems, "date: missing or invalid")
	}
	if !p.TotalAmount.IsPositive() {
		problems = append(problems, "total_amount: must be positive")
	}
	if len(p.Splits) == 0 {
		problems = append(problems, "splits: at least one split is required")
		return problems
	}
	for i, s := range p.Splits {
		if s.Description == "" {
			problems = append(problems, fmt.Sprintf("splits[%d].description: must not be empty", i))
		}
		if !s.Amount.IsPositive() {
			problems = append(problems, fmt.Sprintf("splits[%d].amount: must be positive", i))
		}
	}
	if sum := Sum(p.Splits); !sum.Equal(p.TotalAmount) {
		problems = append(problems, fmt.Sprintf("splits: sum %s does not equal total %s",
			sum.StringFixed(money.Places), p.TotalAmount.StringFixed(money.Places)))
	}
	return problems
}
