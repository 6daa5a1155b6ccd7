package ledger

import (
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/dedup"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/money"
)

// Validate lists every structural problem in p. An empty result means the
// payload can be submitted.
func Validate(p *Payload) []string {
	if p == nil {
		return []string{"payload is missing"}
	}
	if len(p.Transactions) == 0 {
		return []string{"transactions: at least one entry is required"}
	}

	var problems []string
	if len(p.Transactions) > 1 && p.GroupTitle == "" {
		problems = append(problems, "group_title: required for split transactions")
	}
	externalID := p.Transactions[0].ExternalID
	for i, tx := range p.Transactions {
		prefix := fmt.Sprintf("transactions[%d]", i)
		if !domain.TransactionType(tx.Type).Valid() {
			problems = append(problems, fmt.Sprintf("%s.type: unknown transaction type %q", prefix, tx.Type))
		}
		if _, err := civil.ParseDate(tx.Date); err != nil {
			problems = append(problems, fmt.Sprintf("%s.date: %q is not YYYY-MM-DD", prefix, tx.Date))
		}
		amt, err := Amount(tx)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("%s.amount: %q is not numeric", prefix, tx.Amount))
		case !amt.IsPositive():
			problems = append(problems, fmt.Sprintf("%s.amount: must be positive", prefix))
		case amt.StringFixed(money.Places) != tx.Amount:
			problems = append(problems, fmt.Sprintf("%s.amount: %q is not a two decimal string", prefix, tx.Amount))
		}
		if tx.Description == "" {
			problems = append(problems, fmt.Sprintf("%s.description: must not be empty", prefix))
		}
		if tx.SourceName == "" || tx.DestinationName == "" {
			problems = append(problems, fmt.Sprintf("%s: source and destination accounts are required", prefix))
		}
		if tx.ExternalID == "" {
			problems = append(problems, fmt.Sprintf("%s.external_id: must not be empty", prefix))
		} else if _, err := dedup.Parse(tx.ExternalID); err != nil {
			problems = append(problems, fmt.Sprintf("%s.external_id: %v", prefix, err))
		} else if tx.ExternalID != externalID {
			problems = append(problems, fmt.Sprintf("%s.external_id: differs from the first entry", prefix))
		}
		if len(ParseAuditNotes(tx.Notes)) == 0 {
			problems = append(problems, fmt.Sprintf("%s.notes: audit block is missing", prefix))
		}
	}
	return problems
}
