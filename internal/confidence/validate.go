package confidence

import (
	"fmt"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

// Issue codes reported by Validate.
const (
	IssueAmountMissing   = "amount_missing"
	IssueAmountNegative  = "amount_negative"
	IssueAmountLarge     = "amount_large"
	IssueDateMissing     = "date_missing"
	IssueDateMalformed   = "date_malformed"
	IssueDedupKeyMissing = "dedup_key_missing"
	IssueTypeUnknown     = "type_unknown"
)

// DefaultAmountCeiling is the amount above which an extraction is flagged
// for a sanity check.
var DefaultAmountCeiling = decimal.NewFromInt(100000)

// Issue is one quality finding. Issues are advisory.
type Issue struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Field, i.Message)
}

// Validate reports quality problems in ext. It never fails; an empty slice
// means nothing was found.
func Validate(ext *domain.Extraction) []Issue {
	return ValidateWithCeiling(ext, DefaultAmountCeiling)
}

// ValidateWithCeiling is Validate with a custom large amount ceiling.
func ValidateWithCeiling(ext *domain.Extraction, ceiling decimal.Decimal) []Issue {
	var issues []Issue
	if ext == nil {
		return append(issues, Issue{Field: "extraction", Code: IssueAmountMissing, Message: "extraction is missing"})
	}
	p := ext.Proposal

	switch {
	case p.Amount.IsZero():
		issues = append(issues, Issue{Field: "amount", Code: IssueAmountMissing, Message: "amount is missing or zero"})
	case p.Amount.IsNegative():
		issues = append(issues, Issue{Field: "amount", Code: IssueAmountNegative, Message: "amount must be positive; use the transaction type for direction"})
	case p.Amount.GreaterThan(ceiling):
		issues = append(issues, Issue{Field: "amount", Code: IssueAmountLarge,
			Message: fmt.Sprintf("amount %s exceeds sanity ceiling %s", p.Amount.StringFixed(2), ceiling.StringFixed(2))})
	}

	switch {
	case p.Date.Year == 0 && p.Date.Month == 0 && p.Date.Day == 0:
		issues = append(issues, Issue{Field: "date", Code: IssueDateMissing, Message: "date is missing"})
	case !p.Date.IsValid():
		issues = append(issues, Issue{Field: "date", Code: IssueDateMalformed, Message: "date is not a valid calendar date"})
	}

	if p.DedupKey == "" {
		issues = append(issues, Issue{Field: "dedup_key", Code: IssueDedupKeyMissing, Message: "dedup key is missing"})
	}
	if p.Type != "" && !p.Type.Valid() {
		issues = append(issues, Issue{Field: "type", Code: IssueTypeUnknown, Message: fmt.Sprintf("unknown transaction type %q", p.Type)})
	}
	return issues
}
