package trace

import (
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

// Describe renders a field outcome for a trace event. Numbers, dates and
// enumerations are kept literally; free text is sanitized.
func Describe(field string, value any, method domain.Method) string {
	return fmt.Sprintf("%s=%s via %s", field, render(value), method)
}

func render(value any) string {
	switch v := value.(type) {
	case nil:
		return "<none>"
	case decimal.Decimal:
		if v.Exponent() >= -2 {
			return v.StringFixed(2)
		}
		return v.String()
	case *decimal.Decimal:
		if v == nil {
			return "<none>"
		}
		return render(*v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case civil.Date:
		return v.String()
	case *civil.Date:
		if v == nil {
			return "<none>"
		}
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case domain.ReviewState:
		return string(v)
	case domain.LinkType:
		return string(v)
	case domain.TransactionType:
		return string(v)
	case domain.MatchStatus:
		return string(v)
	case domain.ProposalStatus:
		return string(v)
	case string:
		return strconv.Quote(Sanitize(v, DefaultMaxLength))
	default:
		return strconv.Quote(Sanitize(fmt.Sprint(v), DefaultMaxLength))
	}
}
