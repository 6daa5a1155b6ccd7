// Package money coerces and validates monetary amounts.
//
// Every amount that enters the reconciler goes through Coerce, so the same
// input always yields the same decimal regardless of which component reads it.
package money

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

// Places is the number of fraction digits kept for ledger amounts.
const Places = 2

const signHint = "must be positive; direction is conveyed by the transaction type, not the amount sign"

// Coerce converts value to a decimal. It accepts decimals, numeric strings
// using "." or "," as the decimal separator, floats and integers.
func Coerce(value any) (decimal.Decimal, error) {
	return coerce("amount", value)
}

func coerce(field string, value any) (decimal.Decimal, error) {
	switch v := value.(type) {
	case nil:
		return decimal.Zero, amountErr(field, "", "is missing")
	case decimal.Decimal:
		return v, nil
	case *decimal.Decimal:
		if v == nil {
			return decimal.Zero, amountErr(field, "", "is missing")
		}
		return *v, nil
	case string:
		return parseString(field, v)
	case json.Number:
		return parseString(field, v.String())
	case float64:
		return fromFloat(field, v)
	case float32:
		return fromFloat(field, float64(v))
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int32:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case uint:
		return decimal.NewFromUint64(uint64(v)), nil
	case uint32:
		return decimal.NewFromInt(int64(v)), nil
	case uint64:
		return decimal.NewFromUint64(v), nil
	default:
		return decimal.Zero, amountErr(field, fmt.Sprintf("%v", value), fmt.Sprintf("has unsupported type %T", value))
	}
}

func fromFloat(field string, f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, amountErr(field, fmt.Sprintf("%v", f), "is not a finite number")
	}
	return decimal.NewFromFloat(f), nil
}

func parseString(field, raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return decimal.Zero, amountErr(field, raw, "is an empty string")
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\'':
			return -1
		}
		return r
	}, s)

	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			// 1.234,56
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			// 1,234.56
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, amountErr(field, raw, "is not a number")
	}
	return d, nil
}

func amountErr(field, value, condition string) *domain.AmountError {
	return &domain.AmountError{Field: field, Value: value, Condition: condition}
}

type validateOptions struct {
	field     string
	record    string
	allowZero bool
	max       *decimal.Decimal
}

// Option adjusts ValidateAmount.
type Option func(*validateOptions)

// AllowZero accepts 0.00 as a valid amount.
func AllowZero() Option {
	return func(o *validateOptions) { o.allowZero = true }
}

// Max rejects amounts above limit.
func Max(limit decimal.Decimal) Option {
	return func(o *validateOptions) { o.max = &limit }
}

// Field names the validated field in errors.
func Field(name string) Option {
	return func(o *validateOptions) { o.field = name }
}

// Record names the record the field belongs to in errors.
func Record(name string) Option {
	return func(o *validateOptions) { o.record = name }
}

// ValidateAmount coerces value and checks it is a positive amount.
// The result is rounded half-up to two decimal places.
func ValidateAmount(value any, opts ...Option) (decimal.Decimal, error) {
	o := validateOptions{field: "amount"}
	for _, opt := range opts {
		opt(&o)
	}

	d, err := coerce(o.field, value)
	if err != nil {
		var ae *domain.AmountError
		if errors.As(err, &ae) {
			ae.Record = o.record
		}
		return decimal.Zero, err
	}

	if d.IsNegative() {
		return decimal.Zero, &domain.AmountError{
			Record:    o.record,
			Field:     o.field,
			Value:     d.String(),
			Condition: "is negative",
			Hint:      signHint,
		}
	}

	d = Quantize(d)
	if d.IsZero() && !o.allowZero {
		return decimal.Zero, &domain.AmountError{
			Record:    o.record,
			Field:     o.field,
			Value:     d.StringFixed(Places),
			Condition: "is zero",
			Hint:      "must be positive",
		}
	}
	if o.max != nil && d.GreaterThan(*o.max) {
		return decimal.Zero, &domain.AmountError{
			Record:    o.record,
			Field:     o.field,
			Value:     d.StringFixed(Places),
			Condition: "exceeds maximum " + o.max.StringFixed(Places),
		}
	}
	return d, nil
}

// NormalizeForLedger renders value as an absolute, two decimal string.
func NormalizeForLedger(value any) (string, error) {
	d, err := Coerce(value)
	if err != nil {
		return "", err
	}
	return Quantize(d.Abs()).StringFixed(Places), nil
}

// Quantize rounds d half away from zero to two decimal places, which is
// half-up for the positive amounts the reconciler stores.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}
