package money

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/shopspring/decimal"
)

func TestCoerce(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    string
		wantErr string
	}{
		{name: "decimal", value: decimal.RequireFromString("12.345"), want: "12.345"},
		{name: "dot string", value: "12.50", want: "12.5"},
		{name: "comma string", value: "12,50", want: "12.5"},
		{name: "european thousands", value: "1.234,56", want: "1234.56"},
		{name: "english thousands", value: "1,234.56", want: "1234.56"},
		{name: "several comma groups", value: "1,234,567", want: "1234567"},
		{name: "spaces trimmed", value: "  42  ", want: "42"},
		{name: "grouping spaces", value: "1 234,50", want: "1234.5"},
		{name: "json number", value: json.Number("7.25"), want: "7.25"},
		{name: "float", value: 19.99, want: "19.99"},
		{name: "int", value: 100, want: "100"},
		{name: "int64", value: int64(-3), want: "-3"},
		{name: "nil", value: nil, wantErr: "is missing"},
		{name: "empty string", value: "   ", wantErr: "is an empty string"},
		{name: "text", value: "twelve", wantErr: "is not a number"},
		{name: "NaN", value: math.NaN(), wantErr: "is not a finite number"},
		{name: "Inf", value: math.Inf(1), wantErr: "is not a finite number"},
		{name: "bool", value: true, wantErr: "unsupported type bool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.value)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("Coerce(%v) expected error containing %q", tt.value, tt.wantErr)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %q, want it to contain %q", err.Error(), tt.wantErr)
				}
				if !errors.Is(err, domain.ErrValidation) {
					t.Errorf("expected error to match domain.ErrValidation")
				}
				return
			}
			if err != nil {
				t.Fatalf("Coerce(%v) unexpected error: %v", tt.value, err)
			}
			if got.String() != tt.want {
				t.Errorf("Coerce(%v) = %s, want %s", tt.value, got.String(), tt.want)
			}
		})
	}
}

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		name      string
		value     any
		opts      []Option
		want      string
		condition string
		wantHint  bool
	}{
		{name: "rounds half up", value: "10.005", want: "10.01"},
		{name: "rounds down", value: "10.004", want: "10.00"},
		{name: "pads to two places", value: 7, want: "7.00"},
		{name: "comma separator", value: "3,5", want: "3.50"},
		{name: "negative rejected with hint", value: "-12.00", condition: "is negative", wantHint: true},
		{name: "zero rejected", value: "0", condition: "is zero"},
		{name: "rounds to zero rejected", value: "0.004", condition: "is zero"},
		{name: "zero allowed", value: "0", opts: []Option{AllowZero()}, want: "0.00"},
		{name: "over max", value: "1000.01", opts: []Option{Max(decimal.NewFromInt(1000))}, condition: "exceeds maximum 1000.00"},
		{name: "at max", value: "1000", opts: []Option{Max(decimal.NewFromInt(1000))}, want: "1000.00"},
		{name: "not numeric", value: "abc", condition: "is not a number"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateAmount(tt.value, tt.opts...)
			if tt.condition != "" {
				var ae *domain.AmountError
				if !errors.As(err, &ae) {
					t.Fatalf("expected *domain.AmountError, got %v", err)
				}
				if ae.Condition != tt.condition {
					t.Errorf("condition = %q, want %q", ae.Condition, tt.condition)
				}
				if tt.wantHint && !strings.Contains(ae.Hint, "transaction type") {
					t.Errorf("hint = %q, want it to mention the transaction type", ae.Hint)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.StringFixed(Places) != tt.want {
				t.Errorf("ValidateAmount(%v) = %s, want %s", tt.value, got.StringFixed(Places), tt.want)
			}
		})
	}
}

func TestValidateAmount_NamesRecordAndField(t *testing.T) {
	_, err := ValidateAmount("x", Field("line_items[2].amount"), Record("doc 17"))
	var ae *domain.AmountError
	if !errors.As(err, &ae) {
		t.Fatalf("expected *domain.AmountError, got %v", err)
	}
	if ae.Field != "line_items[2].amount" || ae.Record != "doc 17" {
		t.Errorf("got field %q record %q", ae.Field, ae.Record)
	}
	if !strings.HasPrefix(err.Error(), "doc 17: line_items[2].amount") {
		t.Errorf("error message %q does not lead with record and field", err.Error())
	}
}

func TestNormalizeForLedger(t *testing.T) {
	tests := []struct {
		value any
		want  string
	}{
		{value: "-12.5", want: "12.50"},
		{value: "12,345", want: "12.35"},
		{value: 0, want: "0.00"},
		{value: decimal.RequireFromString("99.999"), want: "100.00"},
	}
	for _, tt := range tests {
		got, err := NormalizeForLedger(tt.value)
		if err != nil {
			t.Fatalf("NormalizeForLedger(%v) unexpected error: %v", tt.value, err)
		}
		if got != tt.want {
			t.Errorf("NormalizeForLedger(%v) = %q, want %q", tt.value, got, tt.want)
		}
	}

	if _, err := NormalizeForLedger("n/a"); err == nil {
		t.Error("expected error for non-numeric input")
	}
}

func TestCoerceIsStable(t *testing.T) {
	inputs := []any{"12.50", "12,50", 12.5, decimal.RequireFromString("12.5")}
	var first string
	for i, in := range inputs {
		got, err := ValidateAmount(in)
		if err != nil {
			t.Fatalf("ValidateAmount(%v): %v", in, err)
		}
		if i == 0 {
			first = got.StringFixed(Places)
			continue
		}
		if got.StringFixed(Places) != first {
			t.Errorf("ValidateAmount(%v) = %s, want %s", in, got.StringFixed(Places), first)
		}
	}
}
