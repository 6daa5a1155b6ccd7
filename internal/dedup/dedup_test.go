package dedup

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
)

const testHash = "ABCDEF0123456789aaaabbbbccccddddeeeeffff00001111222233334444ffff"

func TestGenerate(t *testing.T) {
	tests := []struct {
		name   string
		docID  int64
		hash   string
		amount any
		date   string
		want   string
	}{
		{
			name:   "string amount",
			docID:  42,
			hash:   testHash,
			amount: "12.5",
			date:   "2024-03-01",
			want:   "paperless:42:abcdef0123456789:12.50:2024-03-01",
		},
		{
			name:   "comma amount rounds half up",
			docID:  7,
			hash:   testHash,
			amount: "1.234,565",
			date:   "2023-12-31",
			want:   "paperless:7:abcdef0123456789:1234.57:2023-12-31",
		},
		{
			name:   "decimal amount",
			docID:  0,
			hash:   testHash,
			amount: decimal.RequireFromString("99"),
			date:   "2024-02-29",
			want:   "paperless:0:abcdef0123456789:99.00:2024-02-29",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := Generate(tt.docID, tt.hash, tt.amount, tt.date)
			if err != nil {
				t.Fatalf("Generate() unexpected error: %v", err)
			}
			if key.String() != tt.want {
				t.Errorf("Generate() = %q, want %q", key.String(), tt.want)
			}
		})
	}
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		docID  int64
		hash   string
		amount any
		date   string
		field  string
	}{
		{name: "negative document id", docID: -1, hash: testHash, amount: "1", date: "2024-01-01", field: "document_id"},
		{name: "short hash", docID: 1, hash: "abc123", amount: "1", date: "2024-01-01", field: "content_hash"},
		{name: "non hex hash", docID: 1, hash: "zzzzzzzzzzzzzzzzzzzz", amount: "1", date: "2024-01-01", field: "content_hash"},
		{name: "loose date", docID: 1, hash: testHash, amount: "1", date: "2024-1-5", field: "date"},
		{name: "day first date", docID: 1, hash: testHash, amount: "1", date: "05.01.2024", field: "date"},
		{name: "impossible date", docID: 1, hash: testHash, amount: "1", date: "2023-02-29", field: "date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Generate(tt.docID, tt.hash, tt.amount, tt.date)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *domain.ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	if _, err := Generate(1, testHash, "lots", "2024-01-01"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error for non-numeric amount, got %v", err)
	}
}

func TestParseRoundTrip(t *testing.T) {
	inputs := []struct {
		docID  int64
		amount any
		date   string
	}{
		{1, "0.01", "2020-01-01"},
		{123456789, "1.234,50", "2024-12-31"},
		{99, 10, "1999-07-15"},
	}

	for _, in := range inputs {
		key, err := Generate(in.docID, testHash, in.amount, in.date)
		if err != nil {
			t.Fatalf("Generate(%v): %v", in, err)
		}
		parsed, err := Parse(key.String())
		if err != nil {
			t.Fatalf("Parse(%q): %v", key.String(), err)
		}
		if diff := cmp.Diff(key, parsed); diff != "" {
			t.Errorf("round trip mismatch (-generated +parsed):\n%s", diff)
		}
		if parsed.String() != key.String() {
			t.Errorf("re-rendered key %q, want %q", parsed.String(), key.String())
		}
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{name: "wrong tag", key: "other:1:abcdef0123456789:1.00:2024-01-01"},
		{name: "too few fields", key: "paperless:1:abcdef0123456789:1.00"},
		{name: "too many fields", key: "paperless:1:abcdef0123456789:1.00:2024-01-01:x"},
		{name: "bad id", key: "paperless:x1:abcdef0123456789:1.00:2024-01-01"},
		{name: "padded id", key: "paperless:01:abcdef0123456789:1.00:2024-01-01"},
		{name: "short hash", key: "paperless:1:abcdef:1.00:2024-01-01"},
		{name: "uppercase hash", key: "paperless:1:ABCDEF0123456789:1.00:2024-01-01"},
		{name: "non canonical amount", key: "paperless:1:abcdef0123456789:1.0:2024-01-01"},
		{name: "bad date", key: "paperless:1:abcdef0123456789:1.00:2024-13-01"},
		{name: "empty", key: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.key); !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Parse(%q) error = %v, want validation error", tt.key, err)
			}
		})
	}
}

func TestChanged(t *testing.T) {
	key, err := Generate(5, testHash, "10.00", "2024-05-05")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	same, err := Changed(key, "10", "2024-05-05")
	if err != nil || same {
		t.Errorf("Changed() = %v, %v for identical values", same, err)
	}
	moved, err := Changed(key, "10", "2024-05-06")
	if err != nil || !moved {
		t.Errorf("Changed() = %v, %v for a new date", moved, err)
	}
	corrected, err := Changed(key, "10,01", "2024-05-05")
	if err != nil || !corrected {
		t.Errorf("Changed() = %v, %v for a new amount", corrected, err)
	}
}

func TestHash(t *testing.T) {
	// SHA-256 of the empty input.
	const empty = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Hash(nil); got != empty {
		t.Errorf("Hash(nil) = %s, want %s", got, empty)
	}

	content := []byte(strings.Repeat("invoice ", 1000))
	streamed, err := HashReader(bytes.NewReader(content))
	if err != nil {
		t.Fatalf("HashReader: %v", err)
	}
	if streamed != Hash(content) {
		t.Errorf("HashReader = %s, Hash = %s", streamed, Hash(content))
	}
	if len(streamed) != 64 {
		t.Errorf("hash length = %d, want 64", len(streamed))
	}
}
