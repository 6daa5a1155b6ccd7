// Package dedup builds and parses the deduplication keys attached to every
// ledger import, and fingerprints raw document content.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/money"
)

const (
	// SystemTag prefixes every key produced by this system.
	SystemTag = "paperless"

	// HashPrefixLen is the number of content hash characters kept in a key.
	HashPrefixLen = 16

	keyFields = 5
	record    = "dedup_key"
)

// Generate builds the key for one extracted transaction. amount accepts
// anything money.Coerce does; date must be strict YYYY-MM-DD.
func Generate(documentID int64, contentHash string, amount any, date string) (domain.DedupKey, error) {
	if documentID < 0 {
		return domain.DedupKey{}, domain.NewValidationError(record, "document_id", "must be non-negative")
	}
	prefix, err := hashPrefix(contentHash)
	if err != nil {
		return domain.DedupKey{}, err
	}
	amt, err := money.ValidateAmount(amount, money.AllowZero(), money.Record(record))
	if err != nil {
		return domain.DedupKey{}, err
	}
	d, err := parseDate(date)
	if err != nil {
		return domain.DedupKey{}, err
	}
	return domain.DedupKey{
		SystemTag:  SystemTag,
		DocumentID: documentID,
		HashPrefix: prefix,
		Amount:     amt.StringFixed(money.Places),
		Date:       d,
	}, nil
}

// Parse is the inverse of DedupKey.String for keys produced by Generate.
func Parse(key string) (domain.DedupKey, error) {
	parts := strings.Split(key, ":")
	if len(parts) != keyFields {
		return domain.DedupKey{}, domain.NewValidationError(record, "key",
			fmt.Sprintf("expected %d colon separated fields, got %d", keyFields, len(parts)))
	}
	if parts[0] != SystemTag {
		return domain.DedupKey{}, domain.NewValidationError(record, "system_tag",
			fmt.Sprintf("unknown system tag %q", parts[0]))
	}

	docID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || docID < 0 || strconv.FormatInt(docID, 10) != parts[1] {
		return domain.DedupKey{}, domain.NewValidationError(record, "document_id",
			fmt.Sprintf("%q is not a non-negative integer", parts[1]))
	}

	if len(parts[2]) != HashPrefixLen || !isLowerHex(parts[2]) {
		return domain.DedupKey{}, domain.NewValidationError(record, "hash_prefix",
			fmt.Sprintf("%q is not %d lowercase hex characters", parts[2], HashPrefixLen))
	}

	amt, err := money.ValidateAmount(parts[3], money.AllowZero(), money.Record(record))
	if err != nil {
		return domain.DedupKey{}, err
	}
	if amt.StringFixed(money.Places) != parts[3] {
		return domain.DedupKey{}, domain.NewValidationError(record, "amount",
			fmt.Sprintf("%q is not a canonical two decimal amount", parts[3]))
	}

	d, err := parseDate(parts[4])
	if err != nil {
		return domain.DedupKey{}, err
	}

	return domain.DedupKey{
		SystemTag:  parts[0],
		DocumentID: docID,
		HashPrefix: parts[2],
		Amount:     parts[3],
		Date:       d,
	}, nil
}

// Changed reports whether an amount or date correction invalidates key.
func Changed(key domain.DedupKey, amount any, date string) (bool, error) {
	next, err := Generate(key.DocumentID, key.HashPrefix, amount, date)
	if err != nil {
		return false, err
	}
	return next.Amount != key.Amount || next.Date != key.Date, nil
}

// Hash returns the lowercase hex SHA-256 of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r through SHA-256.
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("HashReader: reading content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashPrefix(contentHash string) (string, error) {
	h := strings.ToLower(strings.TrimSpace(contentHash))
	if len(h) < HashPrefixLen {
		return "", domain.NewValidationError(record, "content_hash",
			fmt.Sprintf("must be at least %d characters, got %d", HashPrefixLen, len(h)))
	}
	h = h[:HashPrefixLen]
	if !isLowerHex(h) {
		return "", domain.NewValidationError(record, "content_hash", "must be hexadecimal")
	}
	return h, nil
}

// parseDate accepts only the canonical YYYY-MM-DD form.
func parseDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(s)
	if err != nil || !d.IsValid() || d.String() != s {
		return civil.Date{}, domain.NewValidationError(record, "date",
			fmt.Sprintf("%q is not a YYYY-MM-DD date", s))
	}
	return d, nil
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
