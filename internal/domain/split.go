package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SplitItem is one line of a multi-line ledger transaction.
type SplitItem struct {
	Amount           decimal.Decimal `json:"amount"`
	Description      string          `json:"description"`
	Category         string          `json:"category,omitempty"`
	Order            int             `json:"order"`
	PositionInSource *int            `json:"position_in_source,omitempty"`
}

// StableKey identifies the split across rebuilds of the same document.
// The source position is used when known, otherwise a digest of the content.
func (s SplitItem) StableKey() string {
	if s.PositionInSource != nil {
		return fmt.Sprintf("pos:%d", *s.PositionInSource)
	}
	h := sha256.Sum256([]byte(strings.Join([]string{
		strings.ToLower(strings.TrimSpace(s.Description)),
		s.Amount.StringFixed(2),
		strings.ToLower(strings.TrimSpace(s.Category)),
	}, "|")))
	return "content:" + hex.EncodeToString(h[:])[:12]
}
