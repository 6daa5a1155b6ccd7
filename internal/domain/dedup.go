package domain

import (
	"fmt"

	"cloud.google.com/go/civil"
)

// DedupKey identifies one extracted transaction across re-imports.
// Its string form is "{system_tag}:{document_id}:{hash_prefix}:{amount}:{date}".
type DedupKey struct {
	SystemTag  string
	DocumentID int64
	HashPrefix string
	Amount     string
	Date       civil.Date
}

func (k DedupKey) String() string {
	return fmt.Sprintf("%s:%d:%s:%s:%s", k.SystemTag, k.DocumentID, k.HashPrefix, k.Amount, k.Date)
}
