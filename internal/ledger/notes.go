package ledger

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// AuditMarker opens the machine readable block at the end of entry notes.
const AuditMarker = "--- reconciliation audit ---"

// Audit note keys.
const (
	NoteDocumentID   = "document_id"
	NoteExtractionID = "extraction_id"
	NoteContentHash  = "content_hash"
	NoteConfidence   = "confidence"
	NoteReviewState  = "review_state"
	NoteStrategy     = "strategy"
	NoteSource       = "source"
	NoteInvoice      = "invoice_number"
)

func (b *Builder) auditNotes(ext *domain.Extraction) string {
	hash := ext.ContentHash
	if len(hash) > 16 {
		hash = hash[:16]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Imported from document #%d\n", ext.DocumentID)
	sb.WriteString(AuditMarker + "\n")
	writeNote(&sb, NoteDocumentID, strconv.FormatInt(ext.DocumentID, 10))
	writeNote(&sb, NoteExtractionID, ext.ID)
	writeNote(&sb, NoteContentHash, hash)
	writeNote(&sb, NoteConfidence, strconv.FormatFloat(ext.Scores.Overall, 'f', 2, 64))
	writeNote(&sb, NoteReviewState, string(ext.Scores.ReviewState))
	writeNote(&sb, NoteStrategy, ext.Strategy)
	writeNote(&sb, NoteInvoice, ext.Proposal.InvoiceNumber)
	writeNote(&sb, NoteSource, b.opts.Provenance)
	return strings.TrimRight(sb.String(), "\n")
}

func writeNote(sb *strings.Builder, key, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(sb, "%s: %s\n", key, value)
}

// ParseAuditNotes extracts the key/value pairs written after AuditMarker.
// Notes without the marker yield an empty map.
func ParseAuditNotes(notes string) map[string]string {
	out := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(notes))
	inBlock := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == AuditMarker {
			inBlock = true
			continue
		}
		if !inBlock {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return out
}
