package domain

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// TransactionType is the direction of money in the ledger.
type TransactionType string

const (
	TransactionWithdrawal TransactionType = "withdrawal"
	TransactionDeposit    TransactionType = "deposit"
	TransactionTransfer   TransactionType = "transfer"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionWithdrawal, TransactionDeposit, TransactionTransfer:
		return true
	}
	return false
}

// TransactionProposal is the transaction a document appears to describe.
// Amount is always positive; direction is carried by Type.
type TransactionProposal struct {
	Type               TransactionType `json:"type"`
	Date               civil.Date      `json:"date"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	Description        string          `json:"description"`
	SourceAccount      string          `json:"source_account,omitempty"`
	DestinationAccount string          `json:"destination_account,omitempty"`
	Category           string          `json:"category,omitempty"`
	InvoiceNumber      string          `json:"invoice_number,omitempty"`
	DueDate            *civil.Date     `json:"due_date,omitempty"`
	DedupKey           string          `json:"dedup_key"`
}

// LineItem is one position read from the source document.
// Amount wins over Quantity*UnitPrice when both are present.
type LineItem struct {
	Description string           `json:"description"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	Category    string           `json:"category,omitempty"`
	Position    *int             `json:"position,omitempty"`
}

// Extraction is one processed document and the transaction proposed from it.
type Extraction struct {
	ID          string              `json:"id"`
	DocumentID  int64               `json:"document_id"`
	ContentHash string              `json:"content_hash"`
	Strategy    string              `json:"strategy"`
	Proposal    TransactionProposal `json:"proposal"`
	Scores      ConfidenceScores    `json:"scores"`
	LineItems   []LineItem          `json:"line_items,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// PendingDocument is the view of an unlinked extraction used for matching.
type PendingDocument struct {
	ExtractionID string
	DocumentID   int64
	Amount       decimal.Decimal
	Date         civil.Date
	Currency     string
	Vendor       string
	Description  string
}

// PendingView returns the matching view of e.
func (e *Extraction) PendingView() PendingDocument {
	vendor := e.Proposal.DestinationAccount
	if e.Proposal.Type == TransactionDeposit {
		vendor = e.Proposal.SourceAccount
	}
	return PendingDocument{
		ExtractionID: e.ID,
		DocumentID:   e.DocumentID,
		Amount:       e.Proposal.Amount,
		Date:         e.Proposal.Date,
		Currency:     e.Proposal.Currency,
		Vendor:       vendor,
		Description:  e.Proposal.Description,
	}
}

// Clone returns a deep copy.
func (e *Extraction) Clone() *Extraction {
	out := *e
	out.Scores = e.Scores.Clone()
	if e.Proposal.DueDate != nil {
		d := *e.Proposal.DueDate
		out.Proposal.DueDate = &d
	}
	if e.LineItems != nil {
		out.LineItems = make([]LineItem, len(e.LineItems))
		for i, li := range e.LineItems {
			if li.Amount != nil {
				a := *li.Amount
				li.Amount = &a
			}
			if li.Position != nil {
				p := *li.Position
				li.Position = &p
			}
			out.LineItems[i] = li
		}
	}
	return &out
}
