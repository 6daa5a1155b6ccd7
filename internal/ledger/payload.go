// Package ledger builds the transaction payloads sent to the ledger service.
package ledger

// Payload is the request body for creating one transaction group.
type Payload struct {
	ErrorIfDuplicateHash bool          `json:"error_if_duplicate_hash"`
	ApplyRules           bool          `json:"apply_rules"`
	GroupTitle           string        `json:"group_title,omitempty"`
	Transactions         []Transaction `json:"transactions"`
}

// Transaction is one entry (split) of a Payload.
type Transaction struct {
	Type              string   `json:"type"`
	Date              string   `json:"date"`
	Amount            string   `json:"amount"`
	Description       string   `json:"description"`
	CurrencyCode      string   `json:"currency_code,omitempty"`
	SourceName        string   `json:"source_name"`
	DestinationName   string   `json:"destination_name"`
	CategoryName      string   `json:"category_name,omitempty"`
	Tags              []string `json:"tags"`
	ExternalID        string   `json:"external_id"`
	InternalReference string   `json:"internal_reference,omitempty"`
	InvoiceDate       string   `json:"invoice_date,omitempty"`
	DueDate           string   `json:"due_date,omitempty"`
	Notes             string   `json:"notes"`
	Order             int      `json:"order"`
}
