package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/dedup"
	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/money"
	"github.com/dvloznov/finance-reconciler/internal/split"
	"github.com/shopspring/decimal"
)

const record = "ledger_payload"

// Options configures account roles and provenance markers.
type Options struct {
	AssetAccount        string         `yaml:"asset_account"`
	UnknownCounterparty string         `yaml:"unknown_counterparty"`
	PipelineTag         string         `yaml:"pipeline_tag"`
	Provenance          string         `yaml:"provenance"`
	SplitStrategy       split.Strategy `yaml:"split_strategy"`
	ApplyRules          bool           `yaml:"apply_rules"`
}

// DefaultOptions returns the builder defaults.
func DefaultOptions() Options {
	return Options{
		AssetAccount:        "Checking account",
		UnknownCounterparty: "(unknown counterparty)",
		PipelineTag:         "paperless-import",
		Provenance:          "finance-reconciler",
		SplitStrategy:       split.DistributeRemainder,
		ApplyRules:          true,
	}
}

// Builder turns extractions into ledger payloads.
type Builder struct {
	opts Options
}

// NewBuilder creates a Builder. Empty options fall back to DefaultOptions.
func NewBuilder(opts Options) *Builder {
	def := DefaultOptions()
	if opts.AssetAccount == "" {
		opts.AssetAccount = def.AssetAccount
	}
	if opts.UnknownCounterparty == "" {
		opts.UnknownCounterparty = def.UnknownCounterparty
	}
	if opts.PipelineTag == "" {
		opts.PipelineTag = def.PipelineTag
	}
	if opts.Provenance == "" {
		opts.Provenance = def.Provenance
	}
	if opts.SplitStrategy == "" {
		opts.SplitStrategy = def.SplitStrategy
	}
	return &Builder{opts: opts}
}

// Options returns the effective options.
func (b *Builder) Options() Options { return b.opts }

// Build maps ext to a ledger payload. Extractions with line items become a
// multi-entry split payload whose entries share the dedup key.
func (b *Builder) Build(ext *domain.Extraction) (*Payload, error) {
	if ext == nil {
		return nil, domain.NewValidationError(record, "extraction", "is required")
	}
	p := ext.Proposal

	if !p.Date.IsValid() {
		return nil, domain.NewValidationError(record, "date", "is required")
	}
	if strings.TrimSpace(p.DedupKey) == "" {
		return nil, domain.NewValidationError(record, "dedup_key", "is required")
	}
	if _, err := dedup.Parse(p.DedupKey); err != nil {
		return nil, err
	}
	amount, err := money.ValidateAmount(p.Amount, money.Record(record))
	if err != nil {
		return nil, err
	}
	txType := p.Type
	if txType == "" {
		txType = domain.TransactionWithdrawal
	}
	if !txType.Valid() {
		return nil, domain.NewValidationError(record, "type", fmt.Sprintf("unknown transaction type %q", p.Type))
	}

	source, destination := b.accounts(txType, p)
	base := Transaction{
		Type:              string(txType),
		Date:              p.Date.String(),
		CurrencyCode:      strings.ToUpper(strings.TrimSpace(p.Currency)),
		SourceName:        source,
		DestinationName:   destination,
		CategoryName:      p.Category,
		Tags:              []string{b.opts.PipelineTag},
		ExternalID:        p.DedupKey,
		InternalReference: strconv.FormatInt(ext.DocumentID, 10),
		Notes:             b.auditNotes(ext),
	}
	if p.InvoiceNumber != "" {
		base.InvoiceDate = p.Date.String()
	}
	if p.DueDate != nil && p.DueDate.IsValid() {
		base.DueDate = p.DueDate.String()
	}

	payload := &Payload{
		ErrorIfDuplicateHash: true,
		ApplyRules:           b.opts.ApplyRules,
	}

	if len(ext.LineItems) == 0 {
		tx := base
		tx.Amount = amount.StringFixed(money.Places)
		tx.Description = description(p)
		payload.Transactions = []Transaction{tx}
		return payload, nil
	}

	splits, err := split.BuildSplits(ext.LineItems, amount, b.opts.SplitStrategy)
	if err != nil {
		return nil, err
	}
	sp := &split.SplitTransactionPayload{
		Type:               txType,
		Date:               p.Date,
		Currency:           base.CurrencyCode,
		GroupTitle:         description(p),
		SourceAccount:      source,
		DestinationAccount: destination,
		ExternalID:         p.DedupKey,
		Tags:               base.Tags,
		Notes:              base.Notes,
		TotalAmount:        amount,
		Splits:             splits,
	}
	if problems := sp.Validate(); len(problems) > 0 {
		return nil, domain.NewValidationError(record, "splits", strings.Join(problems, "; "))
	}
	return b.fromSplits(base, sp), nil
}

func (b *Builder) fromSplits(base Transaction, sp *split.SplitTransactionPayload) *Payload {
	payload := &Payload{
		ErrorIfDuplicateHash: true,
		ApplyRules:           b.opts.ApplyRules,
		GroupTitle:           sp.GroupTitle,
	}
	for _, s := range sp.Splits {
		tx := base
		tx.Tags = append([]string(nil), base.Tags...)
		tx.Amount = s.Amount.StringFixed(money.Places)
		tx.Description = s.Description
		tx.Order = s.Order
		if s.Category != "" {
			tx.CategoryName = s.Category
		}
		payload.Transactions = append(payload.Transactions, tx)
	}
	return payload
}

// accounts maps the transaction type onto ledger source and destination.
func (b *Builder) accounts(t domain.TransactionType, p domain.TransactionProposal) (string, string) {
	src := strings.TrimSpace(p.SourceAccount)
	dst := strings.TrimSpace(p.DestinationAccount)
	switch t {
	case domain.TransactionDeposit:
		return orDefault(src, b.opts.UnknownCounterparty), orDefault(dst, b.opts.AssetAccount)
	case domain.TransactionTransfer:
		return orDefault(src, b.opts.AssetAccount), orDefault(dst, b.opts.AssetAccount)
	default:
		return orDefault(src, b.opts.AssetAccount), orDefault(dst, b.opts.UnknownCounterparty)
	}
}

func description(p domain.TransactionProposal) string {
	if d := strings.TrimSpace(p.Description); d != "" {
		return d
	}
	if p.InvoiceNumber != "" {
		return "Invoice " + p.InvoiceNumber
	}
	return "Imported document"
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Amount parses a payload amount string.
func Amount(tx Transaction) (decimal.Decimal, error) {
	return decimal.NewFromString(tx.Amount)
}
