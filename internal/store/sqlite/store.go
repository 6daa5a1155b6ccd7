// Package sqlite implements store.Store on SQLite. Transactions begin
// IMMEDIATE so concurrent writers serialize on the database lock and the
// version check on linkages decides which decision commits first.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-reconciler/internal/domain"
	"github.com/dvloznov/finance-reconciler/internal/store"
)

// Store is a SQLite backed store.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("Open: failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// WithTx implements store.Store.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("WithTx: failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("WithTx: failed to commit transaction: %w", err)
	}
	return nil
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

type tx struct {
	tx *sql.Tx
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// Fixed width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func decodeStrings(s string) ([]string, error) {
	var out []string
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Extractions

func (t *tx) UpsertExtraction(ctx context.Context, ext *domain.Extraction) error {
	if ext.ID == "" {
		return fmt.Errorf("UpsertExtraction: extraction ID is required")
	}
	data, err := json.Marshal(ext)
	if err != nil {
		return fmt.Errorf("UpsertExtraction: failed to encode extraction: %w", err)
	}
	var key sql.NullString
	if ext.Proposal.DedupKey != "" {
		key = sql.NullString{String: ext.Proposal.DedupKey, Valid: true}
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO extractions (id, document_id, content_hash, dedup_key, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			content_hash = excluded.content_hash,
			dedup_key = excluded.dedup_key,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		ext.ID, ext.DocumentID, ext.ContentHash, key, string(data),
		formatTime(ext.CreatedAt), formatTime(ext.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("UpsertExtraction: dedup key %s already stored: %w", ext.Proposal.DedupKey, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("UpsertExtraction: failed to write extraction %s: %w", ext.ID, err)
	}
	return nil
}

func (t *tx) getExtraction(ctx context.Context, where string, arg any) (*domain.Extraction, error) {
	var data string
	err := t.tx.QueryRowContext(ctx, `SELECT data FROM extractions WHERE `+where, arg).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var ext domain.Extraction
	if err := json.Unmarshal([]byte(data), &ext); err != nil {
		return nil, fmt.Errorf("failed to decode extraction: %w", err)
	}
	return &ext, nil
}

func (t *tx) GetExtraction(ctx context.Context, id string) (*domain.Extraction, error) {
	ext, err := t.getExtraction(ctx, "id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("GetExtraction: extraction %s: %w", id, err)
	}
	return ext, nil
}

func (t *tx) FindExtractionByDedupKey(ctx context.Context, key string) (*domain.Extraction, error) {
	ext, err := t.getExtraction(ctx, "dedup_key = ?", key)
	if err != nil {
		return nil, fmt.Errorf("FindExtractionByDedupKey: %s: %w", key, err)
	}
	return ext, nil
}

func (t *tx) ListPendingDocuments(ctx context.Context) ([]domain.PendingDocument, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT e.data FROM extractions e
		JOIN linkages l ON l.extraction_id = e.id
		WHERE l.link_type = ?
		ORDER BY e.document_id, e.id`,
		string(domain.LinkPending),
	)
	if err != nil {
		return nil, fmt.Errorf("ListPendingDocuments: query failed: %w", err)
	}
	defer rows.Close()

	var docs []domain.PendingDocument
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("ListPendingDocuments: scan failed: %w", err)
		}
		var ext domain.Extraction
		if err := json.Unmarshal([]byte(data), &ext); err != nil {
			return nil, fmt.Errorf("ListPendingDocuments: failed to decode extraction: %w", err)
		}
		docs = append(docs, ext.PendingView())
	}
	return docs, rows.Err()
}

// Ledger cache

const ledgerColumns = `id, type, date, amount, currency, description, source_name, destination_name,
	category, notes, tags, external_id, match_status, deleted_at, synced_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLedger(row rowScanner) (*domain.LedgerCacheRecord, error) {
	var (
		rec                             domain.LedgerCacheRecord
		typ, date, amount, tags, status string
		deletedAt                       sql.NullString
		syncedAt                        string
	)
	err := row.Scan(&rec.ID, &typ, &date, &amount, &rec.Currency, &rec.Description, &rec.SourceName,
		&rec.DestinationName, &rec.Category, &rec.Notes, &tags, &rec.ExternalID, &status, &deletedAt, &syncedAt)
	if err != nil {
		return nil, err
	}
	rec.Type = domain.TransactionType(typ)
	rec.MatchStatus = domain.MatchStatus(status)
	if rec.Date, err = civil.ParseDate(date); err != nil {
		return nil, fmt.Errorf("bad date %q: %w", date, err)
	}
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", amount, err)
	}
	if rec.Tags, err = decodeStrings(tags); err != nil {
		return nil, fmt.Errorf("bad tags: %w", err)
	}
	if rec.DeletedAt, err = parseNullTime(deletedAt); err != nil {
		return nil, fmt.Errorf("bad deleted_at: %w", err)
	}
	if rec.SyncedAt, err = parseTime(syncedAt); err != nil {
		return nil, fmt.Errorf("bad synced_at: %w", err)
	}
	return &rec, nil
}

func (t *tx) UpsertLedgerRecord(ctx context.Context, rec *domain.LedgerCacheRecord) error {
	tags, err := encodeStrings(rec.Tags)
	if err != nil {
		return fmt.Errorf("UpsertLedgerRecord: failed to encode tags: %w", err)
	}
	status := rec.MatchStatus
	if status == "" {
		status = domain.MatchUnmatched
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO ledger_cache (`+ledgerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			date = excluded.date,
			amount = excluded.amount,
			currency = excluded.currency,
			description = excluded.description,
			source_name = excluded.source_name,
			destination_name = excluded.destination_name,
			category = excluded.category,
			notes = excluded.notes,
			tags = excluded.tags,
			external_id = excluded.external_id,
			match_status = excluded.match_status,
			deleted_at = excluded.deleted_at,
			synced_at = excluded.synced_at`,
		rec.ID, string(rec.Type), rec.Date.String(), rec.Amount.String(), rec.Currency, rec.Description,
		rec.SourceName, rec.DestinationName, rec.Category, rec.Notes, tags, rec.ExternalID,
		string(status), nullTime(rec.DeletedAt), formatTime(rec.SyncedAt),
	)
	if err != nil {
		return fmt.Errorf("UpsertLedgerRecord: failed to write ledger %d: %w", rec.ID, err)
	}
	return nil
}

func (t *tx) GetLedgerRecord(ctx context.Context, id int64) (*domain.LedgerCacheRecord, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM ledger_cache WHERE id = ?`, id)
	rec, err := scanLedger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetLedgerRecord: ledger %d: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetLedgerRecord: ledger %d: %w", id, err)
	}
	return rec, nil
}

func (t *tx) ListMatchableLedger(ctx context.Context) ([]domain.LedgerCacheRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_cache
		WHERE deleted_at IS NULL AND match_status = ?
		ORDER BY id`,
		string(domain.MatchUnmatched),
	)
	if err != nil {
		return nil, fmt.Errorf("ListMatchableLedger: query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerCacheRecord
	for rows.Next() {
		rec, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("ListMatchableLedger: scan failed: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Dates are stored as YYYY-MM-DD, so string comparison orders them.
func (t *tx) ListLedgerInRange(ctx context.Context, start, end civil.Date) ([]domain.LedgerCacheRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+ledgerColumns+` FROM ledger_cache
		WHERE deleted_at IS NULL AND date >= ? AND date <= ?
		ORDER BY id`,
		start.String(), end.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("ListLedgerInRange: query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerCacheRecord
	for rows.Next() {
		rec, err := scanLedger(rows)
		if err != nil {
			return nil, fmt.Errorf("ListLedgerInRange: scan failed: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (t *tx) execOne(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *tx) SetLedgerMatchStatus(ctx context.Context, id int64, status domain.MatchStatus) error {
	ok, err := t.execOne(ctx, `UPDATE ledger_cache SET match_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("SetLedgerMatchStatus: ledger %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("SetLedgerMatchStatus: ledger %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (t *tx) SoftDeleteLedger(ctx context.Context, id int64, at time.Time) error {
	ok, err := t.execOne(ctx, `UPDATE ledger_cache SET deleted_at = COALESCE(deleted_at, ?) WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("SoftDeleteLedger: ledger %d: %w", id, err)
	}
	if !ok {
		return fmt.Errorf("SoftDeleteLedger: ledger %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Proposals

const proposalColumns = `id, ledger_id, document_id, extraction_id, score, reasons, status, auto_eligible, created_at, decided_at`

func scanProposal(row rowScanner) (*domain.MatchProposal, error) {
	var (
		p                          domain.MatchProposal
		reasons, status, createdAt string
		decidedAt                  sql.NullString
	)
	err := row.Scan(&p.ID, &p.LedgerID, &p.DocumentID, &p.ExtractionID, &p.Score, &reasons, &status,
		&p.AutoEligible, &createdAt, &decidedAt)
	if err != nil {
		return nil, err
	}
	p.Status = domain.ProposalStatus(status)
	if p.Reasons, err = decodeStrings(reasons); err != nil {
		return nil, fmt.Errorf("bad reasons: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at: %w", err)
	}
	if p.DecidedAt, err = parseNullTime(decidedAt); err != nil {
		return nil, fmt.Errorf("bad decided_at: %w", err)
	}
	return &p, nil
}

func (t *tx) SaveProposal(ctx context.Context, p *domain.MatchProposal) error {
	if p.ID == "" {
		return fmt.Errorf("SaveProposal: proposal ID is required")
	}
	reasons, err := encodeStrings(p.Reasons)
	if err != nil {
		return fmt.Errorf("SaveProposal: failed to encode reasons: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO match_proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			score = excluded.score,
			reasons = excluded.reasons,
			status = excluded.status,
			auto_eligible = excluded.auto_eligible,
			decided_at = excluded.decided_at`,
		p.ID, p.LedgerID, p.DocumentID, p.ExtractionID, p.Score, reasons, string(p.Status),
		p.AutoEligible, formatTime(p.CreatedAt), nullTime(p.DecidedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("SaveProposal: ledger %d or extraction %s already has an active proposal: %w",
			p.LedgerID, p.ExtractionID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("SaveProposal: failed to write proposal %s: %w", p.ID, err)
	}
	return nil
}

func (t *tx) GetProposal(ctx context.Context, id string) (*domain.MatchProposal, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM match_proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetProposal: proposal %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetProposal: proposal %s: %w", id, err)
	}
	return p, nil
}

func (t *tx) ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]domain.MatchProposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM match_proposals WHERE 1 = 1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.ExtractionID != "" {
		query += ` AND extraction_id = ?`
		args = append(args, filter.ExtractionID)
	}
	if filter.LedgerID != 0 {
		query += ` AND ledger_id = ?`
		args = append(args, filter.LedgerID)
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListProposals: query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.MatchProposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("ListProposals: scan failed: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// Linkages

const linkageColumns = `extraction_id, document_id, ledger_id, link_type, confidence, match_reasons, linked_at, linked_by, version`

func scanLinkage(row rowScanner) (*domain.Linkage, error) {
	var (
		l                           domain.Linkage
		ledgerID                    sql.NullInt64
		confidence                  sql.NullFloat64
		linkType, reasons, linkedBy string
		linkedAt                    sql.NullString
	)
	err := row.Scan(&l.ExtractionID, &l.DocumentID, &ledgerID, &linkType, &confidence, &reasons,
		&linkedAt, &linkedBy, &l.Version)
	if err != nil {
		return nil, err
	}
	l.LinkType = domain.LinkType(linkType)
	l.LinkedBy = domain.LinkedBy(linkedBy)
	if ledgerID.Valid {
		id := ledgerID.Int64
		l.LedgerID = &id
	}
	if confidence.Valid {
		c := confidence.Float64
		l.Confidence = &c
	}
	if l.MatchReasons, err = decodeStrings(reasons); err != nil {
		return nil, fmt.Errorf("bad match_reasons: %w", err)
	}
	if l.LinkedAt, err = parseNullTime(linkedAt); err != nil {
		return nil, fmt.Errorf("bad linked_at: %w", err)
	}
	return &l, nil
}

func linkageArgs(l *domain.Linkage) (ledgerID sql.NullInt64, confidence sql.NullFloat64, reasons string, err error) {
	if l.LedgerID != nil {
		ledgerID = sql.NullInt64{Int64: *l.LedgerID, Valid: true}
	}
	if l.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *l.Confidence, Valid: true}
	}
	reasons, err = encodeStrings(l.MatchReasons)
	return ledgerID, confidence, reasons, err
}

func (t *tx) GetLinkage(ctx context.Context, extractionID string) (*domain.Linkage, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+linkageColumns+` FROM linkages WHERE extraction_id = ?`, extractionID)
	l, err := scanLinkage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("GetLinkage: extraction %s: %w", extractionID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetLinkage: extraction %s: %w", extractionID, err)
	}
	return l, nil
}

func (t *tx) InsertLinkage(ctx context.Context, l *domain.Linkage) error {
	ledgerID, confidence, reasons, err := linkageArgs(l)
	if err != nil {
		return fmt.Errorf("InsertLinkage: failed to encode reasons: %w", err)
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO linkages (`+linkageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		l.ExtractionID, l.DocumentID, ledgerID, string(l.LinkType), confidence, reasons,
		nullTime(l.LinkedAt), string(l.LinkedBy),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("InsertLinkage: extraction %s already linked: %w", l.ExtractionID, domain.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("InsertLinkage: extraction %s: %w", l.ExtractionID, err)
	}
	l.Version = 1
	return nil
}

func (t *tx) UpdateLinkage(ctx context.Context, l *domain.Linkage, expectedVersion int64) error {
	ledgerID, confidence, reasons, err := linkageArgs(l)
	if err != nil {
		return fmt.Errorf("UpdateLinkage: failed to encode reasons: %w", err)
	}
	ok, err := t.execOne(ctx, `
		UPDATE linkages SET
			document_id = ?, ledger_id = ?, link_type = ?, confidence = ?, match_reasons = ?,
			linked_at = ?, linked_by = ?, version = version + 1
		WHERE extraction_id = ? AND version = ?`,
		l.DocumentID, ledgerID, string(l.LinkType), confidence, reasons,
		nullTime(l.LinkedAt), string(l.LinkedBy), l.ExtractionID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("UpdateLinkage: extraction %s: %w", l.ExtractionID, err)
	}
	if !ok {
		if _, err := t.GetLinkage(ctx, l.ExtractionID); err != nil {
			return fmt.Errorf("UpdateLinkage: %w", err)
		}
		return fmt.Errorf("UpdateLinkage: extraction %s changed since version %d: %w",
			l.ExtractionID, expectedVersion, domain.ErrConflict)
	}
	l.Version = expectedVersion + 1
	return nil
}

func (t *tx) ListLinkagesByLedger(ctx context.Context, ledgerID int64) ([]domain.Linkage, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+linkageColumns+` FROM linkages WHERE ledger_id = ? ORDER BY extraction_id`, ledgerID)
	if err != nil {
		return nil, fmt.Errorf("ListLinkagesByLedger: query failed: %w", err)
	}
	defer rows.Close()

	var out []domain.Linkage
	for rows.Next() {
		l, err := scanLinkage(rows)
		if err != nil {
			return nil, fmt.Errorf("ListLinkagesByLedger: scan failed: %w", err)
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// Traces

func (t *tx) AppendTrace(ctx context.Context, trace domain.InterpretationTrace) error {
	if len(trace.Events) == 0 {
		return nil
	}
	stmt, err := t.tx.PrepareContext(ctx, `
		INSERT INTO trace_events (document_id, timestamp, stage, target_field, sources, method, outcome, confidence, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("AppendTrace: failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, ev := range trace.Events {
		sources, err := json.Marshal(ev.Sources)
		if err != nil {
			return fmt.Errorf("AppendTrace: failed to encode sources: %w", err)
		}
		var confidence sql.NullFloat64
		if ev.Confidence != nil {
			confidence = sql.NullFloat64{Float64: *ev.Confidence, Valid: true}
		}
		_, err = stmt.ExecContext(ctx, trace.DocumentID, formatTime(ev.Timestamp), string(ev.Stage),
			ev.TargetField, string(sources), string(ev.Method), ev.Outcome, confidence, ev.Notes)
		if err != nil {
			return fmt.Errorf("AppendTrace: document %d: %w", trace.DocumentID, err)
		}
	}
	return nil
}

func (t *tx) GetTrace(ctx context.Context, documentID int64) (*domain.InterpretationTrace, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT timestamp, stage, target_field, sources, method, outcome, confidence, notes
		FROM trace_events WHERE document_id = ? ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("GetTrace: query failed: %w", err)
	}
	defer rows.Close()

	out := &domain.InterpretationTrace{DocumentID: documentID}
	for rows.Next() {
		var (
			ev                      domain.TraceEvent
			ts, stage, method, srcs string
			confidence              sql.NullFloat64
		)
		if err := rows.Scan(&ts, &stage, &ev.TargetField, &srcs, &method, &ev.Outcome, &confidence, &ev.Notes); err != nil {
			return nil, fmt.Errorf("GetTrace: scan failed: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("GetTrace: bad timestamp: %w", err)
		}
		if err := json.Unmarshal([]byte(srcs), &ev.Sources); err != nil {
			return nil, fmt.Errorf("GetTrace: bad sources: %w", err)
		}
		ev.Stage = domain.Stage(stage)
		ev.Method = domain.Method(method)
		if confidence.Valid {
			c := confidence.Float64
			ev.Confidence = &c
		}
		out.Events = append(out.Events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetTrace: %w", err)
	}
	if len(out.Events) == 0 {
		return nil, fmt.Errorf("GetTrace: document %d: %w", documentID, domain.ErrNotFound)
	}
	return out, nil
}

// Ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)
