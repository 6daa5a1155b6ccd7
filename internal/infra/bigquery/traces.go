package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

const tracesTable = "interpretation_traces"

// TraceSourceRow is one entry of the repeated sources record.
type TraceSourceRow struct {
	System     string              `bigquery:"system"`     // REQUIRED
	FieldName  bigquery.NullString `bigquery:"field_name"` // NULLABLE
	Identifier bigquery.NullString `bigquery:"identifier"` // NULLABLE
}

// TraceEventRow is one sanitized interpretation event.
type TraceEventRow struct {
	DocumentID int64 `bigquery:"document_id"` // REQUIRED
	Sequence   int64 `bigquery:"sequence"`    // REQUIRED, position within the written batch

	EventTS     time.Time `bigquery:"event_ts"`     // REQUIRED
	Stage       string    `bigquery:"stage"`        // REQUIRED
	TargetField string    `bigquery:"target_field"` // REQUIRED
	Method      string    `bigquery:"method"`       // REQUIRED
	Outcome     string    `bigquery:"outcome"`      // REQUIRED

	Confidence bigquery.NullFloat64 `bigquery:"confidence"` // NULLABLE
	Notes      bigquery.NullString  `bigquery:"notes"`      // NULLABLE

	Sources []TraceSourceRow `bigquery:"sources"` // REPEATED RECORD

	WrittenTS time.Time `bigquery:"written_ts"` // REQUIRED
}

// TraceRows maps a trace to rows. Events are already sanitized by the
// recorder; no raw document text exists to copy.
func TraceRows(trace domain.InterpretationTrace, writtenAt time.Time) []*TraceEventRow {
	rows := make([]*TraceEventRow, 0, len(trace.Events))
	for i, ev := range trace.Events {
		row := &TraceEventRow{
			DocumentID:  trace.DocumentID,
			Sequence:    int64(i),
			EventTS:     ev.Timestamp.UTC(),
			Stage:       string(ev.Stage),
			TargetField: ev.TargetField,
			Method:      string(ev.Method),
			Outcome:     ev.Outcome,
			Notes:       bigquery.NullString{StringVal: ev.Notes, Valid: ev.Notes != ""},
			WrittenTS:   writtenAt.UTC(),
		}
		if ev.Confidence != nil {
			row.Confidence = bigquery.NullFloat64{Float64: *ev.Confidence, Valid: true}
		}
		for _, s := range ev.Sources {
			row.Sources = append(row.Sources, TraceSourceRow{
				System:     s.System,
				FieldName:  bigquery.NullString{StringVal: s.FieldName, Valid: s.FieldName != ""},
				Identifier: bigquery.NullString{StringVal: s.Identifier, Valid: s.Identifier != ""},
			})
		}
		rows = append(rows, row)
	}
	return rows
}

// TraceSink streams interpretation traces into BigQuery for audit.
type TraceSink struct {
	client  *bigquery.Client
	project string
	dataset string
	now     func() time.Time
}

// NewTraceSink creates a TraceSink with its own BigQuery client.
func NewTraceSink(ctx context.Context, project, dataset string) (*TraceSink, error) {
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("NewTraceSink: creating client: %w", err)
	}
	return &TraceSink{client: client, project: project, dataset: dataset, now: time.Now}, nil
}

// Close closes the BigQuery client connection.
func (s *TraceSink) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// WriteTrace appends the trace events to the audit table.
func (s *TraceSink) WriteTrace(ctx context.Context, trace domain.InterpretationTrace) error {
	rows := TraceRows(trace, s.now())
	if len(rows) == 0 {
		return nil
	}

	// Use fully qualified table name to avoid project ID issues
	table := s.client.DatasetInProject(s.project, s.dataset).Table(tracesTable)
	if err := table.Inserter().Put(ctx, rows); err != nil {
		return fmt.Errorf("WriteTrace: inserting rows: %w", err)
	}
	return nil
}
