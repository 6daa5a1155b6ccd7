package trace

import (
	"sync"
	"time"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// Recorder accumulates trace events for one document. It is safe for
// concurrent use.
type Recorder struct {
	mu         sync.Mutex
	documentID int64
	events     []domain.TraceEvent
	now        func() time.Time
}

// RecorderOption customizes a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates an empty recorder for documentID.
func NewRecorder(documentID int64, opts ...RecorderOption) *Recorder {
	r := &Recorder{documentID: documentID, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Event describes one interpretation step before it is sanitized.
type Event struct {
	Stage      domain.Stage
	Field      string
	Method     domain.Method
	Value      any
	Confidence *float64
	Notes      string
	Sources    []domain.TraceSource
}

// Record appends e. The value is rendered through Describe and notes are
// sanitized, so raw text never reaches the stored event.
func (r *Recorder) Record(e Event) {
	sources := make([]domain.TraceSource, len(e.Sources))
	for i, s := range e.Sources {
		sources[i] = domain.TraceSource{
			System:     s.System,
			FieldName:  s.FieldName,
			Identifier: Sanitize(s.Identifier, DefaultMaxLength),
		}
	}
	var conf *float64
	if e.Confidence != nil {
		c := *e.Confidence
		conf = &c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, domain.TraceEvent{
		Timestamp:   r.now().UTC(),
		Stage:       e.Stage,
		TargetField: e.Field,
		Sources:     sources,
		Method:      e.Method,
		Outcome:     Describe(e.Field, e.Value, e.Method),
		Confidence:  conf,
		Notes:       Sanitize(e.Notes, DefaultMaxLength),
	})
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.TraceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TraceEvent(nil), r.events...)
}

// Trace returns a copy of the accumulated trace.
func (r *Recorder) Trace() domain.InterpretationTrace {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := make([]domain.TraceEvent, len(r.events))
	copy(events, r.events)
	return domain.InterpretationTrace{DocumentID: r.documentID, Events: events}
}

// Confidence is a helper for taking the address of a score literal.
func Confidence(v float64) *float64 { return &v }
