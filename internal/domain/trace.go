package domain

import "time"

// Stage is the processing phase a trace event belongs to.
type Stage string

const (
	StageExtraction Stage = "EXTRACTION"
	StageValidation Stage = "VALIDATION"
	StageNormalize  Stage = "NORMALIZATION"
	StageMatching   Stage = "MATCHING"
	StageDecision   Stage = "DECISION"
	StageImport     Stage = "IMPORT"
)

// Method is how a value was derived.
type Method string

const (
	MethodRule         Method = "RULE"
	MethodLLM          Method = "LLM"
	MethodOCR          Method = "OCR"
	MethodUserOverride Method = "USER_OVERRIDE"
	MethodDefault      Method = "DEFAULT"
	MethodComputed     Method = "COMPUTED"
)

// TraceSource points at the input a value was derived from. It never
// carries the input text itself.
type TraceSource struct {
	System     string `json:"system"`
	FieldName  string `json:"field_name,omitempty"`
	Identifier string `json:"identifier,omitempty"`
}

// TraceEvent is one recorded interpretation step. Outcome and Notes are
// always sanitized before they reach this struct.
type TraceEvent struct {
	Timestamp   time.Time     `json:"timestamp"`
	Stage       Stage         `json:"stage"`
	TargetField string        `json:"target_field"`
	Sources     []TraceSource `json:"sources,omitempty"`
	Method      Method        `json:"method"`
	Outcome     string        `json:"outcome"`
	Confidence  *float64      `json:"confidence,omitempty"`
	Notes       string        `json:"notes,omitempty"`
}

// InterpretationTrace is the ordered event history for one document.
type InterpretationTrace struct {
	DocumentID int64        `json:"document_id"`
	Events     []TraceEvent `json:"events"`
}
