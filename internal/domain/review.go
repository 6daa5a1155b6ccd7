package domain

// ReviewState is the three-tier confidence verdict for an extraction.
type ReviewState string

const (
	// ReviewAuto means the extraction may proceed without human review.
	ReviewAuto ReviewState = "AUTO"
	// ReviewReview means a human should look at the extraction before import.
	ReviewReview ReviewState = "REVIEW"
	// ReviewManual means the extraction is too uncertain and needs manual entry.
	ReviewManual ReviewState = "MANUAL"
)

// ConfidenceScores holds per-field and overall confidence in [0, 1].
type ConfidenceScores struct {
	Overall     float64            `json:"overall"`
	Fields      map[string]float64 `json:"fields,omitempty"`
	ReviewState ReviewState        `json:"review_state"`
}

// Field returns the score for name and whether it was present.
func (c ConfidenceScores) Field(name string) (float64, bool) {
	v, ok := c.Fields[name]
	return v, ok
}

// Clone returns a deep copy.
func (c ConfidenceScores) Clone() ConfidenceScores {
	out := c
	if c.Fields != nil {
		out.Fields = make(map[string]float64, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = v
		}
	}
	return out
}
