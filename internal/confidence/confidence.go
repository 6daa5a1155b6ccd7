// Package confidence classifies extractions into review tiers and adjusts
// scores by how trustworthy the extraction strategy is.
package confidence

import (
	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// Thresholds drives Classify.
type Thresholds struct {
	Auto           float64  `yaml:"auto"`
	Review         float64  `yaml:"review"`
	CriticalFloor  float64  `yaml:"critical_floor"`
	CriticalFields []string `yaml:"critical_fields"`
}

// DefaultThresholds returns the thresholds used when nothing is configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Auto:           0.85,
		Review:         0.50,
		CriticalFloor:  0.60,
		CriticalFields: []string{"amount", "date"},
	}
}

// Classify returns the review tier for scores. AUTO requires the overall
// score to reach th.Auto and every critical field to reach th.CriticalFloor;
// a critical field without a score counts as zero.
func Classify(scores domain.ConfidenceScores, th Thresholds) domain.ReviewState {
	if scores.Overall >= th.Auto && criticalFieldsPass(scores, th) {
		return domain.ReviewAuto
	}
	if scores.Overall >= th.Review {
		return domain.ReviewReview
	}
	return domain.ReviewManual
}

func criticalFieldsPass(scores domain.ConfidenceScores, th Thresholds) bool {
	for _, f := range th.CriticalFields {
		v, _ := scores.Field(f)
		if v < th.CriticalFloor {
			return false
		}
	}
	return true
}

// Apply classifies scores and returns a copy with ReviewState set.
func Apply(scores domain.ConfidenceScores, th Thresholds) domain.ConfidenceScores {
	out := scores.Clone()
	out.ReviewState = Classify(out, th)
	return out
}
