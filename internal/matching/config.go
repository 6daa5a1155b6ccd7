package matching

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Config holds the scoring weights and thresholds. A perfect candidate
// (exact amount, same day, identical counterparty) scores
// AmountExactWeight + DateSameDayWeight + TextWeight.
type Config struct {
	AmountExactWeight  float64 `yaml:"amount_exact_weight"`
	AmountCloseWeight  float64 `yaml:"amount_close_weight"`
	AmountToleranceAbs float64 `yaml:"amount_tolerance_abs"`
	AmountTolerancePct float64 `yaml:"amount_tolerance_pct"`

	DateSameDayWeight float64 `yaml:"date_same_day_weight"`
	DateNearWeight    float64 `yaml:"date_near_weight"`
	DateNearDays      int     `yaml:"date_near_days"`
	DateFarWeight     float64 `yaml:"date_far_weight"`
	DateFarDays       int     `yaml:"date_far_days"`

	TextWeight        float64 `yaml:"text_weight"`
	TextMinSimilarity float64 `yaml:"text_min_similarity"`

	MinScore        float64 `yaml:"min_score"`
	AutoAcceptScore float64 `yaml:"auto_accept_score"`
}

// DefaultConfig returns the weights used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		AmountExactWeight:  0.50,
		AmountCloseWeight:  0.30,
		AmountToleranceAbs: 0.05,
		AmountTolerancePct: 0.01,

		DateSameDayWeight: 0.30,
		DateNearWeight:    0.20,
		DateNearDays:      3,
		DateFarWeight:     0.10,
		DateFarDays:       7,

		TextWeight:        0.20,
		TextMinSimilarity: 0.60,

		MinScore:        0.50,
		AutoAcceptScore: 0.90,
	}
}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"amount_exact_weight":  c.AmountExactWeight,
		"amount_close_weight":  c.AmountCloseWeight,
		"date_same_day_weight": c.DateSameDayWeight,
		"date_near_weight":     c.DateNearWeight,
		"date_far_weight":      c.DateFarWeight,
		"text_weight":          c.TextWeight,
		"text_min_similarity":  c.TextMinSimilarity,
		"min_score":            c.MinScore,
		"auto_accept_score":    c.AutoAcceptScore,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("matching: %s must be between 0 and 1, got %v", name, v)
		}
	}
	if c.AmountToleranceAbs < 0 || c.AmountTolerancePct < 0 {
		return fmt.Errorf("matching: amount tolerances must not be negative")
	}
	if c.DateNearDays < 0 || c.DateFarDays < c.DateNearDays {
		return fmt.Errorf("matching: date_far_days (%d) must be >= date_near_days (%d) >= 0", c.DateFarDays, c.DateNearDays)
	}
	if c.AutoAcceptScore < c.MinScore {
		return fmt.Errorf("matching: auto_accept_score (%v) must be >= min_score (%v)", c.AutoAcceptScore, c.MinScore)
	}
	return nil
}

func (c Config) tolerance(amount decimal.Decimal) decimal.Decimal {
	abs := decimal.NewFromFloat(c.AmountToleranceAbs)
	pct := amount.Abs().Mul(decimal.NewFromFloat(c.AmountTolerancePct))
	return decimal.Max(abs, pct)
}
