package confidence

import (
	"strings"

	"github.com/dvloznov/finance-reconciler/internal/domain"
)

// Extraction strategies known to the scorer.
const (
	StrategyEInvoice     = "einvoice"
	StrategyPDFText      = "pdf_text"
	StrategyLLM          = "llm"
	StrategyOCRHeuristic = "ocr_heuristic"
	StrategyFallback     = "fallback"
)

// Priors maps a strategy to its baseline reliability. Weight is how strongly
// a score is pulled toward the prior, in [0, 1].
type Priors struct {
	Weight float64            `yaml:"weight"`
	Values map[string]float64 `yaml:"values"`
}

// DefaultPriors ranks structured e-invoices highest and the last resort
// fallback lowest.
func DefaultPriors() Priors {
	return Priors{
		Weight: 0.4,
		Values: map[string]float64{
			StrategyEInvoice:     0.95,
			StrategyPDFText:      0.80,
			StrategyLLM:          0.70,
			StrategyOCRHeuristic: 0.50,
			StrategyFallback:     0.20,
		},
	}
}

// Prior returns the baseline for strategy. Unknown strategies are treated
// as the fallback strategy.
func (p Priors) Prior(strategy string) float64 {
	if v, ok := p.Values[strings.ToLower(strings.TrimSpace(strategy))]; ok {
		return v
	}
	if v, ok := p.Values[StrategyFallback]; ok {
		return v
	}
	return 0
}

// AdjustForStrategy blends every field score and the overall score toward
// the strategy prior and re-derives the review state with the default
// thresholds. Callers with custom thresholds re-run Classify.
func AdjustForStrategy(scores domain.ConfidenceScores, strategy string, priors Priors) domain.ConfidenceScores {
	prior := priors.Prior(strategy)
	w := clamp(priors.Weight)

	out := scores.Clone()
	out.Overall = clamp(blend(scores.Overall, prior, w))
	for k, v := range out.Fields {
		out.Fields[k] = clamp(blend(v, prior, w))
	}
	out.ReviewState = Classify(out, DefaultThresholds())
	return out
}

func blend(score, prior, w float64) float64 {
	return score*(1-w) + prior*w
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
