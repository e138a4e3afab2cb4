// Package policy maps composite scores to decisions.
package policy

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Classifier is the state-free threshold policy. Thresholds come from
// validated configuration; the classifier itself never fails.
type Classifier struct {
	fraudThreshold    float64
	highRiskThreshold float64
}

// New creates a classifier from validated engine configuration.
func New(cfg domain.EngineConfig) *Classifier {
	return &Classifier{
		fraudThreshold:    cfg.FraudThreshold,
		highRiskThreshold: cfg.HighRiskThreshold,
	}
}

// Decide classifies a composite score:
// score < fraud -> Approve; fraud <= score < high -> Review;
// score >= high -> Block.
func (c *Classifier) Decide(composite float64) domain.Decision {
	switch {
	case composite >= c.highRiskThreshold:
		return domain.DecisionBlock
	case composite >= c.fraudThreshold:
		return domain.DecisionReview
	default:
		return domain.DecisionApprove
	}
}
