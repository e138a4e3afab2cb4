// Package score combines detector sub-scores into one composite score.
package score

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Aggregator computes the weighted composite score. Combination is
// commutative: the composite depends only on the set of results, never
// on the order detectors happened to finish in.
type Aggregator struct {
	weights           map[domain.DetectorKind]float64
	totalWeight       float64
	materialThreshold float64
}

// New creates an aggregator from validated engine configuration.
func New(cfg domain.EngineConfig) *Aggregator {
	total := 0.0
	for _, w := range cfg.Weights {
		total += w
	}
	return &Aggregator{
		weights:           cfg.Weights,
		totalWeight:       total,
		materialThreshold: cfg.MaterialThreshold,
	}
}

// Result is the aggregation outcome for one evaluation.
type Result struct {
	// Composite is the weighted sum of sub-scores, clamped to [0,1].
	Composite float64

	// Ordered results for the audit trail, sorted by detector kind.
	Results []domain.DetectorResult

	// Material lists detectors whose sub-score reached the
	// explainability threshold, in the same order as Results.
	Material []domain.DetectorKind
}

// Combine aggregates detector results. Detectors with no configured
// weight contribute nothing; abstaining detectors (reason unavailable)
// carry a 0 sub-score and so contribute nothing either.
func (a *Aggregator) Combine(results []domain.DetectorResult) Result {
	ordered := make([]domain.DetectorResult, len(results))
	copy(ordered, results)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Kind < ordered[j].Kind })

	composite := 0.0
	var material []domain.DetectorKind
	for _, r := range ordered {
		composite += r.Score * a.weights[r.Kind]
		if r.Score >= a.materialThreshold && r.Reason != domain.ReasonUnavailable {
			material = append(material, r.Kind)
		}
	}

	if a.totalWeight > 0 {
		composite /= a.totalWeight
	}
	if composite < 0 {
		composite = 0
	}
	if composite > 1 {
		composite = 1
	}

	return Result{
		Composite: composite,
		Results:   ordered,
		Material:  material,
	}
}
