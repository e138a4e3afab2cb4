// Package detector implements the signal detectors.
//
// Detectors are pure: each one is a function of (transaction, account
// snapshot, configuration) with no shared mutable state, so the engine
// may run them concurrently or sequentially with identical results.
package detector

import (
	"context"

	"github.com/opensource-finance/kestrel/internal/account"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector produces a bounded sub-score in [0,1] and a reason code for
// one transaction against one account snapshot.
type Detector interface {
	Kind() domain.DetectorKind
	Evaluate(ctx context.Context, tx *domain.Transaction, snap *account.Snapshot) (domain.DetectorResult, error)
}

// BuildAll constructs the configured detector set. The custom-rule
// detector is only present when rules are configured; a rule that fails
// to compile makes startup fail.
func BuildAll(cfg domain.DetectorConfig) ([]Detector, error) {
	detectors := []Detector{
		NewVelocity(cfg.Velocity),
		NewAmountDeviation(cfg.Amount),
		NewGeographic(cfg.Geo),
		NewMerchantRisk(cfg.MerchantRisk, cfg.MerchantDefaultRisk),
		NewBehavioralDrift(cfg.Drift),
	}

	if len(cfg.Rules) > 0 {
		custom, err := NewCustomRules(cfg.Rules)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, custom)
	}

	return detectors, nil
}

// clamp bounds v to [lo, hi].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
