package detector

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/account"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// BehavioralDrift compares the merchant-category distribution of the
// recent window against the account's long-run distribution. The
// sub-score is the total variation distance between the two: 0 when the
// account is spending like it always has, approaching 1 when the recent
// window looks nothing like the account's history.
type BehavioralDrift struct {
	cfg domain.DriftConfig
}

// NewBehavioralDrift creates the behavioral-drift detector.
func NewBehavioralDrift(cfg domain.DriftConfig) *BehavioralDrift {
	return &BehavioralDrift{cfg: cfg}
}

// Kind implements Detector.
func (d *BehavioralDrift) Kind() domain.DetectorKind { return domain.DetectorBehavioralDrift }

// Evaluate implements Detector. Accounts below the minimum history count
// have no meaningful long-run distribution yet and score 0.
func (d *BehavioralDrift) Evaluate(ctx context.Context, tx *domain.Transaction, snap *account.Snapshot) (domain.DetectorResult, error) {
	result := domain.DetectorResult{Kind: d.Kind(), Reason: domain.ReasonNone}

	if snap.LongRunTotal < int64(d.cfg.MinHistory) || len(snap.Entries) == 0 {
		if snap.LongRunTotal > 0 {
			result.Reason = domain.ReasonInsufficientHistory
		}
		return result, nil
	}

	windowTotal := float64(len(snap.Entries))
	longTotal := float64(snap.LongRunTotal)

	// Total variation distance over the union of categories.
	cats := make(map[string]struct{}, len(snap.LongRunCategories))
	for cat := range snap.WindowCategories {
		cats[cat] = struct{}{}
	}
	for cat := range snap.LongRunCategories {
		cats[cat] = struct{}{}
	}

	tvd := 0.0
	for cat := range cats {
		w := float64(snap.WindowCategories[cat]) / windowTotal
		l := float64(snap.LongRunCategories[cat]) / longTotal
		if w > l {
			tvd += w - l
		} else {
			tvd += l - w
		}
	}
	tvd /= 2

	result.Score = clamp(tvd, 0, 1)
	if result.Score > 0 {
		result.Reason = domain.ReasonCategoryDrift
		result.Detail = fmt.Sprintf("category distribution moved %.2f from long-run", tvd)
	}
	return result, nil
}
