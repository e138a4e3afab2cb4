package detector

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/account"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// AmountDeviation scores how far the amount sits from the account's
// recent spending: score = clamp(|z| / zMax, 0, 1) where z is the
// z-score against the window's running mean and variance.
type AmountDeviation struct {
	cfg domain.AmountConfig
}

// NewAmountDeviation creates the amount-deviation detector.
func NewAmountDeviation(cfg domain.AmountConfig) *AmountDeviation {
	return &AmountDeviation{cfg: cfg}
}

// Kind implements Detector.
func (d *AmountDeviation) Kind() domain.DetectorKind { return domain.DetectorAmountDeviation }

// Evaluate implements Detector. With fewer than 2 prior transactions the
// variance is undefined and the detector stays neutral rather than
// dividing by zero.
func (d *AmountDeviation) Evaluate(ctx context.Context, tx *domain.Transaction, snap *account.Snapshot) (domain.DetectorResult, error) {
	result := domain.DetectorResult{Kind: d.Kind(), Reason: domain.ReasonNone}

	if len(snap.Entries) < 2 || snap.Variance <= 0 {
		result.Reason = domain.ReasonInsufficientHistory
		if len(snap.Entries) == 0 {
			result.Reason = domain.ReasonNone
		}
		return result, nil
	}

	z := (float64(tx.Amount) - snap.Mean) / math.Sqrt(snap.Variance)
	score := clamp(math.Abs(z)/d.cfg.ZMax, 0, 1)
	result.Score = score
	if score > 0 {
		result.Reason = domain.ReasonAmountOutlier
		result.Detail = fmt.Sprintf("z-score %.2f against window mean %.0f", z, snap.Mean)
	}
	return result, nil
}
