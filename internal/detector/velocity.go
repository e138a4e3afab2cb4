package detector

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/account"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Velocity scores transaction frequency inside a sliding time window.
// The score is 0 at or below the free threshold and rises linearly to
// 1.0 at the ceiling, saturating above it.
type Velocity struct {
	cfg domain.VelocityConfig
}

// NewVelocity creates the velocity detector.
func NewVelocity(cfg domain.VelocityConfig) *Velocity {
	return &Velocity{cfg: cfg}
}

// Kind implements Detector.
func (d *Velocity) Kind() domain.DetectorKind { return domain.DetectorVelocity }

// Evaluate implements Detector. The window ends at the transaction's own
// timestamp, so replayed history scores the same as live traffic.
func (d *Velocity) Evaluate(ctx context.Context, tx *domain.Transaction, snap *account.Snapshot) (domain.DetectorResult, error) {
	result := domain.DetectorResult{Kind: d.Kind(), Reason: domain.ReasonNone}

	if len(snap.Entries) == 0 {
		return result, nil
	}

	since := tx.Timestamp.Add(-d.cfg.Window())
	count := snap.CountSince(since, tx.Timestamp)
	if count <= d.cfg.FreeThreshold {
		return result, nil
	}

	span := float64(d.cfg.Ceiling - d.cfg.FreeThreshold)
	result.Score = clamp(float64(count-d.cfg.FreeThreshold)/span, 0, 1)
	result.Reason = domain.ReasonHighVelocity
	result.Detail = fmt.Sprintf("%d transactions in the last %s", count, d.cfg.Window())
	return result, nil
}
