package detector

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensource-finance/kestrel/internal/account"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// MerchantRisk scores a transaction by its merchant category, looked up
// in a static risk table provided by configuration. The table's weight
// is returned directly as the sub-score.
type MerchantRisk struct {
	table       map[string]float64
	defaultRisk float64
}

// NewMerchantRisk creates the merchant-risk detector. Category keys are
// matched case-insensitively.
func NewMerchantRisk(table map[string]float64, defaultRisk float64) *MerchantRisk {
	normalized := make(map[string]float64, len(table))
	for cat, risk := range table {
		normalized[strings.ToLower(cat)] = risk
	}
	return &MerchantRisk{table: normalized, defaultRisk: defaultRisk}
}

// Kind implements Detector.
func (d *MerchantRisk) Kind() domain.DetectorKind { return domain.DetectorMerchantRisk }

// Evaluate implements Detector. An empty risk table is a configuration
// gap the detector reports as unavailable so the aggregator treats it as
// an abstention.
func (d *MerchantRisk) Evaluate(ctx context.Context, tx *domain.Transaction, snap *account.Snapshot) (domain.DetectorResult, error) {
	if len(d.table) == 0 {
		return domain.DetectorResult{}, fmt.Errorf("%w: merchant risk table is empty", domain.ErrDetectorUnavailable)
	}

	result := domain.DetectorResult{Kind: d.Kind(), Reason: domain.ReasonNone}

	risk, ok := d.table[strings.ToLower(tx.MerchantCategory)]
	if !ok {
		risk = d.defaultRisk
	}

	result.Score = risk
	if risk > 0 {
		result.Reason = domain.ReasonRiskyMerchant
		result.Detail = fmt.Sprintf("category %q risk %.2f", tx.MerchantCategory, risk)
	}
	return result, nil
}
