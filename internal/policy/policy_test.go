package policy

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestDecide(t *testing.T) {
	c := New(domain.EngineConfig{FraudThreshold: 0.7, HighRiskThreshold: 0.9})

	tests := []struct {
		name      string
		composite float64
		want      domain.Decision
	}{
		{"zero approves", 0, domain.DecisionApprove},
		{"just under fraud threshold approves", 0.699999, domain.DecisionApprove},
		{"exactly fraud threshold reviews", 0.7, domain.DecisionReview},
		{"between thresholds reviews", 0.85, domain.DecisionReview},
		{"exactly high-risk threshold blocks", 0.9, domain.DecisionBlock},
		{"ceiling blocks", 1.0, domain.DecisionBlock},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.Decide(tc.composite); got != tc.want {
				t.Errorf("Decide(%v) = %q, want %q", tc.composite, got, tc.want)
			}
		})
	}
}
