package domain

import (
	"time"
)

// DetectorKind identifies a signal detector. The set is closed: adding a
// detector means adding a kind here and a case in the detector package.
type DetectorKind string

const (
	DetectorVelocity        DetectorKind = "velocity"
	DetectorAmountDeviation DetectorKind = "amount_deviation"
	DetectorGeographic      DetectorKind = "geographic"
	DetectorMerchantRisk    DetectorKind = "merchant_risk"
	DetectorBehavioralDrift DetectorKind = "behavioral_drift"
	DetectorCustomRule      DetectorKind = "custom_rule"
)

// ReasonCode explains why a detector produced its sub-score.
type ReasonCode string

const (
	ReasonNone                ReasonCode = "none"
	ReasonHighVelocity        ReasonCode = "high_velocity"
	ReasonAmountOutlier       ReasonCode = "amount_outlier"
	ReasonImplausibleTravel   ReasonCode = "implausible_travel"
	ReasonLocationChange      ReasonCode = "location_change"
	ReasonRiskyMerchant       ReasonCode = "risky_merchant"
	ReasonCategoryDrift       ReasonCode = "category_drift"
	ReasonRuleMatch           ReasonCode = "rule_match"
	ReasonInsufficientHistory ReasonCode = "insufficient_history"

	// ReasonUnavailable marks an abstaining detector: it failed or
	// exceeded its sub-deadline and contributes a neutral 0.
	ReasonUnavailable ReasonCode = "unavailable"
)

// DetectorResult is the output of a single signal detector for one
// evaluation. Score is always in [0,1].
type DetectorResult struct {
	Kind   DetectorKind `json:"kind"`
	Score  float64      `json:"score"`
	Reason ReasonCode   `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

// Decision is the engine's disposition for a transaction.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReview  Decision = "review"
	DecisionBlock   Decision = "block"
)

// RiskAssessment is the immutable result of one evaluation.
type RiskAssessment struct {
	ID        string `json:"id"`
	TxID      string `json:"txId"`
	AccountID string `json:"accountId"`

	// Score is the weighted composite of all detector sub-scores, in [0,1].
	Score    float64  `json:"score"`
	Decision Decision `json:"decision"`

	// Results is ordered by detector kind for a stable audit trail.
	Results []DetectorResult `json:"results"`

	// Material lists the detectors whose sub-score crossed the
	// explainability threshold.
	Material []DetectorKind `json:"material,omitempty"`

	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// Reasons returns the reason codes of material detectors, for API responses.
func (a *RiskAssessment) Reasons() []string {
	material := make(map[DetectorKind]bool, len(a.Material))
	for _, k := range a.Material {
		material[k] = true
	}

	var reasons []string
	for _, r := range a.Results {
		if material[r.Kind] && r.Reason != ReasonNone {
			reasons = append(reasons, string(r.Reason))
		}
	}
	return reasons
}

// AlertStatus tracks an alert through the investigation workflow. The
// engine always creates alerts as open; transitions belong to the
// external investigation collaborator.
type AlertStatus string

const (
	AlertOpen          AlertStatus = "open"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
)

// ValidAlertStatus reports whether s is a known status value.
func ValidAlertStatus(s AlertStatus) bool {
	switch s {
	case AlertOpen, AlertInvestigating, AlertResolved:
		return true
	}
	return false
}

// Alert is the immutable record emitted for every Review or Block
// decision. The engine never mutates an alert after creation.
type Alert struct {
	ID        string `json:"id"`
	TxID      string `json:"txId"`
	AccountID string `json:"accountId"`

	Assessment RiskAssessment `json:"assessment"`

	CreatedAt time.Time   `json:"createdAt"`
	Status    AlertStatus `json:"status"`
}
