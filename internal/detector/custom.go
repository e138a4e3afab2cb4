package detector

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/account"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// CustomRules evaluates operator-defined CEL expressions against the
// transaction and account snapshot. Each rule carries a fixed score; the
// sub-score is the highest score among matching rules. Expressions are
// compiled once at startup, so a bad rule is a startup failure rather
// than a per-transaction surprise.
type CustomRules struct {
	rules []compiledRule
}

type compiledRule struct {
	cfg     domain.CustomRule
	program cel.Program
}

// NewCustomRules compiles the configured rule expressions.
func NewCustomRules(rules []domain.CustomRule) (*CustomRules, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.IntType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("merchant_category", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("city", cel.StringType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("window_count", cel.IntType),
		cel.Variable("window_mean", cel.DoubleType),
		cel.Variable("lifetime_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		ast, issues := env.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", domain.ErrInvalidConfig, r.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("%w: rule %q must return bool, got %s", domain.ErrInvalidConfig, r.ID, ast.OutputType())
		}
		program, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %v", domain.ErrInvalidConfig, r.ID, err)
		}
		compiled = append(compiled, compiledRule{cfg: r, program: program})
	}

	return &CustomRules{rules: compiled}, nil
}

// Kind implements Detector.
func (d *CustomRules) Kind() domain.DetectorKind { return domain.DetectorCustomRule }

// Evaluate implements Detector.
func (d *CustomRules) Evaluate(ctx context.Context, tx *domain.Transaction, snap *account.Snapshot) (domain.DetectorResult, error) {
	result := domain.DetectorResult{Kind: d.Kind(), Reason: domain.ReasonNone}

	activation := map[string]any{
		"amount":            tx.Amount,
		"currency":          tx.Currency,
		"merchant_id":       tx.MerchantID,
		"merchant_category": tx.MerchantCategory,
		"country":           tx.Country,
		"city":              tx.City,
		"channel":           string(tx.Channel),
		"window_count":      int64(len(snap.Entries)),
		"window_mean":       snap.Mean,
		"lifetime_count":    snap.LongRunTotal,
	}

	var matched string
	for _, rule := range d.rules {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			return domain.DetectorResult{}, fmt.Errorf("%w: rule %q: %v", domain.ErrDetectorUnavailable, rule.cfg.ID, err)
		}
		if out == types.True && rule.cfg.Score > result.Score {
			result.Score = rule.cfg.Score
			matched = rule.cfg.ID
		}
	}

	if matched != "" {
		result.Reason = domain.ReasonRuleMatch
		result.Detail = fmt.Sprintf("rule %q matched", matched)
	}
	return result, nil
}

// RuleCount returns the number of compiled rules.
func (d *CustomRules) RuleCount() int {
	return len(d.rules)
}
