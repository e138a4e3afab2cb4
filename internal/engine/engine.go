// Package engine orchestrates per-transaction risk evaluation.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/opensource-finance/kestrel/internal/account"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/score"
)

var tracer = otel.Tracer("kestrel-engine")

// State names one stage of an evaluation. Every evaluation walks
// Received -> Snapshotting -> Detecting -> Aggregating -> Deciding ->
// Committing -> (Alerting) -> Done, or stops in Failed.
type State string

const (
	StateReceived     State = "received"
	StateSnapshotting State = "snapshotting"
	StateDetecting    State = "detecting"
	StateAggregating  State = "aggregating"
	StateDeciding     State = "deciding"
	StateCommitting   State = "committing"
	StateAlerting     State = "alerting"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// EvalError carries the stage an evaluation failed in.
type EvalError struct {
	State State
	Err   error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluation failed while %s: %v", e.State, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// Engine is the evaluation coordinator. It owns concurrency: a bounded
// slot pool caps in-flight evaluations, and the account store's per-key
// locks serialize same-account evaluations from snapshot through commit,
// so commit visibility order matches the order evaluations entered
// Committing.
type Engine struct {
	store      *account.Store
	detectors  []detector.Detector
	aggregator *score.Aggregator
	classifier *policy.Classifier
	emitter    *alert.Emitter

	// Optional collaborators; each may be nil.
	repo  domain.Repository
	cache domain.AssessmentCache
	bus   domain.EventBus

	cfg      domain.EngineConfig
	cacheTTL time.Duration
	slots    chan struct{}
}

// Options configures optional engine collaborators.
type Options struct {
	Repository      domain.Repository
	AssessmentCache domain.AssessmentCache
	CacheTTL        time.Duration
	EventBus        domain.EventBus
}

// New creates the engine coordinator.
func New(cfg domain.EngineConfig, store *account.Store, detectors []detector.Detector, emitter *alert.Emitter, opts Options) *Engine {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Engine{
		store:      store,
		detectors:  detectors,
		aggregator: score.New(cfg),
		classifier: policy.New(cfg),
		emitter:    emitter,
		repo:       opts.Repository,
		cache:      opts.AssessmentCache,
		cacheTTL:   ttl,
		bus:        opts.EventBus,
		cfg:        cfg,
		slots:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Evaluate scores one transaction and returns its assessment. Failures
// are returned as typed errors, never disguised as a decision. The
// caller's deadline is honored; without one, the configured evaluation
// timeout applies. Once the commit has happened the result is final:
// cancellation is only honored before Committing.
func (e *Engine) Evaluate(ctx context.Context, tx *domain.Transaction) (*domain.RiskAssessment, error) {
	state := StateReceived
	start := time.Now()

	ctx, span := tracer.Start(ctx, "engine.evaluate")
	defer span.End()

	if err := tx.Validate(); err != nil {
		return nil, &EvalError{State: state, Err: err}
	}
	span.SetAttributes(
		attribute.String("tx.id", tx.ID),
		attribute.String("tx.account_id", tx.AccountID),
	)

	// A transaction already assessed is answered idempotently; it must
	// not be committed to account history twice.
	if e.cache != nil {
		if cached, err := e.cache.GetAssessment(ctx, tx.ID); err == nil && cached != nil {
			return cached, nil
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.EvaluationTimeout())
		defer cancel()
	}

	// Bounded worker slot.
	select {
	case e.slots <- struct{}{}:
		defer func() { <-e.slots }()
	case <-ctx.Done():
		return nil, &EvalError{State: state, Err: fmt.Errorf("%w: %v", domain.ErrEvaluationDeadline, ctx.Err())}
	}

	// Per-account serialization: the lock is held from snapshot through
	// commit so no other evaluation for this account can interleave.
	locked, err := e.store.Acquire(ctx, tx.AccountID)
	if err != nil {
		return nil, &EvalError{State: state, Err: fmt.Errorf("%w: %v", domain.ErrEvaluationDeadline, err)}
	}
	defer locked.Release()

	state = StateSnapshotting
	snap := locked.Snapshot()

	state = StateDetecting
	results := e.runDetectors(ctx, tx, snap)

	state = StateAggregating
	agg := e.aggregator.Combine(results)

	state = StateDeciding
	decision := e.classifier.Decide(agg.Composite)

	// Last cancellation point: after this the state mutation is final.
	if err := ctx.Err(); err != nil {
		return nil, &EvalError{State: state, Err: fmt.Errorf("%w: %v", domain.ErrEvaluationDeadline, err)}
	}

	state = StateCommitting
	locked.Commit(tx)

	assessment := &domain.RiskAssessment{
		ID:          uuid.New().String(),
		TxID:        tx.ID,
		AccountID:   tx.AccountID,
		Score:       agg.Composite,
		Decision:    decision,
		Results:     agg.Results,
		Material:    agg.Material,
		EvaluatedAt: time.Now().UTC(),
	}

	e.record(ctx, tx, assessment)

	if decision != domain.DecisionApprove {
		state = StateAlerting
		a := alert.Build(assessment)
		if err := e.emitter.Emit(a); err != nil {
			slog.Error("failed to enqueue alert", "alert_id", a.ID, "tx_id", tx.ID, "error", err)
		}
	}

	state = StateDone
	span.SetAttributes(
		attribute.Float64("assessment.score", assessment.Score),
		attribute.String("assessment.decision", string(decision)),
	)
	slog.Info("transaction evaluated",
		"tx_id", tx.ID,
		"account_id", tx.AccountID,
		"score", assessment.Score,
		"decision", decision,
		"state", state,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return assessment, nil
}

// runDetectors evaluates all detectors concurrently, each under its own
// sub-deadline. A detector that fails or overruns abstains (score 0,
// reason unavailable) instead of aborting the evaluation.
func (e *Engine) runDetectors(ctx context.Context, tx *domain.Transaction, snap *account.Snapshot) []domain.DetectorResult {
	results := make([]domain.DetectorResult, len(e.detectors))

	var wg sync.WaitGroup
	for i, d := range e.detectors {
		wg.Add(1)
		go func(idx int, d detector.Detector) {
			defer wg.Done()
			results[idx] = e.runDetector(ctx, d, tx, snap)
		}(i, d)
	}
	wg.Wait()

	return results
}

type detectorOutcome struct {
	result domain.DetectorResult
	err    error
}

func (e *Engine) runDetector(ctx context.Context, d detector.Detector, tx *domain.Transaction, snap *account.Snapshot) domain.DetectorResult {
	dctx, cancel := context.WithTimeout(ctx, e.cfg.DetectorTimeout())
	defer cancel()

	outCh := make(chan detectorOutcome, 1)
	go func() {
		r, err := d.Evaluate(dctx, tx, snap)
		outCh <- detectorOutcome{result: r, err: err}
	}()

	select {
	case out := <-outCh:
		if out.err != nil {
			slog.Warn("detector failed, abstaining",
				"detector", d.Kind(),
				"tx_id", tx.ID,
				"error", out.err,
			)
			return abstain(d.Kind())
		}
		return out.result
	case <-dctx.Done():
		slog.Warn("detector exceeded sub-deadline, abstaining",
			"detector", d.Kind(),
			"tx_id", tx.ID,
		)
		return abstain(d.Kind())
	}
}

func abstain(kind domain.DetectorKind) domain.DetectorResult {
	return domain.DetectorResult{Kind: kind, Score: 0, Reason: domain.ReasonUnavailable}
}

// record persists and publishes the outcome. All of it is best-effort:
// the decision has been made and storage or bus trouble must not turn a
// scored transaction into a failure.
func (e *Engine) record(ctx context.Context, tx *domain.Transaction, assessment *domain.RiskAssessment) {
	if e.cache != nil {
		if err := e.cache.SetAssessment(ctx, tx.ID, assessment, e.cacheTTL); err != nil {
			slog.Warn("failed to cache assessment", "tx_id", tx.ID, "error", err)
		}
	}

	if e.repo != nil {
		if err := e.repo.SaveTransaction(ctx, tx); err != nil {
			slog.Error("failed to save transaction", "tx_id", tx.ID, "error", err)
		}
		if err := e.repo.SaveAssessment(ctx, assessment); err != nil {
			slog.Error("failed to save assessment", "tx_id", tx.ID, "error", err)
		}
	}

	if e.bus != nil {
		payload, _ := json.Marshal(assessment)
		if err := e.bus.Publish(ctx, domain.TopicDecision, payload); err != nil {
			slog.Error("failed to publish decision", "tx_id", tx.ID, "error", err)
		}
	}
}

// Store exposes the account store for the capacity/eviction API.
func (e *Engine) Store() *account.Store { return e.store }

// EmitterStats exposes alert emitter counters for observability
// endpoints.
func (e *Engine) EmitterStats() alert.Stats { return e.emitter.Stats() }
