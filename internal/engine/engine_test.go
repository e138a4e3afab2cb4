package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/account"
	"github.com/opensource-finance/kestrel/internal/alert"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
)

func engineConfig() domain.EngineConfig {
	return domain.EngineConfig{
		Weights: map[domain.DetectorKind]float64{
			domain.DetectorVelocity:        0.25,
			domain.DetectorAmountDeviation: 0.25,
			domain.DetectorGeographic:      0.20,
			domain.DetectorMerchantRisk:    0.15,
			domain.DetectorBehavioralDrift: 0.15,
		},
		FraudThreshold:      0.7,
		HighRiskThreshold:   0.9,
		MaterialThreshold:   0.5,
		MaxConcurrent:       8,
		EvaluationTimeoutMs: 2000,
		DetectorTimeoutMs:   500,
	}
}

// stubDetector returns a fixed outcome, optionally after a delay, and
// records the window size it was handed.
type stubDetector struct {
	kind  domain.DetectorKind
	score float64
	err   error
	delay time.Duration

	mu      sync.Mutex
	calls   int
	windows []int
}

func (d *stubDetector) Kind() domain.DetectorKind { return d.kind }

func (d *stubDetector) Evaluate(ctx context.Context, tx *domain.Transaction, snap *account.Snapshot) (domain.DetectorResult, error) {
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return domain.DetectorResult{}, ctx.Err()
		}
	}
	d.mu.Lock()
	d.calls++
	d.windows = append(d.windows, len(snap.Entries))
	d.mu.Unlock()
	if d.err != nil {
		return domain.DetectorResult{}, d.err
	}
	return domain.DetectorResult{Kind: d.kind, Score: d.score, Reason: domain.ReasonHighVelocity}, nil
}

func (d *stubDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *stubDetector) seenWindows() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.windows))
	copy(out, d.windows)
	return out
}

// captureSink records delivered alerts.
type captureSink struct {
	mu     sync.Mutex
	alerts []*domain.Alert
}

func (s *captureSink) Publish(ctx context.Context, a *domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *captureSink) delivered() []*domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

type testEngine struct {
	engine *Engine
	sink   *captureSink
	cache  *cache.LRUCache
}

func newTestEngine(t *testing.T, cfg domain.EngineConfig, detectors []detector.Detector, opts Options) *testEngine {
	t.Helper()

	sink := &captureSink{}
	emitter := alert.NewEmitter(sink, domain.AlertConfig{
		QueueSize:      64,
		MaxAttempts:    3,
		RetryBackoffMs: 1,
		MaxBackoffMs:   5,
	})
	t.Cleanup(func() { emitter.Close() })

	store := account.NewStore(domain.AccountConfig{HistorySize: 64, MaxAccounts: 1024})

	var lru *cache.LRUCache
	if opts.AssessmentCache == nil {
		lru = cache.NewLRUCache(128)
		opts.AssessmentCache = lru
		opts.CacheTTL = time.Minute
	}

	return &testEngine{
		engine: New(cfg, store, detectors, emitter, opts),
		sink:   sink,
		cache:  lru,
	}
}

func evalTx(id string) *domain.Transaction {
	return &domain.Transaction{
		ID:               id,
		AccountID:        "acct-1",
		Amount:           2500,
		Currency:         "EUR",
		MerchantID:       "m-1",
		MerchantCategory: "grocery",
		Country:          "IE",
		City:             "Dublin",
		Channel:          domain.ChannelCardPresent,
		Timestamp:        time.Now().UTC(),
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestEvaluateApprove(t *testing.T) {
	stub := &stubDetector{kind: domain.DetectorVelocity, score: 0.1}
	te := newTestEngine(t, engineConfig(), []detector.Detector{stub}, Options{})

	tx := evalTx("tx-1")
	assessment, err := te.engine.Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if assessment.Decision != domain.DecisionApprove {
		t.Errorf("decision = %q, want approve", assessment.Decision)
	}
	if assessment.TxID != tx.ID || assessment.AccountID != tx.AccountID {
		t.Errorf("assessment identity = (%q, %q), want (%q, %q)",
			assessment.TxID, assessment.AccountID, tx.ID, tx.AccountID)
	}
	if assessment.ID == "" {
		t.Error("assessment ID should be generated")
	}
	if len(assessment.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(assessment.Results))
	}
	if assessment.EvaluatedAt.IsZero() {
		t.Error("EvaluatedAt should be set")
	}

	// Approvals never raise alerts.
	time.Sleep(50 * time.Millisecond)
	if got := te.sink.delivered(); len(got) != 0 {
		t.Errorf("approve emitted %d alerts, want 0", len(got))
	}
}

func TestEvaluateBlockEmitsOneAlert(t *testing.T) {
	// A saturated detector carrying all the weight pushes the composite
	// to 1.0.
	cfg := engineConfig()
	cfg.Weights = map[domain.DetectorKind]float64{domain.DetectorVelocity: 1.0}
	stub := &stubDetector{kind: domain.DetectorVelocity, score: 1.0}
	te := newTestEngine(t, cfg, []detector.Detector{stub}, Options{})

	tx := evalTx("tx-1")
	assessment, err := te.engine.Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if assessment.Decision != domain.DecisionBlock {
		t.Fatalf("decision = %q, want block", assessment.Decision)
	}

	waitFor(t, func() bool { return len(te.sink.delivered()) == 1 }, "alert delivery")

	got := te.sink.delivered()[0]
	if got.TxID != tx.ID || got.AccountID != tx.AccountID {
		t.Errorf("alert identity = (%q, %q), want (%q, %q)", got.TxID, got.AccountID, tx.ID, tx.AccountID)
	}
	if got.Assessment.ID != assessment.ID {
		t.Errorf("alert embeds assessment %q, want %q", got.Assessment.ID, assessment.ID)
	}
	if got.Status != domain.AlertOpen {
		t.Errorf("alert status = %q, want open", got.Status)
	}
}

func TestEvaluateReviewEmitsAlert(t *testing.T) {
	cfg := engineConfig()
	cfg.Weights = map[domain.DetectorKind]float64{domain.DetectorVelocity: 1.0}
	stub := &stubDetector{kind: domain.DetectorVelocity, score: 0.75}
	te := newTestEngine(t, cfg, []detector.Detector{stub}, Options{})

	assessment, err := te.engine.Evaluate(context.Background(), evalTx("tx-1"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if assessment.Decision != domain.DecisionReview {
		t.Fatalf("decision = %q, want review", assessment.Decision)
	}
	waitFor(t, func() bool { return len(te.sink.delivered()) == 1 }, "alert delivery")
}

func TestEvaluateMalformedTransaction(t *testing.T) {
	te := newTestEngine(t, engineConfig(), []detector.Detector{
		&stubDetector{kind: domain.DetectorVelocity, score: 0},
	}, Options{})

	tx := evalTx("tx-1")
	tx.Amount = 0

	_, err := te.engine.Evaluate(context.Background(), tx)
	if !domain.IsMalformed(err) {
		t.Fatalf("err = %v, want malformed transaction", err)
	}

	var evalErr *EvalError
	if !errors.As(err, &evalErr) {
		t.Fatalf("err = %T, want *EvalError", err)
	}
	if evalErr.State != StateReceived {
		t.Errorf("failed state = %q, want %q", evalErr.State, StateReceived)
	}
}

func TestEvaluateDetectorFailureAbstains(t *testing.T) {
	broken := &stubDetector{kind: domain.DetectorMerchantRisk, err: domain.ErrDetectorUnavailable}
	healthy := &stubDetector{kind: domain.DetectorVelocity, score: 0.2}
	te := newTestEngine(t, engineConfig(), []detector.Detector{broken, healthy}, Options{})

	assessment, err := te.engine.Evaluate(context.Background(), evalTx("tx-1"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	if assessment.Decision != domain.DecisionApprove {
		t.Errorf("decision = %q, want approve", assessment.Decision)
	}

	var abstained *domain.DetectorResult
	for i := range assessment.Results {
		if assessment.Results[i].Kind == domain.DetectorMerchantRisk {
			abstained = &assessment.Results[i]
		}
	}
	if abstained == nil {
		t.Fatal("failed detector missing from the audit trail")
	}
	if abstained.Score != 0 || abstained.Reason != domain.ReasonUnavailable {
		t.Errorf("abstention = score %v reason %q, want 0 and unavailable", abstained.Score, abstained.Reason)
	}
}

func TestEvaluateDetectorTimeoutAbstains(t *testing.T) {
	cfg := engineConfig()
	cfg.DetectorTimeoutMs = 20

	slow := &stubDetector{kind: domain.DetectorGeographic, score: 1.0, delay: 500 * time.Millisecond}
	te := newTestEngine(t, cfg, []detector.Detector{slow}, Options{})

	assessment, err := te.engine.Evaluate(context.Background(), evalTx("tx-1"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if assessment.Results[0].Reason != domain.ReasonUnavailable {
		t.Errorf("reason = %q, want unavailable", assessment.Results[0].Reason)
	}
	if assessment.Score != 0 {
		t.Errorf("score = %v, want 0 from an abstaining detector", assessment.Score)
	}
}

func TestEvaluateCommitsHistory(t *testing.T) {
	stub := &stubDetector{kind: domain.DetectorVelocity, score: 0}
	te := newTestEngine(t, engineConfig(), []detector.Detector{stub}, Options{})

	for i := 0; i < 3; i++ {
		if _, err := te.engine.Evaluate(context.Background(), evalTx(fmt.Sprintf("tx-%d", i))); err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
	}

	// Each evaluation sees only the history committed before it.
	want := []int{0, 1, 2}
	got := stub.seenWindows()
	if len(got) != len(want) {
		t.Fatalf("windows = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("windows = %v, want %v", got, want)
			break
		}
	}
}

func TestEvaluateIdempotentResubmission(t *testing.T) {
	stub := &stubDetector{kind: domain.DetectorVelocity, score: 0.1}
	te := newTestEngine(t, engineConfig(), []detector.Detector{stub}, Options{})

	tx := evalTx("tx-1")
	first, err := te.engine.Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	second, err := te.engine.Evaluate(context.Background(), tx)
	if err != nil {
		t.Fatalf("resubmission failed: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("resubmission produced a new assessment %q, want %q", second.ID, first.ID)
	}
	if stub.callCount() != 1 {
		t.Errorf("detector ran %d times, want 1", stub.callCount())
	}
}

func TestEvaluateDeadlineAbortsBeforeCommit(t *testing.T) {
	slow := &stubDetector{kind: domain.DetectorVelocity, score: 1.0, delay: 300 * time.Millisecond}
	te := newTestEngine(t, engineConfig(), []detector.Detector{slow}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := te.engine.Evaluate(ctx, evalTx("tx-1"))
	if !errors.Is(err, domain.ErrEvaluationDeadline) {
		t.Fatalf("err = %v, want ErrEvaluationDeadline", err)
	}

	// Nothing was cached for the aborted transaction.
	if cached, _ := te.cache.GetAssessment(context.Background(), "tx-1"); cached != nil {
		t.Error("aborted evaluation should not be cached")
	}

	// And nothing was committed: a follow-up on the same account sees an
	// empty window.
	if _, err := te.engine.Evaluate(context.Background(), evalTx("tx-2")); err != nil {
		t.Fatalf("follow-up Evaluate failed: %v", err)
	}
	windows := slow.seenWindows()
	if len(windows) != 1 || windows[0] != 0 {
		t.Errorf("follow-up saw windows %v, want [0]", windows)
	}
}

func TestEvaluateSlotExhaustion(t *testing.T) {
	cfg := engineConfig()
	cfg.MaxConcurrent = 1
	cfg.DetectorTimeoutMs = 5000

	slow := &stubDetector{kind: domain.DetectorVelocity, score: 0, delay: 400 * time.Millisecond}
	te := newTestEngine(t, cfg, []detector.Detector{slow}, Options{})

	started := make(chan struct{})
	go func() {
		close(started)
		te.engine.Evaluate(context.Background(), evalTx("tx-slow"))
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	tx := evalTx("tx-fast")
	tx.AccountID = "acct-2"
	if _, err := te.engine.Evaluate(ctx, tx); !errors.Is(err, domain.ErrEvaluationDeadline) {
		t.Errorf("err = %v, want ErrEvaluationDeadline while slots are exhausted", err)
	}
}

func TestEvaluatePublishesDecision(t *testing.T) {
	eventBus := bus.NewChannelBus(64)
	defer eventBus.Close()

	received := make(chan []byte, 1)
	_, err := eventBus.Subscribe(context.Background(), domain.TopicDecision,
		func(ctx context.Context, msg *domain.Message) error {
			select {
			case received <- msg.Payload:
			default:
			}
			return nil
		})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	stub := &stubDetector{kind: domain.DetectorVelocity, score: 0.1}
	te := newTestEngine(t, engineConfig(), []detector.Detector{stub}, Options{EventBus: eventBus})

	assessment, err := te.engine.Evaluate(context.Background(), evalTx("tx-1"))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	select {
	case payload := <-received:
		var published domain.RiskAssessment
		if err := json.Unmarshal(payload, &published); err != nil {
			t.Fatalf("decision payload is not an assessment: %v", err)
		}
		if published.ID != assessment.ID {
			t.Errorf("published assessment %q, want %q", published.ID, assessment.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no decision published")
	}
}
