package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func testConfig() domain.AlertConfig {
	return domain.AlertConfig{
		QueueSize:      16,
		MaxAttempts:    3,
		RetryBackoffMs: 1,
		MaxBackoffMs:   5,
	}
}

func testAssessment(txID string) *domain.RiskAssessment {
	return &domain.RiskAssessment{
		ID:        "asmt-" + txID,
		TxID:      txID,
		AccountID: "acct-1",
		Score:     0.92,
		Decision:  domain.DecisionBlock,
	}
}

// recordingSink captures published alerts and can be told to fail the
// first N publish calls.
type recordingSink struct {
	mu       sync.Mutex
	alerts   []*domain.Alert
	failures int
	calls    int
	block    chan struct{}
}

func (s *recordingSink) Publish(ctx context.Context, alert *domain.Alert) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *recordingSink) published() []*domain.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Alert, len(s.alerts))
	copy(out, s.alerts)
	return out
}

func (s *recordingSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// waitFor polls cond until it holds or the deadline passes.
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

func TestBuild(t *testing.T) {
	assessment := testAssessment("tx-42")
	alert := Build(assessment)

	if alert.ID == "" {
		t.Error("alert ID should be generated")
	}
	if alert.TxID != "tx-42" || alert.AccountID != "acct-1" {
		t.Errorf("alert identity = (%q, %q), want (tx-42, acct-1)", alert.TxID, alert.AccountID)
	}
	if alert.Status != domain.AlertOpen {
		t.Errorf("status = %q, want %q", alert.Status, domain.AlertOpen)
	}
	if alert.Assessment.Score != assessment.Score {
		t.Errorf("embedded assessment score = %v, want %v", alert.Assessment.Score, assessment.Score)
	}
	if alert.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestEmitterDelivers(t *testing.T) {
	sink := &recordingSink{}
	e := NewEmitter(sink, testConfig())
	defer e.Close()

	for i := 0; i < 3; i++ {
		if err := e.Emit(Build(testAssessment(fmt.Sprintf("tx-%d", i)))); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	waitFor(t, func() bool { return len(sink.published()) == 3 }, "3 deliveries")

	stats := e.Stats()
	if stats.Published != 3 || stats.Dropped != 0 || stats.Poisoned != 0 {
		t.Errorf("stats = %+v, want 3 published and nothing dropped or poisoned", stats)
	}
}

func TestEmitterRetriesTransientFailure(t *testing.T) {
	sink := &recordingSink{failures: 2}
	e := NewEmitter(sink, testConfig())
	defer e.Close()

	if err := e.Emit(Build(testAssessment("tx-1"))); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	waitFor(t, func() bool { return len(sink.published()) == 1 }, "delivery after retries")

	if calls := sink.callCount(); calls != 3 {
		t.Errorf("publish calls = %d, want 3", calls)
	}
	if stats := e.Stats(); stats.Poisoned != 0 {
		t.Errorf("poisoned = %d, want 0", stats.Poisoned)
	}
}

func TestEmitterPoisonsAfterAttemptBudget(t *testing.T) {
	sink := &recordingSink{failures: 1000}
	cfg := testConfig()
	cfg.MaxAttempts = 2
	e := NewEmitter(sink, cfg)
	defer e.Close()

	if err := e.Emit(Build(testAssessment("tx-1"))); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	waitFor(t, func() bool { return e.Stats().Poisoned == 1 }, "poison counter")

	if calls := sink.callCount(); calls != 2 {
		t.Errorf("publish calls = %d, want exactly MaxAttempts", calls)
	}
	if len(sink.published()) != 0 {
		t.Error("poisoned alert should not appear as published")
	}
}

func TestEmitterDropsOldestWhenFull(t *testing.T) {
	block := make(chan struct{})
	sink := &recordingSink{block: block}
	cfg := testConfig()
	cfg.QueueSize = 2
	e := NewEmitter(sink, cfg)

	// The consumer picks up the first alert and parks on the blocked
	// sink, leaving room for exactly QueueSize pending alerts behind it.
	if err := e.Emit(Build(testAssessment("tx-0"))); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	waitFor(t, func() bool { return e.Stats().Pending == 0 }, "consumer pickup")

	for i := 1; i <= 4; i++ {
		if err := e.Emit(Build(testAssessment(fmt.Sprintf("tx-%d", i)))); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	if dropped := e.Stats().Dropped; dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}

	close(block)
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The in-flight alert plus the two freshest pending ones survive.
	got := sink.published()
	if len(got) != 3 {
		t.Fatalf("published %d alerts, want 3", len(got))
	}
	wantTx := map[string]bool{"tx-0": true, "tx-3": true, "tx-4": true}
	for _, a := range got {
		if !wantTx[a.TxID] {
			t.Errorf("unexpected surviving alert %q", a.TxID)
		}
	}
}

func TestEmitterCloseDrainsQueue(t *testing.T) {
	block := make(chan struct{})
	sink := &recordingSink{block: block}
	e := NewEmitter(sink, testConfig())

	for i := 0; i < 5; i++ {
		if err := e.Emit(Build(testAssessment(fmt.Sprintf("tx-%d", i)))); err != nil {
			t.Fatalf("Emit failed: %v", err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- e.Close() }()
	close(block)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	if got := len(sink.published()); got != 5 {
		t.Errorf("published %d alerts after Close, want 5", got)
	}
}

func TestEmitterClosed(t *testing.T) {
	e := NewEmitter(&recordingSink{}, testConfig())
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close = %v, want nil", err)
	}
	if err := e.Emit(Build(testAssessment("tx-1"))); !errors.Is(err, ErrClosed) {
		t.Errorf("Emit after Close = %v, want ErrClosed", err)
	}
}

func TestMultiSink(t *testing.T) {
	t.Run("fans out to every sink", func(t *testing.T) {
		a, b := &recordingSink{}, &recordingSink{}
		sink := MultiSink{a, b}

		if err := sink.Publish(context.Background(), Build(testAssessment("tx-1"))); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if len(a.published()) != 1 || len(b.published()) != 1 {
			t.Error("both sinks should receive the alert")
		}
	})

	t.Run("one failure fails the fan-out but reaches the rest", func(t *testing.T) {
		bad, good := &recordingSink{failures: 1}, &recordingSink{}
		sink := MultiSink{bad, good}

		if err := sink.Publish(context.Background(), Build(testAssessment("tx-1"))); err == nil {
			t.Fatal("expected an error from the failing sink")
		}
		if len(good.published()) != 1 {
			t.Error("healthy sink should still receive the alert")
		}
	})
}
