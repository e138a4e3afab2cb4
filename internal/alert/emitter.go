// Package alert builds and publishes alert records for Review and Block
// decisions, decoupled from the synchronous decision path.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrClosed is returned by Emit after the emitter has been shut down.
var ErrClosed = errors.New("alert emitter is closed")

// Emitter hands alerts off to a bounded queue and returns immediately;
// a background consumer delivers them to the configured sink with
// bounded retry. Backpressure policy is drop-oldest: when the queue is
// full the oldest pending alert is discarded (and counted) so the
// freshest alerts survive and the decision path never blocks.
type Emitter struct {
	sink domain.AlertSink
	cfg  domain.AlertConfig

	queue  chan *domain.Alert
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
	poisoned  atomic.Uint64
}

// NewEmitter creates and starts an emitter delivering to sink.
func NewEmitter(sink domain.AlertSink, cfg domain.AlertConfig) *Emitter {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		sink:   sink,
		cfg:    cfg,
		queue:  make(chan *domain.Alert, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	e.wg.Add(1)
	go e.run()

	return e
}

// Build constructs the immutable alert record for a non-Approve
// assessment. Alerts always start open; later status transitions belong
// to the investigation workflow, not the engine.
func Build(assessment *domain.RiskAssessment) *domain.Alert {
	return &domain.Alert{
		ID:         uuid.New().String(),
		TxID:       assessment.TxID,
		AccountID:  assessment.AccountID,
		Assessment: *assessment,
		CreatedAt:  time.Now().UTC(),
		Status:     domain.AlertOpen,
	}
}

// Emit enqueues an alert without blocking. On a full queue the oldest
// pending alert is dropped to make room.
func (e *Emitter) Emit(alert *domain.Alert) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	for {
		select {
		case e.queue <- alert:
			return nil
		default:
		}

		select {
		case old := <-e.queue:
			e.dropped.Add(1)
			slog.Warn("alert queue full, dropping oldest pending alert",
				"dropped_alert_id", old.ID,
				"dropped_tx_id", old.TxID,
			)
		default:
		}
	}
}

func (e *Emitter) run() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case alert := <-e.queue:
					e.deliver(context.Background(), alert)
				default:
					return
				}
			}
		case alert := <-e.queue:
			e.deliver(e.ctx, alert)
		}
	}
}

// deliver publishes one alert with capped exponential backoff. After the
// attempt budget is spent the alert is logged as poison, payload
// included, for external reconciliation.
func (e *Emitter) deliver(ctx context.Context, alert *domain.Alert) {
	backoff := e.cfg.RetryBackoff()

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		lastErr = e.sink.Publish(ctx, alert)
		if lastErr == nil {
			e.published.Add(1)
			return
		}

		slog.Warn("alert publish failed",
			"alert_id", alert.ID,
			"attempt", attempt,
			"max_attempts", e.cfg.MaxAttempts,
			"error", lastErr,
		)

		if attempt == e.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			attempt = e.cfg.MaxAttempts
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > e.cfg.MaxBackoff() {
			backoff = e.cfg.MaxBackoff()
		}
	}

	e.poisoned.Add(1)
	payload, _ := json.Marshal(alert)
	slog.Error("poison alert: delivery abandoned",
		"alert_id", alert.ID,
		"tx_id", alert.TxID,
		"account_id", alert.AccountID,
		"error", lastErr,
		"payload", string(payload),
	)
}

// Close stops accepting alerts, drains the queue, and waits for the
// consumer to finish.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	return nil
}

// Stats reports emitter counters.
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Poisoned  uint64 `json:"poisoned"`
	Pending   int    `json:"pending"`
}

// Stats returns current counters.
func (e *Emitter) Stats() Stats {
	return Stats{
		Published: e.published.Load(),
		Dropped:   e.dropped.Load(),
		Poisoned:  e.poisoned.Load(),
		Pending:   len(e.queue),
	}
}
