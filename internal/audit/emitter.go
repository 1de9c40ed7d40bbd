// Package audit delivers trace records to the ledger's radar ingest endpoint.
//
// Delivery is strictly best-effort: Emit never blocks the caller, a full
// queue drops the record, and ingest failures are counted and logged but
// never surfaced. A circuit breaker stops hammering an unreachable backend.
package audit

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tledger/tpay-go/internal/circuitbreaker"
	"github.com/tledger/tpay-go/internal/metrics"
	"github.com/tledger/tpay-go/internal/transport"
)

const (
	// DefaultQueueSize bounds how many records may wait for the worker.
	DefaultQueueSize = 256

	ingestPath  = "/radar/traces"
	sendTimeout = 10 * time.Second
	breakerKey  = "radar"
)

// flushTimeout bounds how long Close waits for the queue to drain.
var flushTimeout = 5 * time.Second

// poster is the slice of transport.Client the emitter uses.
type poster interface {
	Do(ctx context.Context, method, path string, query url.Values, body any) (*transport.Response, error)
}

// Emitter queues trace records and ships them from a single worker goroutine.
type Emitter struct {
	client  poster
	logger  *slog.Logger
	breaker *circuitbreaker.Breaker

	mu     sync.RWMutex
	closed bool
	queue  chan any

	// drainCtx is cancelled when Close's flush window elapses; the worker
	// then drops what remains instead of sending it.
	drainCtx context.Context
	cancel   context.CancelFunc

	wg      sync.WaitGroup
	dropped atomic.Int64
}

// NewEmitter starts an emitter with the given queue capacity.
// size <= 0 means DefaultQueueSize.
func NewEmitter(client poster, size int, logger *slog.Logger) *Emitter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Emitter{
		client:   client,
		logger:   logger,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		queue:    make(chan any, size),
		drainCtx: ctx,
		cancel:   cancel,
	}
	e.wg.Add(1)
	go e.worker()
	return e
}

// Emit enqueues rec without blocking. Records are dropped when the queue is
// full or the emitter is closed; the caller is never told.
func (e *Emitter) Emit(rec any) {
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop("emitter closed")
		return
	}
	select {
	case e.queue <- rec:
	default:
		e.drop("queue full")
	}
}

// Close stops accepting records and drains the queue for at most
// flushTimeout; anything still undelivered when the window elapses is
// dropped.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(flushTimeout):
		e.cancel()
		<-done
	}
	e.cancel()
}

// Dropped returns how many records were discarded since start.
func (e *Emitter) Dropped() int64 { return e.dropped.Load() }

func (e *Emitter) worker() {
	defer e.wg.Done()
	for rec := range e.queue {
		e.send(rec)
	}
}

func (e *Emitter) send(rec any) {
	if e.drainCtx.Err() != nil {
		e.drop("flush deadline exceeded")
		return
	}
	if !e.breaker.Allow(breakerKey) {
		e.drop("circuit open")
		return
	}

	ctx, cancel := context.WithTimeout(e.drainCtx, sendTimeout)
	defer cancel()

	resp, err := e.client.Do(ctx, http.MethodPost, ingestPath, nil, rec)
	if err != nil {
		e.breaker.RecordFailure(breakerKey)
		metrics.AuditRecordsTotal.WithLabelValues("failed").Inc()
		e.logger.Warn("audit ingest failed", "error", err)
		return
	}
	if resp.StatusCode >= 400 {
		e.breaker.RecordFailure(breakerKey)
		metrics.AuditRecordsTotal.WithLabelValues("failed").Inc()
		e.logger.Warn("audit ingest rejected", "status", resp.StatusCode)
		return
	}

	e.breaker.RecordSuccess(breakerKey)
	metrics.AuditRecordsTotal.WithLabelValues("sent").Inc()
}

func (e *Emitter) drop(reason string) {
	e.dropped.Add(1)
	metrics.AuditRecordsTotal.WithLabelValues("dropped").Inc()
	e.logger.Debug("audit record dropped", "reason", reason)
}
