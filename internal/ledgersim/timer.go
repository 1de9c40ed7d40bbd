package ledgersim

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Timer periodically fails payments whose challenge deadline has passed.
type Timer struct {
	svc      *Service
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewTimer creates a challenge-expiry sweeper. interval <= 0 selects 30s.
func NewTimer(svc *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{svc: svc, interval: interval, logger: logger}
}

// Start launches the sweep loop. Calling Start on a running timer is a no-op.
func (t *Timer) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return
	}
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	t.running = true
	go t.run(ctx)
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (t *Timer) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	cancel, done := t.cancel, t.done
	t.running = false
	t.mu.Unlock()

	cancel()
	<-done
}

func (t *Timer) run(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := t.svc.ExpireChallenges(ctx, 100)
			if err != nil {
				t.logger.Error("challenge sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				t.logger.Info("expired challenges failed", "count", expired)
			}
		}
	}
}
