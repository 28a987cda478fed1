package reconciliation

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer runs the reconciliation sweep on a fixed interval.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	running  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// NewTimer creates a timer. A non-positive interval falls back to five
// minutes.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the loop. It returns immediately; the first sweep runs
// after one full interval.
func (t *Timer) Start(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		return
	}
	go t.loop(ctx)
}

// Stop halts the loop and waits for any in-flight sweep to finish.
func (t *Timer) Stop() {
	if !t.running.Load() {
		return
	}
	close(t.stop)
	<-t.done
}

// Running reports whether the loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

func (t *Timer) loop(ctx context.Context) {
	defer close(t.done)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("reconciliation timer started", "interval", t.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			reconcileErrors.Inc()
			t.logger.Error("reconciliation panicked", "panic", r)
		}
	}()

	res, err := t.service.Run(ctx)
	if err != nil {
		t.logger.Error("reconciliation run failed", "error", err)
		return
	}
	t.logger.Info("reconciliation run complete",
		"checked", res.Checked, "drifted", len(res.Drifts))
}
