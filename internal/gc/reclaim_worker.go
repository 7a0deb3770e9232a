package gc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dray-io/reclaim/internal/logging"
	"github.com/dray-io/reclaim/internal/metrics"
	"github.com/dray-io/reclaim/internal/notify"
	"github.com/dray-io/reclaim/internal/registry"
)

// ErrWorkerStopped is returned by Start once the worker has been stopped.
var ErrWorkerStopped = errors.New("gc: reclaim worker stopped")

// Sweeper is the registry surface the worker drives.
type Sweeper interface {
	SweepAs(trigger string, maxAge time.Duration) registry.SweepResult
}

// State is the lifecycle state of a ReclaimWorker.
type State int

const (
	// StateIdle means the worker was constructed but not started.
	StateIdle State = iota
	// StateRunning means the background loop is sweeping on schedule.
	StateRunning
	// StateStopping means a stop was requested and the loop is exiting.
	StateStopping
	// StateStopped means the loop has exited. Terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ReclaimWorkerConfig configures the reclaim worker.
type ReclaimWorkerConfig struct {
	// PeriodMs is the interval between sweeps in milliseconds.
	// Default: 900
	PeriodMs int64

	// ThresholdMs is the minimum block age in milliseconds before a
	// sweep reclaims it.
	// Default: 5000
	ThresholdMs int64
}

// DefaultReclaimWorkerConfig returns a default configuration.
func DefaultReclaimWorkerConfig() ReclaimWorkerConfig {
	return ReclaimWorkerConfig{
		PeriodMs:    900,
		ThresholdMs: 5000,
	}
}

// Period returns the sweep interval.
func (c ReclaimWorkerConfig) Period() time.Duration {
	return time.Duration(c.PeriodMs) * time.Millisecond
}

// Threshold returns the minimum age before eviction.
func (c ReclaimWorkerConfig) Threshold() time.Duration {
	return time.Duration(c.ThresholdMs) * time.Millisecond
}

// ReclaimWorker sweeps the registry on a fixed cadence. The cadence and the
// age threshold are fixed at construction.
type ReclaimWorker struct {
	sweeper Sweeper
	sink    notify.Sink
	config  ReclaimWorkerConfig
	logger  *logging.Logger
	clock   func() time.Time

	mu     sync.Mutex
	state  State
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReclaimWorker creates a new reclaim worker. A nil sink discards reports.
func NewReclaimWorker(sweeper Sweeper, sink notify.Sink, config ReclaimWorkerConfig) *ReclaimWorker {
	if config.PeriodMs <= 0 {
		config.PeriodMs = 900
	}
	if config.ThresholdMs < 0 {
		config.ThresholdMs = 5000
	}
	if sink == nil {
		sink = notify.Discard
	}
	return &ReclaimWorker{
		sweeper: sweeper,
		sink:    sink,
		config:  config,
		logger:  logging.Global().WithComponent("reclaim-worker"),
		clock:   time.Now,
	}
}

// WithLogger sets the worker's logger. Call before Start.
func (w *ReclaimWorker) WithLogger(l *logging.Logger) *ReclaimWorker {
	w.logger = l.WithComponent("reclaim-worker")
	return w
}

// Config returns the worker's configuration.
func (w *ReclaimWorker) Config() ReclaimWorkerConfig {
	return w.config
}

// State returns the current lifecycle state.
func (w *ReclaimWorker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start begins the background loop. Starting a running worker does
// nothing; starting a stopped worker returns ErrWorkerStopped.
func (w *ReclaimWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case StateRunning:
		return nil
	case StateStopping, StateStopped:
		return ErrWorkerStopped
	}

	w.state = StateRunning
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(w.stopCh, w.doneCh)

	w.logger.Infof("reclaim worker started", map[string]any{
		"periodMs":    w.config.PeriodMs,
		"thresholdMs": w.config.ThresholdMs,
	})
	return nil
}

// Stop asks the loop to exit and waits until it has. After Stop returns no
// further scheduled sweeps run. Stopping an idle worker moves it straight
// to stopped.
func (w *ReclaimWorker) Stop() {
	w.mu.Lock()
	switch w.state {
	case StateIdle:
		w.state = StateStopped
		w.mu.Unlock()
		return
	case StateStopped:
		w.mu.Unlock()
		return
	case StateRunning:
		w.state = StateStopping
		close(w.stopCh)
	}
	doneCh := w.doneCh
	w.mu.Unlock()

	<-doneCh

	w.mu.Lock()
	w.state = StateStopped
	w.mu.Unlock()

	w.logger.Info("reclaim worker stopped")
}

// run is the main worker loop.
func (w *ReclaimWorker) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(w.config.Period())
	defer ticker.Stop()

	ctx := logging.WithLoggerCtx(context.Background(), w.logger)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.cycle(ctx, metrics.TriggerScheduled)
		}
	}
}

// SweepOnce performs a single sweep synchronously, outside the schedule.
func (w *ReclaimWorker) SweepOnce(ctx context.Context) notify.Report {
	return w.cycle(ctx, metrics.TriggerManual)
}

// cycle runs one sweep and forwards the report. A panic anywhere in the
// cycle is logged and swallowed so the loop keeps going.
func (w *ReclaimWorker) cycle(ctx context.Context, trigger string) (report notify.Report) {
	defer func() {
		if p := recover(); p != nil {
			w.logger.Errorf("sweep cycle panicked", map[string]any{
				"trigger": trigger,
				"panic":   fmt.Sprint(p),
			})
		}
	}()

	res := w.sweeper.SweepAs(trigger, w.config.Threshold())
	report = notify.FromSweep(trigger, w.clock(), res)
	w.sink.Notify(ctx, report)
	return report
}
