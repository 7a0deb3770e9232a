package gc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/reclaim/internal/alloc"
	"github.com/dray-io/reclaim/internal/logging"
	"github.com/dray-io/reclaim/internal/metrics"
	"github.com/dray-io/reclaim/internal/notify"
	"github.com/dray-io/reclaim/internal/registry"
)

// countingSweeper counts sweeps and records the triggers it saw.
type countingSweeper struct {
	mu       sync.Mutex
	sweeps   int
	triggers []string
	maxAge   time.Duration
	panicOn  int
}

func (s *countingSweeper) SweepAs(trigger string, maxAge time.Duration) registry.SweepResult {
	s.mu.Lock()
	s.sweeps++
	n := s.sweeps
	s.triggers = append(s.triggers, trigger)
	s.maxAge = maxAge
	s.mu.Unlock()
	if s.panicOn > 0 && n == s.panicOn {
		panic("sweep blew up")
	}
	return registry.SweepResult{Reclaimed: 1}
}

func (s *countingSweeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweeps
}

type nopReleaser struct{}

func (nopReleaser) Release(alloc.Identity) error { return nil }

func newTestWorker(s Sweeper, sink notify.Sink, periodMs, thresholdMs int64) *ReclaimWorker {
	w := NewReclaimWorker(s, sink, ReclaimWorkerConfig{PeriodMs: periodMs, ThresholdMs: thresholdMs})
	return w.WithLogger(logging.Discard())
}

func TestNewReclaimWorker_Defaults(t *testing.T) {
	w := NewReclaimWorker(&countingSweeper{}, nil, ReclaimWorkerConfig{})

	assert.Equal(t, DefaultReclaimWorkerConfig().PeriodMs, w.Config().PeriodMs)
	assert.Equal(t, int64(0), w.Config().ThresholdMs)
	assert.Equal(t, 900*time.Millisecond, DefaultReclaimWorkerConfig().Period())
	assert.Equal(t, 5*time.Second, DefaultReclaimWorkerConfig().Threshold())
	assert.Equal(t, StateIdle, w.State())
}

func TestReclaimWorker_Lifecycle(t *testing.T) {
	w := newTestWorker(&countingSweeper{}, nil, 10, 0)

	require.NoError(t, w.Start())
	assert.Equal(t, StateRunning, w.State())

	// Starting twice is harmless.
	require.NoError(t, w.Start())

	w.Stop()
	assert.Equal(t, StateStopped, w.State())

	// Stopped is terminal.
	assert.ErrorIs(t, w.Start(), ErrWorkerStopped)
	w.Stop()
	assert.Equal(t, StateStopped, w.State())
}

func TestReclaimWorker_StopBeforeStart(t *testing.T) {
	w := newTestWorker(&countingSweeper{}, nil, 10, 0)

	w.Stop()

	assert.Equal(t, StateStopped, w.State())
	assert.ErrorIs(t, w.Start(), ErrWorkerStopped)
}

func TestReclaimWorker_SweepsOnSchedule(t *testing.T) {
	s := &countingSweeper{}
	history := notify.NewHistory(100)
	w := newTestWorker(s, history, 5, 1234)

	require.NoError(t, w.Start())
	require.Eventually(t, func() bool { return s.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	w.Stop()

	s.mu.Lock()
	assert.Equal(t, 1234*time.Millisecond, s.maxAge)
	for _, trig := range s.triggers {
		assert.Equal(t, metrics.TriggerScheduled, trig)
	}
	s.mu.Unlock()

	last, ok := history.Last()
	require.True(t, ok)
	assert.Equal(t, metrics.TriggerScheduled, last.Trigger)
	assert.Equal(t, 1, last.Reclaimed)
}

func TestReclaimWorker_NoSweepsAfterStop(t *testing.T) {
	s := &countingSweeper{}
	w := newTestWorker(s, nil, 2, 0)

	require.NoError(t, w.Start())
	require.Eventually(t, func() bool { return s.count() >= 1 }, 2*time.Second, 2*time.Millisecond)
	w.Stop()

	after := s.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, s.count())
}

func TestReclaimWorker_SurvivesPanics(t *testing.T) {
	s := &countingSweeper{panicOn: 1}
	var panicsFromSink atomic.Int32
	sink := notify.SinkFunc(func(context.Context, notify.Report) {
		if panicsFromSink.Add(1) == 1 {
			panic("sink blew up")
		}
	})
	w := newTestWorker(s, sink, 2, 0)

	require.NoError(t, w.Start())
	require.Eventually(t, func() bool { return s.count() >= 4 }, 2*time.Second, 2*time.Millisecond)
	w.Stop()

	assert.Equal(t, StateStopped, w.State())
	assert.GreaterOrEqual(t, panicsFromSink.Load(), int32(2))
}

func TestReclaimWorker_SweepOnce(t *testing.T) {
	s := &countingSweeper{}
	history := notify.NewHistory(10)
	w := newTestWorker(s, history, 60000, 0)

	report := w.SweepOnce(context.Background())

	assert.Equal(t, metrics.TriggerManual, report.Trigger)
	assert.Equal(t, 1, report.Reclaimed)
	assert.Equal(t, 1, s.count())
	assert.Len(t, history.Reports(), 1)
}

func TestReclaimWorker_ManualMatchesScheduled(t *testing.T) {
	// Two registries with identical contents and clock; one swept manually,
	// one on the schedule, must evict the same blocks.
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	build := func() *registry.Registry {
		return registry.New(nopReleaser{}, registry.Options{Clock: clock, Logger: logging.Discard()})
	}
	manualReg, schedReg := build(), build()

	record := func(id alloc.Identity) {
		manualReg.Record(id, 1)
		schedReg.Record(id, 1)
	}
	record(0x1)
	mu.Lock()
	now = now.Add(3 * time.Second)
	mu.Unlock()
	record(0x2)
	mu.Lock()
	now = now.Add(3 * time.Second)
	mu.Unlock()

	cfg := ReclaimWorkerConfig{PeriodMs: 2, ThresholdMs: 5000}
	manual := NewReclaimWorker(manualReg, nil, cfg).WithLogger(logging.Discard())
	manualReport := manual.SweepOnce(context.Background())

	history := notify.NewHistory(100)
	sched := NewReclaimWorker(schedReg, history, cfg).WithLogger(logging.Discard())
	require.NoError(t, sched.Start())
	require.Eventually(t, func() bool { _, ok := history.Last(); return ok }, 2*time.Second, 2*time.Millisecond)
	sched.Stop()

	schedReport := history.Reports()[0]
	assert.Equal(t, 1, manualReport.Reclaimed)
	assert.Equal(t, []alloc.Identity{0x2}, manualReport.Remaining)
	assert.Equal(t, manualReport.Remaining, schedReport.Remaining)
	assert.Equal(t, manualReport.Reclaimed, schedReport.Reclaimed)
	assert.Equal(t, manualReg.ActiveCount(), schedReg.ActiveCount())
	assert.False(t, schedReg.Contains(0x1))
	assert.True(t, schedReg.Contains(0x2))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}
