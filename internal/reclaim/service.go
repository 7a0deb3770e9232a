// Package reclaim wires the allocation registry, the allocation hook and
// the reclaim worker into one explicitly owned service.
//
// There is no process-wide instance. Whoever builds the process constructs
// exactly one Service, passes it to the code that allocates, and calls
// Shutdown once at teardown.
//
// Every block handed out by Allocate is released once it is older than the
// configured threshold, whether or not the caller still uses it. Callers
// that keep a block past the threshold are touching freed memory.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dray-io/reclaim/internal/alloc"
	"github.com/dray-io/reclaim/internal/config"
	"github.com/dray-io/reclaim/internal/gc"
	"github.com/dray-io/reclaim/internal/hook"
	"github.com/dray-io/reclaim/internal/logging"
	"github.com/dray-io/reclaim/internal/metrics"
	"github.com/dray-io/reclaim/internal/notify"
	"github.com/dray-io/reclaim/internal/registry"
)

// ErrShutdown is returned by operations on a service that has been shut down.
var ErrShutdown = errors.New("reclaim: service is shut down")

// Service is the reclamation service.
type Service struct {
	id        string
	cfg       *config.Config
	allocator alloc.Allocator
	registry  *registry.Registry
	hook      *hook.Hook
	worker    *gc.ReclaimWorker
	sink      notify.Sink
	logger    *logging.Logger
	clock     func() time.Time

	reserve alloc.Block

	mu       sync.RWMutex
	shutdown bool
}

type options struct {
	allocator alloc.Allocator
	logger    *logging.Logger
	metrics   *metrics.ReclaimMetrics
	sinks     []notify.Sink
	clock     func() time.Time
	observers []hook.Observer
}

// Option customizes a Service.
type Option func(*options)

// WithAllocator overrides the allocator selected by the config.
func WithAllocator(a alloc.Allocator) Option {
	return func(o *options) { o.allocator = a }
}

// WithLogger sets the logger. Defaults to the global logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *metrics.ReclaimMetrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithSink adds a sink that receives every sweep report, in addition to
// the log sink.
func WithSink(s notify.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithClock sets the clock used to timestamp blocks. Defaults to time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithObserver registers a callback run after every tracked allocation.
// Observers run while Allocate holds the service open against Shutdown, so
// they must allocate through Service.Hook rather than Service.Allocate.
func WithObserver(obs hook.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// New builds a service from cfg. The worker is not started; call Start.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Global()
	}
	if o.allocator == nil {
		a, err := alloc.New(alloc.Kind(cfg.Allocator.Kind))
		if err != nil {
			return nil, err
		}
		o.allocator = a
	}

	id := uuid.New().String()
	logger := o.logger.WithInstanceID(id)

	reg := registry.New(o.allocator, registry.Options{
		Clock:   o.clock,
		Metrics: o.metrics,
		Logger:  logger,
	})

	logSink := notify.NewLogSink(logger)
	logSink.MaxListed = cfg.Observability.MaxListed
	sink := notify.Multi(append([]notify.Sink{logSink}, o.sinks...)...)

	workerCfg := gc.ReclaimWorkerConfig{
		PeriodMs:    cfg.Worker.PeriodMs,
		ThresholdMs: cfg.Worker.ThresholdMs,
	}

	s := &Service{
		id:        id,
		cfg:       cfg,
		allocator: o.allocator,
		registry:  reg,
		hook:      hook.New(o.allocator, reg, o.observers...),
		worker:    gc.NewReclaimWorker(reg, sink, workerCfg).WithLogger(logger),
		sink:      sink,
		logger:    logger.WithComponent("service"),
		clock:     o.clock,
	}

	// The service's own block goes through the hook while it is still
	// being built; the hook must not record it.
	if cfg.Allocator.ReserveBytes > 0 {
		b, err := s.hook.Bootstrap(cfg.Allocator.ReserveBytes)
		if err != nil {
			return nil, fmt.Errorf("allocate reserve: %w", err)
		}
		s.reserve = b
	}

	return s, nil
}

// ID returns the service instance ID.
func (s *Service) ID() string {
	return s.id
}

// Start starts the background reclaim worker.
func (s *Service) Start() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return ErrShutdown
	}
	return s.worker.Start()
}

// Allocate returns a new tracked block of size bytes. The block is recorded
// before Allocate returns and is reclaimed once it reaches the age
// threshold.
func (s *Service) Allocate(ctx context.Context, size int) (alloc.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return alloc.Block{}, ErrShutdown
	}
	return s.hook.Allocate(ctx, size)
}

// Hook returns the allocation hook, for use with hook.AllocateValue.
// Tracked allocations through it fail with ErrShutdown after Shutdown.
func (s *Service) Hook() *hook.Hook {
	return s.hook
}

// Record tracks a block allocated elsewhere. The registry must be able to
// release it through the service's allocator.
func (s *Service) Record(id alloc.Identity, size int) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return ErrShutdown
	}
	s.registry.Record(id, size)
	return nil
}

// Contains reports whether id is tracked and not yet reclaimed.
func (s *Service) Contains(id alloc.Identity) bool {
	return s.registry.Contains(id)
}

// Free releases a tracked block before its age threshold. Untracked or
// already reclaimed identities return registry.ErrUntracked and are
// otherwise left alone.
func (s *Service) Free(id alloc.Identity) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdown {
		return ErrShutdown
	}
	return s.registry.Release(id)
}

// ActiveCount returns the number of tracked blocks.
func (s *Service) ActiveCount() int {
	return s.registry.ActiveCount()
}

// Snapshot returns the tracked records, oldest first.
func (s *Service) Snapshot() []registry.Record {
	return s.registry.Snapshot()
}

// State returns the reclaim worker's lifecycle state.
func (s *Service) State() gc.State {
	return s.worker.State()
}

// ManualCollect runs one sweep now with the configured threshold,
// independent of the worker's schedule.
func (s *Service) ManualCollect(ctx context.Context) (notify.Report, error) {
	s.mu.RLock()
	closed := s.shutdown
	s.mu.RUnlock()
	if closed {
		return notify.Report{}, ErrShutdown
	}
	s.logger.Debug("manual collect")
	return s.worker.SweepOnce(ctx), nil
}

// Shutdown stops the worker, waits for it to exit, then releases every
// remaining block. It must be called once; later calls return ErrShutdown.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrShutdown
	}
	s.shutdown = true
	s.mu.Unlock()

	// No tracked block may be recorded after the drain, and the worker
	// must be joined so no sweep overlaps it.
	s.hook.Close(ErrShutdown)
	s.worker.Stop()

	res := s.registry.DrainAll()
	s.sink.Notify(ctx, notify.FromSweep(metrics.TriggerDrain, s.clock(), res))

	var err error
	if res.Failed > 0 {
		err = fmt.Errorf("%w: %d blocks failed to release during drain", alloc.ErrReleaseFailure, res.Failed)
	}
	if !s.reserve.ID.IsNull() {
		if rerr := s.allocator.Release(s.reserve.ID); rerr != nil {
			err = errors.Join(err, fmt.Errorf("release reserve: %w", rerr))
		}
		s.reserve = alloc.Block{}
	}

	s.logger.Infof("service shut down", map[string]any{
		"drained": res.Reclaimed,
		"failed":  res.Failed,
	})
	return err
}
