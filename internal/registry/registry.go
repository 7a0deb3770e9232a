package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dray-io/reclaim/internal/alloc"
	"github.com/dray-io/reclaim/internal/logging"
	"github.com/dray-io/reclaim/internal/metrics"
)

// ErrUntracked is returned when an operation names an identity the registry
// is not tracking. Callers treat it as a benign no-op.
var ErrUntracked = errors.New("registry: identity not tracked")

// Releaser frees the memory behind a block identity.
type Releaser interface {
	Release(id alloc.Identity) error
}

// Record is the metadata tracked for one allocated block.
type Record struct {
	ID          alloc.Identity
	Size        int
	AllocatedAt time.Time
	Freed       bool

	seq uint64
}

// Age returns how old the record is at now.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.AllocatedAt)
}

// SweepResult describes the outcome of a sweep or drain.
type SweepResult struct {
	// Reclaimed is the number of blocks released successfully.
	Reclaimed int
	// Failed is the number of blocks whose release failed. They are no
	// longer tracked either.
	Failed int
	// Remaining lists the identities still tracked after the pass,
	// oldest first.
	Remaining []alloc.Identity
	// Active is the number of blocks still tracked after the pass.
	Active int
	// ActiveBytes is the total size of the blocks still tracked.
	ActiveBytes int
	// Elapsed is the time spent inside the pass.
	Elapsed time.Duration
}

// Evicted returns the number of records removed by the pass.
func (r SweepResult) Evicted() int {
	return r.Reclaimed + r.Failed
}

// Options configures a Registry.
type Options struct {
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// Metrics is optional.
	Metrics *metrics.ReclaimMetrics
	// Logger defaults to the global logger.
	Logger *logging.Logger
}

// Registry is the authoritative store of block records.
// It is safe for concurrent use.
type Registry struct {
	releaser Releaser
	clock    func() time.Time
	metrics  *metrics.ReclaimMetrics
	logger   *logging.Logger

	mu          sync.Mutex
	records     map[alloc.Identity]*Record
	activeBytes int
	nextSeq     uint64
}

// New creates an empty registry that releases blocks through releaser.
func New(releaser Releaser, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.Global()
	}
	return &Registry{
		releaser: releaser,
		clock:    opts.Clock,
		metrics:  opts.Metrics,
		logger:   opts.Logger.WithComponent("registry"),
		records:  make(map[alloc.Identity]*Record),
	}
}

// Record starts tracking the block id of the given size, stamped with the
// current time. A null identity is ignored, as is an identity that is
// already tracked.
func (r *Registry) Record(id alloc.Identity, size int) {
	if id.IsNull() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; ok {
		r.logger.Warnf("identity already tracked, ignoring", map[string]any{
			"id":   id.String(),
			"size": size,
		})
		return
	}

	r.nextSeq++
	r.records[id] = &Record{
		ID:          id,
		Size:        size,
		AllocatedAt: r.clock(),
		seq:         r.nextSeq,
	}
	r.activeBytes += size

	if r.metrics != nil {
		r.metrics.RecordAllocation(len(r.records), r.activeBytes)
	}
}

// Contains reports whether id is tracked and not yet freed.
func (r *Registry) Contains(id alloc.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	return ok && !rec.Freed
}

// ActiveCount returns the number of tracked, non-freed blocks.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// ActiveBytes returns the total size of the tracked, non-freed blocks.
func (r *Registry) ActiveBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeBytes
}

// Snapshot returns a copy of the tracked records, oldest first.
func (r *Registry) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, len(r.records))
	for _, rec := range r.sortedLocked() {
		out = append(out, *rec)
	}
	return out
}

// Sweep releases every block whose age is at least maxAge and reports the
// result under the scheduled trigger.
func (r *Registry) Sweep(maxAge time.Duration) SweepResult {
	return r.SweepAs(metrics.TriggerScheduled, maxAge)
}

// SweepAs is Sweep with an explicit trigger label for metrics and logs.
func (r *Registry) SweepAs(trigger string, maxAge time.Duration) SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	return r.evictLocked(trigger, func(rec *Record) bool {
		return rec.Age(now) >= maxAge
	})
}

// DrainAll releases every tracked block regardless of age and leaves the
// registry empty. Draining an empty registry does nothing.
func (r *Registry) DrainAll() SweepResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.evictLocked(metrics.TriggerDrain, func(*Record) bool { return true })
}

// Release frees a single tracked block ahead of its age threshold.
// It returns ErrUntracked when id is not tracked.
func (r *Registry) Release(id alloc.Identity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok || rec.Freed {
		return fmt.Errorf("%w: %s", ErrUntracked, id)
	}

	res := r.evictLocked(metrics.TriggerRelease, func(c *Record) bool { return c.ID == id })
	if res.Failed > 0 {
		return fmt.Errorf("%w: %s", alloc.ErrReleaseFailure, id)
	}
	return nil
}

// evictLocked releases and removes every record matching evict, oldest
// first. Callers must hold r.mu.
func (r *Registry) evictLocked(trigger string, evict func(*Record) bool) SweepResult {
	start := time.Now()
	var res SweepResult

	for _, rec := range r.sortedLocked() {
		if rec.Freed || !evict(rec) {
			continue
		}

		if err := r.release(rec.ID); err != nil {
			res.Failed++
			r.logger.Errorf("release failed", map[string]any{
				"id":      rec.ID.String(),
				"size":    rec.Size,
				"trigger": trigger,
				"error":   err.Error(),
			})
		} else {
			res.Reclaimed++
		}

		// The block is not safe to release again whether or not the
		// release succeeded.
		rec.Freed = true
		delete(r.records, rec.ID)
		r.activeBytes -= rec.Size
	}

	remaining := r.sortedLocked()
	res.Remaining = make([]alloc.Identity, len(remaining))
	for i, rec := range remaining {
		res.Remaining[i] = rec.ID
	}
	res.Active = len(r.records)
	res.ActiveBytes = r.activeBytes
	res.Elapsed = time.Since(start)

	if r.metrics != nil {
		r.metrics.RecordSweep(trigger, res.Reclaimed, res.Failed, res.Elapsed)
		r.metrics.SetActive(res.Active, res.ActiveBytes)
	}
	return res
}

// release calls the releaser, turning a panic into an error so one bad
// block cannot take the sweep down.
func (r *Registry) release(id alloc.Identity) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: panic releasing %s: %v", alloc.ErrReleaseFailure, id, p)
		}
	}()
	return r.releaser.Release(id)
}

// sortedLocked returns the tracked records in allocation order.
// Callers must hold r.mu.
func (r *Registry) sortedLocked() []*Record {
	out := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].seq < out[j].seq
	})
	return out
}
