package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/reclaim/internal/alloc"
	"github.com/dray-io/reclaim/internal/logging"
	"github.com/dray-io/reclaim/internal/metrics"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeReleaser records releases and fails for selected identities.
type fakeReleaser struct {
	mu       sync.Mutex
	released map[alloc.Identity]int
	failFor  map[alloc.Identity]bool
	panicFor map[alloc.Identity]bool
}

func newFakeReleaser() *fakeReleaser {
	return &fakeReleaser{
		released: make(map[alloc.Identity]int),
		failFor:  make(map[alloc.Identity]bool),
		panicFor: make(map[alloc.Identity]bool),
	}
}

func (f *fakeReleaser) Release(id alloc.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[id]++
	if f.panicFor[id] {
		panic("bad block")
	}
	if f.failFor[id] {
		return errors.New("munmap: invalid argument")
	}
	return nil
}

func (f *fakeReleaser) count(id alloc.Identity) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released[id]
}

func newTestRegistry(t *testing.T) (*Registry, *fakeReleaser, *fakeClock) {
	t.Helper()
	rel := newFakeReleaser()
	clock := newFakeClock()
	r := New(rel, Options{Clock: clock.Now, Logger: logging.Discard()})
	return r, rel, clock
}

func TestRegistry_RecordAndContains(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	r.Record(0x1000, 16)
	r.Record(0x2000, 32)

	assert.True(t, r.Contains(0x1000))
	assert.True(t, r.Contains(0x2000))
	assert.False(t, r.Contains(0x3000))
	assert.Equal(t, 2, r.ActiveCount())
	assert.Equal(t, 48, r.ActiveBytes())
}

func TestRegistry_RecordNullIdentityIsNoop(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	r.Record(0, 64)

	assert.Equal(t, 0, r.ActiveCount())
	assert.False(t, r.Contains(0))
}

func TestRegistry_RecordDuplicateIgnored(t *testing.T) {
	r, _, clock := newTestRegistry(t)

	r.Record(0x1000, 16)
	clock.Advance(time.Second)
	r.Record(0x1000, 99)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 16, snap[0].Size)
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRegistry_SweepRetainsYoungBlocks(t *testing.T) {
	r, rel, clock := newTestRegistry(t)

	r.Record(0x1000, 8)
	clock.Advance(4999 * time.Millisecond)

	res := r.Sweep(5 * time.Second)

	assert.Equal(t, 0, res.Reclaimed)
	assert.Equal(t, 1, res.Active)
	assert.True(t, r.Contains(0x1000))
	assert.Equal(t, 0, rel.count(0x1000))
}

func TestRegistry_SweepEvictsAtThreshold(t *testing.T) {
	r, rel, clock := newTestRegistry(t)

	r.Record(0x1000, 8)
	clock.Advance(5 * time.Second)

	res := r.Sweep(5 * time.Second)

	assert.Equal(t, 1, res.Reclaimed)
	assert.Equal(t, 0, res.Active)
	assert.Empty(t, res.Remaining)
	assert.False(t, r.Contains(0x1000))
	assert.Equal(t, 1, rel.count(0x1000))
}

func TestRegistry_SweepTwiceNeverDoubleReleases(t *testing.T) {
	r, rel, clock := newTestRegistry(t)

	r.Record(0x1000, 8)
	r.Record(0x2000, 8)
	clock.Advance(10 * time.Second)

	first := r.Sweep(5 * time.Second)
	second := r.Sweep(5 * time.Second)

	assert.Equal(t, 2, first.Reclaimed)
	assert.Equal(t, 0, second.Reclaimed)
	assert.Equal(t, 1, rel.count(0x1000))
	assert.Equal(t, 1, rel.count(0x2000))
}

func TestRegistry_ConcurrentSweepsReleaseOnce(t *testing.T) {
	r, rel, clock := newTestRegistry(t)

	const blocks = 200
	for i := 1; i <= blocks; i++ {
		r.Record(alloc.Identity(i*0x10), 1)
	}
	clock.Advance(time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.Sweep(time.Second)
			mu.Lock()
			total += res.Reclaimed
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, blocks, total)
	for i := 1; i <= blocks; i++ {
		assert.Equal(t, 1, rel.count(alloc.Identity(i*0x10)))
	}
}

func TestRegistry_SweepRemainingOldestFirst(t *testing.T) {
	r, _, clock := newTestRegistry(t)

	r.Record(0x3000, 1)
	clock.Advance(time.Millisecond)
	r.Record(0x1000, 1)
	clock.Advance(time.Millisecond)
	r.Record(0x2000, 1)

	res := r.Sweep(time.Hour)

	assert.Equal(t, []alloc.Identity{0x3000, 0x1000, 0x2000}, res.Remaining)
	assert.Equal(t, 3, res.Active)
	assert.Equal(t, 3, res.ActiveBytes)
}

func TestRegistry_ReleaseFailureDoesNotAbortSweep(t *testing.T) {
	r, rel, clock := newTestRegistry(t)
	rel.failFor[0x2000] = true
	rel.panicFor[0x3000] = true

	r.Record(0x1000, 1)
	r.Record(0x2000, 1)
	r.Record(0x3000, 1)
	r.Record(0x4000, 1)
	clock.Advance(6 * time.Second)

	res := r.Sweep(5 * time.Second)

	assert.Equal(t, 2, res.Reclaimed)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 4, res.Evicted())
	assert.Equal(t, 0, r.ActiveCount())
	assert.Equal(t, 1, rel.count(0x4000))

	// Failed blocks are not retried.
	r.Sweep(0)
	assert.Equal(t, 1, rel.count(0x2000))
}

func TestRegistry_DrainAll(t *testing.T) {
	r, rel, _ := newTestRegistry(t)

	r.Record(0x1000, 4)
	r.Record(0x2000, 4)

	res := r.DrainAll()
	assert.Equal(t, 2, res.Reclaimed)
	assert.Equal(t, 0, r.ActiveCount())
	assert.Equal(t, 0, r.ActiveBytes())
	assert.Equal(t, 1, rel.count(0x1000))

	// Idempotent on an empty registry.
	res = r.DrainAll()
	assert.Equal(t, 0, res.Evicted())
	assert.Equal(t, 0, r.ActiveCount())
}

func TestRegistry_Release(t *testing.T) {
	r, rel, _ := newTestRegistry(t)

	r.Record(0x1000, 4)
	require.NoError(t, r.Release(0x1000))
	assert.False(t, r.Contains(0x1000))
	assert.Equal(t, 1, rel.count(0x1000))

	err := r.Release(0x1000)
	assert.ErrorIs(t, err, ErrUntracked)
	assert.Equal(t, 1, rel.count(0x1000))

	err = r.Release(0x9000)
	assert.ErrorIs(t, err, ErrUntracked)
}

func TestRegistry_ReleaseFailureStillUntracks(t *testing.T) {
	r, rel, _ := newTestRegistry(t)
	rel.failFor[0x1000] = true

	r.Record(0x1000, 4)
	err := r.Release(0x1000)

	assert.ErrorIs(t, err, alloc.ErrReleaseFailure)
	assert.False(t, r.Contains(0x1000))
}

func TestRegistry_CountMatchesRecordsMinusEvicted(t *testing.T) {
	r, _, clock := newTestRegistry(t)

	for i := 1; i <= 10; i++ {
		r.Record(alloc.Identity(i), 1)
	}
	clock.Advance(3 * time.Second)
	for i := 11; i <= 15; i++ {
		r.Record(alloc.Identity(i), 1)
	}

	res := r.Sweep(2 * time.Second)

	assert.Equal(t, 10, res.Reclaimed)
	assert.Equal(t, 15-res.Evicted(), r.ActiveCount())
}

func TestRegistry_ConcurrentRecords(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	const goroutines = 16
	const perGoroutine = 250

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for m := 0; m < perGoroutine; m++ {
				id := alloc.Identity(g*perGoroutine + m + 1)
				r.Record(id, 1)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, goroutines*perGoroutine, r.ActiveCount())
}

func TestRegistry_ExampleScenario(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	threshold := 5 * time.Second

	r.Record(0xA, 4) // t=0
	clock.Advance(200 * time.Millisecond)
	r.Record(0xB, 4) // t=0.2s

	clock.Advance(5100 * time.Millisecond) // t=5.3s
	res := r.Sweep(threshold)
	assert.Equal(t, 2, res.Reclaimed)
	assert.Equal(t, 0, r.ActiveCount())

	r.Record(0xC, 4) // t=5.3s
	clock.Advance(800 * time.Millisecond) // t=6.1s
	res = r.Sweep(threshold)
	assert.Equal(t, 0, res.Reclaimed)
	assert.Equal(t, 1, r.ActiveCount())
}

func TestRegistry_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewReclaimMetricsWithRegistry(reg)
	clock := newFakeClock()
	r := New(newFakeReleaser(), Options{Clock: clock.Now, Metrics: m, Logger: logging.Discard()})

	r.Record(0x1000, 10)
	r.Record(0x2000, 20)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.RecordedTotal))
	assert.Equal(t, float64(30), testutil.ToFloat64(m.ActiveBytes))

	clock.Advance(time.Second)
	r.SweepAs(metrics.TriggerManual, time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ReclaimedTotal.WithLabelValues(metrics.TriggerManual)))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveBlocks))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveBytes))
}

func TestRegistry_WithHeapAllocator(t *testing.T) {
	a := alloc.NewHeapAllocator()
	r := New(a, Options{Logger: logging.Discard()})

	b, err := a.Allocate(128)
	require.NoError(t, err)
	r.Record(b.ID, b.Size())

	res := r.Sweep(0)
	assert.Equal(t, 1, res.Reclaimed)
	assert.Equal(t, 0, a.Outstanding())
}
