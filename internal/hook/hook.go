// Package hook is the boundary between application allocations and the
// registry. Every allocation made through a Hook is recorded before the
// block is handed back to the caller.
//
// Go has no per-thread storage, so the "already inside the hook" guard is
// carried on the context of the call chain instead. Allocations made from
// within the hook (by observers, or by code that is constructing the
// registry itself) see the marker and are not recorded, which keeps the
// hook from recursing into itself. Separate call chains never share the
// marker, so concurrent callers cannot suppress each other.
package hook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/dray-io/reclaim/internal/alloc"
)

// ErrClosed is returned by Allocate once the hook has been closed.
var ErrClosed = errors.New("hook: closed")

// Recorder receives every tracked allocation.
type Recorder interface {
	Record(id alloc.Identity, size int)
}

// Observer is called after a block has been recorded, with a context that
// carries the in-hook marker.
type Observer func(ctx context.Context, b alloc.Block)

type inHookKey struct{}

// Enter returns a context marked as running inside the allocation hook.
func Enter(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, inHookKey{}, true)
}

// Active reports whether ctx is already inside the allocation hook.
func Active(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(inHookKey{}).(bool)
	return v
}

// Hook allocates blocks and records them.
type Hook struct {
	allocator alloc.Allocator
	recorder  Recorder
	observers []Observer

	// mu is held for reading across allocate-and-record so Close waits
	// for in-flight tracked allocations.
	mu       sync.RWMutex
	closeErr error
}

// New creates a hook that allocates from allocator and records into recorder.
func New(allocator alloc.Allocator, recorder Recorder, observers ...Observer) *Hook {
	return &Hook{
		allocator: allocator,
		recorder:  recorder,
		observers: observers,
	}
}

// Allocate returns a block of size bytes. Unless ctx is already inside the
// hook, the block is recorded before Allocate returns. On failure nothing
// is recorded and the error wraps alloc.ErrAllocationFailure. After Close,
// tracked allocations return the close reason.
func (h *Hook) Allocate(ctx context.Context, size int) (alloc.Block, error) {
	if Active(ctx) {
		return h.allocator.Allocate(size)
	}
	ctx = Enter(ctx)

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closeErr != nil {
		return alloc.Block{}, h.closeErr
	}

	b, err := h.allocator.Allocate(size)
	if err != nil {
		return alloc.Block{}, err
	}

	h.recorder.Record(b.ID, b.Size())
	for _, obs := range h.observers {
		obs(ctx, b)
	}
	return b, nil
}

// Close stops the hook from handing out tracked blocks. Allocations already
// in progress finish and are recorded before Close returns. reason is the
// error later calls get; nil means ErrClosed. Closing twice keeps the
// first reason.
func (h *Hook) Close(reason error) {
	if reason == nil {
		reason = ErrClosed
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closeErr == nil {
		h.closeErr = reason
	}
}

// Bootstrap allocates a block that is never recorded. It is meant for the
// service's own allocations while it is still being constructed.
func (h *Hook) Bootstrap(size int) (alloc.Block, error) {
	return h.Allocate(Enter(context.Background()), size)
}

// AllocateValue allocates a zeroed T through the hook and returns a pointer
// into the tracked block along with its identity. T must not contain Go
// pointers: the block may live outside the Go heap and the pointer becomes
// invalid as soon as the registry reclaims the block.
func AllocateValue[T any](ctx context.Context, h *Hook) (*T, alloc.Identity, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size == 0 {
		size = 1
	}

	b, err := h.Allocate(ctx, size)
	if err != nil {
		return nil, 0, fmt.Errorf("allocate %T: %w", zero, err)
	}
	clear(b.Data)
	return (*T)(unsafe.Pointer(&b.Data[0])), b.ID, nil
}
