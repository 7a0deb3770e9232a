package alloc

import (
	"fmt"
	"sync"
)

// HeapAllocator allocates blocks on the Go heap. Each block stays pinned in
// an internal table until it is released; after that the Go runtime is free
// to collect it.
type HeapAllocator struct {
	mu     sync.Mutex
	blocks map[Identity][]byte
}

// NewHeapAllocator creates an empty heap allocator.
func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{
		blocks: make(map[Identity][]byte),
	}
}

// Allocate returns a zeroed block of size bytes.
func (h *HeapAllocator) Allocate(size int) (Block, error) {
	if size <= 0 {
		return Block{}, fmt.Errorf("%w: invalid size %d", ErrAllocationFailure, size)
	}
	data := make([]byte, size)
	id := identityOf(data)

	h.mu.Lock()
	h.blocks[id] = data
	h.mu.Unlock()

	return Block{ID: id, Data: data}, nil
}

// Release clears the block's bytes and unpins it.
func (h *HeapAllocator) Release(id Identity) error {
	h.mu.Lock()
	data, ok := h.blocks[id]
	if ok {
		delete(h.blocks, id)
	}
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: unknown block %s", ErrReleaseFailure, id)
	}
	clear(data)
	return nil
}

// Outstanding returns the number of blocks allocated and not yet released.
func (h *HeapAllocator) Outstanding() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.blocks)
}
