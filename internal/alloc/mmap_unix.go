//go:build linux || darwin

package alloc

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// MmapAllocator backs every block with its own anonymous private mapping.
// The memory lives outside the Go heap, so releasing a block unmaps it and
// any later access through a stale slice faults.
type MmapAllocator struct {
	mu       sync.Mutex
	mappings map[Identity][]byte
}

// NewMmapAllocator creates an empty mmap allocator.
func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{
		mappings: make(map[Identity][]byte),
	}
}

func newMmapAllocator() (Allocator, error) {
	return NewMmapAllocator(), nil
}

// NewDefault returns the mmap allocator on platforms that support it.
func NewDefault() Allocator {
	return NewMmapAllocator()
}

// Allocate maps a fresh zero-filled region of size bytes.
func (m *MmapAllocator) Allocate(size int) (Block, error) {
	if size <= 0 {
		return Block{}, fmt.Errorf("%w: invalid size %d", ErrAllocationFailure, size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return Block{}, fmt.Errorf("%w: mmap %d bytes: %v", ErrAllocationFailure, size, err)
	}
	id := identityOf(data)

	m.mu.Lock()
	m.mappings[id] = data
	m.mu.Unlock()

	return Block{ID: id, Data: data}, nil
}

// Release unmaps the block. The mapping is forgotten even when munmap
// fails, since retrying a half-failed unmap is not safe.
func (m *MmapAllocator) Release(id Identity) error {
	m.mu.Lock()
	data, ok := m.mappings[id]
	if ok {
		delete(m.mappings, id)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: unknown block %s", ErrReleaseFailure, id)
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("%w: munmap %s: %v", ErrReleaseFailure, id, err)
	}
	return nil
}

// Outstanding returns the number of mappings not yet released.
func (m *MmapAllocator) Outstanding() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mappings)
}
