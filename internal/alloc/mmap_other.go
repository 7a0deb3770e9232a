//go:build !linux && !darwin

package alloc

import "errors"

func newMmapAllocator() (Allocator, error) {
	return nil, errors.New("alloc: mmap allocator is not supported on this platform")
}

// NewDefault returns the heap allocator on platforms without mmap support.
func NewDefault() Allocator {
	return NewHeapAllocator()
}
