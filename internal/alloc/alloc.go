// Package alloc provides the memory providers whose blocks the registry
// tracks and eventually reclaims.
//
// A block is identified by the address of its first byte. Once a block is
// released, any slice or pointer the caller still holds into it is
// dangling. Nothing in this package (or in the registry that drives it)
// checks whether a block is still referenced before releasing it.
package alloc

import (
	"errors"
	"fmt"
	"unsafe"
)

var (
	// ErrAllocationFailure is returned when a block cannot be allocated.
	ErrAllocationFailure = errors.New("alloc: allocation failed")

	// ErrReleaseFailure is returned when a block cannot be released.
	ErrReleaseFailure = errors.New("alloc: release failed")
)

// Identity is the address of the first byte of an allocated block.
// The zero Identity is the null identity and never refers to a block.
type Identity uintptr

// IsNull reports whether id is the null identity.
func (id Identity) IsNull() bool {
	return id == 0
}

// String formats the identity as a hex address.
func (id Identity) String() string {
	return fmt.Sprintf("0x%x", uintptr(id))
}

// Block is a region of memory handed out by an Allocator.
type Block struct {
	ID   Identity
	Data []byte
}

// Size returns the number of usable bytes in the block.
func (b Block) Size() int {
	return len(b.Data)
}

// Allocator hands out blocks and releases them by identity.
// Implementations must be safe for concurrent use.
type Allocator interface {
	// Allocate returns a new block of exactly size usable bytes.
	Allocate(size int) (Block, error)

	// Release frees the block identified by id. Releasing an identity
	// that was never allocated, or was already released, is an error.
	Release(id Identity) error
}

// Kind names an allocator implementation in configuration.
type Kind string

const (
	// KindMmap backs every block with its own anonymous mapping.
	KindMmap Kind = "mmap"
	// KindHeap backs every block with a Go heap slice.
	KindHeap Kind = "heap"
)

// New returns the allocator for kind. An empty kind selects the platform
// default.
func New(kind Kind) (Allocator, error) {
	switch kind {
	case "":
		return NewDefault(), nil
	case KindHeap:
		return NewHeapAllocator(), nil
	case KindMmap:
		return newMmapAllocator()
	default:
		return nil, fmt.Errorf("alloc: unknown allocator kind %q", kind)
	}
}

func identityOf(data []byte) Identity {
	if len(data) == 0 {
		return 0
	}
	return Identity(uintptr(unsafe.Pointer(&data[0])))
}
