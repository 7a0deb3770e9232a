// Package registry implements the allocation registry: the single store of
// block records shared by the allocation path and the reclaim worker.
//
// # Policy
//
// Blocks are reclaimed purely by age. A sweep releases every block whose
// age is at least the threshold, whether or not the application still
// holds a reference to it. A caller that keeps using a block past the
// threshold is reading or writing released memory. This is the intended
// behavior of the service and is not guarded against.
//
// # Locking
//
// Every operation takes the registry's single mutex and releases it on all
// paths. Sweeps compute their diagnostic payload (remaining identities and
// the active count) inside the same critical section and return it, so
// observers never need to call back into the registry while it is locked.
package registry
