//go:build linux

// File: internal/engine/bufferpool.go
// Author: momentics <momentics@gmail.com>
//
// FixedBufferPool: a vector of N page-aligned regions of size S,
// registered as one bulk iovec set with the kernel once at loop start,
// with a free-index stack leased by pop and returned by push.

package engine

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ptrOf returns the uintptr address of b, for the kernel iovec table.
func ptrOf(b *byte) uintptr {
	return uintptr(unsafe.Pointer(b))
}

const pageSize = 4096

// FixedBufferPool owns one mmap'd, page-aligned region per loop, sliced
// into count regions of size each, registered once with the kernel via
// IORING_REGISTER_BUFFERS. It is single-threaded: every method must be
// called only from the owning loop's goroutine.
type FixedBufferPool struct {
	region []byte
	size   int
	count  int

	free []int32 // free-index stack, LIFO per scenario 5's expectation
	// leased[i] is true while index i is held by an in-flight op or by a
	// resumed routine's current-read-buffer slot.
	leased []bool
}

// NewFixedBufferPool allocates count regions of size bytes each, rounded
// up to a page, and pushes every index onto the free stack.
func NewFixedBufferPool(count, size int) (*FixedBufferPool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("%w: buffer pool count=%d size=%d", ErrInvalidConfig, count, size)
	}
	aligned := ((size + pageSize - 1) / pageSize) * pageSize
	region, err := unix.Mmap(-1, 0, aligned*count,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap buffer region: %v", ErrRingSetupFailed, err)
	}

	p := &FixedBufferPool{
		region: region,
		size:   aligned,
		count:  count,
		free:   make([]int32, count),
		leased: make([]bool, count),
	}
	for i := 0; i < count; i++ {
		p.free[i] = int32(count - 1 - i) // LIFO: index 0 leased first
	}
	return p, nil
}

// iovecs returns the bulk iovec set for IORING_REGISTER_BUFFERS.
func (p *FixedBufferPool) iovecs() []ioUringIovec {
	out := make([]ioUringIovec, p.count)
	for i := 0; i < p.count; i++ {
		out[i] = ioUringIovec{
			Base: uintptr(ptrOf(&p.region[i*p.size])),
			Len:  uint64(p.size),
		}
	}
	return out
}

// Lease returns a free index, or -1 if the pool is exhausted (the
// caller falls back to an ordinary, non-fixed read/write).
func (p *FixedBufferPool) Lease() int32 {
	n := len(p.free)
	if n == 0 {
		return -1
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.leased[idx] = true
	return idx
}

// Release returns idx to the free stack. Double-return is a caller bug,
// guarded against by clearing the context's BufIdx on every return
// path.
func (p *FixedBufferPool) Release(idx int32) {
	if idx < 0 || int(idx) >= p.count || !p.leased[idx] {
		return
	}
	p.leased[idx] = false
	p.free = append(p.free, idx)
}

// Bytes returns the backing slice for a leased index.
func (p *FixedBufferPool) Bytes(idx int32) []byte {
	off := int(idx) * p.size
	return p.region[off : off+p.size]
}

// InUse returns the count of currently leased indices, for LoopStats.
func (p *FixedBufferPool) InUse() int {
	return p.count - len(p.free)
}

func (p *FixedBufferPool) Close() error {
	if p.region == nil {
		return nil
	}
	err := unix.Munmap(p.region)
	p.region = nil
	return err
}
