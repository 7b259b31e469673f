//go:build linux

// File: internal/engine/ring_linux.go
// Author: momentics <momentics@gmail.com>
//
// Pure-Go io_uring wrapper: no cgo, unsafe for kernel struct layout and ring
// pointer arithmetic only. Submission batching and completion draining are
// owned by Loop (loop.go); this file only exposes the raw ring primitives:
// setup, mmap, get-next-sqe, submit-and-enter, peek-cqe, advance-cq,
// register-buffers.

package engine

import (
	"fmt"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Opcodes used by this engine, numbered per the kernel's IORING_OP_*
// enumeration.
const (
	opNop         = 0
	opReadFixed   = 4
	opWriteFixed  = 5
	opPollAdd     = 6
	opTimeout     = 11
	opAccept      = 13
	opLinkTimeout = 15
	opConnect     = 16
	opClose       = 19
	opRead        = 22
	opWrite       = 23
)

const (
	setupSQPoll = 1 << 6

	enterGetEvents = 1 << 0

	sqeIOLink = 1 << 2 // IOSQE_IO_LINK

	registerBuffers = 0 // IORING_REGISTER_BUFFERS

	sysIOUringSetup    = 425
	sysIOUringEnter    = 426
	sysIOUringRegister = 427

	featSingleMmap = 1 << 0

	offSQRing = int64(0)
	offCQRing = int64(0x8000000)
	offSQEs   = int64(0x10000000)
)

// sqOffsets matches struct io_sqring_offsets.
type sqOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	UserAddr                                                        uint64
}

// cqOffsets matches struct io_cqring_offsets.
type cqOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, CQEs, Flags, Resv1 uint32
	UserAddr                                                        uint64
}

// ringParams matches struct io_uring_params.
type ringParams struct {
	SQEntries, CQEntries, Flags, SQThreadCPU, SQThreadIdle, Features uint32
	WQFd                                                             uint32
	Resv                                                             [3]uint32
	SQOff                                                            sqOffsets
	CQOff                                                            cqOffsets
}

// sqe is a 64-byte submission queue entry matching struct io_uring_sqe.
type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_pad        uint64
}

// cqe is a 16-byte completion queue entry matching struct io_uring_cqe.
type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// iovec mirrors unix.Iovec's layout for the IORING_REGISTER_BUFFERS call.
type ioUringIovec struct {
	Base uintptr
	Len  uint64
}

// ring is one worker loop's private kernel ring instance. It is never
// shared between goroutines; every method must be called from the owning
// loop's thread.
type ring struct {
	fd int

	sqMem, cqMem, sqesMem []byte

	sqHead, sqTail *uint32
	sqMask         uint32
	sqArray        unsafe.Pointer

	cqHead, cqTail *uint32
	cqMask         uint32
	cqes           unsafe.Pointer

	sqes unsafe.Pointer

	entries    uint32
	pendingSub uint32 // SQEs filled since the last enter
}

func newRing(entries uint32, sqpoll bool, sqpollIdleMs uint32) (*ring, error) {
	var p ringParams
	if sqpoll {
		p.Flags |= setupSQPoll
		p.SQThreadIdle = sqpollIdleMs
	}

	fdv, _, errno := unix.Syscall(sysIOUringSetup, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("%w: io_uring_setup: %v", ErrRingSetupFailed, errno)
	}
	fd := int(fdv)

	r := &ring{fd: fd, entries: p.SQEntries}
	if err := r.mmapAll(&p); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return r, nil
}

func (r *ring) mmapAll(p *ringParams) error {
	sqSize := int(p.SQOff.Array + p.SQEntries*4)
	sqMem, err := unix.Mmap(r.fd, offSQRing, sqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("%w: mmap sq ring: %v", ErrRingSetupFailed, err)
	}
	r.sqMem = sqMem

	if p.Features&featSingleMmap != 0 {
		r.cqMem = sqMem
	} else {
		cqSize := int(p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(cqe{})))
		cqMem, err := unix.Mmap(r.fd, offCQRing, cqSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			unix.Munmap(sqMem)
			return fmt.Errorf("%w: mmap cq ring: %v", ErrRingSetupFailed, err)
		}
		r.cqMem = cqMem
	}

	sqeSize := int(p.SQEntries * uint32(unsafe.Sizeof(sqe{})))
	sqesMem, err := unix.Mmap(r.fd, offSQEs, sqeSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		if len(r.cqMem) > 0 && &r.cqMem[0] != &r.sqMem[0] {
			unix.Munmap(r.cqMem)
		}
		unix.Munmap(sqMem)
		return fmt.Errorf("%w: mmap sqes: %v", ErrRingSetupFailed, err)
	}
	r.sqesMem = sqesMem

	sqBase := unsafe.Pointer(&sqMem[0])
	r.sqHead = (*uint32)(unsafe.Add(sqBase, p.SQOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(sqBase, p.SQOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(sqBase, p.SQOff.RingMask))
	r.sqArray = unsafe.Add(sqBase, p.SQOff.Array)

	cqBase := unsafe.Pointer(&r.cqMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, p.CQOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, p.CQOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, p.CQOff.RingMask))
	r.cqes = unsafe.Add(cqBase, p.CQOff.CQEs)

	r.sqes = unsafe.Pointer(&sqesMem[0])
	return nil
}

func (r *ring) close() {
	if len(r.sqesMem) > 0 {
		unix.Munmap(r.sqesMem)
	}
	if len(r.cqMem) > 0 && (len(r.sqMem) == 0 || &r.cqMem[0] != &r.sqMem[0]) {
		unix.Munmap(r.cqMem)
	}
	if len(r.sqMem) > 0 {
		unix.Munmap(r.sqMem)
	}
	unix.Close(r.fd)
}

// nextSQE returns the next free submission slot, or nil if the ring is
// full (the caller must submit() to drain it before more are available).
func (r *ring) nextSQE() *sqe {
	tail := atomic.LoadUint32(r.sqTail)
	head := atomic.LoadUint32(r.sqHead)
	if tail-head >= r.entries {
		return nil
	}
	idx := tail & r.sqMask
	e := (*sqe)(unsafe.Add(r.sqes, uintptr(idx)*unsafe.Sizeof(sqe{})))
	*e = sqe{}
	slot := tail & r.sqMask
	*(*uint32)(unsafe.Add(r.sqArray, uintptr(slot)*4)) = idx
	atomic.StoreUint32(r.sqTail, tail+1)
	r.pendingSub++
	return e
}

// submit enters the kernel, submitting all SQEs queued since the last
// call and optionally blocking for at least minComplete completions.
func (r *ring) submit(minComplete uint32, wait bool) (int, error) {
	toSubmit := r.pendingSub
	r.pendingSub = 0
	var flags uintptr
	if wait {
		flags = enterGetEvents
	}
	n, _, errno := syscall.Syscall6(sysIOUringEnter, uintptr(r.fd), uintptr(toSubmit), uintptr(minComplete), flags, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("io_uring_enter: %w", errno)
	}
	return int(n), nil
}

// forEachCQE drains all available completions, invoking fn for each, and
// advances the completion cursor by the number processed.
func (r *ring) forEachCQE(fn func(userData uint64, res int32, flags uint32)) int {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	n := 0
	for head != tail {
		idx := head & r.cqMask
		c := (*cqe)(unsafe.Add(r.cqes, uintptr(idx)*unsafe.Sizeof(cqe{})))
		fn(c.UserData, c.Res, c.Flags)
		head++
		n++
	}
	atomic.StoreUint32(r.cqHead, head)
	return n
}

// registerBuffersWith registers a bulk iovec set once at loop start.
func (r *ring) registerBuffersWith(iovecs []ioUringIovec) error {
	if len(iovecs) == 0 {
		return nil
	}
	_, _, errno := unix.Syscall6(sysIOUringRegister, uintptr(r.fd), registerBuffers,
		uintptr(unsafe.Pointer(&iovecs[0])), uintptr(len(iovecs)), 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_uring_register(BUFFERS): %w", errno)
	}
	return nil
}
