//go:build linux

// File: internal/engine/submit.go
// Author: momentics <momentics@gmail.com>
//
// Per-op submission helpers used by Connection's read/write primitives
// (suspend.go) and the Acceptor. Each fills one SQE and stamps the
// context's address as user_data; actual io_uring_enter batching happens
// once per main-loop iteration in Loop.run.

package engine

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// kernelTimespec matches struct __kernel_timespec, the payload a
// LINK_TIMEOUT sqe's Addr must point to.
type kernelTimespec struct {
	Sec  int64
	Nsec int64
}

func (l *Loop) submitReadFixed(ctx *IOContext, fd int32, bufIdx int32, length uint32, linked bool) bool {
	e := l.r.nextSQE()
	if e == nil {
		return false
	}
	e.Opcode = opReadFixed
	e.Fd = fd
	e.Addr = uint64(uintptr(unsafe.Pointer(&l.bufferBytes(bufIdx)[0])))
	e.Len = length
	e.BufIndex = uint16(bufIdx)
	e.UserData = ctx.userData
	if linked {
		e.Flags |= sqeIOLink
	}
	return true
}

func (l *Loop) submitRead(ctx *IOContext, fd int32, buf []byte, linked bool) bool {
	e := l.r.nextSQE()
	if e == nil {
		return false
	}
	e.Opcode = opRead
	e.Fd = fd
	if len(buf) > 0 {
		e.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	e.Len = uint32(len(buf))
	e.UserData = ctx.userData
	if linked {
		e.Flags |= sqeIOLink
	}
	return true
}

func (l *Loop) submitWriteFixed(ctx *IOContext, fd int32, bufIdx int32, base []byte) bool {
	e := l.r.nextSQE()
	if e == nil {
		return false
	}
	e.Opcode = opWriteFixed
	e.Fd = fd
	if len(base) > 0 {
		e.Addr = uint64(uintptr(unsafe.Pointer(&base[0])))
	}
	e.Len = uint32(len(base))
	e.BufIndex = uint16(bufIdx)
	e.UserData = ctx.userData
	return true
}

func (l *Loop) submitWrite(ctx *IOContext, fd int32, buf []byte) bool {
	e := l.r.nextSQE()
	if e == nil {
		return false
	}
	e.Opcode = opWrite
	e.Fd = fd
	if len(buf) > 0 {
		e.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	}
	e.Len = uint32(len(buf))
	e.UserData = ctx.userData
	return true
}

// submitLinkTimeout posts the IORING_OP_LINK_TIMEOUT entry that must
// immediately follow an IOSQE_IO_LINK-flagged read. The
// timespec lives inside the context itself: the kernel reads it through
// a raw address, so it must stay pinned exactly as long as the context.
func (l *Loop) submitLinkTimeout(ctx *IOContext, d time.Duration) bool {
	e := l.r.nextSQE()
	if e == nil {
		return false
	}
	ctx.ts = kernelTimespec{Sec: int64(d / time.Second), Nsec: int64(d % time.Second)}
	e.Opcode = opLinkTimeout
	e.Fd = -1
	e.Addr = uint64(uintptr(unsafe.Pointer(&ctx.ts)))
	e.Len = 1
	e.UserData = ctx.userData
	return true
}

// submitAccept posts an accept request. sa/salen are reused across
// every re-post as the acceptor's peer-address buffer.
func (l *Loop) submitAccept(ctx *IOContext, listenFd int32, sa *unix.RawSockaddrAny, salen *uint32) bool {
	e := l.r.nextSQE()
	if e == nil {
		return false
	}
	e.Opcode = opAccept
	e.Fd = listenFd
	e.Addr = uint64(uintptr(unsafe.Pointer(sa)))
	e.Off = uint64(uintptr(unsafe.Pointer(salen)))
	e.OpcodeFlags = unix.SOCK_CLOEXEC | unix.SOCK_NONBLOCK
	e.UserData = ctx.userData
	return true
}
