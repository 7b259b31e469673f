//go:build linux

// File: internal/engine/fallback_epoll.go
// Author: momentics <momentics@gmail.com>
//
// EpollReactor is a plain epoll(7) multiplexer. The engine's own Loop
// never uses it; Loop always drives a kernel ring. EpollReactor exists
// for bench/client, which keeps many sockets in an echo cycle for a
// load test and has no use for registered buffers or
// linked timeouts. A raw epoll wait watches hundreds of dial/write/read
// events without pulling the whole ring machinery into a benchmark
// client.

package engine

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// EpollEvent is a minimal readiness notification: which fd became ready
// and for which of read/write.
type EpollEvent struct {
	Fd       int32
	UserData uintptr
	Readable bool
	Writable bool
}

// EpollReactor wraps one epoll instance.
type EpollReactor struct {
	epfd int
}

func NewEpollReactor() (*EpollReactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EpollReactor{epfd: epfd}, nil
}

// Register starts watching fd for read/write readiness, edge-triggered,
// tagging the registration with an opaque udata value returned in Wait.
func (r *EpollReactor) Register(fd int32, udata uintptr) error {
	ev := &unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLET}
	*(*uintptr)(unsafe.Pointer(&ev.Pad)) = udata
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, int(fd), ev)
}

// Remove stops watching fd.
func (r *EpollReactor) Remove(fd int32) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, int(fd), nil)
}

// Wait blocks up to timeoutMs (-1 for indefinitely) and returns the ready
// events, reusing the caller-supplied slice's capacity.
func (r *EpollReactor) Wait(out []EpollEvent, timeoutMs int) ([]EpollEvent, error) {
	raw := make([]unix.EpollEvent, cap(out))
	if len(raw) == 0 {
		raw = make([]unix.EpollEvent, 256)
	}
	n, err := unix.EpollWait(r.epfd, raw, timeoutMs)
	if err != nil {
		return nil, err
	}
	out = out[:0]
	for i := 0; i < n; i++ {
		out = append(out, EpollEvent{
			UserData: *(*uintptr)(unsafe.Pointer(&raw[i].Pad)),
			Readable: raw[i].Events&unix.EPOLLIN != 0,
			Writable: raw[i].Events&unix.EPOLLOUT != 0,
		})
	}
	return out, nil
}

func (r *EpollReactor) Close() error {
	return unix.Close(r.epfd)
}
