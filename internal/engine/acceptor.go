//go:build linux

// File: internal/engine/acceptor.go
// Author: momentics <momentics@gmail.com>
//
// Acceptor: owns a non-blocking, CLOEXEC listening socket bound with
// SO_REUSEADDR (and SO_REUSEPORT when the server runs more than one
// worker loop),
// posts a continuous accept request on the main loop, and hands new file
// descriptors to the server facade for distribution across the loop pool.

package engine

import (
	"fmt"
	"log"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

const ecanceled = -125

// Acceptor owns the listening socket and its continuous accept request.
type Acceptor struct {
	loop     *Loop
	fd       int32
	ctx      IOContext
	sockaddr unix.RawSockaddrAny
	addrlen  uint32
	listen   bool

	onAccept func(fd int32, peer net.Addr)
}

// newAcceptor binds and listens on ip:port on the main loop's ring.
func newAcceptor(main *Loop, ip string, port int, backlog int, reusePort bool) (*Acceptor, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("engine: acceptor socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("engine: acceptor SO_REUSEADDR: %w", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("engine: acceptor SO_REUSEPORT: %w", err)
		}
	}

	addr := &unix.SockaddrInet4{Port: port}
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: server.ip %q", ErrInvalidConfig, ip)
	}
	copy(addr.Addr[:], parsed)

	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("engine: acceptor bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("engine: acceptor listen: %w", err)
	}

	a := &Acceptor{loop: main, fd: int32(fd), listen: true}
	a.ctx.Op = opKindAccept
	a.ctx.Fd = a.fd
	a.ctx.userData = ctxUserData(&a.ctx)
	a.ctx.armCallback(a.onCompletion)
	return a, nil
}

// Start posts the first accept request. The post is marshalled onto the
// main loop's goroutine, which owns the ring.
func (a *Acceptor) Start() {
	a.loop.queueTask(a.postAccept)
}

// Stop disables re-posting; the in-flight accept will complete with
// -ECANCELED once the listening fd is closed by Server.Shutdown.
func (a *Acceptor) Stop() {
	a.listen = false
}

func (a *Acceptor) postAccept() {
	a.addrlen = uint32(unsafe.Sizeof(a.sockaddr))
	if !a.loop.submitAccept(&a.ctx, a.fd, &a.sockaddr, &a.addrlen) {
		log.Printf("engine: acceptor: %v", ErrSubmissionFull)
	}
}

func (a *Acceptor) onCompletion(ctx *IOContext) {
	res := ctx.Result
	switch {
	case res >= 0:
		peer := sockaddrAnyToNetAddr(&a.sockaddr)
		if a.onAccept != nil {
			a.onAccept(int32(res), peer)
		}
	case res == ecanceled:
		// expected once Shutdown closes the listening fd
	default:
		log.Printf("engine: acceptor: accept failed: %d", res)
	}
	if a.listen {
		a.postAccept()
	}
}

func (a *Acceptor) close() {
	unix.Close(int(a.fd))
}

// Addr reports the bound listening endpoint, resolving a port-0 bind to
// the kernel-assigned port.
func (a *Acceptor) Addr() net.Addr {
	return localAddrOf(a.fd)
}

// localAddrOf resolves the local endpoint of an accepted socket, for the
// connection record's local-address field.
func localAddrOf(fd int32) net.Addr {
	sa, err := unix.Getsockname(int(fd))
	if err != nil {
		return nil
	}
	if in, ok := sa.(*unix.SockaddrInet4); ok {
		return &net.TCPAddr{IP: net.IPv4(in.Addr[0], in.Addr[1], in.Addr[2], in.Addr[3]), Port: in.Port}
	}
	return nil
}

func sockaddrAnyToNetAddr(sa *unix.RawSockaddrAny) net.Addr {
	if sa.Addr.Family != unix.AF_INET {
		return nil
	}
	in := (*unix.RawSockaddrInet4)(unsafe.Pointer(sa))
	ip := net.IPv4(in.Addr[0], in.Addr[1], in.Addr[2], in.Addr[3])
	port := int(in.Port>>8) | int(in.Port&0xff)<<8
	return &net.TCPAddr{IP: ip, Port: port}
}
