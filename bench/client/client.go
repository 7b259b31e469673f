//go:build linux

// File: bench/client/client.go
// Author: momentics <momentics@gmail.com>
//
// Connection-storm / echo load generator: opens many concurrent
// non-blocking sockets against an echo server, keeps each one in a
// send-receive cycle until the run deadline, and reports totals. It
// deliberately uses the plain epoll reactor rather than the ring engine:
// a benchmark client has no use for registered buffers or linked
// timeouts, and watching hundreds of dial/write/read events off one
// epoll instance is the cheapest way to generate load.

package client

import (
	"fmt"
	"net"
	"time"

	"github.com/momentics/ioring-server/internal/engine"
	"golang.org/x/sys/unix"
)

// Config is the load shape: how many connections, against what, for how
// long, echoing which payload.
type Config struct {
	Target   string
	Conns    int
	Duration time.Duration
	Payload  []byte
}

// Result is the aggregate outcome of one Run.
type Result struct {
	Dialed   int64
	Failed   int64
	Closed   int64
	Echoes   int64
	BytesOut int64
	BytesIn  int64
	Elapsed  time.Duration
}

type connState struct {
	fd        int
	connected bool
	dead      bool
	rcvd      int
}

// Run executes the configured load and blocks until the deadline passes.
func Run(cfg Config) (Result, error) {
	var res Result
	if cfg.Conns <= 0 || len(cfg.Payload) == 0 {
		return res, fmt.Errorf("bench: conns=%d payload=%d", cfg.Conns, len(cfg.Payload))
	}

	addr, err := net.ResolveTCPAddr("tcp4", cfg.Target)
	if err != nil {
		return res, fmt.Errorf("bench: resolve %q: %w", cfg.Target, err)
	}
	var sa unix.SockaddrInet4
	sa.Port = addr.Port
	copy(sa.Addr[:], addr.IP.To4())

	reactor, err := engine.NewEpollReactor()
	if err != nil {
		return res, err
	}
	defer reactor.Close()

	states := make([]connState, cfg.Conns)
	for i := range states {
		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			res.Failed++
			states[i].dead = true
			continue
		}
		if err := unix.Connect(fd, &sa); err != nil && err != unix.EINPROGRESS {
			unix.Close(fd)
			res.Failed++
			states[i].dead = true
			continue
		}
		states[i].fd = fd
		if err := reactor.Register(int32(fd), uintptr(i)); err != nil {
			unix.Close(fd)
			res.Failed++
			states[i].dead = true
		}
	}

	start := time.Now()
	deadline := start.Add(cfg.Duration)
	scratch := make([]byte, 64<<10)
	events := make([]engine.EpollEvent, 0, 1024)

	kill := func(st *connState) {
		if st.dead {
			return
		}
		reactor.Remove(int32(st.fd))
		unix.Close(st.fd)
		st.dead = true
		res.Closed++
	}

	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			break
		}
		timeoutMs := int(remain / time.Millisecond)
		if timeoutMs < 1 {
			timeoutMs = 1
		}
		events, err = reactor.Wait(events, timeoutMs)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			break
		}
		for _, ev := range events {
			i := int(ev.UserData)
			st := &states[i]
			if st.dead {
				continue
			}
			if ev.Writable && !st.connected {
				soerr, gerr := unix.GetsockoptInt(st.fd, unix.SOL_SOCKET, unix.SO_ERROR)
				if gerr != nil || soerr != 0 {
					res.Failed++
					kill(st)
					continue
				}
				st.connected = true
				res.Dialed++
				if n, werr := unix.Write(st.fd, cfg.Payload); werr == nil {
					res.BytesOut += int64(n)
				}
			}
			if ev.Readable && st.connected {
				drainEcho(st, scratch, cfg.Payload, &res, kill)
			}
		}
	}

	for i := range states {
		kill(&states[i])
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

// drainEcho reads until EAGAIN (the reactor is edge-triggered), counting
// completed echo round-trips and re-sending the payload after each one.
func drainEcho(st *connState, scratch, payload []byte, res *Result, kill func(*connState)) {
	for {
		n, err := unix.Read(st.fd, scratch)
		switch {
		case n > 0:
			res.BytesIn += int64(n)
			st.rcvd += n
			for st.rcvd >= len(payload) {
				st.rcvd -= len(payload)
				res.Echoes++
				if wn, werr := unix.Write(st.fd, payload); werr == nil {
					res.BytesOut += int64(wn)
				}
			}
		case n == 0:
			kill(st)
			return
		default:
			if err == unix.EAGAIN {
				return
			}
			kill(st)
			return
		}
	}
}
