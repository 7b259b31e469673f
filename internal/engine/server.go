//go:build linux

// File: internal/engine/server.go
// Author: momentics <momentics@gmail.com>
//
// Server: wires the acceptor, the loop pool, and the connection table;
// owns connection naming and the internal close callback that erases a
// connection from the table.

package engine

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/momentics/ioring-server/control"
	"golang.org/x/sys/unix"
)

// Server is the library API's entry point: construct, configure, Start,
// and Shutdown.
type Server struct {
	cfg ResolvedConfig

	mainLoop *Loop
	pool     *LoopPool
	acceptor *Acceptor

	mu     sync.Mutex
	table  map[string]*Connection
	nextID atomic.Uint64

	onConnection func(*Connection)
	onClose      func(*Connection)

	started atomic.Bool
}

// NewServer constructs a Server from a resolved configuration. It does
// not open any sockets until Start is called.
func NewServer(cfg ResolvedConfig) *Server {
	return &Server{cfg: cfg, table: make(map[string]*Connection)}
}

// SetConnectionCallback registers the user's on_connection handler,
// invoked once per connection after connect_established. This is the
// boundary a protocol handler (wsproto, demo/echo) hooks into.
func (s *Server) SetConnectionCallback(fn func(*Connection)) {
	s.onConnection = fn
}

// Start opens the listening socket, starts the worker loop pool and the
// main loop, and begins accepting connections. It returns once the
// acceptor's first accept request has been queued to the main loop; it
// does not block for the server's lifetime (block on your own signal
// and then call Shutdown).
func (s *Server) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyListening
	}

	main, err := newLoop(0, s.cfg)
	if err != nil {
		return err
	}
	s.mainLoop = main
	go main.run(0)
	<-main.started

	pool, err := newLoopPool(main, s.cfg.ThreadNum, s.cfg, 1)
	if err != nil {
		main.quitLoop()
		return err
	}
	s.pool = pool

	acc, err := newAcceptor(main, s.cfg.ServerIP, s.cfg.ServerPort, s.cfg.Backlog, s.cfg.ThreadNum > 1)
	if err != nil {
		pool.closeAll()
		main.quitLoop()
		return err
	}
	acc.onAccept = s.handleNewConnection
	s.acceptor = acc
	acc.Start()

	log.Printf("engine: server %q listening on %s:%d", s.cfg.ServerName, s.cfg.ServerIP, s.cfg.ServerPort)
	return nil
}

// handleNewConnection selects a worker loop via the pool's round-robin
// and queues connection construction there.
func (s *Server) handleNewConnection(fd int32, peer net.Addr) {
	loop := s.pool.nextLoop()
	id := s.nextID.Add(1)
	name := fmt.Sprintf("%s-%v#%d", s.cfg.ServerName, peer, id)

	local := localAddrOf(fd)
	queued := loop.queueTask(func() {
		conn := newConnection(loop, fd, peer, local, name)
		conn.SetConnectionCallback(s.onConnection)
		conn.SetCloseCallback(s.onConnectionClosed)
		conn.SetReadTimeout(s.cfg.ReadTimeout)

		s.mu.Lock()
		s.table[name] = conn
		s.mu.Unlock()

		conn.connectEstablished()
	})
	if !queued {
		// The worker's task ring rejected the hand-off; the fd has no
		// owner yet, so close it here rather than leak it.
		unix.Close(int(fd))
	}
}

// SetCloseCallback registers the user's close handler, invoked at most
// once per connection, ahead of table erasure.
func (s *Server) SetCloseCallback(fn func(*Connection)) {
	s.onClose = fn
}

// onConnectionClosed is the internal close callback: it runs the user
// close handler, then schedules table erasure on the main loop.
// connect_destroyed on the owning loop is already queued by
// Connection.handleClose itself.
func (s *Server) onConnectionClosed(conn *Connection) {
	if s.onClose != nil {
		s.onClose(conn)
	}
	s.mainLoop.queueTask(func() {
		s.mu.Lock()
		delete(s.table, conn.Name())
		s.mu.Unlock()
	})
}

// ListenAddr reports the bound listening endpoint once Start has
// succeeded; a port-0 bind resolves to the kernel-assigned port.
func (s *Server) ListenAddr() net.Addr {
	if s.acceptor == nil {
		return nil
	}
	return s.acceptor.Addr()
}

// Lookup returns a live connection by name, for diagnostics/tests.
func (s *Server) Lookup(name string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.table[name]
	return c, ok
}

// ConnectionCount returns the current table size.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table)
}

// RegisterMetrics wires per-loop stats into a control.MetricsRegistry
// and control.DebugProbes.
func (s *Server) RegisterMetrics(mr *control.MetricsRegistry, dp *control.DebugProbes) {
	dp.RegisterProbe("engine.connections", func() any { return s.ConnectionCount() })
	dp.RegisterProbe("engine.loops", func() any { return s.pool.Stats() })
	mr.Set("engine.loops.count", len(s.pool.loops))
}

// Shutdown drains gracefully: close the listening fd first (so the
// acceptor's in-flight accept completes with -ECANCELED and is silently
// dropped), force-close every
// connection still in the table, wait for the table to drain (the worker
// loops must keep running to process the close sequence), then quit every
// loop. If ctx expires before the table drains, loops are quit anyway and
// the context error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.acceptor != nil {
		s.acceptor.Stop()
		s.acceptor.close()
	}
	s.forceCloseAll()

	var err error
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
drain:
	for s.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break drain
		case <-ticker.C:
		}
	}

	for _, l := range s.pool.loops {
		if l != s.mainLoop {
			l.quitLoop()
		}
	}
	s.mainLoop.quitLoop()
	return err
}

func (s *Server) forceCloseAll() {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.table))
	for _, c := range s.table {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.ForceClose()
	}
}
