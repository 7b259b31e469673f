// File: internal/engine/connection.go
// Author: momentics <momentics@gmail.com>
//
// Connection: per-connection state, read/write primitives, timeouts,
// and close sequencing. A Connection is bound to the worker
// loop that accepted it for its entire lifetime; every field access below
// must happen on that loop's goroutine except the atomic state and the
// close latch, which force_close is allowed to touch from any thread.

package engine

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// ConnState is the connection's lifecycle state, stored atomically so
// ForceClose can inspect and transition it from any thread.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// WriteStrategy selects the back-pressure behavior on writes.
type WriteStrategy int

const (
	// WriteOrdinary stores the resumption handle directly and submits.
	WriteOrdinary WriteStrategy = iota
	// WriteBlock suspends the caller until the egress buffer drains
	// to or below its low mark once the high mark has been reached.
	WriteBlock
)

// pendingSend is one queued payload awaiting the write slot, used by
// Connection.Send when a write is already in flight.
type pendingSend struct {
	payload []byte
	done    chan int32
}

// Connection is the per-connection record.
type Connection struct {
	name string
	loop *Loop
	fd   int32

	state      atomic.Int32
	closeLatch atomic.Bool

	// readBusy/writeBusy enforce the at-most-one-read and one-write
	// in flight per connection rule, checked before any submission.
	readBusy  atomic.Bool
	writeBusy atomic.Bool

	readCtx  IOContext
	writeCtx IOContext

	// weak is the owner reference wired into every context this
	// connection submits, consulted by the loop before dispatch.
	weak *connWeakRef

	readTimeout time.Duration

	// current-read-buffer triple: buf is either the leased fixed region
	// or a caller-supplied slice; bufIdx is the fixed-buffer index, or -1.
	curReadBuf    []byte
	curReadBufIdx int32

	egress        *Egress
	writeStrategy WriteStrategy
	highMark      int
	lowMark       int
	writeInFlight bool
	sendMu        sync.Mutex

	// blockedWrite is the result channel of a Block-strategy write while
	// one is suspended. It lives on the connection, not in a closure, so
	// reset can deliver a terminal value to the waiting routine during
	// teardown. Loop-thread-owned: set and cleared only on the owning
	// loop's goroutine.
	blockedWrite chan int32
	// pending holds queued Send payloads while writeInFlight is true,
	// draining in arrival order as each write completes.
	pending *queue.Queue

	peerAddr  net.Addr
	localAddr net.Addr

	onConnection func(*Connection)
	onClose      func(*Connection)
}

func newConnection(loop *Loop, fd int32, peer, local net.Addr, name string) *Connection {
	c := &Connection{
		name:          name,
		loop:          loop,
		fd:            fd,
		curReadBufIdx: -1,
		egress:        newEgress(),
		writeStrategy: WriteOrdinary,
		highMark:      1 << 20,
		lowMark:       1 << 18,
		pending:       queue.New(),
	}
	c.peerAddr = peer
	c.localAddr = local
	c.readCtx.BufIdx = -1
	c.writeCtx.BufIdx = -1
	c.state.Store(int32(StateConnecting))
	return c
}

func (c *Connection) Name() string       { return c.name }
func (c *Connection) PeerAddr() net.Addr { return c.peerAddr }
func (c *Connection) LocalAddr() net.Addr {
	return c.localAddr
}
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// SetConnectionCallback and SetCloseCallback wire the server-facade
// callbacks before connect_established is queued.
func (c *Connection) SetConnectionCallback(fn func(*Connection)) { c.onConnection = fn }
func (c *Connection) SetCloseCallback(fn func(*Connection))      { c.onClose = fn }
func (c *Connection) SetReadTimeout(d time.Duration)             { c.readTimeout = d }
func (c *Connection) SetWriteStrategy(s WriteStrategy)           { c.writeStrategy = s }
func (c *Connection) SetEgressWatermarks(low, high int) {
	c.lowMark, c.highMark = low, high
}

// connectEstablished transitions Connecting -> Connected, wires the weak
// owner reference into the read/write I/O contexts (timeout contexts are
// ephemeral and wired per submission), and invokes the user connection
// callback. Must run on the owning loop.
func (c *Connection) connectEstablished() {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected)) {
		return
	}
	c.weak = &connWeakRef{conn: c}
	c.readCtx.owner = c.weak
	c.writeCtx.owner = c.weak
	// The contexts are embedded and the Connection is heap-pinned, so
	// their addresses are stable for the kernel's user_data.
	c.readCtx.userData = ctxUserData(&c.readCtx)
	c.writeCtx.userData = ctxUserData(&c.writeCtx)
	c.readCtx.Fd = c.fd
	c.writeCtx.Fd = c.fd
	if c.onConnection != nil {
		c.onConnection(c)
	}
}

// Shutdown half-closes the write side (Connected -> Disconnecting).
func (c *Connection) Shutdown() {
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) {
		unix.Shutdown(int(c.fd), unix.SHUT_WR)
	}
}

// ForceClose is idempotent and safe from any thread. A connection that
// is already Disconnecting (e.g. after Shutdown's half-close) still gets
// handle_close enqueued; the close latch keeps the user callback and the
// destroy sequence single-shot regardless of how many callers race here.
func (c *Connection) ForceClose() {
	s := c.State()
	if s == StateDisconnected {
		return
	}
	if c.state.CompareAndSwap(int32(StateConnected), int32(StateDisconnecting)) ||
		c.state.CompareAndSwap(int32(StateConnecting), int32(StateDisconnecting)) ||
		s == StateDisconnecting {
		c.loop.queueTask(c.handleClose)
	}
}

// handleClose is guarded by a one-shot latch so the user close callback
// runs at most once per connection.
func (c *Connection) handleClose() {
	if !c.closeLatch.CompareAndSwap(false, true) {
		return
	}
	if c.onClose != nil {
		c.onClose(c)
	}
	c.loop.queueTask(c.connectDestroyed)
}

// connectDestroyed closes the fd; outstanding kernel ops complete with
// cancelled/bad-fd results that the loop's owner check swallows.
func (c *Connection) connectDestroyed() {
	c.reset()
	c.state.Store(int32(StateDisconnected))
	unix.Close(int(c.fd))
}

// reset returns the fixed-buffer lease if any, wakes any routine still
// suspended on an op (it observes a cancelled result and treats it as
// terminal), clears offsets, callbacks and handles. Runs on the owning
// loop, so the free-stack pushes are direct.
func (c *Connection) reset() {
	if c.curReadBufIdx >= 0 {
		c.loop.releaseBuffer(c.curReadBufIdx)
		c.curReadBufIdx = -1
	}
	if c.readCtx.BufIdx >= 0 {
		c.loop.releaseBuffer(c.readCtx.BufIdx)
		c.readCtx.BufIdx = -1
	}
	c.curReadBuf = nil
	if ch := c.readCtx.resume; ch != nil {
		ch <- ecanceled
	}
	if ch := c.writeCtx.resume; ch != nil {
		ch <- ecanceled
	}
	if ch := c.blockedWrite; ch != nil {
		c.blockedWrite = nil
		ch <- ecanceled
	}
	c.readCtx.resetForReuse()
	c.writeCtx.resetForReuse()
	c.egress.Reset()

	c.sendMu.Lock()
	c.writeInFlight = false
	for c.pending.Length() > 0 {
		p := c.pending.Remove().(pendingSend)
		p.done <- 0
	}
	c.sendMu.Unlock()
}

// DataFromBuffer returns the current-read-buffer triple's slice, valid
// until ReleaseCurrentReadBuffer or the next read submission.
func (c *Connection) DataFromBuffer() []byte {
	return c.curReadBuf
}

func (c *Connection) EgressBuffer() *Egress { return c.egress }
