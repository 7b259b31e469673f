// File: internal/engine/ioctx.go
// Author: momentics <momentics@gmail.com>
//
// IOContext is the descriptor for one in-flight kernel op: it is embedded
// by value in its owner (a Connection's read/write slots, the Acceptor's
// accept slot, or a Loop's wakeup slot), or, for linked-timeout ops, drawn
// from the loop's ctxPool, and must never be moved while the kernel ring
// still references its address as user_data.

package engine

// opKind enumerates the operation kinds a submitted IOContext can represent.
type opKind uint8

const (
	opKindNone opKind = iota
	opKindRead
	opKindReadFixed
	opKindWrite
	opKindWriteFixed
	opKindAccept
	opKindConnect
	opKindLinkTimeout
	opKindWakeup
)

// IOContext is the descriptor bound to one submission/completion pair. The
// resume channel is this repository's stand-in for a coroutine resumption
// handle (Go has no coroutine handle reachable from a completion loop):
// a suspended caller blocks on <-resume and the loop's completion dispatch
// sends the signed result into it.
type IOContext struct {
	Op     opKind
	Fd     int32
	Result int32

	// resume is non-nil when a routine is suspended awaiting this op's
	// completion. It has capacity 1 so the loop's send never blocks.
	resume chan int32

	// callback is invoked instead of resume when the op is driven by a
	// direct callback (accept, timeout, and the Block write
	// strategy's re-entrant completion handler).
	callback func(ctx *IOContext)

	// owner is a weak reference: non-nil only once a connection has been
	// wired in; an expired target makes a late completion a no-op.
	owner *connWeakRef

	// BufIdx is the registered-buffer index this op references, or -1.
	BufIdx int32

	// userData is the value stamped into the kernel SQE/CQE for this
	// context: its own address, which the loop converts straight back to
	// the context pointer on completion (ctxFromUserData).
	userData uint64

	// ts is the __kernel_timespec payload a LinkTimeout submission points
	// the kernel at; it sits inside the context so it stays pinned for
	// exactly as long as the op can reference it.
	ts kernelTimespec
}

// resetForReuse clears an IOContext's per-op fields so the slot can carry
// its next op. Op kind, fd and owner are caller-managed and
// intentionally left untouched by a bare reset when the caller wants to
// resubmit on the same connection slot.
func (c *IOContext) resetForReuse() {
	c.Result = 0
	c.resume = nil
	c.callback = nil
	c.BufIdx = -1
}

// armResume installs a fresh resumption channel and returns it; the caller
// blocks on the returned channel immediately after submission.
func (c *IOContext) armResume() chan int32 {
	ch := make(chan int32, 1)
	c.resume = ch
	c.callback = nil
	return ch
}

// armCallback installs a direct callback in place of a resumption handle.
func (c *IOContext) armCallback(fn func(ctx *IOContext)) {
	c.callback = fn
	c.resume = nil
}

// deliver is called by the loop's completion dispatch with the owner
// liveness already checked. It stores the result and resumes exactly one
// of {resume, callback}.
func (c *IOContext) deliver(result int32) {
	c.Result = result
	switch {
	case c.resume != nil:
		ch := c.resume
		c.resume = nil
		ch <- result
	case c.callback != nil:
		fn := c.callback
		fn(c)
	}
}

// connWeakRef is a weak reference to a Connection: it observes the
// connection's own atomic state rather than holding a strong pointer that
// would keep it alive (the GC already reclaims the Connection
// once the table and any running routine drop their strong references;
// this wrapper exists only to answer "has this connection already been
// torn down" for a completion that arrives after destruction).
type connWeakRef struct {
	conn *Connection
}

// live reports whether the referenced connection is still usable, i.e.
// has not completed its transition to Disconnected.
func (w *connWeakRef) live() bool {
	if w == nil || w.conn == nil {
		return true // no owner wired yet (e.g. acceptor, wakeup context)
	}
	return w.conn.State() != StateDisconnected
}
