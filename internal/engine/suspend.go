//go:build linux

// File: internal/engine/suspend.go
// Author: momentics <momentics@gmail.com>
//
// Suspendable read/write primitives: the public contract consumed by
// user routines. Each primitive marshals its op submission onto the
// owning loop's goroutine (the ring and the fixed-buffer free stack are
// loop-private), then blocks the calling goroutine on the IOContext's
// resumption channel until the loop's completion dispatch delivers a
// result.

package engine

import "log"

// Read requests up to n bytes, preferring a fixed-buffer lease and
// falling back to a fresh heap buffer when the pool is exhausted. On a
// positive result
// the connection's current-read-buffer triple (DataFromBuffer) is valid
// until the caller calls ReleaseCurrentReadBuffer; on <= 0 it is already
// cleared. At most one read may be in flight per connection; a second
// concurrent Read fails with ErrOpInFlight.
func (c *Connection) Read(n int) (int32, error) {
	if c.State() != StateConnected {
		return 0, ErrConnectionClosed
	}
	if !c.readBusy.CompareAndSwap(false, true) {
		return 0, ErrOpInFlight
	}
	defer c.readBusy.Store(false)

	ctx := &c.readCtx
	linked := c.readTimeout > 0
	ch := ctx.armResume()

	var idx int32 = -1
	var buf []byte
	ok := c.loop.submitInLoop(func() bool {
		idx = c.loop.leaseBuffer()
		if idx >= 0 {
			full := c.loop.bufferBytes(idx)
			m := n
			if m > len(full) {
				m = len(full)
			}
			buf = full[:m]
			ctx.Op = opKindReadFixed
			ctx.BufIdx = idx
			if !c.loop.submitReadFixed(ctx, c.fd, idx, uint32(m), linked) {
				c.loop.releaseBuffer(idx)
				idx = -1
				return false
			}
		} else {
			buf = make([]byte, n)
			ctx.Op = opKindRead
			ctx.BufIdx = -1
			if !c.loop.submitRead(ctx, c.fd, buf, linked) {
				return false
			}
		}
		if linked {
			c.armReadTimeout()
		}
		return true
	})
	if !ok {
		ctx.resetForReuse()
		log.Printf("engine: %s: %v", c.name, ErrSubmissionFull)
		return 0, ErrSubmissionFull
	}

	res := <-ch
	return c.afterRead(res, idx, buf), nil
}

// ReadInto reads into a caller-supplied backing region, so no
// fixed-buffer index is ever leased.
func (c *Connection) ReadInto(buf []byte) (int32, error) {
	if c.State() != StateConnected {
		return 0, ErrConnectionClosed
	}
	if !c.readBusy.CompareAndSwap(false, true) {
		return 0, ErrOpInFlight
	}
	defer c.readBusy.Store(false)

	ctx := &c.readCtx
	linked := c.readTimeout > 0
	ch := ctx.armResume()
	ok := c.loop.submitInLoop(func() bool {
		ctx.Op = opKindRead
		ctx.BufIdx = -1
		if !c.loop.submitRead(ctx, c.fd, buf, linked) {
			return false
		}
		if linked {
			c.armReadTimeout()
		}
		return true
	})
	if !ok {
		ctx.resetForReuse()
		log.Printf("engine: %s: %v", c.name, ErrSubmissionFull)
		return 0, ErrSubmissionFull
	}
	res := <-ch
	return c.afterRead(res, -1, buf), nil
}

// afterRead installs or clears the current-read-buffer triple. On a
// non-positive result the fixed-buffer lease (if any) is returned to the
// owning loop's free stack immediately, which is what makes a later
// ReleaseCurrentReadBuffer a no-op (the fixed-buffer idempotence law).
func (c *Connection) afterRead(res int32, idx int32, buf []byte) int32 {
	if res > 0 {
		c.curReadBuf = buf[:res]
		c.curReadBufIdx = idx
	} else {
		if idx >= 0 {
			c.loop.queueTask(func() { c.loop.releaseBuffer(idx) })
		}
		c.curReadBuf = nil
		c.curReadBufIdx = -1
	}
	c.readCtx.BufIdx = -1
	return res
}

// armReadTimeout submits the linked IORING_OP_LINK_TIMEOUT entry that
// must immediately follow the just-submitted, IOSQE_IO_LINK-flagged
// read; it runs on the loop goroutine so the two SQEs are adjacent.
// The timeout context is an ephemeral per-op structure drawn from the
// loop's slab pool and returned once its completion is seen. Its
// callback closes the connection iff the result is not "cancelled" and
// the connection is still connected.
func (c *Connection) armReadTimeout() {
	tctx := c.loop.ctxPool.get()
	tctx.Op = opKindLinkTimeout
	tctx.owner = c.weak
	tctx.userData = ctxUserData(tctx)
	tctx.armCallback(func(ctx *IOContext) {
		if ctx.Result != ecanceled && c.State() == StateConnected {
			c.ForceClose()
		}
		c.loop.ctxPool.put(ctx)
	})
	if !c.loop.submitLinkTimeout(tctx, c.readTimeout) {
		log.Printf("engine: %s: %v", c.name, ErrSubmissionFull)
		c.loop.ctxPool.put(tctx)
	}
}

// Write submits egress.Readable(). Under WriteBlock, once the high mark
// is reached the routine stays suspended across multiple completions
// until the buffer drains to the low mark. At most one write may be in
// flight per connection.
func (c *Connection) Write() (int32, error) {
	if c.State() != StateConnected {
		return 0, ErrConnectionClosed
	}
	if !c.writeBusy.CompareAndSwap(false, true) {
		return 0, ErrOpInFlight
	}
	defer c.writeBusy.Store(false)
	return c.writeLocked()
}

func (c *Connection) writeLocked() (int32, error) {
	ctx := &c.writeCtx
	readable := c.egress.Readable()
	if len(readable) == 0 {
		return 0, nil
	}

	if c.writeStrategy == WriteBlock && len(readable) >= c.highMark {
		return c.writeBlocked()
	}

	ch := ctx.armResume()
	if !c.loop.submitInLoop(func() bool {
		ctx.Op = opKindWrite
		return c.loop.submitWrite(ctx, c.fd, c.egress.Readable())
	}) {
		ctx.resetForReuse()
		log.Printf("engine: %s: %v", c.name, ErrSubmissionFull)
		return 0, ErrSubmissionFull
	}
	res := <-ch
	if res > 0 {
		c.egress.Advance(int(res))
	}
	return res, nil
}

// writeBlocked implements the Block back-pressure strategy: a
// re-entrant completion callback accumulates bytes written and resubmits
// until either the op fails or the buffer drains to the low mark, at
// which point the accumulated total is delivered on resultCh. The
// resubmissions happen inside the callback, already on the loop
// goroutine, so they hit the ring directly. resultCh is registered as
// c.blockedWrite for the suspension's duration, so a teardown that runs
// while the routine is blocked can still deliver a terminal value
// through reset instead of stranding the goroutine.
func (c *Connection) writeBlocked() (int32, error) {
	ctx := &c.writeCtx
	resultCh := make(chan int32, 1)
	var total int32

	var onDone func(ctx *IOContext)
	onDone = func(ctx *IOContext) {
		res := ctx.Result
		if res > 0 {
			c.egress.Advance(int(res))
			total += res
			if c.egress.ReadableLen() <= c.lowMark {
				c.blockedWrite = nil
				resultCh <- total
				return
			}
			ctx.callback = onDone
			if c.loop.submitWrite(ctx, c.fd, c.egress.Readable()) {
				return
			}
			log.Printf("engine: %s: %v", c.name, ErrSubmissionFull)
		}
		c.blockedWrite = nil
		resultCh <- total
	}
	ctx.armCallback(onDone)
	if !c.loop.submitInLoop(func() bool {
		ctx.Op = opKindWrite
		if !c.loop.submitWrite(ctx, c.fd, c.egress.Readable()) {
			return false
		}
		c.blockedWrite = resultCh
		return true
	}) {
		ctx.resetForReuse()
		log.Printf("engine: %s: %v", c.name, ErrSubmissionFull)
		return 0, ErrSubmissionFull
	}
	res := <-resultCh
	// Cleared here, at resume, never inside the running callback
	// closure: deleting the callback from within its own invocation
	// would free the executing closure.
	ctx.resetForReuse()
	return res, nil
}

// WriteFixed is the zero-copy write path: it sends len(base) bytes
// directly from a pre-registered region. The index remains owned by the
// caller until ReleaseCurrentReadBuffer is called.
func (c *Connection) WriteFixed(idx int32, base []byte) (int32, error) {
	if c.State() != StateConnected {
		return 0, ErrConnectionClosed
	}
	if !c.writeBusy.CompareAndSwap(false, true) {
		return 0, ErrOpInFlight
	}
	defer c.writeBusy.Store(false)

	ctx := &c.writeCtx
	ch := ctx.armResume()
	if !c.loop.submitInLoop(func() bool {
		ctx.Op = opKindWriteFixed
		return c.loop.submitWriteFixed(ctx, c.fd, idx, base)
	}) {
		ctx.resetForReuse()
		log.Printf("engine: %s: %v", c.name, ErrSubmissionFull)
		return 0, ErrSubmissionFull
	}
	res := <-ch
	return res, nil
}

// Send appends bytes to the egress buffer and writes them out. If a send
// is already draining on this connection (from a concurrent caller), the
// payload is queued on pending and written in arrival order as each
// prior write completes, rather than racing the write context directly.
func (c *Connection) Send(payload []byte) (int32, error) {
	c.sendMu.Lock()
	if c.writeInFlight {
		done := make(chan int32, 1)
		c.pending.Add(pendingSend{payload: payload, done: done})
		c.sendMu.Unlock()
		return <-done, nil
	}
	c.writeInFlight = true
	c.egress.Append(payload)
	c.sendMu.Unlock()

	res, err := c.Write()
	c.drainPending()
	return res, err
}

// drainPending writes every payload queued while writeInFlight was true,
// in arrival order, clearing writeInFlight once the queue empties.
func (c *Connection) drainPending() {
	for {
		c.sendMu.Lock()
		if c.pending.Length() == 0 {
			c.writeInFlight = false
			c.sendMu.Unlock()
			return
		}
		next := c.pending.Remove().(pendingSend)
		c.egress.Append(next.payload)
		c.sendMu.Unlock()

		res, err := c.Write()
		if err != nil {
			res = 0
		}
		next.done <- res
	}
}

// SendZeroCopy writes the connection's current leased read buffer back
// out via WriteFixed, reusing the lease instead of copying through the
// egress buffer. When the current read landed in a heap buffer (no
// fixed-buffer lease held) it falls back to an ordinary Send of that
// data; with no current read data it writes whatever egress holds.
func (c *Connection) SendZeroCopy() (int32, error) {
	if c.curReadBufIdx < 0 || c.curReadBuf == nil {
		if len(c.curReadBuf) > 0 {
			return c.Send(c.curReadBuf)
		}
		return c.Write()
	}
	return c.WriteFixed(c.curReadBufIdx, c.curReadBuf)
}

// ReleaseCurrentReadBuffer returns the held fixed-buffer lease, if any,
// to the owning loop's free stack. Calling it after a non-positive read
// is a no-op: the lease was already returned at completion.
func (c *Connection) ReleaseCurrentReadBuffer() {
	idx := c.curReadBufIdx
	if idx < 0 {
		c.curReadBuf = nil
		return
	}
	c.curReadBufIdx = -1
	c.curReadBuf = nil
	c.loop.queueTask(func() { c.loop.releaseBuffer(idx) })
}
