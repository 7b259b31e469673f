// File: internal/engine/ctxpool.go
// Author: momentics <momentics@gmail.com>
//
// ctxPool is the slab pool reused for IOContext-sized allocations that
// are ephemeral and not embedded in a Connection, chiefly the per-read
// linked-timeout contexts. A single size class and a plain slice stack
// suffice: a loop is single-threaded, like its fixed-buffer free stack.
package engine

// ctxPool is a per-loop free list of *IOContext, reused the way the
// fixed-buffer pool reuses indices: pop to lease, push to return.
type ctxPool struct {
	free []*IOContext
	out  int
}

func newCtxPool() *ctxPool {
	return &ctxPool{}
}

// get returns a zeroed IOContext, reusing a freed one when available.
func (p *ctxPool) get() *IOContext {
	p.out++
	n := len(p.free)
	if n == 0 {
		return &IOContext{BufIdx: -1}
	}
	ctx := p.free[n-1]
	p.free = p.free[:n-1]
	*ctx = IOContext{BufIdx: -1}
	return ctx
}

// put returns ctx to the pool. The caller must guarantee ctx is no longer
// referenced by any in-flight kernel op.
func (p *ctxPool) put(ctx *IOContext) {
	p.out--
	p.free = append(p.free, ctx)
}

// inUse reports how many contexts this pool has handed out and not had
// returned; exposed via LoopStats for the metrics surface.
func (p *ctxPool) inUse() int {
	return p.out
}
