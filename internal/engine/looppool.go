//go:build linux

// File: internal/engine/looppool.go
// Author: momentics <momentics@gmail.com>
//
// LoopPool: a fixed set of worker loops, each started on its own
// goroutine/OS thread with a handshake so the owning loop is visible to
// the caller before start returns. nextLoop is round-robin; with zero
// configured workers the main loop itself serves connections.

package engine

import "sync/atomic"

type LoopPool struct {
	loops []*Loop
	next  atomic.Uint64
	main  *Loop
}

// newLoopPool starts w worker loops (w may be 0, meaning the main loop
// also serves connections), worker i pinned to CPU cpuBase+i, or
// unpinned if cpuBase < 0.
func newLoopPool(main *Loop, w int, cfg ResolvedConfig, cpuBase int) (*LoopPool, error) {
	p := &LoopPool{main: main}
	if w == 0 {
		p.loops = []*Loop{main}
		return p, nil
	}
	for i := 0; i < w; i++ {
		l, err := newLoop(i+1, cfg)
		if err != nil {
			p.closeAll()
			return nil, err
		}
		cpu := -1
		if cpuBase >= 0 {
			cpu = cpuBase + i
		}
		go l.run(cpu)
		<-l.started
		p.loops = append(p.loops, l)
	}
	return p, nil
}

// nextLoop returns the next worker loop, round-robin.
func (p *LoopPool) nextLoop() *Loop {
	n := p.next.Add(1) - 1
	return p.loops[int(n)%len(p.loops)]
}

func (p *LoopPool) closeAll() {
	for _, l := range p.loops {
		if l != p.main {
			l.quitLoop()
		}
	}
}

// Stats returns one LoopStats per worker loop, for the metrics surface.
func (p *LoopPool) Stats() []LoopStats {
	out := make([]LoopStats, len(p.loops))
	for i, l := range p.loops {
		out[i] = l.Stats()
	}
	return out
}
