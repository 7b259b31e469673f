//go:build linux

// File: internal/engine/loop.go
// Author: momentics <momentics@gmail.com>
//
// Loop: owns one kernel ring, translates submissions and completions
// into application-visible events, provides single-threaded execution
// for its connections, and exposes back-pressure through the task
// queue's watermark callbacks.

package engine

import (
	"log"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const maxTasksPerDrain = 65536

// LoopStats is the read-only metrics snapshot exposed per loop.
type LoopStats struct {
	QueueSize      int
	QueuePeak      int64
	QueueCapacity  int
	HighMarkEvents int64
	LowMarkEvents  int64
	DroppedTasks   int64
	BuffersInUse   int
	BuffersTotal   int
	ContextsInUse  int
}

// Loop is one worker thread's private event loop.
type Loop struct {
	id  int
	cfg ResolvedConfig

	r         *ring
	bufPool   *FixedBufferPool
	ctxPool   *ctxPool
	taskQueue *TaskQueue

	eventFd   int
	wakeupCtx IOContext
	wakeupBuf [8]byte

	quit    atomic.Bool
	started chan struct{}
}

func newLoop(id int, cfg ResolvedConfig) (*Loop, error) {
	r, err := newRing(cfg.RingEntries, cfg.SQPoll, uint32(cfg.SQPollIdle/time.Millisecond))
	if err != nil {
		return nil, err
	}

	var bufPool *FixedBufferPool
	if cfg.RegisteredBufCount > 0 {
		bufPool, err = NewFixedBufferPool(cfg.RegisteredBufCount, cfg.RegisteredBufSize)
		if err != nil {
			r.close()
			return nil, err
		}
		if err := r.registerBuffersWith(bufPool.iovecs()); err != nil {
			log.Printf("engine: loop %d: register buffers: %v (fixed-buffer path disabled)", id, err)
			bufPool.Close()
			bufPool = nil
		}
	}

	efd, _, errno := unix.Syscall(unix.SYS_EVENTFD2, 0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC, 0)
	if errno != 0 {
		r.close()
		return nil, ErrRingSetupFailed
	}

	l := &Loop{
		id:        id,
		cfg:       cfg,
		r:         r,
		bufPool:   bufPool,
		ctxPool:   newCtxPool(),
		taskQueue: NewTaskQueue(cfg.PendingQueueCapacity, cfg.HighMarkPct, cfg.LowMarkPct),
		eventFd:   int(efd),
		started:   make(chan struct{}),
	}
	l.taskQueue.SetBackPressure(func(high bool) {
		log.Printf("engine: loop %d: task queue watermark high=%v size=%d", l.id, high, l.taskQueue.Size())
	})
	l.wakeupCtx.Op = opKindWakeup
	l.wakeupCtx.userData = ctxUserData(&l.wakeupCtx)
	return l, nil
}

// ctxUserData returns the stable address of ctx as the kernel user_data
// value; contexts are never moved while referenced by an in-flight op.
func ctxUserData(ctx *IOContext) uint64 {
	return uint64(uintptr(unsafe.Pointer(ctx)))
}

func ctxFromUserData(u uint64) *IOContext {
	return (*IOContext)(unsafe.Pointer(uintptr(u)))
}

// run pins this goroutine's OS thread (to cpu if >= 0) and executes the
// main loop until Quit is called. It blocks until the loop exits.
func (l *Loop) run(cpu int) {
	if err := pinCurrentThread(cpu); err != nil {
		log.Printf("engine: loop %d: affinity: %v", l.id, err)
	}
	defer l.close()
	l.postWakeupRead()
	close(l.started)

	for !l.quit.Load() {
		if _, err := l.r.submit(1, true); err != nil {
			log.Printf("engine: loop %d: ring failure, exiting: %v", l.id, err)
			return
		}
		l.r.forEachCQE(l.onCompletion)
		l.drainTasks()
	}
}

func (l *Loop) onCompletion(userData uint64, res int32, _ uint32) {
	ctx := ctxFromUserData(userData)
	if ctx == nil {
		return
	}
	if !ctx.owner.live() {
		// A pooled timeout context whose connection died before the
		// cancelled completion arrived still goes back to the slab.
		if ctx.Op == opKindLinkTimeout {
			l.ctxPool.put(ctx)
			return
		}
		// A routine may still be suspended on this op; hand it the
		// terminal result so its goroutine can unwind. Callbacks are
		// never run here: their closures reach into the destroyed owner.
		if ch := ctx.resume; ch != nil {
			ctx.resume = nil
			ch <- res
		}
		return
	}
	if ctx.Op == opKindWakeup {
		l.postWakeupRead()
		return
	}
	ctx.deliver(res)
}

// postWakeupRead re-posts the permanent eventfd read after each wakeup
// completion, keeping the cross-thread wakeup channel armed.
func (l *Loop) postWakeupRead() {
	e := l.r.nextSQE()
	if e == nil {
		log.Printf("engine: loop %d: %v posting wakeup read", l.id, ErrSubmissionFull)
		return
	}
	e.Opcode = opRead
	e.Fd = int32(l.eventFd)
	e.Addr = uint64(uintptr(unsafe.Pointer(&l.wakeupBuf[0])))
	e.Len = 8
	e.UserData = l.wakeupCtx.userData
}

// drainTasks runs queued cross-thread tasks up to the absolute cap, so a
// storm of submitted work cannot starve I/O completion handling.
func (l *Loop) drainTasks() {
	for i := 0; i < maxTasksPerDrain; i++ {
		fn, ok := l.taskQueue.Dequeue()
		if !ok {
			return
		}
		fn()
	}
}

// queueTask always enqueues, whether called from another goroutine or
// from the loop itself (handleClose queues connectDestroyed this way);
// there is no run-inline path. On success it forces a wakeup; on failure
// the task is dropped and false is returned.
func (l *Loop) queueTask(fn func()) bool {
	if !l.taskQueue.Enqueue(fn) {
		log.Printf("engine: loop %d: %v", l.id, ErrTaskQueueFull)
		return false
	}
	var one [8]byte
	one[0] = 1
	unix.Write(l.eventFd, one[:])
	return true
}

// submitInLoop marshals a submission closure onto the loop goroutine and
// blocks the caller until it has run, reporting whether the submission
// succeeded. The ring, the fixed-buffer free stack and the SQE tail are
// all loop-private state; routine goroutines must never touch them
// directly, so every op submission from a routine funnels through here.
func (l *Loop) submitInLoop(fn func() bool) bool {
	okCh := make(chan bool, 1)
	if !l.queueTask(func() { okCh <- fn() }) {
		return false
	}
	return <-okCh
}

// quitLoop requests the loop to stop; safe to call from any thread.
func (l *Loop) quitLoop() {
	l.quit.Store(true)
	var one [8]byte
	one[0] = 1
	unix.Write(l.eventFd, one[:])
}

func (l *Loop) leaseBuffer() int32 {
	if l.bufPool == nil {
		return -1
	}
	return l.bufPool.Lease()
}

func (l *Loop) releaseBuffer(idx int32) {
	if l.bufPool == nil {
		return
	}
	l.bufPool.Release(idx)
}

func (l *Loop) bufferBytes(idx int32) []byte {
	return l.bufPool.Bytes(idx)
}

// Stats returns a snapshot suitable for control.MetricsRegistry.Set.
func (l *Loop) Stats() LoopStats {
	s := LoopStats{
		QueueSize:      l.taskQueue.Size(),
		QueuePeak:      l.taskQueue.PeakSize(),
		QueueCapacity:  l.taskQueue.Capacity(),
		HighMarkEvents: l.taskQueue.HighMarkEvents(),
		LowMarkEvents:  l.taskQueue.LowMarkEvents(),
		DroppedTasks:   l.taskQueue.DroppedCount(),
		ContextsInUse:  l.ctxPool.inUse(),
	}
	if l.bufPool != nil {
		s.BuffersInUse = l.bufPool.InUse()
		s.BuffersTotal = l.bufPool.count
	}
	return s
}

func (l *Loop) close() {
	if l.bufPool != nil {
		l.bufPool.Close()
	}
	l.r.close()
	unix.Close(l.eventFd)
}
