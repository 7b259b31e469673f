// File: internal/engine/taskqueue.go
// Author: momentics <momentics@gmail.com>
//
// TaskQueue: a bounded MPMC ring of power-of-two capacity with a
// sequence number per cell and cache-line-padded producer/consumer
// cursors. The ring itself only knows full/empty; TaskQueue additionally
// tracks the peak gauge and watermark-crossing counters and invokes a
// back-pressure callback on crossings.

package engine

import "sync/atomic"

const cacheLinePad = 64

type taskCell struct {
	sequence atomic.Uint64
	_        [cacheLinePad - 8]byte
	task     func()
}

// Task is the payload enqueued cross-thread: any closure the target loop
// should run inline on its own goroutine.
type Task = func()

// TaskQueue is the cross-thread task ring plus its watermark
// bookkeeping.
type TaskQueue struct {
	head uint64
	_    [cacheLinePad - 8]byte
	tail uint64
	_    [cacheLinePad - 8]byte

	mask  uint64
	cells []taskCell

	capacity int
	highMark int
	lowMark  int

	// backPressure is invoked with true on crossing into the high mark
	// and false on falling back to or below the low mark. It is invoked
	// synchronously from Enqueue, on the enqueuing goroutine.
	backPressure func(high bool)

	highLatch    atomic.Bool
	peakSize     atomic.Int64
	droppedCount atomic.Int64
	highEvents   atomic.Int64
	lowEvents    atomic.Int64
}

// NewTaskQueue creates a queue with capacity rounded up to a power of two,
// and high/low marks computed from the percentages in ResolvedConfig.
func NewTaskQueue(capacity, highPct, lowPct int) *TaskQueue {
	if capacity < 2 {
		capacity = 2
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	q := &TaskQueue{
		mask:     uint64(size - 1),
		cells:    make([]taskCell, size),
		capacity: size,
		highMark: size * highPct / 100,
		lowMark:  size * lowPct / 100,
	}
	if q.lowMark >= q.highMark {
		q.lowMark = q.highMark / 4
	}
	for i := range q.cells {
		q.cells[i].sequence.Store(uint64(i))
	}
	return q
}

// SetBackPressure installs the callback invoked on watermark crossings.
func (q *TaskQueue) SetBackPressure(fn func(high bool)) {
	q.backPressure = fn
}

// Enqueue attempts a non-blocking insert. On success it updates the peak
// gauge and evaluates watermark transitions. On failure (queue full) it
// increments the dropped counter and returns false; the task is
// discarded, never retried.
func (q *TaskQueue) Enqueue(fn func()) bool {
	for {
		tail := atomic.LoadUint64(&q.tail)
		index := tail & q.mask
		c := &q.cells[index]
		seq := c.sequence.Load()
		dif := int64(seq) - int64(tail)

		if dif == 0 {
			if atomic.CompareAndSwapUint64(&q.tail, tail, tail+1) {
				c.task = fn
				c.sequence.Store(tail + 1)
				q.afterEnqueue()
				return true
			}
		} else if dif < 0 {
			q.droppedCount.Add(1)
			return false
		}
	}
}

func (q *TaskQueue) afterEnqueue() {
	size := q.Size()
	for {
		peak := q.peakSize.Load()
		if int64(size) <= peak || q.peakSize.CompareAndSwap(peak, int64(size)) {
			break
		}
	}

	wasHigh := q.highLatch.Load()
	if !wasHigh && size >= q.highMark {
		if q.highLatch.CompareAndSwap(false, true) {
			q.highEvents.Add(1)
			if q.backPressure != nil {
				q.backPressure(true)
			}
		}
	} else if wasHigh && size <= q.lowMark {
		if q.highLatch.CompareAndSwap(true, false) {
			q.lowEvents.Add(1)
			if q.backPressure != nil {
				q.backPressure(false)
			}
		}
	}
}

// Dequeue removes and returns the next task; ok is false if empty.
func (q *TaskQueue) Dequeue() (fn func(), ok bool) {
	for {
		head := atomic.LoadUint64(&q.head)
		index := head & q.mask
		c := &q.cells[index]
		seq := c.sequence.Load()
		dif := int64(seq) - int64(head+1)

		if dif == 0 {
			if atomic.CompareAndSwapUint64(&q.head, head, head+1) {
				fn = c.task
				c.task = nil
				c.sequence.Store(head + q.mask + 1)
				return fn, true
			}
		} else if dif < 0 {
			return nil, false
		}
	}
}

// Size returns an approximate current occupancy; exact under a single
// producer/consumer pair, a snapshot under true MPMC contention.
func (q *TaskQueue) Size() int {
	tail := atomic.LoadUint64(&q.tail)
	head := atomic.LoadUint64(&q.head)
	if tail < head {
		return 0
	}
	return int(tail - head)
}

func (q *TaskQueue) Capacity() int         { return q.capacity }
func (q *TaskQueue) PeakSize() int64       { return q.peakSize.Load() }
func (q *TaskQueue) DroppedCount() int64   { return q.droppedCount.Load() }
func (q *TaskQueue) HighMarkEvents() int64 { return q.highEvents.Load() }
func (q *TaskQueue) LowMarkEvents() int64  { return q.lowEvents.Load() }
