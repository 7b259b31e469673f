// File: internal/engine/affinity.go
// Author: momentics <momentics@gmail.com>
//
// No-cgo CPU pinning for worker-loop threads: runtime.LockOSThread plus
// unix.SchedSetaffinity. NUMA-level memory binding is outside this
// engine's scope, and cgo would complicate a plain `go build` of the
// demo/bench binaries.

package engine

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinCurrentThread locks the calling goroutine to its current OS thread and,
// if cpu is >= 0, restricts that thread to run only on the given CPU index.
// It must be called from the goroutine that will run the loop, before the
// loop's first ring wait.
func pinCurrentThread(cpu int) error {
	runtime.LockOSThread()
	if cpu < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}
