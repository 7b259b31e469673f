// File: demo/echo/echo.go
// Author: momentics <momentics@gmail.com>
//
// Byte-oriented echo protocol handler: the reference external collaborator
// consuming the engine's suspendable primitives. The engine hands each new
// connection to Handler's callback on the owning loop's goroutine; the
// callback spawns the per-connection routine so the loop is never blocked
// by a suspended read.

package echo

import (
	"log"
	"sync/atomic"

	"github.com/momentics/ioring-server/internal/engine"
)

const readChunk = 64 << 10

// Stats counts served connections and echoed bytes across the handler's
// lifetime.
type Stats struct {
	Active      atomic.Int64
	Served      atomic.Int64
	BytesEchoed atomic.Int64
}

// Handler returns the connection callback for an echo server. Every
// payload read is sent straight back on the zero-copy path when a
// fixed-buffer lease is held, falling back to the egress path otherwise.
func Handler(stats *Stats) func(*engine.Connection) {
	return func(c *engine.Connection) {
		stats.Active.Add(1)
		stats.Served.Add(1)
		go serve(c, stats)
	}
}

func serve(c *engine.Connection, stats *Stats) {
	defer stats.Active.Add(-1)
	for {
		n, err := c.Read(readChunk)
		if err != nil {
			return
		}
		if n <= 0 {
			// EOF or transport error: terminal at any suspension point.
			c.ForceClose()
			return
		}
		res, err := c.SendZeroCopy()
		c.ReleaseCurrentReadBuffer()
		if err != nil || res <= 0 {
			c.ForceClose()
			return
		}
		stats.BytesEchoed.Add(int64(res))
	}
}

// CloseLogger returns a close callback that logs each disconnect, for the
// demo binaries.
func CloseLogger() func(*engine.Connection) {
	return func(c *engine.Connection) {
		log.Printf("echo: %s closed (peer %v)", c.Name(), c.PeerAddr())
	}
}
