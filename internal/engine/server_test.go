//go:build linux

// File: internal/engine/server_test.go
// Author: momentics <momentics@gmail.com>
//
// End-to-end scenarios driven through the public Server surface with a
// plain net.Dial peer. Each test skips when the kernel lacks io_uring
// (or the sandbox denies io_uring_setup).

package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func startTestServer(t *testing.T, keys map[string]any, onConn func(*Connection), onClose func(*Connection)) *Server {
	t.Helper()
	cfg := NewConfig()
	cfg.SetAll(map[string]any{
		"server.ip":         "127.0.0.1",
		"server.port":       0,
		"server.name":       "test",
		"server.thread_num": 2,
	})
	cfg.SetAll(keys)

	srv := NewServer(Resolve(cfg))
	srv.SetConnectionCallback(onConn)
	srv.SetCloseCallback(onClose)
	if err := srv.Start(); err != nil {
		if errors.Is(err, ErrRingSetupFailed) {
			t.Skipf("io_uring unavailable: %v", err)
		}
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func echoRoutine(c *Connection) {
	go func() {
		for {
			n, err := c.Read(64 << 10)
			if err != nil || n <= 0 {
				c.ForceClose()
				return
			}
			res, err := c.SendZeroCopy()
			c.ReleaseCurrentReadBuffer()
			if err != nil || res <= 0 {
				c.ForceClose()
				return
			}
		}
	}()
}

func TestServerEchoRoundTrip(t *testing.T) {
	closed := make(chan struct{}, 1)
	srv := startTestServer(t, nil, echoRoutine, func(*Connection) { closed <- struct{}{} })

	conn, err := net.Dial("tcp", srv.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	msg := []byte("PING\n")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echoed %q, want %q", got, msg)
	}

	conn.Close()
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("close callback never fired after peer FIN")
	}
}

func TestServerCloseCallbackOnce(t *testing.T) {
	var closeCount atomic.Int64
	connCh := make(chan *Connection, 1)
	srv := startTestServer(t, nil,
		func(c *Connection) { connCh <- c },
		func(*Connection) { closeCount.Add(1) })

	peer, err := net.Dial("tcp", srv.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	var c *Connection
	select {
	case c = <-connCh:
	case <-time.After(3 * time.Second):
		t.Fatal("connection callback never fired")
	}

	// Close idempotence: any number of ForceClose calls from any thread
	// produce exactly one close-callback invocation.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.ForceClose()
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(3 * time.Second)
	for c.State() != StateDisconnected && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state = %v, want disconnected", c.State())
	}
	time.Sleep(50 * time.Millisecond)
	if got := closeCount.Load(); got != 1 {
		t.Fatalf("close callback fired %d times, want 1", got)
	}
}

func TestServerReadTimeout(t *testing.T) {
	closed := make(chan struct{}, 1)
	srv := startTestServer(t,
		map[string]any{"server.read_timeout_ms": 300},
		echoRoutine,
		func(*Connection) { closed <- struct{}{} })

	conn, err := net.Dial("tcp", srv.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Send nothing: the linked timeout fires and the server force-closes.
	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("idle connection was not timed out")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatal("read after server-side timeout close should fail")
	}
}

func TestServerSlowSenderNotTimedOut(t *testing.T) {
	srv := startTestServer(t,
		map[string]any{"server.read_timeout_ms": 500},
		echoRoutine, nil)

	conn, err := net.Dial("tcp", srv.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Each byte arrives well inside the per-read deadline; the linked
	// timeout is re-armed on every read, so the connection survives.
	msg := []byte("slow-drip")
	var echoed []byte
	buf := make([]byte, 64)
	for _, b := range msg {
		if _, err := conn.Write([]byte{b}); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read echo: %v", err)
		}
		echoed = append(echoed, buf[:n]...)
		time.Sleep(100 * time.Millisecond)
	}
	if string(echoed) != string(msg) {
		t.Fatalf("echoed %q, want %q", echoed, msg)
	}
}

func TestServerFixedBufferFallback(t *testing.T) {
	// One worker loop with a 2-buffer pool; connections beyond that fall
	// back to caller-supplied buffers (index -1) and still echo.
	const conns = 6
	srv := startTestServer(t, map[string]any{
		"server.thread_num":                   1,
		"event_loop.registered_buffers_count": 2,
	}, echoRoutine, nil)

	var peers []net.Conn
	defer func() {
		for _, p := range peers {
			p.Close()
		}
	}()
	for i := 0; i < conns; i++ {
		p, err := net.Dial("tcp", srv.ListenAddr().String())
		if err != nil {
			t.Fatalf("dial %d: %v", i, err)
		}
		peers = append(peers, p)
	}

	msg := []byte("fallback")
	for i, p := range peers {
		if _, err := p.Write(msg); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		got := make([]byte, len(msg))
		p.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, err := io.ReadFull(p, got); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if string(got) != string(msg) {
			t.Fatalf("conn %d echoed %q", i, got)
		}
	}
}

func TestServerBlockWriteBackPressure(t *testing.T) {
	if testing.Short() {
		t.Skip("back-pressure test skipped in short mode")
	}
	connCh := make(chan *Connection, 1)
	srv := startTestServer(t, map[string]any{"server.thread_num": 1},
		func(c *Connection) { connCh <- c }, nil)

	peer, err := net.Dial("tcp", srv.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	var c *Connection
	select {
	case c = <-connCh:
	case <-time.After(3 * time.Second):
		t.Fatal("connection callback never fired")
	}
	const high = 1 << 20
	const low = 256 << 10
	c.SetWriteStrategy(WriteBlock)
	c.SetEgressWatermarks(low, high)

	payload := make([]byte, 4<<20)
	for i := range payload {
		payload[i] = byte(i)
	}

	resCh := make(chan int32, 1)
	go func() {
		res, err := c.Send(payload)
		if err != nil {
			t.Errorf("Send: %v", err)
		}
		resCh <- res
	}()

	// Stall the reader long enough for the kernel buffers to fill, then
	// drain everything; the blocked routine must resume exactly once with
	// the accumulated total, leaving at most the low mark unsent.
	time.Sleep(300 * time.Millisecond)
	received := make([]byte, 0, len(payload))
	buf := make([]byte, 64<<10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(received) < len(payload) {
			peer.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, err := peer.Read(buf)
			if n > 0 {
				received = append(received, buf[:n]...)
			}
			if err != nil {
				return
			}
		}
	}()

	var total int32
	select {
	case total = <-resCh:
	case <-time.After(10 * time.Second):
		t.Fatal("blocked write never resumed")
	}
	if int(total) < len(payload)-low {
		t.Fatalf("resumed with %d bytes accumulated, want >= %d", total, len(payload)-low)
	}

	// Flush whatever drained below the low mark at resume time.
	for c.EgressBuffer().ReadableLen() > 0 {
		if _, err := c.Write(); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}
	<-done
	if len(received) != len(payload) {
		t.Fatalf("peer received %d of %d bytes", len(received), len(payload))
	}
	for i := range received {
		if received[i] != payload[i] {
			t.Fatalf("byte %d corrupted", i)
		}
	}
}

func TestServerBlockWriteResumesOnForceClose(t *testing.T) {
	connCh := make(chan *Connection, 1)
	srv := startTestServer(t, map[string]any{"server.thread_num": 1},
		func(c *Connection) { connCh <- c }, nil)

	peer, err := net.Dial("tcp", srv.ListenAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	var c *Connection
	select {
	case c = <-connCh:
	case <-time.After(3 * time.Second):
		t.Fatal("connection callback never fired")
	}
	c.SetWriteStrategy(WriteBlock)
	c.SetEgressWatermarks(256<<10, 1<<20)

	// The peer never reads, so the write suspends at the high mark and
	// can only come back via teardown's terminal delivery.
	done := make(chan int32, 1)
	go func() {
		res, _ := c.Send(make([]byte, 8<<20))
		done <- res
	}()
	time.Sleep(200 * time.Millisecond)
	c.ForceClose()

	select {
	case res := <-done:
		if res > 0 {
			t.Fatalf("blocked write resumed with %d, want terminal <= 0", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocked write never resumed after force close")
	}
}

func TestServerConnectionStorm(t *testing.T) {
	if testing.Short() {
		t.Skip("storm test skipped in short mode")
	}
	var closes atomic.Int64
	srv := startTestServer(t, nil, echoRoutine,
		func(*Connection) { closes.Add(1) })

	const storm = 200
	var wg sync.WaitGroup
	for i := 0; i < storm; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := net.Dial("tcp", srv.ListenAddr().String())
			if err != nil {
				return
			}
			p.Write([]byte("x"))
			p.Close()
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for srv.ConnectionCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if n := srv.ConnectionCount(); n != 0 {
		t.Fatalf("%d connections still in the table after the storm", n)
	}
}
