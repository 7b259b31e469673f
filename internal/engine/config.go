// File: internal/engine/config.go
// Author: momentics <momentics@gmail.com>
//
// Flat dotted-key configuration store with typed accessors, reload
// listeners, and a normalization pass producing the resolved settings
// the engine actually runs with.

package engine

import (
	"sync"
	"time"
)

// Config is a concurrency-safe map[string]any with dotted keys. It is the
// mutable, unvalidated form; call Resolve to obtain the normalized,
// typed ResolvedConfig the engine actually runs with.
type Config struct {
	mu        sync.RWMutex
	values    map[string]any
	listeners []func()
}

func NewConfig() *Config {
	return &Config{values: make(map[string]any)}
}

// Set stores a single key.
func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	c.values[key] = value
	c.mu.Unlock()
}

// SetAll merges a batch of keys and then fires OnReload listeners.
func (c *Config) SetAll(kv map[string]any) {
	c.mu.Lock()
	for k, v := range kv {
		c.values[k] = v
	}
	listeners := append([]func(){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}

// Get returns the raw value and whether it was present.
func (c *Config) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *Config) GetString(key, def string) string {
	if v, ok := c.Get(key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

func (c *Config) GetInt(key string, def int) int {
	if v, ok := c.Get(key); ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		}
	}
	return def
}

func (c *Config) GetBool(key string, def bool) bool {
	if v, ok := c.Get(key); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func (c *Config) GetDurationMillis(key string, def time.Duration) time.Duration {
	if v, ok := c.Get(key); ok {
		switch n := v.(type) {
		case int:
			return time.Duration(n) * time.Millisecond
		case int64:
			return time.Duration(n) * time.Millisecond
		case float64:
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}

// OnReload registers a listener invoked after every SetAll.
func (c *Config) OnReload(fn func()) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Snapshot returns a shallow copy of the current key set, matching
// control.MetricsRegistry.GetSnapshot's idiom.
func (c *Config) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// ResolvedConfig is the typed, normalized configuration the engine actually
// consumes. It is derived once from Config at Server construction time.
type ResolvedConfig struct {
	ServerIP   string
	ServerPort int
	ServerName string
	ThreadNum  int
	Backlog    int

	ReadTimeout time.Duration

	RingEntries          uint32
	SQPoll               bool
	SQPollIdle           time.Duration
	RegisteredBufCount   int
	RegisteredBufSize    int
	PendingQueueCapacity int
	HighMarkPct          int
	LowMarkPct           int

	BenchTarget     string
	BenchConns      int
	BenchDurationMs int

	// Log settings are recognized and normalized here but consumed by
	// the binary's logging setup, not by the engine itself.
	LogLevel         string
	LogFile          string
	LogMaxSize       int
	LogAsync         bool
	LogConsole       bool
	LogFlushInterval time.Duration
}

const (
	defaultRingEntries  = 32768
	minRingEntries      = 1024
	defaultQueueCap     = 1024
	defaultSQPollIdleMs = 50
	defaultBacklog      = 1024
	defaultBufCount     = 64
	defaultBufSize      = 65536
)

// Resolve normalizes raw configuration: unset keys take their defaults,
// a non-positive backlog or registered-buffer size is replaced by its
// default, ring entries are raised to the 1024 floor, the task-queue
// capacity is raised to 1024 and rounded up to a power of two, and a
// low mark at or above the high mark is lowered to a quarter of it.
// A port of 0 (ephemeral bind) and a thread count of 0 (the main loop
// serves connections) are kept as given.
func Resolve(c *Config) ResolvedConfig {
	rc := ResolvedConfig{
		ServerIP:   c.GetString("server.ip", "0.0.0.0"),
		ServerPort: c.GetInt("server.port", 8080),
		ServerName: c.GetString("server.name", "server"),
		ThreadNum:  c.GetInt("server.thread_num", 1),
		Backlog:    c.GetInt("server.backlog", defaultBacklog),

		ReadTimeout: c.GetDurationMillis("server.read_timeout_ms", 0),

		RingEntries:          uint32(c.GetInt("event_loop.ring_entries", defaultRingEntries)),
		SQPoll:               c.GetBool("event_loop.sqpoll", false),
		SQPollIdle:           c.GetDurationMillis("event_loop.sqpoll_idle_ms", defaultSQPollIdleMs*time.Millisecond),
		RegisteredBufCount:   c.GetInt("event_loop.registered_buffers_count", defaultBufCount),
		RegisteredBufSize:    c.GetInt("event_loop.registered_buffers_size", defaultBufSize),
		PendingQueueCapacity: c.GetInt("event_loop.pending_queue_capacity", defaultQueueCap),
		HighMarkPct:          c.GetInt("event_loop.high_mark_pct", 80),
		LowMarkPct:           c.GetInt("event_loop.low_mark_pct", 20),

		BenchTarget:     c.GetString("bench.target", "127.0.0.1:8080"),
		BenchConns:      c.GetInt("bench.conns", 100),
		BenchDurationMs: c.GetInt("bench.duration_ms", 1000),

		LogLevel:         c.GetString("log.level", "info"),
		LogFile:          c.GetString("log.file", ""),
		LogMaxSize:       c.GetInt("log.max_size", 0),
		LogAsync:         c.GetBool("log.async", false),
		LogConsole:       c.GetBool("log.console", true),
		LogFlushInterval: c.GetDurationMillis("log.flush_interval_ms", time.Second),
	}

	if rc.ThreadNum < 0 {
		rc.ThreadNum = 0
	}
	if rc.RingEntries < minRingEntries {
		rc.RingEntries = minRingEntries
	}
	rc.PendingQueueCapacity = nextPowerOfTwo(rc.PendingQueueCapacity, defaultQueueCap)
	if rc.LowMarkPct >= rc.HighMarkPct {
		rc.LowMarkPct = rc.HighMarkPct / 4
	}
	if rc.Backlog <= 0 {
		rc.Backlog = defaultBacklog
	}
	if rc.RegisteredBufSize <= 0 {
		rc.RegisteredBufSize = defaultBufSize
	}
	return rc
}

func nextPowerOfTwo(n, floor int) int {
	if n < floor {
		n = floor
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
