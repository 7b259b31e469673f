// File: cmd/echo/main.go
// Package main
// TCP echo server over the io_uring engine.
// Author: momentics <momentics@gmail.com>

package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/momentics/ioring-server/control"
	"github.com/momentics/ioring-server/demo/echo"
	"github.com/momentics/ioring-server/internal/engine"
)

func main() {
	ip := flag.String("ip", "127.0.0.1", "listen address")
	port := flag.Int("port", 8888, "listen port")
	threads := flag.Int("threads", 2, "worker loop count")
	readTimeoutMs := flag.Int("read-timeout-ms", 0, "per-read idle deadline, 0 disables")
	bufCount := flag.Int("buffers", 64, "registered buffers per loop")
	logFile := flag.String("log-file", "", "log file path, empty for stderr only")
	flag.Parse()

	cfg := engine.NewConfig()
	cfg.SetAll(map[string]any{
		"server.ip":                           *ip,
		"server.port":                         *port,
		"server.name":                         "echo",
		"server.thread_num":                   *threads,
		"server.read_timeout_ms":              *readTimeoutMs,
		"event_loop.registered_buffers_count": *bufCount,
		"log.file":                            *logFile,
		"log.console":                         true,
	})
	rc := engine.Resolve(cfg)

	if rc.LogFile != "" {
		f, err := os.OpenFile(rc.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("echo: open log file: %v", err)
		}
		defer f.Close()
		if rc.LogConsole {
			log.SetOutput(io.MultiWriter(os.Stderr, f))
		} else {
			log.SetOutput(f)
		}
	}

	srv := engine.NewServer(rc)

	var stats echo.Stats
	srv.SetConnectionCallback(echo.Handler(&stats))
	srv.SetCloseCallback(echo.CloseLogger())

	if err := srv.Start(); err != nil {
		log.Fatalf("echo: start: %v", err)
	}
	log.Printf("echo: listening on %v", srv.ListenAddr())

	metrics := control.NewMetricsRegistry()
	probes := control.NewDebugProbes()
	control.RegisterPlatformProbes(probes)
	srv.RegisterMetrics(metrics, probes)
	probes.RegisterProbe("echo.active", func() any { return stats.Active.Load() })
	probes.RegisterProbe("echo.served", func() any { return stats.Served.Load() })
	probes.RegisterProbe("echo.bytes", func() any { return stats.BytesEchoed.Load() })

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	for s := range sig {
		if s == syscall.SIGUSR1 {
			log.Printf("echo: state: %v", probes.DumpState())
			continue
		}
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("echo: shutdown: %v", err)
	}
	log.Printf("echo: served %d connections, %d bytes echoed",
		stats.Served.Load(), stats.BytesEchoed.Load())
}
