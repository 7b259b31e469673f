// File: cmd/bench/main.go
// Package main
// Echo load-generation benchmark against a running echo server.
// Author: momentics <momentics@gmail.com>

package main

import (
	"flag"
	"log"
	"strings"
	"time"

	"github.com/momentics/ioring-server/bench/client"
	"github.com/momentics/ioring-server/internal/engine"
)

func main() {
	target := flag.String("target", "127.0.0.1:8888", "echo server address")
	conns := flag.Int("conns", 100, "concurrent connections")
	durationMs := flag.Int("duration-ms", 5000, "run duration in milliseconds")
	payloadSize := flag.Int("payload", 128, "echo payload size in bytes")
	flag.Parse()

	cfg := engine.NewConfig()
	cfg.SetAll(map[string]any{
		"bench.target":      *target,
		"bench.conns":       *conns,
		"bench.duration_ms": *durationMs,
	})
	rc := engine.Resolve(cfg)

	res, err := client.Run(client.Config{
		Target:   rc.BenchTarget,
		Conns:    rc.BenchConns,
		Duration: time.Duration(rc.BenchDurationMs) * time.Millisecond,
		Payload:  []byte(strings.Repeat("x", *payloadSize)),
	})
	if err != nil {
		log.Fatalf("bench: %v", err)
	}

	secs := res.Elapsed.Seconds()
	log.Printf("bench: dialed=%d failed=%d closed=%d", res.Dialed, res.Failed, res.Closed)
	log.Printf("bench: echoes=%d (%.0f/s), out=%d B, in=%d B, %.1f MiB/s in",
		res.Echoes, float64(res.Echoes)/secs,
		res.BytesOut, res.BytesIn,
		float64(res.BytesIn)/secs/(1<<20))
}
