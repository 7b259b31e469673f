// File: cmd/wsecho/main.go
// Package main
// WebSocket echo server: the wsproto collaborator layered over the engine,
// demonstrating that framing lives entirely outside the I/O core.
// Author: momentics <momentics@gmail.com>

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/momentics/ioring-server/internal/engine"
	"github.com/momentics/ioring-server/wsproto"
)

func main() {
	ip := flag.String("ip", "127.0.0.1", "listen address")
	port := flag.Int("port", 9001, "listen port")
	threads := flag.Int("threads", 2, "worker loop count")
	flag.Parse()

	cfg := engine.NewConfig()
	cfg.SetAll(map[string]any{
		"server.ip":         *ip,
		"server.port":       *port,
		"server.name":       "wsecho",
		"server.thread_num": *threads,
	})

	srv := engine.NewServer(engine.Resolve(cfg))
	srv.SetConnectionCallback(func(c *engine.Connection) {
		go serve(c)
	})

	if err := srv.Start(); err != nil {
		log.Fatalf("wsecho: start: %v", err)
	}
	log.Printf("wsecho: listening on %v", srv.ListenAddr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("wsecho: shutdown: %v", err)
	}
}

func serve(c *engine.Connection) {
	ws, err := wsproto.PerformServerHandshake(c)
	if err != nil {
		log.Printf("wsecho: %s: handshake: %v", c.Name(), err)
		c.ForceClose()
		return
	}
	for {
		opcode, payload, err := ws.ReadMessage()
		if err != nil {
			// ErrConnectionClosing means the close handshake already
			// completed; either way the engine connection comes down.
			c.ForceClose()
			return
		}
		if _, err := ws.WriteMessage(opcode, payload); err != nil {
			c.ForceClose()
			return
		}
	}
}
