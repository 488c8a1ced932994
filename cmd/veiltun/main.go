// Command veiltun runs one overlay node: it builds and maintains onion
// circuits over UDP and exposes a local SOCKS5 UDP ASSOCIATE gateway so an
// unmodified BitTorrent client can relay its traffic through them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/veiltun/tunnel/internal/config"
	"github.com/veiltun/tunnel/internal/node"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	listenAddr := flag.String("listen", "0.0.0.0:9001", "overlay UDP listen address")
	socksAddr := flag.String("socks", "127.0.0.1:1080", "SOCKS5 UDP ASSOCIATE gateway listen address")
	becomeExit := flag.Bool("exit", false, "relay exit traffic for other nodes' circuits")
	flag.Parse()

	logger, logFile := setupLogging()
	defer func() { _ = logFile.Close() }()

	fmt.Printf("=== veiltun %s ===\n", Version)

	settings := config.Default()
	settings.BecomeExitNode = *becomeExit

	n, err := node.New(node.Config{
		ListenAddr: *listenAddr,
		SocksAddr:  *socksAddr,
		Settings:   settings,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start node: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	fmt.Printf("Ready. SOCKS5 UDP ASSOCIATE gateway on %s, overlay socket on %s\n", *socksAddr, *listenAddr)
	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "node error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging() (*slog.Logger, *os.File) {
	logFile, err := os.OpenFile("veiltun-debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log file: %v\n", err)
		os.Exit(1)
	}
	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}})
	return logger, logFile
}

// multiHandler fans out slog records to multiple handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
