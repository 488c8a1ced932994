// Package node wires every collaborator — tables, overlay, circuit
// builder, packet pipeline, exit subsystem, lifecycle sweeper, keepalive,
// selection policy, and SOCKS5 gateway — into one running instance bound
// to a single UDP socket, grounded on `cmd/tor-client/main.go`'s
// `runSOCKSProxy` wiring (one struct holding every long-lived
// collaborator, a signal-driven shutdown goroutine, `ListenAndServe`-style
// blocking startup).
package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/crypto/curve25519"

	"github.com/veiltun/tunnel/internal/circuitbuild"
	"github.com/veiltun/tunnel/internal/config"
	"github.com/veiltun/tunnel/internal/exitsock"
	"github.com/veiltun/tunnel/internal/keepalive"
	"github.com/veiltun/tunnel/internal/metrics"
	"github.com/veiltun/tunnel/internal/overlay"
	"github.com/veiltun/tunnel/internal/pipeline"
	"github.com/veiltun/tunnel/internal/selector"
	"github.com/veiltun/tunnel/internal/socksgw"
	"github.com/veiltun/tunnel/internal/sweeper"
	"github.com/veiltun/tunnel/internal/table"
)

// readBufferSize is the UDP socket's datagram read buffer, sized well
// above any cell or data frame this overlay produces.
const readBufferSize = 65535

// Config bundles everything needed to start a Node.
type Config struct {
	ListenAddr string          // overlay UDP listen address, e.g. "0.0.0.0:9001"
	SocksAddr  string          // SOCKS5 gateway listen address, e.g. "127.0.0.1:1080"
	Settings   config.Settings
	Overlay    overlay.Source  // nil uses an empty overlay.Static
	Metrics    metrics.Metrics // nil uses metrics.NoOp
	Logger     *slog.Logger
}

// Node is one running overlay endpoint.
type Node struct {
	cfg  Config
	conn *net.UDPConn

	tables   *table.Tables
	pipeline *pipeline.Pipeline
	builder  *circuitbuild.Builder
	exits    *exitsock.Manager
	sweep    *sweeper.Sweeper
	ka       *keepalive.Keepalive
	gw       *socksgw.Gateway

	staticPK [32]byte
	staticSK [32]byte
}

// New constructs a Node and binds its UDP socket, but starts no
// goroutines yet — call Run to do that.
func New(cfg Config) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Overlay == nil {
		cfg.Overlay = overlay.NewStatic(nil)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NoOp
	}

	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	pk, sk, err := generateStaticKeypair()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("generate static keypair: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		conn:     conn,
		tables:   table.New(),
		staticPK: pk,
		staticSK: sk,
	}

	transport := udpTransport{conn: conn}
	sel := selector.New(n.tables, nil)

	// The pipeline, builder, exit subsystem, keepalive, sweeper, and SOCKS5
	// gateway form a cycle (each sends through the pipeline; the pipeline
	// dispatches to their handlers). pipelineRef is the late-bound
	// indirection that breaks it: every collaborator is built against the
	// ref, and the ref is pointed at the real pipeline once it exists.
	ref := &pipelineRef{}

	n.gw = &socksgw.Gateway{
		Addr:     cfg.SocksAddr,
		Selector: sel,
		Sender:   ref,
		Hops:     3,
		Logger:   cfg.Logger,
	}
	// peers (spec.md §4.1's BitTorrent re-admission hook) is nil: this
	// overlay hands applications a raw SOCKS5 UDP ASSOCIATE socket rather
	// than tracking BitTorrent peer state itself, so there is nothing to
	// re-admit at this layer.
	n.builder = circuitbuild.New(n.tables, cfg.Overlay, ref, nil, pk, sk, cfg.Logger)
	n.exits = exitsock.New(n.tables, ref, ref, exitsock.Config{
		BecomeExitNode:         cfg.Settings.BecomeExitNode,
		MaxPacketsWithoutReply: cfg.Settings.MaxPacketsWithoutReply,
	}, cfg.Logger)
	n.sweep = sweeper.New(n.tables, ref, n.exits, n.gw, sweepMetrics{cfg.Metrics}, cfg.Overlay, sweeper.Config{
		MaxTime:         cfg.Settings.MaxTime,
		MaxTimeInactive: cfg.Settings.MaxTimeInactive,
		MaxTraffic:      cfg.Settings.MaxTraffic,
	}, cfg.Logger)
	n.ka = keepalive.New(n.tables, ref, n.sweep, cfg.Settings.PingInterval, cfg.Logger)

	n.pipeline = pipeline.New(n.tables, transport, pipeline.Handlers{
		OnCreate:    n.builder.OnCreate,
		OnCreated:   n.builder.OnCreated,
		OnExtend:    n.builder.OnExtend,
		OnExtended:  n.builder.OnExtended,
		OnPing:      n.ka.OnPing,
		OnPong:      n.ka.OnPong,
		OnLocalData: n.gw.OnLocalData,
		OnExitData:  n.exits.OnExitData,
	}, cfg.Logger)
	ref.p = n.pipeline

	return n, nil
}

// pipelineRef is a settable forwarding handle to the node's *pipeline.
// Pipeline, satisfying every collaborator's CellSender/DataSender
// interface before the pipeline itself can be constructed.
type pipelineRef struct {
	p *pipeline.Pipeline
}

func (r *pipelineRef) SendCell(circuitID uint32, cmd uint8, payload []byte, dest net.UDPAddr) error {
	return r.p.SendCell(circuitID, cmd, payload, dest)
}

func (r *pipelineRef) SendData(circuitID uint32, destination, origin net.UDPAddr, payload []byte, dest net.UDPAddr) error {
	return r.p.SendData(circuitID, destination, origin, payload, dest)
}

// sweepMetrics narrows metrics.Metrics to sweeper.Metrics.
type sweepMetrics struct{ m metrics.Metrics }

func (s sweepMetrics) CircuitRemoved(r string)    { s.m.CircuitRemoved(r) }
func (s sweepMetrics) RelayRemoved(r string)      { s.m.RelayRemoved(r) }
func (s sweepMetrics) ExitSocketRemoved(r string) { s.m.ExitSocketRemoved(r) }

// udpTransport adapts *net.UDPConn to pipeline.Transport.
type udpTransport struct{ conn *net.UDPConn }

func (t udpTransport) SendTo(addr net.UDPAddr, b []byte) error {
	_, err := t.conn.WriteToUDP(b, &addr)
	return err
}

// Run starts every background loop (pacing, sweeper, keepalive, SOCKS5
// gateway, UDP read loop) and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	n.builder.Ensure(3, n.cfg.Settings.MinCircuits)

	go n.builder.Run(ctx)
	go n.sweep.Run(ctx)
	go n.ka.Run(ctx)

	gwErrCh := make(chan error, 1)
	go func() {
		gwErrCh <- n.gw.ListenAndServe()
	}()

	go n.readLoop()

	select {
	case <-ctx.Done():
		_ = n.gw.Close()
		_ = n.conn.Close()
		return ctx.Err()
	case err := <-gwErrCh:
		_ = n.conn.Close()
		return fmt.Errorf("socks5 gateway: %w", err)
	}
}

func (n *Node) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		nRead, from, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		data := make([]byte, nRead)
		copy(data, buf[:nRead])
		n.pipeline.HandleIncoming(*from, data)
	}
}

func generateStaticKeypair() (pub, priv [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return pub, priv, err
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return pub, priv, err
	}
	copy(pub[:], pubSlice)
	return pub, priv, nil
}
