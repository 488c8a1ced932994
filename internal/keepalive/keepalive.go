// Package keepalive implements the ping/pong liveness check of spec.md
// §4.5: a PING_INTERVAL timer that probes every READY, non-RENDEZVOUS
// circuit, and removes any circuit that goes silent for longer than
// PING_INTERVAL + 5 seconds. Grounded on `tunnel_community.py`'s
// `do_ping`/`on_ping`/`on_pong` trio (a LoopingCall firing `ping` cells and
// a correlation cache keyed by a random identifier), reimplemented over
// internal/reqcache the same way internal/circuitbuild's handshake
// timeouts already do.
package keepalive

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"log/slog"
	"net"
	"time"

	"github.com/veiltun/tunnel/internal/reqcache"
	"github.com/veiltun/tunnel/internal/table"
	"github.com/veiltun/tunnel/internal/wire"
)

// pongGrace is the slack added to PING_INTERVAL before a silent circuit is
// considered dead (spec.md §4.5's "now - last_incoming > PING_INTERVAL +
// 5s").
const pongGrace = 5 * time.Second

// CellSender is the one thing keepalive needs to emit `ping` cells and
// relay `pong` replies back.
type CellSender interface {
	SendCell(circuitID uint32, cmd uint8, payload []byte, dest net.UDPAddr) error
}

// CircuitRemover tears a circuit down via the node's one canonical
// circuit-removal path (sweeper.Sweeper.RemoveCircuitNow satisfies this),
// so a ping timeout and an idle-timeout sweep produce identical teardown
// behaviour.
type CircuitRemover interface {
	RemoveCircuitNow(c *table.Circuit, reason string)
}

// Keepalive drives periodic ping probes and pong correlation for every
// originated circuit.
type Keepalive struct {
	tables   *table.Tables
	sender   CellSender
	remover  CircuitRemover
	cache    *reqcache.Cache[uint32]
	interval time.Duration
	grace    time.Duration
	log      *slog.Logger
}

// New builds a Keepalive. interval is spec.md §6's PING_INTERVAL.
func New(tables *table.Tables, sender CellSender, remover CircuitRemover, interval time.Duration, log *slog.Logger) *Keepalive {
	if log == nil {
		log = slog.Default()
	}
	return &Keepalive{
		tables:   tables,
		sender:   sender,
		remover:  remover,
		cache:    reqcache.New[uint32](),
		interval: interval,
		grace:    pongGrace,
		log:      log,
	}
}

// Run drives the periodic ping sweep until ctx is cancelled.
func (k *Keepalive) Run(ctx context.Context) {
	t := time.NewTicker(k.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			k.pingAll()
		}
	}
}

// pingAll sends a `ping` cell to every READY, non-RENDEZVOUS circuit
// (spec.md §4.5: rendezvous circuits carry application traffic end-to-end
// and are not pinged by this node).
func (k *Keepalive) pingAll() {
	for _, c := range k.tables.AllCircuits() {
		if !c.IsReady() || c.Type == table.CircuitTypeRendezvous {
			continue
		}
		k.ping(c)
	}
}

func (k *Keepalive) ping(c *table.Circuit) {
	id := randomID()
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, id)

	circuit := c
	k.cache.Add(id, k.interval+k.grace, func() {
		k.onPingTimeout(circuit)
	}, nil)

	if err := k.sender.SendCell(c.ID, wire.CmdPing, payload, c.FirstHop); err != nil {
		k.log.Debug("failed to send ping", "circuit", c.ID, "err", err)
	}
}

// onPingTimeout is the ping-request cache's expiry hook. spec.md §4.5
// distinguishes "no pong received in time" from "dead circuit": a pong for
// a different, earlier ping request may have refreshed LastIncoming after
// this probe was sent, so the rule re-checks wall-clock liveness rather
// than removing unconditionally.
func (k *Keepalive) onPingTimeout(c *table.Circuit) {
	if time.Since(c.LastIncoming) <= k.interval+k.grace {
		return
	}
	if k.remover != nil {
		k.remover.RemoveCircuitNow(c, "ping timeout")
	}
}

// OnPong is the pipeline.Handlers.OnPong callback: a `pong` cell arrived
// for a circuit we originated. It pops the matching ping request and marks
// the circuit alive, since handleCell never touches LastIncoming for
// control cells the way handleData does for payload.
func (k *Keepalive) OnPong(from net.UDPAddr, cell wire.Cell) {
	if len(cell.Payload) < 4 {
		return
	}
	id := binary.BigEndian.Uint32(cell.Payload)
	k.cache.Pop(id)
	if c, ok := k.tables.GetCircuit(cell.CircuitID); ok {
		c.LastIncoming = time.Now()
	}
}

// OnPing is the pipeline.Handlers.OnPing callback for the final hop of a
// circuit: every `ping` cell that terminates at us (we are not relaying it
// onward) gets echoed back as `pong` with the same correlation payload.
func (k *Keepalive) OnPing(from net.UDPAddr, cell wire.Cell) {
	if err := k.sender.SendCell(cell.CircuitID, wire.CmdPong, cell.Payload, from); err != nil {
		k.log.Debug("failed to send pong", "circuit", cell.CircuitID, "err", err)
	}
}

func randomID() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}
