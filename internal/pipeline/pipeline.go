package pipeline

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/veiltun/tunnel/internal/table"
	"github.com/veiltun/tunnel/internal/wire"
)

// Transport is the one thing the pipeline needs from the node's UDP socket:
// fire-and-forget datagram send. It is defined here, consumer-side, so the
// pipeline never imports net's connection types beyond net.UDPAddr.
type Transport interface {
	SendTo(addr net.UDPAddr, b []byte) error
}

// Handlers are the circuit-builder/keepalive/exit-socket/stats callbacks the
// pipeline dispatches locally-destined control cells and data to. Each is
// optional; a nil handler means "silently drop", matching spec.md §4.7's
// "unroutable or unrecognized input is dropped, never answered" rule.
type Handlers struct {
	OnCreate   func(from net.UDPAddr, c wire.Cell)
	OnCreated  func(from net.UDPAddr, c wire.Cell)
	OnExtend   func(from net.UDPAddr, c wire.Cell)
	OnExtended func(from net.UDPAddr, c wire.Cell)
	OnPing     func(from net.UDPAddr, c wire.Cell)
	OnPong     func(from net.UDPAddr, c wire.Cell)
	OnDestroy  func(from net.UDPAddr, circuitID uint32)

	OnStatsRequest  func(from net.UDPAddr, c wire.Cell)
	OnStatsResponse func(from net.UDPAddr, c wire.Cell)

	// OnLocalData delivers plaintext payload that unwound all the way back
	// to us on a circuit we originated (spec.md §4.2 "local data").
	OnLocalData func(circuitID uint32, origin net.UDPAddr, payload []byte)

	// OnExitData delivers a plaintext payload that reached its last hop on
	// a circuit where we are the exit, destined for destination off-overlay
	// (spec.md §4.2, §4.3).
	OnExitData func(circuitID uint32, from net.UDPAddr, destination net.UDPAddr, payload []byte)
}

// Pipeline is the packet pipeline of spec.md §4.2: inbound demux, outbound
// layering, and circuit-id rewriting on relay. It holds no business logic of
// its own beyond routing decisions — everything circuit-builder/exit-socket
// shaped is delegated to Handlers.
type Pipeline struct {
	tables    *table.Tables
	transport Transport
	handlers  Handlers
	log       *slog.Logger
}

// New builds a Pipeline over tables, sending through transport and
// dispatching locally-terminating messages to handlers.
func New(tables *table.Tables, transport Transport, handlers Handlers, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{tables: tables, transport: transport, handlers: handlers, log: log}
}

// SendCell encrypts (unless cmd is a plaintext handshake command) and sends
// a control cell directly to dest — used for cells we originate (create,
// extend, ping, destroy) and replies we originate (created, pong), never for
// relayed cells, which HandleIncoming forwards after rewriting the circuit
// id and applying the relay's single crypto layer. `extended` is produced
// by relayCell from the next hop's `created`.
func (p *Pipeline) SendCell(circuitID uint32, cmd uint8, payload []byte, dest net.UDPAddr) error {
	if !wire.IsPlaintextCell(cmd) {
		ct, err := p.CryptoOut(circuitID, payload, false)
		if err != nil {
			return fmt.Errorf("encrypt cell %d for circuit %d: %w", cmd, circuitID, err)
		}
		payload = ct
	}
	frame := wire.EncodeCell(wire.Cell{CircuitID: circuitID, Command: cmd, Payload: payload})
	return p.transport.SendTo(dest, frame)
}

// SendData encrypts and sends a data frame originating at this node (the
// initiator injecting application payload into a circuit, or the exit
// relaying a reply back toward the previous hop).
func (p *Pipeline) SendData(circuitID uint32, destination, origin net.UDPAddr, payload []byte, dest net.UDPAddr) error {
	ct, err := p.CryptoOut(circuitID, payload, true)
	if err != nil {
		return fmt.Errorf("encrypt data for circuit %d: %w", circuitID, err)
	}
	frame, err := wire.EncodeData(wire.DataFrame{CircuitID: circuitID, Destination: destination, Origin: origin, Payload: ct})
	if err != nil {
		return fmt.Errorf("encode data frame: %w", err)
	}
	return p.transport.SendTo(dest, frame)
}

// HandleIncoming is the single entry point for every datagram the node's UDP
// socket receives, implementing spec.md §4.2's routing decision: relay
// (rewrite the circuit id, apply one crypto layer, forward), local control (decrypt and dispatch
// to a Handlers callback), or local data (decrypt and dispatch as payload).
func (p *Pipeline) HandleIncoming(from net.UDPAddr, raw []byte) {
	if wire.HasDataPrefix(raw) {
		p.handleData(from, raw)
		return
	}
	p.handleCell(from, raw)
}

func (p *Pipeline) handleCell(from net.UDPAddr, raw []byte) {
	circID, err := wire.CellCircuitID(raw)
	if err != nil {
		p.log.Debug("dropping undersized cell", "from", from, "err", err)
		return
	}

	if route, ok := p.tables.RelayRouteFor(circID); ok && !p.tables.IsWaiting(circID) {
		p.relayCell(from, raw, circID, route)
		return
	}

	cell, err := wire.DecodeCell(raw)
	if err != nil {
		p.log.Debug("dropping malformed cell", "from", from, "err", err)
		return
	}

	if !wire.IsPlaintextCell(cell.Command) {
		pt, err := p.CryptoIn(circID, cell.Payload, false)
		if err != nil {
			p.log.Debug("dropping cell with unresolvable crypto", "from", from, "circuit", circID, "err", err)
			return
		}
		cell.Payload = pt
	}

	switch cell.Command {
	case wire.CmdCreate:
		p.dispatch(p.handlers.OnCreate, from, cell)
	case wire.CmdCreated:
		p.dispatch(p.handlers.OnCreated, from, cell)
	case wire.CmdExtend:
		p.dispatch(p.handlers.OnExtend, from, cell)
	case wire.CmdExtended:
		p.dispatch(p.handlers.OnExtended, from, cell)
	case wire.CmdPing:
		p.dispatch(p.handlers.OnPing, from, cell)
	case wire.CmdPong:
		p.dispatch(p.handlers.OnPong, from, cell)
	case wire.CmdDestroy:
		if p.handlers.OnDestroy != nil {
			p.handlers.OnDestroy(from, circID)
		}
	case wire.CmdStatsRequest:
		p.dispatch(p.handlers.OnStatsRequest, from, cell)
	case wire.CmdStatsResponse:
		p.dispatch(p.handlers.OnStatsResponse, from, cell)
	default:
		p.log.Debug("dropping cell with unknown command", "from", from, "circuit", circID, "command", cell.Command)
	}
}

func (p *Pipeline) dispatch(h func(net.UDPAddr, wire.Cell), from net.UDPAddr, c wire.Cell) {
	if h != nil {
		h(from, c)
	}
}

// relayCell rewrites the circuit id in place and re-encrypts/decrypts the
// single relay_session_keys layer (spec.md §4.2), then forwards the frame
// without parsing its payload. The only command it inspects is `created`
// coming back from the next hop, which it forwards as `extended`.
func (p *Pipeline) relayCell(from net.UDPAddr, raw []byte, circID uint32, route *table.RelayRoute) {
	header, tail, err := wire.SplitCell(raw)
	if err != nil {
		p.log.Debug("dropping undersized relay cell", "from", from, "err", err)
		return
	}

	var out []byte
	if route.RendezvousRelay {
		out, err = p.CryptoRendezvousBridge(circID, route.OutboundID, tail)
	} else {
		out, err = p.CryptoRelay(circID, tail)
	}
	if err != nil {
		p.log.Debug("dropping relay cell with unresolvable crypto", "from", from, "circuit", circID, "err", err)
		return
	}

	fwd := make([]byte, len(header)+len(out))
	copy(fwd, header)
	copy(fwd[len(header):], out)
	// The next hop's `created` reaches the originator as `extended`.
	if header[len(header)-1] == wire.CmdCreated {
		fwd[len(header)-1] = wire.CmdExtended
	}
	if err := wire.RewriteCellCircuitID(fwd, route.OutboundID); err != nil {
		p.log.Debug("failed to rewrite relay cell circuit id", "err", err)
		return
	}

	// Per spec.md §4.2, the reverse entry's counters track this direction's
	// traffic (relay_from_to[next.circuit_id], i.e. route's mirror).
	if route.Mirror != nil {
		route.Mirror.LastIncoming = time.Now()
		route.Mirror.BytesUp += uint64(len(raw))
	}
	if err := p.transport.SendTo(route.NextHop, fwd); err != nil {
		p.log.Debug("failed to forward relay cell", "to", route.NextHop, "err", err)
	}
}

func (p *Pipeline) handleData(from net.UDPAddr, raw []byte) {
	circID, err := wire.DataCircuitID(raw)
	if err != nil {
		p.log.Debug("dropping undersized data frame", "from", from, "err", err)
		return
	}

	if route, ok := p.tables.RelayRouteFor(circID); ok && !p.tables.IsWaiting(circID) {
		p.relayData(from, raw, circID, route)
		return
	}

	frame, err := wire.DecodeData(raw)
	if err != nil {
		p.log.Debug("dropping malformed data frame", "from", from, "err", err)
		return
	}

	if _, isExit := p.tables.ExitSocketFor(circID); isExit {
		pt, err := p.CryptoIn(circID, frame.Payload, true)
		if err != nil {
			p.log.Debug("dropping exit data with unresolvable crypto", "from", from, "circuit", circID, "err", err)
			return
		}
		if !wire.IsAllowedExitPayload(pt) {
			p.log.Debug("dropping disallowed exit payload", "circuit", circID)
			return
		}
		if p.handlers.OnExitData != nil {
			p.handlers.OnExitData(circID, from, frame.Destination, pt)
		}
		return
	}

	if c, ok := p.tables.GetCircuit(circID); ok {
		pt, err := p.CryptoIn(circID, frame.Payload, true)
		if err != nil {
			p.log.Debug("dropping local data with unresolvable crypto", "from", from, "circuit", circID, "err", err)
			return
		}
		c.LastIncoming = time.Now()
		c.BytesDown += uint64(len(raw))
		if p.handlers.OnLocalData != nil {
			p.handlers.OnLocalData(circID, frame.Origin, pt)
		}
		return
	}

	p.log.Debug("dropping data frame for unknown circuit", "from", from, "circuit", circID)
}

func (p *Pipeline) relayData(from net.UDPAddr, raw []byte, circID uint32, route *table.RelayRoute) {
	header, tail, err := wire.SplitData(raw)
	if err != nil {
		p.log.Debug("dropping undersized relay data frame", "from", from, "err", err)
		return
	}

	var out []byte
	if route.RendezvousRelay {
		out, err = p.CryptoRendezvousBridge(circID, route.OutboundID, tail)
	} else {
		out, err = p.CryptoRelay(circID, tail)
	}
	if err != nil {
		p.log.Debug("dropping relay data with unresolvable crypto", "from", from, "circuit", circID, "err", err)
		return
	}

	fwd := make([]byte, len(header)+len(out))
	copy(fwd, header)
	copy(fwd[len(header):], out)
	if err := wire.RewriteDataCircuitID(fwd, route.OutboundID); err != nil {
		p.log.Debug("failed to rewrite relay data circuit id", "err", err)
		return
	}

	if route.Mirror != nil {
		route.Mirror.LastIncoming = time.Now()
		route.Mirror.BytesUp += uint64(len(raw))
	}
	if err := p.transport.SendTo(route.NextHop, fwd); err != nil {
		p.log.Debug("failed to forward relay data", "to", route.NextHop, "err", err)
	}
}
