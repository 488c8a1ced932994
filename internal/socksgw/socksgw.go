// Package socksgw implements the local SOCKS5 gateway of spec.md §1/§6: a
// loopback-only SOCKS5 UDP ASSOCIATE server that lets an unmodified
// BitTorrent client (or any UDP application) send its datagrams through
// the overlay without knowing circuits exist. Grounded on `socks/socks.go`
// (TCP handshake, loopback enforcement, connection-count semaphore,
// bidirectional-relay-then-wait shape) and adapted from its CONNECT-only
// stream relay to the datagram-oriented UDP ASSOCIATE command this spec
// needs instead.
package socksgw

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/veiltun/tunnel/internal/table"
)

const maxConns = 256

// udpAssociateDeadline bounds the handshake phase; the TCP control
// connection is then held open (its only purpose, per RFC 1928 §6, is
// signalling "the client is still here") until the client disconnects.
const udpAssociateDeadline = 2 * time.Minute

// CircuitSelector is the one thing the gateway needs to turn a UDP
// datagram's destination address into an outbound circuit (internal/
// selector.Selector satisfies this).
type CircuitSelector interface {
	Select(destination *net.UDPAddr, hops int) (*table.Circuit, bool)
}

// DataSender is the one thing the gateway needs to inject a client
// datagram into a circuit (pipeline.Pipeline.SendData satisfies this).
type DataSender interface {
	SendData(circuitID uint32, destination, origin net.UDPAddr, payload []byte, dest net.UDPAddr) error
}

// association is one active UDP ASSOCIATE session: a relay UDP socket
// facing the local application, bound to whichever circuit first serviced
// it.
type association struct {
	relay   *net.UDPConn
	client  net.UDPAddr // set on first datagram received from the application
	hasAddr bool
	circuit *table.Circuit
}

// Gateway is the SOCKS5 UDP ASSOCIATE server.
type Gateway struct {
	Addr     string
	Selector CircuitSelector
	Sender   DataSender
	Hops     int // desired circuit length, 0 = any
	Logger   *slog.Logger

	ln  net.Listener
	sem chan struct{}

	mu        sync.Mutex
	byCircuit map[uint32]*association
}

// ListenAndServe starts the gateway's TCP control listener.
func (g *Gateway) ListenAndServe() error {
	if g.Logger == nil {
		g.Logger = slog.Default()
	}
	host, _, err := net.SplitHostPort(g.Addr)
	if err != nil {
		return fmt.Errorf("parse listen address: %w", err)
	}
	ip := net.ParseIP(host)
	if host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("SOCKS5 gateway must bind to loopback address, got %s", host)
	}

	ln, err := net.Listen("tcp", g.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	g.ln = ln
	g.sem = make(chan struct{}, maxConns)
	g.byCircuit = make(map[uint32]*association)
	g.Logger.Info("SOCKS5 gateway listening", "addr", g.Addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		g.sem <- struct{}{}
		go func() {
			defer func() { <-g.sem }()
			g.handleConn(conn)
		}()
	}
}

// Close stops the gateway's control listener. In-flight associations' UDP
// sockets are closed as their owning connection unwinds.
func (g *Gateway) Close() error {
	if g.ln != nil {
		return g.ln.Close()
	}
	return nil
}

func (g *Gateway) handleConn(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(udpAssociateDeadline))

	if err := doHandshake(conn); err != nil {
		g.Logger.Debug("handshake failed", "err", err)
		return
	}

	cmd, err := readUDPAssociate(conn)
	if err != nil {
		g.Logger.Debug("UDP ASSOCIATE request failed", "err", err)
		return
	}
	_ = cmd

	relay, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		g.Logger.Error("failed to open relay socket", "err", err)
		sendReply(conn, 0x01)
		return
	}
	defer func() { _ = relay.Close() }()

	assoc := &association{relay: relay}

	if err := sendBoundReply(conn, relay.LocalAddr().(*net.UDPAddr)); err != nil {
		g.Logger.Debug("failed to send UDP ASSOCIATE reply", "err", err)
		return
	}
	_ = conn.SetDeadline(time.Time{})

	go g.relayLoop(assoc)

	// RFC 1928 §6: the association lives as long as this TCP connection
	// stays open. We never read application data from it again.
	buf := make([]byte, 1)
	_, _ = conn.Read(buf)

	g.dropAssociation(assoc)
}

// relayLoop reads datagrams the local application sends to the relay
// socket, unwraps the SOCKS5 UDP request header, and injects the payload
// into a circuit (spec.md §1's "local SOCKS5 gateway").
func (g *Gateway) relayLoop(a *association) {
	buf := make([]byte, 65535)
	for {
		n, from, err := a.relay.ReadFromUDP(buf)
		if err != nil {
			return
		}
		a.client = *from
		a.hasAddr = true

		dest, payload, err := decodeUDPRequest(buf[:n])
		if err != nil {
			g.Logger.Debug("dropping malformed SOCKS5 UDP datagram", "err", err)
			continue
		}

		if a.circuit == nil || !a.circuit.IsReady() {
			c, ok := g.Selector.Select(&dest, g.Hops)
			if !ok {
				g.Logger.Debug("no circuit available for UDP datagram", "destination", dest)
				continue
			}
			g.bindAssociation(a, c)
		}

		if err := g.Sender.SendData(a.circuit.ID, dest, net.UDPAddr{}, payload, a.circuit.FirstHop); err != nil {
			g.Logger.Debug("failed to send UDP datagram into circuit", "circuit", a.circuit.ID, "err", err)
		}
	}
}

func (g *Gateway) bindAssociation(a *association, c *table.Circuit) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a.circuit != nil {
		delete(g.byCircuit, a.circuit.ID)
	}
	a.circuit = c
	g.byCircuit[c.ID] = a
}

func (g *Gateway) dropAssociation(a *association) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a.circuit != nil {
		delete(g.byCircuit, a.circuit.ID)
	}
}

// OnLocalData is the pipeline.Handlers.OnLocalData callback: a reply
// arrived on a circuit we originated on behalf of one of these
// associations. It gets wrapped back into a SOCKS5 UDP reply and written
// to whichever application sent the original datagram.
func (g *Gateway) OnLocalData(circuitID uint32, origin net.UDPAddr, payload []byte) {
	g.mu.Lock()
	a, ok := g.byCircuit[circuitID]
	g.mu.Unlock()
	if !ok || !a.hasAddr {
		return
	}

	reply := encodeUDPReply(origin, payload)
	if _, err := a.relay.WriteToUDP(reply, &a.client); err != nil {
		g.Logger.Debug("failed to write UDP reply to application", "circuit", circuitID, "err", err)
	}
}

// CircuitRemoved is the sweeper.SessionNotifier callback: the circuit
// backing an association was torn down, so its mapping is dropped — the
// association's next datagram picks a fresh circuit via Selector.
func (g *Gateway) CircuitRemoved(c *table.Circuit, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if a, ok := g.byCircuit[c.ID]; ok {
		a.circuit = nil
		delete(g.byCircuit, c.ID)
	}
}

func doHandshake(conn net.Conn) error {
	var buf [258]byte
	if _, err := io.ReadFull(conn, buf[:2]); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if buf[0] != 0x05 {
		return fmt.Errorf("unsupported SOCKS version: %d", buf[0])
	}
	nMethods := int(buf[1])
	if nMethods == 0 {
		return fmt.Errorf("no methods offered")
	}
	if _, err := io.ReadFull(conn, buf[:nMethods]); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	found := false
	for i := 0; i < nMethods; i++ {
		if buf[i] == 0x00 {
			found = true
			break
		}
	}
	if !found {
		_, _ = conn.Write([]byte{0x05, 0xFF})
		return fmt.Errorf("client does not offer no-auth method")
	}

	_, err := conn.Write([]byte{0x05, 0x00})
	return err
}

// readUDPAssociate reads a SOCKS5 request and rejects anything but the
// UDP ASSOCIATE command (0x03) — this gateway never proxies TCP.
func readUDPAssociate(conn net.Conn) (byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return 0, fmt.Errorf("read request header: %w", err)
	}
	if hdr[0] != 0x05 {
		return 0, fmt.Errorf("bad version: %d", hdr[0])
	}
	if hdr[1] != 0x03 {
		sendReply(conn, 0x07)
		return 0, fmt.Errorf("unsupported command: %d, only UDP ASSOCIATE is served", hdr[1])
	}

	// DST.ADDR/DST.PORT for UDP ASSOCIATE is the client's expected source,
	// which it typically leaves as 0.0.0.0:0 and we don't enforce.
	switch hdr[3] {
	case 0x01:
		var addr [4]byte
		if _, err := io.ReadFull(conn, addr[:]); err != nil {
			return 0, err
		}
	case 0x03:
		var l [1]byte
		if _, err := io.ReadFull(conn, l[:]); err != nil {
			return 0, err
		}
		domain := make([]byte, l[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return 0, err
		}
	case 0x04:
		sendReply(conn, 0x08)
		return 0, fmt.Errorf("IPv6 not supported")
	default:
		return 0, fmt.Errorf("unknown address type: %d", hdr[3])
	}
	var port [2]byte
	if _, err := io.ReadFull(conn, port[:]); err != nil {
		return 0, err
	}
	return hdr[1], nil
}

func sendReply(conn net.Conn, rep byte) {
	reply := []byte{0x05, rep, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	_, _ = conn.Write(reply)
}

// sendBoundReply replies with the relay socket's address as BND.ADDR/
// BND.PORT, the address the application must send its UDP datagrams to.
func sendBoundReply(conn net.Conn, bound *net.UDPAddr) error {
	ip4 := bound.IP.To4()
	if ip4 == nil {
		return fmt.Errorf("relay socket bound to non-IPv4 address %v", bound.IP)
	}
	reply := make([]byte, 10)
	reply[0] = 0x05
	reply[1] = 0x00
	reply[2] = 0x00
	reply[3] = 0x01
	copy(reply[4:8], ip4)
	binary.BigEndian.PutUint16(reply[8:10], uint16(bound.Port))
	_, err := conn.Write(reply)
	return err
}

// decodeUDPRequest parses the SOCKS5 UDP request header: RSV(2) FRAG(1)
// ATYP(1) DST.ADDR DST.PORT(2) DATA. Fragmentation (FRAG != 0) is rejected
// — BitTorrent datagrams never need it and spec.md's Non-goals exclude
// reassembly.
func decodeUDPRequest(b []byte) (net.UDPAddr, []byte, error) {
	if len(b) < 4 {
		return net.UDPAddr{}, nil, fmt.Errorf("datagram too short")
	}
	if b[2] != 0x00 {
		return net.UDPAddr{}, nil, fmt.Errorf("fragmented UDP datagrams are not supported")
	}
	switch b[3] {
	case 0x01:
		if len(b) < 4+4+2 {
			return net.UDPAddr{}, nil, fmt.Errorf("datagram too short for IPv4 address")
		}
		ip := net.IP(append([]byte(nil), b[4:8]...))
		port := binary.BigEndian.Uint16(b[8:10])
		return net.UDPAddr{IP: ip, Port: int(port)}, b[10:], nil
	default:
		return net.UDPAddr{}, nil, fmt.Errorf("unsupported SOCKS5 UDP address type: %d", b[3])
	}
}

// encodeUDPReply wraps payload back into a SOCKS5 UDP reply carrying
// source as DST.ADDR/DST.PORT, matching the request header's shape.
func encodeUDPReply(source net.UDPAddr, payload []byte) []byte {
	ip4 := source.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	out := make([]byte, 10+len(payload))
	out[2] = 0x00
	out[3] = 0x01
	copy(out[4:8], ip4)
	binary.BigEndian.PutUint16(out[8:10], uint16(source.Port))
	copy(out[10:], payload)
	return out
}
