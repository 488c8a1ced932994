package pipeline

import (
	"crypto/rand"
	"log/slog"
	"net"
	"sync"
	"testing"

	"golang.org/x/crypto/curve25519"

	"github.com/veiltun/tunnel/internal/table"
	"github.com/veiltun/tunnel/internal/tcrypto"
	"github.com/veiltun/tunnel/internal/wire"
)

// fakeTransport records every datagram sent, keyed by destination, for
// assertions, mirroring the teacher's pattern of a recording io.Writer in
// link tests.
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentFrame
}

type sentFrame struct {
	to    net.UDPAddr
	frame []byte
}

func (f *fakeTransport) SendTo(addr net.UDPAddr, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, sentFrame{to: addr, frame: cp})
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func handshakePair(t *testing.T) (clientQuad, serverQuad *tcrypto.KeyQuad) {
	t.Helper()
	var staticPriv, staticPub [32]byte
	if _, err := rand.Read(staticPriv[:]); err != nil {
		t.Fatal(err)
	}
	pub, err := curve25519.X25519(staticPriv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("static pubkey: %v", err)
	}
	copy(staticPub[:], pub)

	hs, err := tcrypto.NewHandshake(staticPub)
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}
	y, auth, serverQuad, err := tcrypto.ServerRespond(staticPriv, staticPub, hs.ClientPublic())
	if err != nil {
		t.Fatalf("ServerRespond: %v", err)
	}
	clientQuad, err = hs.Complete(y, auth)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	return clientQuad, serverQuad
}

func TestHandleIncoming_RelayRewritesCircuitIDAndForwards(t *testing.T) {
	tables := table.New()
	transport := &fakeTransport{}
	p := New(tables, transport, Handlers{}, discardLogger())

	_, relayQuad := handshakePair(t)
	tables.SetRelaySessionKeys(10, relayQuad)
	tables.SetDirection(10, table.ExitNode) // this id's traffic flows toward the exit
	next := net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 9000}
	tables.AddRelayPair(
		&table.RelayRoute{InboundID: 10, OutboundID: 20, NextHop: next},
		&table.RelayRoute{InboundID: 20, OutboundID: 10, NextHop: net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9000}},
	)

	// Build a cell as the upstream peer would: plaintext command byte,
	// tail encrypted with the upstream peer's ORIGINATOR-direction key,
	// which this relay peels with its EXIT_NODE-direction key.
	from := net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9000}
	// This relay will decrypt with its EXIT_NODE-direction key (Kin), so the
	// simulated upstream peer must have encrypted with the matching raw key.
	ct, err := tcrypto.EncryptStr(relayQuad.Kin, relayQuad.SaltIn, relayQuad.SaltExplicit[table.ExitNode]+1, []byte("ping-payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw := wire.EncodeCell(wire.Cell{CircuitID: 10, Command: wire.CmdPing, Payload: ct})

	p.HandleIncoming(from, raw)

	if len(transport.sent) != 1 {
		t.Fatalf("expected 1 forwarded frame, got %d", len(transport.sent))
	}
	got := transport.sent[0]
	if got.to.String() != next.String() {
		t.Fatalf("forwarded to wrong next hop: %v", got.to)
	}
	gotID, err := wire.CellCircuitID(got.frame)
	if err != nil || gotID != 20 {
		t.Fatalf("expected rewritten circuit id 20, got %d (err %v)", gotID, err)
	}
}

func TestHandleIncoming_LocalCreateDispatches(t *testing.T) {
	tables := table.New()
	transport := &fakeTransport{}

	var called bool
	var gotFrom net.UDPAddr
	var gotCell wire.Cell
	h := Handlers{
		OnCreate: func(from net.UDPAddr, c wire.Cell) {
			called = true
			gotFrom = from
			gotCell = c
		},
	}
	p := New(tables, transport, h, discardLogger())

	from := net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1234}
	raw := wire.EncodeCell(wire.Cell{CircuitID: 42, Command: wire.CmdCreate, Payload: []byte("dh-pub-key")})
	p.HandleIncoming(from, raw)

	if !called {
		t.Fatal("expected OnCreate to fire")
	}
	if gotFrom.String() != from.String() {
		t.Fatalf("wrong from addr: %v", gotFrom)
	}
	if gotCell.CircuitID != 42 || string(gotCell.Payload) != "dh-pub-key" {
		t.Fatalf("wrong cell delivered: %+v", gotCell)
	}
}

func TestHandleIncoming_ExitDataDecryptsAndDispatches(t *testing.T) {
	tables := table.New()
	transport := &fakeTransport{}

	var gotPayload []byte
	var gotDest net.UDPAddr
	h := Handlers{
		OnExitData: func(circuitID uint32, from net.UDPAddr, destination net.UDPAddr, payload []byte) {
			gotPayload = payload
			gotDest = destination
		},
	}
	p := New(tables, transport, h, discardLogger())

	_, exitQuad := handshakePair(t)
	tables.SetRelaySessionKeys(99, exitQuad)
	tables.AddExitSocket(&table.ExitSocket{CircuitID: 99, PerDestCounters: map[string]int{}})

	dest := net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 6881}
	origin := net.UDPAddr{IP: net.ParseIP("10.0.0.9"), Port: 9000}

	ct, err := tcrypto.EncryptStr(exitQuad.Kin, exitQuad.SaltIn, exitQuad.SaltExplicit[table.ExitNode]+1, []byte("bt-packet"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := wire.EncodeData(wire.DataFrame{CircuitID: 99, Destination: dest, Origin: origin, Payload: ct})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	p.HandleIncoming(origin, raw)

	if string(gotPayload) != "bt-packet" {
		t.Fatalf("expected decrypted payload, got %q", gotPayload)
	}
	if gotDest.String() != dest.String() {
		t.Fatalf("wrong destination: %v", gotDest)
	}
}
