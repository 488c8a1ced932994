package wire

import (
	"bytes"
	"net"
	"testing"
)

func TestCellRoundTrip(t *testing.T) {
	c := Cell{CircuitID: 0xDEADBEEF, Command: CmdExtend, Payload: []byte("hello")}
	encoded := EncodeCell(c)

	got, err := DecodeCell(encoded)
	if err != nil {
		t.Fatalf("DecodeCell: %v", err)
	}
	if got.CircuitID != c.CircuitID || got.Command != c.Command || !bytes.Equal(got.Payload, c.Payload) {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, c)
	}
}

func TestCellCircuitIDFastPath(t *testing.T) {
	c := Cell{CircuitID: 0x12345678, Command: CmdPing, Payload: []byte{1, 2, 3}}
	encoded := EncodeCell(c)

	id, err := CellCircuitID(encoded)
	if err != nil {
		t.Fatalf("CellCircuitID: %v", err)
	}
	if id != c.CircuitID {
		t.Fatalf("got %x want %x", id, c.CircuitID)
	}

	if err := RewriteCellCircuitID(encoded, 0x99); err != nil {
		t.Fatalf("RewriteCellCircuitID: %v", err)
	}
	got, err := DecodeCell(encoded)
	if err != nil {
		t.Fatalf("DecodeCell after rewrite: %v", err)
	}
	if got.CircuitID != 0x99 {
		t.Fatalf("rewrite did not take effect: got %x", got.CircuitID)
	}
	if !bytes.Equal(got.Payload, c.Payload) {
		t.Fatalf("rewrite corrupted payload")
	}
}

func TestIsPlaintextCell(t *testing.T) {
	if !IsPlaintextCell(CmdCreate) || !IsPlaintextCell(CmdCreated) {
		t.Fatal("create/created must be plaintext")
	}
	if IsPlaintextCell(CmdExtend) || IsPlaintextCell(CmdPing) {
		t.Fatal("extend/ping must not be plaintext")
	}
}

func TestDataFrameRoundTrip(t *testing.T) {
	f := DataFrame{
		CircuitID:   1,
		Destination: net.UDPAddr{IP: net.ParseIP("198.51.100.7").To4(), Port: 9999},
		Origin:      net.UDPAddr{IP: net.IPv4zero, Port: 0},
		Payload:     []byte("some bittorrent bytes"),
	}
	encoded, err := EncodeData(f)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	if !HasDataPrefix(encoded) {
		t.Fatal("expected data prefix")
	}

	got, err := DecodeData(encoded)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if got.CircuitID != f.CircuitID {
		t.Fatalf("circuit id mismatch: got %d want %d", got.CircuitID, f.CircuitID)
	}
	if !got.Destination.IP.Equal(f.Destination.IP) || got.Destination.Port != f.Destination.Port {
		t.Fatalf("destination mismatch: got %v want %v", got.Destination, f.Destination)
	}
	if !IsNullAddr(got.Origin) {
		t.Fatalf("expected null origin, got %v", got.Origin)
	}
	if !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, f.Payload)
	}
}

func TestDataCircuitIDFastPath(t *testing.T) {
	f := DataFrame{CircuitID: 7, Destination: UDPAddr(t, "1.2.3.4:80"), Origin: UDPAddr(t, "0.0.0.0:0")}
	encoded, err := EncodeData(f)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	id, err := DataCircuitID(encoded)
	if err != nil {
		t.Fatalf("DataCircuitID: %v", err)
	}
	if id != 7 {
		t.Fatalf("got %d want 7", id)
	}
	if err := RewriteDataCircuitID(encoded, 42); err != nil {
		t.Fatalf("RewriteDataCircuitID: %v", err)
	}
	id, err = DataCircuitID(encoded)
	if err != nil {
		t.Fatalf("DataCircuitID after rewrite: %v", err)
	}
	if id != 42 {
		t.Fatalf("rewrite did not take effect: got %d", id)
	}
}

func TestIsNullAddr(t *testing.T) {
	if !IsNullAddr(net.UDPAddr{IP: net.IPv4zero, Port: 0}) {
		t.Fatal("expected 0.0.0.0:0 to be null")
	}
	if IsNullAddr(net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 80}) {
		t.Fatal("expected non-zero addr to not be null")
	}
}

func UDPAddr(t *testing.T, s string) net.UDPAddr {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp4", s)
	if err != nil {
		t.Fatalf("ResolveUDPAddr(%q): %v", s, err)
	}
	return *addr
}
