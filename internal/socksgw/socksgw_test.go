package socksgw

import (
	"net"
	"testing"
	"time"

	"github.com/veiltun/tunnel/internal/table"
)

func TestDecodeUDPRequestRoundTrips(t *testing.T) {
	req := []byte{0x00, 0x00, 0x00, 0x01, 198, 51, 100, 7, 0x1A, 0xE1, 'h', 'i'}
	dest, payload, err := decodeUDPRequest(req)
	if err != nil {
		t.Fatalf("decodeUDPRequest: %v", err)
	}
	if dest.IP.String() != "198.51.100.7" || dest.Port != 0x1AE1 {
		t.Fatalf("unexpected destination: %+v", dest)
	}
	if string(payload) != "hi" {
		t.Fatalf("unexpected payload: %q", payload)
	}
}

func TestDecodeUDPRequestRejectsFragments(t *testing.T) {
	req := []byte{0x00, 0x00, 0x01, 0x01, 198, 51, 100, 7, 0, 80}
	if _, _, err := decodeUDPRequest(req); err == nil {
		t.Fatal("expected fragmented datagram to be rejected")
	}
}

func TestEncodeUDPReplyDecodesBack(t *testing.T) {
	src := net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4242}
	reply := encodeUDPReply(src, []byte("pong"))

	dest, payload, err := decodeUDPRequest(reply)
	if err != nil {
		t.Fatalf("decodeUDPRequest on reply: %v", err)
	}
	if dest.IP.String() != "203.0.113.9" || dest.Port != 4242 {
		t.Fatalf("unexpected round-tripped address: %+v", dest)
	}
	if string(payload) != "pong" {
		t.Fatalf("unexpected round-tripped payload: %q", payload)
	}
}

func TestOnLocalDataRoutesToBoundAssociation(t *testing.T) {
	relay, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer relay.Close()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer client.Close()

	g := &Gateway{byCircuit: make(map[uint32]*association)}
	a := &association{relay: relay, client: *client.LocalAddr().(*net.UDPAddr), hasAddr: true, circuit: &table.Circuit{ID: 3}}
	g.byCircuit[3] = a

	g.OnLocalData(3, net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 80}, []byte("data"))

	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 64)
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected a UDP reply to reach the client: %v", err)
	}
	dest, payload, err := decodeUDPRequest(buf[:n])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if dest.IP.String() != "1.2.3.4" || dest.Port != 80 {
		t.Fatalf("unexpected reply source address: %+v", dest)
	}
	if string(payload) != "data" {
		t.Fatalf("unexpected reply payload: %q", payload)
	}
}

func TestCircuitRemovedDropsAssociationMapping(t *testing.T) {
	g := &Gateway{byCircuit: make(map[uint32]*association)}
	c := &table.Circuit{ID: 9}
	g.byCircuit[9] = &association{circuit: c}

	g.CircuitRemoved(c, "test")

	if _, ok := g.byCircuit[9]; ok {
		t.Fatal("expected circuit mapping to be dropped")
	}
}
