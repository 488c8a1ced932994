package exitsock

import (
	"net"
	"testing"

	"github.com/veiltun/tunnel/internal/table"
)

func newExit(circID uint32) *table.ExitSocket {
	return &table.ExitSocket{
		CircuitID:       circID,
		Origin:          net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000},
		PerDestCounters: map[string]int{},
	}
}

func TestCheckAbuseOutboundTripsAtThreshold(t *testing.T) {
	e := newExit(1)
	ip := net.ParseIP("203.0.113.7")
	const max = 3

	for i := 0; i < max; i++ {
		if !checkAbuse(e, ip, false, max) {
			t.Fatalf("unexpected trip on outbound packet %d", i)
		}
	}
	if checkAbuse(e, ip, false, max) {
		t.Fatal("expected outbound check to trip once count reaches max")
	}
}

func TestCheckAbuseInboundResetsCounter(t *testing.T) {
	e := newExit(1)
	ip := net.ParseIP("203.0.113.7")
	const max = 3

	for i := 0; i < max-1; i++ {
		if !checkAbuse(e, ip, false, max) {
			t.Fatalf("unexpected trip on outbound packet %d", i)
		}
	}
	if !checkAbuse(e, ip, true, max) {
		t.Fatal("expected inbound reply to pass below its threshold")
	}
	if e.PerDestCounters[ip.String()] != -1 {
		t.Fatalf("expected inbound reply to reset counter to -1, got %d", e.PerDestCounters[ip.String()])
	}

	for i := 0; i < 100; i++ {
		if !checkAbuse(e, ip, false, max) {
			t.Fatal("expected counter to stay uncapped forever once reset by a reply")
		}
	}
}

func TestCheckAbuseInboundHasOneExtraAllowance(t *testing.T) {
	e := newExit(1)
	ip := net.ParseIP("203.0.113.7")
	const max = 2

	// Inbound threshold is max+1, distinct from outbound's max.
	if !checkAbuse(e, ip, true, max) {
		t.Fatal("expected first inbound packet to pass")
	}
	if e.PerDestCounters[ip.String()] != -1 {
		t.Fatal("expected first inbound packet (below threshold) to reset to -1")
	}
}

func TestCheckAbuseInboundTripsAtExtendedThreshold(t *testing.T) {
	e := newExit(1)
	e.PerDestCounters["203.0.113.7"] = 3 // already at max for max=3, outbound would trip
	ip := net.ParseIP("203.0.113.7")

	if !checkAbuse(e, ip, true, 3) {
		t.Fatal("expected inbound threshold (max+1) to still allow at count==max")
	}
	if !checkAbuse(e, ip, false, 3) {
		// after the inbound reply above the counter is -1, outbound must pass.
		t.Fatal("expected counter reset by inbound reply to leave outbound unthrottled")
	}

	// A different destination already one past max trips the inbound check.
	e.PerDestCounters["198.51.100.9"] = 4
	if checkAbuse(e, net.ParseIP("198.51.100.9"), true, 3) {
		t.Fatal("expected inbound check to trip once the counter reaches max+1")
	}
}

func TestManagerRemoveIsIdempotent(t *testing.T) {
	tables := table.New()
	tables.AddExitSocket(newExit(5))

	m := New(tables, nil, nil, Config{MaxPacketsWithoutReply: 50}, nil)
	m.Remove(5, "test", false)
	if _, ok := tables.ExitSocketFor(5); ok {
		t.Fatal("expected exit socket to be removed")
	}

	// Removing again must not panic despite the socket already being gone.
	m.Remove(5, "test", false)
}
