package sweeper

import (
	"net"
	"testing"
	"time"

	"github.com/veiltun/tunnel/internal/table"
)

type fakeSender struct {
	sent []uint32
}

func (f *fakeSender) SendCell(circuitID uint32, cmd uint8, payload []byte, dest net.UDPAddr) error {
	f.sent = append(f.sent, circuitID)
	return nil
}

type fakeExitRemover struct {
	removed []uint32
}

func (f *fakeExitRemover) Remove(circuitID uint32, reason string, emitDestroy bool) {
	f.removed = append(f.removed, circuitID)
}

type fakeNotifier struct {
	notified []uint32
}

func (f *fakeNotifier) CircuitRemoved(c *table.Circuit, reason string) {
	f.notified = append(f.notified, c.ID)
}

func TestSweepRemovesInactiveCircuit(t *testing.T) {
	tables := table.New()
	now := time.Now()
	tables.AddCircuit(&table.Circuit{ID: 1, CreatedAt: now, LastIncoming: now.Add(-time.Hour)})
	tables.AddCircuit(&table.Circuit{ID: 2, CreatedAt: now, LastIncoming: now})

	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	s := New(tables, sender, nil, notifier, nil, nil, Config{MaxTimeInactive: time.Minute}, nil)
	s.SweepOnce(now)

	if _, ok := tables.GetCircuit(1); ok {
		t.Fatal("expected inactive circuit to be removed")
	}
	if _, ok := tables.GetCircuit(2); !ok {
		t.Fatal("expected active circuit to survive")
	}
	if len(notifier.notified) != 1 || notifier.notified[0] != 1 {
		t.Fatalf("expected notifier called for circuit 1, got %v", notifier.notified)
	}
	if len(sender.sent) != 1 || sender.sent[0] != 1 {
		t.Fatalf("expected destroy sent for circuit 1, got %v", sender.sent)
	}
}

func TestSweepRemovesOverTrafficCircuit(t *testing.T) {
	tables := table.New()
	now := time.Now()
	tables.AddCircuit(&table.Circuit{ID: 1, CreatedAt: now, LastIncoming: now, BytesUp: 900, BytesDown: 200})

	s := New(tables, &fakeSender{}, nil, nil, nil, nil, Config{MaxTraffic: 1000}, nil)
	s.SweepOnce(now)

	if _, ok := tables.GetCircuit(1); ok {
		t.Fatal("expected over-traffic circuit to be removed")
	}
}

func TestSweepRemovesExitSocketViaRemover(t *testing.T) {
	tables := table.New()
	now := time.Now()
	tables.AddExitSocket(&table.ExitSocket{CircuitID: 7, CreatedAt: now, LastIncoming: now.Add(-time.Hour)})

	exits := &fakeExitRemover{}
	s := New(tables, &fakeSender{}, exits, nil, nil, nil, Config{MaxTimeInactive: time.Minute}, nil)
	s.SweepOnce(now)

	if len(exits.removed) != 1 || exits.removed[0] != 7 {
		t.Fatalf("expected exit socket 7 removed via ExitRemover, got %v", exits.removed)
	}
}

func TestSweepRemovesBothHalvesOfRelayPair(t *testing.T) {
	tables := table.New()
	now := time.Now()
	fwd := &table.RelayRoute{InboundID: 10, OutboundID: 11, CreatedAt: now, LastIncoming: now.Add(-time.Hour)}
	rev := &table.RelayRoute{InboundID: 11, OutboundID: 10, CreatedAt: now, LastIncoming: now.Add(-time.Hour)}
	tables.AddRelayPair(fwd, rev)

	sender := &fakeSender{}
	s := New(tables, sender, nil, nil, nil, nil, Config{MaxTimeInactive: time.Minute}, nil)
	s.SweepOnce(now)

	if _, ok := tables.RelayRouteFor(10); ok {
		t.Fatal("expected forward relay half removed")
	}
	if _, ok := tables.RelayRouteFor(11); ok {
		t.Fatal("expected reverse relay half removed")
	}
	if len(sender.sent) != 2 {
		t.Fatalf("expected destroy sent for both relay legs, got %v", sender.sent)
	}
}
