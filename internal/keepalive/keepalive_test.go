package keepalive

import (
	"net"
	"testing"
	"time"

	"github.com/veiltun/tunnel/internal/table"
	"github.com/veiltun/tunnel/internal/wire"
)

type fakeSender struct {
	cmds []uint8
	last wire.Cell
}

func (f *fakeSender) SendCell(circuitID uint32, cmd uint8, payload []byte, dest net.UDPAddr) error {
	f.cmds = append(f.cmds, cmd)
	f.last = wire.Cell{CircuitID: circuitID, Command: cmd, Payload: payload}
	return nil
}

type fakeRemover struct {
	removed []uint32
}

func (f *fakeRemover) RemoveCircuitNow(c *table.Circuit, reason string) {
	f.removed = append(f.removed, c.ID)
}

func readyCircuit(id uint32) *table.Circuit {
	return &table.Circuit{
		ID:           id,
		GoalHops:     1,
		State:        table.StateReady,
		Hops:         make([]*table.Hop, 1),
		Type:         table.CircuitTypeData,
		LastIncoming: time.Now(),
	}
}

func TestPingAllSendsPingToReadyDataCircuits(t *testing.T) {
	tables := table.New()
	tables.AddCircuit(readyCircuit(1))

	sender := &fakeSender{}
	k := New(tables, sender, nil, time.Second, nil)
	k.pingAll()

	if len(sender.cmds) != 1 || sender.cmds[0] != wire.CmdPing {
		t.Fatalf("expected one ping cell, got %v", sender.cmds)
	}
}

func TestPingAllSkipsRendezvousCircuits(t *testing.T) {
	tables := table.New()
	c := readyCircuit(1)
	c.Type = table.CircuitTypeRendezvous
	tables.AddCircuit(c)

	sender := &fakeSender{}
	k := New(tables, sender, nil, time.Second, nil)
	k.pingAll()

	if len(sender.cmds) != 0 {
		t.Fatalf("expected no ping sent to a rendezvous circuit, got %v", sender.cmds)
	}
}

func TestOnPongPopsCacheAndMarksAlive(t *testing.T) {
	tables := table.New()
	c := readyCircuit(1)
	c.LastIncoming = time.Now().Add(-time.Hour)
	tables.AddCircuit(c)

	sender := &fakeSender{}
	k := New(tables, sender, nil, time.Second, nil)
	k.ping(c)

	k.OnPong(net.UDPAddr{}, wire.Cell{CircuitID: 1, Payload: sender.last.Payload})

	if time.Since(c.LastIncoming) > time.Second {
		t.Fatal("expected OnPong to refresh LastIncoming")
	}
	if k.cache.Len() != 0 {
		t.Fatal("expected OnPong to pop the ping request from the cache")
	}
}

func TestOnPingRepliesWithPong(t *testing.T) {
	sender := &fakeSender{}
	k := New(table.New(), sender, nil, time.Second, nil)
	from := net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}

	k.OnPing(from, wire.Cell{CircuitID: 7, Payload: []byte{1, 2, 3, 4}})

	if len(sender.cmds) != 1 || sender.cmds[0] != wire.CmdPong {
		t.Fatalf("expected one pong cell, got %v", sender.cmds)
	}
	if sender.last.CircuitID != 7 {
		t.Fatalf("expected pong on circuit 7, got %d", sender.last.CircuitID)
	}
}

func TestPingTimeoutRemovesStaleCircuit(t *testing.T) {
	tables := table.New()
	c := readyCircuit(1)
	tables.AddCircuit(c)

	remover := &fakeRemover{}
	k := New(tables, &fakeSender{}, remover, 10*time.Millisecond, nil)
	k.grace = 5 * time.Millisecond
	k.ping(c)

	c.LastIncoming = time.Now().Add(-time.Hour)
	time.Sleep(50 * time.Millisecond)

	if len(remover.removed) != 1 || remover.removed[0] != 1 {
		t.Fatalf("expected circuit 1 removed on ping timeout, got %v", remover.removed)
	}
}

func TestPingTimeoutSkipsRecentlyRefreshedCircuit(t *testing.T) {
	tables := table.New()
	c := readyCircuit(1)
	tables.AddCircuit(c)

	remover := &fakeRemover{}
	k := New(tables, &fakeSender{}, remover, 10*time.Millisecond, nil)
	k.grace = 5 * time.Millisecond
	k.ping(c)

	// Refresh LastIncoming before the probe's timeout fires, as a pong for
	// an earlier probe arriving would.
	time.Sleep(10 * time.Millisecond)
	c.LastIncoming = time.Now()
	time.Sleep(40 * time.Millisecond)

	if len(remover.removed) != 0 {
		t.Fatalf("expected no removal for a circuit with fresh LastIncoming, got %v", remover.removed)
	}
}
