package selector

import (
	"net"
	"testing"

	"github.com/veiltun/tunnel/internal/config"
	"github.com/veiltun/tunnel/internal/table"
)

func readyCircuit(id uint32, hops int) *table.Circuit {
	return &table.Circuit{
		ID:       id,
		GoalHops: hops,
		State:    table.StateReady,
		Hops:     make([]*table.Hop, hops),
		Type:     table.CircuitTypeData,
	}
}

func TestSelectRoundRobinAdvances(t *testing.T) {
	tables := table.New()
	tables.AddCircuit(readyCircuit(1, 2))
	tables.AddCircuit(readyCircuit(2, 2))
	tables.AddCircuit(readyCircuit(3, 2))

	s := New(tables, nil)

	var got []uint32
	for i := 0; i < 4; i++ {
		c, ok := s.Select(nil, 2)
		if !ok {
			t.Fatal("expected a circuit")
		}
		got = append(got, c.ID)
	}

	want := []uint32{1, 2, 3, 1}
	for i, id := range want {
		if got[i] != id {
			t.Fatalf("iteration %d: got %d want %d (full: %v)", i, got[i], id, got)
		}
	}
}

func TestSelectNoneWhenEmpty(t *testing.T) {
	tables := table.New()
	s := New(tables, nil)
	if _, ok := s.Select(nil, 3); ok {
		t.Fatal("expected no circuit with an empty table")
	}
}

type fakeLookup struct {
	id uint32
	ok bool
}

func (f fakeLookup) CircuitIDFor(net.IP) (uint32, bool) { return f.id, f.ok }

func TestSelectCircuitIDPortRequiresReadyRendezvous(t *testing.T) {
	tables := table.New()
	rendezvous := &table.Circuit{ID: 9, State: table.StateReady, GoalHops: 1, Hops: make([]*table.Hop, 1), Type: table.CircuitTypeRendezvous}
	tables.AddCircuit(rendezvous)

	s := New(tables, fakeLookup{id: 9, ok: true})
	dest := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: config.CircuitIDPort}

	c, ok := s.Select(dest, 0)
	if !ok || c.ID != 9 {
		t.Fatalf("expected rendezvous circuit 9, got %+v ok=%v", c, ok)
	}

	rendezvous.State = table.StateExtending
	if _, ok := s.Select(dest, 0); ok {
		t.Fatal("expected no match for a non-ready rendezvous circuit")
	}
}

func TestSelectCircuitIDPortWrongTypeRejected(t *testing.T) {
	tables := table.New()
	tables.AddCircuit(readyCircuit(4, 2)) // DATA, not RENDEZVOUS

	s := New(tables, fakeLookup{id: 4, ok: true})
	dest := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: config.CircuitIDPort}

	if _, ok := s.Select(dest, 0); ok {
		t.Fatal("expected DATA-typed circuit to be rejected for CIRCUIT_ID_PORT lookup")
	}
}
