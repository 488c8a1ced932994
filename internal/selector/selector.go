// Package selector implements the circuit selection policy of spec.md
// §4.6: `select(destination, hops) -> circuit | none`. Grounded on
// `tunnel_community.py`'s `RoundRobin` class, reimplemented as a small pure
// struct in the style of `pathselect/pathselect.go`'s preference for
// stateless, testable selection functions over framework hooks.
package selector

import (
	"net"

	"github.com/veiltun/tunnel/internal/config"
	"github.com/veiltun/tunnel/internal/table"
)

// CircuitIDLookup maps a rendezvous destination address to the node-local
// circuit id pinned to it (spec.md §4.6's "derive a circuit id from the
// destination.addr, a node-local mapping"). The mapping itself is a
// supplemented hidden-service bookkeeping detail outside this package's
// concern — selector only needs to ask "what circuit, if any, is this
// address pinned to".
type CircuitIDLookup interface {
	CircuitIDFor(addr net.IP) (uint32, bool)
}

// Selector is one node's round-robin selection state: a persistent index
// per hop-count bucket, so repeated Select calls for the same hop count
// advance deterministically through the active set (spec.md §9's "sorted
// key list" requirement).
type Selector struct {
	tables *table.Tables
	lookup CircuitIDLookup
	index  map[int]int
}

// New builds a Selector over tables. lookup may be nil if the node never
// pins rendezvous circuits to a destination address (no CIRCUIT_ID_PORT
// traffic expected).
func New(tables *table.Tables, lookup CircuitIDLookup) *Selector {
	return &Selector{tables: tables, lookup: lookup, index: make(map[int]int)}
}

// Select implements spec.md §4.6 exactly: the CIRCUIT_ID_PORT special case
// when destination is non-nil and its port matches the sentinel, otherwise
// round-robin over active DATA circuits of the requested hop count (0
// means "any length").
func (s *Selector) Select(destination *net.UDPAddr, hops int) (*table.Circuit, bool) {
	if destination != nil && destination.Port == config.CircuitIDPort {
		return s.selectRendezvous(destination.IP)
	}
	return s.selectRoundRobin(hops)
}

func (s *Selector) selectRendezvous(addr net.IP) (*table.Circuit, bool) {
	if s.lookup == nil {
		return nil, false
	}
	id, ok := s.lookup.CircuitIDFor(addr)
	if !ok {
		return nil, false
	}
	c, ok := s.tables.GetCircuit(id)
	if !ok || !c.IsReady() || c.Type != table.CircuitTypeRendezvous {
		return nil, false
	}
	return c, true
}

func (s *Selector) selectRoundRobin(hops int) (*table.Circuit, bool) {
	active := s.tables.ActiveDataCircuits(hops)
	if len(active) == 0 {
		return nil, false
	}

	start := s.index[hops] % len(active)
	s.index[hops] = (start + 1) % len(active)
	return active[start], true
}
