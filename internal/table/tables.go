package table

import (
	"sort"
	"sync"

	"github.com/veiltun/tunnel/internal/tcrypto"
)

// Tables is the node's entire routing state (spec.md §3 "Global state per
// node"), guarded by a single RWMutex. It is deliberately one struct rather
// than several independently-locked maps: spec.md's cross-map invariants
// (§8) only hold if readers and writers see a consistent snapshot across
// circuits/relay_from_to/exit_sockets/directions together.
type Tables struct {
	mu sync.RWMutex

	circuits    map[uint32]*Circuit
	relayFromTo map[uint32]*RelayRoute
	exitSockets map[uint32]*ExitSocket
	directions  map[uint32]Direction

	relaySessionKeys map[uint32]*tcrypto.KeyQuad
	waitingFor       map[uint32]struct{}

	exitCandidates map[[32]byte]*ExitCandidate
	circuitsNeeded map[int]int

	// statsAllowlist is the supplemented stats-request crawler allowlist
	// (spec.md §6 "stats-request"), a set of peer member ids permitted to
	// query aggregate stats.
	statsAllowlist map[[16]byte]struct{}
}

// New returns an empty Tables.
func New() *Tables {
	return &Tables{
		circuits:         make(map[uint32]*Circuit),
		relayFromTo:      make(map[uint32]*RelayRoute),
		exitSockets:      make(map[uint32]*ExitSocket),
		directions:       make(map[uint32]Direction),
		relaySessionKeys: make(map[uint32]*tcrypto.KeyQuad),
		waitingFor:       make(map[uint32]struct{}),
		exitCandidates:   make(map[[32]byte]*ExitCandidate),
		circuitsNeeded:   make(map[int]int),
		statsAllowlist:   make(map[[16]byte]struct{}),
	}
}

// --- circuits ---

// AddCircuit installs a circuit we originated, rejecting a duplicate id.
func (t *Tables) AddCircuit(c *Circuit) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.circuits[c.ID]; exists {
		return false
	}
	t.circuits[c.ID] = c
	return true
}

// GetCircuit returns the circuit for id, if we originated it.
func (t *Tables) GetCircuit(id uint32) (*Circuit, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.circuits[id]
	return c, ok
}

// RemoveCircuit evicts a circuit and returns it (for the sweeper's
// destroy/notify follow-up), or false if it was already gone — removal is
// idempotent (spec.md §5).
func (t *Tables) RemoveCircuit(id uint32) (*Circuit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.circuits[id]
	if !ok {
		return nil, false
	}
	delete(t.circuits, id)
	return c, true
}

// AllCircuits returns a snapshot slice of every circuit we originated.
func (t *Tables) AllCircuits() []*Circuit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Circuit, 0, len(t.circuits))
	for _, c := range t.circuits {
		out = append(out, c)
	}
	return out
}

// SortedCircuitIDs returns every originated circuit id in ascending order,
// the deterministic iteration order spec.md §9 requires for the round-robin
// selector.
func (t *Tables) SortedCircuitIDs() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]uint32, 0, len(t.circuits))
	for id := range t.circuits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ActiveDataCircuits returns READY circuits of type DATA, optionally
// filtered to an exact hop count (0 means "any length").
func (t *Tables) ActiveDataCircuits(hops int) []*Circuit {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Circuit
	ids := make([]uint32, 0, len(t.circuits))
	for id := range t.circuits {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		c := t.circuits[id]
		if c.Type != CircuitTypeData || !c.IsReady() {
			continue
		}
		if hops != 0 && len(c.Hops) != hops {
			continue
		}
		out = append(out, c)
	}
	return out
}

// FirstHopInUse reports whether addr is already the first hop of any
// circuit we originated (spec.md §4.1 step 2c).
func (t *Tables) FirstHopInUse(addr string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, c := range t.circuits {
		if c.FirstHop.String() == addr {
			return true
		}
	}
	return false
}

// --- waiting_for ---

func (t *Tables) MarkWaiting(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitingFor[id] = struct{}{}
}

func (t *Tables) ClearWaiting(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.waitingFor, id)
}

func (t *Tables) IsWaiting(id uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.waitingFor[id]
	return ok
}

// --- directions ---

func (t *Tables) SetDirection(id uint32, dir Direction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.directions[id] = dir
}

func (t *Tables) Direction(id uint32) (Direction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.directions[id]
	return d, ok
}

func (t *Tables) clearDirectionLocked(id uint32) {
	delete(t.directions, id)
}

// --- relay_session_keys ---

func (t *Tables) SetRelaySessionKeys(id uint32, q *tcrypto.KeyQuad) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.relaySessionKeys[id] = q
}

func (t *Tables) RelaySessionKeys(id uint32) (*tcrypto.KeyQuad, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	q, ok := t.relaySessionKeys[id]
	return q, ok
}

func (t *Tables) clearRelaySessionKeysLocked(id uint32) {
	delete(t.relaySessionKeys, id)
}

// --- relay_from_to ---

// AddRelayPair installs a forward and reverse RelayRoute atomically, wiring
// their Mirror back-pointers, as required when an `extend` is accepted
// (spec.md §3, §9).
func (t *Tables) AddRelayPair(forward, reverse *RelayRoute) {
	t.mu.Lock()
	defer t.mu.Unlock()
	forward.Mirror = reverse
	reverse.Mirror = forward
	t.relayFromTo[forward.InboundID] = forward
	t.relayFromTo[reverse.InboundID] = reverse
}

func (t *Tables) RelayRouteFor(id uint32) (*RelayRoute, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.relayFromTo[id]
	return r, ok
}

// RemoveRelayPair deletes a relay entry and its mirror (if present) plus
// the shared relay_session_keys/directions entries, returning both removed
// routes. Idempotent.
func (t *Tables) RemoveRelayPair(id uint32) (this, mirror *RelayRoute, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, exists := t.relayFromTo[id]
	if !exists {
		return nil, nil, false
	}
	delete(t.relayFromTo, id)
	t.clearDirectionLocked(id)
	t.clearRelaySessionKeysLocked(id)

	if r.Mirror != nil {
		mid := r.Mirror.InboundID
		delete(t.relayFromTo, mid)
		t.clearDirectionLocked(mid)
		t.clearRelaySessionKeysLocked(mid)
		return r, r.Mirror, true
	}
	return r, nil, true
}

// AllRelayRoutes returns a snapshot of every relay route (both halves).
func (t *Tables) AllRelayRoutes() []*RelayRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*RelayRoute, 0, len(t.relayFromTo))
	for _, r := range t.relayFromTo {
		out = append(out, r)
	}
	return out
}

// RelayOrExitCount returns |relay_from_to| + |exit_sockets|, the quantity
// spec.md §4.1 step 3 and §6 cap max_relays_or_exits against. Each relay
// pair counts as two entries, matching the original implementation's raw
// map length.
func (t *Tables) RelayOrExitCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.relayFromTo) + len(t.exitSockets)
}

// --- exit_sockets ---

func (t *Tables) AddExitSocket(e *ExitSocket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitSockets[e.CircuitID] = e
}

func (t *Tables) ExitSocketFor(id uint32) (*ExitSocket, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.exitSockets[id]
	return e, ok
}

func (t *Tables) RemoveExitSocket(id uint32) (*ExitSocket, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.exitSockets[id]
	if !ok {
		return nil, false
	}
	delete(t.exitSockets, id)
	t.clearDirectionLocked(id)
	t.clearRelaySessionKeysLocked(id)
	return e, true
}

func (t *Tables) AllExitSockets() []*ExitSocket {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*ExitSocket, 0, len(t.exitSockets))
	for _, e := range t.exitSockets {
		out = append(out, e)
	}
	return out
}

// --- circuit id collision check across both tables ---

// IDInUse reports whether id collides with an existing originated circuit,
// an existing relay_from_to entry, or an existing exit socket — the full
// collision surface spec.md §4.1 step 3 and §5 require checking.
func (t *Tables) IDInUse(id uint32) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.circuits[id]; ok {
		return true
	}
	if _, ok := t.relayFromTo[id]; ok {
		return true
	}
	if _, ok := t.exitSockets[id]; ok {
		return true
	}
	return false
}

// --- exit_candidates ---

func (t *Tables) SetExitCandidate(pub [32]byte, c *ExitCandidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exitCandidates[pub] = c
}

func (t *Tables) ExitCandidate(pub [32]byte) (*ExitCandidate, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.exitCandidates[pub]
	return c, ok
}

// GCExitCandidates removes entries whose public key is not in stillPresent
// (spec.md §4.4 "Garbage-collect exit_candidates entries whose public key
// no longer appears in the overlay's verified set").
func (t *Tables) GCExitCandidates(stillPresent func([32]byte) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pub := range t.exitCandidates {
		if !stillPresent(pub) {
			delete(t.exitCandidates, pub)
		}
	}
}

// --- circuits_needed ---

func (t *Tables) SetCircuitsNeeded(hops, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.circuitsNeeded[hops] = count
}

// CircuitsNeeded returns a snapshot copy of the desired-population map.
func (t *Tables) CircuitsNeeded() map[int]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[int]int, len(t.circuitsNeeded))
	for k, v := range t.circuitsNeeded {
		out[k] = v
	}
	return out
}

// --- stats allowlist ---

func (t *Tables) AllowStatsCrawler(id [16]byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statsAllowlist[id] = struct{}{}
}

func (t *Tables) IsAllowedStatsCrawler(id [16]byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.statsAllowlist[id]
	return ok
}
