// Package table holds the per-node global state described in spec.md §3:
// the circuit, relay, and exit-socket maps keyed by 32-bit circuit ids,
// plus the direction and correlation bookkeeping the packet pipeline needs.
package table

import (
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/veiltun/tunnel/internal/tcrypto"
)

// CircuitState is one of EXTENDING, READY, BROKEN (spec.md §3).
type CircuitState int

const (
	StateExtending CircuitState = iota
	StateReady
	StateBroken
)

func (s CircuitState) String() string {
	switch s {
	case StateExtending:
		return "EXTENDING"
	case StateReady:
		return "READY"
	case StateBroken:
		return "BROKEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitType is one of DATA, RP, RENDEZVOUS (spec.md §3).
type CircuitType int

const (
	CircuitTypeData CircuitType = iota
	CircuitTypeRP
	CircuitTypeRendezvous
)

// Direction is re-exported from tcrypto for callers that only need the
// routing-table-level notion of "which side encrypts vs decrypts".
type Direction = tcrypto.Direction

const (
	Originator = tcrypto.Originator
	ExitNode   = tcrypto.ExitNode
)

// Endpoint pins a (address, public key) pair — spec.md's "required endpoint"
// used for exit selection or end-to-end rendezvous linkage.
type Endpoint struct {
	Addr   net.UDPAddr
	PubKey [32]byte
}

// Hop is one verified peer in a circuit, with its own key material
// (spec.md §3 "Hop").
type Hop struct {
	PeerPubKey [32]byte
	Keys       tcrypto.KeyQuad
	Addr       net.UDPAddr

	// Handshake is non-nil only while this hop is the circuit's unverified
	// hop, mid-handshake.
	Handshake *tcrypto.Handshake
}

// Circuit is the initiator-side view of a multi-hop tunnel (spec.md §3).
type Circuit struct {
	ID        uint32
	GoalHops  int
	State     CircuitState
	Hops      []*Hop
	Unverified *Hop
	FirstHop  net.UDPAddr
	Type      CircuitType

	RequiredEndpoint *Endpoint

	CreatedAt     time.Time
	LastIncoming  time.Time
	BytesUp       uint64
	BytesDown     uint64

	// ReadyCallback fires exactly once, the moment the circuit becomes
	// READY (spec.md §4.1 step 6).
	ReadyCallback func(*Circuit)
	readyFired    bool

	// HSSessionKeys is the optional hidden-service session-key pair used
	// by RP/RENDEZVOUS circuits for the extra application-layer
	// encryption (spec.md §4.2).
	HSSessionKeys *[2]tcrypto.KeyQuad
}

// IsReady reports whether the circuit invariant
// "state = READY <=> |hops| = goal_hops" currently holds as READY.
func (c *Circuit) IsReady() bool {
	return c.State == StateReady && len(c.Hops) == c.GoalHops && c.Unverified == nil
}

// FireReadyOnce invokes the ready callback exactly once.
func (c *Circuit) FireReadyOnce() {
	if c.readyFired || c.ReadyCallback == nil {
		return
	}
	c.readyFired = true
	c.ReadyCallback(c)
}

// RelayRoute is the middle/exit node's view of one direction of a
// forwarded circuit (spec.md §3 "RelayRoute"). A relay is created in pairs
// (forward and reverse); Mirror is the direct back-pointer to the other
// half, so removal is O(1) (spec.md §9).
type RelayRoute struct {
	InboundID  uint32
	OutboundID uint32
	NextHop    net.UDPAddr

	CreatedAt    time.Time
	LastIncoming time.Time
	BytesUp      uint64
	BytesDown    uint64

	// RendezvousRelay is true when this relay straddles a rendezvous join
	// and must decrypt-then-reencrypt rather than single-layer relay.
	RendezvousRelay bool

	Mirror *RelayRoute
}

// ExitSocket is the last hop of a DATA circuit's egress/ingress state
// (spec.md §3 "ExitSocket").
type ExitSocket struct {
	CircuitID uint32
	Conn      *net.UDPConn // nil until exitsock's Manager binds it on first egress
	Origin    net.UDPAddr  // previous hop — the return path

	// PerDestCounters implements the §4.3.1 abuse counter: -1 means
	// "replied once, uncapped forever", >=0 counts outbound packets sent
	// without a reply.
	PerDestCounters map[string]int

	BytesUp      uint64
	BytesDown    uint64
	CreatedAt    time.Time
	LastIncoming time.Time

	// PeerMemberID is an optional audit identifier for the peer that
	// opened this exit (spec.md §3).
	PeerMemberID *uuid.UUID
}

// Enabled reports whether the UDP socket has been lazily opened.
func (e *ExitSocket) Enabled() bool { return e.Conn != nil }

// ExitCandidate records an overlay peer's exit-capability flag and when we
// first observed it (spec.md §3 "exit_candidates").
type ExitCandidate struct {
	WillingToExit bool
	FirstSeen     time.Time
}
