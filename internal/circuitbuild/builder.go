// Package circuitbuild drives the circuit-builder state machine of
// spec.md §4.1: originating circuits (create/extend), and the relay/exit
// acceptor side of the same handshake (on_create/on_extend).
package circuitbuild

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/veiltun/tunnel/internal/overlay"
	"github.com/veiltun/tunnel/internal/reqcache"
	"github.com/veiltun/tunnel/internal/table"
	"github.com/veiltun/tunnel/internal/tcrypto"
	"github.com/veiltun/tunnel/internal/wire"
)

const (
	maxCandidates     = 4
	createRetryDelay  = 5 * time.Second
	createCacheTTL    = 10 * time.Second
	extendedCacheTTL  = 10 * time.Second
)

// CellSender is the one thing the builder needs from the packet pipeline:
// encrypt-and-send a control cell to an address.
type CellSender interface {
	SendCell(circuitID uint32, cmd uint8, payload []byte, dest net.UDPAddr) error
}

// PeerRegistry re-admits pending BitTorrent peers once a circuit becomes
// READY (spec.md §4.1 step 6's "re-admit pending BitTorrent peers"). It is
// satisfied by the node's socksgw/peer-tracking collaborator; a nil
// registry is a valid no-op choice for pipelines with no BitTorrent layer.
type PeerRegistry interface {
	ReadmitPending(circuitID uint32)
}

// CreateOpts mirrors spec.md §4.1's create_circuit option bundle.
type CreateOpts struct {
	Callback         func(*table.Circuit)
	MaxRetries       int
	RequiredEndpoint *table.Endpoint
	InfoHash         [20]byte
}

// Builder is the node's circuit-builder instance: one per node, sharing the
// node's routing tables and overlay view.
type Builder struct {
	tables   *table.Tables
	overlay  overlay.Source
	sender   CellSender
	peers    PeerRegistry
	staticPK [32]byte
	staticSK [32]byte

	createCache  *reqcache.Cache[uint32]
	createdCache *reqcache.Cache[uint32]
	log          *slog.Logger
}

// New builds a Builder over the node's static ECDH keypair. peers may be
// nil if the node has no BitTorrent hand-off collaborator wired up.
func New(tables *table.Tables, src overlay.Source, sender CellSender, peers PeerRegistry, staticPubKey, staticPrivKey [32]byte, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{
		tables:       tables,
		overlay:      src,
		sender:       sender,
		peers:        peers,
		staticPK:     staticPubKey,
		staticSK:     staticPrivKey,
		createCache:  reqcache.New[uint32](),
		createdCache: reqcache.New[uint32](),
		log:          log,
	}
}

// markCreatedPending installs a CreatedRequestCache entry for circuitID
// (spec.md §4.2's "matching CreatedRequestCache for c" acceptance check),
// whose on-expire action tears down the tentative exit socket if the
// originator never follows up with an extend.
func (b *Builder) markCreatedPending(circuitID uint32) {
	b.createdCache.Add(circuitID, extendedCacheTTL, func() {
		b.log.Debug("created-pending circuit timed out", "circuit", circuitID)
		b.tables.RemoveExitSocket(circuitID)
	}, nil)
}

func (b *Builder) unmarkCreatedPending(circuitID uint32) {
	b.createdCache.Pop(circuitID)
}

func (b *Builder) createdCacheHas(circuitID uint32) bool {
	return b.createdCache.Has(circuitID)
}

// Ensure sets the desired population of ready DATA circuits of the given
// hop count (spec.md §4.1's public `ensure(hops, count)`).
func (b *Builder) Ensure(hops, count int) {
	b.tables.SetCircuitsNeeded(hops, count)
}

// CreateCircuit implements spec.md §4.1's 7-step algorithm, steps 1-5 (the
// originator side up through emitting the first `create` cell). Steps 6-7
// run later, in OnCreated/OnExtended, as replies arrive.
func (b *Builder) CreateCircuit(hops int, ctype table.CircuitType, opts CreateOpts) (uint32, error) {
	candidates := b.overlay.Candidates()

	// Step 1: pick the required endpoint (exit, for DATA circuits without
	// an explicit pin; first connectable candidate for RP/RENDEZVOUS).
	required := opts.RequiredEndpoint
	if required == nil {
		required = b.pickEndpoint(candidates, ctype)
		if required == nil {
			return 0, fmt.Errorf("no exit")
		}
	}

	// Step 2: pick the first hop.
	var firstHop table.Endpoint
	if hops == 1 {
		firstHop = *required
	} else {
		fh, ok := b.pickFirstHop(candidates, *required)
		if !ok {
			return 0, fmt.Errorf("no usable first hop")
		}
		firstHop = fh
	}

	// Step 3: allocate a fresh circuit id, colliding against both
	// originated circuits and relay_from_to entries for this neighbor.
	id, err := b.allocateCircuitID()
	if err != nil {
		return 0, err
	}

	c := &table.Circuit{
		ID:               id,
		GoalHops:         hops,
		State:            table.StateExtending,
		FirstHop:         firstHop.Addr,
		Type:             ctype,
		RequiredEndpoint: required,
		CreatedAt:        time.Now(),
		LastIncoming:     time.Now(),
		ReadyCallback:    opts.Callback,
	}
	if !b.tables.AddCircuit(c) {
		return 0, fmt.Errorf("circuit id %d already in use", id)
	}

	if err := b.beginHandshake(c, firstHop, opts); err != nil {
		b.tables.RemoveCircuit(id)
		return 0, err
	}
	return id, nil
}

// beginHandshake runs step 4-5: install the CircuitRequestCache, generate
// the ECDH ephemeral, mark waiting_for, and emit `create`.
func (b *Builder) beginHandshake(c *table.Circuit, hop table.Endpoint, opts CreateOpts) error {
	hs, err := tcrypto.NewHandshake(hop.PubKey)
	if err != nil {
		return fmt.Errorf("new handshake: %w", err)
	}

	c.Unverified = &table.Hop{PeerPubKey: hop.PubKey, Addr: hop.Addr, Handshake: hs}

	var retry *reqcache.RetrySpec
	if opts.MaxRetries > 0 {
		retry = &reqcache.RetrySpec{
			Remaining: opts.MaxRetries,
			Delay:     createRetryDelay,
			Retry: func() {
				next := opts
				next.MaxRetries--
				if _, err := b.CreateCircuit(c.GoalHops, c.Type, next); err != nil {
					b.log.Debug("circuit retry failed", "err", err)
				}
			},
		}
	}
	circID := c.ID
	b.createCache.Add(circID, createCacheTTL, func() {
		b.onCreateCacheExpired(circID)
	}, retry)

	b.tables.MarkWaiting(c.ID)

	payload := encodeCreate(createPayload{SenderPubKey: b.staticPK, DHFirstPart: hs.ClientPublic()})
	if err := b.sender.SendCell(c.ID, wire.CmdCreate, payload, hop.Addr); err != nil {
		hs.Close()
		return fmt.Errorf("send create: %w", err)
	}
	return nil
}

func (b *Builder) onCreateCacheExpired(circuitID uint32) {
	if c, ok := b.tables.GetCircuit(circuitID); ok && !c.IsReady() {
		b.log.Debug("circuit build timed out", "circuit", circuitID)
		b.tables.ClearWaiting(circuitID)
		b.tables.RemoveCircuit(circuitID)
	}
}

// pickEndpoint implements step 1.
func (b *Builder) pickEndpoint(candidates []overlay.Candidate, ctype table.CircuitType) *table.Endpoint {
	if ctype == table.CircuitTypeData {
		for _, cand := range candidates {
			ec, ok := b.tables.ExitCandidate(cand.PubKey)
			if ok && ec.WillingToExit {
				return &table.Endpoint{Addr: cand.Addr, PubKey: cand.PubKey}
			}
		}
		return nil
	}
	for _, cand := range candidates {
		if cand.Connectable {
			return &table.Endpoint{Addr: cand.Addr, PubKey: cand.PubKey}
		}
	}
	return nil
}

// pickFirstHop implements step 2: verified, crypto-compatible, not already
// a first hop, and distinct from the required endpoint.
func (b *Builder) pickFirstHop(candidates []overlay.Candidate, required table.Endpoint) (table.Endpoint, bool) {
	for _, cand := range candidates {
		if !tcrypto.IsCompatible(cand.PubKey) {
			continue
		}
		if cand.PubKey == required.PubKey {
			continue
		}
		if b.tables.FirstHopInUse(cand.Addr.String()) {
			continue
		}
		return table.Endpoint{Addr: cand.Addr, PubKey: cand.PubKey}, true
	}
	return table.Endpoint{}, false
}

// allocateCircuitID implements step 3.
func (b *Builder) allocateCircuitID() (uint32, error) {
	for attempt := 0; attempt < 64; attempt++ {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("generate circuit id: %w", err)
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id == 0 {
			continue
		}
		if !b.tables.IDInUse(id) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("failed to allocate a free circuit id")
}
