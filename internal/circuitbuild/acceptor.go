package circuitbuild

import (
	"net"
	"time"

	"github.com/veiltun/tunnel/internal/table"
	"github.com/veiltun/tunnel/internal/tcrypto"
	"github.com/veiltun/tunnel/internal/wire"
)

// maxRelaysOrExits is spec.md §6's max_relays_or_exits setting.
const maxRelaysOrExits = 100

// OnCreate is the acceptor side of spec.md §4.1: we are being asked to
// become either a relay hop or the final exit for circuitID. We don't yet
// know which — a tentative exit socket is installed either way, and
// OnExtend removes it if this node turns out to be a pure relay.
func (b *Builder) OnCreate(from net.UDPAddr, cell wire.Cell) {
	circID := cell.CircuitID

	if b.tables.RelayOrExitCount() >= maxRelaysOrExits {
		b.log.Debug("rejecting create: at capacity", "circuit", circID)
		return
	}
	if b.tables.IDInUse(circID) || b.createdCacheHas(circID) {
		b.log.Debug("rejecting create: circuit id collision", "circuit", circID)
		return
	}

	req, err := decodeCreate(cell.Payload)
	if err != nil {
		b.log.Debug("malformed create payload", "circuit", circID, "err", err)
		return
	}

	y, auth, keys, err := tcrypto.ServerRespond(b.staticSK, b.staticPK, req.DHFirstPart)
	if err != nil {
		b.log.Debug("server respond failed", "circuit", circID, "err", err)
		return
	}

	b.tables.SetDirection(circID, table.ExitNode)
	b.tables.SetRelaySessionKeys(circID, keys)
	b.markCreatedPending(circID)

	b.tables.AddExitSocket(&table.ExitSocket{
		CircuitID:       circID,
		Origin:          from,
		PerDestCounters: map[string]int{},
		CreatedAt:       time.Now(),
		LastIncoming:    time.Now(),
	})

	list := b.buildCandidateList(req.SenderPubKey)
	ct, err := sealWithRelayKeys(keys, table.Originator, encodeCandidateList(list))
	if err != nil {
		b.log.Debug("encrypt candidate list failed", "circuit", circID, "err", err)
		return
	}

	reply := encodeCreated(createdPayload{Y: y, Auth: auth, CandidateListCT: ct})
	if err := b.sender.SendCell(circID, wire.CmdCreated, reply, from); err != nil {
		b.log.Debug("send created failed", "circuit", circID, "err", err)
	}
}

// OnExtend is the relay side of step 6's continuation: resolve the next
// hop, allocate a fresh circuit id for that leg, install both relay_from_to
// halves sharing the same relay_session_keys quad, and emit `create` onward
// (spec.md §4.2, "extend: accept only if we already relay c OR we have a
// matching CreatedRequestCache for c").
func (b *Builder) OnExtend(from net.UDPAddr, cell wire.Cell) {
	circID := cell.CircuitID
	_, alreadyRelaying := b.tables.RelayRouteFor(circID)
	if !alreadyRelaying && !b.createdCacheHas(circID) {
		b.log.Debug("rejecting extend: no matching created/relay state", "circuit", circID)
		return
	}

	req, err := decodeExtend(cell.Payload)
	if err != nil {
		b.log.Debug("malformed extend payload", "circuit", circID, "err", err)
		return
	}

	nextAddr, ok := b.resolveExtendTarget(req)
	if !ok {
		b.log.Debug("cannot resolve extend target", "circuit", circID)
		return
	}

	newID, err := b.allocateCircuitID()
	if err != nil {
		b.log.Debug("allocate circuit id for extend failed", "circuit", circID, "err", err)
		return
	}

	quad, ok := b.tables.RelaySessionKeys(circID)
	if !ok {
		b.log.Debug("no relay session keys for circuit being extended", "circuit", circID)
		return
	}
	// We are not the exit after all. RemoveExitSocket also clears circID's
	// direction and relay keys, so it runs before they are installed below.
	b.tables.RemoveExitSocket(circID)

	// A pure relay hop introduces no new encryption layer: both legs share
	// the same quad (spec.md §4.2's crypto_relay operates on one quad per
	// circuit regardless of which leg a packet arrives on).
	b.tables.SetRelaySessionKeys(circID, quad)
	b.tables.SetRelaySessionKeys(newID, quad)

	prevAddr := from
	if r, ok := b.tables.RelayRouteFor(circID); ok {
		prevAddr = r.NextHop
	}

	forward := &table.RelayRoute{InboundID: circID, OutboundID: newID, NextHop: nextAddr, CreatedAt: time.Now()}
	reverse := &table.RelayRoute{InboundID: newID, OutboundID: circID, NextHop: prevAddr, CreatedAt: time.Now()}
	b.tables.AddRelayPair(forward, reverse)

	b.tables.SetDirection(newID, table.Originator)
	b.tables.SetDirection(circID, table.ExitNode)

	b.unmarkCreatedPending(circID)

	payload := encodeCreate(createPayload{SenderPubKey: b.staticPK, DHFirstPart: req.DHFirstPart})
	if err := b.sender.SendCell(newID, wire.CmdCreate, payload, nextAddr); err != nil {
		b.log.Debug("send create onward failed", "circuit", newID, "err", err)
	}
}

// resolveExtendTarget finds the extend target's address, either from the
// overlay's current candidate view (looked up by public key) or from the
// originator-supplied fallback address (the required-endpoint case).
func (b *Builder) resolveExtendTarget(req extendPayload) (net.UDPAddr, bool) {
	for _, cand := range b.overlay.Candidates() {
		if cand.PubKey == req.NextPubKey {
			return cand.Addr, true
		}
	}
	if req.NextAddr != nil {
		return *req.NextAddr, true
	}
	return net.UDPAddr{}, false
}

// buildCandidateList offers up to four verified, non-exit-willing peers
// (spec.md §4.1 step 6's candidate list, excluding the requester itself).
func (b *Builder) buildCandidateList(exclude [32]byte) candidateList {
	var out candidateList
	for _, cand := range b.overlay.Candidates() {
		if len(out.Entries) >= maxCandidates {
			break
		}
		if cand.PubKey == exclude || cand.PubKey == b.staticPK {
			continue
		}
		if ec, ok := b.tables.ExitCandidate(cand.PubKey); ok && ec.WillingToExit {
			continue
		}
		out.Entries = append(out.Entries, candidateEntry{PubKey: cand.PubKey, Addr: cand.Addr})
	}
	return out
}

func sealWithRelayKeys(q *tcrypto.KeyQuad, dir table.Direction, plaintext []byte) ([]byte, error) {
	key, saltBase, saltExp := tcrypto.GetSessionKeys(q, dir)
	return tcrypto.EncryptStr(key, saltBase, saltExp, plaintext)
}
