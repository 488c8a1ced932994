package circuitbuild

import (
	"net"

	"github.com/veiltun/tunnel/internal/table"
	"github.com/veiltun/tunnel/internal/tcrypto"
	"github.com/veiltun/tunnel/internal/wire"
)

// OnCreated handles a `created` cell addressed to circuit c.CircuitID. Per
// spec.md §4.2's LOCAL path, it is only ever reached for an id we
// originated and are currently waiting_for; a relay forwards the next hop's
// `created` as `extended` in pipeline's relayCell and never calls this.
func (b *Builder) OnCreated(from net.UDPAddr, cell wire.Cell) {
	b.oursOnCreatedOrExtended(cell.CircuitID, cell.Payload)
}

// OnExtended handles an `extended` cell — always an "ours" reply, since a
// relay never terminates an extend chain itself.
func (b *Builder) OnExtended(from net.UDPAddr, cell wire.Cell) {
	b.oursOnCreatedOrExtended(cell.CircuitID, cell.Payload)
}

// oursOnCreatedOrExtended is the shared handshake-reply handler for spec.md
// §4.1 step 6: verify AUTH, derive the hop's session keys, append the hop,
// then either extend further or finish.
func (b *Builder) oursOnCreatedOrExtended(circuitID uint32, payload []byte) {
	c, ok := b.tables.GetCircuit(circuitID)
	if !ok || !b.tables.IsWaiting(circuitID) || c.Unverified == nil {
		b.log.Debug("dropping created/extended for circuit not awaiting a hop", "circuit", circuitID)
		return
	}

	created, err := decodeCreated(payload)
	if err != nil {
		b.log.Debug("malformed created/extended payload", "circuit", circuitID, "err", err)
		b.failCircuit(c, "verify")
		return
	}

	hop := c.Unverified
	keys, err := hop.Handshake.Complete(created.Y, created.Auth)
	if err != nil {
		b.log.Debug("handshake verify failed", "circuit", circuitID, "err", err)
		b.failCircuit(c, "verify")
		return
	}
	hop.Keys = *keys
	hop.Handshake = nil
	c.Hops = append(c.Hops, hop)
	c.Unverified = nil
	b.tables.ClearWaiting(circuitID)

	if len(c.Hops) < c.GoalHops {
		b.extendFurther(c, hop, created.CandidateListCT)
		return
	}

	c.State = table.StateReady
	b.createCache.Pop(circuitID)
	if b.peers != nil {
		b.peers.ReadmitPending(circuitID)
	}
	c.FireReadyOnce()
}

// extendFurther implements the "still EXTENDING" branch of step 6: decrypt
// the candidate list with the new hop's EXIT_NODE-direction session keys,
// filter, pick the next candidate, and emit `extend`.
func (b *Builder) extendFurther(c *table.Circuit, hop *table.Hop, candidateListCT []byte) {
	key, saltBase, saltExp := tcrypto.GetSessionKeys(&hop.Keys, table.ExitNode)
	pt, err := tcrypto.DecryptStr(key, saltBase, saltExp, candidateListCT)
	if err != nil {
		b.log.Debug("candidate list decrypt failed", "circuit", c.ID, "err", err)
		b.failCircuit(c, "verify")
		return
	}
	list, err := decodeCandidateList(pt)
	if err != nil {
		b.log.Debug("candidate list decode failed", "circuit", c.ID, "err", err)
		b.failCircuit(c, "no candidates")
		return
	}

	next, ok := b.pickNextCandidate(c, list)
	if !ok {
		b.failCircuit(c, "no candidates")
		return
	}

	hs, err := tcrypto.NewHandshake(next.PubKey)
	if err != nil {
		b.log.Debug("new handshake for extend failed", "circuit", c.ID, "err", err)
		b.failCircuit(c, "verify")
		return
	}
	c.Unverified = &table.Hop{PeerPubKey: next.PubKey, Addr: next.Addr, Handshake: hs}
	b.tables.MarkWaiting(c.ID)

	req := extendPayload{NextPubKey: next.PubKey, DHFirstPart: hs.ClientPublic()}
	if c.RequiredEndpoint != nil && next.PubKey == c.RequiredEndpoint.PubKey {
		addr := next.Addr
		req.NextAddr = &addr
	}
	payload := encodeExtend(req)
	if err := b.sender.SendCell(c.ID, wire.CmdExtend, payload, c.FirstHop); err != nil {
		b.log.Debug("send extend failed", "circuit", c.ID, "err", err)
		hs.Close()
		b.failCircuit(c, "verify")
	}
}

// pickNextCandidate filters already-used/own/incompatible keys, per spec.md
// §4.1 step 6: "filter out keys already in the circuit, my own key, and the
// required endpoint; pick the next candidate (the required endpoint if this
// is the last hop and one is pinned, otherwise the head of the filtered
// list)".
func (b *Builder) pickNextCandidate(c *table.Circuit, list candidateList) (candidateEntry, bool) {
	used := make(map[[32]byte]bool, len(c.Hops)+1)
	used[b.staticPK] = true
	for _, h := range c.Hops {
		used[h.PeerPubKey] = true
	}

	isLastHop := len(c.Hops)+1 == c.GoalHops
	if isLastHop && c.RequiredEndpoint != nil {
		for _, e := range list.Entries {
			if e.PubKey == c.RequiredEndpoint.PubKey {
				return e, true
			}
		}
		// Required endpoint not offered by this hop; still must land there.
		return candidateEntry{PubKey: c.RequiredEndpoint.PubKey, Addr: c.RequiredEndpoint.Addr}, true
	}

	for _, e := range list.Entries {
		if used[e.PubKey] {
			continue
		}
		if c.RequiredEndpoint != nil && e.PubKey == c.RequiredEndpoint.PubKey {
			continue
		}
		if !tcrypto.IsCompatible(e.PubKey) {
			continue
		}
		return e, true
	}
	return candidateEntry{}, false
}

// failCircuit implements step 7's removal-with-reason. It pops the
// CircuitRequestCache entry installed in beginHandshake, so no retry is
// scheduled for the failed circuit; retries follow only a cache timeout.
func (b *Builder) failCircuit(c *table.Circuit, reason string) {
	b.log.Debug("removing circuit", "circuit", c.ID, "reason", reason)
	b.tables.ClearWaiting(c.ID)
	b.createCache.Pop(c.ID)
	b.tables.RemoveCircuit(c.ID)
}
