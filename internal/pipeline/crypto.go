// Package pipeline implements the packet pipeline from spec.md §4.2: inbound
// demultiplexing into {relay, local-control, local-data}, outbound layered
// encryption, and circuit-id rewriting on relay.
package pipeline

import (
	"fmt"

	"github.com/veiltun/tunnel/internal/table"
	"github.com/veiltun/tunnel/internal/tcrypto"
)

// CryptoOut applies one outbound encryption layer per hop, in reverse
// order so the outermost layer is for the first hop (spec.md §4.2): for a
// circuit we originated, loop hops[len-1..0]; for a pure relay/exit, use
// the single relay_session_keys quadruple with the ORIGINATOR direction.
// When isData is true and the circuit is RP/RENDEZVOUS, an extra
// application-layer pass through hs_session_keys is applied first, using
// direction = (ctype == RP) per the original implementation's
// crypto_out (spec.md §9, resolved in DESIGN.md).
func (p *Pipeline) CryptoOut(circuitID uint32, content []byte, isData bool) ([]byte, error) {
	if c, ok := p.tables.GetCircuit(circuitID); ok {
		if isData && c.HSSessionKeys != nil && (c.Type == table.CircuitTypeRP || c.Type == table.CircuitTypeRendezvous) {
			dir := table.Originator
			if c.Type == table.CircuitTypeRP {
				dir = table.ExitNode
			}
			key, saltBase, saltExp := tcrypto.GetSessionKeys(&c.HSSessionKeys[dir], dir)
			var err error
			content, err = tcrypto.EncryptStr(key, saltBase, saltExp, content)
			if err != nil {
				return nil, fmt.Errorf("encrypt hidden-service layer: %w", err)
			}
		}
		for i := len(c.Hops) - 1; i >= 0; i-- {
			// We hold the originator's half of each hop's quad (derived via
			// tcrypto.Handshake.Complete), so we encrypt with our own Kout —
			// the ORIGINATOR direction — which the hop decrypts as its Kin.
			key, saltBase, saltExp := tcrypto.GetSessionKeys(&c.Hops[i].Keys, table.Originator)
			var err error
			content, err = tcrypto.EncryptStr(key, saltBase, saltExp, content)
			if err != nil {
				return nil, fmt.Errorf("encrypt layer for hop %d: %w", i, err)
			}
		}
		return content, nil
	}

	if q, ok := p.tables.RelaySessionKeys(circuitID); ok {
		key, saltBase, saltExp := tcrypto.GetSessionKeys(q, table.Originator)
		ct, err := tcrypto.EncryptStr(key, saltBase, saltExp, content)
		if err != nil {
			return nil, fmt.Errorf("encrypt relay-origin layer: %w", err)
		}
		return ct, nil
	}

	return nil, fmt.Errorf("don't know how to encrypt outgoing message for circuit %d", circuitID)
}

// CryptoIn removes every encryption layer a packet picked up on its way to
// us (spec.md §4.2): for a circuit we originated, peel hops[0..len-1] in
// forward order, then if RP/RENDEZVOUS peel the hs_session_keys layer with
// direction = (ctype != RP); for a pure relay/exit, use relay_session_keys
// with the EXIT_NODE direction.
func (p *Pipeline) CryptoIn(circuitID uint32, content []byte, isData bool) ([]byte, error) {
	if c, ok := p.tables.GetCircuit(circuitID); ok && len(c.Hops) > 0 {
		for _, hop := range c.Hops {
			// The hop encrypted its reply with its own Kout, which equals
			// our Kin — the EXIT_NODE direction of our half of the quad.
			key, saltBase, saltExp := tcrypto.GetSessionKeys(&hop.Keys, table.ExitNode)
			var err error
			content, err = tcrypto.DecryptStr(key, saltBase, saltExp, content)
			if err != nil {
				return nil, fmt.Errorf("decrypt layer for hop: %w", err)
			}
		}
		if isData && c.HSSessionKeys != nil && (c.Type == table.CircuitTypeRP || c.Type == table.CircuitTypeRendezvous) {
			dir := table.ExitNode
			if c.Type == table.CircuitTypeRP {
				dir = table.Originator
			}
			key, saltBase, saltExp := tcrypto.GetSessionKeys(&c.HSSessionKeys[dir], dir)
			var err error
			content, err = tcrypto.DecryptStr(key, saltBase, saltExp, content)
			if err != nil {
				return nil, fmt.Errorf("decrypt hidden-service layer: %w", err)
			}
		}
		return content, nil
	}

	if q, ok := p.tables.RelaySessionKeys(circuitID); ok {
		key, saltBase, saltExp := tcrypto.GetSessionKeys(q, table.ExitNode)
		pt, err := tcrypto.DecryptStr(key, saltBase, saltExp, content)
		if err != nil {
			return nil, fmt.Errorf("decrypt relay-exit layer: %w", err)
		}
		return pt, nil
	}

	return nil, fmt.Errorf("don't know how to decrypt incoming message for circuit %d", circuitID)
}

// CryptoRendezvousBridge bridges two independent onion layers at a
// rendezvous point (spec.md §4.2): decrypt with fromID's relay_session_keys
// (the exit-ward direction of the inbound circuit), then re-encrypt with
// toID's relay_session_keys (the originator-ward direction of the outbound
// circuit), so the frame continues its journey under a fresh onion layer.
func (p *Pipeline) CryptoRendezvousBridge(fromID, toID uint32, content []byte) ([]byte, error) {
	fromQuad, ok := p.tables.RelaySessionKeys(fromID)
	if !ok {
		return nil, fmt.Errorf("no relay session keys for rendezvous circuit %d", fromID)
	}
	toQuad, ok := p.tables.RelaySessionKeys(toID)
	if !ok {
		return nil, fmt.Errorf("no relay session keys for rendezvous circuit %d", toID)
	}

	dkey, dSaltBase, dSaltExp := tcrypto.GetSessionKeys(fromQuad, table.ExitNode)
	pt, err := tcrypto.DecryptStr(dkey, dSaltBase, dSaltExp, content)
	if err != nil {
		return nil, fmt.Errorf("decrypt rendezvous inbound layer: %w", err)
	}

	ekey, eSaltBase, eSaltExp := tcrypto.GetSessionKeys(toQuad, table.Originator)
	ct, err := tcrypto.EncryptStr(ekey, eSaltBase, eSaltExp, pt)
	if err != nil {
		return nil, fmt.Errorf("encrypt rendezvous outbound layer: %w", err)
	}
	return ct, nil
}

// CryptoRelay applies the single relay_session_keys layer in the direction
// appropriate for a pure (non-rendezvous) relay hop: encrypt toward the
// originator, decrypt toward the exit (spec.md §4.2).
func (p *Pipeline) CryptoRelay(circuitID uint32, content []byte) ([]byte, error) {
	dir, ok := p.tables.Direction(circuitID)
	if !ok {
		return nil, fmt.Errorf("direction unknown for circuit %d", circuitID)
	}
	q, ok := p.tables.RelaySessionKeys(circuitID)
	if !ok {
		return nil, fmt.Errorf("no relay session keys for circuit %d", circuitID)
	}
	switch dir {
	case table.Originator:
		key, saltBase, saltExp := tcrypto.GetSessionKeys(q, table.Originator)
		return tcrypto.EncryptStr(key, saltBase, saltExp, content)
	case table.ExitNode:
		key, saltBase, saltExp := tcrypto.GetSessionKeys(q, table.ExitNode)
		return tcrypto.DecryptStr(key, saltBase, saltExp, content)
	default:
		return nil, fmt.Errorf("direction must be either ORIGINATOR or EXIT_NODE")
	}
}
