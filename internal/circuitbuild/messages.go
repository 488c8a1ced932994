package circuitbuild

import (
	"encoding/binary"
	"fmt"
	"net"
)

// addrLen is the wire size of an encoded (ATYPE, IPv4, port) address, kept
// consistent with internal/wire's own inline address encoding.
const addrLen = 7

func encodeAddr(dst []byte, addr net.UDPAddr) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	dst[0] = 0x01
	copy(dst[1:5], ip4)
	binary.BigEndian.PutUint16(dst[5:7], uint16(addr.Port))
}

func decodeAddr(src []byte) (net.UDPAddr, bool) {
	if len(src) < addrLen || src[0] != 0x01 {
		return net.UDPAddr{}, false
	}
	ip := make(net.IP, 4)
	copy(ip, src[1:5])
	port := binary.BigEndian.Uint16(src[5:7])
	if ip.IsUnspecified() && port == 0 {
		return net.UDPAddr{}, false
	}
	return net.UDPAddr{IP: ip, Port: int(port)}, true
}

// createPayload is the plaintext body of a `create` cell (spec.md §4.1 step
// 5): our static public key (for exit_candidates/audit bookkeeping) and the
// ephemeral ECDH public key for this hop's handshake.
type createPayload struct {
	SenderPubKey [32]byte
	DHFirstPart  [32]byte
}

func encodeCreate(p createPayload) []byte {
	buf := make([]byte, 64)
	copy(buf[0:32], p.SenderPubKey[:])
	copy(buf[32:64], p.DHFirstPart[:])
	return buf
}

func decodeCreate(b []byte) (createPayload, error) {
	if len(b) < 64 {
		return createPayload{}, fmt.Errorf("create payload too short: %d bytes", len(b))
	}
	var p createPayload
	copy(p.SenderPubKey[:], b[0:32])
	copy(p.DHFirstPart[:], b[32:64])
	return p, nil
}

// createdPayload is the body of a `created`/`extended` cell: the relay's
// ephemeral public key, the AUTH tag, and an AEAD-sealed candidate list
// (spec.md §4.1 step 6).
type createdPayload struct {
	Y               [32]byte
	Auth            [32]byte
	CandidateListCT []byte
}

func encodeCreated(p createdPayload) []byte {
	buf := make([]byte, 64+2+len(p.CandidateListCT))
	copy(buf[0:32], p.Y[:])
	copy(buf[32:64], p.Auth[:])
	binary.BigEndian.PutUint16(buf[64:66], uint16(len(p.CandidateListCT)))
	copy(buf[66:], p.CandidateListCT)
	return buf
}

func decodeCreated(b []byte) (createdPayload, error) {
	if len(b) < 66 {
		return createdPayload{}, fmt.Errorf("created payload too short: %d bytes", len(b))
	}
	var p createdPayload
	copy(p.Y[:], b[0:32])
	copy(p.Auth[:], b[32:64])
	n := binary.BigEndian.Uint16(b[64:66])
	if len(b) < 66+int(n) {
		return createdPayload{}, fmt.Errorf("created payload candidate list truncated")
	}
	p.CandidateListCT = append([]byte(nil), b[66:66+int(n)]...)
	return p, nil
}

// extendPayload is the body of an `extend` cell, sent by the originator to
// its first hop to request the hop create a new link one step further
// along the circuit (spec.md §4.1 step 6).
type extendPayload struct {
	NextPubKey  [32]byte
	NextAddr    *net.UDPAddr // non-nil only for the required-endpoint case
	DHFirstPart [32]byte
}

func encodeExtend(p extendPayload) []byte {
	buf := make([]byte, 32+1+addrLen+32)
	copy(buf[0:32], p.NextPubKey[:])
	if p.NextAddr != nil {
		buf[32] = 1
		encodeAddr(buf[33:33+addrLen], *p.NextAddr)
	}
	copy(buf[33+addrLen:], p.DHFirstPart[:])
	return buf
}

func decodeExtend(b []byte) (extendPayload, error) {
	want := 32 + 1 + addrLen + 32
	if len(b) < want {
		return extendPayload{}, fmt.Errorf("extend payload too short: %d bytes", len(b))
	}
	var p extendPayload
	copy(p.NextPubKey[:], b[0:32])
	if b[32] == 1 {
		if addr, ok := decodeAddr(b[33 : 33+addrLen]); ok {
			p.NextAddr = &addr
		}
	}
	copy(p.DHFirstPart[:], b[33+addrLen:want])
	return p, nil
}

// candidateList is the plaintext form of the candidate list exchanged
// inside createdPayload.CandidateListCT — up to four (pubkey, addr) pairs a
// hop can offer as the next link in the circuit.
type candidateList struct {
	Entries []candidateEntry
}

type candidateEntry struct {
	PubKey [32]byte
	Addr   net.UDPAddr
}

func encodeCandidateList(l candidateList) []byte {
	buf := make([]byte, 1+len(l.Entries)*(32+addrLen))
	buf[0] = byte(len(l.Entries))
	off := 1
	for _, e := range l.Entries {
		copy(buf[off:off+32], e.PubKey[:])
		encodeAddr(buf[off+32:off+32+addrLen], e.Addr)
		off += 32 + addrLen
	}
	return buf
}

func decodeCandidateList(b []byte) (candidateList, error) {
	if len(b) < 1 {
		return candidateList{}, fmt.Errorf("candidate list empty")
	}
	n := int(b[0])
	entrySize := 32 + addrLen
	if len(b) < 1+n*entrySize {
		return candidateList{}, fmt.Errorf("candidate list truncated")
	}
	l := candidateList{Entries: make([]candidateEntry, 0, n)}
	off := 1
	for i := 0; i < n; i++ {
		var e candidateEntry
		copy(e.PubKey[:], b[off:off+32])
		addr, _ := decodeAddr(b[off+32 : off+32+addrLen])
		e.Addr = addr
		l.Entries = append(l.Entries, e)
		off += entrySize
	}
	return l, nil
}
