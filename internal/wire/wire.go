// Package wire implements the tunnel packet framing and codec described in
// spec.md §6: a pure, bit-exact codec for cell and data frames. It never
// performs cryptography or I/O; callers split plaintext header from
// encrypted tail and hand the tail to internal/tcrypto themselves.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// DataPrefix demultiplexes tunnel DATA packets from other overlay traffic
// at the UDP endpoint. Cells carry no such prefix.
var DataPrefix = [4]byte{0xFF, 0xFF, 0xFF, 0xFE}

// Cell command bytes (spec §6 "Cell types").
const (
	CmdCreate        uint8 = 1
	CmdCreated       uint8 = 2
	CmdExtend        uint8 = 3
	CmdExtended      uint8 = 4
	CmdPing          uint8 = 5
	CmdPong          uint8 = 6
	CmdDestroy       uint8 = 7
	CmdStatsRequest  uint8 = 8
	CmdStatsResponse uint8 = 9
)

// circIDOffset is the fixed byte offset of the 32-bit circuit id within
// both cell and data frames, allowing relay nodes to rewrite it without
// parsing the rest of the frame (spec §6).
const circIDOffset = 0

// cellHeaderLen is circuit_id(4) + command(1).
const cellHeaderLen = 5

// PlaintextCells never carry an encrypted tail — they are the handshake
// cells exchanged before any session keys exist.
func IsPlaintextCell(cmd uint8) bool {
	return cmd == CmdCreate || cmd == CmdCreated
}

// Cell is a parsed tunnel control-plane frame.
type Cell struct {
	CircuitID uint32
	Command   uint8
	Payload   []byte
}

// EncodeCell serializes a cell: circuit_id(4 BE) || command(1) || payload.
func EncodeCell(c Cell) []byte {
	buf := make([]byte, cellHeaderLen+len(c.Payload))
	binary.BigEndian.PutUint32(buf[0:4], c.CircuitID)
	buf[4] = c.Command
	copy(buf[cellHeaderLen:], c.Payload)
	return buf
}

// DecodeCell parses a cell frame produced by EncodeCell.
func DecodeCell(b []byte) (Cell, error) {
	if len(b) < cellHeaderLen {
		return Cell{}, fmt.Errorf("cell too short: %d bytes", len(b))
	}
	return Cell{
		CircuitID: binary.BigEndian.Uint32(b[0:4]),
		Command:   b[4],
		Payload:   b[cellHeaderLen:],
	}, nil
}

// CellCircuitID reads just the circuit id from a cell frame, for the relay
// fast-path that rewrites the id without decoding the rest.
func CellCircuitID(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("frame too short to contain a circuit id")
	}
	return binary.BigEndian.Uint32(b[circIDOffset : circIDOffset+4]), nil
}

// RewriteCellCircuitID overwrites the circuit id in place at its fixed
// offset, without touching the rest of the frame.
func RewriteCellCircuitID(b []byte, newID uint32) error {
	if len(b) < 4 {
		return fmt.Errorf("frame too short to contain a circuit id")
	}
	binary.BigEndian.PutUint32(b[circIDOffset:circIDOffset+4], newID)
	return nil
}

// SplitCell separates a cell's plaintext header from its (possibly
// encrypted) payload tail.
func SplitCell(b []byte) (header []byte, tail []byte, err error) {
	if len(b) < cellHeaderLen {
		return nil, nil, fmt.Errorf("cell too short: %d bytes", len(b))
	}
	return b[:cellHeaderLen], b[cellHeaderLen:], nil
}

// NullAddr is the "no address" sentinel used in data frames to mean "from
// me" (outbound at the initiator) or "to me" (inbound at the initiator).
var NullAddr = netAddr{ip: net.IPv4zero, port: 0}

type netAddr struct {
	ip   net.IP
	port uint16
}

// DataFrame is the parsed form of the tunnel DATA packet:
// (circuit_id, destination_addr, origin_addr, payload).
type DataFrame struct {
	CircuitID   uint32
	Destination net.UDPAddr
	Origin      net.UDPAddr
	Payload     []byte
}

// IsNullAddr reports whether addr is the 0.0.0.0:0 sentinel.
func IsNullAddr(addr net.UDPAddr) bool {
	return addr.Port == 0 && (addr.IP == nil || addr.IP.Equal(net.IPv4zero) || addr.IP.IsUnspecified())
}

// dataHeaderLen is prefix(4) + circuit_id(4).
const dataHeaderLen = 8

// addrEncodedLen is atype(1) + 4 (IPv4) + port(2).
const addrEncodedLen = 7

// EncodeData serializes a data frame:
// prefix(4) || circuit_id(4 BE) || dest(7) || origin(7) || payload.
func EncodeData(f DataFrame) ([]byte, error) {
	buf := make([]byte, dataHeaderLen+2*addrEncodedLen+len(f.Payload))
	copy(buf[0:4], DataPrefix[:])
	binary.BigEndian.PutUint32(buf[4:8], f.CircuitID)
	if err := encodeAddr(buf[8:8+addrEncodedLen], f.Destination); err != nil {
		return nil, fmt.Errorf("encode destination: %w", err)
	}
	off := 8 + addrEncodedLen
	if err := encodeAddr(buf[off:off+addrEncodedLen], f.Origin); err != nil {
		return nil, fmt.Errorf("encode origin: %w", err)
	}
	copy(buf[off+addrEncodedLen:], f.Payload)
	return buf, nil
}

// DecodeData parses a data frame produced by EncodeData. It does not
// validate the DataPrefix — callers demux on that first via HasDataPrefix.
func DecodeData(b []byte) (DataFrame, error) {
	if len(b) < dataHeaderLen+2*addrEncodedLen {
		return DataFrame{}, fmt.Errorf("data frame too short: %d bytes", len(b))
	}
	circID := binary.BigEndian.Uint32(b[4:8])
	dest, err := decodeAddr(b[8 : 8+addrEncodedLen])
	if err != nil {
		return DataFrame{}, fmt.Errorf("decode destination: %w", err)
	}
	off := 8 + addrEncodedLen
	origin, err := decodeAddr(b[off : off+addrEncodedLen])
	if err != nil {
		return DataFrame{}, fmt.Errorf("decode origin: %w", err)
	}
	payload := make([]byte, len(b)-off-addrEncodedLen)
	copy(payload, b[off+addrEncodedLen:])
	return DataFrame{CircuitID: circID, Destination: dest, Origin: origin, Payload: payload}, nil
}

// HasDataPrefix reports whether b begins with the DATA demultiplexing
// prefix.
func HasDataPrefix(b []byte) bool {
	return len(b) >= 4 && b[0] == DataPrefix[0] && b[1] == DataPrefix[1] && b[2] == DataPrefix[2] && b[3] == DataPrefix[3]
}

// DataCircuitID reads the circuit id from a data frame at its fixed offset.
func DataCircuitID(b []byte) (uint32, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("data frame too short to contain a circuit id")
	}
	return binary.BigEndian.Uint32(b[4:8]), nil
}

// RewriteDataCircuitID overwrites the circuit id of a data frame in place.
func RewriteDataCircuitID(b []byte, newID uint32) error {
	if len(b) < 8 {
		return fmt.Errorf("data frame too short to contain a circuit id")
	}
	binary.BigEndian.PutUint32(b[4:8], newID)
	return nil
}

// SplitData separates a data frame's plaintext header (prefix + circuit id)
// from the encrypted tail (destination || origin || payload).
func SplitData(b []byte) (header []byte, tail []byte, err error) {
	if len(b) < dataHeaderLen {
		return nil, nil, fmt.Errorf("data frame too short: %d bytes", len(b))
	}
	return b[:dataHeaderLen], b[dataHeaderLen:], nil
}

func encodeAddr(dst []byte, addr net.UDPAddr) error {
	if len(dst) != addrEncodedLen {
		return fmt.Errorf("internal: bad addr buffer length %d", len(dst))
	}
	ip4 := addr.IP.To4()
	if ip4 == nil {
		if addr.IP == nil || addr.IP.IsUnspecified() {
			ip4 = net.IPv4zero.To4()
		} else {
			return fmt.Errorf("only IPv4 addresses are supported, got %v", addr.IP)
		}
	}
	dst[0] = 0x01 // ATYPE IPv4
	copy(dst[1:5], ip4)
	binary.BigEndian.PutUint16(dst[5:7], uint16(addr.Port))
	return nil
}

func decodeAddr(src []byte) (net.UDPAddr, error) {
	if len(src) != addrEncodedLen {
		return net.UDPAddr{}, fmt.Errorf("internal: bad addr buffer length %d", len(src))
	}
	if src[0] != 0x01 {
		return net.UDPAddr{}, fmt.Errorf("unsupported address type %d", src[0])
	}
	ip := make(net.IP, 4)
	copy(ip, src[1:5])
	port := binary.BigEndian.Uint16(src[5:7])
	return net.UDPAddr{IP: ip, Port: int(port)}, nil
}
