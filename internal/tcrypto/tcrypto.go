// Package tcrypto is the crypto facade: ECDH handshake, per-direction
// session-key derivation, and AEAD encrypt/decrypt with explicit salts.
// It never touches the network; callers drive the handshake bytes.
package tcrypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	protoID = "veiltun-ecdh-chacha20poly1305-1"
	tKey    = protoID + ":key_extract"
	tMac    = protoID + ":mac"
	tVerify = protoID + ":verify"
	mExpand = protoID + ":key_expand"
)

// Direction names the two key/salt indices of a session-key quadruple.
type Direction int

const (
	// Originator selects K_out/salt_out: the initiator encrypts outbound
	// traffic with it, and the hop decrypts that traffic with its swapped
	// quad under the same index.
	Originator Direction = 0
	// ExitNode selects K_in/salt_in: traffic flowing back toward the
	// initiator, which decrypts it under this index.
	ExitNode Direction = 1
)

// KeyQuad is the session-key quadruple (K_out, K_in, salt_out, salt_in)
// derived from one ECDH handshake. SaltExplicit counters are bumped on
// every call to GetSessionKeys for AEAD nonce uniqueness.
type KeyQuad struct {
	Kout         [32]byte
	Kin          [32]byte
	SaltOut      uint64
	SaltIn       uint64
	SaltExplicit [2]uint64 // indexed by Direction
}

// Zero clears key material from memory.
func (q *KeyQuad) Zero() {
	clear(q.Kout[:])
	clear(q.Kin[:])
	q.SaltOut, q.SaltIn = 0, 0
	q.SaltExplicit[0], q.SaltExplicit[1] = 0, 0
}

// GetSessionKeys returns the key and salts to use for the given direction,
// bumping the explicit salt counter for that direction first so every call
// yields a fresh nonce component.
func GetSessionKeys(q *KeyQuad, dir Direction) (key [32]byte, saltBase uint64, saltExplicit uint64) {
	q.SaltExplicit[dir]++
	if dir == Originator {
		return q.Kout, q.SaltOut, q.SaltExplicit[dir]
	}
	return q.Kin, q.SaltIn, q.SaltExplicit[dir]
}

// Handshake holds ephemeral client-side state for one ECDH handshake.
type Handshake struct {
	peerPub [32]byte // relay's static ECDH public key (B)
	x       [32]byte // our ephemeral private key
	X       [32]byte // our ephemeral public key
}

// NewHandshake creates a fresh ephemeral keypair bound to the peer's static
// public key.
func NewHandshake(peerPub [32]byte) (*Handshake, error) {
	var x [32]byte
	if _, err := rand.Read(x[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	X, err := curve25519.X25519(x[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("compute public key: %w", err)
	}
	hs := &Handshake{peerPub: peerPub, x: x}
	copy(hs.X[:], X)
	return hs, nil
}

// Close zeroes the ephemeral private key. Safe to call after Complete, and
// mandatory on error paths where Complete is never called.
func (hs *Handshake) Close() { clear(hs.x[:]) }

// ClientPublic returns our ephemeral public key, the "dh_first_part" sent in
// a create/extend cell.
func (hs *Handshake) ClientPublic() [32]byte { return hs.X }

// IsCompatible reports whether a peer's advertised public key is usable with
// this crypto suite (not the all-zeros point, correct length already
// enforced by the [32]byte type).
func IsCompatible(pub [32]byte) bool { return !isZero(pub[:]) }

// Complete processes the peer's response (Y || AUTH) and returns the
// derived session-key quadruple, or an error if AUTH fails to verify.
func (hs *Handshake) Complete(y [32]byte, auth [32]byte) (*KeyQuad, error) {
	exp1, err := curve25519.X25519(hs.x[:], y[:])
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*Y: %w", err)
	}
	if isZero(exp1) {
		return nil, fmt.Errorf("x*Y produced all-zeros point")
	}
	exp2, err := curve25519.X25519(hs.x[:], hs.peerPub[:])
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*B: %w", err)
	}
	if isZero(exp2) {
		return nil, fmt.Errorf("x*B produced all-zeros point")
	}

	secretInput := make([]byte, 0, 2*32+32+32+32+len(protoID))
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, hs.peerPub[:]...)
	secretInput = append(secretInput, hs.X[:]...)
	secretInput = append(secretInput, y[:]...)
	secretInput = append(secretInput, []byte(protoID)...)

	verify := keyedHMAC(secretInput, tVerify)

	authInput := make([]byte, 0, len(verify)+32+32+32+len(protoID)+len("Server"))
	authInput = append(authInput, verify...)
	authInput = append(authInput, hs.peerPub[:]...)
	authInput = append(authInput, y[:]...)
	authInput = append(authInput, hs.X[:]...)
	authInput = append(authInput, []byte(protoID)...)
	authInput = append(authInput, []byte("Server")...)

	expected := keyedHMAC(authInput, tMac)
	if !hmac.Equal(expected, auth[:]) {
		return nil, fmt.Errorf("AUTH verification failed")
	}

	kdf := hkdf.New(sha256.New, secretInput, []byte(tKey), []byte(mExpand))
	keys := make([]byte, 64)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("HKDF key derivation: %w", err)
	}

	q := &KeyQuad{}
	copy(q.Kout[:], keys[0:32])
	copy(q.Kin[:], keys[32:64])
	clear(keys)
	clear(secretInput)
	clear(authInput)
	hs.Close()
	return q, nil
}

// ServerRespond is the relay-side half of the handshake: given the client's
// ephemeral public key X and our own static keypair, produce Y and AUTH plus
// the derived session keys (from the relay's point of view: Kout/Kin are
// swapped relative to the client's quad).
func ServerRespond(staticPriv, staticPub, x [32]byte) (y [32]byte, auth [32]byte, keys *KeyQuad, err error) {
	var ySecret [32]byte
	if _, err := rand.Read(ySecret[:]); err != nil {
		return y, auth, nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	Y, err := curve25519.X25519(ySecret[:], curve25519.Basepoint)
	if err != nil {
		return y, auth, nil, fmt.Errorf("compute Y: %w", err)
	}
	copy(y[:], Y)

	exp1, err := curve25519.X25519(ySecret[:], x[:])
	if err != nil {
		return y, auth, nil, fmt.Errorf("curve25519 y*X: %w", err)
	}
	exp2, err := curve25519.X25519(staticPriv[:], x[:])
	if err != nil {
		return y, auth, nil, fmt.Errorf("curve25519 b*X: %w", err)
	}

	secretInput := make([]byte, 0, 2*32+32+32+32+len(protoID))
	secretInput = append(secretInput, exp1...)
	secretInput = append(secretInput, exp2...)
	secretInput = append(secretInput, staticPub[:]...)
	secretInput = append(secretInput, x[:]...)
	secretInput = append(secretInput, y[:]...)
	secretInput = append(secretInput, []byte(protoID)...)

	verify := keyedHMAC(secretInput, tVerify)
	authInput := make([]byte, 0, len(verify)+32+32+32+len(protoID)+len("Server"))
	authInput = append(authInput, verify...)
	authInput = append(authInput, staticPub[:]...)
	authInput = append(authInput, y[:]...)
	authInput = append(authInput, x[:]...)
	authInput = append(authInput, []byte(protoID)...)
	authInput = append(authInput, []byte("Server")...)
	authBytes := keyedHMAC(authInput, tMac)
	copy(auth[:], authBytes)

	kdf := hkdf.New(sha256.New, secretInput, []byte(tKey), []byte(mExpand))
	raw := make([]byte, 64)
	if _, err := io.ReadFull(kdf, raw); err != nil {
		return y, auth, nil, fmt.Errorf("HKDF key derivation: %w", err)
	}
	q := &KeyQuad{}
	// The relay's forward direction decrypts what the client encrypted with
	// Kout, so the relay's Kin/Kout are the client's swapped.
	copy(q.Kin[:], raw[0:32])
	copy(q.Kout[:], raw[32:64])
	clear(raw)
	clear(secretInput)
	clear(authInput)
	clear(ySecret[:])
	return y, auth, q, nil
}

// EncryptStr seals plaintext with an AEAD keyed by key, using saltBase and
// saltExplicit as nonce material. Returns ciphertext || tag.
func EncryptStr(key [32]byte, saltBase, saltExplicit uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("new AEAD: %w", err)
	}
	nonce := nonceFromSalts(saltBase, saltExplicit, aead.NonceSize())
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// DecryptStr opens ciphertext sealed by EncryptStr with the matching salts.
func DecryptStr(key [32]byte, saltBase, saltExplicit uint64, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("new AEAD: %w", err)
	}
	nonce := nonceFromSalts(saltBase, saltExplicit, aead.NonceSize())
	pt, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("AEAD open: %w", err)
	}
	return pt, nil
}

func nonceFromSalts(saltBase, saltExplicit uint64, size int) []byte {
	nonce := make([]byte, size)
	for i := 0; i < 8 && i < size; i++ {
		nonce[i] = byte(saltBase >> (8 * i))
	}
	for i := 0; i < 8 && 8+i < size; i++ {
		nonce[8+i] = byte(saltExplicit >> (8 * i))
	}
	return nonce
}

func keyedHMAC(msg []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
