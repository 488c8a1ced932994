package tcrypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

func genStaticKeypair(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	copy(pub[:], p)
	return priv, pub
}

func TestHandshakeRoundTrip(t *testing.T) {
	priv, pub := genStaticKeypair(t)

	hs, err := NewHandshake(pub)
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}

	y, auth, serverQuad, err := ServerRespond(priv, pub, hs.ClientPublic())
	if err != nil {
		t.Fatalf("ServerRespond: %v", err)
	}

	clientQuad, err := hs.Complete(y, auth)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if clientQuad.Kout != serverQuad.Kin || clientQuad.Kin != serverQuad.Kout {
		t.Fatalf("derived keys do not match between client and server")
	}
}

func TestHandshakeRejectsBadAuth(t *testing.T) {
	_, pub := genStaticKeypair(t)
	hs, err := NewHandshake(pub)
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}
	var y, auth [32]byte
	if _, err := rand.Read(y[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := rand.Read(auth[:]); err != nil {
		t.Fatal(err)
	}
	if _, err := hs.Complete(y, auth); err == nil {
		t.Fatal("expected AUTH verification failure")
	}
}

func TestIsCompatible(t *testing.T) {
	_, pub := genStaticKeypair(t)
	if !IsCompatible(pub) {
		t.Fatal("expected valid point to be compatible")
	}
	var zero [32]byte
	if IsCompatible(zero) {
		t.Fatal("expected all-zero point to be incompatible")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("hello onion world")
	ct, err := EncryptStr(key, 42, 1, plaintext)
	if err != nil {
		t.Fatalf("EncryptStr: %v", err)
	}
	pt, err := DecryptStr(key, 42, 1, ct)
	if err != nil {
		t.Fatalf("DecryptStr: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round-trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestGetSessionKeysBumpsSaltExplicit(t *testing.T) {
	q := &KeyQuad{}
	_, _, s1 := GetSessionKeys(q, Originator)
	_, _, s2 := GetSessionKeys(q, Originator)
	if s2 != s1+1 {
		t.Fatalf("expected salt_explicit to increment monotonically, got %d then %d", s1, s2)
	}
	// Other direction has an independent counter.
	_, _, other := GetSessionKeys(q, ExitNode)
	if other != 1 {
		t.Fatalf("expected independent counter for other direction, got %d", other)
	}
}
