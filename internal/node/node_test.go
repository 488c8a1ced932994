package node

import (
	"testing"

	"github.com/veiltun/tunnel/internal/config"
)

func TestNewWiresEveryCollaborator(t *testing.T) {
	n, err := New(Config{
		ListenAddr: "127.0.0.1:0",
		SocksAddr:  "127.0.0.1:0",
		Settings:   config.Default(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = n.conn.Close() }()

	if n.pipeline == nil {
		t.Fatal("expected pipeline to be wired")
	}
	if n.builder == nil || n.exits == nil || n.sweep == nil || n.ka == nil || n.gw == nil {
		t.Fatal("expected every collaborator to be constructed")
	}
	if n.gw.Sender == nil {
		t.Fatal("expected the SOCKS5 gateway's sender to be bound to the real pipeline")
	}
}

func TestGenerateStaticKeypairProducesDistinctKeys(t *testing.T) {
	pk1, sk1, err := generateStaticKeypair()
	if err != nil {
		t.Fatalf("generateStaticKeypair: %v", err)
	}
	pk2, _, err := generateStaticKeypair()
	if err != nil {
		t.Fatalf("generateStaticKeypair: %v", err)
	}
	if pk1 == pk2 {
		t.Fatal("expected two independently generated keypairs to differ")
	}
	if sk1 == ([32]byte{}) {
		t.Fatal("expected a non-zero private key")
	}
}
