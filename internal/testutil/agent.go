// Package testutil provides utilities for testing.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// NewPrivateKeyPEM generates an ed25519 key and returns it in OpenSSH PEM form.
// A non-empty passphrase encrypts the key.
func NewPrivateKeyPEM(t *testing.T, comment, passphrase string) ([]byte, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, comment)
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return pem.EncodeToMemory(block), sshPub
}

// KeyringAgent is an in-memory SSH agent served on a unix socket.
type KeyringAgent struct {
	agent.Agent
	Socket string

	listener net.Listener
}

// ServeKeyring starts an in-memory agent and stops it when the test ends.
func ServeKeyring(t *testing.T) *KeyringAgent {
	t.Helper()

	// unix socket paths are length limited, so avoid the long t.TempDir names
	dir, err := os.MkdirTemp("", "ka")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	socket := filepath.Join(dir, "agent.sock")

	listener, err := net.Listen("unix", socket)
	if err != nil {
		_ = os.RemoveAll(dir)
		t.Fatalf("listen %s: %v", socket, err)
	}

	ka := &KeyringAgent{
		Agent:    agent.NewKeyring(),
		Socket:   socket,
		listener: listener,
	}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(ka.Agent, conn)
			}()
		}
	}()

	t.Cleanup(func() {
		_ = listener.Close()
		_ = os.RemoveAll(dir)
	})
	return ka
}

// Count returns the number of identities held by the agent.
func (ka *KeyringAgent) Count(t *testing.T) int {
	t.Helper()
	keys, err := ka.List()
	if err != nil {
		t.Fatalf("list agent keys: %v", err)
	}
	return len(keys)
}
