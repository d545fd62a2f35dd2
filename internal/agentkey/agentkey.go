// Package agentkey turns credential entries into identities an SSH agent can hold.
package agentkey

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	keyerrors "github.com/rcourtman/keyagent/internal/errors"
	"github.com/rcourtman/keyagent/internal/keystore"
)

// Identity is a decoded private key plus the settings used to register it.
type Identity struct {
	Key       any
	PublicKey ssh.PublicKey
	Settings  keystore.AgentSettings
	Comment   string
	EntryPath string
}

var readFileFn = os.ReadFile

// Extract decodes the SSH identity carried by entry.
func Extract(entry *keystore.Entry) (Identity, error) {
	if entry == nil {
		return Identity{}, invalid("", errors.New("entry is nil"))
	}
	if !entry.Agent.AllowUse {
		return Identity{}, invalid(entry.Path, errors.New("ssh agent use is not enabled for entry"))
	}
	if entry.Agent.Lifetime < 0 {
		return Identity{}, invalid(entry.Path, fmt.Errorf("negative agent lifetime %s", entry.Agent.Lifetime))
	}

	pemBytes, err := keyMaterial(entry)
	if err != nil {
		return Identity{}, invalid(entry.Path, err)
	}

	key, err := parsePrivateKey(pemBytes, entry.Password)
	if err != nil {
		return Identity{}, invalid(entry.Path, err)
	}

	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return Identity{}, invalid(entry.Path, fmt.Errorf("derive public key: %w", err))
	}

	return Identity{
		Key:       key,
		PublicKey: signer.PublicKey(),
		Settings:  entry.Agent,
		Comment:   comment(entry),
		EntryPath: entry.Path,
	}, nil
}

func keyMaterial(entry *keystore.Entry) ([]byte, error) {
	if len(entry.PrivateKey) > 0 {
		return entry.PrivateKey, nil
	}
	if entry.KeyFile == "" {
		return nil, errors.New("entry carries no private key")
	}
	data, err := readFileFn(entry.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return data, nil
}

func parsePrivateKey(pemBytes []byte, passphrase string) (any, error) {
	key, err := ssh.ParseRawPrivateKey(pemBytes)
	if err == nil {
		return key, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if passphrase == "" {
		return nil, errors.New("private key is encrypted and the entry has no password")
	}
	key, err = ssh.ParseRawPrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("decrypt private key: %w", err)
	}
	return key, nil
}

func comment(entry *keystore.Entry) string {
	if c := strings.TrimSpace(entry.Agent.Comment); c != "" {
		return c
	}
	if entry.Username != "" && entry.Title != "" {
		return entry.Username + "@" + entry.Title
	}
	return entry.Path
}

func invalid(path string, err error) error {
	return keyerrors.New(keyerrors.KindInvalidKeyData, "extract_key", err).WithPath(path)
}

// Fingerprint returns the SHA256 fingerprint of the public key.
func (id Identity) Fingerprint() string {
	if id.PublicKey == nil {
		return ""
	}
	return ssh.FingerprintSHA256(id.PublicKey)
}

// AddedKey builds the agent request for this identity.
func (id Identity) AddedKey() agent.AddedKey {
	return agent.AddedKey{
		PrivateKey:       id.Key,
		Comment:          id.Comment,
		LifetimeSecs:     lifetimeSeconds(id.Settings.Lifetime),
		ConfirmBeforeUse: id.Settings.Confirm,
	}
}

// lifetimeSeconds converts a lifetime constraint to whole seconds. Zero means
// no constraint, so any positive lifetime rounds up to at least one second.
func lifetimeSeconds(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	if secs > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(secs)
}
