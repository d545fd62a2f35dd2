// Package keystore provides the unlocked credential databases that SSH
// identities are loaded from.
package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	keyerrors "github.com/rcourtman/keyagent/internal/errors"
)

// AgentSettings are the per-entry SSH agent options.
type AgentSettings struct {
	AllowUse  bool          `yaml:"allow_use"`
	AddAtOpen bool          `yaml:"add_at_open"`
	Confirm   bool          `yaml:"confirm"`
	Lifetime  time.Duration `yaml:"lifetime"`
	Comment   string        `yaml:"comment"`
}

// Entry is a single credential record.
type Entry struct {
	UUID       uuid.UUID
	Path       string
	Title      string
	Username   string
	Password   string
	PrivateKey []byte
	KeyFile    string
	Agent      AgentSettings
}

// Database is an unlocked credential store borrowed for the duration of a command.
type Database interface {
	// UUID identifies the database; it is used as the owner of agent identities.
	UUID() uuid.UUID
	Name() string
	// AutoLoadEntries returns the entries flagged to be added to the agent on unlock.
	AutoLoadEntries() ([]*Entry, error)
	// FindEntryByPath returns the entry at path or an error matching errors.ErrNotFound.
	FindEntryByPath(path string) (*Entry, error)
	// MarkLocked drops key material; later queries fail with errors.ErrLocked.
	MarkLocked()
	Locked() bool
	Close() error
}

var statFn = os.Stat

// Open opens the database at path, choosing the backend from the file extension.
func Open(path string) (Database, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("keystore: empty database path")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return OpenYAML(path)
	case ".db", ".sqlite", ".sqlite3":
		// OpenSQLite creates missing files; a database named on the command line must already exist.
		if _, err := statFn(path); err != nil {
			return nil, fmt.Errorf("keystore: open %s: %w", path, err)
		}
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("keystore: unsupported database format %q", filepath.Ext(path))
	}
}

// NormalizePath trims whitespace and surrounding slashes from an entry path.
func NormalizePath(path string) string {
	return strings.Trim(strings.TrimSpace(path), "/")
}

func notFound(path string) error {
	return keyerrors.New(keyerrors.KindNotFound, "find_entry", nil).WithPath(path)
}

func locked(op string) error {
	return keyerrors.New(keyerrors.KindLocked, op, nil)
}

// wipe zeroes key material held in memory.
func wipe(e *Entry) {
	if e == nil {
		return
	}
	for i := range e.PrivateKey {
		e.PrivateKey[i] = 0
	}
	e.PrivateKey = nil
	e.Password = ""
}
