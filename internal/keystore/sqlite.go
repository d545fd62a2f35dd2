package keystore

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// SQLiteDatabase is a database backed by a single SQLite file.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
	id   uuid.UUID
	name string

	mu     sync.Mutex
	locked bool
	issued []*Entry
}

// OpenSQLite opens (or creates) the SQLite database at path.
func OpenSQLite(path string) (*SQLiteDatabase, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open keystore db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteDatabase{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadMeta(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDatabase) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS entries (
		uuid          TEXT PRIMARY KEY,
		path          TEXT NOT NULL UNIQUE,
		title         TEXT NOT NULL DEFAULT '',
		username      TEXT NOT NULL DEFAULT '',
		password      TEXT NOT NULL DEFAULT '',
		private_key   BLOB,
		key_file      TEXT NOT NULL DEFAULT '',
		allow_use     INTEGER NOT NULL DEFAULT 0,
		add_at_open   INTEGER NOT NULL DEFAULT 0,
		confirm       INTEGER NOT NULL DEFAULT 0,
		lifetime_secs INTEGER NOT NULL DEFAULT 0,
		comment       TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_entries_auto_load ON entries(allow_use, add_at_open);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init keystore schema: %w", err)
	}
	return nil
}

// loadMeta reads the database identity, creating it on first open.
func (s *SQLiteDatabase) loadMeta() error {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'uuid'`).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.id = uuid.New()
		if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('uuid', ?)`, s.id.String()); err != nil {
			return fmt.Errorf("store database uuid: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read database uuid: %w", err)
	default:
		id, err := uuid.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse database uuid %q: %w", raw, err)
		}
		s.id = id
	}

	err = s.db.QueryRow(`SELECT value FROM meta WHERE key = 'name'`).Scan(&s.name)
	if errors.Is(err, sql.ErrNoRows) {
		s.name = strings.TrimSuffix(filepath.Base(s.path), filepath.Ext(s.path))
	} else if err != nil {
		return fmt.Errorf("read database name: %w", err)
	}
	return nil
}

// SetName records a display name for the database.
func (s *SQLiteDatabase) SetName(name string) error {
	if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('name', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, name); err != nil {
		return fmt.Errorf("store database name: %w", err)
	}
	s.name = name
	return nil
}

// Put inserts or replaces an entry. A missing UUID is derived from the path.
func (s *SQLiteDatabase) Put(e *Entry) error {
	if e == nil {
		return fmt.Errorf("entry is nil")
	}
	path := NormalizePath(e.Path)
	if path == "" {
		return fmt.Errorf("entry path is empty")
	}
	if s.Locked() {
		return locked("put_entry")
	}
	if e.UUID == uuid.Nil {
		e.UUID = uuid.NewSHA1(s.id, []byte(path))
	}
	e.Path = path
	if e.Title == "" {
		e.Title = path[strings.LastIndex(path, "/")+1:]
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO entries (
			uuid, path, title, username, password, private_key, key_file,
			allow_use, add_at_open, confirm, lifetime_secs, comment
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.UUID.String(), e.Path, e.Title, e.Username, e.Password, e.PrivateKey, e.KeyFile,
		boolToInt(e.Agent.AllowUse), boolToInt(e.Agent.AddAtOpen), boolToInt(e.Agent.Confirm),
		int64(e.Agent.Lifetime/time.Second), e.Agent.Comment,
	)
	if err != nil {
		return fmt.Errorf("put entry %s: %w", e.Path, err)
	}
	return nil
}

func (s *SQLiteDatabase) UUID() uuid.UUID { return s.id }

func (s *SQLiteDatabase) Name() string { return s.name }

const entryColumns = `uuid, path, title, username, password, private_key, key_file,
	allow_use, add_at_open, confirm, lifetime_secs, comment`

func (s *SQLiteDatabase) AutoLoadEntries() ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return nil, locked("auto_load_entries")
	}
	rows, err := s.db.Query(`SELECT ` + entryColumns + ` FROM entries
		WHERE allow_use = 1 AND add_at_open = 1 ORDER BY path`)
	if err != nil {
		return nil, fmt.Errorf("query auto-load entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate auto-load entries: %w", err)
	}
	s.issued = append(s.issued, out...)
	return out, nil
}

func (s *SQLiteDatabase) FindEntryByPath(path string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return nil, locked("find_entry")
	}
	row := s.db.QueryRow(`SELECT `+entryColumns+` FROM entries WHERE path = ?`, NormalizePath(path))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(path)
	}
	if err != nil {
		return nil, err
	}
	s.issued = append(s.issued, e)
	return e, nil
}

func (s *SQLiteDatabase) MarkLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locked {
		return
	}
	for _, e := range s.issued {
		wipe(e)
	}
	s.issued = nil
	s.locked = true
	log.Debug().Str("database", s.path).Msg("Database marked locked")
}

func (s *SQLiteDatabase) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Close locks the database and closes the underlying connection.
func (s *SQLiteDatabase) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.MarkLocked()
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		rawID                        string
		e                            Entry
		allowUse, addAtOpen, confirm int
		lifetimeSecs                 int64
	)
	if err := row.Scan(&rawID, &e.Path, &e.Title, &e.Username, &e.Password, &e.PrivateKey, &e.KeyFile,
		&allowUse, &addAtOpen, &confirm, &lifetimeSecs, &e.Agent.Comment); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entry: %w", err)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("entry %s: parse uuid: %w", e.Path, err)
	}
	e.UUID = id
	e.Agent.AllowUse = allowUse != 0
	e.Agent.AddAtOpen = addAtOpen != 0
	e.Agent.Confirm = confirm != 0
	e.Agent.Lifetime = time.Duration(lifetimeSecs) * time.Second
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
