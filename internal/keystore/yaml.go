package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type yamlDocument struct {
	UUID    string      `yaml:"uuid"`
	Name    string      `yaml:"name"`
	Entries []yamlEntry `yaml:"entries"`
	Groups  []yamlGroup `yaml:"groups"`
}

type yamlGroup struct {
	Name    string      `yaml:"name"`
	Entries []yamlEntry `yaml:"entries"`
	Groups  []yamlGroup `yaml:"groups"`
}

type yamlEntry struct {
	UUID       string        `yaml:"uuid"`
	Title      string        `yaml:"title"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	PrivateKey string        `yaml:"private_key"`
	KeyFile    string        `yaml:"key_file"`
	Agent      AgentSettings `yaml:"agent"`
}

// YAMLDatabase is a read-only database backed by a YAML document of nested groups.
type YAMLDatabase struct {
	mu      sync.Mutex
	path    string
	id      uuid.UUID
	name    string
	entries []*Entry
	locked  bool
}

var readFileFn = os.ReadFile

// OpenYAML loads the YAML database at path.
func OpenYAML(path string) (*YAMLDatabase, error) {
	data, err := readFileFn(path)
	if err != nil {
		return nil, fmt.Errorf("read database %s: %w", path, err)
	}
	return ParseYAML(path, data)
}

// ParseYAML builds a database from an in-memory YAML document. path is used for
// naming and for resolving relative key files.
func ParseYAML(path string, data []byte) (*YAMLDatabase, error) {
	var doc yamlDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse database %s: %w", path, err)
	}

	id, err := documentUUID(path, doc.UUID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(doc.Name)
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	db := &YAMLDatabase{path: path, id: id, name: name}
	baseDir := filepath.Dir(path)
	if err := db.collect(baseDir, "", doc.Entries, doc.Groups); err != nil {
		return nil, err
	}

	log.Debug().
		Str("database", path).
		Int("entries", len(db.entries)).
		Msg("Loaded YAML database")
	return db, nil
}

// documentUUID uses the declared UUID or derives a stable one from the path.
func documentUUID(path, declared string) (uuid.UUID, error) {
	declared = strings.TrimSpace(declared)
	if declared == "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		return uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+abs)), nil
	}
	id, err := uuid.Parse(declared)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse database uuid %q: %w", declared, err)
	}
	return id, nil
}

func (db *YAMLDatabase) collect(baseDir, prefix string, entries []yamlEntry, groups []yamlGroup) error {
	for _, ye := range entries {
		title := strings.TrimSpace(ye.Title)
		if title == "" {
			return fmt.Errorf("database %s: entry in %q has no title", db.path, prefix)
		}
		entryPath := joinPath(prefix, title)

		id := uuid.NewSHA1(db.id, []byte(entryPath))
		if ye.UUID != "" {
			parsed, err := uuid.Parse(ye.UUID)
			if err != nil {
				return fmt.Errorf("entry %s: parse uuid: %w", entryPath, err)
			}
			id = parsed
		}

		keyFile := strings.TrimSpace(ye.KeyFile)
		if keyFile != "" && !filepath.IsAbs(keyFile) {
			keyFile = filepath.Join(baseDir, keyFile)
		}

		entry := &Entry{
			UUID:     id,
			Path:     entryPath,
			Title:    title,
			Username: ye.Username,
			Password: ye.Password,
			KeyFile:  keyFile,
			Agent:    ye.Agent,
		}
		if ye.PrivateKey != "" {
			entry.PrivateKey = []byte(ye.PrivateKey)
		}
		db.entries = append(db.entries, entry)
	}

	for _, g := range groups {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return fmt.Errorf("database %s: group in %q has no name", db.path, prefix)
		}
		if err := db.collect(baseDir, joinPath(prefix, name), g.Entries, g.Groups); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func (db *YAMLDatabase) UUID() uuid.UUID { return db.id }

func (db *YAMLDatabase) Name() string { return db.name }

func (db *YAMLDatabase) AutoLoadEntries() ([]*Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.locked {
		return nil, locked("auto_load_entries")
	}
	var out []*Entry
	for _, e := range db.entries {
		if e.Agent.AllowUse && e.Agent.AddAtOpen {
			out = append(out, e)
		}
	}
	return out, nil
}

func (db *YAMLDatabase) FindEntryByPath(path string) (*Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.locked {
		return nil, locked("find_entry")
	}
	want := NormalizePath(path)
	for _, e := range db.entries {
		if e.Path == want {
			return e, nil
		}
	}
	return nil, notFound(path)
}

func (db *YAMLDatabase) MarkLocked() {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.locked {
		return
	}
	for _, e := range db.entries {
		wipe(e)
	}
	db.locked = true
	log.Debug().Str("database", db.path).Msg("Database marked locked")
}

func (db *YAMLDatabase) Locked() bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.locked
}

func (db *YAMLDatabase) Close() error {
	db.MarkLocked()
	return nil
}
