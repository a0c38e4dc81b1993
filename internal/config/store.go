package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store reads and writes the persisted configuration document. All saves
// serialize through the store so concurrent admin mutations cannot
// interleave partial writes.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

// NewStore creates a document store for the given path.
func NewStore(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document, migrating it to the current schema if needed.
// A migrated document is written back immediately. An unreadable or
// malformed document falls back to the empty default rather than failing:
// the returned error is advisory and the document is always usable.
func (s *Store) Load() (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			doc := DefaultDocument()
			if err := s.saveLocked(doc); err != nil {
				return doc, fmt.Errorf("write default config: %w", err)
			}
			s.logger.Info("created default configuration", "path", s.path)
			return doc, nil
		}
		return DefaultDocument(), fmt.Errorf("read config: %w", err)
	}

	if err := VerifyChecksum(s.path, data); err != nil {
		// Out-of-band edits are allowed, just surfaced.
		s.logger.Warn("config checksum verification failed", "error", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return DefaultDocument(), fmt.Errorf("parse config %s: %w", s.path, err)
	}
	normalize(&doc)

	fromVersion := doc.ConfigVersion
	if fromVersion == "" {
		fromVersion = "1.0.0"
	}
	migrated, changed := Migrate(&doc)
	if changed {
		s.logger.Info("migrated configuration", "from", fromVersion, "to", migrated.ConfigVersion)
		if err := s.saveLocked(migrated); err != nil {
			return migrated, fmt.Errorf("write migrated config: %w", err)
		}
	}
	return migrated, nil
}

// Save persists the document and its checksum sidecar.
func (s *Store) Save(doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(doc)
}

func (s *Store) saveLocked(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}

	if err := WriteChecksum(s.path, data); err != nil {
		return err
	}

	s.logger.Debug("configuration saved", "path", s.path)
	return nil
}

// normalize replaces nil slices with empty ones so JSON round-trips
// produce arrays, not null.
func normalize(doc *Document) {
	if doc.TCPListeners == nil {
		doc.TCPListeners = []TCPListener{}
	}
	if doc.TCPCommands == nil {
		doc.TCPCommands = []TCPCommand{}
	}
	if doc.Automators == nil {
		doc.Automators = []Automator{}
	}
	if doc.Mappings == nil {
		doc.Mappings = []CommandMapping{}
	}
}
