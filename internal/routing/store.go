package routing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FileStore persists the routing config as one JSON document. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// torn document, and are serialized under a mutex.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore stores the routing document at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the routing document. A missing file yields the default
// config; a document written by a newer schema is refused rather than
// reinterpreted.
func (s *FileStore) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		log.Infof("📦 No routing config at %s, starting with defaults", s.path)
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read routing config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse routing config: %w", err)
	}
	if cfg.Version > SchemaVersion {
		return nil, fmt.Errorf("routing config version %d is newer than supported %d", cfg.Version, SchemaVersion)
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes the document atomically: marshal, write to a sibling temp
// file, rename over the target.
func (s *FileStore) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg.Normalize()
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal routing config: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create routing config dir: %w", err)
		}
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write routing config tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename routing config: %w", err)
	}
	return nil
}
