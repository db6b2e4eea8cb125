// Package watermark persists the last fully collected block per target so
// interrupted runs resume without gaps or duplicates.
package watermark

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-errors/errors"

	"github.com/loopfi/loop-harvester/models"
)

// Store owns per-target watermarks. Set replaces the stored value atomically;
// a value lost to a crash is healed on startup by reconciling against the sink.
type Store interface {
	// Get returns the watermark and whether one exists for the target.
	Get(target models.TargetID) (int64, bool, error)
	Set(target models.TargetID, blockNumber int64) error
}

// FileStore keeps all watermarks in a single JSON file, rewritten atomically
// (temp file + rename) on every Set.
type FileStore struct {
	mutex sync.Mutex
	path  string
	state map[models.TargetID]int64
}

var _ Store = &FileStore{}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:  path,
		state: make(map[models.TargetID]int64),
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, errors.Errorf("failed to read watermark file %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &s.state); err != nil {
		return nil, errors.Errorf("failed to parse watermark file %s: %w", path, err)
	}
	return s, nil
}

func (s *FileStore) Get(target models.TargetID) (int64, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	n, ok := s.state[target]
	return n, ok, nil
}

func (s *FileStore) Set(target models.TargetID, blockNumber int64) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.state[target] = blockNumber
	raw, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return errors.Errorf("failed to encode watermarks: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return errors.Errorf("failed to write watermark file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Errorf("failed to replace watermark file: %w", err)
	}
	return nil
}

// DefaultPath places the watermark file alongside the collected data.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, "watermarks.json")
}
