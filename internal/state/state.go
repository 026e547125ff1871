// Package state persists containers that were removed during an update but
// whose replacement never started, so a later cycle can relaunch them.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/samstreets/Docker-Autoupdater/internal/update"
)

const stateFileName = "autoupdater_state.json"

// StrandedRecord is everything needed to relaunch a container that is no
// longer present.
type StrandedRecord struct {
	Name      string          `json:"name"`
	Image     string          `json:"image"`
	Snapshot  update.Snapshot `json:"snapshot"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store is a JSON file of stranded records keyed by container name.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store that keeps its file in dir. The directory is
// created on first write.
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, stateFileName)}
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// loadUnlocked reads the state file. Caller must hold the lock.
func (s *Store) loadUnlocked() (map[string]StrandedRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]StrandedRecord), nil
		}
		return nil, fmt.Errorf("load state: %w", err)
	}
	out := make(map[string]StrandedRecord)
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return out, nil
}

// saveUnlocked replaces the state file atomically. Caller must hold the lock.
func (s *Store) saveUnlocked(m map[string]StrandedRecord) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, stateFileName+".*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o640); err != nil {
		return fmt.Errorf("chmod state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Put stores r under its name, replacing any earlier record.
func (s *Store) Put(r StrandedRecord) error {
	if r.Name == "" {
		return fmt.Errorf("stranded record without name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadUnlocked()
	if err != nil {
		return err
	}
	m[r.Name] = r
	return s.saveUnlocked(m)
}

// Remove deletes the record for name. Missing records are not an error.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadUnlocked()
	if err != nil {
		return err
	}
	if _, ok := m[name]; !ok {
		return nil
	}
	delete(m, name)
	return s.saveUnlocked(m)
}

// Get looks up the record for name.
func (s *Store) Get(name string) (StrandedRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadUnlocked()
	if err != nil {
		return StrandedRecord{}, false, err
	}
	r, ok := m[name]
	return r, ok, nil
}

// List returns all records ordered by name.
func (s *Store) List() ([]StrandedRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.loadUnlocked()
	if err != nil {
		return nil, err
	}
	out := make([]StrandedRecord, 0, len(m))
	for _, r := range m {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
