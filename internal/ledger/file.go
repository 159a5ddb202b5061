package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// LedgerFilename is the ledger's fixed location under the uploads root.
const LedgerFilename = ".global_processed_emails.json"

// FileStore persists the ledger as a single JSON document mapping email
// identity to ownership record. It implements Store.
type FileStore struct {
	path string

	mu      sync.Mutex
	entries map[string]Entry
}

// NewFileStore creates a file-backed ledger stored under uploadsRoot.
func NewFileStore(uploadsRoot string) *FileStore {
	return &FileStore{
		path:    filepath.Join(uploadsRoot, LedgerFilename),
		entries: make(map[string]Entry),
	}
}

// Load reads the ledger file into memory. A missing file yields an empty
// ledger; an unreadable or malformed file also yields an empty ledger but
// reports the error so the caller can log the degradation.
func (s *FileStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *FileStore) loadLocked() error {
	s.entries = make(map[string]Entry)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read ledger file: %w", err)
	}

	if err := json.Unmarshal(data, &s.entries); err != nil {
		s.entries = make(map[string]Entry)
		return fmt.Errorf("failed to parse ledger file: %w", err)
	}
	return nil
}

// Lookup returns the entry owning the given email identity.
func (s *FileStore) Lookup(filename string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[filename]
	return e, ok
}

// Claim records ownership of filename unless it is already owned.
func (s *FileStore) Claim(filename string, entry Entry) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[filename]; ok {
		return existing, false
	}
	s.entries[filename] = entry
	return entry, true
}

// RemoveBatch deletes every entry owned by batchID and persists the result.
func (s *FileStore) RemoveBatch(ctx context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-read so an out-of-band edit between runs is not clobbered.
	if err := s.loadLocked(); err != nil {
		return 0, err
	}

	removed := 0
	for filename, entry := range s.entries {
		if entry.BatchID == batchID {
			delete(s.entries, filename)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persistLocked()
}

// Persist writes the full in-memory ledger back to disk, once per run.
func (s *FileStore) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

func (s *FileStore) persistLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode ledger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write ledger file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}
	return nil
}
