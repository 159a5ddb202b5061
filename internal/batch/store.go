package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a batch directory does not exist.
	ErrNotFound = errors.New("batch not found")
	// ErrNoMetadata is returned when a batch directory exists but carries no
	// metadata file.
	ErrNoMetadata = errors.New("batch metadata not found")
	// ErrCorrupted is returned when a batch's metadata file cannot be
	// parsed. Such batches are excluded from automated state transitions
	// until repaired.
	ErrCorrupted = errors.New("batch metadata corrupted")
	// ErrInvalidLabel is returned when a custom label is empty.
	ErrInvalidLabel = errors.New("batch label must not be empty")
)

// Store manages batch directories under three roots: raw uploads, cleaned
// markdown output, and LLM-processed final output. All metadata
// read-modify-write cycles are serialized through one mutex so concurrent
// stage completions never clobber each other's status writes.
type Store struct {
	uploadsRoot string
	processed   string
	finalOutput string

	mu sync.Mutex
}

// NewStore creates a batch store over the three directory roots.
func NewStore(uploadsRoot, processedRoot, finalOutputRoot string) *Store {
	return &Store{
		uploadsRoot: uploadsRoot,
		processed:   processedRoot,
		finalOutput: finalOutputRoot,
	}
}

// UploadsRoot returns the root directory batches are uploaded under. The
// global ledger file lives alongside the batch directories there.
func (s *Store) UploadsRoot() string {
	return s.uploadsRoot
}

// UploadDir returns the directory holding a batch's raw email files.
func (s *Store) UploadDir(batchID string) string {
	return filepath.Join(s.uploadsRoot, batchID)
}

// ProcessedDir returns the directory holding a batch's cleaned markdown.
func (s *Store) ProcessedDir(batchID string) string {
	return filepath.Join(s.processed, batchID)
}

// FinalDir returns the directory holding a batch's LLM-processed markdown.
func (s *Store) FinalDir(batchID string) string {
	return filepath.Join(s.finalOutput, batchID)
}

// newBatchID builds a time-derived batch ID with a random suffix so two
// uploads within the same second stay distinct.
func newBatchID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return fmt.Sprintf("batch_%s_%s", now.Format("20060102_150405"), suffix)
}

// Create makes a new batch directory with the given label and writes its
// initial metadata (uploaded=true, all other flags false).
func (s *Store) Create(label string) (*Info, error) {
	if strings.TrimSpace(label) == "" {
		return nil, ErrInvalidLabel
	}

	now := time.Now()
	info := &Info{
		BatchID:           newBatchID(now),
		UploadTime:        now,
		CustomLabel:       strings.TrimSpace(label),
		Status:            Status{Uploaded: true},
		Files:             []FileInfo{},
		ProcessingHistory: map[string]time.Time{StatusUploaded + "_at": now},
	}

	if err := os.MkdirAll(s.UploadDir(info.BatchID), 0755); err != nil {
		return nil, fmt.Errorf("failed to create batch directory: %w", err)
	}
	if err := s.save(info); err != nil {
		return nil, err
	}
	return info, nil
}

// SaveFile stores one uploaded file under the batch and records it in the
// given metadata (which the caller persists with Save when done).
func (s *Store) SaveFile(info *Info, filename string, r io.Reader) error {
	path := filepath.Join(s.UploadDir(info.BatchID), filename)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", filename, err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write file %s: %w", filename, err)
	}

	info.Files = append(info.Files, FileInfo{
		Filename:   filename,
		Size:       size,
		UploadTime: time.Now(),
	})
	info.FileCount = len(info.Files)
	return nil
}

// Save persists the full metadata document for a batch.
func (s *Store) Save(info *Info) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(info)
}

func (s *Store) save(info *Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode batch metadata: %w", err)
	}
	path := filepath.Join(s.UploadDir(info.BatchID), MetadataFilename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write batch metadata: %w", err)
	}
	return nil
}

// Load reads a batch's metadata. It returns ErrNotFound for a missing
// batch, ErrNoMetadata for a batch directory without a metadata file, and
// ErrCorrupted for unparseable metadata.
func (s *Store) Load(batchID string) (*Info, error) {
	dir := s.UploadDir(batchID)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}

	data, err := os.ReadFile(filepath.Join(dir, MetadataFilename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoMetadata
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read batch metadata: %w", err)
	}

	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	if info.ProcessingHistory == nil {
		info.ProcessingHistory = make(map[string]time.Time)
	}
	return &info, nil
}

// IDs lists all batch directory names under the uploads root, sorted.
func (s *Store) IDs() ([]string, error) {
	entries, err := os.ReadDir(s.uploadsRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read uploads root: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "batch_") {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// List returns a summary for every batch, classifying metadata problems
// instead of failing the listing.
func (s *Store) List() ([]Summary, error) {
	ids, err := s.IDs()
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		emls, _ := s.EmailFiles(id)
		summary := Summary{ActualFileCount: len(emls)}

		info, err := s.Load(id)
		switch {
		case err == nil:
			summary.Info = info
			summary.Lifecycle = info.Lifecycle()
		case errors.Is(err, ErrNoMetadata):
			summary.Info = &Info{BatchID: id, FileCount: len(emls), Status: Status{Uploaded: true}}
			summary.Lifecycle = LifecycleNoMetadata
		case errors.Is(err, ErrCorrupted):
			summary.Info = &Info{BatchID: id}
			summary.Lifecycle = LifecycleCorrupted
		default:
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// SetStatus flips one status flag to true and stamps the processing
// history. Re-confirming an already-true flag refreshes its timestamp.
func (s *Store) SetStatus(batchID, key string) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.Load(batchID)
	if err != nil {
		return nil, err
	}

	switch key {
	case StatusUploaded:
		info.Status.Uploaded = true
	case StatusCleaned:
		info.Status.Cleaned = true
	case StatusLLMProcessed:
		info.Status.LLMProcessed = true
	case StatusUploadedToKB:
		info.Status.UploadedToKB = true
	default:
		return nil, fmt.Errorf("unknown status key %q", key)
	}
	info.ProcessingHistory[key+"_at"] = time.Now()

	if err := s.save(info); err != nil {
		return nil, err
	}
	return info, nil
}

// SetDedupStats records the outcome of a cleaning run.
func (s *Store) SetDedupStats(batchID string, stats DedupStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.Load(batchID)
	if err != nil {
		return err
	}
	info.DedupStats = &stats
	return s.save(info)
}

// UpdateLabel replaces a batch's custom label.
func (s *Store) UpdateLabel(batchID, label string) error {
	if strings.TrimSpace(label) == "" {
		return ErrInvalidLabel
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.Load(batchID)
	if err != nil {
		return err
	}
	info.CustomLabel = strings.TrimSpace(label)
	return s.save(info)
}

// SetKBName tags the batch with the knowledge base that received it. Used
// by the upload stage's best-effort auto-labeling.
func (s *Store) SetKBName(batchID, kbName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.Load(batchID)
	if err != nil {
		return err
	}
	info.KBName = kbName
	return s.save(info)
}

// LabelKB applies a manual knowledge-base label. Allowed only after the
// batch has actually been uploaded to a knowledge base.
func (s *Store) LabelKB(batchID, kbName string) (*Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.Load(batchID)
	if err != nil {
		return nil, err
	}
	if !info.Status.UploadedToKB {
		return nil, fmt.Errorf("batch %s has not been uploaded to a knowledge base", batchID)
	}

	now := time.Now()
	info.KBName = kbName
	info.KBLabeledAt = &now
	if err := s.save(info); err != nil {
		return nil, err
	}
	return info, nil
}

// Reset clears the three processing flags back to false, removes the
// batch's output directories and KB label, and leaves the uploaded files
// and inventory intact so the batch can be fully reprocessed. Ledger
// pruning is the caller's responsibility.
func (s *Store) Reset(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := s.Load(batchID)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(s.ProcessedDir(batchID)); err != nil {
		return fmt.Errorf("failed to remove processed output: %w", err)
	}
	if err := os.RemoveAll(s.FinalDir(batchID)); err != nil {
		return fmt.Errorf("failed to remove final output: %w", err)
	}

	info.Status = Status{Uploaded: true}
	info.KBName = ""
	info.KBLabeledAt = nil
	return s.save(info)
}

// Delete removes a batch's directories under all three roots. Ledger
// pruning is the caller's responsibility.
func (s *Store) Delete(batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, dir := range []string{s.UploadDir(batchID), s.ProcessedDir(batchID), s.FinalDir(batchID)} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}

// EmailFiles lists the absolute paths of a batch's .eml files, sorted by
// filename.
func (s *Store) EmailFiles(batchID string) ([]string, error) {
	return globSorted(s.UploadDir(batchID), "*.eml")
}

// ProcessedMarkdown lists a batch's cleaned markdown files.
func (s *Store) ProcessedMarkdown(batchID string) ([]string, error) {
	return globSorted(s.ProcessedDir(batchID), "*.md")
}

// FinalMarkdown lists a batch's LLM-processed markdown files.
func (s *Store) FinalMarkdown(batchID string) ([]string, error) {
	return globSorted(s.FinalDir(batchID), "*.md")
}

func globSorted(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// ExistingFilenames scans every batch under the uploads root and maps each
// stored email filename to the batch holding it. Used to skip re-uploads of
// the same file into a new batch.
func (s *Store) ExistingFilenames() (map[string]string, error) {
	ids, err := s.IDs()
	if err != nil {
		return nil, err
	}

	existing := make(map[string]string)
	for _, id := range ids {
		files, err := s.EmailFiles(id)
		if err != nil {
			return nil, err
		}
		for _, path := range files {
			name := filepath.Base(path)
			if _, ok := existing[name]; !ok {
				existing[name] = id
			}
		}
	}
	return existing, nil
}

// SanitizeFilename strips any path components from an uploaded filename.
// Returns an empty string for names that reduce to nothing usable.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}
