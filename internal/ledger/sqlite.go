package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps the ledger in an embedded SQLite database while
// preserving the load-all / claim / persist-once contract of the file
// backend. Suited to ledgers too large to rewrite as one JSON document.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	entries map[string]Entry
}

// NewSQLiteStore opens (and if needed creates) the ledger database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to ledger database: %w", err)
	}

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS processed_emails (
			filename TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			processed_at DATETIME NOT NULL,
			subject TEXT
		);`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate ledger database: %w", err)
	}

	return &SQLiteStore{db: db, entries: make(map[string]Entry)}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load replaces the in-memory state with the database contents.
func (s *SQLiteStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *SQLiteStore) loadLocked(ctx context.Context) error {
	s.entries = make(map[string]Entry)

	rows, err := s.db.QueryContext(ctx,
		"SELECT filename, batch_id, processed_at, subject FROM processed_emails")
	if err != nil {
		return fmt.Errorf("failed to query ledger: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var filename string
		var e Entry
		if err := rows.Scan(&filename, &e.BatchID, &e.ProcessedAt, &e.Subject); err != nil {
			s.entries = make(map[string]Entry)
			return fmt.Errorf("failed to scan ledger row: %w", err)
		}
		s.entries[filename] = e
	}
	if err := rows.Err(); err != nil {
		s.entries = make(map[string]Entry)
		return fmt.Errorf("ledger row iteration error: %w", err)
	}
	return nil
}

// Lookup returns the entry owning the given email identity.
func (s *SQLiteStore) Lookup(filename string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[filename]
	return e, ok
}

// Claim records ownership of filename unless it is already owned.
func (s *SQLiteStore) Claim(filename string, entry Entry) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[filename]; ok {
		return existing, false
	}
	s.entries[filename] = entry
	return entry, true
}

// RemoveBatch deletes every entry owned by batchID and persists the result.
func (s *SQLiteStore) RemoveBatch(ctx context.Context, batchID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadLocked(ctx); err != nil {
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
	return removed, s.persistLocked(ctx)
}

// Persist writes the full in-memory ledger back in a single transaction.
func (s *SQLiteStore) Persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(ctx)
}

func (s *SQLiteStore) persistLocked(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "DELETE FROM processed_emails"); err != nil {
		return fmt.Errorf("failed to clear ledger table: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO processed_emails (filename, batch_id, processed_at, subject) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare ledger insert: %w", err)
	}
	defer func() {
		_ = stmt.Close()
	}()

	for filename, e := range s.entries {
		if _, err := stmt.ExecContext(ctx, filename, e.BatchID, e.ProcessedAt, e.Subject); err != nil {
			return fmt.Errorf("failed to insert ledger entry %s: %w", filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}
