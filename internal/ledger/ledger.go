// Package ledger tracks which batch owns each processed email identity,
// across every batch ever cleaned. The ledger is read fully into memory at
// the start of a cleaning run and written back in full once per run.
package ledger

//go:generate go run go.uber.org/mock/mockgen@latest -destination=mocks/mock_store.go -package=mocks mailkb/internal/ledger Store

import (
	"context"
	"time"
)

// Entry records the batch that claimed an email identity.
type Entry struct {
	BatchID     string    `json:"batch_id"`
	ProcessedAt time.Time `json:"processed_at"`
	Subject     string    `json:"subject"`
}

// Store is the global processed-email ledger.
//
// Claim is the atomic check-then-claim primitive: concurrent cleaning runs
// for distinct batches may race on a shared filename, and Claim guarantees
// at most one of them wins. Claims live in memory until Persist writes the
// whole ledger back; a crash before Persist loses the run's claims, which
// is recovered by re-cleaning the batch.
type Store interface {
	// Load replaces the in-memory state with the durable state. A load
	// failure leaves the store empty and usable; processing continues with
	// best-effort in-memory state.
	Load(ctx context.Context) error

	// Lookup returns the entry owning the given email identity.
	Lookup(filename string) (Entry, bool)

	// Claim records ownership of filename unless another batch already owns
	// it. It returns the winning entry and whether this call claimed it.
	Claim(filename string, entry Entry) (Entry, bool)

	// RemoveBatch deletes every entry owned by batchID and persists the
	// result, making those identities eligible for reprocessing. It returns
	// the number of entries removed.
	RemoveBatch(ctx context.Context, batchID string) (int, error)

	// Persist writes the full in-memory state back to durable storage.
	Persist(ctx context.Context) error
}
