package pipeline

import "sync"

// Stage progress states reported to the API.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateStopped   = "stopped"
	StateFailed    = "failed"
)

// Progress is a point-in-time snapshot of one batch's stage run.
type Progress struct {
	BatchID   string `json:"batch_id"`
	Stage     string `json:"stage"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	State     string `json:"state"`
}

// Tracker records per-batch stage progress for worker pools and serves
// read snapshots to the progress endpoint.
type Tracker struct {
	mu      sync.Mutex
	batches map[string]*Progress
}

// NewTracker creates an empty progress tracker.
func NewTracker() *Tracker {
	return &Tracker{batches: make(map[string]*Progress)}
}

// Begin registers a new stage run for a batch, replacing any previous run.
func (t *Tracker) Begin(batchID, stage string, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.batches[batchID] = &Progress{
		BatchID: batchID,
		Stage:   stage,
		Total:   total,
		State:   StateRunning,
	}
}

// Advance records one finished file. ok distinguishes success from failure.
func (t *Tracker) Advance(batchID string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, found := t.batches[batchID]
	if !found {
		return
	}
	if ok {
		p.Completed++
	} else {
		p.Failed++
	}
}

// Finish marks a batch's stage run with its terminal state.
func (t *Tracker) Finish(batchID, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, found := t.batches[batchID]; found {
		p.State = state
	}
}

// Snapshot returns a copy of every tracked batch's progress.
func (t *Tracker) Snapshot() map[string]Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]Progress, len(t.batches))
	for id, p := range t.batches {
		out[id] = *p
	}
	return out
}

// Get returns one batch's progress, if tracked.
func (t *Tracker) Get(batchID string) (Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, found := t.batches[batchID]
	if !found {
		return Progress{}, false
	}
	return *p, true
}
