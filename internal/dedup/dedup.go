// Package dedup partitions a batch of parsed emails into unique survivors
// and duplicates absorbed by containment. Exact duplicates are found through
// an O(1) fingerprint lookup; subsumed content (forwarded chains, reply-alls
// that fully include an earlier message) is found through substring checks
// against a bounded window of recent survivors.
package dedup

import (
	"sort"
	"strings"

	"mailkb/internal/email"
)

// DefaultWindow is the number of recent survivors kept for containment
// comparison when no explicit window size is configured.
const DefaultWindow = 100

// Duplicate records one absorbed email and the survivor that contains it.
type Duplicate struct {
	Filename         string `json:"duplicate_file"`
	Subject          string `json:"duplicate_subject"`
	ContainedBy      string `json:"contained_by_file"`
	ContainedSubject string `json:"contained_by_subject"`
}

// Deduplicator holds the comparison window configuration. The zero value is
// not usable; construct with New. A Deduplicator is not safe for concurrent
// use: Partition mutates shared window state.
type Deduplicator struct {
	window int
}

// New returns a Deduplicator with the given containment window size.
// Sizes below 1 fall back to DefaultWindow.
func New(window int) *Deduplicator {
	if window < 1 {
		window = DefaultWindow
	}
	return &Deduplicator{window: window}
}

// survivorEntry tracks a survivor together with its normalized text, which
// is needed for containment checks while it remains inside the window.
type survivorEntry struct {
	record     *email.Record
	normalized string
}

// Partition splits records into survivors and duplicates.
//
// Records are processed longest-normalized-content first, so a record can
// only be absorbed by one at least as long. Ties keep the caller's input
// order: among equal-length records the first one encountered becomes the
// container. Containment checks are limited to the most recent window of
// survivors, newest first; this is a deliberate precision/memory trade-off,
// meaning two similar-length records far apart in a very large batch may
// both survive.
//
// Each duplicate is also appended to its container's ContainedFiles in
// detection order. Survivors keep their post-sort relative order.
func (d *Deduplicator) Partition(records []*email.Record) (survivors []*email.Record, duplicates []Duplicate) {
	sorted := make([]*email.Record, len(records))
	copy(sorted, records)

	normalized := make(map[*email.Record]string, len(sorted))
	for _, r := range sorted {
		normalized[r] = email.Normalize(r.CleanedText)
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return len(normalized[sorted[i]]) > len(normalized[sorted[j]])
	})

	fingerprints := make(map[string]*email.Record, len(sorted))
	var window []survivorEntry

	for _, rec := range sorted {
		current := normalized[rec]

		container := fingerprints[rec.Fingerprint]
		if container == nil && current != "" {
			// Newest survivors first: the most recently added entry is the
			// most likely container for the next emails in a sorted run.
			for i := len(window) - 1; i >= 0 && i >= len(window)-d.window; i-- {
				candidate := window[i]
				if len(current) <= len(candidate.normalized) && strings.Contains(candidate.normalized, current) {
					container = candidate.record
					break
				}
			}
		}

		if container != nil {
			container.ContainedFiles = append(container.ContainedFiles, rec.SourceFilename)
			duplicates = append(duplicates, Duplicate{
				Filename:         rec.SourceFilename,
				Subject:          rec.Subject,
				ContainedBy:      container.SourceFilename,
				ContainedSubject: container.Subject,
			})
			continue
		}

		survivors = append(survivors, rec)
		fingerprints[rec.Fingerprint] = rec
		window = append(window, survivorEntry{record: rec, normalized: current})

		// Bound memory: once the tracked set grows half again past the
		// window, drop everything but the most recent window entries.
		if len(window) > d.window+d.window/2 {
			window = append(window[:0:0], window[len(window)-d.window:]...)
		}
	}

	return survivors, duplicates
}
