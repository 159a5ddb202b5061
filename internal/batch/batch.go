// Package batch manages named groups of uploaded email files and the
// durable per-batch metadata that drives the processing pipeline.
package batch

import "time"

// Status flag keys, in pipeline order. Used both as metadata fields and as
// processing-history keys ("<key>_at").
const (
	StatusUploaded     = "uploaded"
	StatusCleaned      = "cleaned"
	StatusLLMProcessed = "llm_processed"
	StatusUploadedToKB = "uploaded_to_kb"
)

// MetadataFilename is the hidden per-batch metadata document inside each
// batch's upload directory.
const MetadataFilename = ".batch_info.json"

// FileInfo describes one file physically stored under a batch.
type FileInfo struct {
	Filename   string    `json:"filename"`
	Size       int64     `json:"size"`
	UploadTime time.Time `json:"upload_time"`
}

// Status holds the four independent pipeline flags. They are monotonic in
// normal operation; administrative reset clears all but Uploaded.
type Status struct {
	Uploaded     bool `json:"uploaded"`
	Cleaned      bool `json:"cleaned"`
	LLMProcessed bool `json:"llm_processed"`
	UploadedToKB bool `json:"uploaded_to_kb"`
}

// DedupStats summarizes a batch's cleaning run.
type DedupStats struct {
	TotalEmails      int `json:"total_emails"`
	UniqueEmails     int `json:"unique_emails"`
	Duplicates       int `json:"duplicates"`
	GlobalDuplicates int `json:"global_duplicates"`
}

// Info is the per-batch metadata document.
type Info struct {
	BatchID           string               `json:"batch_id"`
	UploadTime        time.Time            `json:"upload_time"`
	FileCount         int                  `json:"file_count"`
	CustomLabel       string               `json:"custom_label"`
	Status            Status               `json:"status"`
	Files             []FileInfo           `json:"files"`
	ProcessingHistory map[string]time.Time `json:"processing_history"`
	KBName            string               `json:"kb_name,omitempty"`
	KBLabeledAt       *time.Time           `json:"kb_labeled_at,omitempty"`
	DedupStats        *DedupStats          `json:"dedup_stats,omitempty"`
}

// Lifecycle classifications derived from the status flags, used by batch
// listings and maintenance tooling.
const (
	LifecycleCompleted    = "completed"
	LifecycleLLMDone      = "llm_done"
	LifecycleCleaned      = "cleaned"
	LifecycleUploadedOnly = "uploaded_only"
	LifecycleNoMetadata   = "no_metadata"
	LifecycleCorrupted    = "corrupted"
)

// Lifecycle returns the furthest pipeline stage this batch has completed.
func (i *Info) Lifecycle() string {
	switch {
	case i.Status.UploadedToKB:
		return LifecycleCompleted
	case i.Status.LLMProcessed:
		return LifecycleLLMDone
	case i.Status.Cleaned:
		return LifecycleCleaned
	default:
		return LifecycleUploadedOnly
	}
}

// Summary pairs batch metadata with its derived classification for listing.
type Summary struct {
	Info            *Info  `json:"info"`
	Lifecycle       string `json:"lifecycle"`
	ActualFileCount int    `json:"actual_file_count"`
}
