package email

import "time"

// UnknownTimeDisplay is the display string used when an email's Date header
// is missing or unparseable.
const UnknownTimeDisplay = "unknown time"

// Record is one parsed email message, normalized for deduplication and
// markdown generation.
type Record struct {
	// SourceFilename is the identity key: unique within a batch and used as
	// the cross-batch identity in the global ledger.
	SourceFilename string

	From    string
	To      string
	Cc      string
	Subject string

	// RawDate is the Date header as received; Date is the parsed timestamp
	// (zero if unparseable).
	RawDate string
	Date    time.Time

	// Body is the best-effort extracted plain-text content.
	Body string

	// CleanedText is Body with technical header noise and redundant blank
	// lines removed.
	CleanedText string

	// Fingerprint is a hash of CleanedText with all whitespace removed and
	// lower-cased, used for exact-duplicate lookup.
	Fingerprint string

	// ContainedFiles lists the source filenames of other records whose
	// content is fully subsumed by this one. Populated on survivors only,
	// in detection order.
	ContainedFiles []string
}

// TimeDisplay returns the parsed date formatted for output, or the unknown
// time sentinel when the Date header could not be parsed.
func (r *Record) TimeDisplay() string {
	if r.Date.IsZero() {
		return UnknownTimeDisplay
	}
	return r.Date.Format("2006-01-02 15:04:05")
}
