package email

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// technicalPrefixes begin a skip region: the header line and its folded
// continuation lines are removed from the cleaned text.
var technicalPrefixes = []string{"Received:", "Message-ID:", "Return-Path:", "X-"}

var (
	blankRunsRE  = regexp.MustCompile(`\n{3,}`)
	whitespaceRE = regexp.MustCompile(`\s+`)
)

// CleanText removes technical mail-header noise from extracted body text and
// normalizes blank lines. A line beginning with a technical header prefix
// starts a skip region; the region extends over folded continuation lines
// and ends at the first non-empty line that does not begin with whitespace.
func CleanText(content string) string {
	if content == "" {
		return ""
	}

	lines := strings.Split(content, "\n")
	cleaned := make([]string, 0, len(lines))
	skipping := false

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if hasTechnicalPrefix(trimmed) {
			skipping = true
			continue
		}
		if skipping {
			if trimmed == "" || startsWithWhitespace(line) {
				continue
			}
			skipping = false
		}
		cleaned = append(cleaned, trimmed)
	}

	result := strings.TrimSpace(strings.Join(cleaned, "\n"))
	return blankRunsRE.ReplaceAllString(result, "\n\n")
}

func hasTechnicalPrefix(line string) bool {
	for _, prefix := range technicalPrefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func startsWithWhitespace(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

// Normalize lower-cases text and strips all whitespace. Deduplication
// compares and fingerprints this form so that formatting differences never
// mask identical content.
func Normalize(text string) string {
	return whitespaceRE.ReplaceAllString(strings.ToLower(text), "")
}

// Fingerprint returns the hex SHA-256 digest of the normalized text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}
