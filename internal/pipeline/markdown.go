package pipeline

import (
	"fmt"
	"strings"
	"time"

	"mailkb/internal/email"
)

// RenderMarkdown produces the markdown document written for one surviving
// email. The body is carried verbatim under its own section so downstream
// refinement sees the original wording.
func RenderMarkdown(rec *email.Record, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Email - %s\n\n", rec.SourceFilename)

	b.WriteString("## Email Information\n\n")
	fmt.Fprintf(&b, "- **Source File**: `%s`\n", rec.SourceFilename)
	fmt.Fprintf(&b, "- **From**: %s\n", rec.From)
	fmt.Fprintf(&b, "- **To**: %s\n", rec.To)
	if rec.Cc != "" {
		fmt.Fprintf(&b, "- **Cc**: %s\n", rec.Cc)
	}
	fmt.Fprintf(&b, "- **Subject**: %s\n", rec.Subject)
	fmt.Fprintf(&b, "- **Time**: %s\n", rec.TimeDisplay())

	if len(rec.ContainedFiles) > 0 {
		fmt.Fprintf(&b, "- **Contained Emails**: %d\n\n", len(rec.ContainedFiles))
		b.WriteString("### Source Files\n\n")
		for _, name := range rec.ContainedFiles {
			fmt.Fprintf(&b, "- `%s`\n", name)
		}
	}

	b.WriteString("\n## Email Content\n\n")
	if strings.TrimSpace(rec.CleanedText) != "" {
		b.WriteString(rec.CleanedText)
		b.WriteString("\n")
	} else {
		b.WriteString("*(empty or unparseable body)*\n")
	}

	b.WriteString("\n---\n")
	fmt.Fprintf(&b, "*Processed at: %s*\n", now.Format("2006-01-02 15:04:05"))

	return b.String()
}

// MarkdownFilename maps an email filename to its markdown output name.
func MarkdownFilename(emlName string) string {
	return strings.TrimSuffix(emlName, ".eml") + ".md"
}
