package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/jaytaylor/html2text"
	"golang.org/x/net/html/charset"
)

// Parse reads one raw email message and returns a normalized Record.
// Individual header or part decode failures degrade to best-effort text
// rather than failing the record; only an unreadable message envelope
// returns an error.
func Parse(raw []byte, filename string) (*Record, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	h := msg.Header
	rec := &Record{
		SourceFilename: filename,
		From:           decodeHeader(h.Get("From")),
		To:             decodeHeader(h.Get("To")),
		Cc:             decodeHeader(h.Get("Cc")),
		Subject:        decodeHeader(h.Get("Subject")),
		RawDate:        h.Get("Date"),
	}

	// Best-effort date parse; a missing or malformed Date header never
	// fails the record.
	if rec.RawDate != "" {
		if d, err := mail.ParseDate(rec.RawDate); err == nil {
			rec.Date = d
		}
	}

	rec.Body = extractBody(h, msg.Body)
	rec.CleanedText = CleanText(rec.Body)
	rec.Fingerprint = Fingerprint(rec.CleanedText)

	return rec, nil
}

// headerDecoder decodes RFC 2047 encoded words, converting any declared
// charset through x/net's charset tables.
var headerDecoder = mime.WordDecoder{
	CharsetReader: func(label string, input io.Reader) (io.Reader, error) {
		return charset.NewReaderLabel(label, input)
	},
}

// decodeHeader decodes an encoded header value. On decode failure it falls
// back to the raw value with invalid UTF-8 sequences replaced.
func decodeHeader(value string) string {
	if value == "" {
		return ""
	}
	decoded, err := headerDecoder.DecodeHeader(value)
	if err != nil {
		return strings.TrimSpace(strings.ToValidUTF8(value, "�"))
	}
	return strings.TrimSpace(decoded)
}

// extractBody walks the message body and returns best-effort plain text.
// text/plain parts (disposition != attachment) are concatenated; the first
// text/html part is kept as a fallback, tag-stripped, and used only when no
// plain text appeared at all.
func extractBody(h mail.Header, body io.Reader) string {
	mt, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		mt = "text/plain"
	}

	if strings.HasPrefix(mt, "multipart/") {
		var plain, html strings.Builder
		walkParts(multipart.NewReader(body, params["boundary"]), &plain, &html)
		if plain.Len() > 0 {
			return strings.TrimSpace(plain.String())
		}
		return strings.TrimSpace(html.String())
	}

	text := decodePart(body, h.Get("Content-Transfer-Encoding"), params["charset"])
	if strings.HasPrefix(mt, "text/html") {
		text = stripHTML(text)
	}
	return strings.TrimSpace(text)
}

// walkParts descends through a multipart reader, recursing into nested
// multipart containers. Attachments are ignored.
func walkParts(mr *multipart.Reader, plain, html *strings.Builder) {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			// A malformed part ends the walk; whatever was collected so far
			// still yields a usable record.
			return
		}

		if isAttachment(p.Header) {
			_ = p.Close()
			continue
		}

		pt, pparams, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		switch {
		case strings.HasPrefix(pt, "multipart/"):
			walkParts(multipart.NewReader(p, pparams["boundary"]), plain, html)
		case strings.HasPrefix(pt, "text/plain") || pt == "":
			text := decodePart(p, p.Header.Get("Content-Transfer-Encoding"), pparams["charset"])
			if text != "" {
				plain.WriteString(text)
				plain.WriteString("\n")
			}
		case strings.HasPrefix(pt, "text/html") && html.Len() == 0:
			text := decodePart(p, p.Header.Get("Content-Transfer-Encoding"), pparams["charset"])
			if text != "" {
				html.WriteString(stripHTML(text))
				html.WriteString("\n")
			}
		}
		_ = p.Close()
	}
}

// isAttachment reports whether a part's disposition marks it as an attachment.
func isAttachment(h textproto.MIMEHeader) bool {
	disposition, _, _ := mime.ParseMediaType(h.Get("Content-Disposition"))
	return disposition == "attachment"
}

// decodePart reads a body part, applying its declared transfer encoding and
// charset. Decode failures fall back to the raw bytes with invalid UTF-8
// replaced, never aborting the parse.
func decodePart(r io.Reader, transferEncoding, cs string) string {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	}

	if cs != "" && !strings.EqualFold(cs, "utf-8") && !strings.EqualFold(cs, "us-ascii") {
		if converted, err := charset.NewReaderLabel(cs, r); err == nil {
			r = converted
		}
	}

	b, err := io.ReadAll(r)
	if err != nil && len(b) == 0 {
		return ""
	}
	return strings.ToValidUTF8(string(b), "�")
}

// stripHTML converts HTML to plain text, dropping tags and links.
func stripHTML(s string) string {
	text, err := html2text.FromString(s, html2text.Options{OmitLinks: true, TextOnly: true})
	if err != nil {
		return s
	}
	return text
}
