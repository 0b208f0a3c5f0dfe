// Package export renders a point-in-time snapshot of a document's
// annotations as a downloadable file. It consumes the same ordered listing
// the clients hydrate from, so an export taken between two commits is
// internally consistent.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"marginalia/api/internal/span"
	"marginalia/api/internal/store"
)

// Format is the export output format.
type Format string

const (
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

func ValidFormat(f Format) bool {
	return f == FormatJSON || f == FormatMarkdown
}

// Result is the rendered export output.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// entry is one annotation in the JSON export, with the excerpt of document
// text its span covers. Redaction excerpts are masked; the export never
// leaks concealed text.
type entry struct {
	ID          string               `json:"id"`
	Type        store.AnnotationType `json:"type"`
	Span        span.Span            `json:"span"`
	Content     string               `json:"content,omitempty"`
	Color       string               `json:"color"`
	AuthorID    string               `json:"author_id"`
	Version     int                  `json:"version"`
	Excerpt     string               `json:"excerpt"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Render produces the export document for the given format.
func Render(doc store.Document, annotations []store.Annotation, format Format) (Result, error) {
	switch format {
	case FormatJSON:
		return renderJSON(doc, annotations)
	case FormatMarkdown:
		return renderMarkdown(doc, annotations)
	default:
		return Result{}, fmt.Errorf("unsupported export format %q", format)
	}
}

func renderJSON(doc store.Document, annotations []store.Annotation) (Result, error) {
	entries := make([]entry, 0, len(annotations))
	for _, a := range annotations {
		entries = append(entries, entry{
			ID:        a.ID,
			Type:      a.Type,
			Span:      a.Span,
			Content:   a.Content,
			Color:     a.Color,
			AuthorID:  a.AuthorID,
			Version:   a.Version,
			Excerpt:   excerpt(doc, a),
			CreatedAt: a.CreatedAt,
			UpdatedAt: a.UpdatedAt,
		})
	}
	payload := map[string]any{
		"document": map[string]any{
			"id":          doc.ID,
			"title":       doc.Title,
			"text_length": doc.TextLength(),
		},
		"exported_at": time.Now().UTC(),
		"annotations": entries,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal export: %w", err)
	}
	return Result{
		Data:     data,
		Filename: doc.ID + "-annotations.json",
		MimeType: "application/json",
	}, nil
}

func renderMarkdown(doc store.Document, annotations []store.Annotation) (Result, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# %s\n\n", doc.Title)
	fmt.Fprintf(&buf, "%d annotations\n", len(annotations))

	for _, a := range annotations {
		fmt.Fprintf(&buf, "\n## %s [%d, %d) by %s\n\n", a.Type, a.Span.Start, a.Span.End, a.AuthorID)
		if text := excerpt(doc, a); text != "" {
			fmt.Fprintf(&buf, "> %s\n", strings.ReplaceAll(text, "\n", "\n> "))
		}
		if a.Content != "" {
			fmt.Fprintf(&buf, "\n%s\n", a.Content)
		}
	}

	return Result{
		Data:     buf.Bytes(),
		Filename: doc.ID + "-annotations.md",
		MimeType: "text/markdown; charset=utf-8",
	}, nil
}

// excerpt returns the document text an annotation covers, clipped to the
// document and masked for redactions.
func excerpt(doc store.Document, a store.Annotation) string {
	clipped, err := a.Span.Clip(doc.TextLength())
	if err != nil {
		return ""
	}
	text := doc.ExtractedText[clipped.Start:clipped.End]
	if a.Type == store.TypeRedaction {
		return strings.Repeat("█", len([]rune(text)))
	}
	return text
}
