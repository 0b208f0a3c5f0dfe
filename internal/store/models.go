package store

import (
	"time"

	"marginalia/api/internal/span"
)

// AnnotationType is the closed set of marker kinds users can attach to a span.
type AnnotationType string

const (
	TypeHighlight  AnnotationType = "highlight"
	TypeComment    AnnotationType = "comment"
	TypeStickyNote AnnotationType = "sticky_note"
	TypeRedaction  AnnotationType = "redaction"
)

// RedactionColor is forced on every redaction regardless of client input.
const RedactionColor = "#000000"

var defaultColors = map[AnnotationType]string{
	TypeHighlight:  "#ffff00",
	TypeComment:    "#87ceeb",
	TypeStickyNote: "#fff740",
	TypeRedaction:  RedactionColor,
}

// DefaultColor returns the type-derived display color.
func DefaultColor(t AnnotationType) string {
	if c, ok := defaultColors[t]; ok {
		return c
	}
	return ""
}

// ValidType reports whether t is one of the supported annotation types.
func ValidType(t AnnotationType) bool {
	_, ok := defaultColors[t]
	return ok
}

// RequiresContent reports whether free-text content is mandatory for t.
func RequiresContent(t AnnotationType) bool {
	return t == TypeComment || t == TypeStickyNote
}

type Annotation struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"document_id"`
	Type       AnnotationType `json:"type"`
	Span       span.Span      `json:"span"`
	Content    string         `json:"content,omitempty"`
	Color      string         `json:"color"`
	AuthorID   string         `json:"author_id"`
	Version    int            `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// AnnotationPatch is the subset of mutable fields for optimistic updates.
// Nil pointers mean "leave unchanged".
type AnnotationPatch struct {
	Content *string `json:"content,omitempty"`
	Color   *string `json:"color,omitempty"`
}

type Document struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	ExtractedText string    `json:"-"`
	Status        string    `json:"status"`
	UploadedBy    string    `json:"uploaded_by"`
	UploadedAt    time.Time `json:"uploaded_at"`
}

// TextLength is the length of the document's plain-text projection, the
// upper bound for annotation offsets.
func (d Document) TextLength() int {
	return len(d.ExtractedText)
}
