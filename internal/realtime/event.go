// Package realtime is the per-document synchronization channel: a hub that
// fans out committed annotation mutations and presence updates to every
// subscribed session over a duplex JSON message stream.
package realtime

import (
	"marginalia/api/internal/span"
	"marginalia/api/internal/store"
)

type EventKind string

const (
	EventSnapshot          EventKind = "snapshot"
	EventAnnotationCreated EventKind = "annotation_created"
	EventAnnotationUpdated EventKind = "annotation_updated"
	EventAnnotationDeleted EventKind = "annotation_deleted"
	EventPresenceJoin      EventKind = "presence_join"
	EventPresenceLeave     EventKind = "presence_leave"
	EventPresenceSelection EventKind = "presence_selection"
	EventError             EventKind = "error"
)

// Event is a server-to-client message.
type Event struct {
	Kind       EventKind `json:"event"`
	DocumentID string    `json:"document_id"`
	Payload    any       `json:"payload"`
}

// AnnotationPayload carries the canonical annotation state after a commit.
// CorrelationToken echoes the client-supplied token from the create request
// so the originating mirror can reconcile its provisional entry; it is
// never persisted.
type AnnotationPayload struct {
	store.Annotation
	CorrelationToken string `json:"correlation_token,omitempty"`
}

// DeletePayload identifies a removed annotation. Version is the version the
// annotation had when it was deleted.
type DeletePayload struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

// PresencePayload describes a session's connection or selection state.
// Selection is present only on presence_selection events.
type PresencePayload struct {
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	UserName  string     `json:"user_name,omitempty"`
	Selection *span.Span `json:"selection,omitempty"`
}

// SnapshotPayload is the full annotation set sent to a session on
// (re)subscribe.
type SnapshotPayload struct {
	Annotations []store.Annotation `json:"annotations"`
}

// ErrorPayload reports a failed action to the requesting session only.
type ErrorPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   any    `json:"details,omitempty"`
}

// Request is a client-to-server action message.
type Request struct {
	Action          string               `json:"action"`
	RequestID       string               `json:"request_id,omitempty"`
	ID              string               `json:"id,omitempty"`
	ExpectedVersion int                  `json:"expected_version,omitempty"`
	Type            store.AnnotationType `json:"type,omitempty"`
	Span            *span.Span           `json:"span,omitempty"`
	Content         *string              `json:"content,omitempty"`
	Color           *string              `json:"color,omitempty"`
	Selection       *span.Span           `json:"selection,omitempty"`
}

const (
	ActionCreate    = "create"
	ActionUpdate    = "update"
	ActionDelete    = "delete"
	ActionSelection = "presence_selection"
	ActionHeartbeat = "heartbeat"
)
