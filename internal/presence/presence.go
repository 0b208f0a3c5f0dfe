// Package presence tracks which sessions are currently connected to each
// document. Records are ephemeral: they live under a TTL refreshed by
// heartbeats and vanish with the session. Nothing here is ever persisted
// with the annotations.
package presence

import (
	"context"
	"time"
)

// Session is the ephemeral record of one connected viewer.
type Session struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name,omitempty"`
	DocumentID     string    `json:"document_id"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastOffsetHint int       `json:"last_activity_offset_hint"`
}

// Registry stores presence records. The Redis implementation lets multiple
// API instances report a combined roster; the memory implementation serves
// single-node deployments and tests.
type Registry interface {
	Join(ctx context.Context, session Session) error
	Leave(ctx context.Context, documentID, sessionID string) error
	Refresh(ctx context.Context, documentID, sessionID string) error
	SetOffsetHint(ctx context.Context, documentID, sessionID string, hint int) error
	List(ctx context.Context, documentID string) ([]Session, error)
}
