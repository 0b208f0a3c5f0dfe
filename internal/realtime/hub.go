package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

// SnapshotFunc loads the authoritative annotation set for a document,
// sent to a session when it subscribes.
type SnapshotFunc func(ctx context.Context, documentID string) ([]store.Annotation, error)

// Session is one subscribed connection to a document channel. Events are
// delivered through a buffered queue; the hub never blocks a publisher on a
// slow consumer.
type Session struct {
	ID          string
	UserID      string
	UserName    string
	Role        string
	DocumentID  string
	ConnectedAt time.Time

	hub      *Hub
	send     chan Event
	done     chan struct{}
	lastSeen time.Time
	dropped  bool
}

// Events is the session's delivery queue. Closed when the session is
// unsubscribed; undelivered events are dropped with it.
func (s *Session) Events() <-chan Event {
	return s.send
}

// Done is closed when the hub drops the session, whether by explicit
// unsubscribe, queue overflow, or heartbeat expiry.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Hub owns every document channel. One logical channel exists per document
// with at least one subscriber; the last unsubscribe releases it.
type Hub struct {
	mu         sync.Mutex
	queueDepth int
	timeout    time.Duration
	snapshot   SnapshotFunc
	docs       map[string]map[*Session]struct{}
}

func NewHub(snapshot SnapshotFunc, queueDepth int, heartbeatTimeout time.Duration) *Hub {
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Hub{
		queueDepth: queueDepth,
		timeout:    heartbeatTimeout,
		snapshot:   snapshot,
		docs:       make(map[string]map[*Session]struct{}),
	}
}

// Subscribe registers a session on the document channel, queues the
// snapshot event for that session only, and announces presence_join to the
// other subscribers. The snapshot is read while the hub lock is held:
// publishers block until the snapshot event is queued, so every mutation is
// either in the snapshot or delivered after it, never lost between the two.
// A mutation can appear in both; mirrors discard the duplicate by version.
func (h *Hub) Subscribe(ctx context.Context, documentID, userID, userName, role string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	annotations, err := h.snapshot(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	session := &Session{
		ID:          util.NewID("sess"),
		UserID:      userID,
		UserName:    userName,
		Role:        role,
		DocumentID:  documentID,
		ConnectedAt: time.Now().UTC(),
		hub:         h,
		send:        make(chan Event, h.queueDepth),
		done:        make(chan struct{}),
	}

	session.lastSeen = time.Now()
	if h.docs[documentID] == nil {
		h.docs[documentID] = make(map[*Session]struct{})
	}
	h.docs[documentID][session] = struct{}{}

	session.send <- Event{
		Kind:       EventSnapshot,
		DocumentID: documentID,
		Payload:    SnapshotPayload{Annotations: annotations},
	}

	h.broadcastLocked(documentID, Event{
		Kind:       EventPresenceJoin,
		DocumentID: documentID,
		Payload:    PresencePayload{SessionID: session.ID, UserID: userID, UserName: userName},
	}, session)

	return session, nil
}

// Publish fans a committed store mutation out to every subscribed session
// of the document, the originator included; mirrors apply their own echo
// idempotently. The handoff is non-blocking: a session whose queue is full
// is dropped rather than stalling the writer or its peers.
func (h *Hub) Publish(documentID string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(documentID, event, nil)
}

// PublishPresence sends a presence event to every session except the
// originator.
func (h *Hub) PublishPresence(session *Session, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(session.DocumentID, event, session)
}

func (h *Hub) broadcastLocked(documentID string, event Event, skip *Session) {
	for session := range h.docs[documentID] {
		if session == skip {
			continue
		}
		select {
		case session.send <- event:
		default:
			log.Printf("dropping session %s: send queue full", session.ID)
			h.dropLocked(session)
		}
	}
}

// SendTo queues an event for a single session, used for action errors that
// must reach the requester only.
func (h *Hub) SendTo(session *Session, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if session.dropped {
		return
	}
	select {
	case session.send <- event:
	default:
		h.dropLocked(session)
	}
}

// Unsubscribe removes the session and announces presence_leave. Dropping
// the last session releases the document channel; persisted annotations are
// untouched.
func (h *Hub) Unsubscribe(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(session)
}

func (h *Hub) dropLocked(session *Session) {
	if session.dropped {
		return
	}
	session.dropped = true

	sessions := h.docs[session.DocumentID]
	delete(sessions, session)
	if len(sessions) == 0 {
		delete(h.docs, session.DocumentID)
	}
	close(session.done)
	close(session.send)

	h.broadcastLocked(session.DocumentID, Event{
		Kind:       EventPresenceLeave,
		DocumentID: session.DocumentID,
		Payload:    PresencePayload{SessionID: session.ID, UserID: session.UserID, UserName: session.UserName},
	}, nil)
}

// CloseDocument force-unsubscribes every session on a document channel,
// used when the document itself is deleted.
func (h *Hub) CloseDocument(documentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for session := range h.docs[documentID] {
		h.dropLocked(session)
	}
}

// Touch records transport-level liveness for the session.
func (h *Hub) Touch(session *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	session.lastSeen = time.Now()
}

// ExpireIdle force-unsubscribes sessions that have been silent longer than
// the heartbeat timeout, dropping their queued events. Returns the number
// of sessions dropped.
func (h *Hub) ExpireIdle(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	expired := 0
	for _, sessions := range h.docs {
		for session := range sessions {
			if now.Sub(session.lastSeen) > h.timeout {
				h.dropLocked(session)
				expired++
			}
		}
	}
	return expired
}

// Run expires idle sessions until ctx is cancelled.
func (h *Hub) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.ExpireIdle(now)
		}
	}
}

// Subscribers reports the number of sessions on a document channel.
func (h *Hub) Subscribers(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.docs[documentID])
}
