package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is the single-node fallback used when no Redis URL is
// configured, and the default in tests.
type MemoryRegistry struct {
	mu       sync.Mutex
	ttl      time.Duration
	sessions map[string]memoryRecord // key: documentID + ":" + sessionID
	now      func() time.Time
}

type memoryRecord struct {
	session   Session
	expiresAt time.Time
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		ttl:      ttl,
		sessions: make(map[string]memoryRecord),
		now:      time.Now,
	}
}

func (r *MemoryRegistry) key(documentID, sessionID string) string {
	return documentID + ":" + sessionID
}

func (r *MemoryRegistry) Join(ctx context.Context, session Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[r.key(session.DocumentID, session.SessionID)] = memoryRecord{
		session:   session,
		expiresAt: r.now().Add(r.ttl),
	}
	return nil
}

func (r *MemoryRegistry) Leave(ctx context.Context, documentID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, r.key(documentID, sessionID))
	return nil
}

func (r *MemoryRegistry) Refresh(ctx context.Context, documentID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.key(documentID, sessionID)
	if record, ok := r.sessions[key]; ok {
		record.expiresAt = r.now().Add(r.ttl)
		r.sessions[key] = record
	}
	return nil
}

func (r *MemoryRegistry) SetOffsetHint(ctx context.Context, documentID, sessionID string, hint int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := r.key(documentID, sessionID)
	if record, ok := r.sessions[key]; ok {
		record.session.LastOffsetHint = hint
		record.expiresAt = r.now().Add(r.ttl)
		r.sessions[key] = record
	}
	return nil
}

func (r *MemoryRegistry) List(ctx context.Context, documentID string) ([]Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var sessions []Session
	for key, record := range r.sessions {
		if now.After(record.expiresAt) {
			delete(r.sessions, key)
			continue
		}
		if record.session.DocumentID == documentID {
			sessions = append(sessions, record.session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })
	return sessions, nil
}
