// Package mirror keeps a client-side replica of one document's annotation
// set. Local actions apply optimistically under a provisional id; the
// replica converges on the authoritative state as broadcast events arrive.
// One Mirror serves one document session and dies with it.
package mirror

import (
	"fmt"
	"sort"

	"marginalia/api/internal/overlay"
	"marginalia/api/internal/realtime"
	"marginalia/api/internal/span"
	"marginalia/api/internal/store"
)

// Mirror is the local replica. It is not safe for concurrent use; a client
// session applies events and local actions from a single loop.
type Mirror struct {
	documentID string
	text       string

	confirmed   map[string]store.Annotation
	provisional map[string]store.Annotation
	seq         int
}

func New(documentID, text string) *Mirror {
	return &Mirror{
		documentID:  documentID,
		text:        text,
		confirmed:   make(map[string]store.Annotation),
		provisional: make(map[string]store.Annotation),
	}
}

// StageCreate registers a provisional annotation for immediate local
// display and returns it with the correlation token to attach to the create
// request. The provisional id never leaves this replica.
func (m *Mirror) StageCreate(a store.Annotation) (store.Annotation, string) {
	m.seq++
	token := fmt.Sprintf("%s-local-%d", m.documentID, m.seq)
	a.ID = "tmp_" + token
	a.DocumentID = m.documentID
	a.Version = 0
	m.provisional[token] = a
	return a, token
}

// Rollback discards a provisional entry after its create request failed,
// restoring the last confirmed state.
func (m *Mirror) Rollback(token string) {
	delete(m.provisional, token)
}

// Apply folds one channel event into the replica. Events carrying a version
// not strictly greater than the mirrored one are discarded, which makes
// out-of-order and echoed deliveries harmless.
func (m *Mirror) Apply(event realtime.Event) {
	switch payload := event.Payload.(type) {
	case realtime.SnapshotPayload:
		// Full resync. Anything provisional predates the disconnect and is
		// dropped with the stale state.
		m.confirmed = make(map[string]store.Annotation, len(payload.Annotations))
		m.provisional = make(map[string]store.Annotation)
		for _, a := range payload.Annotations {
			m.confirmed[a.ID] = a
		}
	case realtime.AnnotationPayload:
		if payload.CorrelationToken != "" {
			delete(m.provisional, payload.CorrelationToken)
		}
		m.upsert(payload.Annotation)
	case realtime.DeletePayload:
		delete(m.confirmed, payload.ID)
	}
}

func (m *Mirror) upsert(a store.Annotation) {
	if current, ok := m.confirmed[a.ID]; ok && a.Version <= current.Version {
		return
	}
	m.confirmed[a.ID] = a
}

// Annotations returns the replica's view ordered by (start offset, id),
// provisional entries included.
func (m *Mirror) Annotations() []store.Annotation {
	out := make([]store.Annotation, 0, len(m.confirmed)+len(m.provisional))
	for _, a := range m.confirmed {
		out = append(out, a)
	}
	for _, a := range m.provisional {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Span.Start != out[j].Span.Start {
			return out[i].Span.Start < out[j].Span.Start
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Mirror) Get(id string) (store.Annotation, bool) {
	a, ok := m.confirmed[id]
	return a, ok
}

// Segments recomputes the local segmentation after a mutation; the caller
// hands the result to its rendering adapter.
func (m *Mirror) Segments(rng span.Span) ([]overlay.Segment, error) {
	clipped, err := rng.Clip(len(m.text))
	if err != nil {
		return nil, err
	}
	return overlay.Resolve(m.text, clipped, m.Annotations()), nil
}
