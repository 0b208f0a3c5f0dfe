package realtime

import (
	"context"
	"fmt"
	"reflect"
	"testing"
	"time"

	"marginalia/api/internal/span"
	"marginalia/api/internal/store"
)

func snapshotOf(annotations ...store.Annotation) SnapshotFunc {
	return func(context.Context, string) ([]store.Annotation, error) {
		return annotations, nil
	}
}

func drainUntil(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event, ok := <-s.Events():
			if !ok {
				t.Fatalf("session %s queue closed while waiting for %s", s.ID, kind)
			}
			if event.Kind == kind {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestSubscribeDeliversSnapshotFirst(t *testing.T) {
	existing := store.Annotation{ID: "anno-1", DocumentID: "doc-1", Type: store.TypeHighlight, Span: span.Span{Start: 10, End: 20}, Version: 1}
	hub := NewHub(snapshotOf(existing), 8, time.Minute)

	session, err := hub.Subscribe(context.Background(), "doc-1", "user-1", "Avery", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}

	event := <-session.Events()
	if event.Kind != EventSnapshot {
		t.Fatalf("first event = %s, want snapshot", event.Kind)
	}
	payload, ok := event.Payload.(SnapshotPayload)
	if !ok {
		t.Fatalf("unexpected snapshot payload type %T", event.Payload)
	}
	if len(payload.Annotations) != 1 || payload.Annotations[0].ID != "anno-1" {
		t.Fatalf("snapshot = %+v, want the existing annotation", payload.Annotations)
	}
}

func TestSubscribeDoesNotLoseConcurrentPublish(t *testing.T) {
	// A mutation committed and published while the snapshot read is in
	// flight must still reach the session: the publisher blocks until the
	// snapshot event is queued and delivers right after it.
	entered := make(chan struct{})
	release := make(chan struct{})
	snapshot := func(context.Context, string) ([]store.Annotation, error) {
		close(entered)
		<-release
		return nil, nil
	}
	hub := NewHub(snapshot, 8, time.Minute)

	type result struct {
		session *Session
		err     error
	}
	subscribed := make(chan result, 1)
	go func() {
		session, err := hub.Subscribe(context.Background(), "doc-1", "user-1", "Avery", "editor")
		subscribed <- result{session, err}
	}()
	<-entered

	committed := store.Annotation{ID: "anno-1", DocumentID: "doc-1", Type: store.TypeHighlight, Span: span.Span{Start: 0, End: 4}, Version: 1}
	published := make(chan struct{})
	go func() {
		hub.Publish("doc-1", Event{Kind: EventAnnotationCreated, DocumentID: "doc-1", Payload: AnnotationPayload{Annotation: committed}})
		close(published)
	}()

	close(release)
	res := <-subscribed
	if res.err != nil {
		t.Fatalf("Subscribe error = %v", res.err)
	}
	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish never completed")
	}

	if first := drainUntil(t, res.session, EventSnapshot); first.Kind != EventSnapshot {
		t.Fatalf("first event = %s, want snapshot", first.Kind)
	}
	event := drainUntil(t, res.session, EventAnnotationCreated)
	if got := event.Payload.(AnnotationPayload).ID; got != "anno-1" {
		t.Fatalf("created event for %s, want anno-1", got)
	}
}

func TestResubscribeSnapshotMatchesStoreAfterMissedEvents(t *testing.T) {
	backing := store.NewMemoryStore()
	ctx := context.Background()
	if err := backing.InsertDocument(ctx, store.Document{ID: "doc-1", Title: "Lease"}); err != nil {
		t.Fatalf("InsertDocument error = %v", err)
	}
	snapshot := func(ctx context.Context, documentID string) ([]store.Annotation, error) {
		return backing.ListAnnotations(ctx, documentID, nil)
	}
	hub := NewHub(snapshot, 8, time.Minute)

	session, err := hub.Subscribe(ctx, "doc-1", "user-1", "Avery", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	drainUntil(t, session, EventSnapshot)
	hub.Unsubscribe(session)

	// Two mutations land while the client is away.
	for _, a := range []store.Annotation{
		{ID: "anno-a", DocumentID: "doc-1", Type: store.TypeHighlight, Span: span.Span{Start: 0, End: 4}, Version: 1},
		{ID: "anno-b", DocumentID: "doc-1", Type: store.TypeHighlight, Span: span.Span{Start: 8, End: 12}, Version: 1},
	} {
		if err := backing.InsertAnnotation(ctx, a); err != nil {
			t.Fatalf("InsertAnnotation error = %v", err)
		}
		hub.Publish("doc-1", Event{Kind: EventAnnotationCreated, DocumentID: "doc-1", Payload: AnnotationPayload{Annotation: a}})
	}

	rejoined, err := hub.Subscribe(ctx, "doc-1", "user-1", "Avery", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	event := drainUntil(t, rejoined, EventSnapshot)
	got := event.Payload.(SnapshotPayload).Annotations
	want, err := backing.ListAnnotations(ctx, "doc-1", nil)
	if err != nil {
		t.Fatalf("ListAnnotations error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("resync snapshot = %+v, want the store listing %+v", got, want)
	}
}

func TestPublishPreservesOrderAcrossSessions(t *testing.T) {
	hub := NewHub(snapshotOf(), 64, time.Minute)
	ctx := context.Background()

	first, err := hub.Subscribe(ctx, "doc-1", "user-1", "Avery", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	second, err := hub.Subscribe(ctx, "doc-1", "user-2", "Blair", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}

	const n = 20
	for i := 0; i < n; i++ {
		hub.Publish("doc-1", Event{
			Kind:       EventAnnotationCreated,
			DocumentID: "doc-1",
			Payload:    AnnotationPayload{Annotation: store.Annotation{ID: fmt.Sprintf("anno-%02d", i)}},
		})
	}

	for _, session := range []*Session{first, second} {
		for i := 0; i < n; i++ {
			event := drainUntil(t, session, EventAnnotationCreated)
			got := event.Payload.(AnnotationPayload).ID
			want := fmt.Sprintf("anno-%02d", i)
			if got != want {
				t.Fatalf("session %s event %d = %s, want %s", session.ID, i, got, want)
			}
		}
	}
}

func TestPublishReachesOriginatorPresenceDoesNot(t *testing.T) {
	hub := NewHub(snapshotOf(), 8, time.Minute)
	ctx := context.Background()

	origin, err := hub.Subscribe(ctx, "doc-1", "user-1", "Avery", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	other, err := hub.Subscribe(ctx, "doc-1", "user-2", "Blair", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}

	hub.Publish("doc-1", Event{Kind: EventAnnotationCreated, DocumentID: "doc-1", Payload: AnnotationPayload{}})
	drainUntil(t, origin, EventAnnotationCreated)
	drainUntil(t, other, EventAnnotationCreated)

	hub.PublishPresence(origin, Event{Kind: EventPresenceSelection, DocumentID: "doc-1", Payload: PresencePayload{SessionID: origin.ID}})
	drainUntil(t, other, EventPresenceSelection)
	select {
	case event := <-origin.Events():
		if event.Kind == EventPresenceSelection {
			t.Fatal("originator received its own presence selection")
		}
	default:
	}
}

func TestSlowSessionIsDroppedWithoutBlockingPeers(t *testing.T) {
	hub := NewHub(snapshotOf(), 2, time.Minute)
	ctx := context.Background()

	slow, err := hub.Subscribe(ctx, "doc-1", "user-1", "Avery", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	fast, err := hub.Subscribe(ctx, "doc-1", "user-2", "Blair", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	// Keep fast drained after every publish; never read from slow. With a
	// queue depth of 2 the slow session overflows on the third delivery.
	drainUntil(t, fast, EventSnapshot)
	for i := 0; i < 10; i++ {
		hub.Publish("doc-1", Event{Kind: EventAnnotationCreated, DocumentID: "doc-1", Payload: AnnotationPayload{}})
		drainUntil(t, fast, EventAnnotationCreated)
	}

	select {
	case <-slow.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("slow session was not dropped")
	}
	if hub.Subscribers("doc-1") != 1 {
		t.Fatalf("expected 1 remaining subscriber, got %d", hub.Subscribers("doc-1"))
	}
}

func TestLastUnsubscribeReleasesDocumentChannel(t *testing.T) {
	hub := NewHub(snapshotOf(), 8, time.Minute)
	session, err := hub.Subscribe(context.Background(), "doc-1", "user-1", "Avery", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}

	hub.Unsubscribe(session)
	if hub.Subscribers("doc-1") != 0 {
		t.Fatalf("expected no subscribers, got %d", hub.Subscribers("doc-1"))
	}
	select {
	case <-session.Done():
	default:
		t.Fatal("expected done channel closed on unsubscribe")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(snapshotOf(), 8, time.Minute)
	session, err := hub.Subscribe(context.Background(), "doc-1", "user-1", "Avery", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	hub.Unsubscribe(session)
	hub.Unsubscribe(session)
}

func TestExpireIdleForceUnsubscribesSilentSessions(t *testing.T) {
	hub := NewHub(snapshotOf(), 8, 30*time.Second)
	ctx := context.Background()

	idle, err := hub.Subscribe(ctx, "doc-1", "user-1", "Avery", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}
	live, err := hub.Subscribe(ctx, "doc-1", "user-2", "Blair", "editor")
	if err != nil {
		t.Fatalf("Subscribe error = %v", err)
	}

	hub.mu.Lock()
	idle.lastSeen = time.Now().Add(-time.Minute)
	hub.mu.Unlock()

	if dropped := hub.ExpireIdle(time.Now()); dropped != 1 {
		t.Fatalf("expected 1 expired session, got %d", dropped)
	}
	select {
	case <-idle.Done():
	default:
		t.Fatal("idle session should be dropped")
	}
	select {
	case <-live.Done():
		t.Fatal("live session should remain subscribed")
	default:
	}
}
