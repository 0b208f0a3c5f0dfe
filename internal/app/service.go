package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"marginalia/api/internal/config"
	"marginalia/api/internal/overlay"
	"marginalia/api/internal/presence"
	"marginalia/api/internal/rbac"
	"marginalia/api/internal/realtime"
	"marginalia/api/internal/span"
	"marginalia/api/internal/store"
	"marginalia/api/internal/util"
)

// Caller is the authenticated identity behind a request, established by the
// external identity provider's token.
type Caller struct {
	UserID string
	Name   string
	Role   rbac.Role
}

type CreateAnnotationInput struct {
	Type             store.AnnotationType `json:"type"`
	Span             span.Span            `json:"span"`
	Content          string               `json:"content"`
	Color            string               `json:"color"`
	CorrelationToken string               `json:"correlation_token,omitempty"`
}

type CreateDocumentInput struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

type dataStore interface {
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	DeleteDocument(context.Context, string) error
	InsertAnnotation(context.Context, store.Annotation) error
	GetAnnotation(context.Context, string) (store.Annotation, error)
	UpdateAnnotation(context.Context, string, int, store.AnnotationPatch) (store.Annotation, error)
	DeleteAnnotation(context.Context, string, int) (bool, error)
	ListAnnotations(context.Context, string, *span.Span) ([]store.Annotation, error)
	Ping(ctx context.Context) error
}

type publisher interface {
	Publish(documentID string, event realtime.Event)
	PublishPresence(session *realtime.Session, event realtime.Event)
	CloseDocument(documentID string)
}

// Service is the authoritative annotation store for all documents. Every
// mutation on a document is serialized behind that document's lock, so the
// commit order doubles as the broadcast order; independent documents
// proceed fully in parallel. Reads go straight to the backend.
type Service struct {
	cfg      config.Config
	store    dataStore
	hub      publisher
	presence presence.Registry

	mu       sync.Mutex
	docLocks map[string]*sync.Mutex
}

func New(cfg config.Config, dataStore dataStore, hub publisher, registry presence.Registry) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		hub:      hub,
		presence: registry,
		docLocks: make(map[string]*sync.Mutex),
	}
}

// lockDocument acquires the single-writer lock for a document.
func (s *Service) lockDocument(documentID string) func() {
	s.mu.Lock()
	lock, ok := s.docLocks[documentID]
	if !ok {
		lock = &sync.Mutex{}
		s.docLocks[documentID] = lock
	}
	s.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateDocument registers a document row supplied by the external ingest
// pipeline; the service itself never parses source file formats.
func (s *Service) CreateDocument(ctx context.Context, caller Caller, input CreateDocumentInput) (store.Document, error) {
	if !rbac.Can(caller.Role, rbac.ActionAnnotate) {
		return store.Document{}, forbidden("role may not create documents")
	}
	if strings.TrimSpace(input.Title) == "" {
		return store.Document{}, validationError("title is required")
	}
	item := store.Document{
		ID:            input.ID,
		Title:         input.Title,
		ExtractedText: input.Text,
		Status:        "uploaded",
		UploadedBy:    caller.UserID,
		UploadedAt:    time.Now().UTC(),
	}
	if item.ID == "" {
		item.ID = util.NewID("doc")
	}
	if err := s.store.InsertDocument(ctx, item); err != nil {
		return store.Document{}, err
	}
	return item, nil
}

func (s *Service) GetDocument(ctx context.Context, documentID string) (store.Document, error) {
	item, err := s.store.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Document{}, notFound("document not found")
	}
	return item, err
}

// DeleteDocument removes the document and, by cascade, its annotations.
func (s *Service) DeleteDocument(ctx context.Context, caller Caller, documentID string) error {
	if !rbac.Privileged(caller.Role) {
		return forbidden("only privileged roles may delete documents")
	}
	unlock := s.lockDocument(documentID)
	defer unlock()
	err := s.store.DeleteDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return notFound("document not found")
	}
	if err != nil {
		return err
	}
	s.hub.CloseDocument(documentID)
	return nil
}

// CreateAnnotation validates, persists, and broadcasts a new annotation.
// The assigned id and version=1 are returned synchronously; the broadcast
// event echoes the client's correlation token.
func (s *Service) CreateAnnotation(ctx context.Context, caller Caller, documentID string, input CreateAnnotationInput) (store.Annotation, error) {
	if !rbac.Can(caller.Role, rbac.ActionAnnotate) {
		return store.Annotation{}, forbidden("role may not annotate")
	}
	if !store.ValidType(input.Type) {
		return store.Annotation{}, validationError("unknown annotation type")
	}

	// The document lock covers the existence check too, so a concurrent
	// document delete cannot slip between the check and the insert.
	unlock := s.lockDocument(documentID)
	defer unlock()

	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return store.Annotation{}, err
	}
	if err := input.Span.ValidateWithin(doc.TextLength()); err != nil {
		return store.Annotation{}, validationError(err.Error())
	}

	content := strings.TrimSpace(input.Content)
	if store.RequiresContent(input.Type) && content == "" {
		return store.Annotation{}, validationError(string(input.Type) + " annotations require content")
	}
	if !store.RequiresContent(input.Type) {
		// Content is ignored for highlights and fixed for redactions.
		content = ""
	}

	color := input.Color
	if color == "" || input.Type == store.TypeRedaction {
		color = store.DefaultColor(input.Type)
	}

	now := time.Now().UTC()
	annotation := store.Annotation{
		ID:         util.NewID("anno"),
		DocumentID: documentID,
		Type:       input.Type,
		Span:       input.Span,
		Content:    content,
		Color:      color,
		AuthorID:   caller.UserID,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.InsertAnnotation(ctx, annotation); err != nil {
		return store.Annotation{}, err
	}
	s.hub.Publish(documentID, realtime.Event{
		Kind:       realtime.EventAnnotationCreated,
		DocumentID: documentID,
		Payload:    realtime.AnnotationPayload{Annotation: annotation, CorrelationToken: input.CorrelationToken},
	})
	return annotation, nil
}

// UpdateAnnotation applies a patch under the optimistic version check. A
// stale expected version fails with VERSION_CONFLICT carrying the current
// state; the caller refetches and retries, the store never auto-merges.
func (s *Service) UpdateAnnotation(ctx context.Context, caller Caller, annotationID string, expectedVersion int, patch store.AnnotationPatch) (store.Annotation, error) {
	current, err := s.store.GetAnnotation(ctx, annotationID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Annotation{}, notFound("annotation not found")
	}
	if err != nil {
		return store.Annotation{}, err
	}
	if err := s.authorizeMutation(caller, current); err != nil {
		return store.Annotation{}, err
	}
	if patch.Content != nil {
		if store.RequiresContent(current.Type) && strings.TrimSpace(*patch.Content) == "" {
			return store.Annotation{}, validationError(string(current.Type) + " annotations require content")
		}
		if !store.RequiresContent(current.Type) {
			patch.Content = nil
		}
	}
	if current.Type == store.TypeRedaction {
		// Redactions stay opaque regardless of client input.
		patch.Color = nil
	}

	unlock := s.lockDocument(current.DocumentID)
	defer unlock()
	updated, err := s.store.UpdateAnnotation(ctx, annotationID, expectedVersion, patch)
	if errors.Is(err, store.ErrVersionConflict) {
		return store.Annotation{}, s.conflict(ctx, annotationID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return store.Annotation{}, notFound("annotation not found")
	}
	if err != nil {
		return store.Annotation{}, err
	}
	s.hub.Publish(updated.DocumentID, realtime.Event{
		Kind:       realtime.EventAnnotationUpdated,
		DocumentID: updated.DocumentID,
		Payload:    realtime.AnnotationPayload{Annotation: updated},
	})
	return updated, nil
}

// DeleteAnnotation removes an annotation under the optimistic check.
// Deleting an id that is already gone succeeds as a no-op so retries stay
// simple.
func (s *Service) DeleteAnnotation(ctx context.Context, caller Caller, annotationID string, expectedVersion int) error {
	current, err := s.store.GetAnnotation(ctx, annotationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.authorizeMutation(caller, current); err != nil {
		return err
	}

	unlock := s.lockDocument(current.DocumentID)
	defer unlock()
	deleted, err := s.store.DeleteAnnotation(ctx, annotationID, expectedVersion)
	if errors.Is(err, store.ErrVersionConflict) {
		return s.conflict(ctx, annotationID)
	}
	if err != nil {
		return err
	}
	if !deleted {
		// Lost a race with another delete; same outcome.
		return nil
	}
	s.hub.Publish(current.DocumentID, realtime.Event{
		Kind:       realtime.EventAnnotationDeleted,
		DocumentID: current.DocumentID,
		Payload:    realtime.DeletePayload{ID: annotationID, Version: expectedVersion},
	})
	return nil
}

func (s *Service) GetAnnotation(ctx context.Context, annotationID string) (store.Annotation, error) {
	a, err := s.store.GetAnnotation(ctx, annotationID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Annotation{}, notFound("annotation not found")
	}
	return a, err
}

// ListAnnotations returns the document's annotation set ordered by
// (start_offset, id), optionally restricted to a range. Used for client
// hydration and by the export consumer as a point-in-time snapshot.
func (s *Service) ListAnnotations(ctx context.Context, documentID string, rng *span.Span) ([]store.Annotation, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	if rng != nil {
		if err := rng.Validate(); err != nil {
			return nil, validationError(err.Error())
		}
	}
	return s.store.ListAnnotations(ctx, documentID, rng)
}

// Segments resolves the overlap segmentation for a range of the document,
// the data a rendering adapter consumes.
func (s *Service) Segments(ctx context.Context, documentID string, rng span.Span) ([]overlay.Segment, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	clipped, err := rng.Clip(doc.TextLength())
	if err != nil {
		return nil, validationError(err.Error())
	}
	annotations, err := s.store.ListAnnotations(ctx, documentID, &clipped)
	if err != nil {
		return nil, err
	}
	return overlay.Resolve(doc.ExtractedText, clipped, annotations), nil
}

// Presence lists the document's active sessions from the registry.
func (s *Service) Presence(ctx context.Context, documentID string) ([]presence.Session, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.presence.List(ctx, documentID)
}

func (s *Service) authorizeMutation(caller Caller, a store.Annotation) error {
	if a.AuthorID == caller.UserID || rbac.Privileged(caller.Role) {
		return nil
	}
	return forbidden("only the author or a privileged role may modify this annotation")
}

// conflict loads the current state for the VERSION_CONFLICT payload.
func (s *Service) conflict(ctx context.Context, annotationID string) error {
	current, err := s.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return versionConflict(nil)
	}
	return versionConflict(current)
}
