package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marginalia/api/internal/span"
)

// MemoryStore keeps documents and annotations in process memory. It backs
// tests and single-node setups and mirrors the PostgresStore semantics,
// including the compare-and-swap on version.
type MemoryStore struct {
	mu          sync.RWMutex
	documents   map[string]Document
	annotations map[string]Annotation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:   make(map[string]Document),
		annotations: make(map[string]Annotation),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) InsertDocument(ctx context.Context, item Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[item.ID]; ok {
		return nil
	}
	if item.UploadedAt.IsZero() {
		item.UploadedAt = time.Now().UTC()
	}
	s.documents[item.ID] = item
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.documents[documentID]
	if !ok {
		return Document{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return item, nil
}

func (s *MemoryStore) DeleteDocument(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	delete(s.documents, documentID)
	for id, a := range s.annotations {
		if a.DocumentID == documentID {
			delete(s.annotations, id)
		}
	}
	return nil
}

func (s *MemoryStore) InsertAnnotation(ctx context.Context, a Annotation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.annotations[a.ID]; ok {
		return fmt.Errorf("insert annotation: duplicate id %s", a.ID)
	}
	s.annotations[a.ID] = a
	return nil
}

func (s *MemoryStore) GetAnnotation(ctx context.Context, annotationID string) (Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.annotations[annotationID]
	if !ok {
		return Annotation{}, fmt.Errorf("annotation %s: %w", annotationID, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) UpdateAnnotation(ctx context.Context, annotationID string, expectedVersion int, patch AnnotationPatch) (Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.annotations[annotationID]
	if !ok {
		return Annotation{}, fmt.Errorf("annotation %s: %w", annotationID, ErrNotFound)
	}
	if a.Version != expectedVersion {
		return Annotation{}, fmt.Errorf("annotation %s: %w", annotationID, ErrVersionConflict)
	}
	if patch.Content != nil {
		a.Content = *patch.Content
	}
	if patch.Color != nil {
		a.Color = *patch.Color
	}
	a.Version++
	a.UpdatedAt = time.Now().UTC()
	s.annotations[annotationID] = a
	return a, nil
}

func (s *MemoryStore) DeleteAnnotation(ctx context.Context, annotationID string, expectedVersion int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.annotations[annotationID]
	if !ok {
		return false, nil
	}
	if a.Version != expectedVersion {
		return false, fmt.Errorf("annotation %s: %w", annotationID, ErrVersionConflict)
	}
	delete(s.annotations, annotationID)
	return true, nil
}

func (s *MemoryStore) ListAnnotations(ctx context.Context, documentID string, rng *span.Span) ([]Annotation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Annotation, 0)
	for _, a := range s.annotations {
		if a.DocumentID != documentID {
			continue
		}
		if rng != nil && !a.Span.Overlaps(*rng) {
			continue
		}
		items = append(items, a)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Span.Start != items[j].Span.Start {
			return items[i].Span.Start < items[j].Span.Start
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}
