package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marginalia/api/internal/span"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, extracted_text, status, uploaded_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Title, item.ExtractedText, item.Status, item.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, extracted_text, status, uploaded_by, uploaded_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &item.ExtractedText, &item.Status, &item.UploadedBy, &item.UploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return item, nil
}

// DeleteDocument removes the document row; annotations cascade at the
// schema level.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete document rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, a Annotation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, document_id, type, start_offset, end_offset, content, color, author_id, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.DocumentID, a.Type, a.Span.Start, a.Span.End, a.Content, a.Color, a.AuthorID, a.Version, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID string) (Annotation, error) {
	a, err := s.scanAnnotation(s.db.QueryRowContext(ctx, `
		SELECT id, document_id, type, start_offset, end_offset, content, color, author_id, version, created_at, updated_at
		FROM annotations
		WHERE id=$1
	`, annotationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Annotation{}, fmt.Errorf("annotation %s: %w", annotationID, ErrNotFound)
	}
	if err != nil {
		return Annotation{}, fmt.Errorf("get annotation: %w", err)
	}
	return a, nil
}

// UpdateAnnotation applies the patch only when expectedVersion matches the
// stored row, incrementing version atomically. Returns ErrVersionConflict
// when the row exists at a different version and ErrNotFound when absent.
func (s *PostgresStore) UpdateAnnotation(ctx context.Context, annotationID string, expectedVersion int, patch AnnotationPatch) (Annotation, error) {
	a, err := s.scanAnnotation(s.db.QueryRowContext(ctx, `
		UPDATE annotations
		SET content = COALESCE($3, content),
			color = COALESCE($4, color),
			version = version + 1,
			updated_at = NOW()
		WHERE id=$1 AND version=$2
		RETURNING id, document_id, type, start_offset, end_offset, content, color, author_id, version, created_at, updated_at
	`, annotationID, expectedVersion, patch.Content, patch.Color))
	if errors.Is(err, sql.ErrNoRows) {
		return Annotation{}, s.casFailure(ctx, annotationID)
	}
	if err != nil {
		return Annotation{}, fmt.Errorf("update annotation: %w", err)
	}
	return a, nil
}

// DeleteAnnotation removes the row under the same optimistic check. A
// missing row reports (false, nil) so callers can treat repeated deletes as
// a no-op.
func (s *PostgresStore) DeleteAnnotation(ctx context.Context, annotationID string, expectedVersion int) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM annotations WHERE id=$1 AND version=$2
	`, annotationID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("delete annotation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete annotation rows: %w", err)
	}
	if affected > 0 {
		return true, nil
	}
	err = s.casFailure(ctx, annotationID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// ListAnnotations returns the document's annotations ordered by
// (start_offset, id). When rng is non-nil, only annotations strictly
// overlapping the range are returned.
func (s *PostgresStore) ListAnnotations(ctx context.Context, documentID string, rng *span.Span) ([]Annotation, error) {
	query := `
		SELECT id, document_id, type, start_offset, end_offset, content, color, author_id, version, created_at, updated_at
		FROM annotations
		WHERE document_id=$1
	`
	args := []any{documentID}
	if rng != nil {
		query += ` AND start_offset < $3 AND end_offset > $2`
		args = append(args, rng.Start, rng.End)
	}
	query += ` ORDER BY start_offset, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		a, err := s.scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanAnnotation(row rowScanner) (Annotation, error) {
	var a Annotation
	err := row.Scan(&a.ID, &a.DocumentID, &a.Type, &a.Span.Start, &a.Span.End, &a.Content, &a.Color, &a.AuthorID, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return Annotation{}, err
	}
	return a, nil
}

// casFailure distinguishes a stale expected version from a missing row
// after an affected-row check came back empty.
func (s *PostgresStore) casFailure(ctx context.Context, annotationID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM annotations WHERE id=$1)`, annotationID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check annotation: %w", err)
	}
	if exists {
		return fmt.Errorf("annotation %s: %w", annotationID, ErrVersionConflict)
	}
	return fmt.Errorf("annotation %s: %w", annotationID, ErrNotFound)
}
