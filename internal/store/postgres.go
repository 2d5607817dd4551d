package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, updated_at
		FROM documents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentSummary, 0)
	for rows.Next() {
		var item DocumentSummary
		if err := rows.Scan(&item.ID, &item.Name, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	var item Document
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, content, plain_text, created_at, updated_at
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Name, &item.Content, &item.PlainText, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	return item, nil
}

// CreateDocument inserts a new document. An existing id is ErrExists.
func (s *PostgresStore) CreateDocument(ctx context.Context, item Document) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, name, content, plain_text)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Name, item.Content, item.PlainText)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("document %s: %w", item.ID, ErrExists)
	}
	return nil
}

// SaveDocument upserts content and reports whether anything changed. A new
// document takes its id as its name.
func (s *PostgresStore) SaveDocument(ctx context.Context, documentID, content, plainText string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, name, content, plain_text)
		VALUES ($1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET content=EXCLUDED.content, plain_text=EXCLUDED.plain_text, updated_at=NOW()
		WHERE documents.content IS DISTINCT FROM EXCLUDED.content
	`, documentID, content, plainText)
	if err != nil {
		return false, fmt.Errorf("save document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("save document rows: %w", err)
	}
	return n > 0, nil
}

// RenameDocument moves a document to a new id and name. The source must
// exist and the target must not.
func (s *PostgresStore) RenameDocument(ctx context.Context, oldID, newID, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rename: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id=$1)`, oldID).Scan(&exists); err != nil {
		return fmt.Errorf("check rename source: %w", err)
	}
	if !exists {
		return fmt.Errorf("document %s: %w", oldID, ErrNotFound)
	}
	if newID != oldID {
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM documents WHERE id=$1)`, newID).Scan(&exists); err != nil {
			return fmt.Errorf("check rename target: %w", err)
		}
		if exists {
			return fmt.Errorf("document %s: %w", newID, ErrExists)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET id=$2, name=$3, updated_at=NOW() WHERE id=$1
	`, oldID, newID, newName); err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rename: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("document %s: %w", documentID, ErrNotFound)
	}
	return nil
}

// RecordMedia upserts the metadata of an uploaded page file.
func (s *PostgresStore) RecordMedia(ctx context.Context, item MediaFile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media_files (id, content_type, size_bytes)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET content_type=EXCLUDED.content_type, size_bytes=EXCLUDED.size_bytes, uploaded_at=NOW()
	`, item.ID, item.ContentType, item.SizeBytes)
	if err != nil {
		return fmt.Errorf("record media: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMedia(ctx context.Context) ([]MediaFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_type, size_bytes, uploaded_at
		FROM media_files
		ORDER BY uploaded_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	items := make([]MediaFile, 0)
	for rows.Next() {
		var item MediaFile
		if err := rows.Scan(&item.ID, &item.ContentType, &item.SizeBytes, &item.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
