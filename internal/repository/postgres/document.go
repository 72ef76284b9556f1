package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/knoguchi/docrag/internal/repository"
)

const uniqueViolation = "23505"

const documentColumns = `id, tenant_id, filename, content_hash, storage_path, size_bytes,
	page_count, chunk_count, status, error_message, created_at, updated_at`

// DocumentRepo implements repository.DocumentRepository
type DocumentRepo struct {
	db *DB
}

// NewDocumentRepo creates a new document repository
func NewDocumentRepo(db *DB) *DocumentRepo {
	return &DocumentRepo{db: db}
}

// Create creates a new document
func (r *DocumentRepo) Create(ctx context.Context, doc *repository.Document) error {
	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		doc.ID, doc.TenantID, doc.Filename, doc.ContentHash, doc.StoragePath, doc.SizeBytes,
		doc.PageCount, doc.ChunkCount, doc.Status, doc.ErrorMessage,
		doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetByID retrieves a tenant's document by ID
func (r *DocumentRepo) GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1 AND tenant_id = $2`
	return r.scanDocument(r.db.Pool.QueryRow(ctx, query, id, tenantID))
}

// GetByHash retrieves a document by content hash for a tenant
func (r *DocumentRepo) GetByHash(ctx context.Context, tenantID, hash string) (*repository.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = $1 AND content_hash = $2`
	return r.scanDocument(r.db.Pool.QueryRow(ctx, query, tenantID, hash))
}

func (r *DocumentRepo) scanDocument(row pgx.Row) (*repository.Document, error) {
	var doc repository.Document
	err := row.Scan(
		&doc.ID, &doc.TenantID, &doc.Filename, &doc.ContentHash, &doc.StoragePath, &doc.SizeBytes,
		&doc.PageCount, &doc.ChunkCount, &doc.Status, &doc.ErrorMessage,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// List retrieves documents for a tenant with pagination
func (r *DocumentRepo) List(ctx context.Context, tenantID, status string, limit, offset int) ([]*repository.Document, int, error) {
	// Build query with optional status filter
	countQuery := `SELECT COUNT(*) FROM documents WHERE tenant_id = $1`
	listQuery := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = $1`
	args := []any{tenantID}

	if status != "" {
		countQuery += ` AND status = $2`
		listQuery += ` AND status = $2`
		args = append(args, status)
	}

	listQuery += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)

	// Get total count
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	// Get documents
	args = append(args, limit, offset)
	rows, err := r.db.Pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*repository.Document
	for rows.Next() {
		doc, err := r.scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}

	return docs, total, nil
}

// UpdateStatus sets the processing state and error message
func (r *DocumentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status, errorMessage string) error {
	query := `UPDATE documents SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, "update document status", query, id, status, errorMessage)
}

// UpdateCounts records page and chunk counts
func (r *DocumentRepo) UpdateCounts(ctx context.Context, id uuid.UUID, pageCount, chunkCount int) error {
	query := `UPDATE documents SET page_count = $2, chunk_count = $3, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, "update document counts", query, id, pageCount, chunkCount)
}

// Delete deletes a tenant's document
func (r *DocumentRepo) Delete(ctx context.Context, tenantID string, id uuid.UUID) error {
	query := `DELETE FROM documents WHERE id = $1 AND tenant_id = $2`
	return r.exec(ctx, "delete document", query, id, tenantID)
}

// Ping checks the database connection
func (r *DocumentRepo) Ping(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

func (r *DocumentRepo) exec(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Ensure DocumentRepo implements the interface
var _ repository.DocumentRepository = (*DocumentRepo)(nil)
