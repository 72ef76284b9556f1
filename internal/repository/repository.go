// Package repository defines the document metadata model and its data access interface.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested entity does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a tenant already has a document with the same content hash
	ErrDuplicate = errors.New("duplicate content")
)

// Document processing states.
const (
	StatusAccepted   = "ACCEPTED"
	StatusExtracting = "EXTRACTING"
	StatusChunking   = "CHUNKING"
	StatusIndexing   = "INDEXING"
	StatusComplete   = "COMPLETE"
	StatusFailed     = "FAILED"
)

// IsTerminal reports whether status ends processing.
func IsTerminal(status string) bool {
	return status == StatusComplete || status == StatusFailed
}

// Document is the metadata row of an uploaded file.
type Document struct {
	ID           uuid.UUID
	TenantID     string // verified identity of the owner
	Filename     string
	ContentHash  string // hex sha256, unique per tenant
	StoragePath  string
	SizeBytes    int64
	PageCount    int
	ChunkCount   int
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DocumentRepository defines operations for document persistence.
// Reads and deletes are scoped by tenant; a document owned by another tenant is ErrNotFound.
type DocumentRepository interface {
	// Create inserts doc. ErrDuplicate if the tenant already has the content hash.
	Create(ctx context.Context, doc *Document) error
	GetByID(ctx context.Context, tenantID string, id uuid.UUID) (*Document, error)
	GetByHash(ctx context.Context, tenantID, hash string) (*Document, error)
	// List returns a page of the tenant's documents, newest first, and the total count.
	List(ctx context.Context, tenantID, status string, limit, offset int) ([]*Document, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status, errorMessage string) error
	UpdateCounts(ctx context.Context, id uuid.UUID, pageCount, chunkCount int) error
	Delete(ctx context.Context, tenantID string, id uuid.UUID) error
	Ping(ctx context.Context) error
}
