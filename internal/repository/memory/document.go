// Package memory provides an in-process document repository for single-node
// deployments without PostgreSQL, and for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/docrag/internal/repository"
)

// DocumentRepo implements repository.DocumentRepository in memory.
// Documents are lost on restart.
type DocumentRepo struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]*repository.Document
}

// NewDocumentRepo creates an empty repository.
func NewDocumentRepo() *DocumentRepo {
	return &DocumentRepo{docs: make(map[uuid.UUID]*repository.Document)}
}

func (r *DocumentRepo) Create(_ context.Context, doc *repository.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.docs {
		if d.TenantID == doc.TenantID && d.ContentHash == doc.ContentHash {
			return repository.ErrDuplicate
		}
	}

	stored := *doc
	now := time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = now
	}
	r.docs[doc.ID] = &stored
	return nil
}

func (r *DocumentRepo) GetByID(_ context.Context, tenantID string, id uuid.UUID) (*repository.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.docs[id]
	if !ok || d.TenantID != tenantID {
		return nil, repository.ErrNotFound
	}
	// Return a copy to avoid race conditions
	out := *d
	return &out, nil
}

func (r *DocumentRepo) GetByHash(_ context.Context, tenantID, hash string) (*repository.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, d := range r.docs {
		if d.TenantID == tenantID && d.ContentHash == hash {
			out := *d
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *DocumentRepo) List(_ context.Context, tenantID, status string, limit, offset int) ([]*repository.Document, int, error) {
	r.mu.RLock()
	var matched []*repository.Document
	for _, d := range r.docs {
		if d.TenantID != tenantID || (status != "" && d.Status != status) {
			continue
		}
		out := *d
		matched = append(matched, &out)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID.String() < matched[j].ID.String()
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, total, nil
}

func (r *DocumentRepo) UpdateStatus(_ context.Context, id uuid.UUID, status, errorMessage string) error {
	return r.update(id, func(d *repository.Document) {
		d.Status = status
		d.ErrorMessage = errorMessage
	})
}

func (r *DocumentRepo) UpdateCounts(_ context.Context, id uuid.UUID, pageCount, chunkCount int) error {
	return r.update(id, func(d *repository.Document) {
		d.PageCount = pageCount
		d.ChunkCount = chunkCount
	})
}

func (r *DocumentRepo) Delete(_ context.Context, tenantID string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.docs[id]
	if !ok || d.TenantID != tenantID {
		return repository.ErrNotFound
	}
	delete(r.docs, id)
	return nil
}

func (r *DocumentRepo) Ping(context.Context) error {
	return nil
}

func (r *DocumentRepo) update(id uuid.UUID, fn func(*repository.Document)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.docs[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(d)
	d.UpdatedAt = time.Now()
	return nil
}

var _ repository.DocumentRepository = (*DocumentRepo)(nil)
