package vectorstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/knoguchi/docrag/internal/embedder"
)

// Handle identifies an opened tenant collection.
type Handle struct {
	Identity  string
	Namespace string
}

// TenantIndex is the tenant-scoped passage index used by ingestion and retrieval.
type TenantIndex struct {
	store    Store
	embedder embedder.Embedder
	logger   *slog.Logger

	mu    sync.Mutex
	known map[string]struct{}
}

// NewTenantIndex creates an index over store. The embedder turns query text
// into vectors and fixes the collection dimension.
func NewTenantIndex(store Store, emb embedder.Embedder, logger *slog.Logger) *TenantIndex {
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantIndex{
		store:    store,
		embedder: emb,
		logger:   logger,
		known:    make(map[string]struct{}),
	}
}

// GetOrCreate returns the handle for identity, creating its collection on first use.
// It is idempotent.
func (ix *TenantIndex) GetOrCreate(ctx context.Context, identity string) (Handle, error) {
	ns, err := Namespace(identity)
	if err != nil {
		return Handle{}, err
	}
	h := Handle{Identity: identity, Namespace: ns}

	ix.mu.Lock()
	_, ok := ix.known[ns]
	ix.mu.Unlock()
	if ok {
		return h, nil
	}

	if err := ix.store.CreateCollection(ctx, ns, ix.embedder.Dimension()); err != nil {
		return Handle{}, fmt.Errorf("failed to create tenant collection: %w", err)
	}

	ix.mu.Lock()
	ix.known[ns] = struct{}{}
	ix.mu.Unlock()

	ix.logger.Debug("tenant collection ready", "namespace", ns)
	return h, nil
}

// Upsert validates every passage, then writes the batch in a single store call.
// Any invalid passage rejects the whole batch before anything is written.
func (ix *TenantIndex) Upsert(ctx context.Context, h Handle, passages []Passage) error {
	if err := h.validate(); err != nil {
		return err
	}
	if len(passages) == 0 {
		return nil
	}

	dim := ix.embedder.Dimension()
	batch := make([]Passage, len(passages))
	for i, p := range passages {
		if err := p.Meta.Validate(); err != nil {
			return fmt.Errorf("passage %d: %w", i, err)
		}
		if p.Meta.TenantID != h.Identity {
			return fmt.Errorf("passage %d: %w: tenant does not match collection", i, ErrInvalidPassage)
		}
		if len(p.Vector) != dim {
			return fmt.Errorf("passage %d: %w: vector dimension %d, expected %d", i, ErrInvalidPassage, len(p.Vector), dim)
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		batch[i] = p
	}

	if err := ix.store.Upsert(ctx, h.Namespace, batch); err != nil {
		return fmt.Errorf("failed to upsert passages: %w", err)
	}
	return nil
}

// Query embeds queryText and returns up to k nearest passages with their distances.
func (ix *TenantIndex) Query(ctx context.Context, h Handle, queryText string, k int, filter Filter) ([]Match, error) {
	if err := h.validate(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	vector, err := ix.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := ix.store.Search(ctx, h.Namespace, vector, k, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query passages: %w", err)
	}
	return matches, nil
}

// Delete removes every passage matching filter. Deleting nothing is a no-op.
func (ix *TenantIndex) Delete(ctx context.Context, h Handle, filter Filter) error {
	if err := h.validate(); err != nil {
		return err
	}
	if filter.IsEmpty() {
		return ErrEmptyFilter
	}
	if err := ix.store.Delete(ctx, h.Namespace, filter); err != nil {
		return fmt.Errorf("failed to delete passages: %w", err)
	}
	return nil
}

// Count returns how many passages match filter.
func (ix *TenantIndex) Count(ctx context.Context, h Handle, filter Filter) (int, error) {
	if err := h.validate(); err != nil {
		return 0, err
	}
	n, err := ix.store.Count(ctx, h.Namespace, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to count passages: %w", err)
	}
	return n, nil
}

// Ping checks that the backing store answers.
func (ix *TenantIndex) Ping(ctx context.Context) error {
	_, err := ix.store.CollectionExists(ctx, namespacePrefix+"ping")
	return err
}

func (h Handle) validate() error {
	if h.Namespace == "" || h.Identity == "" {
		return ErrNoIdentity
	}
	return nil
}
