// Package vectorstore provides the per-tenant passage index.
//
// Every tenant gets its own collection, named by Namespace. Tenants never share
// a collection, so isolation does not depend on query filters.
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

const namespacePrefix = "docs_"

var (
	// ErrNoIdentity is returned when an operation is attempted without a tenant identity.
	ErrNoIdentity = errors.New("tenant identity is required")
	// ErrEmptyFilter is returned by Delete when no filter field is set.
	ErrEmptyFilter = errors.New("delete filter must not be empty")
	// ErrInvalidPassage is returned when a passage fails validation.
	ErrInvalidPassage = errors.New("invalid passage")
)

// Namespace maps a tenant identity to its collection name: "docs_" followed by
// the hex SHA-256 of the identity bytes. The identity is used exactly as given,
// so distinct strings always land in distinct collections.
func Namespace(identity string) (string, error) {
	if strings.TrimSpace(identity) == "" {
		return "", ErrNoIdentity
	}
	sum := sha256.Sum256([]byte(identity))
	return namespacePrefix + hex.EncodeToString(sum[:]), nil
}

// PassageMeta is the metadata stored with every passage.
type PassageMeta struct {
	DocumentID  string `json:"document_id"`
	TenantID    string `json:"tenant_id"`
	Filename    string `json:"filename"`
	Page        int    `json:"page"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
}

// Validate checks that the metadata can attribute the passage to a document and tenant.
func (m PassageMeta) Validate() error {
	switch {
	case m.DocumentID == "":
		return fmt.Errorf("%w: missing document id", ErrInvalidPassage)
	case m.TenantID == "":
		return fmt.Errorf("%w: missing tenant id", ErrInvalidPassage)
	case m.Filename == "":
		return fmt.Errorf("%w: missing filename", ErrInvalidPassage)
	case m.Page < 1:
		return fmt.Errorf("%w: page must be >= 1, got %d", ErrInvalidPassage, m.Page)
	case m.ChunkIndex < 0:
		return fmt.Errorf("%w: negative chunk index", ErrInvalidPassage)
	}
	return nil
}

// Passage is a unit of indexed text.
type Passage struct {
	ID     string
	Text   string
	Meta   PassageMeta
	Vector []float32
}

// Snippet returns the first n characters of the passage text.
func (p Passage) Snippet(n int) string {
	return Snippet(p.Text, n)
}

// Snippet returns the first n runes of text.
func Snippet(text string, n int) string {
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n])
}

// Filter restricts queries and deletes. Zero fields do not filter.
type Filter struct {
	DocumentID string
}

// IsEmpty reports whether no filter field is set.
func (f Filter) IsEmpty() bool {
	return f.DocumentID == ""
}

// Match is a query result. Distance is the squared Euclidean distance between
// unit vectors, 2*(1-cosine), so 0 is identical and larger is further.
type Match struct {
	Passage
	Distance float32
}

// Store is a vector backend holding named collections.
type Store interface {
	// CreateCollection creates the collection if it does not exist yet.
	CreateCollection(ctx context.Context, name string, dimension int) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	DeleteCollection(ctx context.Context, name string) error

	// Upsert writes all passages or none of them.
	Upsert(ctx context.Context, name string, passages []Passage) error
	// Search returns up to k nearest passages ordered by ascending distance.
	Search(ctx context.Context, name string, vector []float32, k int, filter Filter) ([]Match, error)
	// Delete removes passages matching filter. No match is not an error.
	Delete(ctx context.Context, name string, filter Filter) error
	Count(ctx context.Context, name string, filter Filter) (int, error)

	Close() error
}

// cosineToDistance converts cosine similarity to squared Euclidean distance of unit vectors.
func cosineToDistance(cos float32) float32 {
	d := 2 * (1 - cos)
	if d < 0 {
		return 0
	}
	return d
}
