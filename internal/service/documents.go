// Package service implements the document and retrieval operations exposed
// over HTTP and gRPC. Every operation is scoped to the caller's verified
// identity; errors are gRPC status errors.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/docrag/internal/ingestion"
	"github.com/knoguchi/docrag/internal/repository"
	"github.com/knoguchi/docrag/internal/vectorstore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DefaultMaxUploadBytes is the upload size limit.
const DefaultMaxUploadBytes int64 = 50 << 20

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// TypeChecker reports whether a filename has a supported extension.
type TypeChecker interface {
	Supported(filename string) bool
	Extensions() []string
}

// Queue accepts ingestion jobs and reports their in-memory state.
type Queue interface {
	Submit(job ingestion.Job) error
	Status(documentID uuid.UUID) (ingestion.TaskState, bool)
	Forget(documentID uuid.UUID)
}

// PassageIndex is the subset of the tenant index used for deleting a document's passages.
type PassageIndex interface {
	GetOrCreate(ctx context.Context, identity string) (vectorstore.Handle, error)
	Delete(ctx context.Context, h vectorstore.Handle, filter vectorstore.Filter) error
}

// DocumentConfig configures DocumentService.
type DocumentConfig struct {
	UploadDir      string
	MaxUploadBytes int64
}

// DocumentStatus combines the persisted status with the live task state.
type DocumentStatus struct {
	DocumentID   uuid.UUID
	Status       string
	ErrorMessage string
	PageCount    int
	ChunkCount   int
	Attempts     int
	UpdatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
}

// DocumentList is a page of documents.
type DocumentList struct {
	Documents []*repository.Document
	Total     int
}

// DocumentService manages uploaded documents.
type DocumentService struct {
	docs   repository.DocumentRepository
	index  PassageIndex
	queue  Queue
	types  TypeChecker
	cfg    DocumentConfig
	logger *slog.Logger
}

// NewDocumentService creates a new DocumentService
func NewDocumentService(
	docs repository.DocumentRepository,
	index PassageIndex,
	queue Queue,
	types TypeChecker,
	cfg DocumentConfig,
	logger *slog.Logger,
) *DocumentService {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.UploadDir == "" {
		cfg.UploadDir = "uploads"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentService{
		docs:   docs,
		index:  index,
		queue:  queue,
		types:  types,
		cfg:    cfg,
		logger: logger,
	}
}

// Upload stores the file, records it as ACCEPTED and queues it for ingestion.
// It returns as soon as the job is queued.
func (s *DocumentService) Upload(ctx context.Context, identity, filename string, r io.Reader) (*repository.Document, error) {
	ns, err := namespace(identity)
	if err != nil {
		return nil, err
	}

	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	if base == "." || base == "/" || strings.TrimSpace(base) == "" {
		return nil, status.Error(codes.InvalidArgument, "filename is required")
	}
	if !s.types.Supported(base) {
		return nil, status.Errorf(codes.InvalidArgument, "unsupported file type; allowed: %s",
			strings.Join(s.types.Extensions(), ", "))
	}

	dir := filepath.Join(s.cfg.UploadDir, ns)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to create upload directory: %v", err)
	}

	tmp, hash, size, err := s.spool(dir, r)
	if err != nil {
		return nil, err
	}
	keep := false
	defer func() {
		if !keep {
			os.Remove(tmp)
		}
	}()

	if existing, err := s.docs.GetByHash(ctx, identity, hash); err == nil {
		return nil, status.Errorf(codes.AlreadyExists, "document already uploaded as %s (%s)", existing.Filename, existing.ID)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, status.Errorf(codes.Internal, "failed to check for duplicates: %v", err)
	}

	id := uuid.New()
	path := filepath.Join(dir, id.String()[:8]+"_"+base)
	if err := os.Rename(tmp, path); err != nil {
		return nil, status.Errorf(codes.Internal, "failed to store file: %v", err)
	}
	tmp = path

	now := time.Now()
	doc := &repository.Document{
		ID:          id,
		TenantID:    identity,
		Filename:    base,
		ContentHash: hash,
		StoragePath: path,
		SizeBytes:   size,
		Status:      repository.StatusAccepted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, status.Error(codes.AlreadyExists, "document already uploaded")
		}
		return nil, status.Errorf(codes.Internal, "failed to create document: %v", err)
	}
	keep = true

	s.logger.Info("document accepted",
		"document_id", id.String(), "tenant", identity, "filename", base, "size", size)

	_ = s.submit(ctx, doc)
	return doc, nil
}

// spool copies r into a temporary file in dir while hashing it.
func (s *DocumentService) spool(dir string, r io.Reader) (string, string, int64, error) {
	f, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", "", 0, status.Errorf(codes.Internal, "failed to create upload file: %v", err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), io.LimitReader(r, s.cfg.MaxUploadBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", "", 0, status.Errorf(codes.Internal, "failed to read upload: %v", err)
	}

	if n == 0 {
		os.Remove(f.Name())
		return "", "", 0, status.Error(codes.InvalidArgument, "file is empty")
	}
	if n > s.cfg.MaxUploadBytes {
		os.Remove(f.Name())
		return "", "", 0, status.Errorf(codes.InvalidArgument, "file exceeds the %d MB limit", s.cfg.MaxUploadBytes>>20)
	}
	return f.Name(), hex.EncodeToString(h.Sum(nil)), n, nil
}

// submit queues doc. A rejected job leaves the document FAILED so it can be retried.
func (s *DocumentService) submit(ctx context.Context, doc *repository.Document) error {
	err := s.queue.Submit(ingestion.Job{
		DocumentID: doc.ID,
		TenantID:   doc.TenantID,
		Filename:   doc.Filename,
		Path:       doc.StoragePath,
	})
	if err == nil {
		return nil
	}

	s.logger.Warn("failed to queue document", "document_id", doc.ID.String(), "tenant", doc.TenantID, "error", err)
	if errors.Is(err, ingestion.ErrAlreadyQueued) {
		return err
	}
	reason := "ingestion not started: " + err.Error()
	if updErr := s.docs.UpdateStatus(context.WithoutCancel(ctx), doc.ID, repository.StatusFailed, reason); updErr != nil {
		s.logger.Error("failed to mark document failed", "document_id", doc.ID.String(), "error", updErr)
	}
	doc.Status = repository.StatusFailed
	doc.ErrorMessage = reason
	return err
}

// Get returns a document owned by identity.
func (s *DocumentService) Get(ctx context.Context, identity, id string) (*repository.Document, error) {
	if _, err := namespace(identity); err != nil {
		return nil, err
	}
	docID, err := parseDocumentID(id)
	if err != nil {
		return nil, err
	}

	doc, err := s.docs.GetByID(ctx, identity, docID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, status.Error(codes.NotFound, "document not found")
		}
		return nil, status.Errorf(codes.Internal, "failed to get document: %v", err)
	}
	return doc, nil
}

// List returns the caller's documents, newest first, optionally filtered by status.
func (s *DocumentService) List(ctx context.Context, identity, statusFilter string, limit, offset int) (*DocumentList, error) {
	if _, err := namespace(identity); err != nil {
		return nil, err
	}

	statusFilter = strings.ToUpper(strings.TrimSpace(statusFilter))
	if statusFilter != "" && !validStatus(statusFilter) {
		return nil, status.Errorf(codes.InvalidArgument, "unknown status %q", statusFilter)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		return nil, status.Error(codes.InvalidArgument, "offset cannot be negative")
	}

	docs, total, err := s.docs.List(ctx, identity, statusFilter, limit, offset)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to list documents: %v", err)
	}
	return &DocumentList{Documents: docs, Total: total}, nil
}

// Status returns the persisted status merged with the live task state.
func (s *DocumentService) Status(ctx context.Context, identity, id string) (*DocumentStatus, error) {
	doc, err := s.Get(ctx, identity, id)
	if err != nil {
		return nil, err
	}

	st := &DocumentStatus{
		DocumentID:   doc.ID,
		Status:       doc.Status,
		ErrorMessage: doc.ErrorMessage,
		PageCount:    doc.PageCount,
		ChunkCount:   doc.ChunkCount,
		UpdatedAt:    doc.UpdatedAt,
	}
	if task, ok := s.queue.Status(doc.ID); ok {
		st.Attempts = task.Attempts
		st.StartedAt = task.StartedAt
		st.FinishedAt = task.FinishedAt
	}
	return st, nil
}

// OpenFile opens the stored original of a document. The caller closes the file.
func (s *DocumentService) OpenFile(ctx context.Context, identity, id string) (*repository.Document, *os.File, error) {
	doc, err := s.Get(ctx, identity, id)
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(doc.StoragePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, status.Error(codes.NotFound, "file not found")
		}
		return nil, nil, status.Errorf(codes.Internal, "failed to open file: %v", err)
	}
	return doc, f, nil
}

// Retry requeues a FAILED document. The ingestion run clears passages left by
// the earlier attempt before writing new ones.
func (s *DocumentService) Retry(ctx context.Context, identity, id string) (*repository.Document, error) {
	doc, err := s.Get(ctx, identity, id)
	if err != nil {
		return nil, err
	}
	if doc.Status != repository.StatusFailed {
		return nil, status.Errorf(codes.FailedPrecondition, "only failed documents can be retried, status is %s", doc.Status)
	}

	if err := s.docs.UpdateStatus(ctx, doc.ID, repository.StatusAccepted, ""); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, status.Error(codes.NotFound, "document not found")
		}
		return nil, status.Errorf(codes.Internal, "failed to update document: %v", err)
	}
	doc.Status = repository.StatusAccepted
	doc.ErrorMessage = ""

	if err := s.submit(ctx, doc); err != nil {
		if errors.Is(err, ingestion.ErrAlreadyQueued) {
			return nil, status.Error(codes.FailedPrecondition, "document is already being processed")
		}
		return nil, status.Errorf(codes.ResourceExhausted, "failed to queue document: %v", err)
	}

	s.logger.Info("document requeued", "document_id", doc.ID.String(), "tenant", identity)
	return doc, nil
}

// DeleteDocument removes a document's passages, its stored file and its row,
// in that order. A failed index delete keeps the row so the call can be
// repeated. Deleting a document that no longer exists is a no-op.
func (s *DocumentService) DeleteDocument(ctx context.Context, identity, id string) error {
	doc, err := s.Get(ctx, identity, id)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return err
	}

	h, err := s.index.GetOrCreate(ctx, identity)
	if err != nil {
		return status.Errorf(codes.Internal, "failed to open index: %v", err)
	}
	if err := s.index.Delete(ctx, h, vectorstore.Filter{DocumentID: doc.ID.String()}); err != nil {
		return status.Errorf(codes.Internal, "failed to delete passages: %v", err)
	}

	if err := os.Remove(doc.StoragePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return status.Errorf(codes.Internal, "failed to remove file: %v", err)
	}

	if err := s.docs.Delete(ctx, identity, doc.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return status.Errorf(codes.Internal, "failed to delete document: %v", err)
	}
	s.queue.Forget(doc.ID)

	s.logger.Info("document deleted", "document_id", doc.ID.String(), "tenant", identity)
	return nil
}

func namespace(identity string) (string, error) {
	ns, err := vectorstore.Namespace(identity)
	if err != nil {
		return "", status.Error(codes.Unauthenticated, "missing identity")
	}
	return ns, nil
}

func parseDocumentID(id string) (uuid.UUID, error) {
	if strings.TrimSpace(id) == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, "document id is required")
	}
	docID, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "invalid document ID format")
	}
	return docID, nil
}

func validStatus(s string) bool {
	switch s {
	case repository.StatusAccepted, repository.StatusExtracting, repository.StatusChunking,
		repository.StatusIndexing, repository.StatusComplete, repository.StatusFailed:
		return true
	}
	return false
}

// errorf wraps err as an Internal status unless it already carries a code.
func errorf(err error, format string, args ...any) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Errorf(codes.Internal, "%s: %v", fmt.Sprintf(format, args...), err)
}
