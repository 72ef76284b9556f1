package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/docrag/internal/embedder"
	"github.com/knoguchi/docrag/internal/extractor"
	"github.com/knoguchi/docrag/internal/repository"
	"github.com/knoguchi/docrag/internal/vectorstore"
)

var (
	// ErrNoChunks is returned when extraction produced text but chunking produced nothing to index.
	ErrNoChunks = errors.New("document produced no chunks")
	// ErrDocumentGone is returned when the metadata row disappears while the document is processed.
	ErrDocumentGone = errors.New("document was deleted during processing")
)

// Job describes one accepted upload.
type Job struct {
	DocumentID uuid.UUID
	TenantID   string
	Filename   string
	Path       string
}

// StageError records which stage a run failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", stageName(e.Stage), e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageName(status string) string {
	switch status {
	case repository.StatusExtracting:
		return "extraction failed"
	case repository.StatusChunking:
		return "chunking failed"
	case repository.StatusIndexing:
		return "indexing failed"
	}
	return "processing failed"
}

// Extractor turns a stored file into pages.
type Extractor interface {
	Extract(ctx context.Context, path, filename string) ([]extractor.Page, error)
}

// Index is the subset of the tenant index used for writing passages.
type Index interface {
	GetOrCreate(ctx context.Context, identity string) (vectorstore.Handle, error)
	Upsert(ctx context.Context, h vectorstore.Handle, passages []vectorstore.Passage) error
	Delete(ctx context.Context, h vectorstore.Handle, filter vectorstore.Filter) error
}

// PipelineResult holds statistics about a completed run.
type PipelineResult struct {
	Pages          int
	Chunks         int
	ProcessingTime time.Duration
}

// Pipeline runs one document through extract, chunk, embed and index, keeping
// the metadata row's status in step:
//
//	ACCEPTED -> EXTRACTING -> CHUNKING -> INDEXING -> COMPLETE
//
// Any stage can move the document to FAILED. Runs share no mutable state, so
// one Pipeline serves any number of concurrent documents.
type Pipeline struct {
	docs      repository.DocumentRepository
	extractor Extractor
	chunker   *Chunker
	embedder  embedder.Embedder
	index     Index
	logger    *slog.Logger
}

// NewPipeline creates a new ingestion pipeline
func NewPipeline(docs repository.DocumentRepository, ext Extractor, chunker *Chunker, emb embedder.Embedder, index Index, logger *slog.Logger) *Pipeline {
	if chunker == nil {
		chunker = NewChunker(DefaultChunkerConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		docs:      docs,
		extractor: ext,
		chunker:   chunker,
		embedder:  emb,
		index:     index,
		logger:    logger,
	}
}

// Process runs job to completion. report, when non-nil, is called on every
// status change. On failure the document is marked FAILED with the error as
// its reason, and no passages are left behind for it.
func (p *Pipeline) Process(ctx context.Context, job Job, report func(status string)) (*PipelineResult, error) {
	start := time.Now()
	log := p.logger.With("document_id", job.DocumentID.String(), "tenant", job.TenantID)

	enter := func(status string) error {
		if report != nil {
			report(status)
		}
		if err := p.docs.UpdateStatus(ctx, job.DocumentID, status, ""); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrDocumentGone
			}
			return err
		}
		log.Debug("stage entered", "stage", status)
		return nil
	}

	stage := repository.StatusExtracting
	result, err := p.runRecovered(ctx, job, enter, &stage, log)
	if err != nil {
		stageErr := &StageError{Stage: stage, Err: err}
		log.Error("ingestion failed", "stage", stage, "error", err)
		if !errors.Is(err, ErrDocumentGone) {
			if updErr := p.docs.UpdateStatus(context.WithoutCancel(ctx), job.DocumentID, repository.StatusFailed, stageErr.Error()); updErr != nil && !errors.Is(updErr, repository.ErrNotFound) {
				log.Error("failed to record failure", "error", updErr)
			}
		}
		if report != nil {
			report(repository.StatusFailed)
		}
		return nil, stageErr
	}

	result.ProcessingTime = time.Since(start)
	if report != nil {
		report(repository.StatusComplete)
	}
	log.Info("ingestion complete",
		"pages", result.Pages, "chunks", result.Chunks, "duration", result.ProcessingTime)
	return result, nil
}

// runRecovered turns a panic in any stage into an error so the failure is
// persisted like any other.
func (p *Pipeline) runRecovered(ctx context.Context, job Job, enter func(string) error, stage *string, log *slog.Logger) (result *PipelineResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic recovered in ingestion", "stage", *stage, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return p.run(ctx, job, enter, stage)
}

func (p *Pipeline) run(ctx context.Context, job Job, enter func(string) error, stage *string) (*PipelineResult, error) {
	// Extracting
	*stage = repository.StatusExtracting
	if err := enter(*stage); err != nil {
		return nil, err
	}
	pages, err := p.extractor.Extract(ctx, job.Path, job.Filename)
	if err != nil {
		return nil, err
	}

	// Chunking
	*stage = repository.StatusChunking
	if err := enter(*stage); err != nil {
		return nil, err
	}
	chunks := p.chunker.Chunk(pages)
	if len(chunks) == 0 {
		return nil, ErrNoChunks
	}

	// Indexing
	*stage = repository.StatusIndexing
	if err := enter(*stage); err != nil {
		return nil, err
	}
	if err := p.docs.UpdateCounts(ctx, job.DocumentID, len(pages), len(chunks)); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDocumentGone
		}
		return nil, fmt.Errorf("failed to update counts: %w", err)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}

	h, err := p.index.GetOrCreate(ctx, job.TenantID)
	if err != nil {
		return nil, err
	}

	// The row may have been deleted while embedding ran.
	if err := p.ensureExists(ctx, job); err != nil {
		return nil, err
	}

	// A retry must not duplicate passages written by an earlier attempt.
	filter := vectorstore.Filter{DocumentID: job.DocumentID.String()}
	if err := p.index.Delete(ctx, h, filter); err != nil {
		return nil, fmt.Errorf("failed to clear previous passages: %w", err)
	}

	passages := make([]vectorstore.Passage, len(chunks))
	for i, c := range chunks {
		passages[i] = vectorstore.Passage{
			ID:     uuid.NewString(),
			Text:   c.Content,
			Vector: vectors[i],
			Meta: vectorstore.PassageMeta{
				DocumentID:  job.DocumentID.String(),
				TenantID:    job.TenantID,
				Filename:    job.Filename,
				Page:        c.Page,
				ChunkIndex:  c.Index,
				TotalChunks: len(chunks),
			},
		}
	}
	if err := p.index.Upsert(ctx, h, passages); err != nil {
		if delErr := p.index.Delete(context.WithoutCancel(ctx), h, filter); delErr != nil {
			p.logger.Error("failed to clean up after upsert error",
				"document_id", job.DocumentID.String(), "tenant", job.TenantID, "error", delErr)
		}
		return nil, err
	}

	// Deleted between the check and the write: remove what was just written.
	if err := p.ensureExists(ctx, job); err != nil {
		if delErr := p.index.Delete(context.WithoutCancel(ctx), h, filter); delErr != nil {
			return nil, errors.Join(err, fmt.Errorf("failed to remove orphaned passages: %w", delErr))
		}
		return nil, err
	}

	if err := p.docs.UpdateStatus(ctx, job.DocumentID, repository.StatusComplete, ""); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = ErrDocumentGone
		} else {
			err = fmt.Errorf("failed to mark complete: %w", err)
		}
		if delErr := p.index.Delete(context.WithoutCancel(ctx), h, filter); delErr != nil {
			return nil, errors.Join(err, fmt.Errorf("failed to remove orphaned passages: %w", delErr))
		}
		return nil, err
	}

	return &PipelineResult{Pages: len(pages), Chunks: len(chunks)}, nil
}

func (p *Pipeline) ensureExists(ctx context.Context, job Job) error {
	if _, err := p.docs.GetByID(ctx, job.TenantID, job.DocumentID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrDocumentGone
		}
		return fmt.Errorf("failed to check document: %w", err)
	}
	return nil
}
