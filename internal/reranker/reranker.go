// Package reranker provides re-ranking capabilities for retrieval results.
//
// Re-ranking scores each (query, passage) pair together rather than comparing
// independently computed embeddings, which sharpens precision on the small
// candidate set the hybrid retriever returns.
//
// # Trade-offs
//
// The scorer is chosen at startup (RERANKER_BACKEND).
//
//   - cross-encoder: a text-embeddings-inference server hosting a BGE reranker. Best quality.
//   - llm: asks the chat model for JSON relevance scores. Slow, no extra service.
//   - lexical: query term coverage. Offline and deterministic.
//
// Scores are only comparable within one query.
package reranker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/knoguchi/docrag/internal/vectorstore"
)

// Defaults for Rerank.
const (
	DefaultTopK      = 6
	DefaultThreshold = 0.3
)

// Candidate is a passage with its metadata and, after reranking, its relevance score.
type Candidate struct {
	ID    string
	Text  string
	Meta  vectorstore.PassageMeta
	Score float64
}

// Scorer assigns a relevance score to each text for a query. Higher is more relevant.
type Scorer interface {
	// Score returns one score per text, in input order.
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
	Name() string
}

// Reranker filters and orders candidates using a Scorer.
type Reranker struct {
	scorer Scorer
	logger *slog.Logger

	// serial is set for scorers whose runtime is not reentrant.
	serial *sync.Mutex
}

// Option configures a Reranker.
type Option func(*Reranker)

// Serialized makes the Reranker call its scorer one request at a time.
func Serialized() Option {
	return func(r *Reranker) {
		r.serial = &sync.Mutex{}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reranker) {
		r.logger = logger
	}
}

// New creates a Reranker around scorer.
func New(scorer Scorer, opts ...Option) *Reranker {
	r := &Reranker{
		scorer: scorer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ScorerName returns the name of the underlying scorer.
func (r *Reranker) ScorerName() string {
	return r.scorer.Name()
}

// Rerank scores candidates against query, drops those scoring below threshold,
// and returns at most topK survivors in descending score order. An empty
// result means nothing relevant was found. Empty input returns immediately
// without calling the scorer. topK <= 0 uses DefaultTopK.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []Candidate, topK int, threshold float64) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	texts := make([]string, len(candidates))
	for i, c := range candidates {
		texts[i] = c.Text
	}

	scores, err := r.score(ctx, query, texts)
	if err != nil {
		return nil, fmt.Errorf("reranking failed: %w", err)
	}
	if len(scores) != len(candidates) {
		return nil, fmt.Errorf("scorer %s returned %d scores for %d candidates", r.scorer.Name(), len(scores), len(candidates))
	}

	survivors := make([]Candidate, 0, len(candidates))
	for i, c := range candidates {
		if !(scores[i] >= threshold) {
			continue
		}
		c.Score = scores[i]
		survivors = append(survivors, c)
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		return survivors[i].Score > survivors[j].Score
	})
	if len(survivors) > topK {
		survivors = survivors[:topK]
	}

	r.logger.Debug("reranked",
		"scorer", r.scorer.Name(), "candidates", len(candidates), "kept", len(survivors), "threshold", threshold)

	if len(survivors) == 0 {
		return nil, nil
	}
	return survivors, nil
}

func (r *Reranker) score(ctx context.Context, query string, texts []string) ([]float64, error) {
	if r.serial != nil {
		r.serial.Lock()
		defer r.serial.Unlock()
	}
	return r.scorer.Score(ctx, query, texts)
}
