// Package retriever implements hybrid dense + lexical search over a tenant's passages.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/knoguchi/docrag/internal/analyzer"
	"github.com/knoguchi/docrag/internal/vectorstore"
)

// Retrieval defaults.
const (
	DefaultCandidates  = 120
	DefaultMaxDistance = 1.2
	DefaultAlpha       = 0.7
)

// Config tunes the hybrid retriever.
type Config struct {
	// Candidates is how many dense neighbours are fetched before fusion.
	Candidates int `yaml:"candidates"`
	// MaxDistance drops candidates further than this from the query.
	MaxDistance float64 `yaml:"max_distance"`
	// Alpha weighs dense similarity against lexical score. 1 is dense only, 0 lexical only.
	Alpha float64 `yaml:"alpha"`
	K1    float64 `yaml:"k1"`
	B     float64 `yaml:"b"`
}

// DefaultConfig returns the default retrieval tuning.
func DefaultConfig() Config {
	return Config{
		Candidates:  DefaultCandidates,
		MaxDistance: DefaultMaxDistance,
		Alpha:       DefaultAlpha,
		K1:          DefaultK1,
		B:           DefaultB,
	}
}

// Validate checks the tuning values.
func (c Config) Validate() error {
	if c.Candidates <= 0 {
		return fmt.Errorf("candidates must be positive, got %d", c.Candidates)
	}
	if c.MaxDistance <= 0 {
		return fmt.Errorf("max distance must be positive, got %v", c.MaxDistance)
	}
	if c.Alpha < 0 || c.Alpha > 1 {
		return fmt.Errorf("alpha must be within [0, 1], got %v", c.Alpha)
	}
	if c.K1 < 0 || c.B < 0 || c.B > 1 {
		return fmt.Errorf("invalid BM25 constants k1=%v b=%v", c.K1, c.B)
	}
	return nil
}

// Index is the subset of the tenant index the retriever reads from.
type Index interface {
	GetOrCreate(ctx context.Context, identity string) (vectorstore.Handle, error)
	Query(ctx context.Context, h vectorstore.Handle, queryText string, k int, filter vectorstore.Filter) ([]vectorstore.Match, error)
}

// Result is a ranked passage with its component scores.
type Result struct {
	vectorstore.Passage
	Distance   float32
	Similarity float64 // normalized dense similarity
	Lexical    float64 // normalized BM25
	Score      float64 // fused
}

// HybridRetriever fuses dense similarity with BM25 over a pre-filtered dense candidate set.
type HybridRetriever struct {
	index  Index
	bm25   bm25
	cfg    Config
	logger *slog.Logger
}

// NewHybridRetriever creates a retriever. Invalid config fields fall back to defaults.
func NewHybridRetriever(index Index, cfg Config, logger *slog.Logger) *HybridRetriever {
	def := DefaultConfig()
	if cfg.Candidates <= 0 {
		cfg.Candidates = def.Candidates
	}
	if cfg.MaxDistance <= 0 {
		cfg.MaxDistance = def.MaxDistance
	}
	if cfg.Alpha < 0 || cfg.Alpha > 1 {
		cfg.Alpha = def.Alpha
	}
	if cfg.K1 <= 0 {
		cfg.K1 = def.K1
	}
	if cfg.B < 0 || cfg.B > 1 {
		cfg.B = def.B
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &HybridRetriever{
		index:  index,
		bm25:   bm25{tokenizer: analyzer.NewTokenizer(), k1: cfg.K1, b: cfg.B},
		cfg:    cfg,
		logger: logger,
	}
}

// Config returns the effective tuning.
func (r *HybridRetriever) Config() Config {
	return r.cfg
}

// Search returns the tenant's passages ranked by fused score, optionally
// restricted to one document. An empty result means nothing was close enough
// to the query and is not an error.
func (r *HybridRetriever) Search(ctx context.Context, identity, query, documentID string) ([]Result, error) {
	h, err := r.index.GetOrCreate(ctx, identity)
	if err != nil {
		return nil, err
	}

	matches, err := r.index.Query(ctx, h, query, r.cfg.Candidates, vectorstore.Filter{DocumentID: documentID})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch candidates: %w", err)
	}

	maxDistance := float32(r.cfg.MaxDistance)
	candidates := matches[:0:0]
	for _, m := range matches {
		if m.Distance <= maxDistance {
			candidates = append(candidates, m)
		}
	}
	if len(candidates) == 0 {
		r.logger.Debug("no candidates within distance threshold",
			"namespace", h.Namespace, "fetched", len(matches), "max_distance", r.cfg.MaxDistance)
		return nil, nil
	}

	sims := make([]float64, len(candidates))
	texts := make([]string, len(candidates))
	for i, c := range candidates {
		sims[i] = 1 / (1 + float64(c.Distance))
		texts[i] = c.Text
	}

	simNorm := minMax(sims)
	lexNorm := minMax(r.bm25.score(query, texts))

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{
			Passage:    c.Passage,
			Distance:   c.Distance,
			Similarity: simNorm[i],
			Lexical:    lexNorm[i],
			Score:      r.cfg.Alpha*simNorm[i] + (1-r.cfg.Alpha)*lexNorm[i],
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	r.logger.Debug("hybrid search",
		"namespace", h.Namespace, "fetched", len(matches), "kept", len(results))
	return results, nil
}
