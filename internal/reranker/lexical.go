package reranker

import (
	"context"

	"github.com/knoguchi/docrag/internal/analyzer"
)

// LexicalScorer scores a text by the fraction of distinct query terms it contains.
// It needs no model and is used when no cross-encoder is configured.
type LexicalScorer struct {
	tokenizer *analyzer.Tokenizer
}

// NewLexicalScorer creates a LexicalScorer.
func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{tokenizer: analyzer.NewTokenizer()}
}

// Score implements Scorer. A query with no usable terms scores every text 0.
func (s *LexicalScorer) Score(_ context.Context, query string, texts []string) ([]float64, error) {
	scores := make([]float64, len(texts))

	queryTerms := make(map[string]struct{})
	for _, tok := range s.tokenizer.Tokenize(query) {
		queryTerms[tok] = struct{}{}
	}
	if len(queryTerms) == 0 {
		return scores, nil
	}

	for i, text := range texts {
		tf, _ := s.tokenizer.TermFrequencies(text)
		var hits int
		for term := range queryTerms {
			if tf[term] > 0 {
				hits++
			}
		}
		scores[i] = float64(hits) / float64(len(queryTerms))
	}

	return scores, nil
}

func (s *LexicalScorer) Name() string {
	return "lexical"
}

var _ Scorer = (*LexicalScorer)(nil)
