package retriever

import (
	"math"

	"github.com/knoguchi/docrag/internal/analyzer"
)

// Default BM25 constants.
const (
	DefaultK1 = 1.5
	DefaultB  = 0.75
)

// bm25 scores a small in-memory candidate set. Corpus statistics (document
// frequency, average length) come from the candidates themselves, not the
// whole collection.
type bm25 struct {
	tokenizer *analyzer.Tokenizer
	k1        float64
	b         float64
}

type termDoc struct {
	tf     map[string]int
	length int
}

// score returns one BM25 score per text, in input order.
func (s bm25) score(query string, texts []string) []float64 {
	scores := make([]float64, len(texts))
	if len(texts) == 0 {
		return scores
	}

	terms := uniqueTerms(s.tokenizer.Tokenize(query))
	if len(terms) == 0 {
		return scores
	}

	docs := make([]termDoc, len(texts))
	var totalLen int
	for i, text := range texts {
		tf, length := s.tokenizer.TermFrequencies(text)
		docs[i] = termDoc{tf: tf, length: length}
		totalLen += length
	}
	if totalLen == 0 {
		return scores
	}

	N := float64(len(docs))
	avgDl := float64(totalLen) / N

	for _, term := range terms {
		var n float64
		for _, d := range docs {
			if d.tf[term] > 0 {
				n++
			}
		}
		if n == 0 {
			continue
		}
		idf := math.Log((N-n+0.5)/(n+0.5) + 1)

		for i, d := range docs {
			tf := float64(d.tf[term])
			if tf == 0 {
				continue
			}
			dl := float64(d.length)
			scores[i] += idf * (tf * (s.k1 + 1)) / (tf + s.k1*(1-s.b+s.b*dl/avgDl))
		}
	}

	return scores
}

func uniqueTerms(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0:0]
	for _, tok := range tokens {
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	return out
}

// minMax rescales values to [0, 1]. A constant set maps to 1 when its value
// is positive and to 0 otherwise.
func minMax(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}

	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	if hi == lo {
		if hi > 0 {
			for i := range out {
				out[i] = 1
			}
		}
		return out
	}

	for i, v := range values {
		out[i] = (v - lo) / (hi - lo)
	}
	return out
}
