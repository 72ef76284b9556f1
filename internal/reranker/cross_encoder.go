package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultCrossEncoderModel is the reranker model served behind the endpoint.
	DefaultCrossEncoderModel = "BAAI/bge-reranker-v2-m3"

	// DefaultCrossEncoderBatch is the number of texts per /rerank request.
	DefaultCrossEncoderBatch = 32
)

// HTTPCrossEncoder scores pairs through a text-embeddings-inference compatible
// /rerank endpoint. Scores are sigmoid-normalized to [0, 1].
type HTTPCrossEncoder struct {
	baseURL   string
	model     string
	apiKey    string
	batchSize int
	client    *http.Client
}

// CrossEncoderConfig configures HTTPCrossEncoder.
type CrossEncoderConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	BatchSize int
	Timeout   time.Duration
}

type teiRerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type teiRerankResult struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// NewHTTPCrossEncoder creates a cross-encoder client.
func NewHTTPCrossEncoder(cfg CrossEncoderConfig) *HTTPCrossEncoder {
	model := cfg.Model
	if model == "" {
		model = DefaultCrossEncoderModel
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultCrossEncoderBatch
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPCrossEncoder{
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		model:     model,
		apiKey:    cfg.APIKey,
		batchSize: batchSize,
		client:    &http.Client{Timeout: timeout},
	}
}

// Score implements Scorer.
func (c *HTTPCrossEncoder) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	scores := make([]float64, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		if err := c.scoreBatch(ctx, query, texts[start:end], scores[start:end]); err != nil {
			return nil, err
		}
	}
	return scores, nil
}

func (c *HTTPCrossEncoder) scoreBatch(ctx context.Context, query string, texts []string, out []float64) error {
	jsonData, err := json.Marshal(teiRerankRequest{Query: query, Texts: texts, Truncate: true})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rerank API returned status %d: %s", resp.StatusCode, string(body))
	}

	var results []teiRerankResult
	if err := json.Unmarshal(body, &results); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if len(results) != len(texts) {
		return fmt.Errorf("rerank API returned %d scores for %d texts", len(results), len(texts))
	}

	seen := make([]bool, len(texts))
	for _, res := range results {
		if res.Index < 0 || res.Index >= len(texts) || seen[res.Index] {
			return fmt.Errorf("rerank API returned invalid index %d", res.Index)
		}
		seen[res.Index] = true
		out[res.Index] = res.Score
	}
	return nil
}

// Name returns the model name.
func (c *HTTPCrossEncoder) Name() string {
	return c.model
}

var _ Scorer = (*HTTPCrossEncoder)(nil)
