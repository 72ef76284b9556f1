package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/knoguchi/docrag/internal/llm"
	"github.com/knoguchi/docrag/internal/repository"
	"github.com/knoguchi/docrag/internal/reranker"
	"github.com/knoguchi/docrag/internal/retriever"
	"github.com/knoguchi/docrag/internal/vectorstore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NoRelevantInformation is the answer when reranking keeps nothing.
const NoRelevantInformation = "No relevant information found."

const (
	// SnippetLength is the number of characters of passage text in a citation.
	SnippetLength = 150
	// SummaryLength caps the summary text.
	SummaryLength = 2000

	summaryPassages = 8
	summaryQuery    = "summary overview introduction"
	extractTopK     = 10
	extractMax      = 20
	maxSearchLimit  = 50
)

const defaultSystemPrompt = `You are a document Q&A assistant answering from the user's uploaded documents.
Use only the context documents below. Quote or summarize them and cite the source as [filename, page N].
If the context does not answer the question, say that the documents do not contain the information.
Never use outside knowledge for questions about the documents.`

// Retriever finds candidate passages for a query.
type Retriever interface {
	Search(ctx context.Context, identity, query, documentID string) ([]retriever.Result, error)
}

// Reranker rescores candidates.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []reranker.Candidate, topK int, threshold float64) ([]reranker.Candidate, error)
}

// QueryIndex is the subset of the tenant index read by Summarize.
type QueryIndex interface {
	GetOrCreate(ctx context.Context, identity string) (vectorstore.Handle, error)
	Query(ctx context.Context, h vectorstore.Handle, queryText string, k int, filter vectorstore.Filter) ([]vectorstore.Match, error)
}

// Citation points an answer back to a passage.
type Citation struct {
	DocumentID string  `json:"document_id"`
	Filename   string  `json:"filename"`
	Page       int     `json:"page"`
	ChunkIndex int     `json:"chunk_index"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"score"`
}

// Hit is a retrieved passage with its citation.
type Hit struct {
	Citation
	Text string `json:"text"`
}

// SearchRequest is the input of Search.
type SearchRequest struct {
	Query      string `json:"query"`
	DocumentID string `json:"document_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// SearchResponse lists the reranked passages. Empty Results means nothing relevant was found.
type SearchResponse struct {
	Results    []Hit         `json:"results"`
	Candidates int           `json:"candidates"`
	Took       time.Duration `json:"took_ns"`
}

// SummaryResponse is the output of Summarize.
type SummaryResponse struct {
	Summary   string     `json:"summary"`
	Citations []Citation `json:"citations"`
}

// ExtractResponse is the output of Extract.
type ExtractResponse struct {
	Field   string `json:"field"`
	Matches []Hit  `json:"matches"`
}

// AskResponse is a grounded answer.
type AskResponse struct {
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations"`
}

// RetrievalConfig configures RetrievalService.
type RetrievalConfig struct {
	TopK        int
	Threshold   float64
	Model       string
	Temperature float32
	MaxTokens   int
}

// RetrievalService answers queries over a tenant's passages.
type RetrievalService struct {
	docs      repository.DocumentRepository
	retriever Retriever
	reranker  Reranker
	index     QueryIndex
	llmClient llm.LLM
	cfg       RetrievalConfig
	logger    *slog.Logger
}

// NewRetrievalService creates a new RetrievalService. llmClient may be nil, in
// which case Ask is unavailable.
func NewRetrievalService(
	docs repository.DocumentRepository,
	ret Retriever,
	rr Reranker,
	index QueryIndex,
	llmClient llm.LLM,
	cfg RetrievalConfig,
	logger *slog.Logger,
) *RetrievalService {
	if cfg.TopK <= 0 {
		cfg.TopK = reranker.DefaultTopK
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.1
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetrievalService{
		docs:      docs,
		retriever: ret,
		reranker:  rr,
		index:     index,
		llmClient: llmClient,
		cfg:       cfg,
		logger:    logger,
	}
}

// Search runs hybrid retrieval, reranks the candidates and returns cited passages.
func (s *RetrievalService) Search(ctx context.Context, identity string, req SearchRequest) (*SearchResponse, error) {
	start := time.Now()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, status.Error(codes.InvalidArgument, "query is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.TopK
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	candidates, err := s.candidates(ctx, identity, query, req.DocumentID)
	if err != nil {
		return nil, err
	}
	kept, err := s.reranker.Rerank(ctx, query, candidates, limit, s.cfg.Threshold)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to rerank: %v", err)
	}

	resp := &SearchResponse{
		Results:    hits(kept),
		Candidates: len(candidates),
		Took:       time.Since(start),
	}
	s.logger.Debug("search",
		"tenant", identity, "candidates", resp.Candidates, "results", len(resp.Results), "duration", resp.Took)
	return resp, nil
}

// Rerank scores caller-supplied candidates. topK <= 0 uses the configured
// default; a negative threshold uses the configured threshold.
func (s *RetrievalService) Rerank(ctx context.Context, identity, query string, candidates []reranker.Candidate, topK int, threshold float64) ([]reranker.Candidate, error) {
	if _, err := namespace(identity); err != nil {
		return nil, err
	}
	if strings.TrimSpace(query) == "" {
		return nil, status.Error(codes.InvalidArgument, "query is required")
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	if threshold < 0 {
		threshold = s.cfg.Threshold
	}

	kept, err := s.reranker.Rerank(ctx, query, candidates, topK, threshold)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to rerank: %v", err)
	}
	return kept, nil
}

// Summarize joins the leading passages of the caller's documents, or of one
// document, in reading order and truncates the result.
func (s *RetrievalService) Summarize(ctx context.Context, identity, documentID string) (*SummaryResponse, error) {
	if _, err := namespace(identity); err != nil {
		return nil, err
	}
	if err := s.checkDocument(ctx, identity, documentID); err != nil {
		return nil, err
	}

	h, err := s.index.GetOrCreate(ctx, identity)
	if err != nil {
		return nil, errorf(err, "failed to open index")
	}
	matches, err := s.index.Query(ctx, h, summaryQuery, summaryPassages, vectorstore.Filter{DocumentID: documentID})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to read passages: %v", err)
	}
	if len(matches) == 0 {
		return &SummaryResponse{Summary: "No content to summarize."}, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i].Meta, matches[j].Meta
		if a.Filename != b.Filename {
			return a.Filename < b.Filename
		}
		return a.ChunkIndex < b.ChunkIndex
	})

	texts := make([]string, len(matches))
	citations := make([]Citation, len(matches))
	for i, m := range matches {
		texts[i] = m.Text
		citations[i] = citation(m.Passage, 0)
	}
	return &SummaryResponse{
		Summary:   truncate(strings.Join(texts, " "), SummaryLength),
		Citations: citations,
	}, nil
}

// Extract returns retrieved passages that mention field, case-insensitively.
func (s *RetrievalService) Extract(ctx context.Context, identity, field, documentID string) (*ExtractResponse, error) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, status.Error(codes.InvalidArgument, "field is required")
	}

	candidates, err := s.candidates(ctx, identity, field, documentID)
	if err != nil {
		return nil, err
	}
	kept, err := s.reranker.Rerank(ctx, field, candidates, extractTopK, 0)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to rerank: %v", err)
	}

	keyword := strings.ToLower(field)
	var matches []Hit
	for _, c := range kept {
		if !strings.Contains(strings.ToLower(c.Text), keyword) {
			continue
		}
		matches = append(matches, hit(c))
		if len(matches) == extractMax {
			break
		}
	}
	return &ExtractResponse{Field: field, Matches: matches}, nil
}

// Ask answers question from the caller's documents. When reranking keeps no
// passage the answer is NoRelevantInformation and the model is not called.
func (s *RetrievalService) Ask(ctx context.Context, identity, question, documentID string) (*AskResponse, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, status.Error(codes.InvalidArgument, "question is required")
	}

	candidates, err := s.candidates(ctx, identity, question, documentID)
	if err != nil {
		return nil, err
	}
	kept, err := s.reranker.Rerank(ctx, question, candidates, s.cfg.TopK, s.cfg.Threshold)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to rerank: %v", err)
	}
	if len(kept) == 0 {
		return &AskResponse{Answer: NoRelevantInformation}, nil
	}
	if s.llmClient == nil {
		return nil, status.Error(codes.Unimplemented, "no language model configured")
	}

	answer, err := s.llmClient.Generate(ctx, buildPrompt(kept, question), llm.GenerateOptions{
		Model:        s.cfg.Model,
		SystemPrompt: defaultSystemPrompt,
		Temperature:  s.cfg.Temperature,
		MaxTokens:    s.cfg.MaxTokens,
	})
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "failed to generate answer: %v", err)
	}

	answer = strings.TrimSpace(answer)
	if answer == "" {
		answer = "I don't have that information in your documents."
	}

	citations := make([]Citation, len(kept))
	for i, c := range kept {
		citations[i] = citationOf(c)
	}
	return &AskResponse{Answer: answer, Citations: citations}, nil
}

// candidates runs hybrid retrieval and converts the results for reranking.
func (s *RetrievalService) candidates(ctx context.Context, identity, query, documentID string) ([]reranker.Candidate, error) {
	if _, err := namespace(identity); err != nil {
		return nil, err
	}
	if err := s.checkDocument(ctx, identity, documentID); err != nil {
		return nil, err
	}

	results, err := s.retriever.Search(ctx, identity, query, documentID)
	if err != nil {
		if errors.Is(err, vectorstore.ErrNoIdentity) {
			return nil, status.Error(codes.Unauthenticated, "missing identity")
		}
		return nil, status.Errorf(codes.Internal, "failed to search: %v", err)
	}

	candidates := make([]reranker.Candidate, len(results))
	for i, r := range results {
		candidates[i] = reranker.Candidate{ID: r.ID, Text: r.Text, Meta: r.Meta, Score: r.Score}
	}
	return candidates, nil
}

// checkDocument verifies an optional document filter names one of the caller's documents.
func (s *RetrievalService) checkDocument(ctx context.Context, identity, documentID string) error {
	if documentID == "" {
		return nil
	}
	id, err := parseDocumentID(documentID)
	if err != nil {
		return err
	}
	if _, err := s.docs.GetByID(ctx, identity, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return status.Error(codes.NotFound, "document not found")
		}
		return status.Errorf(codes.Internal, "failed to get document: %v", err)
	}
	return nil
}

// buildPrompt lists the passages with their sources, then the question.
func buildPrompt(passages []reranker.Candidate, question string) string {
	var sb strings.Builder

	sb.WriteString("## Context Documents\n\n")
	for i, p := range passages {
		sb.WriteString(fmt.Sprintf("[Doc %d] (Source: %s, page %d)\n", i+1, p.Meta.Filename, p.Meta.Page))
		sb.WriteString(p.Text)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Question\n")
	sb.WriteString(question)
	sb.WriteString("\n\n")
	sb.WriteString("## Answer (be brief and direct)\n")

	return sb.String()
}

func citation(p vectorstore.Passage, score float64) Citation {
	return Citation{
		DocumentID: p.Meta.DocumentID,
		Filename:   p.Meta.Filename,
		Page:       p.Meta.Page,
		ChunkIndex: p.Meta.ChunkIndex,
		Snippet:    vectorstore.Snippet(p.Text, SnippetLength),
		Score:      score,
	}
}

func citationOf(c reranker.Candidate) Citation {
	return citation(vectorstore.Passage{ID: c.ID, Text: c.Text, Meta: c.Meta}, c.Score)
}

func hit(c reranker.Candidate) Hit {
	return Hit{Citation: citationOf(c), Text: c.Text}
}

func hits(cs []reranker.Candidate) []Hit {
	out := make([]Hit, len(cs))
	for i, c := range cs {
		out[i] = hit(c)
	}
	return out
}

func truncate(text string, n int) string {
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	return string([]rune(text)[:n]) + "..."
}
