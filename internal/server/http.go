package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/knoguchi/docrag/internal/auth"
	"github.com/knoguchi/docrag/internal/repository"
	"github.com/knoguchi/docrag/internal/reranker"
	"github.com/knoguchi/docrag/internal/service"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// APIPrefix is the path prefix of the document and retrieval API.
const APIPrefix = "/api/v1"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPServer serves the REST API, health and readiness endpoints
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
	MaxUploadBytes int64
	Documents      *service.DocumentService
	Retrieval      *service.RetrievalService
	Auth           *auth.JWTManager
	Ready          map[string]Pinger // checked by /readyz
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Documents == nil || cfg.Retrieval == nil || cfg.Auth == nil {
		return nil, errors.New("documents, retrieval and auth are required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = service.DefaultMaxUploadBytes
	}

	// Create chi router
	router := chi.NewRouter()

	// Add middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", readinessCheckHandler(cfg.Ready))

	// API routes are matched by the gateway mux behind token authentication
	gwMux := runtime.NewServeMux()
	h := &apiHandler{
		docs:      cfg.Documents,
		retrieval: cfg.Retrieval,
		maxUpload: cfg.MaxUploadBytes,
		logger:    logger,
	}
	if err := h.register(gwMux); err != nil {
		return nil, fmt.Errorf("failed to register API routes: %w", err)
	}
	router.Group(func(r chi.Router) {
		r.Use(cfg.Auth.HTTPMiddleware)
		r.Mount(APIPrefix, gwMux)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  5 * time.Minute, // large uploads
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return &HTTPServer{
		server: server,
		router: router,
		logger: logger,
	}, nil
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

type apiHandler struct {
	docs      *service.DocumentService
	retrieval *service.RetrievalService
	maxUpload int64
	logger    *slog.Logger
}

func (h *apiHandler) register(mux *runtime.ServeMux) error {
	routes := []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/documents", h.upload},
		{http.MethodGet, "/documents", h.list},
		{http.MethodGet, "/documents/{id}", h.get},
		{http.MethodGet, "/documents/{id}/status", h.status},
		{http.MethodGet, "/documents/{id}/file", h.download},
		{http.MethodPost, "/documents/{id}/retry", h.retry},
		{http.MethodDelete, "/documents/{id}", h.delete},
		{http.MethodPost, "/search", h.search},
		{http.MethodPost, "/rerank", h.rerank},
		{http.MethodPost, "/summarize", h.summarize},
		{http.MethodPost, "/extract", h.extract},
		{http.MethodPost, "/ask", h.ask},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, APIPrefix+rt.pattern, rt.handler); err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

// documentJSON is the wire form of a document.
type documentJSON struct {
	ID           string    `json:"id"`
	Filename     string    `json:"filename"`
	ContentHash  string    `json:"content_hash"`
	SizeBytes    int64     `json:"size_bytes"`
	PageCount    int       `json:"page_count"`
	ChunkCount   int       `json:"chunk_count"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func toDocumentJSON(d *repository.Document) documentJSON {
	return documentJSON{
		ID:           d.ID.String(),
		Filename:     d.Filename,
		ContentHash:  d.ContentHash,
		SizeBytes:    d.SizeBytes,
		PageCount:    d.PageCount,
		ChunkCount:   d.ChunkCount,
		Status:       d.Status,
		ErrorMessage: d.ErrorMessage,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

func (h *apiHandler) upload(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, status.Error(codes.Unauthenticated, "missing identity"))
		return
	}

	// Leave room for the multipart envelope; the service enforces the file limit.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+1<<20)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "expected multipart form: %v", err))
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			writeError(w, status.Error(codes.InvalidArgument, "missing file field"))
			return
		}
		if err != nil {
			writeError(w, status.Errorf(codes.InvalidArgument, "invalid multipart form: %v", err))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		doc, err := h.docs.Upload(r.Context(), identity, part.FileName(), part)
		part.Close()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, toDocumentJSON(doc))
		return
	}
}

func (h *apiHandler) list(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"))
	if err != nil {
		writeError(w, status.Error(codes.InvalidArgument, "invalid limit"))
		return
	}
	offset, err := queryInt(q.Get("offset"))
	if err != nil {
		writeError(w, status.Error(codes.InvalidArgument, "invalid offset"))
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	list, err := h.docs.List(r.Context(), identity, q.Get("status"), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	docs := make([]documentJSON, len(list.Documents))
	for i, d := range list.Documents {
		docs[i] = toDocumentJSON(d)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": docs,
		"total":     list.Total,
	})
}

func (h *apiHandler) get(w http.ResponseWriter, r *http.Request, params map[string]string) {
	identity, _ := auth.IdentityFromContext(r.Context())
	doc, err := h.docs.Get(r.Context(), identity, params["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentJSON(doc))
}

func (h *apiHandler) status(w http.ResponseWriter, r *http.Request, params map[string]string) {
	identity, _ := auth.IdentityFromContext(r.Context())
	st, err := h.docs.Status(r.Context(), identity, params["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{
		"document_id": st.DocumentID.String(),
		"status":      st.Status,
		"page_count":  st.PageCount,
		"chunk_count": st.ChunkCount,
		"attempts":    st.Attempts,
		"updated_at":  st.UpdatedAt,
	}
	if st.ErrorMessage != "" {
		body["error_message"] = st.ErrorMessage
	}
	if !st.StartedAt.IsZero() {
		body["started_at"] = st.StartedAt
	}
	if !st.FinishedAt.IsZero() {
		body["finished_at"] = st.FinishedAt
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *apiHandler) download(w http.ResponseWriter, r *http.Request, params map[string]string) {
	identity, _ := auth.IdentityFromContext(r.Context())
	doc, f, err := h.docs.OpenFile(r.Context(), identity, params["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Filename}))
	http.ServeContent(w, r, doc.Filename, doc.UpdatedAt, f)
}

func (h *apiHandler) retry(w http.ResponseWriter, r *http.Request, params map[string]string) {
	identity, _ := auth.IdentityFromContext(r.Context())
	doc, err := h.docs.Retry(r.Context(), identity, params["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toDocumentJSON(doc))
}

func (h *apiHandler) delete(w http.ResponseWriter, r *http.Request, params map[string]string) {
	identity, _ := auth.IdentityFromContext(r.Context())
	if err := h.docs.DeleteDocument(r.Context(), identity, params["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) search(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req service.SearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	resp, err := h.retrieval.Search(r.Context(), identity, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type rerankRequest struct {
	Query      string   `json:"query"`
	TopK       int      `json:"top_k"`
	Threshold  *float64 `json:"threshold"`
	Candidates []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	} `json:"candidates"`
}

func (h *apiHandler) rerank(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req rerankRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	threshold := -1.0
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	candidates := make([]reranker.Candidate, len(req.Candidates))
	for i, c := range req.Candidates {
		candidates[i] = reranker.Candidate{ID: c.ID, Text: c.Text}
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	kept, err := h.retrieval.Rerank(r.Context(), identity, req.Query, candidates, req.TopK, threshold)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]map[string]any, len(kept))
	for i, c := range kept {
		out[i] = map[string]any{"id": c.ID, "text": c.Text, "score": c.Score}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

type documentRequest struct {
	DocumentID string `json:"document_id"`
	Field      string `json:"field"`
	Question   string `json:"question"`
}

func (h *apiHandler) summarize(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req documentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	resp, err := h.retrieval.Summarize(r.Context(), identity, req.DocumentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) extract(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req documentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	resp, err := h.retrieval.Extract(r.Context(), identity, req.Field, req.DocumentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) ask(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req documentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, _ := auth.IdentityFromContext(r.Context())
	resp, err := h.retrieval.Ask(r.Context(), identity, req.Question, req.DocumentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, status.Errorf(codes.InvalidArgument, "invalid JSON body: %v", err))
		return false
	}
	return true
}

func queryInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps a gRPC status to its HTTP equivalent.
func writeError(w http.ResponseWriter, err error) {
	st, _ := status.FromError(err)
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]string{
		"error": st.Message(),
		"code":  st.Code().String(),
	})
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler pings every dependency and reports the failures.
func readinessCheckHandler(deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		failed := map[string]string{}
		for name, p := range deps {
			if err := p.Ping(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "errors": failed})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
