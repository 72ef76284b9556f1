package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/knoguchi/docrag/internal/auth"
	"github.com/knoguchi/docrag/internal/embedder"
	"github.com/knoguchi/docrag/internal/extractor"
	"github.com/knoguchi/docrag/internal/ingestion"
	"github.com/knoguchi/docrag/internal/repository"
	"github.com/knoguchi/docrag/internal/repository/memory"
	"github.com/knoguchi/docrag/internal/reranker"
	"github.com/knoguchi/docrag/internal/retriever"
	"github.com/knoguchi/docrag/internal/service"
	"github.com/knoguchi/docrag/internal/vectorstore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	jane  = "jane@example.com"
	john  = "john@example.com"
	notes = "Send billing questions to the contact email of the finance team."
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testEnv struct {
	jwt       *auth.JWTManager
	documents *service.DocumentService
	retrieval *service.RetrievalService
	handler   http.Handler
}

func newTestEnv(t *testing.T, ready map[string]Pinger) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store, err := vectorstore.OpenBoltStore(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	emb := embedder.NewHashEmbedder(0)
	index := vectorstore.NewTenantIndex(store, emb, nil)
	docs := memory.NewDocumentRepo()
	registry := extractor.NewRegistry()

	queue := ingestion.NewQueue(ingestion.NewPipeline(docs, registry, nil, emb, index, nil), ingestion.QueueConfig{}, nil)
	queue.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		queue.Shutdown(ctx)
	})

	env := &testEnv{
		jwt:       auth.NewJWTManager(auth.DefaultJWTConfig("test-secret")),
		documents: service.NewDocumentService(docs, index, queue, registry, service.DocumentConfig{UploadDir: filepath.Join(dir, "uploads")}, nil),
		retrieval: service.NewRetrievalService(docs,
			retriever.NewHybridRetriever(index, retriever.DefaultConfig(), nil),
			reranker.New(reranker.NewLexicalScorer()),
			index, nil,
			service.RetrievalConfig{TopK: reranker.DefaultTopK, Threshold: reranker.DefaultThreshold},
			nil),
	}

	srv, err := NewHTTPServer(HTTPServerConfig{
		Documents: env.documents,
		Retrieval: env.retrieval,
		Auth:      env.jwt,
		Ready:     ready,
	})
	if err != nil {
		t.Fatalf("NewHTTPServer failed: %v", err)
	}
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) token(t *testing.T, identity string) string {
	t.Helper()
	token, err := e.jwt.GenerateToken(identity)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, identity, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if identity != "" {
		req.Header.Set("Authorization", "Bearer "+e.token(t, identity))
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) upload(t *testing.T, identity, filename, content string) string {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	io.WriteString(fw, content)
	mw.Close()

	rec := e.do(t, identity, http.MethodPost, APIPrefix+"/documents", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var doc struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeBody(t, rec, &doc)
	if doc.Status != repository.StatusAccepted {
		t.Errorf("expected %s on upload, got %s", repository.StatusAccepted, doc.Status)
	}
	return doc.ID
}

// waitComplete polls the status endpoint until ingestion finishes.
func (e *testEnv) waitComplete(t *testing.T, identity, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := e.do(t, identity, http.MethodGet, APIPrefix+"/documents/"+id+"/status", nil, "")
		var st struct {
			Status       string `json:"status"`
			ErrorMessage string `json:"error_message"`
		}
		decodeBody(t, rec, &st)
		switch st.Status {
		case repository.StatusComplete:
			return
		case repository.StatusFailed:
			t.Fatalf("ingestion failed: %s", st.ErrorMessage)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("document %s did not complete in time", id)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", rec.Body.String(), err)
	}
}

func TestHTTP_Health(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "", http.MethodGet, "/healthz", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHTTP_Readiness(t *testing.T) {
	tests := []struct {
		name  string
		ready map[string]Pinger
		code  int
	}{
		{name: "no dependencies", ready: nil, code: http.StatusOK},
		{name: "all reachable", ready: map[string]Pinger{"index": pingFunc(func(context.Context) error { return nil })}, code: http.StatusOK},
		{name: "index down", ready: map[string]Pinger{"index": pingFunc(func(context.Context) error { return errors.New("connection refused") })}, code: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.ready)
			rec := env.do(t, "", http.MethodGet, "/readyz", nil, "")
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHTTP_RequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, "", http.MethodGet, APIPrefix+"/documents", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("expected WWW-Authenticate header")
	}
}

func TestHTTP_DocumentLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.upload(t, jane, "notes.txt", notes)
	env.waitComplete(t, jane, id)

	rec := env.do(t, jane, http.MethodGet, APIPrefix+"/documents", nil, "")
	var list struct {
		Documents []struct {
			ID         string `json:"id"`
			ChunkCount int    `json:"chunk_count"`
		} `json:"documents"`
		Total int `json:"total"`
	}
	decodeBody(t, rec, &list)
	if list.Total != 1 || len(list.Documents) != 1 || list.Documents[0].ID != id {
		t.Fatalf("unexpected list %+v", list)
	}
	if list.Documents[0].ChunkCount != 1 {
		t.Errorf("expected 1 chunk, got %d", list.Documents[0].ChunkCount)
	}

	rec = env.do(t, jane, http.MethodGet, APIPrefix+"/documents/"+id+"/file", nil, "")
	if rec.Code != http.StatusOK || rec.Body.String() != notes {
		t.Errorf("unexpected download %d %q", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "notes.txt") {
		t.Errorf("unexpected Content-Disposition %q", rec.Header().Get("Content-Disposition"))
	}

	rec = env.do(t, jane, http.MethodPost, APIPrefix+"/search", strings.NewReader(`{"query":"contact email"}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("search: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var search service.SearchResponse
	decodeBody(t, rec, &search)
	if len(search.Results) == 0 || search.Results[0].DocumentID != id {
		t.Fatalf("expected a hit in %s, got %+v", id, search.Results)
	}

	rec = env.do(t, john, http.MethodGet, APIPrefix+"/documents/"+id, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("other tenant: expected 404, got %d", rec.Code)
	}

	rec = env.do(t, jane, http.MethodDelete, APIPrefix+"/documents/"+id, nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = env.do(t, jane, http.MethodGet, APIPrefix+"/documents/"+id, nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("after delete: expected 404, got %d", rec.Code)
	}
}

func TestHTTP_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name        string
		method      string
		path        string
		body        string
		contentType string
		code        int
	}{
		{name: "upload without multipart", method: http.MethodPost, path: "/documents", body: "hello", contentType: "text/plain", code: http.StatusBadRequest},
		{name: "bad document id", method: http.MethodGet, path: "/documents/42", code: http.StatusBadRequest},
		{name: "unknown document", method: http.MethodGet, path: "/documents/6f1c1f5e-8a57-4d8e-9a77-0c4cf7b8d0a1", code: http.StatusNotFound},
		{name: "bad status filter", method: http.MethodGet, path: "/documents?status=DONE", code: http.StatusBadRequest},
		{name: "bad limit", method: http.MethodGet, path: "/documents?limit=ten", code: http.StatusBadRequest},
		{name: "invalid json", method: http.MethodPost, path: "/search", body: "{", contentType: "application/json", code: http.StatusBadRequest},
		{name: "empty query", method: http.MethodPost, path: "/search", body: `{"query":""}`, contentType: "application/json", code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			rec := env.do(t, jane, tt.method, APIPrefix+tt.path, body, tt.contentType)
			if rec.Code != tt.code {
				t.Errorf("expected %d, got %d: %s", tt.code, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHTTP_Ask(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, jane, http.MethodPost, APIPrefix+"/ask", strings.NewReader(`{"question":"contact email"}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on empty collection, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp service.AskResponse
	decodeBody(t, rec, &resp)
	if resp.Answer != service.NoRelevantInformation {
		t.Errorf("expected %q, got %q", service.NoRelevantInformation, resp.Answer)
	}

	id := env.upload(t, jane, "notes.txt", notes)
	env.waitComplete(t, jane, id)
	rec = env.do(t, jane, http.MethodPost, APIPrefix+"/ask", strings.NewReader(`{"question":"contact email"}`), "application/json")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("expected 501 without a model, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHTTP_Rerank(t *testing.T) {
	env := newTestEnv(t, nil)
	body := `{"query":"contact email","candidates":[{"id":"a","text":"gardening tips"},{"id":"b","text":"the contact email is below"}]}`

	rec := env.do(t, jane, http.MethodPost, APIPrefix+"/rerank", strings.NewReader(body), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	decodeBody(t, rec, &resp)
	if len(resp.Results) != 1 || resp.Results[0].ID != "b" {
		t.Errorf("expected only b, got %+v", resp.Results)
	}
}

func startGRPC(t *testing.T, env *testEnv) *grpc.ClientConn {
	t.Helper()
	srv, err := NewGRPCServer(GRPCServerConfig{
		Auth:      env.jwt,
		Retrieval: NewRetrievalHandler(env.retrieval),
	})
	if err != nil {
		t.Fatalf("NewGRPCServer failed: %v", err)
	}

	lis := bufconn.Listen(1 << 20)
	go srv.GetServer().Serve(lis)
	t.Cleanup(srv.GetServer().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPC_Search(t *testing.T) {
	env := newTestEnv(t, nil)
	id := env.upload(t, jane, "notes.txt", notes)
	env.waitComplete(t, jane, id)

	conn := startGRPC(t, env)
	client := NewRetrievalClient(conn)
	req, err := structpb.NewStruct(map[string]any{"query": "contact email"})
	if err != nil {
		t.Fatalf("NewStruct failed: %v", err)
	}

	_, err = client.Search(context.Background(), req)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated without token, got %v", err)
	}

	ctx := metadata.AppendToOutgoingContext(context.Background(), auth.AuthorizationHeader, "Bearer "+env.token(t, jane))
	resp, err := client.Search(ctx, req)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	results := resp.GetFields()["results"].GetListValue().GetValues()
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	first := results[0].GetStructValue().GetFields()
	if got := first["document_id"].GetStringValue(); got != id {
		t.Errorf("expected document %s, got %s", id, got)
	}
	if got := first["page"].GetNumberValue(); got != 1 {
		t.Errorf("expected page 1, got %v", got)
	}

	ctx = metadata.AppendToOutgoingContext(context.Background(), auth.AuthorizationHeader, "Bearer "+env.token(t, john))
	resp, err = client.Search(ctx, req)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if n := len(resp.GetFields()["results"].GetListValue().GetValues()); n != 0 {
		t.Errorf("expected no results for another tenant, got %d", n)
	}
}

func TestGRPC_HealthSkipsAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := startGRPC(t, env)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{
		Service: RetrievalServiceName,
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("expected SERVING, got %v", resp.GetStatus())
	}
}
