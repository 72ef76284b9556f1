package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/knoguchi/docrag/internal/embedder"
	"github.com/knoguchi/docrag/internal/extractor"
	"github.com/knoguchi/docrag/internal/ingestion"
	"github.com/knoguchi/docrag/internal/llm"
	"github.com/knoguchi/docrag/internal/repository"
	"github.com/knoguchi/docrag/internal/repository/memory"
	"github.com/knoguchi/docrag/internal/reranker"
	"github.com/knoguchi/docrag/internal/retriever"
	"github.com/knoguchi/docrag/internal/vectorstore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	jane = "jane@example.com"
	john = "john@example.com"
)

// handbook is a two-page "PDF": the fake pdftotext returns the file bytes as is.
const handbook = "The employee handbook describes the leave policy. Annual leave accrues monthly and unused days carry over.\f" +
	"For questions use the contact email below.\nContact: jane@example.com"

// fileRunner stands in for pdftotext by echoing the file named in its arguments.
type fileRunner struct {
	mu  sync.Mutex
	err error
}

func (r *fileRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return os.ReadFile(args[len(args)-2])
}

// syncQueue runs each job inline so tests observe the final state on return.
type syncQueue struct {
	proc  ingestion.Processor
	err   error
	mu    sync.Mutex
	tasks map[uuid.UUID]ingestion.TaskState
}

func (q *syncQueue) Submit(job ingestion.Job) error {
	if q.err != nil {
		return q.err
	}
	_, err := q.proc.Process(context.Background(), job, nil)

	q.mu.Lock()
	defer q.mu.Unlock()
	task := q.tasks[job.DocumentID]
	task.DocumentID = job.DocumentID
	task.Attempts++
	task.Status = repository.StatusComplete
	task.LastError = ""
	if err != nil {
		task.Status = repository.StatusFailed
		task.LastError = err.Error()
	}
	q.tasks[job.DocumentID] = task
	return nil
}

func (q *syncQueue) Status(id uuid.UUID) (ingestion.TaskState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	return task, ok
}

func (q *syncQueue) Forget(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, id)
}

// failingDeleteIndex rejects deletes.
type failingDeleteIndex struct {
	*vectorstore.TenantIndex
}

func (failingDeleteIndex) Delete(context.Context, vectorstore.Handle, vectorstore.Filter) error {
	return errors.New("index unavailable")
}

type recordingLLM struct {
	prompts []string
	answer  string
}

func (l *recordingLLM) Generate(_ context.Context, prompt string, _ llm.GenerateOptions) (string, error) {
	l.prompts = append(l.prompts, prompt)
	return l.answer, nil
}

type fixture struct {
	docs      *memory.DocumentRepo
	index     *vectorstore.TenantIndex
	runner    *fileRunner
	queue     *syncQueue
	llm       *recordingLLM
	uploadDir string
	documents *DocumentService
	retrieval *RetrievalService
}

func newFixture(t *testing.T) *fixture {
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
	runner := &fileRunner{}
	registry := extractor.NewRegistry(extractor.WithExtractor(".pdf", extractor.NewPDFExtractor(runner)))

	pipeline := ingestion.NewPipeline(docs, registry, nil, emb, index, nil)
	queue := &syncQueue{proc: pipeline, tasks: make(map[uuid.UUID]ingestion.TaskState)}
	uploadDir := filepath.Join(dir, "uploads")
	model := &recordingLLM{answer: "Contact jane@example.com [handbook.pdf, page 2]."}

	return &fixture{
		docs:      docs,
		index:     index,
		runner:    runner,
		queue:     queue,
		llm:       model,
		uploadDir: uploadDir,
		documents: NewDocumentService(docs, index, queue, registry, DocumentConfig{UploadDir: uploadDir}, nil),
		retrieval: NewRetrievalService(docs,
			retriever.NewHybridRetriever(index, retriever.DefaultConfig(), nil),
			reranker.New(reranker.NewLexicalScorer()),
			index, model,
			RetrievalConfig{TopK: reranker.DefaultTopK, Threshold: reranker.DefaultThreshold},
			nil),
	}
}

func (f *fixture) upload(t *testing.T, identity, filename, content string) *repository.Document {
	t.Helper()
	doc, err := f.documents.Upload(context.Background(), identity, filename, strings.NewReader(content))
	if err != nil {
		t.Fatalf("Upload(%s) failed: %v", filename, err)
	}
	return doc
}

func (f *fixture) passages(t *testing.T, identity, documentID string) int {
	t.Helper()
	ctx := context.Background()
	h, err := f.index.GetOrCreate(ctx, identity)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	n, err := f.index.Count(ctx, h, vectorstore.Filter{DocumentID: documentID})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	return n
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := status.Code(err); got != code {
		t.Fatalf("expected code %v, got %v (%v)", code, got, err)
	}
}

func TestUpload_IngestsDocument(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t, jane, "handbook.pdf", handbook)

	if !strings.HasPrefix(filepath.Base(doc.StoragePath), doc.ID.String()[:8]+"_") {
		t.Errorf("unexpected storage name %q", doc.StoragePath)
	}
	ns, _ := vectorstore.Namespace(jane)
	if filepath.Dir(doc.StoragePath) != filepath.Join(f.uploadDir, ns) {
		t.Errorf("expected file under tenant directory, got %q", doc.StoragePath)
	}
	data, err := os.ReadFile(doc.StoragePath)
	if err != nil || string(data) != handbook {
		t.Fatalf("stored file does not match upload: %v", err)
	}

	st, err := f.documents.Status(context.Background(), jane, doc.ID.String())
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Status != repository.StatusComplete {
		t.Fatalf("expected %s, got %s (%s)", repository.StatusComplete, st.Status, st.ErrorMessage)
	}
	if st.PageCount != 2 || st.ChunkCount != 2 || st.Attempts != 1 {
		t.Errorf("unexpected status %+v", st)
	}
	if got := f.passages(t, jane, doc.ID.String()); got != 2 {
		t.Errorf("expected 2 passages, got %d", got)
	}
}

func TestUpload_Validation(t *testing.T) {
	f := newFixture(t)
	f.documents.cfg.MaxUploadBytes = 64

	tests := []struct {
		name     string
		identity string
		filename string
		content  string
		code     codes.Code
	}{
		{name: "no identity", identity: "", filename: "a.txt", content: "hello", code: codes.Unauthenticated},
		{name: "blank identity", identity: "  ", filename: "a.txt", content: "hello", code: codes.Unauthenticated},
		{name: "unsupported type", identity: jane, filename: "setup.exe", content: "MZ", code: codes.InvalidArgument},
		{name: "no filename", identity: jane, filename: "", content: "hello", code: codes.InvalidArgument},
		{name: "empty file", identity: jane, filename: "a.txt", content: "", code: codes.InvalidArgument},
		{name: "too large", identity: jane, filename: "a.txt", content: strings.Repeat("x", 65), code: codes.InvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.documents.Upload(context.Background(), tt.identity, tt.filename, strings.NewReader(tt.content))
			wantCode(t, err, tt.code)
		})
	}

	list, err := f.documents.List(context.Background(), jane, "", 0, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if list.Total != 0 {
		t.Errorf("expected no documents after rejected uploads, got %d", list.Total)
	}
}

func TestUpload_DuplicatePerTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, jane, "notes.txt", "Meeting notes for the quarterly review.")

	_, err := f.documents.Upload(ctx, jane, "copy-of-notes.txt", strings.NewReader("Meeting notes for the quarterly review."))
	wantCode(t, err, codes.AlreadyExists)

	if _, err := f.documents.Upload(ctx, john, "notes.txt", strings.NewReader("Meeting notes for the quarterly review.")); err != nil {
		t.Errorf("expected other tenant to upload the same content, got %v", err)
	}

	list, _ := f.documents.List(ctx, jane, "", 0, 0)
	if list.Total != 1 {
		t.Errorf("expected 1 document for jane, got %d", list.Total)
	}

	// The rejected upload leaves no file behind.
	ns, _ := vectorstore.Namespace(jane)
	entries, err := os.ReadDir(filepath.Join(f.uploadDir, ns))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected 1 stored file, got %d", len(entries))
	}
}

func TestUpload_QueueRejectionMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.queue.err = ingestion.ErrQueueFull

	doc := f.upload(t, jane, "notes.txt", "Some notes.")
	if doc.Status != repository.StatusFailed {
		t.Errorf("expected %s, got %s", repository.StatusFailed, doc.Status)
	}

	stored, err := f.documents.Get(context.Background(), jane, doc.ID.String())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != repository.StatusFailed || !strings.Contains(stored.ErrorMessage, "full") {
		t.Errorf("unexpected stored state %s %q", stored.Status, stored.ErrorMessage)
	}
}

func TestDocuments_TenantScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t, jane, "handbook.pdf", handbook)

	_, err := f.documents.Get(ctx, john, doc.ID.String())
	wantCode(t, err, codes.NotFound)

	_, _, err = f.documents.OpenFile(ctx, john, doc.ID.String())
	wantCode(t, err, codes.NotFound)

	_, err = f.documents.Get(ctx, jane, "not-a-uuid")
	wantCode(t, err, codes.InvalidArgument)

	_, err = f.documents.Get(ctx, "", doc.ID.String())
	wantCode(t, err, codes.Unauthenticated)

	// Another tenant's delete is a silent no-op and keeps the document.
	if err := f.documents.DeleteDocument(ctx, john, doc.ID.String()); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	if _, err := f.documents.Get(ctx, jane, doc.ID.String()); err != nil {
		t.Errorf("expected document to survive, got %v", err)
	}
	if got := f.passages(t, jane, doc.ID.String()); got == 0 {
		t.Error("expected passages to survive")
	}
}

func TestDocuments_OpenFile(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t, jane, "notes.md", "# Notes\n\nShip the release on Friday.")

	got, file, err := f.documents.OpenFile(context.Background(), jane, doc.ID.String())
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	defer file.Close()
	if got.Filename != "notes.md" {
		t.Errorf("expected notes.md, got %q", got.Filename)
	}
}

func TestDocuments_ListFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, jane, "notes.txt", "Some notes about the project timeline.")
	f.runner.err = errors.New("pdftotext: exit status 1")
	f.upload(t, jane, "scan.pdf", "%PDF scanned")

	tests := []struct {
		status string
		want   int
	}{
		{status: "", want: 2},
		{status: "complete", want: 1},
		{status: repository.StatusFailed, want: 1},
		{status: repository.StatusIndexing, want: 0},
	}
	for _, tt := range tests {
		t.Run("status="+tt.status, func(t *testing.T) {
			list, err := f.documents.List(ctx, jane, tt.status, 10, 0)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if list.Total != tt.want || len(list.Documents) != tt.want {
				t.Errorf("expected %d documents, got %d/%d", tt.want, list.Total, len(list.Documents))
			}
		})
	}

	_, err := f.documents.List(ctx, jane, "DONE", 10, 0)
	wantCode(t, err, codes.InvalidArgument)
}

func TestRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.runner.err = errors.New("pdftotext: exit status 1")
	doc := f.upload(t, jane, "handbook.pdf", handbook)

	st, _ := f.documents.Status(ctx, jane, doc.ID.String())
	if st.Status != repository.StatusFailed || !strings.HasPrefix(st.ErrorMessage, "extraction failed") {
		t.Fatalf("expected extraction failure, got %s %q", st.Status, st.ErrorMessage)
	}

	f.runner.err = nil
	if _, err := f.documents.Retry(ctx, jane, doc.ID.String()); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	st, _ = f.documents.Status(ctx, jane, doc.ID.String())
	if st.Status != repository.StatusComplete || st.Attempts != 2 {
		t.Errorf("expected COMPLETE after 2 attempts, got %s after %d", st.Status, st.Attempts)
	}
	if got := f.passages(t, jane, doc.ID.String()); got != 2 {
		t.Errorf("expected 2 passages, got %d", got)
	}

	_, err := f.documents.Retry(ctx, jane, doc.ID.String())
	wantCode(t, err, codes.FailedPrecondition)
}

func TestDeleteDocument_KeepsOtherDocuments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	keep := f.upload(t, jane, "handbook.pdf", handbook)
	gone := f.upload(t, jane, "notes.txt", "Send billing questions to the contact email of the finance team.")

	if err := f.documents.DeleteDocument(ctx, jane, gone.ID.String()); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}

	if got := f.passages(t, jane, gone.ID.String()); got != 0 {
		t.Errorf("expected deleted document's passages removed, got %d", got)
	}
	if got := f.passages(t, jane, keep.ID.String()); got != 2 {
		t.Errorf("expected other document's passages kept, got %d", got)
	}
	if _, err := os.Stat(gone.StoragePath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected stored file removed, got %v", err)
	}
	_, err := f.documents.Get(ctx, jane, gone.ID.String())
	wantCode(t, err, codes.NotFound)
	if _, ok := f.queue.Status(gone.ID); ok {
		t.Error("expected task state dropped")
	}

	// Second delete is a no-op.
	if err := f.documents.DeleteDocument(ctx, jane, gone.ID.String()); err != nil {
		t.Errorf("expected second delete to succeed, got %v", err)
	}

	resp, err := f.retrieval.Search(ctx, jane, SearchRequest{Query: "contact email"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range resp.Results {
		if r.DocumentID == gone.ID.String() {
			t.Errorf("deleted document returned by search: %+v", r.Citation)
		}
	}
}

func TestDeleteDocument_IndexFailureKeepsRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t, jane, "handbook.pdf", handbook)

	f.documents.index = failingDeleteIndex{f.index}
	err := f.documents.DeleteDocument(ctx, jane, doc.ID.String())
	wantCode(t, err, codes.Internal)

	if _, err := f.documents.Get(ctx, jane, doc.ID.String()); err != nil {
		t.Errorf("expected row kept after index failure, got %v", err)
	}
	if _, err := os.Stat(doc.StoragePath); err != nil {
		t.Errorf("expected file kept after index failure, got %v", err)
	}
}

func TestDeleteDocument_MissingFileTolerated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t, jane, "handbook.pdf", handbook)

	if err := os.Remove(doc.StoragePath); err != nil {
		t.Fatalf("failed to remove file: %v", err)
	}
	if err := f.documents.DeleteDocument(ctx, jane, doc.ID.String()); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}
	_, err := f.documents.Get(ctx, jane, doc.ID.String())
	wantCode(t, err, codes.NotFound)
}
