package ingestion

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/docrag/internal/repository"
)

type processFunc func(ctx context.Context, job Job, report func(string)) (*PipelineResult, error)

func (f processFunc) Process(ctx context.Context, job Job, report func(string)) (*PipelineResult, error) {
	return f(ctx, job, report)
}

func waitFor(t *testing.T, q *Queue, id uuid.UUID, status string) TaskState {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := q.Status(id); ok && s.Status == status {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	s, _ := q.Status(id)
	t.Fatalf("timed out waiting for %s, last state %+v", status, s)
	return TaskState{}
}

func TestQueue_RunsJobs(t *testing.T) {
	proc := processFunc(func(_ context.Context, _ Job, report func(string)) (*PipelineResult, error) {
		report(repository.StatusExtracting)
		report(repository.StatusIndexing)
		return &PipelineResult{}, nil
	})
	q := NewQueue(proc, QueueConfig{Workers: 2, Capacity: 4}, nil)
	q.Start(context.Background())

	job := Job{DocumentID: uuid.New(), TenantID: testTenant}
	if err := q.Submit(job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	s := waitFor(t, q, job.DocumentID, repository.StatusComplete)
	if s.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", s.Attempts)
	}
	if s.TenantID != testTenant {
		t.Errorf("expected tenant %q, got %q", testTenant, s.TenantID)
	}
	if s.StartedAt.IsZero() || s.FinishedAt.IsZero() || s.FinishedAt.Before(s.StartedAt) {
		t.Errorf("unexpected timestamps: started %v finished %v", s.StartedAt, s.FinishedAt)
	}

	if err := q.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestQueue_FailureAndResubmit(t *testing.T) {
	var mu sync.Mutex
	fail := true
	proc := processFunc(func(context.Context, Job, func(string)) (*PipelineResult, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return nil, errors.New("extraction failed: boom")
		}
		return &PipelineResult{}, nil
	})
	q := NewQueue(proc, QueueConfig{Workers: 1, Capacity: 1}, nil)
	q.Start(context.Background())
	defer q.Shutdown(context.Background())

	job := Job{DocumentID: uuid.New(), TenantID: testTenant}
	if err := q.Submit(job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	s := waitFor(t, q, job.DocumentID, repository.StatusFailed)
	if s.LastError != "extraction failed: boom" {
		t.Errorf("unexpected last error %q", s.LastError)
	}

	mu.Lock()
	fail = false
	mu.Unlock()

	if err := q.Submit(job); err != nil {
		t.Fatalf("resubmit failed: %v", err)
	}
	s = waitFor(t, q, job.DocumentID, repository.StatusComplete)
	if s.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", s.Attempts)
	}
	if s.LastError != "" {
		t.Errorf("expected last error cleared, got %q", s.LastError)
	}
}

func TestQueue_SubmitErrors(t *testing.T) {
	release := make(chan struct{})
	proc := processFunc(func(context.Context, Job, func(string)) (*PipelineResult, error) {
		<-release
		return &PipelineResult{}, nil
	})
	q := NewQueue(proc, QueueConfig{Workers: 1, Capacity: 1}, nil)
	q.Start(context.Background())

	running := Job{DocumentID: uuid.New(), TenantID: testTenant}
	if err := q.Submit(running); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	// Wait until the worker has taken the first job so the buffer slot is free.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if s, _ := q.Status(running.DocumentID); !s.StartedAt.IsZero() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := q.Submit(running); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("expected ErrAlreadyQueued, got %v", err)
	}

	waiting := Job{DocumentID: uuid.New(), TenantID: testTenant}
	if err := q.Submit(waiting); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := q.Submit(Job{DocumentID: uuid.New(), TenantID: testTenant}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(release)
	if err := q.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	// Queued work drains before Shutdown returns.
	if s, _ := q.Status(waiting.DocumentID); s.Status != repository.StatusComplete {
		t.Errorf("expected queued job to complete, got %s", s.Status)
	}
	if err := q.Submit(Job{DocumentID: uuid.New()}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed, got %v", err)
	}
}

func TestQueue_RecoversPanic(t *testing.T) {
	proc := processFunc(func(_ context.Context, job Job, _ func(string)) (*PipelineResult, error) {
		if job.Filename == "bad.pdf" {
			panic("corrupt file")
		}
		return &PipelineResult{}, nil
	})
	q := NewQueue(proc, QueueConfig{Workers: 1, Capacity: 4}, nil)
	q.Start(context.Background())
	defer q.Shutdown(context.Background())

	bad := Job{DocumentID: uuid.New(), TenantID: testTenant, Filename: "bad.pdf"}
	good := Job{DocumentID: uuid.New(), TenantID: testTenant, Filename: "good.pdf"}
	if err := q.Submit(bad); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := q.Submit(good); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	s := waitFor(t, q, bad.DocumentID, repository.StatusFailed)
	if s.LastError == "" {
		t.Error("expected panic recorded as last error")
	}
	waitFor(t, q, good.DocumentID, repository.StatusComplete)
}

func TestQueue_ShutdownTimeoutCancelsJobs(t *testing.T) {
	started := make(chan struct{})
	proc := processFunc(func(ctx context.Context, _ Job, _ func(string)) (*PipelineResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q := NewQueue(proc, QueueConfig{Workers: 1, Capacity: 1}, nil)
	q.Start(context.Background())

	job := Job{DocumentID: uuid.New(), TenantID: testTenant}
	if err := q.Submit(job); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if s, _ := q.Status(job.DocumentID); s.Status != repository.StatusFailed {
		t.Errorf("expected cancelled job to fail, got %s", s.Status)
	}
}

func TestQueue_Forget(t *testing.T) {
	q := NewQueue(processFunc(func(context.Context, Job, func(string)) (*PipelineResult, error) {
		return &PipelineResult{}, nil
	}), QueueConfig{}, nil)

	id := uuid.New()
	if err := q.Submit(Job{DocumentID: id}); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, ok := q.Status(id); !ok {
		t.Fatal("expected task state after submit")
	}
	q.Forget(id)
	if _, ok := q.Status(id); ok {
		t.Error("expected task state to be dropped")
	}
}
