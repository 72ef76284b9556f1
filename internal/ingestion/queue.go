package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knoguchi/docrag/internal/repository"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned by Submit when no slot is free.
	ErrQueueFull = errors.New("ingestion queue is full")
	// ErrQueueClosed is returned by Submit after Shutdown.
	ErrQueueClosed = errors.New("ingestion queue is closed")
	// ErrAlreadyQueued is returned when the document already has a pending or running task.
	ErrAlreadyQueued = errors.New("document is already being processed")
)

// Processor runs a single job.
type Processor interface {
	Process(ctx context.Context, job Job, report func(status string)) (*PipelineResult, error)
}

// TaskState is the in-memory view of a document's ingestion task.
type TaskState struct {
	DocumentID  uuid.UUID
	TenantID    string
	Status      string
	Attempts    int
	LastError   string
	SubmittedAt time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// QueueConfig configures the worker pool.
type QueueConfig struct {
	Workers  int // concurrent ingestions
	Capacity int // jobs waiting for a worker
}

// Queue runs ingestion jobs on a bounded worker pool and tracks their state.
type Queue struct {
	proc   Processor
	cfg    QueueConfig
	logger *slog.Logger

	jobs chan Job

	mu     sync.RWMutex
	tasks  map[uuid.UUID]*TaskState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewQueue creates a queue. Call Start before submitting.
func NewQueue(proc Processor, cfg QueueConfig, logger *slog.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		proc:   proc,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan Job, cfg.Capacity),
		tasks:  make(map[uuid.UUID]*TaskState),
	}
}

// Start launches the workers. Jobs run under a context derived from ctx with
// cancellation removed; use Shutdown to stop.
func (q *Queue) Start(ctx context.Context) {
	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	q.group = &errgroup.Group{}
	for i := 0; i < q.cfg.Workers; i++ {
		q.group.Go(func() error {
			for job := range q.jobs {
				q.run(job)
			}
			return nil
		})
	}
	q.logger.Info("ingestion queue started", "workers", q.cfg.Workers, "capacity", q.cfg.Capacity)
}

// Submit enqueues job without blocking.
func (q *Queue) Submit(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	task, ok := q.tasks[job.DocumentID]
	if ok && !repository.IsTerminal(task.Status) {
		return ErrAlreadyQueued
	}

	select {
	case q.jobs <- job:
	default:
		return ErrQueueFull
	}

	if !ok {
		task = &TaskState{DocumentID: job.DocumentID, TenantID: job.TenantID}
		q.tasks[job.DocumentID] = task
	}
	task.Status = repository.StatusAccepted
	task.Attempts++
	task.LastError = ""
	task.SubmittedAt = time.Now()
	task.StartedAt = time.Time{}
	task.FinishedAt = time.Time{}
	return nil
}

// Status returns a copy of the task state for a document.
func (q *Queue) Status(documentID uuid.UUID) (TaskState, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	task, ok := q.tasks[documentID]
	if !ok {
		return TaskState{}, false
	}
	return *task, true
}

// Forget drops the task state of a document.
func (q *Queue) Forget(documentID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.tasks, documentID)
}

// Shutdown stops accepting jobs and waits for queued and running jobs to
// finish. If ctx expires first, running jobs are cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	if q.group == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		_ = q.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return fmt.Errorf("ingestion queue shutdown: %w", ctx.Err())
	}
}

func (q *Queue) run(job Job) {
	q.update(job.DocumentID, func(t *TaskState) {
		t.StartedAt = time.Now()
	})

	err := q.process(job)

	q.update(job.DocumentID, func(t *TaskState) {
		t.FinishedAt = time.Now()
		if err != nil {
			t.Status = repository.StatusFailed
			t.LastError = err.Error()
		} else {
			t.Status = repository.StatusComplete
		}
	})
}

// process isolates a job so a panic fails only that document. Pipeline
// records its own panics; this covers other Processor implementations.
func (q *Queue) process(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("ingestion panic recovered",
				"document_id", job.DocumentID.String(),
				"tenant", job.TenantID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()

	_, err = q.proc.Process(q.ctx, job, func(status string) {
		q.update(job.DocumentID, func(t *TaskState) {
			t.Status = status
		})
	})
	return err
}

func (q *Queue) update(documentID uuid.UUID, fn func(*TaskState)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.tasks[documentID]; ok {
		fn(task)
	}
}
