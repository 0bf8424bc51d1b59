package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"invoiceingest/internal/config"
	"invoiceingest/internal/logging"
	"invoiceingest/internal/model"
)

var (
	ErrQueueFull   = errors.New("ingest queue is full")
	ErrQueueClosed = errors.New("ingest queue is closed")
)

// Processor is what the queue hands events to. *Coordinator implements it.
type Processor interface {
	Process(ctx context.Context, ev model.UploadEvent) (model.IngestionOutcome, error)
}

// Queue runs upload events on a fixed pool of workers, each event under its
// own task budget.
type Queue struct {
	proc Processor
	cfg  config.IngestConfig
	log  *slog.Logger

	mu     sync.RWMutex
	closed bool
	events chan model.UploadEvent
	wg     sync.WaitGroup
}

func NewQueue(proc Processor, cfg config.IngestConfig, log *slog.Logger) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	return &Queue{
		proc:   proc,
		cfg:    cfg,
		log:    logging.Component(log, "queue"),
		events: make(chan model.UploadEvent, cfg.QueueSize),
	}
}

// Start launches the workers. They exit once Close has drained the queue.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for ev := range q.events {
				q.run(ctx, ev)
			}
		}()
	}
	q.log.Info("ingest_queue_started", "workers", q.cfg.Workers, "size", q.cfg.QueueSize)
}

func (q *Queue) run(ctx context.Context, ev model.UploadEvent) {
	taskCtx, cancel := context.WithTimeout(ctx, q.cfg.TaskBudget)
	defer cancel()
	if _, err := q.proc.Process(taskCtx, ev); err != nil {
		q.log.Error("ingest_task_failed", "event", "queue", "source_reference", ev.SourceReference(), "error", err)
	}
}

// Enqueue never blocks; a full queue is reported to the caller.
func (q *Queue) Enqueue(ev model.UploadEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops intake and waits for queued events to finish or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
