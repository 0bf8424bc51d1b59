// Package batch accumulates validated invoice records and commits them through
// the repository's bulk path, falling back to row-by-row inserts when the bulk
// write fails so that one bad record cannot block its siblings.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"invoiceingest/internal/config"
	"invoiceingest/internal/logging"
	"invoiceingest/internal/metrics"
	"invoiceingest/internal/model"
	"invoiceingest/internal/repository"
)

// ErrStopped is returned by Write after Stop.
var ErrStopped = errors.New("batch writer stopped")

// Status is the per-record result of a flush.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// Result is what one enqueued record turned into.
type Result struct {
	RecordID string
	Status   Status
	Reason   string
}

// Rejected pairs a record with the reason it was not stored.
type Rejected struct {
	Record model.InvoiceRecord `json:"record"`
	Reason string              `json:"reason"`
}

// FlushReport lists precise per-record outcomes of one flush.
type FlushReport struct {
	Committed  []string   `json:"committed"`
	Duplicates []string   `json:"duplicates"`
	Rejected   []Rejected `json:"rejected"`
	FellBack   bool       `json:"fell_back"`
}

type pending struct {
	rec  model.InvoiceRecord
	done chan Result
}

// Writer is the only state shared between concurrent ingestion tasks. The
// buffer is mutex-protected and flushes are serialized, so every record is
// flushed exactly once.
type Writer struct {
	repo    repository.InvoiceRepository
	cfg     config.BatchConfig
	log     *slog.Logger
	metrics *metrics.Ingest

	mu      sync.Mutex
	buf     []*pending
	stopped bool

	flushMu sync.Mutex

	kick chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
	cron *cron.Cron
}

func NewWriter(repo repository.InvoiceRepository, cfg config.BatchConfig, log *slog.Logger, m *metrics.Ingest) *Writer {
	if cfg.MaxBatch < 1 {
		cfg.MaxBatch = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	return &Writer{
		repo:    repo,
		cfg:     cfg,
		log:     logging.Component(log, "batch"),
		metrics: m,
		kick:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// Start runs the size-triggered flush loop and the periodic flush schedule.
// Both run until Stop; ctx only supplies values, so a cancelled signal
// context does not strand records buffered during shutdown.
func (w *Writer) Start(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	if w.cfg.FlushInterval > 0 {
		w.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		spec := fmt.Sprintf("@every %s", w.cfg.FlushInterval)
		if _, err := w.cron.AddFunc(spec, func() { w.Flush(ctx) }); err != nil {
			return fmt.Errorf("cron.AddFunc: %w", err)
		}
		w.cron.Start()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.kick:
				w.Flush(ctx)
			case <-w.quit:
				return
			}
		}
	}()

	w.log.Info("batch_writer_started", "max_batch", w.cfg.MaxBatch, "flush_interval", w.cfg.FlushInterval.String())
	return nil
}

// Stop halts scheduling, refuses new records and drains the buffer.
func (w *Writer) Stop(ctx context.Context) FlushReport {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return FlushReport{}
	}
	w.stopped = true
	w.mu.Unlock()

	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
	close(w.quit)
	w.wg.Wait()

	report := w.Flush(ctx)
	w.log.Info("batch_writer_stopped", "drained", len(report.Committed)+len(report.Duplicates)+len(report.Rejected))
	return report
}

// Enqueue appends rec to the buffer. The returned channel receives exactly one Result.
func (w *Writer) Enqueue(rec model.InvoiceRecord) (<-chan Result, error) {
	p, err := w.enqueue(rec)
	if err != nil {
		return nil, err
	}
	return p.done, nil
}

func (w *Writer) enqueue(rec model.InvoiceRecord) (*pending, error) {
	p := &pending{rec: rec, done: make(chan Result, 1)}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil, ErrStopped
	}
	w.buf = append(w.buf, p)
	full := len(w.buf) >= w.cfg.MaxBatch
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
	return p, nil
}

// Write enqueues rec and waits for its flush. If ctx ends while the record is
// still buffered it is withdrawn and ctx's error returned; once a flush has
// taken it, Write waits for that flush, which is bounded by the write timeout.
func (w *Writer) Write(ctx context.Context, rec model.InvoiceRecord) (Result, error) {
	p, err := w.enqueue(rec)
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-p.done:
		return res, nil
	case <-ctx.Done():
	}

	if w.withdraw(p) {
		return Result{}, ctx.Err()
	}
	return <-p.done, nil
}

func (w *Writer) withdraw(p *pending) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, q := range w.buf {
		if q == p {
			w.buf = append(w.buf[:i], w.buf[i+1:]...)
			return true
		}
	}
	return false
}

// Pending reports how many records are buffered.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf)
}

// Flush commits everything buffered at the time of the call.
func (w *Writer) Flush(ctx context.Context) FlushReport {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	taken := w.buf
	w.buf = nil
	w.mu.Unlock()

	var report FlushReport
	if len(taken) == 0 {
		return report
	}
	start := time.Now()

	valid := make([]*pending, 0, len(taken))
	for _, p := range taken {
		if err := p.rec.Validate(); err != nil {
			w.reject(&report, p, err.Error())
			continue
		}
		valid = append(valid, p)
	}

	for lo := 0; lo < len(valid); lo += w.cfg.MaxBatch {
		hi := min(lo+w.cfg.MaxBatch, len(valid))
		w.writeChunk(ctx, valid[lo:hi], &report)
	}

	took := time.Since(start)
	w.metrics.ObserveFlush(len(report.Committed), len(report.Rejected), len(report.Duplicates), report.FellBack, took)
	w.log.Info("batch_flushed",
		"event", "flush",
		"committed", len(report.Committed),
		"duplicates", len(report.Duplicates),
		"rejected", len(report.Rejected),
		"fell_back", report.FellBack,
		"duration_ms", took.Milliseconds(),
	)
	return report
}

func (w *Writer) writeChunk(ctx context.Context, chunk []*pending, report *FlushReport) {
	recs := make([]model.InvoiceRecord, len(chunk))
	for i, p := range chunk {
		recs[i] = p.rec
	}

	bulkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
	err := w.repo.BulkInsert(bulkCtx, recs)
	cancel()
	if err == nil {
		for _, p := range chunk {
			w.commit(report, p)
		}
		return
	}

	report.FellBack = true
	w.log.Warn("bulk_insert_failed", "event", "flush", "rows", len(chunk), "error", err)

	for _, p := range chunk {
		rowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.WriteTimeout)
		err := w.repo.Insert(rowCtx, &p.rec)
		cancel()
		switch {
		case err == nil:
			w.commit(report, p)
		case errors.Is(err, repository.ErrDuplicate):
			report.Duplicates = append(report.Duplicates, p.rec.ID)
			p.done <- Result{RecordID: p.rec.ID, Status: StatusDuplicate}
		default:
			w.reject(report, p, err.Error())
		}
	}
}

func (w *Writer) commit(report *FlushReport, p *pending) {
	report.Committed = append(report.Committed, p.rec.ID)
	p.done <- Result{RecordID: p.rec.ID, Status: StatusCommitted}
}

func (w *Writer) reject(report *FlushReport, p *pending, reason string) {
	report.Rejected = append(report.Rejected, Rejected{Record: p.rec, Reason: reason})
	p.done <- Result{RecordID: p.rec.ID, Status: StatusRejected, Reason: reason}
}
