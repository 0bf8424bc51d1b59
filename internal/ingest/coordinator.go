// Package ingest drives one upload event from arrival to a terminal outcome:
// dedup, submission, polling, mapping and the batched write, with every
// outcome appended to the audit trail.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"invoiceingest/internal/batch"
	"invoiceingest/internal/config"
	"invoiceingest/internal/extraction"
	"invoiceingest/internal/logging"
	"invoiceingest/internal/mapper"
	"invoiceingest/internal/metrics"
	"invoiceingest/internal/model"
	"invoiceingest/internal/poller"
	"invoiceingest/internal/repository"
	"invoiceingest/internal/storage"
)

// State is a step of the per-event state machine.
type State string

const (
	StateReceived   State = "Received"
	StateSubmitting State = "Submitting"
	StatePolling    State = "Polling"
	StateMapping    State = "Mapping"
	StateWriting    State = "Writing"
	StateCommitted  State = "Committed"
)

// Rejection reasons produced by the coordinator itself. Mapping rejections
// carry the mapper's own reason codes.
const (
	ReasonObjectNotFound   = "object_not_found"
	ReasonObjectTooLarge   = "object_too_large"
	ReasonStoreUnavailable = "store_unavailable"
	ReasonSubmissionFailed = "submission_failed"
	ReasonExtractionFailed = "extraction_failed"
	ReasonWriteRejected    = "write_rejected"
	ReasonWriterStopped    = "writer_stopped"
	ReasonInvalidEvent     = "invalid_event"
	ReasonInternal         = "internal_error"
)

// retryableRejections may turn out differently on redelivery. Any other prior
// rejection of the same event is final.
var retryableRejections = map[string]bool{
	ReasonStoreUnavailable: true,
	ReasonSubmissionFailed: true,
	ReasonWriterStopped:    true,
	ReasonInternal:         true,
}

const (
	transactionTypeMetaKey   = "transaction-type"
	transactionTypeMetaAlias = "transaction_type"
)

// JobWaiter drives a submitted job to a terminal state. *poller.Poller implements it.
type JobWaiter interface {
	Wait(ctx context.Context, job *model.ExtractionJob) error
}

// PayloadMapper turns a payload into a record. *mapper.Mapper implements it.
type PayloadMapper interface {
	Map(p *model.ExtractionPayload) (*mapper.Result, error)
}

// RecordWriter commits one record. *batch.Writer implements it.
type RecordWriter interface {
	Write(ctx context.Context, rec model.InvoiceRecord) (batch.Result, error)
}

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Store   storage.Storage
	Client  extraction.Client
	Poller  JobWaiter
	Mapper  PayloadMapper
	Writer  RecordWriter
	Repo    repository.InvoiceRepository
	Audit   repository.AuditRepository
	Claimer Claimer
	Metrics *metrics.Ingest
	Log     *slog.Logger
}

// Coordinator owns the state machine of every upload event it processes.
type Coordinator struct {
	d          Deps
	cfg        config.IngestConfig
	presignTTL time.Duration
	now        func() time.Time
	submitBO   func() backoff.BackOff
	retryBO    func() backoff.BackOff
	tracer     trace.Tracer
	log        *slog.Logger

	inflight sync.Map
}

type Option func(*Coordinator)

// WithPresignTTL sets how long the URL handed to the extraction service stays valid.
func WithPresignTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.presignTTL = d }
}

// WithNow replaces the wall clock used for timestamps.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithBackOff replaces the schedules used for submission and infrastructure retries.
func WithBackOff(submit, infra func() backoff.BackOff) Option {
	return func(c *Coordinator) {
		c.submitBO = submit
		c.retryBO = infra
	}
}

func NewCoordinator(d Deps, cfg config.IngestConfig, opts ...Option) *Coordinator {
	if d.Claimer == nil {
		d.Claimer = NewMemoryClaimer(cfg.ClaimTTL)
	}
	if cfg.SubmitAttempts < 1 {
		cfg.SubmitAttempts = 1
	}
	c := &Coordinator{
		d:          d,
		cfg:        cfg,
		presignTTL: 15 * time.Minute,
		now:        time.Now,
		submitBO: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		retryBO: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		tracer: otel.Tracer("invoiceingest/ingest"),
		log:    logging.Component(d.Log, "coordinator"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// run is the mutable record of one Process call.
type run struct {
	ev            model.UploadEvent
	state         State
	started       time.Time
	jobHandle     string
	failureDetail string
	span          trace.Span
}

// Process takes ev to a terminal outcome. The returned error is non-nil only
// when the outcome could not be appended to the audit trail; the outcome is
// still valid in that case.
func (c *Coordinator) Process(ctx context.Context, ev model.UploadEvent) (model.IngestionOutcome, error) {
	if _, ok := ctx.Deadline(); !ok && c.cfg.TaskBudget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.TaskBudget)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "ingest.process", trace.WithAttributes(
		attribute.String("source_reference", ev.SourceReference()),
		attribute.String("idempotency_key", ev.IdempotencyKey),
	))
	defer span.End()

	r := &run{ev: ev, state: StateReceived, started: c.now(), span: span}
	outcome := c.process(ctx, r)

	span.SetAttributes(attribute.String("outcome", string(outcome.Kind)))
	if outcome.Kind == model.OutcomeRejected || outcome.Kind == model.OutcomeTimedOut {
		span.SetStatus(codes.Error, string(outcome.Kind))
	}
	return outcome, c.finish(ctx, r, outcome)
}

func (c *Coordinator) process(ctx context.Context, r *run) model.IngestionOutcome {
	ev := r.ev
	if ev.Key == "" || ev.IdempotencyKey == "" {
		return model.Rejected(ReasonInvalidEvent)
	}

	dedupKey := ev.SourceReference() + "|" + ev.IdempotencyKey
	if _, busy := c.inflight.LoadOrStore(dedupKey, struct{}{}); busy {
		return model.DuplicateSkipped()
	}
	defer c.inflight.Delete(dedupKey)

	claimed, err := c.d.Claimer.Claim(ctx, dedupKey)
	switch {
	case err != nil:
		c.log.Warn("claim_failed", "event", "dedup", "source_reference", ev.SourceReference(), "error", err)
	case !claimed:
		return model.DuplicateSkipped()
	default:
		defer func() {
			if err := c.d.Claimer.Release(context.WithoutCancel(ctx), dedupKey); err != nil {
				c.log.Warn("claim_release_failed", "event", "dedup", "source_reference", ev.SourceReference(), "error", err)
			}
		}()
	}

	exists, err := retryOp(ctx, c, "exists_check", func() (bool, error) {
		return c.d.Repo.ExistsByIdempotencyKey(ctx, ev.SourceReference(), ev.IdempotencyKey)
	})
	if err != nil {
		return c.infraOutcome(ctx, err)
	}
	if exists {
		return model.DuplicateSkipped()
	}
	if c.finallyRejected(ctx, ev) {
		return model.DuplicateSkipped()
	}

	info, err := retryOp(ctx, c, "stat_object", func() (storage.ObjectInfo, error) {
		info, err := c.d.Store.Stat(ctx, ev.Key)
		if errors.Is(err, storage.ErrObjectNotFound) {
			return info, backoff.Permanent(err)
		}
		return info, err
	})
	if errors.Is(err, storage.ErrObjectNotFound) {
		return model.Rejected(ReasonObjectNotFound)
	}
	if err != nil {
		return c.infraOutcome(ctx, err)
	}
	if c.cfg.MaxObjectSize > 0 && info.Size > c.cfg.MaxObjectSize {
		return model.Rejected(ReasonObjectTooLarge)
	}
	txType := c.transactionType(info)

	c.enter(r, StateSubmitting)
	url, err := retryOp(ctx, c, "presign", func() (string, error) {
		return c.d.Store.PresignGet(ctx, ev.Key, c.presignTTL)
	})
	if err != nil {
		return c.infraOutcome(ctx, err)
	}
	handle, err := c.submit(ctx, extraction.DocumentRef{Bucket: c.d.Store.Bucket(), Key: ev.Key, URL: url})
	if err != nil {
		if ctx.Err() != nil {
			return model.TimedOut()
		}
		r.failureDetail = err.Error()
		return model.Rejected(ReasonSubmissionFailed)
	}
	r.jobHandle = handle
	r.span.SetAttributes(attribute.String("job_handle", handle))

	c.enter(r, StatePolling)
	job := model.NewExtractionJob(handle, c.now())
	if err := c.d.Poller.Wait(ctx, job); err != nil {
		var failure *extraction.ExtractionFailure
		switch {
		case errors.Is(err, poller.ErrPollTimeout):
			return model.TimedOut()
		case errors.As(err, &failure):
			r.failureDetail = failure.Detail
			return model.Rejected(ReasonExtractionFailed)
		default:
			r.failureDetail = err.Error()
			return model.Rejected(ReasonInternal)
		}
	}

	c.enter(r, StateMapping)
	mapped, err := c.d.Mapper.Map(job.Payload)
	if err != nil {
		var rej *mapper.Rejection
		if errors.As(err, &rej) {
			r.failureDetail = rej.Error()
			return model.Rejected(string(rej.Reason))
		}
		r.failureDetail = err.Error()
		return model.Rejected(ReasonInternal)
	}

	rec := mapped.Record
	rec.ID = uuid.NewString()
	rec.SourceReference = ev.SourceReference()
	rec.IdempotencyKey = ev.IdempotencyKey
	rec.IngestedAt = c.now()
	if txType != "" {
		rec.TransactionType = txType
	}
	rec.NeedsReview = mapped.Partial || mapped.Confidence < c.cfg.ReviewThreshold

	if ctx.Err() != nil {
		return model.TimedOut()
	}

	c.enter(r, StateWriting)
	res, err := c.d.Writer.Write(ctx, rec)
	switch {
	case errors.Is(err, batch.ErrStopped):
		return model.Rejected(ReasonWriterStopped)
	case err != nil:
		return model.TimedOut()
	}
	switch res.Status {
	case batch.StatusCommitted:
		c.enter(r, StateCommitted)
		return model.Committed(res.RecordID)
	case batch.StatusDuplicate:
		return model.DuplicateSkipped()
	default:
		r.failureDetail = res.Reason
		return model.Rejected(ReasonWriteRejected)
	}
}

// submit retries throttling and server faults a bounded number of times.
func (c *Coordinator) submit(ctx context.Context, ref extraction.DocumentRef) (string, error) {
	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		handle, err := c.d.Client.Submit(ctx, ref)
		if err != nil && !extraction.IsRetryable(err) {
			return "", backoff.Permanent(err)
		}
		return handle, err
	},
		backoff.WithBackOff(c.submitBO()),
		backoff.WithMaxTries(uint(c.cfg.SubmitAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Warn("submit_retry", "event", "submit", "key", ref.Key, "attempt", attempt, "retry_in_ms", d.Milliseconds(), "error", err)
		}),
	)
}

const infraAttempts = 3

// retryOp runs a short bounded retry for store and object-store calls.
func retryOp[T any](ctx context.Context, c *Coordinator, op string, fn func() (T, error)) (T, error) {
	return backoff.Retry(ctx, fn,
		backoff.WithBackOff(c.retryBO()),
		backoff.WithMaxTries(infraAttempts),
		backoff.WithNotify(func(err error, d time.Duration) {
			c.log.Warn("infra_retry", "event", op, "retry_in_ms", d.Milliseconds(), "error", err)
		}),
	)
}

// finallyRejected reports whether an earlier delivery of ev ended Rejected for
// a reason that redelivery cannot change. TimedOut is always retried. A failed
// lookup lets the event through; committed records are still caught by the
// exists check and the unique key.
func (c *Coordinator) finallyRejected(ctx context.Context, ev model.UploadEvent) bool {
	prior, err := c.d.Audit.LastOutcome(ctx, ev.SourceReference(), ev.IdempotencyKey)
	if err != nil {
		c.log.Warn("audit_lookup_failed", "event", "dedup", "source_reference", ev.SourceReference(), "error", err)
		return false
	}
	if prior == nil || prior.Outcome != model.OutcomeRejected || prior.Reason == nil || retryableRejections[*prior.Reason] {
		return false
	}
	c.log.Info("redelivery_skipped", "event", "dedup",
		"source_reference", ev.SourceReference(),
		"idempotency_key", ev.IdempotencyKey,
		"prior_reason", *prior.Reason,
	)
	return true
}

func (c *Coordinator) infraOutcome(ctx context.Context, err error) model.IngestionOutcome {
	if ctx.Err() != nil {
		return model.TimedOut()
	}
	c.log.Error("infra_failed", "event", "ingest", "error", err)
	return model.Rejected(ReasonStoreUnavailable)
}

func (c *Coordinator) transactionType(info storage.ObjectInfo) model.TransactionType {
	raw, ok := info.MetadataValue(transactionTypeMetaKey, transactionTypeMetaAlias)
	if !ok {
		return ""
	}
	tt, ok := model.ParseTransactionType(raw)
	if !ok {
		c.log.Warn("invalid_transaction_type", "event", "metadata", "key", info.Key, "value", raw)
		return ""
	}
	return tt
}

func (c *Coordinator) enter(r *run, s State) {
	r.state = s
	r.span.AddEvent(string(s))
	c.log.Debug("state", "event", "transition", "source_reference", r.ev.SourceReference(), "state", string(s))
}

// finish appends the audit entry. The append is retried past the task
// deadline since an outcome without an audit row is not allowed.
func (c *Coordinator) finish(ctx context.Context, r *run, outcome model.IngestionOutcome) error {
	finished := c.now()
	entry := &model.AuditEntry{
		ID:              uuid.NewString(),
		SourceReference: r.ev.SourceReference(),
		IdempotencyKey:  r.ev.IdempotencyKey,
		Outcome:         outcome.Kind,
		LastState:       string(r.state),
		StartedAt:       r.started,
		FinishedAt:      finished,
		Duration:        finished.Sub(r.started),
	}
	if outcome.RecordID != "" {
		entry.RecordID = &outcome.RecordID
	}
	if outcome.Reason != "" {
		entry.Reason = &outcome.Reason
	}
	if r.jobHandle != "" {
		entry.JobHandle = &r.jobHandle
	}
	if r.failureDetail != "" {
		entry.FailureDetail = &r.failureDetail
	}

	c.d.Metrics.ObserveOutcome(string(outcome.Kind))
	c.log.Info("ingest_finished",
		"event", "ingest",
		"source_reference", entry.SourceReference,
		"idempotency_key", entry.IdempotencyKey,
		"outcome", string(outcome.Kind),
		"reason", outcome.Reason,
		"record_id", outcome.RecordID,
		"job_handle", r.jobHandle,
		"last_state", entry.LastState,
		"duration_ms", entry.Duration.Milliseconds(),
	)

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	_, err := retryOp(auditCtx, c, "audit", func() (struct{}, error) {
		return struct{}{}, c.d.Audit.Append(auditCtx, entry)
	})
	if err != nil {
		c.log.Error("audit_append_failed", "event", "audit", "source_reference", entry.SourceReference, "outcome", string(outcome.Kind), "error", err)
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
