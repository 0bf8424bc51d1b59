package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"invoiceingest/internal/config"
	"invoiceingest/internal/logging"
	"invoiceingest/internal/model"
)

var (
	ErrNoRecords     = errors.New("no records found in event")
	ErrInvalidRecord = errors.New("invalid event record")

	// ErrOutcomeUnrecorded is reported when processing finished but its audit
	// entry could not be written.
	ErrOutcomeUnrecorded = errors.New("outcome could not be recorded, review required")
)

// S3Notification is an object-created notification as delivered by S3 and MinIO.
type S3Notification struct {
	Records []S3Record `json:"Records"`
}

type S3Record struct {
	EventName string `json:"eventName"`
	EventTime string `json:"eventTime"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
	// IdempotencyKey overrides the derived key when the producer sets one.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// RecordResult is the per-record entry of a notification response.
type RecordResult struct {
	Success        bool                    `json:"success"`
	Bucket         string                  `json:"bucket,omitempty"`
	Key            string                  `json:"key,omitempty"`
	Size           int64                   `json:"size,omitempty"`
	IdempotencyKey string                  `json:"idempotency_key,omitempty"`
	Outcome        *model.IngestionOutcome `json:"outcome,omitempty"`
	Queued         bool                    `json:"queued,omitempty"`
	Error          string                  `json:"error,omitempty"`
}

// Summary aggregates the per-record results of one notification.
type Summary struct {
	Processed   int            `json:"processed"`
	Succeeded   int            `json:"succeeded"`
	Results     []RecordResult `json:"results"`
	ProcessedAt time.Time      `json:"processed_at"`
}

// Intake validates notifications and turns their records into upload events.
type Intake struct {
	proc  Processor
	queue *Queue
	cfg   config.IngestConfig
	log   *slog.Logger
	now   func() time.Time
}

// NewIntake returns an intake that processes inline through proc and, when
// queue is non-nil, can hand events off asynchronously.
func NewIntake(proc Processor, queue *Queue, cfg config.IngestConfig, log *slog.Logger) *Intake {
	return &Intake{proc: proc, queue: queue, cfg: cfg, log: logging.Component(log, "intake"), now: time.Now}
}

// Event validates rec and builds its UploadEvent. The object key is URL-decoded
// with '+' read as a space.
func (in *Intake) Event(rec S3Record) (model.UploadEvent, error) {
	key, err := url.QueryUnescape(rec.S3.Object.Key)
	if err != nil {
		return model.UploadEvent{}, fmt.Errorf("%w: key %q: %v", ErrInvalidRecord, rec.S3.Object.Key, err)
	}
	bucket := rec.S3.Bucket.Name
	size := rec.S3.Object.Size

	if key == "" {
		return model.UploadEvent{}, fmt.Errorf("%w: missing object key", ErrInvalidRecord)
	}
	if in.cfg.ExpectedBucket != "" && bucket != in.cfg.ExpectedBucket {
		return model.UploadEvent{}, fmt.Errorf("%w: unexpected bucket %s (expected %s)", ErrInvalidRecord, bucket, in.cfg.ExpectedBucket)
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(key), "."))
	if !slices.Contains(in.cfg.AllowedFormats, ext) {
		return model.UploadEvent{}, fmt.Errorf("%w: format %q not in %v", ErrInvalidRecord, ext, in.cfg.AllowedFormats)
	}
	if in.cfg.MaxObjectSize > 0 && size > in.cfg.MaxObjectSize {
		return model.UploadEvent{}, fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidRecord, size, in.cfg.MaxObjectSize)
	}

	arrived, err := time.Parse(time.RFC3339Nano, rec.EventTime)
	idem := rec.IdempotencyKey
	switch {
	case err == nil:
	case idem == "" && rec.EventTime != "":
		// Keep the producer's text so redeliveries derive the same key.
		idem = fmt.Sprintf("%s:%d:%s", key, size, rec.EventTime)
		arrived = in.now()
	case idem == "":
		return model.UploadEvent{}, fmt.Errorf("%w: missing event time", ErrInvalidRecord)
	default:
		arrived = in.now()
	}
	return model.NewUploadEvent(bucket, key, size, arrived, idem), nil
}

// Handle processes every record concurrently and waits for all outcomes.
func (in *Intake) Handle(ctx context.Context, n S3Notification) (*Summary, error) {
	return in.dispatch(ctx, n, func(ctx context.Context, ev model.UploadEvent, res *RecordResult) {
		outcome, err := in.proc.Process(ctx, ev)
		res.Outcome = &outcome
		res.Success = outcome.Kind == model.OutcomeCommitted || outcome.Kind == model.OutcomeDuplicateSkipped
		if err != nil {
			// The detail stays in the log; callers only learn the outcome is unrecorded.
			in.log.Error("outcome_unrecorded", "event", "intake", "key", ev.Key, "idempotency_key", ev.IdempotencyKey, "error", err)
			res.Error = ErrOutcomeUnrecorded.Error()
		}
	})
}

// Enqueue validates every record and queues the valid ones.
func (in *Intake) Enqueue(ctx context.Context, n S3Notification) (*Summary, error) {
	if in.queue == nil {
		return nil, ErrQueueClosed
	}
	return in.dispatch(ctx, n, func(_ context.Context, ev model.UploadEvent, res *RecordResult) {
		if err := in.queue.Enqueue(ev); err != nil {
			res.Error = err.Error()
			return
		}
		res.Queued = true
		res.Success = true
	})
}

func (in *Intake) dispatch(ctx context.Context, n S3Notification, handle func(context.Context, model.UploadEvent, *RecordResult)) (*Summary, error) {
	if len(n.Records) == 0 {
		return nil, ErrNoRecords
	}

	results := make([]RecordResult, len(n.Records))
	g, gctx := errgroup.WithContext(ctx)
	if in.cfg.Workers > 0 {
		g.SetLimit(in.cfg.Workers)
	}
	for i, rec := range n.Records {
		ev, err := in.Event(rec)
		res := &results[i]
		res.Bucket = rec.S3.Bucket.Name
		res.Size = rec.S3.Object.Size
		if err != nil {
			res.Key = rec.S3.Object.Key
			res.Error = err.Error()
			in.log.Warn("record_invalid", "event", "intake", "event_name", rec.EventName, "key", rec.S3.Object.Key, "error", err)
			continue
		}
		res.Key = ev.Key
		res.IdempotencyKey = ev.IdempotencyKey
		g.Go(func() error {
			handle(gctx, ev, res)
			return nil
		})
	}
	_ = g.Wait()

	s := &Summary{Processed: len(results), Results: results, ProcessedAt: in.now().UTC()}
	for _, r := range results {
		if r.Success {
			s.Succeeded++
		}
	}
	in.log.Info("notification_processed", "event", "intake", "records", s.Processed, "succeeded", s.Succeeded)
	return s, nil
}
