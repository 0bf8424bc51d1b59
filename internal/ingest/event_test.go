package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoiceingest/internal/config"
	"invoiceingest/internal/logging"
	"invoiceingest/internal/model"
)

func intakeConfig() config.IngestConfig {
	return config.IngestConfig{
		TaskBudget:     time.Minute,
		ExpectedBucket: "invoices",
		AllowedFormats: []string{"pdf", "jpg", "jpeg", "png"},
		MaxObjectSize:  500 * 1024 * 1024,
		Workers:        4,
		QueueSize:      8,
	}
}

func s3Record(bucket, key string, size int64, eventTime string) S3Record {
	var r S3Record
	r.EventName = "ObjectCreated:Put"
	r.EventTime = eventTime
	r.S3.Bucket.Name = bucket
	r.S3.Object.Key = key
	r.S3.Object.Size = size
	return r
}

// recordingProcessor returns a fixed outcome and remembers the events it saw.
type recordingProcessor struct {
	mu      sync.Mutex
	events  []model.UploadEvent
	outcome model.IngestionOutcome
	err     error
	block   chan struct{}
}

func (p *recordingProcessor) Process(_ context.Context, ev model.UploadEvent) (model.IngestionOutcome, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.outcome, p.err
}

func (p *recordingProcessor) seen() []model.UploadEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.UploadEvent(nil), p.events...)
}

func TestIntake_Event(t *testing.T) {
	in := NewIntake(nil, nil, intakeConfig(), logging.Discard())
	in.now = func() time.Time { return testNow }

	tests := []struct {
		name     string
		rec      S3Record
		wantKey  string
		wantIdem string
		wantErr  bool
	}{
		{
			name:     "plus and percent decoding",
			rec:      s3Record("invoices", "inv/2024-01-15/acme+corp%282%29.pdf", 2048, "2026-01-12T02:00:00Z"),
			wantKey:  "inv/2024-01-15/acme corp(2).pdf",
			wantIdem: "inv/2024-01-15/acme corp(2).pdf:2048:2026-01-12T02:00:00Z",
		},
		{
			name:     "uppercase extension",
			rec:      s3Record("invoices", "inv/scan.JPG", 10, "2026-01-12T02:00:00.123Z"),
			wantKey:  "inv/scan.JPG",
			wantIdem: "inv/scan.JPG:10:2026-01-12T02:00:00Z",
		},
		{
			name:     "unparseable event time kept verbatim",
			rec:      s3Record("invoices", "inv/a.pdf", 10, "yesterday"),
			wantKey:  "inv/a.pdf",
			wantIdem: "inv/a.pdf:10:yesterday",
		},
		{name: "wrong bucket", rec: s3Record("other", "inv/a.pdf", 10, "2026-01-12T02:00:00Z"), wantErr: true},
		{name: "disallowed format", rec: s3Record("invoices", "inv/a.docx", 10, "2026-01-12T02:00:00Z"), wantErr: true},
		{name: "no extension", rec: s3Record("invoices", "inv/readme", 10, "2026-01-12T02:00:00Z"), wantErr: true},
		{name: "too large", rec: s3Record("invoices", "inv/a.pdf", 500*1024*1024+1, "2026-01-12T02:00:00Z"), wantErr: true},
		{name: "missing key", rec: s3Record("invoices", "", 10, "2026-01-12T02:00:00Z"), wantErr: true},
		{name: "missing event time", rec: s3Record("invoices", "inv/a.pdf", 10, ""), wantErr: true},
		{name: "bad escape", rec: s3Record("invoices", "inv/%zz.pdf", 10, "2026-01-12T02:00:00Z"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := in.Event(tt.rec)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRecord)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKey, ev.Key)
			assert.Equal(t, tt.wantIdem, ev.IdempotencyKey)
			assert.Equal(t, "invoices", ev.Bucket)
		})
	}
}

func TestIntake_EventExplicitIdempotencyKey(t *testing.T) {
	in := NewIntake(nil, nil, intakeConfig(), logging.Discard())
	rec := s3Record("invoices", "inv/a.pdf", 10, "")
	rec.IdempotencyKey = "upload-42"

	ev, err := in.Event(rec)
	require.NoError(t, err)
	assert.Equal(t, "upload-42", ev.IdempotencyKey)
}

func TestIntake_HandleAggregatesResults(t *testing.T) {
	proc := &recordingProcessor{outcome: model.Committed("rec-1")}
	in := NewIntake(proc, nil, intakeConfig(), logging.Discard())

	var n S3Notification
	require.NoError(t, json.Unmarshal([]byte(`{
		"Records": [
			{"eventName": "ObjectCreated:Put", "eventTime": "2026-01-12T02:00:00Z",
			 "s3": {"bucket": {"name": "invoices"}, "object": {"key": "inv/a.pdf", "size": 100}}},
			{"eventName": "ObjectCreated:Put", "eventTime": "2026-01-12T02:01:00Z",
			 "s3": {"bucket": {"name": "invoices"}, "object": {"key": "inv/b.png", "size": 200}}},
			{"eventName": "ObjectCreated:Put", "eventTime": "2026-01-12T02:02:00Z",
			 "s3": {"bucket": {"name": "invoices"}, "object": {"key": "inv/c.txt", "size": 300}}}
		]}`), &n))

	s, err := in.Handle(context.Background(), n)
	require.NoError(t, err)

	assert.Equal(t, 3, s.Processed)
	assert.Equal(t, 2, s.Succeeded)
	assert.Len(t, proc.seen(), 2)
	assert.Equal(t, "inv/a.pdf", s.Results[0].Key)
	require.NotNil(t, s.Results[0].Outcome)
	assert.Equal(t, model.OutcomeCommitted, s.Results[0].Outcome.Kind)
	assert.False(t, s.Results[2].Success)
	assert.Contains(t, s.Results[2].Error, "format")
}

func TestIntake_HandleRejectedOutcomeIsNotSuccess(t *testing.T) {
	proc := &recordingProcessor{outcome: model.Rejected("date_ambiguous")}
	in := NewIntake(proc, nil, intakeConfig(), logging.Discard())

	s, err := in.Handle(context.Background(), S3Notification{Records: []S3Record{
		s3Record("invoices", "inv/a.pdf", 1, "2026-01-12T02:00:00Z"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 0, s.Succeeded)
	assert.Equal(t, "date_ambiguous", s.Results[0].Outcome.Reason)
}

func TestIntake_HandleHidesAuditFailureDetail(t *testing.T) {
	proc := &recordingProcessor{
		outcome: model.Committed("rec-1"),
		err:     errors.New(`audit append: pq: relation "ingestion_audit" does not exist`),
	}
	var logs bytes.Buffer
	in := NewIntake(proc, nil, intakeConfig(), logging.New(&logs, "info", time.UTC))

	s, err := in.Handle(context.Background(), S3Notification{Records: []S3Record{
		s3Record("invoices", "inv/a.pdf", 1, "2026-01-12T02:00:00Z"),
	}})
	require.NoError(t, err)

	res := s.Results[0]
	assert.True(t, res.Success, "the record itself was committed")
	assert.Equal(t, ErrOutcomeUnrecorded.Error(), res.Error)

	body, err := json.Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "ingestion_audit")
	assert.Contains(t, logs.String(), "ingestion_audit", "the detail is logged")
	assert.Contains(t, logs.String(), "outcome_unrecorded")
}

func TestIntake_NoRecords(t *testing.T) {
	in := NewIntake(&recordingProcessor{}, nil, intakeConfig(), logging.Discard())
	_, err := in.Handle(context.Background(), S3Notification{})
	assert.ErrorIs(t, err, ErrNoRecords)
}

func TestIntake_EnqueueRunsThroughQueue(t *testing.T) {
	proc := &recordingProcessor{outcome: model.Committed("rec-1")}
	q := NewQueue(proc, intakeConfig(), logging.Discard())
	q.Start(context.Background())
	in := NewIntake(proc, q, intakeConfig(), logging.Discard())

	s, err := in.Enqueue(context.Background(), S3Notification{Records: []S3Record{
		s3Record("invoices", "inv/a.pdf", 1, "2026-01-12T02:00:00Z"),
		s3Record("invoices", "inv/b.pdf", 1, "2026-01-12T02:00:00Z"),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Succeeded)
	assert.True(t, s.Results[0].Queued)

	require.NoError(t, q.Close(context.Background()))
	assert.Len(t, proc.seen(), 2)
}

func TestIntake_EnqueueWithoutQueue(t *testing.T) {
	in := NewIntake(&recordingProcessor{}, nil, intakeConfig(), logging.Discard())
	_, err := in.Enqueue(context.Background(), S3Notification{Records: []S3Record{{}}})
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueue_FullAndClosed(t *testing.T) {
	cfg := intakeConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1
	proc := &recordingProcessor{block: make(chan struct{})}
	q := NewQueue(proc, cfg, logging.Discard())

	ev := model.NewUploadEvent("invoices", "inv/a.pdf", 1, testNow, "")
	require.NoError(t, q.Enqueue(ev))
	assert.ErrorIs(t, q.Enqueue(ev), ErrQueueFull)

	q.Start(context.Background())
	close(proc.block)
	require.NoError(t, q.Close(context.Background()))
	assert.ErrorIs(t, q.Enqueue(ev), ErrQueueClosed)
	assert.Len(t, proc.seen(), 1)
}

func TestQueue_CloseHonoursContext(t *testing.T) {
	cfg := intakeConfig()
	cfg.Workers = 1
	proc := &recordingProcessor{block: make(chan struct{})}
	defer close(proc.block)
	q := NewQueue(proc, cfg, logging.Discard())
	q.Start(context.Background())
	require.NoError(t, q.Enqueue(model.NewUploadEvent("invoices", "inv/a.pdf", 1, testNow, "")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Close(ctx), context.DeadlineExceeded)
}
