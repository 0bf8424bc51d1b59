package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"invoiceingest/internal/batch"
	"invoiceingest/internal/config"
	"invoiceingest/internal/extraction"
	emocks "invoiceingest/internal/extraction/mocks"
	"invoiceingest/internal/logging"
	"invoiceingest/internal/mapper"
	"invoiceingest/internal/model"
	"invoiceingest/internal/poller"
	rmocks "invoiceingest/internal/repository/mocks"
	"invoiceingest/internal/storage"
	smocks "invoiceingest/internal/storage/mocks"
)

var testNow = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

func acmePayload() *model.ExtractionPayload {
	return &model.ExtractionPayload{Fields: []model.ExtractedField{
		{Key: "Vendor", Value: "Acme Corp", Confidence: 95},
		{Key: "Total", Value: "1500.00", Confidence: 97},
		{Key: "Invoice Date", Value: "2024-01-15", Confidence: 92},
	}}
}

func acmeEvent() model.UploadEvent {
	return model.NewUploadEvent("invoices", "inv/2024-01-15/acme.pdf", 2048, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), "")
}

// waiterFunc adapts a function to JobWaiter.
type waiterFunc func(ctx context.Context, job *model.ExtractionJob) error

func (f waiterFunc) Wait(ctx context.Context, job *model.ExtractionJob) error { return f(ctx, job) }

func succeedWith(p *model.ExtractionPayload) waiterFunc {
	return func(_ context.Context, job *model.ExtractionJob) error {
		return job.Succeed(p, testNow)
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	recs   []model.InvoiceRecord
	status batch.Status
	reason string
}

func (w *fakeWriter) Write(_ context.Context, rec model.InvoiceRecord) (batch.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recs = append(w.recs, rec)
	status := w.status
	if status == "" {
		status = batch.StatusCommitted
	}
	return batch.Result{RecordID: rec.ID, Status: status, Reason: w.reason}, nil
}

func (w *fakeWriter) written() []model.InvoiceRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.InvoiceRecord(nil), w.recs...)
}

type fixture struct {
	store   *smocks.MockStorage
	client  *emocks.MockClient
	repo    *rmocks.MockInvoiceRepository
	audit   *rmocks.MockAuditRepository
	writer  *fakeWriter
	waiter  JobWaiter
	claimer Claimer
	cfg     config.IngestConfig

	entries []*model.AuditEntry
	mu      sync.Mutex
}

func newFixture() *fixture {
	f := &fixture{
		store:  new(smocks.MockStorage),
		client: new(emocks.MockClient),
		repo:   new(rmocks.MockInvoiceRepository),
		audit:  new(rmocks.MockAuditRepository),
		writer: &fakeWriter{},
		waiter: succeedWith(acmePayload()),
		cfg: config.IngestConfig{
			TaskBudget:      10 * time.Minute,
			SubmitAttempts:  3,
			MaxObjectSize:   500 * 1024 * 1024,
			ReviewThreshold: 70,
			ClaimTTL:        time.Minute,
		},
	}
	f.store.On("Bucket").Return("invoices").Maybe()
	f.store.On("PresignGet", mock.Anything, mock.Anything, mock.Anything).Return("http://minio/signed", nil).Maybe()
	f.audit.On("Append", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.entries = append(f.entries, args.Get(1).(*model.AuditEntry))
	}).Return(nil).Maybe()
	f.audit.On("LastOutcome", mock.Anything, mock.Anything, mock.Anything).Return(f.lastOutcome, nil).Maybe()
	return f
}

// lastOutcome answers audit lookups from the entries appended so far.
func (f *fixture) lastOutcome(sourceRef, key string) *model.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.entries) - 1; i >= 0; i-- {
		e := f.entries[i]
		if e.SourceReference == sourceRef && e.IdempotencyKey == key && e.Outcome != model.OutcomeDuplicateSkipped {
			return e
		}
	}
	return nil
}

func (f *fixture) coordinator() *Coordinator {
	zero := func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return NewCoordinator(Deps{
		Store:   f.store,
		Client:  f.client,
		Poller:  f.waiter,
		Mapper:  mapper.New(mapper.WithNow(func() time.Time { return testNow })),
		Writer:  f.writer,
		Repo:    f.repo,
		Audit:   f.audit,
		Claimer: f.claimer,
		Log:     logging.Discard(),
	}, f.cfg, WithNow(func() time.Time { return testNow }), WithBackOff(zero, zero))
}

func (f *fixture) auditEntries() []*model.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*model.AuditEntry(nil), f.entries...)
}

func (f *fixture) objectExists(meta map[string]string) {
	f.store.On("Stat", mock.Anything, "inv/2024-01-15/acme.pdf").
		Return(storage.ObjectInfo{Key: "inv/2024-01-15/acme.pdf", Size: 2048, Metadata: meta}, nil)
}

func TestProcess_AcmeScenario(t *testing.T) {
	f := newFixture()
	f.objectExists(nil)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, "inv/2024-01-15/acme.pdf", acmeEvent().IdempotencyKey).Return(false, nil)
	f.client.On("Submit", mock.Anything, extraction.DocumentRef{Bucket: "invoices", Key: "inv/2024-01-15/acme.pdf", URL: "http://minio/signed"}).
		Return("job-1", nil).Once()

	outcome, err := f.coordinator().Process(context.Background(), acmeEvent())
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeCommitted, outcome.Kind)
	require.Len(t, f.writer.written(), 1)
	rec := f.writer.written()[0]
	assert.Equal(t, outcome.RecordID, rec.ID)
	assert.Equal(t, "Acme Corp", rec.VendorName)
	assert.True(t, rec.Amount.Equal(decimal.RequireFromString("1500.00")))
	assert.Equal(t, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), rec.InvoiceDate)
	require.NotNil(t, rec.Confidence)
	assert.InDelta(t, 92.0, *rec.Confidence, 0.001)
	assert.Equal(t, model.SourceScan, rec.SourceType)
	assert.Equal(t, model.TransactionExpense, rec.TransactionType)
	assert.Equal(t, acmeEvent().IdempotencyKey, rec.IdempotencyKey)
	assert.False(t, rec.NeedsReview)
	assert.NoError(t, rec.Validate())

	entries := f.auditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, model.OutcomeCommitted, entries[0].Outcome)
	assert.Equal(t, string(StateCommitted), entries[0].LastState)
	require.NotNil(t, entries[0].JobHandle)
	assert.Equal(t, "job-1", *entries[0].JobHandle)
	f.client.AssertExpectations(t)
}

func TestProcess_DuplicateDeliverySkipsSecond(t *testing.T) {
	f := newFixture()
	f.objectExists(nil)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil).Once()
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil).Once()
	c := f.coordinator()

	first, err := c.Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	second, err := c.Process(context.Background(), acmeEvent())
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeCommitted, first.Kind)
	assert.Equal(t, model.OutcomeDuplicateSkipped, second.Kind)
	assert.Len(t, f.writer.written(), 1)
	f.client.AssertNumberOfCalls(t, "Submit", 1)
	assert.Len(t, f.auditEntries(), 2)
}

func TestProcess_ConcurrentDuplicateIsSkippedWhileInFlight(t *testing.T) {
	f := newFixture()
	f.objectExists(nil)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil).Once()

	entered := make(chan struct{})
	release := make(chan struct{})
	f.waiter = waiterFunc(func(_ context.Context, job *model.ExtractionJob) error {
		close(entered)
		<-release
		return job.Succeed(acmePayload(), testNow)
	})
	c := f.coordinator()

	done := make(chan model.IngestionOutcome, 1)
	go func() {
		out, _ := c.Process(context.Background(), acmeEvent())
		done <- out
	}()
	<-entered

	second, err := c.Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDuplicateSkipped, second.Kind)

	close(release)
	assert.Equal(t, model.OutcomeCommitted, (<-done).Kind)
	f.client.AssertNumberOfCalls(t, "Submit", 1)
	assert.Len(t, f.writer.written(), 1)
}

func TestProcess_ClaimHeldElsewhere(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	other := NewRedisClaimer(client, time.Minute)
	ev := acmeEvent()
	ok, err := other.Claim(context.Background(), ev.SourceReference()+"|"+ev.IdempotencyKey)
	require.NoError(t, err)
	require.True(t, ok)

	f := newFixture()
	f.claimer = NewRedisClaimer(client, time.Minute)

	outcome, err := f.coordinator().Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDuplicateSkipped, outcome.Kind)
	f.repo.AssertNotCalled(t, "ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything)
	f.client.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
}

// steppingClock advances only when slept on.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return nil
}

func TestProcess_JobStillRunningPastBudgetTimesOut(t *testing.T) {
	f := newFixture()
	f.objectExists(nil)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-slow", nil)
	f.client.On("PollOnce", mock.Anything, "job-slow").Return(extraction.PollResult{Status: model.JobRunning}, nil)

	clock := &steppingClock{now: time.Now()}
	f.waiter = poller.New(f.client, config.PollerConfig{
		Budget:       9 * time.Minute,
		BaseInterval: time.Second,
		MaxInterval:  30 * time.Second,
	}, logging.Discard(), poller.WithClock(clock))

	outcome, err := f.coordinator().Process(context.Background(), acmeEvent())
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeTimedOut, outcome.Kind)
	assert.Empty(t, f.writer.written())
	entries := f.auditEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, model.OutcomeTimedOut, entries[0].Outcome)
	assert.Equal(t, string(StatePolling), entries[0].LastState)
	require.NotNil(t, entries[0].JobHandle)
	assert.Equal(t, "job-slow", *entries[0].JobHandle)
}

func TestProcess_TimedOutReleasesClaimForRedelivery(t *testing.T) {
	f := newFixture()
	f.objectExists(nil)
	f.claimer = NewMemoryClaimer(time.Hour)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)
	calls := 0
	f.waiter = waiterFunc(func(_ context.Context, job *model.ExtractionJob) error {
		calls++
		if calls == 1 {
			_ = job.TimeOut(testNow)
			return fmt.Errorf("%w after 12 polls", poller.ErrPollTimeout)
		}
		return job.Succeed(acmePayload(), testNow)
	})
	c := f.coordinator()

	first, err := c.Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	second, err := c.Process(context.Background(), acmeEvent())
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeTimedOut, first.Kind)
	assert.Equal(t, model.OutcomeCommitted, second.Kind)
}

func TestProcess_RedeliveryAfterFinalRejectionIsSkipped(t *testing.T) {
	f := newFixture()
	f.objectExists(nil)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)
	p := acmePayload()
	p.Fields[2].Value = "03/04/2024"
	f.waiter = succeedWith(p)
	c := f.coordinator()

	first, err := c.Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	second, err := c.Process(context.Background(), acmeEvent())
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeRejected, first.Kind)
	assert.Equal(t, string(mapper.ReasonDateAmbiguous), first.Reason)
	assert.Equal(t, model.OutcomeDuplicateSkipped, second.Kind)
	f.client.AssertNumberOfCalls(t, "Submit", 1)

	entries := f.auditEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, model.OutcomeDuplicateSkipped, entries[1].Outcome)
}

func TestProcess_RedeliveryAfterRetryableRejectionIsProcessed(t *testing.T) {
	f := newFixture()
	f.objectExists(nil)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)
	c := f.coordinator()
	c.d.Writer = &stoppedThenOpenWriter{next: f.writer}

	first, err := c.Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	second, err := c.Process(context.Background(), acmeEvent())
	require.NoError(t, err)

	assert.Equal(t, ReasonWriterStopped, first.Reason)
	assert.Equal(t, model.OutcomeCommitted, second.Kind)
	f.client.AssertNumberOfCalls(t, "Submit", 2)
}

func TestProcess_AuditLookupFailureLetsEventThrough(t *testing.T) {
	f := newFixture()
	f.audit = new(rmocks.MockAuditRepository)
	f.audit.On("Append", mock.Anything, mock.Anything).Return(nil)
	f.audit.On("LastOutcome", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))
	f.objectExists(nil)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)

	outcome, err := f.coordinator().Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCommitted, outcome.Kind)
}

// stoppedThenOpenWriter refuses the first record as if shutting down.
type stoppedThenOpenWriter struct {
	calls int
	next  RecordWriter
}

func (w *stoppedThenOpenWriter) Write(ctx context.Context, rec model.InvoiceRecord) (batch.Result, error) {
	w.calls++
	if w.calls == 1 {
		return batch.Result{}, batch.ErrStopped
	}
	return w.next.Write(ctx, rec)
}

func TestProcess_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(f *fixture)
		wantReason string
		wantDetail string
		submits    int
	}{
		{
			name: "object missing",
			setup: func(f *fixture) {
				f.store.On("Stat", mock.Anything, mock.Anything).Return(storage.ObjectInfo{}, storage.ErrObjectNotFound)
			},
			wantReason: ReasonObjectNotFound,
		},
		{
			name: "object too large",
			setup: func(f *fixture) {
				f.store.On("Stat", mock.Anything, mock.Anything).Return(storage.ObjectInfo{Size: 600 * 1024 * 1024}, nil)
			},
			wantReason: ReasonObjectTooLarge,
		},
		{
			name: "non retryable submission error",
			setup: func(f *fixture) {
				f.objectExists(nil)
				f.client.On("Submit", mock.Anything, mock.Anything).
					Return("", &extraction.SubmissionError{StatusCode: 400, Detail: "unsupported document"})
			},
			wantReason: ReasonSubmissionFailed,
			wantDetail: "submission rejected (status 400): unsupported document",
			submits:    1,
		},
		{
			name: "throttled on every attempt",
			setup: func(f *fixture) {
				f.objectExists(nil)
				f.client.On("Submit", mock.Anything, mock.Anything).
					Return("", &extraction.SubmissionError{StatusCode: 429, Retryable: true})
			},
			wantReason: ReasonSubmissionFailed,
			submits:    3,
		},
		{
			name: "extraction failed",
			setup: func(f *fixture) {
				f.objectExists(nil)
				f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)
				f.waiter = waiterFunc(func(_ context.Context, job *model.ExtractionJob) error {
					_ = job.Fail("UNSUPPORTED_DOCUMENT: page is blank", testNow)
					return &extraction.ExtractionFailure{Handle: job.Handle, Detail: "UNSUPPORTED_DOCUMENT: page is blank"}
				})
			},
			wantReason: ReasonExtractionFailed,
			wantDetail: "UNSUPPORTED_DOCUMENT: page is blank",
			submits:    1,
		},
		{
			name: "total missing",
			setup: func(f *fixture) {
				f.objectExists(nil)
				f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)
				f.waiter = succeedWith(&model.ExtractionPayload{Fields: []model.ExtractedField{
					{Key: "Vendor", Value: "Acme Corp", Confidence: 95},
					{Key: "Invoice Date", Value: "2024-01-15", Confidence: 92},
				}})
			},
			wantReason: string(mapper.ReasonMissingField),
			submits:    1,
		},
		{
			name: "ambiguous date",
			setup: func(f *fixture) {
				f.objectExists(nil)
				f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)
				f.waiter = succeedWith(&model.ExtractionPayload{Fields: []model.ExtractedField{
					{Key: "Vendor", Value: "Acme Corp", Confidence: 95},
					{Key: "Total", Value: "10.00", Confidence: 95},
					{Key: "Date", Value: "03/04/2024", Confidence: 92},
				}})
			},
			wantReason: string(mapper.ReasonDateAmbiguous),
			submits:    1,
		},
		{
			name: "writer rejected",
			setup: func(f *fixture) {
				f.objectExists(nil)
				f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)
				f.writer.status = batch.StatusRejected
				f.writer.reason = "violates check constraint"
			},
			wantReason: ReasonWriteRejected,
			wantDetail: "violates check constraint",
			submits:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
			tt.setup(f)

			outcome, err := f.coordinator().Process(context.Background(), acmeEvent())
			require.NoError(t, err)

			assert.Equal(t, model.OutcomeRejected, outcome.Kind)
			assert.Equal(t, tt.wantReason, outcome.Reason)
			f.client.AssertNumberOfCalls(t, "Submit", tt.submits)

			entries := f.auditEntries()
			require.Len(t, entries, 1)
			require.NotNil(t, entries[0].Reason)
			assert.Equal(t, tt.wantReason, *entries[0].Reason)
			if tt.wantDetail != "" {
				require.NotNil(t, entries[0].FailureDetail)
				assert.Equal(t, tt.wantDetail, *entries[0].FailureDetail)
			}
		})
	}
}

func TestProcess_TransientSubmitThenSuccess(t *testing.T) {
	f := newFixture()
	f.objectExists(nil)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).
		Return("", &extraction.SubmissionError{StatusCode: 503, Retryable: true}).Twice()
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-3", nil).Once()

	outcome, err := f.coordinator().Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCommitted, outcome.Kind)
	f.client.AssertNumberOfCalls(t, "Submit", 3)
}

func TestProcess_MetadataAndReviewFlag(t *testing.T) {
	f := newFixture()
	f.objectExists(map[string]string{"Transaction-Type": "income"})
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)
	p := acmePayload()
	p.Fields[0].Confidence = 40
	f.waiter = succeedWith(p)

	outcome, err := f.coordinator().Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	require.Equal(t, model.OutcomeCommitted, outcome.Kind)

	rec := f.writer.written()[0]
	assert.Equal(t, model.TransactionIncome, rec.TransactionType)
	assert.True(t, rec.NeedsReview)
	assert.InDelta(t, 40.0, *rec.Confidence, 0.001)
}

func TestProcess_InvalidMetadataIsIgnored(t *testing.T) {
	f := newFixture()
	f.objectExists(map[string]string{"transaction_type": "refund"})
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)

	_, err := f.coordinator().Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	assert.Equal(t, model.TransactionExpense, f.writer.written()[0].TransactionType)
}

func TestProcess_PartialSuccessNeedsReview(t *testing.T) {
	f := newFixture()
	f.objectExists(nil)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)
	p := acmePayload()
	p.Partial = true
	f.waiter = succeedWith(p)

	_, err := f.coordinator().Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	assert.True(t, f.writer.written()[0].NeedsReview)
}

func TestProcess_WriteConflictIsDuplicate(t *testing.T) {
	f := newFixture()
	f.objectExists(nil)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)
	f.writer.status = batch.StatusDuplicate

	outcome, err := f.coordinator().Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeDuplicateSkipped, outcome.Kind)
}

func TestProcess_StoreUnavailable(t *testing.T) {
	f := newFixture()
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("connection refused"))

	outcome, err := f.coordinator().Process(context.Background(), acmeEvent())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, outcome.Kind)
	assert.Equal(t, ReasonStoreUnavailable, outcome.Reason)
	f.repo.AssertNumberOfCalls(t, "ExistsByIdempotencyKey", infraAttempts)
}

func TestProcess_AuditFailureIsReported(t *testing.T) {
	f := newFixture()
	f.audit = new(rmocks.MockAuditRepository)
	f.audit.On("Append", mock.Anything, mock.Anything).Return(errors.New("audit table locked"))
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	outcome, err := f.coordinator().Process(context.Background(), acmeEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit table locked")
	assert.Equal(t, model.OutcomeDuplicateSkipped, outcome.Kind)
	f.audit.AssertNumberOfCalls(t, "Append", infraAttempts)
}

func TestProcess_InvalidEvent(t *testing.T) {
	f := newFixture()
	outcome, err := f.coordinator().Process(context.Background(), model.UploadEvent{})
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidEvent, outcome.Reason)
}

func TestProcess_WithRealBatchWriter(t *testing.T) {
	f := newFixture()
	f.objectExists(nil)
	f.repo.On("ExistsByIdempotencyKey", mock.Anything, mock.Anything, mock.Anything).Return(false, nil)
	f.repo.On("BulkInsert", mock.Anything, mock.MatchedBy(func(recs []model.InvoiceRecord) bool {
		return len(recs) == 1 && recs[0].VendorName == "Acme Corp"
	})).Return(nil).Once()
	f.client.On("Submit", mock.Anything, mock.Anything).Return("job-1", nil)

	w := batch.NewWriter(f.repo, config.BatchConfig{MaxBatch: 1, WriteTimeout: time.Second}, logging.Discard(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop(context.Background())

	c := f.coordinator()
	c.d.Writer = w

	outcome, err := c.Process(ctx, acmeEvent())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeCommitted, outcome.Kind)
	assert.NotEmpty(t, outcome.RecordID)
	f.repo.AssertExpectations(t)
}
