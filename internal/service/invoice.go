package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"invoiceingest/internal/batch"
	"invoiceingest/internal/config"
	"invoiceingest/internal/logging"
	"invoiceingest/internal/mapper"
	"invoiceingest/internal/model"
	"invoiceingest/internal/repository"
	"invoiceingest/internal/storage"
)

var (
	ErrIDRequired     = errors.New("id is required")
	ErrNotFound       = errors.New("invoice not found")
	ErrReaderNil      = errors.New("reader is nil")
	ErrReasonRequired = errors.New("deletion reason is required")
	ErrDuplicate      = errors.New("invoice already exists")
)

// ValidationError carries a message that is safe to show to the caller.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// InvoiceListResult is the service-level DTO for paginated invoices.
type InvoiceListResult struct {
	Items []model.InvoiceRecord `json:"data"`
	Total int                   `json:"total"`
}

// UploadResult describes a stored source document waiting for extraction.
type UploadResult struct {
	Key            string `json:"key"`
	IdempotencyKey string `json:"idempotency_key"`
	Size           int64  `json:"size"`
	Status         string `json:"status"`
}

// ManualInvoiceInput is a hand-entered invoice. Dates are YYYY-MM-DD; the
// amount is a decimal string.
type ManualInvoiceInput struct {
	VendorName      string `json:"vendor_name"`
	InvoiceNumber   string `json:"invoice_number"`
	InvoiceDate     string `json:"invoice_date"`
	Amount          string `json:"amount"`
	Category        string `json:"category"`
	TransactionType string `json:"transaction_type"`
	IdempotencyKey  string `json:"idempotency_key"`
}

// RecordWriter is the batched write path. *batch.Writer implements it.
type RecordWriter interface {
	Write(ctx context.Context, rec model.InvoiceRecord) (batch.Result, error)
	Enqueue(rec model.InvoiceRecord) (<-chan batch.Result, error)
	Flush(ctx context.Context) batch.FlushReport
}

// EventQueue accepts upload events for asynchronous ingestion. *ingest.Queue implements it.
type EventQueue interface {
	Enqueue(ev model.UploadEvent) error
}

// InvoiceService defines the use cases around invoices outside the scan pipeline.
type InvoiceService interface {
	// Upload stores a source document and queues it for extraction. The object is
	// removed again when it cannot be queued.
	Upload(ctx context.Context, r io.Reader, originalFilename, contentType string, size int64, transactionType string) (*UploadResult, error)

	// Create commits a manual entry through the batch writer.
	Create(ctx context.Context, in ManualInvoiceInput) (*model.InvoiceRecord, error)

	// Import reads an xlsx workbook and commits every row as a bulk_import record.
	Import(ctx context.Context, r io.Reader, filename, transactionType string) (*ImportReport, error)

	// List returns invoices that are not soft-deleted, newest first.
	List(ctx context.Context, limit, offset int) (*InvoiceListResult, error)

	// Get returns a single invoice by its ID.
	Get(ctx context.Context, id string) (*model.InvoiceRecord, error)

	// Delete soft-deletes an invoice. Rows are never removed.
	Delete(ctx context.Context, id, reason string) error

	// Flush forces the batch writer to commit what it holds.
	Flush(ctx context.Context) batch.FlushReport
}

type invoiceService struct {
	store  storage.Storage
	repo   repository.InvoiceRepository
	writer RecordWriter
	queue  EventQueue
	cfg    config.IngestConfig
	log    *slog.Logger
	now    func() time.Time
}

// NewInvoiceService constructs a new InvoiceService.
func NewInvoiceService(store storage.Storage, repo repository.InvoiceRepository, writer RecordWriter, queue EventQueue, cfg config.IngestConfig, log *slog.Logger) InvoiceService {
	return &invoiceService{
		store:  store,
		repo:   repo,
		writer: writer,
		queue:  queue,
		cfg:    cfg,
		log:    logging.Component(log, "invoice_service"),
		now:    time.Now,
	}
}

func (s *invoiceService) Upload(ctx context.Context, r io.Reader, originalFilename, contentType string, size int64, transactionType string) (*UploadResult, error) {
	if r == nil {
		return nil, ErrReaderNil
	}
	ext := strings.ToLower(filepath.Ext(originalFilename))
	if !slices.Contains(s.cfg.AllowedFormats, strings.TrimPrefix(ext, ".")) {
		return nil, invalid("file format %q is not allowed", strings.TrimPrefix(ext, "."))
	}
	if s.cfg.MaxObjectSize > 0 && size > s.cfg.MaxObjectSize {
		return nil, invalid("file exceeds %d bytes", s.cfg.MaxObjectSize)
	}
	meta := map[string]string{"original-filename": originalFilename}
	if transactionType != "" {
		tt, ok := model.ParseTransactionType(transactionType)
		if !ok {
			return nil, invalid("transaction_type must be INCOME or EXPENSE")
		}
		meta["transaction-type"] = string(tt)
	}

	now := s.now().UTC()
	key := fmt.Sprintf("invoices/%s/%s%s", now.Format("2006-01-02"), uuid.New().String(), ext)

	objInfo, err := s.store.Put(ctx, key, r, storage.PutObjectOptions{
		Size:        size,
		ContentType: contentType,
		Metadata:    meta,
	})
	if err != nil {
		return nil, fmt.Errorf("upload to storage: %w", err)
	}

	ev := model.NewUploadEvent(s.store.Bucket(), objInfo.Key, objInfo.Size, now, "")
	if err := s.queue.Enqueue(ev); err != nil {
		// Rollback: nothing will ever process the object.
		if delErr := s.store.Delete(ctx, key); delErr != nil {
			return nil, fmt.Errorf("enqueue failed: %v; rollback delete failed: %v", err, delErr)
		}
		return nil, fmt.Errorf("enqueue failed: %w", err)
	}
	return &UploadResult{Key: objInfo.Key, IdempotencyKey: ev.IdempotencyKey, Size: objInfo.Size, Status: "queued"}, nil
}

func (s *invoiceService) Create(ctx context.Context, in ManualInvoiceInput) (*model.InvoiceRecord, error) {
	vendor := strings.TrimSpace(in.VendorName)
	if vendor == "" {
		return nil, invalid("vendor_name is required")
	}
	date, err := time.Parse(time.DateOnly, strings.TrimSpace(in.InvoiceDate))
	if err != nil {
		return nil, invalid("invoice_date must be YYYY-MM-DD")
	}
	amount, err := mapper.ParseAmount(in.Amount)
	if err != nil {
		return nil, invalid("amount: %v", err)
	}
	if !amount.IsPositive() {
		return nil, invalid("amount must be greater than 0")
	}
	tt := model.TransactionExpense
	if in.TransactionType != "" {
		var ok bool
		if tt, ok = model.ParseTransactionType(in.TransactionType); !ok {
			return nil, invalid("transaction_type must be INCOME or EXPENSE")
		}
	}

	number := strings.TrimSpace(in.InvoiceNumber)
	if number == "" {
		number = "MANUAL-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	}
	idem := strings.TrimSpace(in.IdempotencyKey)
	if idem == "" {
		idem = uuid.New().String()
	}

	rec := model.InvoiceRecord{
		ID:              uuid.New().String(),
		VendorName:      vendor,
		InvoiceNumber:   &number,
		InvoiceDate:     date,
		Amount:          amount,
		TransactionType: tt,
		SourceType:      model.SourceManual,
		SourceReference: "manual",
		IdempotencyKey:  idem,
		IngestedAt:      s.now().UTC(),
	}
	if c := strings.TrimSpace(in.Category); c != "" {
		rec.Category = &c
	}
	if err := rec.Validate(); err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}

	res, err := s.writer.Write(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("write invoice: %w", err)
	}
	switch res.Status {
	case batch.StatusCommitted:
		return &rec, nil
	case batch.StatusDuplicate:
		return nil, ErrDuplicate
	default:
		return nil, invalid("invoice rejected: %s", res.Reason)
	}
}

// List returns paginated invoices without exposing repository types.
func (s *invoiceService) List(ctx context.Context, limit, offset int) (*InvoiceListResult, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	res, err := s.repo.List(ctx, repository.PageQuery{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return &InvoiceListResult{Items: res.Items, Total: res.Total}, nil
}

func (s *invoiceService) Get(ctx context.Context, id string) (*model.InvoiceRecord, error) {
	if id == "" {
		return nil, ErrIDRequired
	}
	rec, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

func (s *invoiceService) Delete(ctx context.Context, id, reason string) error {
	if id == "" {
		return ErrIDRequired
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ErrReasonRequired
	}
	if err := s.repo.SoftDelete(ctx, id, reason, s.now().UTC()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	s.log.Info("invoice_soft_deleted", "event", "delete", "id", id, "reason", reason)
	return nil
}

func (s *invoiceService) Flush(ctx context.Context) batch.FlushReport {
	return s.writer.Flush(ctx)
}
