package repository

import (
	"context"
	"time"

	"invoiceingest/internal/model"
)

// InvoiceRepository defines data access for invoices using SQL queries only.
// No business logic here, strictly persistence operations.
type InvoiceRepository interface {
	// ExistsByIdempotencyKey reports whether a record with this pair is already stored.
	ExistsByIdempotencyKey(ctx context.Context, sourceRef, idempotencyKey string) (bool, error)

	// BulkInsert writes all records in one atomic operation. Any failing row
	// fails the whole call and nothing is stored.
	BulkInsert(ctx context.Context, recs []model.InvoiceRecord) error

	// Insert writes one record. A uniqueness conflict yields ErrDuplicate.
	Insert(ctx context.Context, rec *model.InvoiceRecord) error

	// FindByID returns an invoice by its ID, soft-deleted ones included.
	FindByID(ctx context.Context, id string) (*model.InvoiceRecord, error)

	// List returns a page of live invoices and the total live count.
	List(ctx context.Context, pq PageQuery) (*PageResult[model.InvoiceRecord], error)

	// SoftDelete flags a live invoice as deleted. ErrNotFound when there is none.
	SoftDelete(ctx context.Context, id, reason string, at time.Time) error
}

// AuditRepository is the append-only audit sink.
type AuditRepository interface {
	Append(ctx context.Context, e *model.AuditEntry) error
	// LastOutcome returns the most recent outcome other than DuplicateSkipped
	// recorded for the pair, or nil when there is none.
	LastOutcome(ctx context.Context, sourceRef, idempotencyKey string) (*model.AuditEntry, error)
}
