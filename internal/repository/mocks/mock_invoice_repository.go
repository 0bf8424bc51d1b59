package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"invoiceingest/internal/model"
	"invoiceingest/internal/repository"
)

type MockInvoiceRepository struct {
	mock.Mock
}

func (m *MockInvoiceRepository) ExistsByIdempotencyKey(ctx context.Context, sourceRef, idempotencyKey string) (bool, error) {
	args := m.Called(ctx, sourceRef, idempotencyKey)
	return args.Bool(0), args.Error(1)
}

func (m *MockInvoiceRepository) BulkInsert(ctx context.Context, recs []model.InvoiceRecord) error {
	args := m.Called(ctx, recs)
	return args.Error(0)
}

func (m *MockInvoiceRepository) Insert(ctx context.Context, rec *model.InvoiceRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *MockInvoiceRepository) FindByID(ctx context.Context, id string) (*model.InvoiceRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.InvoiceRecord), args.Error(1)
}

func (m *MockInvoiceRepository) List(ctx context.Context, pq repository.PageQuery) (*repository.PageResult[model.InvoiceRecord], error) {
	args := m.Called(ctx, pq)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.PageResult[model.InvoiceRecord]), args.Error(1)
}

func (m *MockInvoiceRepository) SoftDelete(ctx context.Context, id, reason string, at time.Time) error {
	args := m.Called(ctx, id, reason, at)
	return args.Error(0)
}

type MockAuditRepository struct {
	mock.Mock
}

func (m *MockAuditRepository) Append(ctx context.Context, e *model.AuditEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

// LastOutcome also accepts a func(sourceRef, idempotencyKey string) *model.AuditEntry
// as its return value so fixtures can answer from what they recorded.
func (m *MockAuditRepository) LastOutcome(ctx context.Context, sourceRef, idempotencyKey string) (*model.AuditEntry, error) {
	args := m.Called(ctx, sourceRef, idempotencyKey)
	switch v := args.Get(0).(type) {
	case func(string, string) *model.AuditEntry:
		return v(sourceRef, idempotencyKey), args.Error(1)
	case *model.AuditEntry:
		return v, args.Error(1)
	default:
		return nil, args.Error(1)
	}
}
