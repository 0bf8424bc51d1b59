package mocks

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"

	"invoiceingest/internal/batch"
	"invoiceingest/internal/model"
	"invoiceingest/internal/service"
)

type MockInvoiceService struct {
	mock.Mock
}

func (m *MockInvoiceService) Upload(ctx context.Context, r io.Reader, originalFilename, contentType string, size int64, transactionType string) (*service.UploadResult, error) {
	args := m.Called(ctx, r, originalFilename, contentType, size, transactionType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.UploadResult), args.Error(1)
}

func (m *MockInvoiceService) Create(ctx context.Context, in service.ManualInvoiceInput) (*model.InvoiceRecord, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.InvoiceRecord), args.Error(1)
}

func (m *MockInvoiceService) Import(ctx context.Context, r io.Reader, filename, transactionType string) (*service.ImportReport, error) {
	args := m.Called(ctx, r, filename, transactionType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ImportReport), args.Error(1)
}

func (m *MockInvoiceService) List(ctx context.Context, limit, offset int) (*service.InvoiceListResult, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.InvoiceListResult), args.Error(1)
}

func (m *MockInvoiceService) Get(ctx context.Context, id string) (*model.InvoiceRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.InvoiceRecord), args.Error(1)
}

func (m *MockInvoiceService) Delete(ctx context.Context, id, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *MockInvoiceService) Flush(ctx context.Context) batch.FlushReport {
	args := m.Called(ctx)
	return args.Get(0).(batch.FlushReport)
}
