package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"invoiceingest/internal/extraction"
)

type MockClient struct {
	mock.Mock
}

func (m *MockClient) Submit(ctx context.Context, ref extraction.DocumentRef) (string, error) {
	args := m.Called(ctx, ref)
	return args.String(0), args.Error(1)
}

func (m *MockClient) PollOnce(ctx context.Context, handle string) (extraction.PollResult, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(extraction.PollResult), args.Error(1)
}
