package directory

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockDirectory implements the Directory interface for testing
type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) ResolveLocalUser(ctx context.Context, email string) (string, error) {
	args := m.Called(ctx, email)
	return args.String(0), args.Error(1)
}

func (m *MockDirectory) GetAttributes(ctx context.Context, dn string, fields ...string) (Attributes, error) {
	args := m.Called(ctx, dn, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Attributes), args.Error(1)
}

func (m *MockDirectory) FindResource(ctx context.Context, address string) ([]string, error) {
	args := m.Called(ctx, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDirectory) SearchByAttribute(ctx context.Context, attr, value string) ([]string, error) {
	args := m.Called(ctx, attr, value)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDirectory) ListDomains(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
