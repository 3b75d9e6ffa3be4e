package storage

import (
	"context"

	"github.com/samber/mo"
	"github.com/stretchr/testify/mock"

	"github.com/cyp0633/itipd/calendar"
)

// MockStore implements the ObjectStore interface for testing
type MockStore struct {
	mock.Mock
}

// Folders implements the ObjectStore interface
func (m *MockStore) Folders(ctx context.Context, owner Owner, t calendar.ObjectType) ([]string, error) {
	args := m.Called(ctx, owner, t)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// TargetFolder implements the ObjectStore interface
func (m *MockStore) TargetFolder(ctx context.Context, owner Owner, obj *calendar.Object) (string, error) {
	args := m.Called(ctx, owner, obj)
	return args.String(0), args.Error(1)
}

// List implements the ObjectStore interface
func (m *MockStore) List(ctx context.Context, folder string) ([]*Stored, error) {
	args := m.Called(ctx, folder)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*Stored), args.Error(1)
}

// Find implements the ObjectStore interface
func (m *MockStore) Find(ctx context.Context, owner Owner, t calendar.ObjectType, uid string) (mo.Option[*Stored], error) {
	args := m.Called(ctx, owner, t, uid)
	if args.Get(0) == nil {
		return mo.None[*Stored](), args.Error(1)
	}
	return args.Get(0).(mo.Option[*Stored]), args.Error(1)
}

// Save implements the ObjectStore interface
func (m *MockStore) Save(ctx context.Context, owner Owner, folder string, obj *calendar.Object, previous *Stored) (*Stored, error) {
	args := m.Called(ctx, owner, folder, obj, previous)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Stored), args.Error(1)
}

// Delete implements the ObjectStore interface
func (m *MockStore) Delete(ctx context.Context, s *Stored) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

// Grant implements the ObjectStore interface
func (m *MockStore) Grant(ctx context.Context, folder, principal, rights string) error {
	args := m.Called(ctx, folder, principal, rights)
	return args.Error(0)
}
