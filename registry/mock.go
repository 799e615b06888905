package registry

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/ruteri/gated-release/interfaces"
)

// MockRegistry mocks the NodeRegistry interface
type MockRegistry struct {
	mock.Mock
}

var _ interfaces.NodeRegistry = (*MockRegistry)(nil)

func (m *MockRegistry) List(ctx context.Context) ([]interfaces.CustodianNode, error) {
	args := m.Called(ctx)
	return args.Get(0).([]interfaces.CustodianNode), args.Error(1)
}

func (m *MockRegistry) Get(ctx context.Context, id interfaces.CustodianID) (interfaces.CustodianNode, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(interfaces.CustodianNode), args.Error(1)
}

func (m *MockRegistry) Register(ctx context.Context, node interfaces.CustodianNode) error {
	args := m.Called(ctx, node)
	return args.Error(0)
}

func (m *MockRegistry) UpdateStatus(ctx context.Context, id interfaces.CustodianID, status interfaces.NodeStatus) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockRegistry) ReserveCapacity(ctx context.Context, id interfaces.CustodianID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRegistry) ReleaseCapacity(ctx context.Context, id interfaces.CustodianID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRegistry) RecordSeen(ctx context.Context, id interfaces.CustodianID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockRegistry) AdjustTrust(ctx context.Context, id interfaces.CustodianID, delta float64) error {
	args := m.Called(ctx, id, delta)
	return args.Error(0)
}

// MockDescriber mocks the Describer interface
type MockDescriber struct {
	mock.Mock
}

func (m *MockDescriber) Describe(ctx context.Context, endpoint string) (interfaces.CustodianNode, error) {
	args := m.Called(ctx, endpoint)
	return args.Get(0).(interfaces.CustodianNode), args.Error(1)
}
