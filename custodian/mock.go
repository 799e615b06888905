package custodian

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ruteri/gated-release/interfaces"
)

// MockCustodianClient is a testify mock of interfaces.CustodianClient.
type MockCustodianClient struct {
	mock.Mock
}

func (m *MockCustodianClient) StoreFragment(ctx context.Context, node interfaces.CustodianNode, f interfaces.Fragment) (interfaces.ContentID, error) {
	args := m.Called(ctx, node, f)
	return args.Get(0).(interfaces.ContentID), args.Error(1)
}

func (m *MockCustodianClient) FetchFragment(ctx context.Context, node interfaces.CustodianNode, id interfaces.ReleaseUnitID) (*interfaces.Fragment, error) {
	args := m.Called(ctx, node, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*interfaces.Fragment), args.Error(1)
}

func (m *MockCustodianClient) DeleteFragment(ctx context.Context, node interfaces.CustodianNode, id interfaces.ReleaseUnitID) error {
	args := m.Called(ctx, node, id)
	return args.Error(0)
}

// MockRadioScanner is a testify mock of interfaces.RadioScanner.
type MockRadioScanner struct {
	mock.Mock
}

func (m *MockRadioScanner) Scan(ctx context.Context) (interfaces.RadioScan, error) {
	args := m.Called(ctx)
	return args.Get(0).(interfaces.RadioScan), args.Error(1)
}

var (
	_ interfaces.CustodianClient = (*MockCustodianClient)(nil)
	_ interfaces.RadioScanner    = (*MockRadioScanner)(nil)
	_ interfaces.CustodianClient = (*HTTPClient)(nil)
	_ interfaces.CustodianClient = (*LocalClient)(nil)
	_ interfaces.RadioScanner    = (*StaticScanner)(nil)
)
