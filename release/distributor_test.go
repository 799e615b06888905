package release

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/gated-release/custodian"
	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/registry"
	"github.com/ruteri/gated-release/shamir"
	"github.com/ruteri/gated-release/store"
)

func registerNode(t *testing.T, reg *registry.MemoryRegistry, id string, trust float64, capacity int, loc *geo.Reading) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), interfaces.CustodianNode{
		ID:            interfaces.CustodianID(id),
		Endpoint:      "http://" + id,
		CapacityTotal: capacity,
		TrustScore:    trust,
		Location:      loc,
		Status:        interfaces.NodeOnline,
	}))
}

func onNode(id string) interface{} {
	return mock.MatchedBy(func(n interfaces.CustodianNode) bool { return string(n.ID) == id })
}

func TestCandidatesOrdering(t *testing.T) {
	reg := registry.NewMemoryRegistry(testLogger())
	target := &geo.Reading{Latitude: targetLat, Longitude: targetLon}

	registerNode(t, reg, "far", 0.8, 5, northOfTarget(5000))
	registerNode(t, reg, "near", 0.8, 5, northOfTarget(100))
	registerNode(t, reg, "nowhere", 0.8, 5, nil)
	registerNode(t, reg, "trusted", 0.95, 1, nil)
	registerNode(t, reg, "big", 0.3, 50, nil)
	registerNode(t, reg, "small", 0.3, 2, nil)
	registerNode(t, reg, "full", 0.99, 1, nil)
	require.NoError(t, reg.ReserveCapacity(context.Background(), "full"))
	registerNode(t, reg, "offline", 0.99, 5, nil)
	require.NoError(t, reg.UpdateStatus(context.Background(), "offline", interfaces.NodeOffline))

	cfg := testConfig()
	d := NewDistributor(reg, &custodian.MockCustodianClient{}, store.NewMemoryStore(), &cfg, nil, testLogger())

	candidates, err := d.Candidates(context.Background(), target)
	require.NoError(t, err)

	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, string(c.ID))
	}
	assert.Equal(t, []string{"trusted", "near", "far", "nowhere", "big", "small"}, ids)
}

func TestDistributeFallsBackToNextCandidate(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry(testLogger())
	registerNode(t, reg, "a", 0.9, 5, nil)
	registerNode(t, reg, "b", 0.8, 5, nil)
	registerNode(t, reg, "c", 0.7, 5, nil)
	registerNode(t, reg, "d", 0.6, 5, nil)

	st := store.NewMemoryStore()
	unit := &interfaces.ReleaseUnit{
		ID:     "unit-1",
		Kind:   interfaces.KindDeadDrop,
		Status: interfaces.StatusPending,
		Policy: interfaces.SplitPolicy{K: 2, N: 3},
		Gate:   proximityGate(50, 2),
	}
	require.NoError(t, st.Create(ctx, unit))

	fragments, err := shamir.Default().Split(unit.ID, []byte("hunter2"), unit.Policy)
	require.NoError(t, err)

	client := &custodian.MockCustodianClient{}
	client.On("StoreFragment", mock.Anything, onNode("b"), mock.Anything).Return(interfaces.ContentID{}, errors.New("connection refused"))
	for _, id := range []string{"a", "c", "d"} {
		client.On("StoreFragment", mock.Anything, onNode(id), mock.Anything).Return(interfaces.ContentID{1}, nil)
	}

	cfg := testConfig()
	d := NewDistributor(reg, client, st, &cfg, nil, testLogger())
	assignments, err := d.Distribute(ctx, unit, fragments)
	require.NoError(t, err)
	require.Len(t, assignments, 3)

	holders := map[interfaces.CustodianID]bool{}
	for _, a := range assignments {
		holders[a.CustodianID] = true
	}
	assert.Equal(t, map[interfaces.CustodianID]bool{"a": true, "c": true, "d": true}, holders)

	b, err := reg.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 0, b.CapacityUsed)
	assert.InDelta(t, 0.8-cfg.TrustPenalty, b.TrustScore, 1e-9)

	stored, err := st.Assignments(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, assignments, stored)
	client.AssertNumberOfCalls(t, "StoreFragment", 4)
}

func TestDistributeRollsBackWhenIncomplete(t *testing.T) {
	ctx := context.Background()
	reg := registry.NewMemoryRegistry(testLogger())
	registerNode(t, reg, "a", 0.9, 5, nil)
	registerNode(t, reg, "b", 0.8, 5, nil)
	registerNode(t, reg, "c", 0.7, 5, nil)

	st := store.NewMemoryStore()
	unit := &interfaces.ReleaseUnit{ID: "unit-2", Kind: interfaces.KindDeadDrop, Status: interfaces.StatusPending, Policy: interfaces.SplitPolicy{K: 2, N: 3}}
	require.NoError(t, st.Create(ctx, unit))
	fragments, err := shamir.Default().Split(unit.ID, []byte("hunter2"), unit.Policy)
	require.NoError(t, err)

	client := &custodian.MockCustodianClient{}
	client.On("StoreFragment", mock.Anything, onNode("c"), mock.Anything).Return(interfaces.ContentID{}, errors.New("disk full"))
	client.On("StoreFragment", mock.Anything, mock.Anything, mock.Anything).Return(interfaces.ContentID{1}, nil)
	client.On("DeleteFragment", mock.Anything, mock.Anything, unit.ID).Return(nil)

	cfg := testConfig()
	d := NewDistributor(reg, client, st, &cfg, nil, testLogger())
	_, err = d.Distribute(ctx, unit, fragments)
	require.ErrorIs(t, err, interfaces.ErrDistributionIncomplete)

	client.AssertCalled(t, "DeleteFragment", mock.Anything, onNode("a"), unit.ID)
	client.AssertCalled(t, "DeleteFragment", mock.Anything, onNode("b"), unit.ID)
	for _, id := range []interfaces.CustodianID{"a", "b", "c"} {
		n, err := reg.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, n.CapacityUsed, "custodian %s", id)
	}

	stored, err := st.Assignments(ctx, unit.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
