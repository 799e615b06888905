package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/gated-release/interfaces"
)

func newTestUnit(status interfaces.Status, created time.Time) *interfaces.ReleaseUnit {
	return &interfaces.ReleaseUnit{
		ID:             interfaces.NewReleaseUnitID(),
		OwnerID:        "owner",
		Kind:           interfaces.KindDeadDrop,
		Metadata:       interfaces.SecretMetadata{Length: 7, Checksum: []byte{1}, Salt: []byte{2}},
		Policy:         interfaces.SplitPolicy{K: 2, N: 3},
		Gate:           interfaces.ProximityGate{Latitude: 1, Longitude: 2, RadiusMeters: 50, RequiredRadioPeers: 2},
		SharesLocation: interfaces.SharesCustodians,
		Status:         status,
		CreatedAt:      created.UTC(),
		UpdatedAt:      created.UTC(),
		ExpiresAt:      created.Add(time.Hour).UTC(),
	}
}

// runStoreConformance exercises the ReleaseStore contract against any backend.
func runStoreConformance(t *testing.T, newStore func(t *testing.T) interfaces.ReleaseStore) {
	ctx := context.Background()
	base := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		unit := newTestUnit(interfaces.StatusPending, base)
		require.NoError(t, s.Create(ctx, unit))

		got, err := s.Get(ctx, unit.ID)
		require.NoError(t, err)
		assert.Equal(t, unit.ID, got.ID)
		assert.Equal(t, unit.Gate, got.Gate)
		assert.Equal(t, interfaces.StatusPending, got.Status)
		assert.True(t, unit.ExpiresAt.Equal(got.ExpiresAt))

		err = s.Create(ctx, unit)
		assert.ErrorIs(t, err, ErrAlreadyExists)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, interfaces.ErrReleaseUnitNotFound)
	})

	t.Run("compare and swap", func(t *testing.T) {
		s := newStore(t)
		unit := newTestUnit(interfaces.StatusPending, base)
		require.NoError(t, s.Create(ctx, unit))

		at := base.Add(time.Minute)
		updated, err := s.CompareAndSwapStatus(ctx, unit.ID, interfaces.StatusPending, interfaces.StatusDistributed, at)
		require.NoError(t, err)
		assert.Equal(t, interfaces.StatusDistributed, updated.Status)
		assert.True(t, at.Equal(updated.UpdatedAt))

		current, err := s.CompareAndSwapStatus(ctx, unit.ID, interfaces.StatusPending, interfaces.StatusCancelled, at)
		assert.ErrorIs(t, err, interfaces.ErrStatusConflict)
		require.NotNil(t, current)
		assert.Equal(t, interfaces.StatusDistributed, current.Status)

		_, err = s.CompareAndSwapStatus(ctx, "missing", interfaces.StatusPending, interfaces.StatusCancelled, at)
		assert.ErrorIs(t, err, interfaces.ErrReleaseUnitNotFound)
	})

	t.Run("concurrent swaps have one winner", func(t *testing.T) {
		s := newStore(t)
		unit := newTestUnit(interfaces.StatusActive, base)
		require.NoError(t, s.Create(ctx, unit))

		const racers = 20
		var wg sync.WaitGroup
		results := make(chan error, racers)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.CompareAndSwapStatus(ctx, unit.ID, interfaces.StatusActive, interfaces.StatusCollected, time.Now())
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, errors.Is(err, interfaces.ErrStatusConflict), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("assignments", func(t *testing.T) {
		s := newStore(t)
		unit := newTestUnit(interfaces.StatusPending, base)
		require.NoError(t, s.Create(ctx, unit))

		assignments := []interfaces.CustodianAssignment{
			{ReleaseUnitID: unit.ID, CustodianID: "node-a", ShareIndex: 1, ContentID: interfaces.ComputeID([]byte("a")), StoredAt: base, LastSeen: base},
			{ReleaseUnitID: unit.ID, CustodianID: "node-b", ShareIndex: 2, ContentID: interfaces.ComputeID([]byte("b")), StoredAt: base, LastSeen: base},
		}
		require.NoError(t, s.SaveAssignments(ctx, unit.ID, assignments))

		got, err := s.Assignments(ctx, unit.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, interfaces.CustodianID("node-a"), got[0].CustodianID)
		assert.True(t, got[1].ContentID.Equal(assignments[1].ContentID))

		seen := base.Add(time.Hour)
		require.NoError(t, s.TouchAssignment(ctx, unit.ID, "node-b", seen))
		got, err = s.Assignments(ctx, unit.ID)
		require.NoError(t, err)
		assert.True(t, seen.Equal(got[1].LastSeen))

		assert.ErrorIs(t, s.TouchAssignment(ctx, unit.ID, "node-z", seen), interfaces.ErrCustodianNotFound)

		// Saving replaces the whole set.
		require.NoError(t, s.SaveAssignments(ctx, unit.ID, assignments[:1]))
		got, err = s.Assignments(ctx, unit.ID)
		require.NoError(t, err)
		assert.Len(t, got, 1)

		assert.ErrorIs(t, s.SaveAssignments(ctx, "missing", assignments), interfaces.ErrReleaseUnitNotFound)
	})

	t.Run("audit", func(t *testing.T) {
		s := newStore(t)
		unit := newTestUnit(interfaces.StatusPending, base)
		require.NoError(t, s.Create(ctx, unit))

		events := []interfaces.AuditEvent{
			{ReleaseUnitID: unit.ID, From: interfaces.StatusPending, To: interfaces.StatusDistributed, Actor: "system", At: base},
			{ReleaseUnitID: unit.ID, From: interfaces.StatusDistributed, To: interfaces.StatusCancelled, Actor: "owner", Reason: "changed my mind", At: base.Add(time.Second)},
		}
		for _, e := range events {
			require.NoError(t, s.AppendAudit(ctx, e))
		}

		got, err := s.Audit(ctx, unit.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, interfaces.StatusCancelled, got[1].To)
		assert.Equal(t, "changed my mind", got[1].Reason)
	})

	t.Run("list by status", func(t *testing.T) {
		s := newStore(t)
		var active []*interfaces.ReleaseUnit
		for i := 0; i < 3; i++ {
			u := newTestUnit(interfaces.StatusActive, base.Add(time.Duration(i)*time.Minute))
			require.NoError(t, s.Create(ctx, u))
			active = append(active, u)
		}
		require.NoError(t, s.Create(ctx, newTestUnit(interfaces.StatusPending, base)))

		got, err := s.ListByStatus(ctx, interfaces.StatusActive, 0)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, active[0].ID, got[0].ID, "oldest first")

		got, err = s.ListByStatus(ctx, interfaces.StatusActive, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		_, err = s.CompareAndSwapStatus(ctx, active[0].ID, interfaces.StatusActive, interfaces.StatusExpired, base)
		require.NoError(t, err)
		got, err = s.ListByStatus(ctx, interfaces.StatusActive, 0)
		require.NoError(t, err)
		assert.Len(t, got, 2)
		got, err = s.ListByStatus(ctx, interfaces.StatusExpired, 0)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, active[0].ID, got[0].ID)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreConformance(t, func(t *testing.T) interfaces.ReleaseStore {
		return NewMemoryStore()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	unit := newTestUnit(interfaces.StatusPending, time.Now())
	unit.Sealed = []byte{1, 2, 3}
	require.NoError(t, s.Create(ctx, unit))

	unit.Sealed[0] = 9
	got, err := s.Get(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, byte(1), got.Sealed[0])

	got.Status = interfaces.StatusCancelled
	again, err := s.Get(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusPending, again.Status)
}
