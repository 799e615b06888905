package store

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/gated-release/interfaces"
)

// MemoryStore keeps everything in process memory. It backs tests and
// single-node deployments.
type MemoryStore struct {
	mu          sync.Mutex
	units       map[interfaces.ReleaseUnitID]*interfaces.ReleaseUnit
	assignments map[interfaces.ReleaseUnitID][]interfaces.CustodianAssignment
	audit       map[interfaces.ReleaseUnitID][]interfaces.AuditEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		units:       make(map[interfaces.ReleaseUnitID]*interfaces.ReleaseUnit),
		assignments: make(map[interfaces.ReleaseUnitID][]interfaces.CustodianAssignment),
		audit:       make(map[interfaces.ReleaseUnitID][]interfaces.AuditEvent),
	}
}

func (s *MemoryStore) Create(ctx context.Context, unit *interfaces.ReleaseUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.units[unit.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, unit.ID)
	}
	s.units[unit.ID] = unit.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id interfaces.ReleaseUnitID) (*interfaces.ReleaseUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrReleaseUnitNotFound, id)
	}
	return unit.Clone(), nil
}

func (s *MemoryStore) CompareAndSwapStatus(ctx context.Context, id interfaces.ReleaseUnitID, expected, next interfaces.Status, at time.Time) (*interfaces.ReleaseUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unit, ok := s.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrReleaseUnitNotFound, id)
	}
	if unit.Status != expected {
		return unit.Clone(), fmt.Errorf("%w: %s is %s, expected %s", interfaces.ErrStatusConflict, id, unit.Status, expected)
	}
	unit.Status = next
	unit.UpdatedAt = at
	return unit.Clone(), nil
}

func (s *MemoryStore) SaveAssignments(ctx context.Context, id interfaces.ReleaseUnitID, assignments []interfaces.CustodianAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.units[id]; !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrReleaseUnitNotFound, id)
	}
	s.assignments[id] = slices.Clone(assignments)
	return nil
}

func (s *MemoryStore) Assignments(ctx context.Context, id interfaces.ReleaseUnitID) ([]interfaces.CustodianAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.units[id]; !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrReleaseUnitNotFound, id)
	}
	return slices.Clone(s.assignments[id]), nil
}

func (s *MemoryStore) TouchAssignment(ctx context.Context, id interfaces.ReleaseUnitID, custodian interfaces.CustodianID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.assignments[id] {
		if s.assignments[id][i].CustodianID == custodian {
			s.assignments[id][i].LastSeen = at
			return nil
		}
	}
	return fmt.Errorf("%w: no assignment of %s to %s", interfaces.ErrCustodianNotFound, id, custodian)
}

func (s *MemoryStore) AppendAudit(ctx context.Context, event interfaces.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit[event.ReleaseUnitID] = append(s.audit[event.ReleaseUnitID], event)
	return nil
}

func (s *MemoryStore) Audit(ctx context.Context, id interfaces.ReleaseUnitID) ([]interfaces.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.audit[id]), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status interfaces.Status, limit int) ([]*interfaces.ReleaseUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*interfaces.ReleaseUnit
	for _, unit := range s.units {
		if unit.Status == status {
			out = append(out, unit.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *interfaces.ReleaseUnit) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
