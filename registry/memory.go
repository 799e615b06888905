package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ruteri/gated-release/interfaces"
)

// DefaultTrustScore is assigned to nodes registered without one.
const DefaultTrustScore = 0.5

var _ interfaces.NodeRegistry = (*MemoryRegistry)(nil)

type MemoryRegistry struct {
	log   *slog.Logger
	mu    sync.RWMutex
	nodes map[interfaces.CustodianID]*interfaces.CustodianNode
}

func NewMemoryRegistry(log *slog.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		log:   log,
		nodes: make(map[interfaces.CustodianID]*interfaces.CustodianNode),
	}
}

func (r *MemoryRegistry) List(ctx context.Context) ([]interfaces.CustodianNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.CustodianNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, copyNode(n))
	}
	slices.SortFunc(out, func(a, b interfaces.CustodianNode) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out, nil
}

func (r *MemoryRegistry) Get(ctx context.Context, id interfaces.CustodianID) (interfaces.CustodianNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.nodes[id]
	if !ok {
		return interfaces.CustodianNode{}, fmt.Errorf("%w: %s", interfaces.ErrCustodianNotFound, id)
	}
	return copyNode(n), nil
}

func (r *MemoryRegistry) Register(ctx context.Context, node interfaces.CustodianNode) error {
	if node.ID == "" || node.Endpoint == "" {
		return fmt.Errorf("custodian node needs an id and an endpoint")
	}
	if node.CapacityTotal < 0 {
		return fmt.Errorf("custodian %s: negative capacity", node.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.nodes[node.ID]; ok {
		node.CapacityUsed = existing.CapacityUsed
		node.TrustScore = existing.TrustScore
	} else if node.TrustScore == 0 {
		node.TrustScore = DefaultTrustScore
	}
	node.TrustScore = clampTrust(node.TrustScore)
	stored := copyNode(&node)
	r.nodes[node.ID] = &stored

	r.log.Info("custodian registered",
		slog.String("custodian", string(node.ID)),
		slog.String("endpoint", node.Endpoint),
		slog.Int("capacity", node.CapacityTotal))
	return nil
}

func (r *MemoryRegistry) update(id interfaces.CustodianID, fn func(n *interfaces.CustodianNode) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", interfaces.ErrCustodianNotFound, id)
	}
	return fn(n)
}

func (r *MemoryRegistry) UpdateStatus(ctx context.Context, id interfaces.CustodianID, status interfaces.NodeStatus) error {
	return r.update(id, func(n *interfaces.CustodianNode) error {
		if n.Status != status {
			r.log.Info("custodian status changed",
				slog.String("custodian", string(id)),
				slog.String("from", n.Status.String()),
				slog.String("to", status.String()))
		}
		n.Status = status
		return nil
	})
}

func (r *MemoryRegistry) ReserveCapacity(ctx context.Context, id interfaces.CustodianID) error {
	return r.update(id, func(n *interfaces.CustodianNode) error {
		if n.RemainingCapacity() <= 0 {
			return fmt.Errorf("%w: %s", interfaces.ErrCapacityExhausted, id)
		}
		n.CapacityUsed++
		return nil
	})
}

func (r *MemoryRegistry) ReleaseCapacity(ctx context.Context, id interfaces.CustodianID) error {
	return r.update(id, func(n *interfaces.CustodianNode) error {
		if n.CapacityUsed > 0 {
			n.CapacityUsed--
		}
		return nil
	})
}

func (r *MemoryRegistry) RecordSeen(ctx context.Context, id interfaces.CustodianID, at time.Time) error {
	return r.update(id, func(n *interfaces.CustodianNode) error {
		if at.After(n.LastSeen) {
			n.LastSeen = at
		}
		return nil
	})
}

func (r *MemoryRegistry) AdjustTrust(ctx context.Context, id interfaces.CustodianID, delta float64) error {
	return r.update(id, func(n *interfaces.CustodianNode) error {
		n.TrustScore = clampTrust(n.TrustScore + delta)
		return nil
	})
}

func clampTrust(v float64) float64 {
	return min(1, max(0, v))
}

func copyNode(n *interfaces.CustodianNode) interfaces.CustodianNode {
	c := *n
	c.PublicKey = slices.Clone(n.PublicKey)
	if n.Location != nil {
		loc := *n.Location
		c.Location = &loc
	}
	return c
}
