package interfaces

import (
	"context"
	"fmt"
	"time"

	"github.com/ruteri/gated-release/geo"
)

// NodeStatus is a custodian's availability as tracked by the registry.
type NodeStatus uint8

const (
	NodeOffline NodeStatus = iota
	NodeOnline
	NodeRetired
)

func (s NodeStatus) String() string {
	switch s {
	case NodeOnline:
		return "online"
	case NodeRetired:
		return "retired"
	default:
		return "offline"
	}
}

func (s NodeStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *NodeStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "online":
		*s = NodeOnline
	case "offline":
		*s = NodeOffline
	case "retired":
		*s = NodeRetired
	default:
		return fmt.Errorf("unknown node status %q", text)
	}
	return nil
}

// CustodianNode is a peer that can hold one fragment per release unit.
// PublicKey is the PEM P-256 key fragments are encrypted to at rest.
type CustodianNode struct {
	ID            CustodianID  `json:"id"`
	Endpoint      string       `json:"endpoint"`
	PublicKey     []byte       `json:"public_key,omitempty"`
	TrustScore    float64      `json:"trust_score"`
	CapacityTotal int          `json:"capacity_total"`
	CapacityUsed  int          `json:"capacity_used"`
	Location      *geo.Reading `json:"location,omitempty"`
	Status        NodeStatus   `json:"status"`
	LastSeen      time.Time    `json:"last_seen"`
}

func (n CustodianNode) RemainingCapacity() int {
	return n.CapacityTotal - n.CapacityUsed
}

// NodeRegistry tracks custodian availability, trust, capacity and location.
type NodeRegistry interface {
	List(ctx context.Context) ([]CustodianNode, error)
	Get(ctx context.Context, id CustodianID) (CustodianNode, error)

	// Register inserts or updates a node. Capacity usage and trust of an
	// existing node are preserved.
	Register(ctx context.Context, node CustodianNode) error

	UpdateStatus(ctx context.Context, id CustodianID, status NodeStatus) error

	// ReserveCapacity claims one fragment slot or fails with ErrCapacityExhausted.
	ReserveCapacity(ctx context.Context, id CustodianID) error
	ReleaseCapacity(ctx context.Context, id CustodianID) error

	RecordSeen(ctx context.Context, id CustodianID, at time.Time) error

	// AdjustTrust adds delta to the trust score, clamped to [0, 1].
	AdjustTrust(ctx context.Context, id CustodianID, delta float64) error
}

// CustodianClient talks to custodian nodes.
type CustodianClient interface {
	// StoreFragment stores f at the node, replacing any earlier fragment of
	// the same unit, and returns the content id the node stored it under.
	StoreFragment(ctx context.Context, node CustodianNode, f Fragment) (ContentID, error)

	// FetchFragment returns the node's fragment for the unit or ErrFragmentNotFound.
	FetchFragment(ctx context.Context, node CustodianNode, id ReleaseUnitID) (*Fragment, error)

	DeleteFragment(ctx context.Context, node CustodianNode, id ReleaseUnitID) error
}

// DiscoveredPeer is one custodian heard over short-range radio.
type DiscoveredPeer struct {
	CustodianID CustodianID `json:"custodian_id"`
	RSSI        int         `json:"rssi,omitempty"`
}

// RadioScan is an immutable snapshot of one discovery window.
type RadioScan struct {
	StartedAt time.Time        `json:"started_at"`
	Window    time.Duration    `json:"window"`
	Peers     []DiscoveredPeer `json:"peers"`
}

// Unique returns the distinct custodian ids in the scan, in first-seen order.
func (s RadioScan) Unique() []CustodianID {
	seen := make(map[CustodianID]struct{}, len(s.Peers))
	ids := make([]CustodianID, 0, len(s.Peers))
	for _, p := range s.Peers {
		if _, ok := seen[p.CustodianID]; ok {
			continue
		}
		seen[p.CustodianID] = struct{}{}
		ids = append(ids, p.CustodianID)
	}
	return ids
}

// RadioScanner runs one bounded discovery window per call. Each call returns
// a fresh snapshot; scanners keep no state across calls that callers observe.
type RadioScanner interface {
	Scan(ctx context.Context) (RadioScan, error)
}
