package api

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruteri/gated-release/geo"
	"github.com/ruteri/gated-release/interfaces"
	"github.com/ruteri/gated-release/timelock"
)

// CallerIDHeader names the caller: the owner for owner-only routes, the
// collector for collection attempts. The server takes it at face value.
const CallerIDHeader = "X-Caller-ID"

// Duration is a time.Duration that travels as a Go duration string ("36h").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// GateSpec is the gate of a create request. Puzzle gates carry no puzzle;
// the server generates one of PuzzleDifficulty.
type GateSpec struct {
	Type               string     `json:"type"`
	UnlockAt           *time.Time `json:"unlock_at,omitempty"`
	PuzzleDifficulty   Duration   `json:"puzzle_difficulty,omitempty"`
	Latitude           float64    `json:"latitude,omitempty"`
	Longitude          float64    `json:"longitude,omitempty"`
	RadiusMeters       float64    `json:"radius_meters,omitempty"`
	RequiredRadioPeers int        `json:"required_radio_peers,omitempty"`
}

func (g GateSpec) Gate() (interfaces.Gate, error) {
	switch g.Type {
	case "time":
		if g.UnlockAt == nil {
			return nil, fmt.Errorf("%w: unlock_at missing", interfaces.ErrInvalidGate)
		}
		return interfaces.TimeGate{UnlockAt: *g.UnlockAt}, nil
	case "puzzle":
		return interfaces.PuzzleGate{}, nil
	case "proximity":
		return interfaces.ProximityGate{
			Latitude:           g.Latitude,
			Longitude:          g.Longitude,
			RadiusMeters:       g.RadiusMeters,
			RequiredRadioPeers: g.RequiredRadioPeers,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown gate type %q", interfaces.ErrInvalidGate, g.Type)
	}
}

type CreateUnitRequest struct {
	Secret []byte   `json:"secret"`
	K      int      `json:"k"`
	N      int      `json:"n"`
	Gate   GateSpec `json:"gate"`
	TTL    Duration `json:"ttl,omitempty"`
}

// Unit is the public view of a release unit. Sealed capsule contents and
// the secret checksum never leave the server.
type Unit struct {
	ID             interfaces.ReleaseUnitID  `json:"id"`
	OwnerID        string                    `json:"owner_id"`
	Kind           interfaces.Kind           `json:"kind"`
	Status         interfaces.Status         `json:"status"`
	Policy         interfaces.SplitPolicy    `json:"policy"`
	Gate           json.RawMessage           `json:"gate"`
	SharesLocation interfaces.SharesLocation `json:"shares_location"`
	SecretLength   int                       `json:"secret_length"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
	ExpiresAt      *time.Time                `json:"expires_at,omitempty"`
}

func UnitFrom(u *interfaces.ReleaseUnit) (Unit, error) {
	gate, err := interfaces.MarshalGate(u.Gate)
	if err != nil {
		return Unit{}, err
	}
	out := Unit{
		ID:             u.ID,
		OwnerID:        u.OwnerID,
		Kind:           u.Kind,
		Status:         u.Status,
		Policy:         u.Policy,
		Gate:           gate,
		SharesLocation: u.SharesLocation,
		SecretLength:   u.Metadata.Length,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
	if u.HasExpiry() {
		expires := u.ExpiresAt
		out.ExpiresAt = &expires
	}
	return out, nil
}

type CreateUnitResponse struct {
	Unit     Unit             `json:"unit"`
	Puzzle   *timelock.Puzzle `json:"puzzle,omitempty"`
	UnlockAt *time.Time       `json:"unlock_at,omitempty"`

	// DistributionError is set when a dead drop stays PENDING.
	DistributionError string `json:"distribution_error,omitempty"`
}

// CollectRequest carries what the collector's device observed.
type CollectRequest struct {
	Location *geo.Reading                `json:"location,omitempty"`
	Peers    []interfaces.DiscoveredPeer `json:"peers,omitempty"`
	Solution *timelock.Solution          `json:"solution,omitempty"`
}

type CollectResponse struct {
	Secret   []byte `json:"secret"`
	Unit     Unit   `json:"unit"`
	Gathered int    `json:"gathered"`
}

type RedistributeRequest struct {
	Secret []byte `json:"secret"`
}

type CancelResponse struct {
	Status interfaces.Status `json:"status"`
}

type NodeStatusRequest struct {
	Status interfaces.NodeStatus `json:"status"`
}

type SweepResponse struct {
	Expired int `json:"expired"`
}
