package interfaces

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// MaxShares bounds n. Indices are small integers so this only limits work.
const MaxShares = 255

// ReleaseUnitID identifies a capsule or dead drop.
type ReleaseUnitID string

func NewReleaseUnitID() ReleaseUnitID {
	return ReleaseUnitID(uuid.NewString())
}

func (id ReleaseUnitID) String() string {
	return string(id)
}

// CustodianID identifies a custodian node.
type CustodianID string

func (id CustodianID) String() string {
	return string(id)
}

// Kind distinguishes the two release unit variants.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindCapsule
	KindDeadDrop
)

func (k Kind) String() string {
	switch k {
	case KindCapsule:
		return "capsule"
	case KindDeadDrop:
		return "dead_drop"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "capsule":
		return KindCapsule, nil
	case "dead_drop":
		return KindDeadDrop, nil
	default:
		return KindUnknown, fmt.Errorf("unknown kind %q", s)
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	if k == KindUnknown {
		return nil, fmt.Errorf("cannot marshal unknown kind")
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Status is the lifecycle state of a release unit. Capsules use
// Locked/Solving/Unlocked, dead drops Pending/Distributed/Active/Collected/Expired;
// both can be Cancelled.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusLocked
	StatusSolving
	StatusUnlocked
	StatusPending
	StatusDistributed
	StatusActive
	StatusCollected
	StatusExpired
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusLocked:      "LOCKED",
	StatusSolving:     "SOLVING",
	StatusUnlocked:    "UNLOCKED",
	StatusPending:     "PENDING",
	StatusDistributed: "DISTRIBUTED",
	StatusActive:      "ACTIVE",
	StatusCollected:   "COLLECTED",
	StatusExpired:     "EXPIRED",
	StatusCancelled:   "CANCELLED",
}

// AllStatuses lists every known status, in declaration order.
func AllStatuses() []Status {
	return []Status{
		StatusLocked, StatusSolving, StatusUnlocked,
		StatusPending, StatusDistributed, StatusActive, StatusCollected, StatusExpired,
		StatusCancelled,
	}
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func ParseStatus(s string) (Status, error) {
	for status, name := range statusNames {
		if name == s {
			return status, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown status %q", s)
}

func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("cannot marshal status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// SharesLocation says where a unit's fragments live.
type SharesLocation uint8

const (
	SharesEmbedded SharesLocation = iota + 1
	SharesCustodians
)

func (l SharesLocation) String() string {
	switch l {
	case SharesEmbedded:
		return "embedded"
	case SharesCustodians:
		return "custodians"
	default:
		return "unknown"
	}
}

func (l SharesLocation) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *SharesLocation) UnmarshalText(text []byte) error {
	switch string(text) {
	case "embedded":
		*l = SharesEmbedded
	case "custodians":
		*l = SharesCustodians
	default:
		return fmt.Errorf("unknown shares location %q", text)
	}
	return nil
}

// SplitPolicy is the k-of-n threshold.
type SplitPolicy struct {
	K int `json:"k"`
	N int `json:"n"`
}

func (p SplitPolicy) Validate() error {
	if p.K < 2 || p.K > p.N {
		return fmt.Errorf("%w: k=%d n=%d, need 2 <= k <= n", ErrInvalidPolicy, p.K, p.N)
	}
	if p.N > MaxShares {
		return fmt.Errorf("%w: n=%d exceeds %d", ErrInvalidPolicy, p.N, MaxShares)
	}
	return nil
}

// Share is one point (Index, Value) on a polynomial over GF(Prime).
type Share struct {
	Index int
	Value *big.Int
	Prime *big.Int
}

type shareJSON struct {
	Index int           `json:"index"`
	Value hexutil.Bytes `json:"value"`
	Prime hexutil.Bytes `json:"prime"`
}

func (s Share) MarshalJSON() ([]byte, error) {
	if s.Value == nil || s.Prime == nil {
		return nil, fmt.Errorf("%w: share %d has no value or prime", ErrInvalidShareSet, s.Index)
	}
	return json.Marshal(shareJSON{Index: s.Index, Value: s.Value.Bytes(), Prime: s.Prime.Bytes()})
}

func (s *Share) UnmarshalJSON(data []byte) error {
	var raw shareJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Index = raw.Index
	s.Value = new(big.Int).SetBytes(raw.Value)
	s.Prime = new(big.Int).SetBytes(raw.Prime)
	return nil
}

// Fragment is every chunk-share with one index: what a single custodian holds.
type Fragment struct {
	ReleaseUnitID ReleaseUnitID `json:"release_unit_id"`
	Index         int           `json:"index"`
	Shares        []Share       `json:"shares"`
}

// SecretMetadata describes the secret without revealing it.
type SecretMetadata struct {
	Length   int           `json:"length"`
	Checksum hexutil.Bytes `json:"checksum"`
	Salt     hexutil.Bytes `json:"salt"`
}

// ReleaseUnit is a capsule or a dead drop. Sealed holds the capsule's sealed
// fragment bundle and is empty for dead drops.
type ReleaseUnit struct {
	ID             ReleaseUnitID
	OwnerID        string
	Kind           Kind
	Metadata       SecretMetadata
	Policy         SplitPolicy
	Gate           Gate
	SharesLocation SharesLocation
	Sealed         []byte
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      time.Time
}

// HasExpiry reports whether the unit has a time-to-live.
func (u *ReleaseUnit) HasExpiry() bool {
	return !u.ExpiresAt.IsZero()
}

func (u *ReleaseUnit) Expired(now time.Time) bool {
	return u.HasExpiry() && !now.Before(u.ExpiresAt)
}

// Clone returns a copy that shares no mutable memory with u.
func (u *ReleaseUnit) Clone() *ReleaseUnit {
	c := *u
	c.Metadata.Checksum = append(hexutil.Bytes(nil), u.Metadata.Checksum...)
	c.Metadata.Salt = append(hexutil.Bytes(nil), u.Metadata.Salt...)
	c.Sealed = append([]byte(nil), u.Sealed...)
	return &c
}

// CustodianAssignment records that one custodian holds one fragment of a unit.
type CustodianAssignment struct {
	ReleaseUnitID ReleaseUnitID `json:"release_unit_id"`
	CustodianID   CustodianID   `json:"custodian_id"`
	ShareIndex    int           `json:"share_index"`
	ContentID     ContentID     `json:"content_id"`
	StoredAt      time.Time     `json:"stored_at"`
	LastSeen      time.Time     `json:"last_seen"`
}

// AuditEvent is one entry of a unit's append-only status history.
type AuditEvent struct {
	ReleaseUnitID ReleaseUnitID `json:"release_unit_id"`
	From          Status        `json:"from"`
	To            Status        `json:"to"`
	Actor         string        `json:"actor"`
	Reason        string        `json:"reason,omitempty"`
	At            time.Time     `json:"at"`
}

// CollectionOutcome is the result of one collection attempt.
type CollectionOutcome uint8

const (
	OutcomePending CollectionOutcome = iota
	OutcomeReleased
	OutcomeGateClosed
	OutcomeInsufficient
	OutcomeMismatch
	OutcomeLostRace
	OutcomeExpired
)

func (o CollectionOutcome) String() string {
	switch o {
	case OutcomeReleased:
		return "released"
	case OutcomeGateClosed:
		return "gate_closed"
	case OutcomeInsufficient:
		return "insufficient_shares"
	case OutcomeMismatch:
		return "checksum_mismatch"
	case OutcomeLostRace:
		return "already_collected"
	case OutcomeExpired:
		return "expired"
	default:
		return "pending"
	}
}

// CollectionAttempt lives only for the duration of one collection workflow.
type CollectionAttempt struct {
	ReleaseUnitID ReleaseUnitID
	CollectorID   string
	Gathered      map[int]Fragment
	StartedAt     time.Time
	Outcome       CollectionOutcome
}
