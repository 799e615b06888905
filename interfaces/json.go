package interfaces

import (
	"encoding/json"
	"fmt"
	"time"
)

type releaseUnitJSON struct {
	ID             ReleaseUnitID   `json:"id"`
	OwnerID        string          `json:"owner_id"`
	Kind           Kind            `json:"kind"`
	Metadata       SecretMetadata  `json:"metadata"`
	Policy         SplitPolicy     `json:"policy"`
	Gate           json.RawMessage `json:"gate"`
	SharesLocation SharesLocation  `json:"shares_location"`
	Sealed         []byte          `json:"sealed,omitempty"`
	Status         Status          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
}

func (u ReleaseUnit) MarshalJSON() ([]byte, error) {
	gate, err := MarshalGate(u.Gate)
	if err != nil {
		return nil, err
	}
	raw := releaseUnitJSON{
		ID:             u.ID,
		OwnerID:        u.OwnerID,
		Kind:           u.Kind,
		Metadata:       u.Metadata,
		Policy:         u.Policy,
		Gate:           gate,
		SharesLocation: u.SharesLocation,
		Sealed:         u.Sealed,
		Status:         u.Status,
		CreatedAt:      u.CreatedAt,
		UpdatedAt:      u.UpdatedAt,
	}
	if u.HasExpiry() {
		expires := u.ExpiresAt
		raw.ExpiresAt = &expires
	}
	return json.Marshal(raw)
}

func (u *ReleaseUnit) UnmarshalJSON(data []byte) error {
	var raw releaseUnitJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	gate, err := UnmarshalGate(raw.Gate)
	if err != nil {
		return fmt.Errorf("release unit %s: %w", raw.ID, err)
	}
	*u = ReleaseUnit{
		ID:             raw.ID,
		OwnerID:        raw.OwnerID,
		Kind:           raw.Kind,
		Metadata:       raw.Metadata,
		Policy:         raw.Policy,
		Gate:           gate,
		SharesLocation: raw.SharesLocation,
		Sealed:         raw.Sealed,
		Status:         raw.Status,
		CreatedAt:      raw.CreatedAt,
		UpdatedAt:      raw.UpdatedAt,
	}
	if raw.ExpiresAt != nil {
		u.ExpiresAt = *raw.ExpiresAt
	}
	return nil
}
