package shamir

import (
	"encoding/json"
	"fmt"

	"github.com/ruteri/gated-release/interfaces"
)

// EncodeFragment serializes a fragment for transport or storage.
func EncodeFragment(f interfaces.Fragment) ([]byte, error) {
	if f.ReleaseUnitID == "" || f.Index < 1 || len(f.Shares) == 0 {
		return nil, fmt.Errorf("%w: incomplete fragment", interfaces.ErrInvalidShareSet)
	}
	return json.Marshal(f)
}

// DecodeFragment parses and structurally checks a fragment.
func DecodeFragment(data []byte) (*interfaces.Fragment, error) {
	var f interfaces.Fragment
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidShareSet, err)
	}
	if f.ReleaseUnitID == "" || f.Index < 1 || len(f.Shares) == 0 {
		return nil, fmt.Errorf("%w: incomplete fragment", interfaces.ErrInvalidShareSet)
	}
	for _, share := range f.Shares {
		if share.Index != f.Index {
			return nil, fmt.Errorf("%w: fragment %d contains share %d", interfaces.ErrInvalidShareSet, f.Index, share.Index)
		}
	}
	return &f, nil
}

// EncodeBundle serializes every fragment of a capsule together.
func EncodeBundle(fragments []interfaces.Fragment) ([]byte, error) {
	if len(fragments) == 0 {
		return nil, fmt.Errorf("%w: empty bundle", interfaces.ErrInvalidShareSet)
	}
	return json.Marshal(fragments)
}

func DecodeBundle(data []byte) ([]interfaces.Fragment, error) {
	var fragments []interfaces.Fragment
	if err := json.Unmarshal(data, &fragments); err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrInvalidShareSet, err)
	}
	if len(fragments) == 0 {
		return nil, fmt.Errorf("%w: empty bundle", interfaces.ErrInvalidShareSet)
	}
	return fragments, nil
}
