package shamir

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ruteri/gated-release/interfaces"
)

const (
	// maxSubsetTrials bounds the k-subsets scored when the full set of
	// fragments does not reconstruct.
	maxSubsetTrials = 512
	// maxChecksumTrials bounds checksum verifications, each an argon2id run.
	maxChecksumTrials = 8
)

// ReconstructTolerant reconstructs from fragments of which some may be
// corrupted. It first tries all fragments together. If that fails to verify
// it looks for a k-subset whose polynomial the most other fragments agree
// with, and verifies the agreeing set against meta.
//
// On success rejected lists the indices of fragments left out because they
// did not fit the verified polynomial.
func (s *Scheme) ReconstructTolerant(fragments []interfaces.Fragment, k int, meta interfaces.SecretMetadata) (secret []byte, rejected []int, err error) {
	secret, err = s.Reconstruct(fragments, meta)
	if err == nil || len(fragments) <= k || k < 1 {
		return secret, nil, err
	}
	if !errors.Is(err, interfaces.ErrReconstructionMismatch) && !errors.Is(err, interfaces.ErrInvalidShareSet) {
		return nil, nil, err
	}
	firstErr := err

	tried := make(map[string]struct{})
	for _, agreeing := range s.rankSubsets(fragments, k) {
		if len(tried) == maxChecksumTrials {
			break
		}
		key := fmt.Sprint(agreeing)
		if _, dup := tried[key]; dup {
			continue
		}
		tried[key] = struct{}{}

		subset := make([]interfaces.Fragment, len(agreeing))
		for i, idx := range agreeing {
			subset[i] = fragments[idx]
		}
		recovered, err := s.Reconstruct(subset, meta)
		if err != nil {
			continue
		}

		used := make(map[int]struct{}, len(agreeing))
		for _, idx := range agreeing {
			used[idx] = struct{}{}
		}
		for i, f := range fragments {
			if _, ok := used[i]; !ok {
				rejected = append(rejected, f.Index)
			}
		}
		return recovered, rejected, nil
	}
	return nil, nil, firstErr
}

// rankSubsets scores k-subsets of fragments by how many of the remaining
// fragments lie on the polynomial they define. For each usable subset it
// returns, best first, the positions of the subset and its agreeing fragments.
func (s *Scheme) rankSubsets(fragments []interfaces.Fragment, k int) [][]int {
	var ranked [][]int

	subset := make([]int, k)
	for i := range subset {
		subset[i] = i
	}
	for trial := 0; trial < maxSubsetTrials; trial++ {
		if agreeing, ok := s.agreement(fragments, subset); ok {
			ranked = append(ranked, agreeing)
		}
		if !nextSubset(subset, len(fragments)) {
			break
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return len(ranked[i]) > len(ranked[j]) })
	return ranked
}

// agreement returns the positions of subset plus every other fragment whose
// shares all match the subset's interpolation at its index. It reports false
// when the subset itself is not a valid share set.
func (s *Scheme) agreement(fragments []interfaces.Fragment, subset []int) ([]int, bool) {
	chunks := len(fragments[subset[0]].Shares)
	if chunks == 0 {
		return nil, false
	}
	in := make(map[int]struct{}, len(subset))
	for _, idx := range subset {
		if len(fragments[idx].Shares) != chunks {
			return nil, false
		}
		in[idx] = struct{}{}
	}

	column := make([]interfaces.Share, len(subset))
	agreeing := append([]int(nil), subset...)

	for other, f := range fragments {
		if _, ok := in[other]; ok {
			continue
		}
		if len(f.Shares) != chunks {
			continue
		}
		x := big.NewInt(int64(f.Index))
		fits := true
		for c := 0; c < chunks && fits; c++ {
			for i, idx := range subset {
				column[i] = fragments[idx].Shares[c]
			}
			y, err := s.InterpolateElement(column, x)
			if err != nil {
				return nil, false
			}
			fits = f.Shares[c].Value != nil && y.Cmp(f.Shares[c].Value) == 0
		}
		if fits {
			agreeing = append(agreeing, other)
		}
	}
	sort.Ints(agreeing)
	return agreeing, true
}

// nextSubset advances subset to the next k-combination of [0, n) in
// lexicographic order. It returns false after the last one.
func nextSubset(subset []int, n int) bool {
	k := len(subset)
	i := k - 1
	for i >= 0 && subset[i] == n-k+i {
		i--
	}
	if i < 0 {
		return false
	}
	subset[i]++
	for j := i + 1; j < k; j++ {
		subset[j] = subset[j-1] + 1
	}
	return true
}
