package shamir

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/gated-release/field"
	"github.com/ruteri/gated-release/interfaces"
)

const testUnit = interfaces.ReleaseUnitID("unit-1")

func pick(fragments []interfaces.Fragment, indices ...int) []interfaces.Fragment {
	out := make([]interfaces.Fragment, 0, len(indices))
	for _, idx := range indices {
		out = append(out, fragments[idx-1])
	}
	return out
}

func TestSplitCombine_Hunter2(t *testing.T) {
	secret := []byte("hunter2")
	fragments, err := Split(testUnit, secret, interfaces.SplitPolicy{K: 3, N: 5})
	require.NoError(t, err)
	require.Len(t, fragments, 5, "Should produce one fragment per custodian")

	for i, f := range fragments {
		assert.Equal(t, i+1, f.Index)
		assert.Equal(t, testUnit, f.ReleaseUnitID)
	}

	got, err := Combine(pick(fragments, 1, 3, 5))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(got))

	got, err = Combine(pick(fragments, 2, 4, 5))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(got))

	got, err = Combine(fragments)
	require.NoError(t, err, "More than k fragments should also reconstruct")
	assert.Equal(t, "hunter2", string(got))
}

func TestSplitCombine_RoundTripAllPolicies(t *testing.T) {
	if testing.Short() {
		t.Skip("exhaustive policy sweep")
	}

	secret := make([]byte, 100)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	for n := 2; n <= 50; n++ {
		for k := 2; k <= n; k++ {
			fragments, err := Split(testUnit, secret, interfaces.SplitPolicy{K: k, N: n})
			require.NoError(t, err)

			// First k, last k and every other index starting at the end.
			subsets := [][]interfaces.Fragment{fragments[:k], fragments[n-k:]}
			var alternating []interfaces.Fragment
			for i := n - 1; i >= 0 && len(alternating) < k; i -= 2 {
				alternating = append(alternating, fragments[i])
			}
			if len(alternating) == k {
				subsets = append(subsets, alternating)
			}

			for _, subset := range subsets {
				got, err := Combine(subset)
				require.NoError(t, err, "k=%d n=%d", k, n)
				require.True(t, bytes.Equal(secret, got), "k=%d n=%d", k, n)
			}
		}
	}
}

func TestSplitCombine_EverySubsetSmall(t *testing.T) {
	secret := []byte{0x00, 0x00, 0x07}
	fragments, err := Split(testUnit, secret, interfaces.SplitPolicy{K: 3, N: 6})
	require.NoError(t, err)

	for a := 0; a < 6; a++ {
		for b := a + 1; b < 6; b++ {
			for c := b + 1; c < 6; c++ {
				got, err := Combine([]interfaces.Fragment{fragments[a], fragments[b], fragments[c]})
				require.NoError(t, err)
				assert.Equal(t, secret, got, "subset %d,%d,%d", a+1, b+1, c+1)
			}
		}
	}
}

func TestSplitCombine_ChunkBoundaries(t *testing.T) {
	scheme := Default()
	require.Equal(t, 64, scheme.ChunkSize())

	for _, size := range []int{1, 63, 64, 65, 128, 129, 1000} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			secret := make([]byte, size)
			_, err := rand.Read(secret)
			require.NoError(t, err)
			// Leading zeros must survive.
			secret[0] = 0

			fragments, err := scheme.Split(testUnit, secret, interfaces.SplitPolicy{K: 2, N: 3})
			require.NoError(t, err)
			assert.Len(t, fragments[0].Shares, (size+63)/64)

			got, err := scheme.Combine(pick(fragments, 3, 1))
			require.NoError(t, err)
			assert.Equal(t, secret, got)
		})
	}
}

func TestReconstruct_BelowThreshold(t *testing.T) {
	secret := []byte("correct horse battery staple")
	meta, err := NewMetadata(secret)
	require.NoError(t, err)

	scheme := Default()
	fragments, err := scheme.Split(testUnit, secret, interfaces.SplitPolicy{K: 4, N: 6})
	require.NoError(t, err)

	got, err := scheme.Reconstruct(pick(fragments, 2, 4, 6), meta)
	assert.ErrorIs(t, err, interfaces.ErrReconstructionMismatch, "k-1 fragments must not pass the checksum")
	assert.Nil(t, got)

	got, err = scheme.Reconstruct(pick(fragments, 1, 2, 4, 6), meta)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestCombine_Deterministic(t *testing.T) {
	fragments, err := Split(testUnit, []byte("same subset, same answer"), interfaces.SplitPolicy{K: 3, N: 4})
	require.NoError(t, err)

	first, err := Combine(pick(fragments, 4, 2, 3))
	require.NoError(t, err)
	second, err := Combine(pick(fragments, 4, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSplit_Errors(t *testing.T) {
	_, err := Split(testUnit, []byte("x"), interfaces.SplitPolicy{K: 1, N: 3})
	assert.ErrorIs(t, err, interfaces.ErrInvalidPolicy)

	_, err = Split(testUnit, []byte("x"), interfaces.SplitPolicy{K: 4, N: 3})
	assert.ErrorIs(t, err, interfaces.ErrInvalidPolicy)

	_, err = Split(testUnit, nil, interfaces.SplitPolicy{K: 2, N: 3})
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestCombine_InvalidShareSets(t *testing.T) {
	fragments, err := Split(testUnit, []byte("hunter2"), interfaces.SplitPolicy{K: 2, N: 3})
	require.NoError(t, err)

	other, err := Split("unit-2", []byte("hunter2"), interfaces.SplitPolicy{K: 2, N: 3})
	require.NoError(t, err)

	longer, err := Split(testUnit, bytes.Repeat([]byte("a"), 100), interfaces.SplitPolicy{K: 2, N: 3})
	require.NoError(t, err)

	badPrime := fragments[1]
	badPrime.Shares = []interfaces.Share{{Index: 2, Value: big.NewInt(5), Prime: big.NewInt(7)}}

	testCases := []struct {
		name      string
		fragments []interfaces.Fragment
	}{
		{name: "empty", fragments: nil},
		{name: "duplicate index", fragments: []interfaces.Fragment{fragments[0], fragments[0]}},
		{name: "different units", fragments: []interfaces.Fragment{fragments[0], other[1]}},
		{name: "chunk count mismatch", fragments: []interfaces.Fragment{fragments[0], longer[1]}},
		{name: "mismatched prime", fragments: []interfaces.Fragment{fragments[0], badPrime}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Combine(tc.fragments)
			assert.ErrorIs(t, err, interfaces.ErrInvalidShareSet)
		})
	}
}

func TestSplitElement_CombineElement(t *testing.T) {
	scheme := Default()
	secret, err := scheme.Field().Random()
	require.NoError(t, err)

	shares, err := scheme.SplitElement(secret, interfaces.SplitPolicy{K: 3, N: 5})
	require.NoError(t, err)
	for _, s := range shares {
		assert.True(t, scheme.Field().Contains(s.Value))
		assert.Equal(t, 0, s.Prime.Cmp(field.DefaultPrime))
	}

	got, err := scheme.CombineElement([]interfaces.Share{shares[4], shares[0], shares[2]})
	require.NoError(t, err)
	assert.Equal(t, 0, secret.Cmp(got))

	_, err = scheme.SplitElement(new(big.Int).Set(field.DefaultPrime), interfaces.SplitPolicy{K: 2, N: 2})
	assert.Error(t, err, "Elements outside the field cannot be shared")
}

func TestNewScheme_SmallField(t *testing.T) {
	p, err := rand.Prime(rand.Reader, 256)
	require.NoError(t, err)
	f, err := field.New(p)
	require.NoError(t, err)

	scheme, err := NewScheme(f)
	require.NoError(t, err)
	assert.Equal(t, 30, scheme.ChunkSize())

	secret := []byte("a secret that spans more than one thirty byte chunk")
	fragments, err := scheme.Split(testUnit, secret, interfaces.SplitPolicy{K: 2, N: 2})
	require.NoError(t, err)
	got, err := scheme.Combine(fragments)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	// Shares from a different field are rejected.
	_, err = Default().Combine(fragments)
	assert.ErrorIs(t, err, interfaces.ErrInvalidShareSet)

	tiny, err := field.New(big.NewInt(251))
	require.NoError(t, err)
	_, err = NewScheme(tiny)
	assert.Error(t, err)
}

func TestFragmentCodec(t *testing.T) {
	fragments, err := Split(testUnit, []byte("hunter2"), interfaces.SplitPolicy{K: 2, N: 2})
	require.NoError(t, err)

	data, err := EncodeFragment(fragments[1])
	require.NoError(t, err)
	decoded, err := DecodeFragment(data)
	require.NoError(t, err)
	assert.Equal(t, fragments[1].Index, decoded.Index)

	got, err := Combine([]interfaces.Fragment{fragments[0], *decoded})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(got))

	bundle, err := EncodeBundle(fragments)
	require.NoError(t, err)
	all, err := DecodeBundle(bundle)
	require.NoError(t, err)
	got, err = Combine(all)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", string(got))

	_, err = DecodeFragment([]byte(`{"release_unit_id":"u","index":1,"shares":[]}`))
	assert.ErrorIs(t, err, interfaces.ErrInvalidShareSet)
	_, err = DecodeBundle([]byte(`[]`))
	assert.ErrorIs(t, err, interfaces.ErrInvalidShareSet)
}

func TestVerify(t *testing.T) {
	meta, err := NewMetadata([]byte("hunter2"))
	require.NoError(t, err)
	assert.NoError(t, Verify([]byte("hunter2"), meta))
	assert.ErrorIs(t, Verify([]byte("hunter3"), meta), interfaces.ErrReconstructionMismatch)
	assert.ErrorIs(t, Verify([]byte("hunter22"), meta), interfaces.ErrReconstructionMismatch)
}

func TestInterpolateElement_RecoversOtherShares(t *testing.T) {
	scheme := Default()
	shares, err := scheme.SplitElement(big.NewInt(424242), interfaces.SplitPolicy{K: 3, N: 5})
	require.NoError(t, err)

	for _, target := range shares[3:] {
		y, err := scheme.InterpolateElement(shares[:3], big.NewInt(int64(target.Index)))
		require.NoError(t, err)
		assert.Equal(t, 0, y.Cmp(target.Value), "share %d", target.Index)
	}
}

// corrupt replaces the first share value of a fragment with a different
// field element, keeping the fragment well formed.
func corrupt(f interfaces.Fragment) interfaces.Fragment {
	shares := make([]interfaces.Share, len(f.Shares))
	copy(shares, f.Shares)
	shares[0].Value = new(big.Int).Add(shares[0].Value, big.NewInt(1))
	shares[0].Value.Mod(shares[0].Value, shares[0].Prime)
	f.Shares = shares
	return f
}

func TestReconstructTolerant(t *testing.T) {
	secret := []byte("the ledger is in the third drawer")
	meta, err := NewMetadata(secret)
	require.NoError(t, err)

	scheme := Default()
	fragments, err := scheme.Split(testUnit, secret, interfaces.SplitPolicy{K: 2, N: 4})
	require.NoError(t, err)

	t.Run("all honest", func(t *testing.T) {
		got, rejected, err := scheme.ReconstructTolerant(fragments, 2, meta)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
		assert.Empty(t, rejected)
	})

	t.Run("one corrupted among k+2", func(t *testing.T) {
		gathered := pick(fragments, 1, 2, 3, 4)
		gathered[2] = corrupt(gathered[2])

		_, err := scheme.Reconstruct(gathered, meta)
		require.ErrorIs(t, err, interfaces.ErrReconstructionMismatch)

		got, rejected, err := scheme.ReconstructTolerant(gathered, 2, meta)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
		assert.Equal(t, []int{3}, rejected)
	})

	t.Run("one corrupted among k+1", func(t *testing.T) {
		gathered := pick(fragments, 1, 2, 4)
		gathered[0] = corrupt(gathered[0])

		got, rejected, err := scheme.ReconstructTolerant(gathered, 2, meta)
		require.NoError(t, err)
		assert.Equal(t, secret, got)
		assert.Equal(t, []int{1}, rejected)
	})

	t.Run("exactly k with one corrupted", func(t *testing.T) {
		gathered := pick(fragments, 1, 2)
		gathered[1] = corrupt(gathered[1])

		_, _, err := scheme.ReconstructTolerant(gathered, 2, meta)
		assert.ErrorIs(t, err, interfaces.ErrReconstructionMismatch)
	})
}

func TestNextSubset(t *testing.T) {
	subset := []int{0, 1}
	var all [][]int
	for {
		all = append(all, append([]int(nil), subset...))
		if !nextSubset(subset, 4) {
			break
		}
	}
	assert.Equal(t, [][]int{{0, 1}, {0, 2}, {0, 3}, {1, 2}, {1, 3}, {2, 3}}, all)
}
