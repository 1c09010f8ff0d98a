package core

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	leafA = strings.Repeat("a", 64)
	leafB = strings.Repeat("b", 64)
	leafC = strings.Repeat("c", 64)
)

func TestComputeRoot_TwoLeafVector(t *testing.T) {
	root, err := ComputeRoot([]string{leafA, leafB})
	require.NoError(t, err)

	assert.Equal(t, "fa0dafbf43f1f551e536353e9d1a942a8e86e41a0b58dfeaf264ef217f6b862a", root)
	assert.Equal(t, HashHex(leafA+leafB), root)
}

func TestComputeRoot_ThreeLeafPadsLastNode(t *testing.T) {
	root, err := ComputeRoot([]string{leafA, leafB, leafC})
	require.NoError(t, err)

	assert.Equal(t, "f372961e0178fea099eb05057b8b6a363a21f7ee2456e6e17a8f92990d01d1f9", root)
	assert.Equal(t, HashHex(HashHex(leafA+leafB)+HashHex(leafC+leafC)), root)
}

func TestComputeRoot_SingleLeaf(t *testing.T) {
	root, err := ComputeRoot([]string{leafA})
	require.NoError(t, err)
	assert.Equal(t, leafA, root)
}

func TestComputeRoot_NormalizesLeaves(t *testing.T) {
	mixed, err := ComputeRoot([]string{"  " + strings.ToUpper(leafA) + "\n", leafB})
	require.NoError(t, err)

	plain, err := ComputeRoot([]string{leafA, leafB})
	require.NoError(t, err)

	assert.Equal(t, plain, mixed)
}

func TestComputeRoot_OrderMatters(t *testing.T) {
	ab, err := ComputeRoot([]string{leafA, leafB})
	require.NoError(t, err)
	ba, err := ComputeRoot([]string{leafB, leafA})
	require.NoError(t, err)

	assert.NotEqual(t, ab, ba)
}

func TestComputeRoot_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		leaves []string
		want   error
	}{
		{"empty", nil, ErrEmptyLeaves},
		{"short leaf", []string{leafA, "abc"}, ErrInvalidPillar},
		{"non hex", []string{strings.Repeat("z", 64)}, ErrInvalidPillar},
		{"blank", []string{"   "}, ErrInvalidPillar},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ComputeRoot(tt.leaves)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestNamedRoots(t *testing.T) {
	sovereign, err := SovereignRoot(leafA, leafB, leafC)
	require.NoError(t, err)
	direct, err := ComputeRoot([]string{leafA, leafB, leafC})
	require.NoError(t, err)
	assert.Equal(t, direct, sovereign)

	faceDevice, err := FaceDeviceRoot(leafA, leafB)
	require.NoError(t, err)
	assert.Equal(t, HashHex(leafA+leafB), faceDevice)
}

func TestIdentityAnchorHash(t *testing.T) {
	h, err := IdentityAnchorHash(" +15551234567 ", "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "2978189fc14921dc06afcd882d37891639faeaabc9a729b6aa8d98a009ae8f94", h)

	_, err = IdentityAnchorHash("", "dev-1")
	assert.ErrorIs(t, err, ErrMissingField)
	_, err = IdentityAnchorHash("+15551234567", " ")
	assert.ErrorIs(t, err, ErrMissingField)
}
