package xhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSum256Deterministic(t *testing.T) {
	a := Sum256([]byte("hello"))
	b := Sum256([]byte("hello"))
	require.Equal(t, a, b)

	c := Sum256([]byte("hel"), []byte("lo"))
	require.Equal(t, a, c, "Sum256 concatenates its arguments before hashing")
}

func TestRandWordsVary(t *testing.T) {
	a, err := Rand64()
	require.NoError(t, err)
	b, err := Rand64()
	require.NoError(t, err)
	require.NotEqual(t, a, b, "two draws collided with negligible probability")
}

func TestRandBytesLength(t *testing.T) {
	buf, err := RandBytes(32)
	require.NoError(t, err)
	require.Len(t, buf, 32)
}

func TestWeightedChoiceBounds(t *testing.T) {
	weights := []int64{10, 0, 5}
	for i := 0; i < 50; i++ {
		idx, err := WeightedChoice(weights)
		require.NoError(t, err)
		require.True(t, idx >= 0 && idx < len(weights))
	}
}

func TestWeightedChoiceAllZero(t *testing.T) {
	idx, err := WeightedChoice([]int64{0, 0, 0})
	require.NoError(t, err)
	require.True(t, idx >= 0 && idx < 3)
}

func TestWeightedChoiceEmpty(t *testing.T) {
	_, err := WeightedChoice(nil)
	require.Error(t, err)
}
