package pow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dsrnet/dsr-node/internal/nodeerr"
	"github.com/dsrnet/dsr-node/internal/wire"
)

func TestGenerateChallengeDeterministicGivenSameInputsExceptDifficulty(t *testing.T) {
	prev := &wire.AdmissionBlock{}
	c1, err := GenerateChallenge(prev, 7, []byte("pk-sign"), []byte("pk-enc"))
	require.NoError(t, err)
	c2, err := GenerateChallenge(prev, 7, []byte("pk-sign"), []byte("pk-enc"))
	require.NoError(t, err)
	require.Equal(t, c1.R, c2.R, "R is a pure function of the preimage")
}

func TestIsSolvedRoundTrip(t *testing.T) {
	c := &Challenge{} // R = zeros(32), T = {0, 0} — scenario 5
	nonce, err := Solve(context.Background(), c)
	require.NoError(t, err)
	require.True(t, IsSolved(c, nonce))

	flipped := nonce ^ 1
	require.False(t, IsSolved(c, flipped), "a one-bit flip must invalidate the solution")
}

func TestSolveRespectsContextCancellation(t *testing.T) {
	// An already-cancelled context must make Solve return promptly:
	// every worker checks the context before its first attempt.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := &Challenge{T: [2]byte{0xFF, 0xFF}}
	start := time.Now()
	_, err := Solve(ctx, c)
	require.Less(t, time.Since(start), 5*time.Second)
	// No worker makes an attempt, so no solution is published and Solve
	// reports exhaustion.
	if err != nil {
		require.ErrorIs(t, err, nodeerr.ErrPowExhausted)
	}
}

func TestGenerateChallengeAcceptsNil(t *testing.T) {
	c, err := GenerateChallenge(nil, 0, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, c)
}
