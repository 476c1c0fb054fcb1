package admission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsrnet/dsr-node/internal/nodeerr"
	"github.com/dsrnet/dsr-node/internal/pow"
)

func TestGenesisThenAdmitScenario6(t *testing.T) {
	ledger := New()

	genesis, err := ledger.CreateGenesis(context.Background(), []byte("genesis-pk"), []byte("genesis-ek"), []byte("genesis-sig"))
	require.NoError(t, err)
	require.Equal(t, 1, ledger.Len())

	challenge, err := ledger.AddNode(7, []byte("pk7"), []byte("ek7"))
	require.NoError(t, err)

	nonce, err := pow.Solve(context.Background(), challenge)
	require.NoError(t, err)

	ok, err := ledger.FinalizeNode(7, []byte("pk7"), []byte("ek7"), []byte("sig7"), challenge, nonce)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, 2, ledger.Len())

	block1, ok := ledger.Block(1)
	require.True(t, ok)
	require.Equal(t, genesis.BlockHash, block1.PrevHash)

	updatedGenesis, ok := ledger.Block(0)
	require.True(t, ok)
	require.Equal(t, block1.BlockHash, updatedGenesis.NextHash)

	require.NoError(t, ledger.Verify())

	// A second finalize with the same challenge must fail: NO_PENDING.
	_, err = ledger.FinalizeNode(7, []byte("pk7"), []byte("ek7"), []byte("sig7"), challenge, nonce)
	require.ErrorIs(t, err, nodeerr.ErrNoPending)
}

func TestFinalizeNodeRejectsInvalidSolution(t *testing.T) {
	ledger := New()
	_, err := ledger.CreateGenesis(context.Background(), []byte("pk"), []byte("ek"), []byte("sig"))
	require.NoError(t, err)

	challenge, err := ledger.AddNode(3, []byte("pk3"), []byte("ek3"))
	require.NoError(t, err)

	_, err = ledger.FinalizeNode(3, []byte("pk3"), []byte("ek3"), []byte("sig3"), challenge, 0)
	require.ErrorIs(t, err, nodeerr.ErrPowInvalid)
}

func TestAddNodeRejectsEmptyArgs(t *testing.T) {
	ledger := New()
	_, err := ledger.AddNode(1, nil, []byte("ek"))
	require.ErrorIs(t, err, nodeerr.ErrInvalidArgs)
}

func TestCreateGenesisOnlyOnce(t *testing.T) {
	ledger := New()
	_, err := ledger.CreateGenesis(context.Background(), []byte("pk"), []byte("ek"), []byte("sig"))
	require.NoError(t, err)

	_, err = ledger.CreateGenesis(context.Background(), []byte("pk2"), []byte("ek2"), []byte("sig2"))
	require.ErrorIs(t, err, nodeerr.ErrInvalidArgs)
}
