package routinglog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsrnet/dsr-node/internal/nodeerr"
	"github.com/dsrnet/dsr-node/internal/wire"
)

func TestNewReceiptDeterministicID(t *testing.T) {
	next := wire.NodeID(4)
	r1 := NewReceipt(3, RouteID(1, 9), ActionDataForwarded, 42, nil, &[]wire.NodeID{4}[0], 1000)
	r2 := NewReceipt(3, RouteID(1, 9), ActionDataForwarded, 42, nil, &next, 1000)
	require.Equal(t, r1.ID, r2.ID)
}

func TestFormAndAppendNoOpOnEmptyBuffer(t *testing.T) {
	l := New()
	block, formed, err := l.FormAndAppend(1)
	require.NoError(t, err)
	require.False(t, formed)
	require.Nil(t, block)
}

func TestFormAndAppendChainsBlocks(t *testing.T) {
	l := New()
	l.AddReceipt(NewReceipt(2, RouteID(1, 5), ActionPacketReceived, 1, nil, nil, 10))
	block1, formed, err := l.FormAndAppend(10)
	require.NoError(t, err)
	require.True(t, formed)
	require.Equal(t, [32]byte{}, block1.PrevHash)

	l.AddReceipt(NewReceipt(3, RouteID(1, 5), ActionDataForwarded, 1, nil, nil, 20))
	block2, formed, err := l.FormAndAppend(20)
	require.NoError(t, err)
	require.True(t, formed)
	require.Equal(t, block1.Hash, block2.PrevHash)

	require.Equal(t, 2, l.Len())
}

func TestAppendRejectsBrokenLinkage(t *testing.T) {
	l := New()
	bad := &LogBlock{PrevHash: [32]byte{1}, Timestamp: 1}
	err := l.Append(bad)
	require.ErrorIs(t, err, nodeerr.ErrHashLinkBroken)
}

func TestDataForwardedIncreasesTrustAndForwardCount(t *testing.T) {
	l := New()
	before := l.GetTrustScore(9)
	require.Equal(t, DefaultTrust, before)

	l.AddReceipt(NewReceipt(9, RouteID(1, 5), ActionDataForwarded, 1, nil, nil, 10))
	_, _, err := l.FormAndAppend(10)
	require.NoError(t, err)

	m := l.Metrics(9)
	require.Equal(t, 1, m.ForwardSuccess)
	require.Greater(t, m.Trust, before)
}

func TestPacketReceivedIncreasesReceivedCountOnly(t *testing.T) {
	l := New()
	l.AddReceipt(NewReceipt(9, RouteID(1, 5), ActionPacketReceived, 1, nil, nil, 10))
	_, _, err := l.FormAndAppend(10)
	require.NoError(t, err)

	m := l.Metrics(9)
	require.Equal(t, 1, m.PacketsReceived)
	require.Equal(t, 0, m.ForwardSuccess)
	require.Equal(t, DefaultTrust, m.Trust)
}

func TestPenalizeLowersTrustAndFlags(t *testing.T) {
	l := New()
	l.Penalize(4, true, false, 0.3)
	m := l.Metrics(4)
	require.Equal(t, 1, m.WormholeFlags)
	require.InDelta(t, DefaultTrust-0.3, m.Trust, 1e-9)
}

func TestPenalizeFloorsAtZero(t *testing.T) {
	l := New()
	l.Penalize(4, false, true, 10.0)
	m := l.Metrics(4)
	require.Equal(t, 0.0, m.Trust)
	require.Equal(t, 1, m.IdentityOverlap)
}
