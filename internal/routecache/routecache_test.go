package routecache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsrnet/dsr-node/internal/wire"
)

func TestAddOrUpdateOverwrites(t *testing.T) {
	c := New()
	c.AddOrUpdate(4, 1)
	hop, ok := c.GetNextHop(4)
	require.True(t, ok)
	require.EqualValues(t, 1, hop)

	c.AddOrUpdate(4, 2)
	hop, ok = c.GetNextHop(4)
	require.True(t, ok)
	require.EqualValues(t, 2, hop)
}

func TestGetNextHopAbsent(t *testing.T) {
	c := New()
	_, ok := c.GetNextHop(9)
	require.False(t, ok)
}

func TestSetRouteDerivesNextHop(t *testing.T) {
	c := New()
	c.SetRoute(4, []wire.NodeID{0, 1, 2, 3, 4})
	hop, ok := c.GetNextHop(4)
	require.True(t, ok)
	require.EqualValues(t, 1, hop)

	route, ok := c.GetRoute(4)
	require.True(t, ok)
	require.Equal(t, []wire.NodeID{0, 1, 2, 3, 4}, route)
}

func TestRemoveRoutesWithNextHopRemovesByHopNotDest(t *testing.T) {
	c := New()
	// dest 4's route crosses 2; dest 2 (itself reachable directly) has next hop 2.
	c.SetRoute(4, []wire.NodeID{0, 1, 2, 3, 4})
	c.AddOrUpdate(2, 2)
	c.AddOrUpdate(9, 5) // unaffected

	c.RemoveRoutesWithNextHop(2)

	_, ok := c.GetNextHop(4)
	require.False(t, ok, "dest 4 routed via failed hop 2 must be invalidated")
	_, ok = c.GetNextHop(2)
	require.False(t, ok, "dest 2 itself reached via hop 2 must be invalidated")
	hop, ok := c.GetNextHop(9)
	require.True(t, ok)
	require.EqualValues(t, 5, hop)
}

func TestRemoveRoutesWithNextHopIdempotent(t *testing.T) {
	c := New()
	c.AddOrUpdate(4, 2)
	c.RemoveRoutesWithNextHop(2)
	require.NotPanics(t, func() { c.RemoveRoutesWithNextHop(2) })
}

func TestSizeAndClear(t *testing.T) {
	c := New()
	c.AddOrUpdate(1, 1)
	c.AddOrUpdate(2, 2)
	require.Equal(t, 2, c.Size())
	c.Clear()
	require.Equal(t, 0, c.Size())
}

func TestSave(t *testing.T) {
	c := New()
	c.AddOrUpdate(4, 1)
	dir := t.TempDir()
	path := filepath.Join(dir, "RouteCache.txt")
	require.NoError(t, c.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "4 -> 1")
}

func TestSaveRoutes(t *testing.T) {
	c := New()
	c.SetRoute(4, []wire.NodeID{0, 1, 2, 3, 4})
	dir := t.TempDir()
	path := filepath.Join(dir, "DSR_RouteCache.txt")
	require.NoError(t, c.SaveRoutes(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "4 -> 0,1,2,3,4")
}
