package dsr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketLogAppendWritesLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "PacketLog.txt")
	pl, err := OpenPacketLog(path)
	require.NoError(t, err)
	defer pl.Close()

	pl.Append("SEND", "DATA to=%d seq=%d", 2, 7)
	pl.Append("DROP", "RREQ loop suppressed source=%d", 0)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "[SEND] DATA to=2 seq=7")
	require.Contains(t, string(data), "[DROP] RREQ loop suppressed source=0")
}

func TestPacketLogNilIsNoOp(t *testing.T) {
	var pl *PacketLog
	require.NotPanics(t, func() { pl.Append("SEND", "anything") })
	require.NoError(t, pl.Close())
}

func TestPacketLogAppendAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "PacketLog.txt")

	pl1, err := OpenPacketLog(path)
	require.NoError(t, err)
	pl1.Append("SEND", "first")
	require.NoError(t, pl1.Close())

	pl2, err := OpenPacketLog(path)
	require.NoError(t, err)
	pl2.Append("SEND", "second")
	require.NoError(t, pl2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "first")
	require.Contains(t, string(data), "second")
}
