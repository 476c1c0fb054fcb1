package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	cases := []*Packet{
		{Type: TypeRREQ, SourceID: 0, DestinationID: 4, SequenceNumber: 1, Timestamp: 100, HopAddresses: []NodeID{0}},
		{Type: TypeData, SourceID: 0, DestinationID: 4, SequenceNumber: 42, Timestamp: 200, HopAddresses: []NodeID{0, 1, 2, 3, 4}, Payload: []byte("Hello")},
		{Type: TypeRERR, SourceID: 1, DestinationID: BroadcastNodeID, SequenceNumber: 0, Timestamp: 0, Payload: []byte{2}},
		{Type: TypeACK, SourceID: 2, DestinationID: 1, SequenceNumber: 7, Timestamp: 5},
	}

	for _, p := range cases {
		buf, err := SerializePacket(p)
		require.NoError(t, err)
		require.Equal(t, fixedHeaderLen+p.HopCount()+len(p.Payload), len(buf))

		got, err := DeserializePacket(buf)
		require.NoError(t, err)
		require.Equal(t, p.Type, got.Type)
		require.Equal(t, p.SourceID, got.SourceID)
		require.Equal(t, p.DestinationID, got.DestinationID)
		require.Equal(t, p.SequenceNumber, got.SequenceNumber)
		require.Equal(t, p.Timestamp, got.Timestamp)
		require.Equal(t, p.HopAddresses, got.HopAddresses)
		require.Equal(t, p.Payload, got.Payload)
		require.Equal(t, got.HopCount(), len(got.HopAddresses))
	}
}

func TestDeserializePacketTruncatedHeader(t *testing.T) {
	_, err := DeserializePacket([]byte{1, 2, 3})
	require.ErrorContains(t, err, "truncated")
}

func TestDeserializePacketTruncatedHops(t *testing.T) {
	// hop_count says 3 but no hop bytes follow.
	buf := make([]byte, fixedHeaderLen)
	buf[11] = 3
	_, err := DeserializePacket(buf)
	require.ErrorContains(t, err, "truncated")
}

func TestHopAddressesFirstIsSource(t *testing.T) {
	p := &Packet{Type: TypeRREQ, SourceID: 7, HopAddresses: []NodeID{7, 2, 9}}
	require.Equal(t, p.SourceID, p.HopAddresses[0])
}

func FuzzPacketRoundTrip(f *testing.F) {
	seed, _ := SerializePacket(&Packet{Type: TypeData, SourceID: 0, DestinationID: 4, SequenceNumber: 1, Timestamp: 1, HopAddresses: []NodeID{0, 1, 2, 3, 4}, Payload: []byte("x")})
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte{0, 0, 0, 0, 0})

	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic on any input; any frame that decodes must
		// re-encode to the same bytes.
		p, err := DeserializePacket(data)
		if err != nil {
			return
		}
		buf, err := SerializePacket(p)
		require.NoError(t, err)
		require.Equal(t, data, buf)
	})
}
