package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dsrnet/dsr-node/internal/xhash"
)

func sampleCert() Certificate {
	return Certificate{
		NodeID:        7,
		PublicKey:     []byte("pubkey-bytes"),
		EncryptionKey: []byte("enc-key-bytes"),
		Signature:     []byte("sig-bytes"),
		NotBefore:     1000,
		NotAfter:      1000 + TenYears,
	}
}

func TestSerializeNodeRoundTrip(t *testing.T) {
	b := &AdmissionBlock{
		Nonce:      1234567,
		Difficulty: [2]byte{0xAB, 0xCD},
		Timestamp:  999,
		Cert:       sampleCert(),
	}
	b.PrevHash = Hash256{1, 2, 3}
	b.NextHash = Hash256{4, 5, 6}
	b.BlockHash = xhash.Sum256(BlockHashPreimage(b))

	buf := SerializeNode(b)
	got, err := DeserializeNode(buf)
	require.NoError(t, err)

	require.Equal(t, b.PrevHash, got.PrevHash)
	require.Equal(t, b.NextHash, got.NextHash)
	require.Equal(t, b.BlockHash, got.BlockHash)
	require.Equal(t, b.Nonce, got.Nonce)
	require.Equal(t, b.Difficulty, got.Difficulty)
	require.Equal(t, b.Timestamp, got.Timestamp)
	require.Equal(t, b.Cert, got.Cert)
}

func TestBlockHashMatchesRecomputation(t *testing.T) {
	b := &AdmissionBlock{Nonce: 1, Timestamp: 1, Cert: sampleCert()}
	b.BlockHash = xhash.Sum256(BlockHashPreimage(b))

	recomputed := Hash256(xhash.Sum256(BlockHashPreimage(b)))
	require.Equal(t, recomputed, b.BlockHash)
}

func TestDeserializeNodeTruncated(t *testing.T) {
	_, err := DeserializeNode([]byte{1, 2, 3})
	require.Error(t, err)
}

func FuzzDeserializeNode(f *testing.F) {
	b := &AdmissionBlock{Nonce: 1, Timestamp: 2, Cert: sampleCert()}
	f.Add(SerializeNode(b))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DeserializeNode(data)
	})
}
