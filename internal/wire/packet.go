// Package wire implements the canonical on-the-wire and on-disk byte
// layout shared by every packet and ledger record. All multi-byte
// integers are big-endian regardless of host endianness, mirroring the
// teacher's cell package (github.com/cvsouth/tor-go/cell), generalized
// from Tor's fixed/variable-length cell framing to DSR's single
// variable-length packet frame.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/dsrnet/dsr-node/internal/nodeerr"
)

// NodeID identifies a node on the network. 0 is reserved for genesis
// admission, 255 is reserved as the RERR broadcast address.
type NodeID uint8

const (
	// GenesisNodeID is reserved for the first admission-ledger block.
	GenesisNodeID NodeID = 0
	// BroadcastNodeID is reserved for RERR flooding.
	BroadcastNodeID NodeID = 255
)

// Packet command types.
const (
	TypeData     byte = 0
	TypeRREQ     byte = 1
	TypeRREP     byte = 2
	TypeRERR     byte = 3
	TypeACK      byte = 4
	TypeIdentity byte = 5
)

// fixedHeaderLen is type(1) + source(1) + dest(1) + seq(4) + ts(4) + hopcount(1).
const fixedHeaderLen = 12

// Packet is the wire record carried between nodes.
type Packet struct {
	Type           byte
	SourceID       NodeID
	DestinationID  NodeID
	SequenceNumber uint32
	Timestamp      uint32
	HopAddresses   []NodeID
	Payload        []byte
}

// HopCount returns len(HopAddresses), the field written on the wire.
func (p *Packet) HopCount() int { return len(p.HopAddresses) }

// SerializePacket encodes P per §4.1: fixed header, then HopCount
// NodeIDs, then the payload. Payload length is implied by the total
// frame length, exactly like the teacher's variable-length cells.
func SerializePacket(p *Packet) ([]byte, error) {
	if len(p.HopAddresses) > 0xFF {
		return nil, fmt.Errorf("serialize packet: hop count %d exceeds uint8", len(p.HopAddresses))
	}

	buf := make([]byte, fixedHeaderLen+len(p.HopAddresses)+len(p.Payload))
	buf[0] = p.Type
	buf[1] = byte(p.SourceID)
	buf[2] = byte(p.DestinationID)
	binary.BigEndian.PutUint32(buf[3:7], p.SequenceNumber)
	binary.BigEndian.PutUint32(buf[7:11], p.Timestamp)
	buf[11] = byte(len(p.HopAddresses))
	for i, hop := range p.HopAddresses {
		buf[fixedHeaderLen+i] = byte(hop)
	}
	copy(buf[fixedHeaderLen+len(p.HopAddresses):], p.Payload)
	return buf, nil
}

// DeserializePacket decodes a wire frame back into a Packet. It fails
// with nodeerr.ErrTruncated when the stream ends before a fixed field
// or the declared hop addresses are fully available.
func DeserializePacket(data []byte) (*Packet, error) {
	if len(data) < fixedHeaderLen {
		return nil, fmt.Errorf("deserialize packet: %w (need %d header bytes, got %d)", nodeerr.ErrTruncated, fixedHeaderLen, len(data))
	}

	p := &Packet{
		Type:           data[0],
		SourceID:       NodeID(data[1]),
		DestinationID:  NodeID(data[2]),
		SequenceNumber: binary.BigEndian.Uint32(data[3:7]),
		Timestamp:      binary.BigEndian.Uint32(data[7:11]),
	}
	hopCount := int(data[11])

	end := fixedHeaderLen + hopCount
	if len(data) < end {
		return nil, fmt.Errorf("deserialize packet: %w (need %d hop bytes, got %d)", nodeerr.ErrTruncated, hopCount, len(data)-fixedHeaderLen)
	}

	if hopCount > 0 {
		p.HopAddresses = make([]NodeID, hopCount)
		for i := 0; i < hopCount; i++ {
			p.HopAddresses[i] = NodeID(data[fixedHeaderLen+i])
		}
	}
	p.Payload = append([]byte(nil), data[end:]...)
	return p, nil
}
