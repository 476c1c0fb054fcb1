// Package transport implements the per-node datagram endpoints: one
// receive socket and one transmit socket, bound on loopback, with
// configurable simulated link loss. Grounded on the teacher's
// link.Handshake (github.com/cvsouth/tor-go/link/link.go), which dials
// a single TLS endpoint per peer and wraps it in a cell.Reader/Writer;
// generalized here to UDP's connectionless model where every node owns
// a fixed RX port and a fixed TX port instead of dialing per-peer.
package transport

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/dsrnet/dsr-node/internal/wire"
	"github.com/dsrnet/dsr-node/internal/xhash"
)

// DefaultRXBase and DefaultTXBase are RX_BASE/TX_BASE from §6.
const (
	DefaultRXBase = 8000
	DefaultTXBase = 9000
)

// MaxDatagram bounds a single read: the largest UDP payload, which no
// frame of this protocol exceeds.
const MaxDatagram = 65507

// shutdownSentinel is a zero-length datagram used to unblock the
// receive thread on Close, mirroring the teacher's "destructor sends a
// sentinel to its own RX port" shutdown convention (§5).
var shutdownSentinel = []byte{}

// Transport owns a node's two datagram endpoints.
type Transport struct {
	NodeID      wire.NodeID
	RXBase      int
	TXBase      int
	LossPercent int

	rx     *net.UDPConn
	tx     *net.UDPConn
	logger *slog.Logger
}

// New binds the RX and TX sockets for nodeID on loopback and returns a
// ready Transport. Bind failure is FATAL per §7.
func New(nodeID wire.NodeID, rxBase, txBase, lossPercent int, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rxAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: rxBase + int(nodeID)}
	rx, err := net.ListenUDP("udp", rxAddr)
	if err != nil {
		return nil, fmt.Errorf("bind rx socket: %w", err)
	}

	txAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: txBase + int(nodeID)}
	tx, err := net.ListenUDP("udp", txAddr)
	if err != nil {
		_ = rx.Close()
		return nil, fmt.Errorf("bind tx socket: %w", err)
	}

	return &Transport{
		NodeID:      nodeID,
		RXBase:      rxBase,
		TXBase:      txBase,
		LossPercent: lossPercent,
		rx:          rx,
		tx:          tx,
		logger:      logger,
	}, nil
}

// PeerAddr computes a peer's RX address: base + dest_id (§2 data flow).
func (t *Transport) PeerAddr(peer wire.NodeID) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: t.RXBase + int(peer)}
}

// SendTo writes data to peer's RX socket, dropping it with probability
// LossPercent/100 to simulate a lossy link (§4.4). Returns nil on a
// simulated drop — the caller observes loss only via ACK timeout, same
// as a real lost packet would look.
func (t *Transport) SendTo(peer wire.NodeID, data []byte) error {
	if t.dropped() {
		t.logger.Debug("simulated drop", "to", peer, "bytes", len(data))
		return nil
	}
	_, err := t.tx.WriteToUDP(data, t.PeerAddr(peer))
	if err != nil {
		return fmt.Errorf("send to %d: %w", peer, err)
	}
	return nil
}

// Broadcast sends data to every id in peers (RREQ flooding, RERR).
func (t *Transport) Broadcast(peers []wire.NodeID, data []byte) {
	for _, p := range peers {
		if err := t.SendTo(p, data); err != nil {
			t.logger.Warn("broadcast send failed", "to", p, "error", err)
		}
	}
}

func (t *Transport) dropped() bool {
	if t.LossPercent <= 0 {
		return false
	}
	if t.LossPercent >= 100 {
		return true
	}
	r, err := xhash.Rand16()
	if err != nil {
		return false
	}
	return int(r%100) < t.LossPercent
}

// Recv blocks for one datagram on the RX socket. A zero-length
// datagram is the shutdown sentinel and is reported via ok=false.
func (t *Transport) Recv() (data []byte, from *net.UDPAddr, ok bool, err error) {
	buf := make([]byte, MaxDatagram)
	n, addr, err := t.rx.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, false, err
	}
	if n == 0 {
		return nil, addr, false, nil
	}
	return buf[:n], addr, true, nil
}

// Close unblocks any in-flight Recv by sending the shutdown sentinel to
// this node's own RX port, then closes both sockets.
func (t *Transport) Close() error {
	self, err := net.DialUDP("udp", nil, t.PeerAddr(t.NodeID))
	if err == nil {
		_, _ = self.Write(shutdownSentinel)
		_ = self.Close()
	}
	rxErr := t.rx.Close()
	txErr := t.tx.Close()
	if rxErr != nil {
		return fmt.Errorf("close rx: %w", rxErr)
	}
	if txErr != nil {
		return fmt.Errorf("close tx: %w", txErr)
	}
	return nil
}
