// Package dsr implements the on-demand source-routing state machine:
// route discovery by flooded RREQ/RREP with loop suppression, source-
// routed DATA forwarding, hop-by-hop ACKs with bounded retries, and
// RERR-driven cache invalidation on link failure (§4.5). Grounded on
// the teacher's circuit.Circuit — the closest analogue to a per-flow
// state object mutated under a documented lock order
// (github.com/cvsouth/tor-go/circuit/circuit.go's rmu/wmu split) — and
// on circuit/relay.go's "exported method takes the lock, *Locked
// sibling assumes it" pattern, generalized from per-hop onion
// encryption to per-hop store-and-forward.
package dsr

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dsrnet/dsr-node/internal/events"
	"github.com/dsrnet/dsr-node/internal/nodeerr"
	"github.com/dsrnet/dsr-node/internal/pendingack"
	"github.com/dsrnet/dsr-node/internal/routecache"
	"github.com/dsrnet/dsr-node/internal/routinglog"
	"github.com/dsrnet/dsr-node/internal/wire"
	"github.com/dsrnet/dsr-node/internal/xhash"
)

// MaxHopCount bounds a source route; packets exceeding it are dropped
// at forward time (§5).
const MaxHopCount = 50

// Sender is the outbound half of a node's transport, satisfied by
// *transport.Transport. Kept as an interface so the state machine can
// be driven in-process without real sockets.
type Sender interface {
	SendTo(peer wire.NodeID, data []byte) error
	Broadcast(peers []wire.NodeID, data []byte)
}

// Stats mirrors the counters persisted to Stats.txt (§6).
type Stats struct {
	mu               sync.Mutex
	PacketsSent      int
	PacketsReceived  int
	PacketsForwarded int
	PacketsDropped   int
}

func (s *Stats) incSent()      { s.mu.Lock(); s.PacketsSent++; s.mu.Unlock() }
func (s *Stats) incReceived()  { s.mu.Lock(); s.PacketsReceived++; s.mu.Unlock() }
func (s *Stats) incForwarded() { s.mu.Lock(); s.PacketsForwarded++; s.mu.Unlock() }
func (s *Stats) incDropped()   { s.mu.Lock(); s.PacketsDropped++; s.mu.Unlock() }

// Snapshot returns a copy of the counters plus the derived packet
// delivery ratio (delivered / sent, 0 when nothing has been sent).
func (s *Stats) Snapshot() (sent, received, forwarded, dropped int, pdr float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent, received, forwarded, dropped = s.PacketsSent, s.PacketsReceived, s.PacketsForwarded, s.PacketsDropped
	if sent > 0 {
		pdr = float64(received) / float64(sent)
	}
	return
}

// Engine is one node's DSR state: route cache, pending-ACK table,
// routing-log ledger, and the neighbor set loaded from the access
// table at startup. Route cache and pending-ACK mutation from
// concurrent callers are each guarded internally (routecache.Cache,
// pendingack.Table); Engine itself adds no further locking beyond the
// pending-origination queue below, per the documented order
// cache → pending-acks → ledger (§9).
type Engine struct {
	Self      wire.NodeID
	Neighbors []wire.NodeID

	Cache   *routecache.Cache
	Pending *pendingack.Table
	Ledger  *routinglog.Ledger
	Sched   *events.Scheduler
	Sender  Sender
	Stats   Stats

	// OnDeliver is invoked (from the scheduler pump, on the
	// PACKET_INCOMING queue) whenever this node is the final
	// destination of a DATA packet. Optional; nil is a no-op.
	OnDeliver func(src, dest wire.NodeID, payload []byte)

	// PacketLog mirrors every logged event to PacketLog.txt (§6). Nil
	// is a no-op; internal/node sets this after opening the node's log
	// directory.
	PacketLog *PacketLog

	logger *slog.Logger

	originMu             sync.Mutex
	pendingOriginations  map[wire.NodeID][][]byte
}

// New constructs an Engine. sched may be nil for unit tests that call
// the Handle* methods directly without asynchronous dispatch.
func New(self wire.NodeID, neighbors []wire.NodeID, cache *routecache.Cache, pending *pendingack.Table, ledger *routinglog.Ledger, sched *events.Scheduler, sender Sender, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		Self:                self,
		Neighbors:           append([]wire.NodeID(nil), neighbors...),
		Cache:               cache,
		Pending:             pending,
		Ledger:              ledger,
		Sched:               sched,
		Sender:              sender,
		logger:              logger,
		pendingOriginations: make(map[wire.NodeID][][]byte),
	}
}

func freshSeq() (uint32, error) {
	return xhash.Rand32()
}

func indexOf(id wire.NodeID, hops []wire.NodeID) int {
	for i, h := range hops {
		if h == id {
			return i
		}
	}
	return -1
}

func reversed(hops []wire.NodeID) []wire.NodeID {
	out := make([]wire.NodeID, len(hops))
	for i, h := range hops {
		out[len(hops)-1-i] = h
	}
	return out
}

// orderedNeighbors permutes e.Neighbors by routing-log trust weight,
// via repeated draws from xhash.WeightedChoice without replacement, so
// more-trusted neighbors are broadcast to first. Flooding still
// reaches every neighbor (§4.5.1) — only the send order changes,
// mirroring the teacher pathselect package's weighted relay pick
// generalized from a single choice to a full weighted ordering.
func (e *Engine) orderedNeighbors() []wire.NodeID {
	remaining := append([]wire.NodeID(nil), e.Neighbors...)
	weights := make([]int64, len(remaining))
	for i, n := range remaining {
		w := int64(e.Ledger.GetTrustScore(n) * 1000)
		if w <= 0 {
			w = 1
		}
		weights[i] = w
	}

	ordered := make([]wire.NodeID, 0, len(remaining))
	for len(remaining) > 0 {
		idx, err := xhash.WeightedChoice(weights)
		if err != nil {
			return append(ordered, remaining...)
		}
		ordered = append(ordered, remaining[idx])
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		weights = append(weights[:idx], weights[idx+1:]...)
	}
	return ordered
}

// Dispatch deserializes data and routes it to the matching handler,
// completing RREQ/RREP/ACK synchronously and deferring DATA delivery
// or forwarding onto the scheduler's event queues, RERR handling onto
// the cache-update queue (§2, §4.3).
func (e *Engine) Dispatch(data []byte) error {
	p, err := wire.DeserializePacket(data)
	if err != nil {
		e.Stats.incDropped()
		e.PacketLog.Append("ERROR", "deserialize failed: %v", err)
		return fmt.Errorf("dispatch: %w", err)
	}

	switch p.Type {
	case wire.TypeRREQ:
		return e.HandleRREQ(p)
	case wire.TypeRREP:
		return e.HandleRREP(p)
	case wire.TypeACK:
		return e.HandleAck(p)
	case wire.TypeData:
		return e.dispatchData(p)
	case wire.TypeRERR:
		return e.dispatchRERR(p)
	default:
		e.Stats.incDropped()
		return fmt.Errorf("dispatch: unknown packet type %d", p.Type)
	}
}

func (e *Engine) dispatchData(p *wire.Packet) error {
	prev, err := e.ackPrevHop(p)
	if err == nil {
		e.sendAck(prev, p.SequenceNumber)
	}

	if e.Sched == nil {
		return e.HandleData(p)
	}
	if p.DestinationID == e.Self {
		e.Sched.Enqueue(events.Event{Kind: events.PacketIncoming, Task: func() { _ = e.HandleData(p) }})
	} else {
		e.Sched.Enqueue(events.Event{Kind: events.PacketOutgoing, Task: func() { _ = e.HandleData(p) }})
	}
	return nil
}

func (e *Engine) dispatchRERR(p *wire.Packet) error {
	if e.Sched == nil {
		return e.HandleRERR(p)
	}
	e.Sched.Enqueue(events.Event{Kind: events.RouteCacheUpdate, Task: func() { _ = e.HandleRERR(p) }})
	return nil
}

// SendData originates a DATA transmission to dest. With a cached
// route it sends immediately; otherwise it queues payload and starts
// route discovery (§4.5.1, §4.5.2).
func (e *Engine) SendData(dest wire.NodeID, payload []byte) error {
	if route, ok := e.Cache.GetRoute(dest); ok && len(route) >= 2 {
		return e.transmitData(route, payload)
	}
	e.queueOrigination(dest, payload)
	return e.startDiscovery(dest)
}

func (e *Engine) queueOrigination(dest wire.NodeID, payload []byte) {
	e.originMu.Lock()
	e.pendingOriginations[dest] = append(e.pendingOriginations[dest], payload)
	e.originMu.Unlock()
}

func (e *Engine) drainOriginations(dest wire.NodeID) [][]byte {
	e.originMu.Lock()
	defer e.originMu.Unlock()
	out := e.pendingOriginations[dest]
	delete(e.pendingOriginations, dest)
	return out
}

func (e *Engine) startDiscovery(dest wire.NodeID) error {
	seq, err := freshSeq()
	if err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	p := &wire.Packet{
		Type:          wire.TypeRREQ,
		SourceID:      e.Self,
		DestinationID: dest,
		SequenceNumber: seq,
		Timestamp:     uint32(time.Now().Unix()),
		HopAddresses:  []wire.NodeID{e.Self},
	}
	data, err := wire.SerializePacket(p)
	if err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	e.logger.Info("RREQ broadcast", "action", "BROADCAST", "dest", dest, "seq", seq)
	e.PacketLog.Append("BROADCAST", "RREQ dest=%d seq=%d", dest, seq)
	e.Sender.Broadcast(e.orderedNeighbors(), data)
	return nil
}

// HandleRREQ implements §4.5.1 step 2: loop suppression, destination
// reply, or rebroadcast.
func (e *Engine) HandleRREQ(p *wire.Packet) error {
	if indexOf(e.Self, p.HopAddresses) >= 0 {
		e.logger.Debug("RREQ loop suppressed", "action", "DROP", "source", p.SourceID)
		e.Stats.incDropped()
		e.PacketLog.Append("DROP", "RREQ loop suppressed source=%d", p.SourceID)
		return nil
	}
	if len(p.HopAddresses) >= MaxHopCount {
		e.logger.Warn("RREQ hop count exceeded", "action", "DROP", "source", p.SourceID)
		e.Stats.incDropped()
		e.PacketLog.Append("DROP", "RREQ ttl exceeded source=%d", p.SourceID)
		return fmt.Errorf("handle rreq: %w", nodeerr.ErrTTLExceeded)
	}

	path := append(append([]wire.NodeID(nil), p.HopAddresses...), e.Self)

	if e.Self == p.DestinationID {
		e.Cache.SetRoute(p.SourceID, path)
		return e.sendRREPBack(path)
	}

	next := &wire.Packet{
		Type:           wire.TypeRREQ,
		SourceID:       p.SourceID,
		DestinationID:  p.DestinationID,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		HopAddresses:   path,
	}
	data, err := wire.SerializePacket(next)
	if err != nil {
		return fmt.Errorf("handle rreq: %w", err)
	}
	e.logger.Debug("RREQ rebroadcast", "action", "BROADCAST", "source", p.SourceID, "dest", p.DestinationID)
	e.PacketLog.Append("BROADCAST", "RREQ source=%d dest=%d", p.SourceID, p.DestinationID)
	e.Sender.Broadcast(e.orderedNeighbors(), data)
	return nil
}

// sendRREPBack implements §4.5.1 step 3.
func (e *Engine) sendRREPBack(path []wire.NodeID) error {
	rev := reversed(path)
	if len(rev) < 2 {
		return fmt.Errorf("send rrep back: %w", nodeerr.ErrNoNextHop)
	}
	seq, err := freshSeq()
	if err != nil {
		return fmt.Errorf("send rrep back: %w", err)
	}
	rrep := &wire.Packet{
		Type:           wire.TypeRREP,
		SourceID:       e.Self,
		DestinationID:  rev[len(rev)-1],
		SequenceNumber: seq,
		Timestamp:      uint32(time.Now().Unix()),
		HopAddresses:   rev,
	}
	data, err := wire.SerializePacket(rrep)
	if err != nil {
		return fmt.Errorf("send rrep back: %w", err)
	}
	e.logger.Info("RREP send", "action", "SEND", "to", rev[1])
	e.PacketLog.Append("SEND", "RREP to=%d", rev[1])
	return e.Sender.SendTo(rev[1], data)
}

// HandleRREP implements §4.5.1 step 4.
func (e *Engine) HandleRREP(p *wire.Packet) error {
	route := reversed(p.HopAddresses)
	e.Cache.SetRoute(p.SourceID, route)

	if e.Self == p.DestinationID {
		e.logger.Info("route discovered", "dest", p.SourceID, "route", route)
		for _, payload := range e.drainOriginations(p.SourceID) {
			if err := e.transmitData(route, payload); err != nil {
				e.logger.Warn("flush queued origination failed", "dest", p.SourceID, "error", err)
			}
		}
		return nil
	}

	idx := indexOf(e.Self, p.HopAddresses)
	if idx < 0 || idx == len(p.HopAddresses)-1 {
		return fmt.Errorf("handle rrep: %w", nodeerr.ErrNoNextHop)
	}
	next := p.HopAddresses[idx+1]
	data, err := wire.SerializePacket(p)
	if err != nil {
		return fmt.Errorf("handle rrep: %w", err)
	}
	e.logger.Debug("RREP forward", "action", "FORWARD", "to", next)
	e.PacketLog.Append("FORWARD", "RREP to=%d", next)
	return e.Sender.SendTo(next, data)
}

func (e *Engine) transmitData(route []wire.NodeID, payload []byte) error {
	if len(route) < 2 {
		return fmt.Errorf("transmit data: %w", nodeerr.ErrNoNextHop)
	}
	seq, err := freshSeq()
	if err != nil {
		return fmt.Errorf("transmit data: %w", err)
	}
	p := &wire.Packet{
		Type:           wire.TypeData,
		SourceID:       route[0],
		DestinationID:  route[len(route)-1],
		SequenceNumber: seq,
		Timestamp:      uint32(time.Now().Unix()),
		HopAddresses:   route,
		Payload:        payload,
	}
	data, err := wire.SerializePacket(p)
	if err != nil {
		return fmt.Errorf("transmit data: %w", err)
	}
	nextHop := route[1]
	// Insert before sending: a loopback or same-process peer may answer
	// with an ACK before SendTo returns, and the entry must already be
	// present for HandleAck to find it.
	e.Pending.Insert(seq, nextHop, data, time.Now())
	if err := e.Sender.SendTo(nextHop, data); err != nil {
		return fmt.Errorf("transmit data: %w", err)
	}
	e.Stats.incSent()
	e.logger.Info("DATA send", "action", "SEND", "to", nextHop, "seq", seq)
	e.PacketLog.Append("SEND", "DATA to=%d seq=%d", nextHop, seq)
	return nil
}

func (e *Engine) ackPrevHop(p *wire.Packet) (wire.NodeID, error) {
	idx := indexOf(e.Self, p.HopAddresses)
	switch {
	case idx > 0:
		return p.HopAddresses[idx-1], nil
	case idx == 0 && len(p.HopAddresses) > 0 && e.Self == p.DestinationID:
		return p.HopAddresses[len(p.HopAddresses)-1], nil
	case len(p.HopAddresses) > 0:
		return p.HopAddresses[len(p.HopAddresses)-1], nil
	default:
		return 0, fmt.Errorf("ack prev hop: %w", nodeerr.ErrNoNextHop)
	}
}

// HandleData implements §4.5.2: deliver at destination, or forward and
// record a receipt.
func (e *Engine) HandleData(p *wire.Packet) error {
	idx := indexOf(e.Self, p.HopAddresses)
	routeID := routinglog.RouteID(p.SourceID, p.DestinationID)

	if e.Self == p.DestinationID {
		e.Stats.incReceived()
		var prev *wire.NodeID
		if idx > 0 {
			h := p.HopAddresses[idx-1]
			prev = &h
		}
		e.Ledger.AddReceipt(routinglog.NewReceipt(e.Self, routeID, routinglog.ActionPacketReceived, p.SequenceNumber, prev, nil, uint64(time.Now().Unix())))
		e.logger.Info("DATA received", "action", "RECEIVE", "from", p.SourceID, "seq", p.SequenceNumber)
		e.PacketLog.Append("RECEIVE", "DATA from=%d seq=%d", p.SourceID, p.SequenceNumber)
		e.PacketLog.Append("RECEIPT", "%s seq=%d", routinglog.ActionPacketReceived, p.SequenceNumber)
		if e.OnDeliver != nil {
			e.OnDeliver(p.SourceID, p.DestinationID, p.Payload)
		}
		return nil
	}

	if idx < 0 || idx == len(p.HopAddresses)-1 {
		e.logger.Warn("broken route", "action", "ERROR", "seq", p.SequenceNumber)
		e.PacketLog.Append("ERROR", "broken route seq=%d", p.SequenceNumber)
		return fmt.Errorf("handle data: %w", nodeerr.ErrBrokenRoute)
	}
	if len(p.HopAddresses) > MaxHopCount {
		e.Stats.incDropped()
		e.PacketLog.Append("DROP", "DATA ttl exceeded seq=%d", p.SequenceNumber)
		return fmt.Errorf("handle data: %w", nodeerr.ErrTTLExceeded)
	}

	next := p.HopAddresses[idx+1]
	data, err := wire.SerializePacket(p)
	if err != nil {
		return fmt.Errorf("handle data: %w", err)
	}
	e.Pending.Insert(p.SequenceNumber, next, data, time.Now())
	if err := e.Sender.SendTo(next, data); err != nil {
		return fmt.Errorf("handle data: %w", err)
	}
	e.Stats.incForwarded()

	var prev *wire.NodeID
	if idx > 0 {
		h := p.HopAddresses[idx-1]
		prev = &h
	}
	e.Ledger.AddReceipt(routinglog.NewReceipt(e.Self, routeID, routinglog.ActionDataForwarded, p.SequenceNumber, prev, &next, uint64(time.Now().Unix())))
	e.logger.Info("DATA forward", "action", "FORWARD", "to", next, "seq", p.SequenceNumber)
	e.PacketLog.Append("FORWARD", "DATA to=%d seq=%d", next, p.SequenceNumber)
	e.PacketLog.Append("RECEIPT", "%s seq=%d next=%d", routinglog.ActionDataForwarded, p.SequenceNumber, next)
	return nil
}

func (e *Engine) sendAck(prev wire.NodeID, seq uint32) {
	ack := &wire.Packet{
		Type:           wire.TypeACK,
		SourceID:       e.Self,
		DestinationID:  prev,
		SequenceNumber: seq,
		Timestamp:      uint32(time.Now().Unix()),
	}
	data, err := wire.SerializePacket(ack)
	if err != nil {
		e.logger.Warn("build ack failed", "error", err)
		return
	}
	if err := e.Sender.SendTo(prev, data); err != nil {
		e.logger.Warn("send ack failed", "to", prev, "error", err)
		return
	}
	e.logger.Debug("ACK send", "action", "ACK", "to", prev, "seq", seq)
	e.PacketLog.Append("ACK", "to=%d seq=%d", prev, seq)
}

// HandleAck implements §4.5.3.
func (e *Engine) HandleAck(p *wire.Packet) error {
	e.Pending.Remove(p.SequenceNumber)
	return nil
}

// CheckAckTimeouts runs the retry/failure sweep (§4.5.3); intended to
// be wired as the scheduler's per-pass ACK-timeout callback.
func (e *Engine) CheckAckTimeouts() {
	e.Pending.CheckTimeouts(time.Now(), pendingack.DefaultAckTimeout, pendingack.MaxAckRetries,
		func(entry *pendingack.Entry) {
			e.logger.Debug("ACK timeout retry", "seq", entry.SequenceNumber, "retries", entry.Retries)
			if err := e.Sender.SendTo(entry.NextHopID, entry.OriginalPacket); err != nil {
				e.logger.Warn("retry send failed", "to", entry.NextHopID, "error", err)
			}
		},
		func(nextHop wire.NodeID, entry *pendingack.Entry) {
			e.logger.Warn("link broken", "action", "ERROR", "next_hop", nextHop, "seq", entry.SequenceNumber)
			e.PacketLog.Append("ERROR", "link broken next_hop=%d seq=%d", nextHop, entry.SequenceNumber)
			_ = e.RouteFailed(nextHop)
		},
	)
}

// RouteFailed implements §4.5.4: invalidate the cache and flood RERR.
func (e *Engine) RouteFailed(h wire.NodeID) error {
	e.Cache.RemoveRoutesWithNextHop(h)

	seq, err := freshSeq()
	if err != nil {
		return fmt.Errorf("route failed: %w", err)
	}
	rerr := &wire.Packet{
		Type:           wire.TypeRERR,
		SourceID:       e.Self,
		DestinationID:  wire.BroadcastNodeID,
		SequenceNumber: seq,
		Timestamp:      uint32(time.Now().Unix()),
		Payload:        []byte{byte(h)},
	}
	data, err := wire.SerializePacket(rerr)
	if err != nil {
		return fmt.Errorf("route failed: %w", err)
	}
	e.logger.Info("RERR broadcast", "action", "RERR", "failed_hop", h)
	e.PacketLog.Append("RERR", "failed_hop=%d", h)
	e.Sender.Broadcast(e.orderedNeighbors(), data)
	return nil
}

// HandleRERR invalidates cache entries through the reported failed
// hop. RERR propagation here is a simplified broadcast, not a reversed
// source-route unicast (§4.5.4, §9 open question).
func (e *Engine) HandleRERR(p *wire.Packet) error {
	if len(p.Payload) == 0 {
		return fmt.Errorf("handle rerr: %w", nodeerr.ErrInvalidArgs)
	}
	failed := wire.NodeID(p.Payload[0])
	e.Cache.RemoveRoutesWithNextHop(failed)
	return nil
}
