// Package node wires the codec, route cache, event scheduler, pending-
// ACK table, DSR state machine, admission ledger, and routing-log
// ledger into one running process: a receive thread, a scheduler pump,
// and startup/shutdown persistence. Grounded on the teacher's
// cmd/tor-client/main.go wiring sequence
// (github.com/cvsouth/tor-go/cmd/tor-client/main.go) — load-or-fetch,
// validate, build, serve, signal-driven shutdown — generalized from a
// one-shot client bootstrap to a long-running simulated network peer.
package node

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dsrnet/dsr-node/internal/admission"
	"github.com/dsrnet/dsr-node/internal/dsr"
	"github.com/dsrnet/dsr-node/internal/events"
	"github.com/dsrnet/dsr-node/internal/identity"
	"github.com/dsrnet/dsr-node/internal/nodeerr"
	"github.com/dsrnet/dsr-node/internal/pendingack"
	"github.com/dsrnet/dsr-node/internal/routecache"
	"github.com/dsrnet/dsr-node/internal/routinglog"
	"github.com/dsrnet/dsr-node/internal/transport"
	"github.com/dsrnet/dsr-node/internal/wire"
)

// PumpInterval is how long the scheduler sleeps between passes when it
// finds all three queues momentarily empty (§5).
const PumpInterval = 10 * time.Millisecond

// Config configures one node process.
type Config struct {
	ID            wire.NodeID
	DataDir       string
	NeighborsFile string // defaults to <DataDir>/node_<id>/AccessTable.txt
	RXBase        int    // defaults to transport.DefaultRXBase
	TXBase        int    // defaults to transport.DefaultTXBase
	LossPercent   int
}

// Node is one running network participant.
type Node struct {
	ID        wire.NodeID
	Neighbors []wire.NodeID
	NodeDir   string

	Transport *transport.Transport
	Engine    *dsr.Engine
	Admission *admission.Ledger
	Identity  *identity.Identity

	logger     *slog.Logger
	logFile    *os.File
	cryptoFile *os.File
	cryptoLog  *slog.Logger
	packetLog  *dsr.PacketLog

	stop chan struct{}
	wg   sync.WaitGroup
}

// LoadNeighbors reads one NodeId per line from path until EOF (§6's
// AccessTable.txt format). Blank lines and lines starting with '#' are
// skipped.
func LoadNeighbors(path string) ([]wire.NodeID, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load neighbors: %w", err)
	}
	defer f.Close()

	var neighbors []wire.NodeID
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n, err := strconv.Atoi(line)
		if err != nil || n < 0 || n > 255 {
			return nil, fmt.Errorf("load neighbors: invalid entry %q: %w", line, nodeerr.ErrInvalidArgs)
		}
		neighbors = append(neighbors, wire.NodeID(n))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("load neighbors: %w", err)
	}
	return neighbors, nil
}

// multiHandler fans out slog records to multiple handlers, as in the
// teacher's cmd/tor-client/main.go: JSON to a file at debug level, text
// to stdout at info level.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}

func setupLogger(path string, stdoutLevel slog.Level) (*slog.Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	stdoutHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: stdoutLevel})
	return slog.New(&multiHandler{handlers: []slog.Handler{fileHandler, stdoutHandler}}), f, nil
}

// New bootstraps a node: creates its directory tree, binds its
// transport sockets, loads its neighbor set, generates identity key
// material, and bootstraps its own local admission ledger (§4.7 —
// there is no cross-node consensus; every node owns its instance):
// node 0 mines and appends the genesis block; any other node only
// issues its admission challenge, which stays pending — it is not
// solved and no block is appended.
// Bind failure and key-material I/O failure are FATAL (§7).
func New(cfg Config) (*Node, error) {
	nodeDir := filepath.Join(cfg.DataDir, fmt.Sprintf("node_%d", cfg.ID))
	logsDir := filepath.Join(cfg.DataDir, "logs", fmt.Sprintf("node_%d", cfg.ID))
	cryptoDir := filepath.Join(cfg.DataDir, "crypto", fmt.Sprintf("node_%d", cfg.ID))
	for _, d := range []string{nodeDir, logsDir, cryptoDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("new node: %w: %v", nodeerr.ErrKeyMaterialIO, err)
		}
	}

	logger, logFile, err := setupLogger(filepath.Join(logsDir, "node.log"), slog.LevelInfo)
	if err != nil {
		return nil, fmt.Errorf("new node: %w: %v", nodeerr.ErrKeyMaterialIO, err)
	}
	cryptoLogger, cryptoFile, err := setupLogger(filepath.Join(cryptoDir, "crypto.log"), slog.LevelWarn)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("new node: %w: %v", nodeerr.ErrKeyMaterialIO, err)
	}

	packetLog, err := dsr.OpenPacketLog(filepath.Join(nodeDir, "PacketLog.txt"))
	if err != nil {
		logFile.Close()
		cryptoFile.Close()
		return nil, fmt.Errorf("new node: %w: %v", nodeerr.ErrKeyMaterialIO, err)
	}

	neighborsFile := cfg.NeighborsFile
	if neighborsFile == "" {
		neighborsFile = filepath.Join(nodeDir, "AccessTable.txt")
	}
	neighbors, err := LoadNeighbors(neighborsFile)
	if err != nil {
		logFile.Close()
		cryptoFile.Close()
		packetLog.Close()
		return nil, fmt.Errorf("new node: %w", err)
	}

	rxBase, txBase := cfg.RXBase, cfg.TXBase
	if rxBase == 0 {
		rxBase = transport.DefaultRXBase
	}
	if txBase == 0 {
		txBase = transport.DefaultTXBase
	}
	tr, err := transport.New(cfg.ID, rxBase, txBase, cfg.LossPercent, logger)
	if err != nil {
		logFile.Close()
		cryptoFile.Close()
		packetLog.Close()
		return nil, fmt.Errorf("new node: %w", err)
	}

	ident, err := identity.Generate(cfg.ID)
	if err != nil {
		tr.Close()
		logFile.Close()
		cryptoFile.Close()
		packetLog.Close()
		return nil, fmt.Errorf("new node: %w: %v", nodeerr.ErrKeyMaterialIO, err)
	}

	ledger := admission.New()
	cert := ident.Certificate(time.Now().Unix())
	if cfg.ID == wire.GenesisNodeID {
		if _, err := ledger.CreateGenesis(context.Background(), cert.PublicKey, cert.EncryptionKey, cert.Signature); err != nil {
			tr.Close()
			logFile.Close()
			cryptoFile.Close()
			packetLog.Close()
			return nil, fmt.Errorf("new node: create genesis: %w", err)
		}
		cryptoLogger.Info("genesis block mined", "node", cfg.ID)
	} else {
		challenge, err := ledger.AddNode(cfg.ID, cert.PublicKey, cert.EncryptionKey)
		if err != nil {
			tr.Close()
			logFile.Close()
			cryptoFile.Close()
			packetLog.Close()
			return nil, fmt.Errorf("new node: %w", err)
		}
		cryptoLogger.Info("admission challenge issued", "node", cfg.ID, "difficulty", challenge.T)
	}

	cache := routecache.New()
	pending := pendingack.New()
	routingLog := routinglog.New()

	engine := dsr.New(cfg.ID, neighbors, cache, pending, routingLog, nil, tr, logger)
	engine.Sched = events.NewScheduler(engine.CheckAckTimeouts)
	engine.PacketLog = packetLog

	n := &Node{
		ID:         cfg.ID,
		Neighbors:  neighbors,
		NodeDir:    nodeDir,
		Transport:  tr,
		Engine:     engine,
		Admission:  ledger,
		Identity:   ident,
		logger:     logger,
		logFile:    logFile,
		cryptoFile: cryptoFile,
		cryptoLog:  cryptoLogger,
		packetLog:  packetLog,
		stop:       make(chan struct{}),
	}
	return n, nil
}

// Run starts the receive thread and the scheduler pump in their own
// goroutines and returns at once; both run until Stop is called. The
// receive thread dispatches every datagram
// on its own goroutine-free call stack — single-threaded dispatch is
// what makes RREQ loop suppression race-free (§5).
func (n *Node) Run() {
	n.wg.Add(2)
	go n.receiveLoop()
	go func() {
		defer n.wg.Done()
		n.Engine.Sched.Run(PumpInterval)
	}()
}

func (n *Node) receiveLoop() {
	defer n.wg.Done()
	for {
		data, _, ok, err := n.Transport.Recv()
		if err != nil {
			select {
			case <-n.stop:
				return
			default:
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			n.logger.Warn("receive error", "action", "ERROR", "error", err)
			continue
		}
		if !ok {
			return // shutdown sentinel
		}
		if err := n.Engine.Dispatch(data); err != nil {
			n.logger.Debug("dispatch error", "action", "ERROR", "error", err)
		}
	}
}

// Stop unblocks the receive thread, stops the scheduler, waits for
// both to exit, and persists PacketLog/Stats/RouteCache state (§6).
func (n *Node) Stop() error {
	close(n.stop)
	_ = n.Transport.Close()
	n.Engine.Sched.Stop()
	n.wg.Wait()

	var firstErr error
	if err := n.Engine.Cache.Save(filepath.Join(n.NodeDir, "RouteCache.txt")); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := n.Engine.Cache.SaveRoutes(filepath.Join(n.NodeDir, "DSR_RouteCache.txt")); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := n.writeStats(); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = n.logFile.Close()
	_ = n.cryptoFile.Close()
	_ = n.packetLog.Close()
	return firstErr
}

func (n *Node) writeStats() error {
	sent, received, forwarded, dropped, pdr := n.Engine.Stats.Snapshot()
	text := fmt.Sprintf(
		"packets_sent = %d\npackets_received = %d\npackets_forwarded = %d\npackets_dropped = %d\npdr = %.4f\n",
		sent, received, forwarded, dropped, pdr,
	)
	if err := os.WriteFile(filepath.Join(n.NodeDir, "Stats.txt"), []byte(text), 0o644); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return nil
}
