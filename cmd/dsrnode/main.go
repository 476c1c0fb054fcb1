// Command dsrnode runs one DSR network participant: a process launcher
// (out of scope, §6) would fork one of these per simulated node and
// assign each a distinct --id, neighbor file, and loss rate.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dsrnet/dsr-node/internal/node"
	"github.com/dsrnet/dsr-node/internal/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	id := flag.Int("id", 0, "this node's id (0-255)")
	neighborsFile := flag.String("neighbors-file", "", "path to AccessTable.txt (defaults to <data-dir>/node_<id>/AccessTable.txt)")
	dataDir := flag.String("data-dir", "./data", "root directory for node state, logs, and crypto material")
	rxBase := flag.Int("rx-base", 0, "base UDP port this node receives on (port = rx-base + id); 0 uses the transport default")
	txBase := flag.Int("tx-base", 0, "base UDP port this node sends from (port = tx-base + id); 0 uses the transport default")
	loss := flag.Int("loss", 0, "percent chance (0-100) of simulated outbound packet loss")
	flag.Parse()

	if *id < 0 || *id > 255 {
		fmt.Fprintf(os.Stderr, "dsrnode: --id must be between 0 and 255, got %d\n", *id)
		return 1
	}

	n, err := node.New(node.Config{
		ID:            wire.NodeID(*id),
		DataDir:       *dataDir,
		NeighborsFile: *neighborsFile,
		RXBase:        *rxBase,
		TXBase:        *txBase,
		LossPercent:   *loss,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dsrnode: failed to start node %d: %v\n", *id, err)
		return 1
	}

	fmt.Printf("dsrnode: node %d running (neighbors=%v, data-dir=%s)\n", *id, n.Neighbors, *dataDir)
	n.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Printf("dsrnode: node %d shutting down\n", *id)
	if err := n.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "dsrnode: shutdown error: %v\n", err)
		return 1
	}
	return 0
}
