package dsr

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// PacketLog appends one line per SEND/RECEIVE/FORWARD/BROADCAST/DROP/
// ACK/RERR/RECEIPT/ERROR event to PacketLog.txt (§6), alongside the
// structured slog record each of those events already produces. A nil
// *PacketLog is a no-op, so Engine can run without one in unit tests
// that never open a node directory.
type PacketLog struct {
	mu sync.Mutex
	f  *os.File
}

// OpenPacketLog opens (creating and appending to) the packet log file
// at path.
func OpenPacketLog(path string) (*PacketLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open packet log: %w", err)
	}
	return &PacketLog{f: f}, nil
}

// Append writes "<ISO-8601> [<ACTION>] <info>" to the log, formatting
// info the way fmt.Sprintf would.
func (pl *PacketLog) Append(action, format string, args ...any) {
	if pl == nil {
		return
	}
	line := fmt.Sprintf("%s [%s] %s\n", time.Now().UTC().Format(time.RFC3339), action, fmt.Sprintf(format, args...))
	pl.mu.Lock()
	defer pl.mu.Unlock()
	_, _ = pl.f.WriteString(line)
}

// Close closes the underlying file.
func (pl *PacketLog) Close() error {
	if pl == nil {
		return nil
	}
	return pl.f.Close()
}
