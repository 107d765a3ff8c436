// Package eventlog writes the bit-exact, line-oriented transcript each peer
// process keeps of its protocol events: log_peer_<id>.log. Its format is a
// wire contract, not a debugging aid, so it is kept entirely separate from
// the ambient logging in internal/logging.
package eventlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// timestampLayout matches the "YYYY-MM-DD HH:MM:SS: " prefix every event
// line must carry.
const timestampLayout = "2006-01-02 15:04:05"

// Log appends bit-exact event lines to log_peer_<peerID>.log, truncated on
// creation. Safe for concurrent use.
type Log struct {
	mu   sync.Mutex
	w    io.WriteCloser
	self uint32
	now  func() time.Time
}

// Open truncates (or creates) log_peer_<peerID>.log in dir and returns a
// Log that writes to it.
func Open(dir string, peerID uint32) (*Log, error) {
	path := fmt.Sprintf("log_peer_%d.log", peerID)
	if dir != "" {
		path = filepath.Join(dir, path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}

	return &Log{w: f, self: peerID, now: time.Now}, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

func (l *Log) writeLine(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now().Format(timestampLayout)
	fmt.Fprintf(l.w, "%s: %s\n", ts, line)
}

// MakesConnectionTo records that this peer initiated the TCP connection.
func (l *Log) MakesConnectionTo(remote uint32) {
	l.writeLine(fmt.Sprintf("Peer %d makes a connection to Peer %d.", l.self, remote))
}

// ConnectedFrom records that this peer accepted an inbound connection.
func (l *Log) ConnectedFrom(remote uint32) {
	l.writeLine(fmt.Sprintf("Peer %d is connected from Peer %d.", l.self, remote))
}

// PreferredNeighbors records a rechoke decision. ids is rendered
// comma-separated with no spaces; an empty slice renders as "[]".
func (l *Log) PreferredNeighbors(ids []uint32) {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatUint(uint64(id), 10)
	}
	l.writeLine(fmt.Sprintf("Peer %d has the preferred neighbors [%s].", l.self, strings.Join(parts, ",")))
}

// OptimisticallyUnchokedNeighbor records an optimistic-unchoke pick.
func (l *Log) OptimisticallyUnchokedNeighbor(remote uint32) {
	l.writeLine(fmt.Sprintf("Peer %d has the optimistically unchoked neighbor %d.", l.self, remote))
}

// UnchokedBy records that remote sent us an UNCHOKE.
func (l *Log) UnchokedBy(remote uint32) {
	l.writeLine(fmt.Sprintf("Peer %d is unchoked by %d.", l.self, remote))
}

// ChokedBy records that remote sent us a CHOKE.
func (l *Log) ChokedBy(remote uint32) {
	l.writeLine(fmt.Sprintf("Peer %d is choked by %d.", l.self, remote))
}

// ReceivedHave records a HAVE message for piece index from remote.
func (l *Log) ReceivedHave(remote uint32, index int) {
	l.writeLine(fmt.Sprintf("Peer %d received the 'have' message from %d for the piece %d.", l.self, remote, index))
}

// ReceivedInterested records an INTERESTED message from remote.
func (l *Log) ReceivedInterested(remote uint32) {
	l.writeLine(fmt.Sprintf("Peer %d received the 'interested' message from %d.", l.self, remote))
}

// ReceivedNotInterested records a NOT_INTERESTED message from remote.
func (l *Log) ReceivedNotInterested(remote uint32) {
	l.writeLine(fmt.Sprintf("Peer %d received the 'not interested' message from %d.", l.self, remote))
}

// DownloadedPiece records a completed piece download, with the total
// pieces now held.
func (l *Log) DownloadedPiece(remote uint32, index, totalHave int) {
	l.writeLine(fmt.Sprintf(
		"Peer %d has downloaded the piece %d from %d. Now the number of pieces it has is %d.",
		l.self, index, remote, totalHave,
	))
}

// DownloadedCompleteFile records that this peer now holds every piece.
func (l *Log) DownloadedCompleteFile() {
	l.writeLine(fmt.Sprintf("Peer %d has downloaded the complete file.", l.self))
}
