package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openForTest(t *testing.T, peerID uint32) (*Log, string) {
	t.Helper()
	dir := t.TempDir()

	l, err := Open(dir, peerID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }

	return l, filepath.Join(dir, fmt.Sprintf("log_peer_%d.log", peerID))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(b)
}

func TestEventLinesExact(t *testing.T) {
	l, path := openForTest(t, 1001)

	l.MakesConnectionTo(1002)
	l.ConnectedFrom(1003)
	l.PreferredNeighbors([]uint32{1002, 1004})
	l.PreferredNeighbors(nil)
	l.OptimisticallyUnchokedNeighbor(1005)
	l.UnchokedBy(1002)
	l.ChokedBy(1003)
	l.ReceivedHave(1002, 7)
	l.ReceivedInterested(1002)
	l.ReceivedNotInterested(1003)
	l.DownloadedPiece(1002, 7, 42)
	l.DownloadedCompleteFile()
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := readFile(t, path)
	want := []string{
		"2024-03-01 12:00:00: Peer 1001 makes a connection to Peer 1002.",
		"2024-03-01 12:00:00: Peer 1001 is connected from Peer 1003.",
		"2024-03-01 12:00:00: Peer 1001 has the preferred neighbors [1002,1004].",
		"2024-03-01 12:00:00: Peer 1001 has the preferred neighbors [].",
		"2024-03-01 12:00:00: Peer 1001 has the optimistically unchoked neighbor 1005.",
		"2024-03-01 12:00:00: Peer 1001 is unchoked by 1002.",
		"2024-03-01 12:00:00: Peer 1001 is choked by 1003.",
		"2024-03-01 12:00:00: Peer 1001 received the 'have' message from 1002 for the piece 7.",
		"2024-03-01 12:00:00: Peer 1001 received the 'interested' message from 1002.",
		"2024-03-01 12:00:00: Peer 1001 received the 'not interested' message from 1003.",
		"2024-03-01 12:00:00: Peer 1001 has downloaded the piece 7 from 1002. Now the number of pieces it has is 42.",
		"2024-03-01 12:00:00: Peer 1001 has downloaded the complete file.",
	}

	for _, line := range want {
		if !strings.Contains(got, line) {
			t.Errorf("missing line: %q\nfull output:\n%s", line, got)
		}
	}
}

func TestOpenTruncatesOnStartup(t *testing.T) {
	dir := t.TempDir()

	l1, err := Open(dir, 2001)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	l1.MakesConnectionTo(2002)
	l1.Close()

	l2, err := Open(dir, 2001)
	if err != nil {
		t.Fatalf("Open (reopen): %v", err)
	}
	defer l2.Close()

	path := filepath.Join(dir, "log_peer_2001.log")
	got := readFile(t, path)
	if strings.Contains(got, "makes a connection") {
		t.Fatalf("expected truncated file, got %q", got)
	}
}
