package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samwilton/pfsp/internal/bitfield"
)

func TestOpenSeedStartsFull(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1001, "thefile.dat", 16, 4, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if !s.IsComplete() {
		t.Fatal("expected seed store to start complete")
	}
	if s.NumHave() != 4 {
		t.Fatalf("NumHave = %d; want 4", s.NumHave())
	}

	path := filepath.Join(dir, "peer_1001", "thefile.dat")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size() != 16 {
		t.Fatalf("file size = %d; want 16", info.Size())
	}
}

func TestOpenLeecherStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1002, "thefile.dat", 16, 4, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.IsComplete() {
		t.Fatal("expected leecher store to start empty")
	}
	if s.NumHave() != 0 {
		t.Fatalf("NumHave = %d; want 0", s.NumHave())
	}
}

func TestReadPieceNotHeldFails(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1002, "thefile.dat", 16, 4, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.ReadPiece(0); !errors.Is(err, ErrPieceNotHeld) {
		t.Fatalf("ReadPiece on unheld piece = %v; want ErrPieceNotHeld", err)
	}

	if err := s.WritePiece(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}
	if _, err := s.ReadPiece(0); err != nil {
		t.Fatalf("ReadPiece after write: %v", err)
	}
}

func TestWriteReadPieceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1002, "thefile.dat", 16, 4, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	data := []byte("AAAA")
	if err := s.WritePiece(0, data); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	got, err := s.ReadPiece(0)
	if err != nil {
		t.Fatalf("ReadPiece: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("ReadPiece = %q; want %q", got, data)
	}
	if s.NumHave() != 1 {
		t.Fatalf("NumHave = %d; want 1", s.NumHave())
	}
}

func TestWritePieceWrongLength(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1002, "thefile.dat", 16, 4, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.WritePiece(0, []byte("AA")); err == nil {
		t.Fatal("expected error for wrong-length write")
	}
	if s.NumHave() != 0 {
		t.Fatal("bitfield must not be set on a failed write")
	}
}

func TestWritePieceLastPieceShorterLength(t *testing.T) {
	dir := t.TempDir()
	// fileSize=14, pieceSize=4 -> 4 pieces, last is 2 bytes.
	s, err := Open(dir, 1002, "thefile.dat", 14, 4, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if s.NumPieces() != 4 {
		t.Fatalf("NumPieces = %d; want 4", s.NumPieces())
	}

	if err := s.WritePiece(3, []byte("XY")); err != nil {
		t.Fatalf("WritePiece(last): %v", err)
	}
	if err := s.WritePiece(3, []byte("XYZ")); err == nil {
		t.Fatal("expected error writing wrong length to last piece")
	}
}

func TestPieceOutOfRange(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1002, "thefile.dat", 16, 4, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.WritePiece(4, []byte("AAAA")); err == nil {
		t.Fatal("expected error for out-of-range write")
	}
	if _, err := s.ReadPiece(-1); err == nil {
		t.Fatal("expected error for out-of-range read")
	}
}

func TestCheckInterestAndPickRandomMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1002, "thefile.dat", 16, 4, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	theirs := bitfield.New(4)
	theirs.SetAll()

	if !s.CheckInterest(theirs) {
		t.Fatal("expected interest: we have nothing, they have everything")
	}

	idx, ok := s.PickRandomMissing(theirs, nil)
	if !ok || idx < 0 || idx >= 4 {
		t.Fatalf("PickRandomMissing = %d, %v", idx, ok)
	}
}

func TestBitfieldSnapshotIsIndependent(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, 1002, "thefile.dat", 16, 4, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	snap := s.Bitfield()
	if err := s.WritePiece(0, []byte("AAAA")); err != nil {
		t.Fatalf("WritePiece: %v", err)
	}

	has, _ := snap.Has(0)
	if has {
		t.Fatal("snapshot must not observe writes made after it was taken")
	}
}
