// Package store manages the on-disk image of the shared file and the local
// bitfield tracking which pieces it holds.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/samwilton/pfsp/internal/bitfield"
)

// FileStore owns one peer's copy of the shared file plus the bitfield
// tracking which pieces are present. All reads and writes are serialized
// under a single mutex, per spec.md §5.
type FileStore struct {
	mu   sync.Mutex
	f    *os.File
	bf   *bitfield.Bitfield
	have int

	fileSize      int64
	pieceSize     int64
	numPieces     int
	lastPieceSize int64
}

// ErrPieceOutOfRange is returned by ReadPiece/WritePiece for an index
// outside [0, numPieces).
var ErrPieceOutOfRange = fmt.Errorf("store: piece index out of range")

// ErrWrongLength is returned by WritePiece when the supplied bytes don't
// match the declared length of the target piece.
var ErrWrongLength = fmt.Errorf("store: wrong piece length")

// ErrPieceNotHeld is returned by ReadPiece when the requested piece's bit
// isn't set — spec.md §4.2 requires read_piece to fail rather than return
// unwritten (or stale) bytes.
var ErrPieceNotHeld = fmt.Errorf("store: piece not held")

// Open creates (or truncates-to-size) peer_<peerID>/fileName under dir and
// returns a FileStore over it. If seed is true the bitfield starts full;
// otherwise it starts empty and the file is zero-filled (sparse is fine).
func Open(dir string, peerID uint32, fileName string, fileSize, pieceSize int64, seed bool) (*FileStore, error) {
	if fileSize <= 0 || pieceSize <= 0 {
		return nil, fmt.Errorf("store: fileSize and pieceSize must be positive")
	}

	peerDir := filepath.Join(dir, fmt.Sprintf("peer_%d", peerID))
	if err := os.MkdirAll(peerDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: mkdir %s: %w", peerDir, err)
	}

	path := filepath.Join(peerDir, fileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := f.Truncate(fileSize); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("store: truncate %s: %w", path, err)
	}

	numPieces := int((fileSize + pieceSize - 1) / pieceSize)
	lastPieceSize := fileSize - int64(numPieces-1)*pieceSize

	bf := bitfield.New(numPieces)
	have := 0
	if seed {
		bf.SetAll()
		have = numPieces
	}

	return &FileStore{
		f:             f,
		bf:            bf,
		have:          have,
		fileSize:      fileSize,
		pieceSize:     pieceSize,
		numPieces:     numPieces,
		lastPieceSize: lastPieceSize,
	}, nil
}

// Close closes the underlying file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// NumPieces returns the total piece count.
func (s *FileStore) NumPieces() int { return s.numPieces }

// pieceLength returns the byte length of piece i, without locking.
func (s *FileStore) pieceLength(i int) int64 {
	if i == s.numPieces-1 {
		return s.lastPieceSize
	}
	return s.pieceSize
}

// WritePiece writes data at piece i's offset. On success it sets the
// bitfield bit and, the first time piece i is written, increments the
// have-count; the bit is set only if the
// write succeeded, so no reader ever observes an asserted bit for data
// that isn't on disk (I1).
func (s *FileStore) WritePiece(i int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= s.numPieces {
		return ErrPieceOutOfRange
	}
	if int64(len(data)) != s.pieceLength(i) {
		return ErrWrongLength
	}

	offset := int64(i) * s.pieceSize
	if _, err := s.f.WriteAt(data, offset); err != nil {
		return fmt.Errorf("store: write piece %d: %w", i, err)
	}

	had, _ := s.bf.Has(i)
	if err := s.bf.Set(i); err != nil {
		return err
	}
	if !had {
		s.have++
	}

	return nil
}

// ReadPiece reads the full content of piece i.
func (s *FileStore) ReadPiece(i int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i < 0 || i >= s.numPieces {
		return nil, ErrPieceOutOfRange
	}
	if has, err := s.bf.Has(i); err != nil || !has {
		return nil, ErrPieceNotHeld
	}

	length := s.pieceLength(i)
	buf := make([]byte, length)
	offset := int64(i) * s.pieceSize

	if _, err := s.f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("store: read piece %d: %w", i, err)
	}

	return buf, nil
}

// Bitfield returns a snapshot copy of the local bitfield.
func (s *FileStore) Bitfield() *bitfield.Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bf.Clone()
}

// NumHave returns the number of pieces currently held.
func (s *FileStore) NumHave() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have
}

// IsComplete reports whether every piece is present.
func (s *FileStore) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have == s.numPieces
}

// CheckInterest reports whether theirs holds at least one piece this store
// lacks. Delegates to Bitfield.HasAnyInteresting under the store's lock so
// the check is consistent with concurrent writes.
func (s *FileStore) CheckInterest(theirs *bitfield.Bitfield) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bf.HasAnyInteresting(theirs)
}

// PickRandomMissing returns a piece index theirs holds that this store
// lacks and that isn't in excluded, chosen uniformly at random.
func (s *FileStore) PickRandomMissing(theirs *bitfield.Bitfield, excluded map[int]struct{}) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bf.PickRandomMissing(theirs, excluded)
}
