// Package wire implements the two on-the-wire framings peers exchange: the
// fixed 32-byte handshake and the length-prefixed message frame.
package wire

import (
	"encoding"
	"encoding/binary"
	"errors"
	"io"
)

// magic is the fixed 18-byte header every handshake must carry.
const magic = "P2PFILESHARINGPROJ"

const (
	handshakeZeroLen = 10
	handshakeLen     = len(magic) + handshakeZeroLen + 4
)

// Handshake is the 32-byte frame exchanged immediately after a TCP connect:
// the 18-byte magic header, 10 zero bytes, and a 4-byte big-endian peer id.
type Handshake struct {
	PeerID uint32
}

// ErrBadHandshake is returned when the magic header doesn't match or the
// frame isn't exactly 32 bytes.
var ErrBadHandshake = errors.New("wire: bad handshake")

var (
	_ encoding.BinaryMarshaler   = Handshake{}
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = Handshake{}
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// MarshalBinary encodes h into its 32-byte wire representation.
func (h Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, handshakeLen)
	offset := copy(buf, magic)
	offset += handshakeZeroLen // already zero-valued
	binary.BigEndian.PutUint32(buf[offset:], h.PeerID)
	return buf, nil
}

// UnmarshalBinary decodes a 32-byte handshake frame, failing with
// ErrBadHandshake on a length or magic mismatch.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) != handshakeLen {
		return ErrBadHandshake
	}
	if string(b[:len(magic)]) != magic {
		return ErrBadHandshake
	}

	h.PeerID = binary.BigEndian.Uint32(b[len(magic)+handshakeZeroLen:])
	return nil
}

// WriteTo implements io.WriterTo.
func (h Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, handshakeLen)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return int64(n), err
	}
	return int64(n), h.UnmarshalBinary(buf)
}

// ReadHandshake reads a full handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange writes the local handshake to rw, reads the remote one back, and
// returns it. The caller is responsible for validating the remote peer id
// against whatever it expected (outbound dials check it; inbound accepts
// learn the remote id from the exchange).
func Exchange(rw io.ReadWriter, local Handshake) (remote Handshake, err error) {
	if err = WriteHandshake(rw, local); err != nil {
		return Handshake{}, err
	}
	remote, err = ReadHandshake(rw)
	return remote, err
}
