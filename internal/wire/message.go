package wire

import (
	"encoding"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageID identifies the type of a message frame's payload.
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
)

func (mid MessageID) String() string {
	switch mid {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(mid))
	}
}

// Message is a single length-prefixed frame: <length:4><id:1><payload>.
// length counts the id byte plus the payload.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage    = fmt.Errorf("wire: short message")
	ErrBadLengthPrefix = fmt.Errorf("wire: invalid length prefix")
	ErrBadPayloadSize  = fmt.Errorf("wire: invalid payload size for message type")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
	_ io.ReaderFrom              = (*Message)(nil)
)

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

// MessageHave builds a HAVE message announcing piece index.
func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: Have, Payload: payload}
}

// MessageBitfield builds a BITFIELD message carrying the raw bitfield bytes.
func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)
	return &Message{ID: Bitfield, Payload: cp}
}

// MessageRequest builds a REQUEST message for the whole of piece index.
func MessageRequest(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)
	return &Message{ID: Request, Payload: payload}
}

// MessagePiece builds a PIECE message carrying the complete content of
// piece index.
func MessagePiece(index uint32, content []byte) *Message {
	payload := make([]byte, 4+len(content))
	binary.BigEndian.PutUint32(payload[0:4], index)
	copy(payload[4:], content)
	return &Message{ID: Piece, Payload: payload}
}

// ParseHave returns the piece index carried by a HAVE message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest returns the piece index carried by a REQUEST message.
func (m *Message) ParseRequest() (index uint32, ok bool) {
	if m == nil || m.ID != Request || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParsePiece returns the piece index and content carried by a PIECE message.
func (m *Message) ParsePiece() (index uint32, content []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 4 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]), m.Payload[4:], true
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *Message) MarshalBinary() ([]byte, error) {
	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. b must hold a full
// frame, length prefix included.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}

	length := binary.BigEndian.Uint32(b[0:4])
	if length < 1 {
		return ErrBadLengthPrefix
	}
	if len(b) < 4+int(length) {
		return ErrShortMessage
	}

	m.ID = MessageID(b[4])
	m.Payload = append(m.Payload[:0], b[5:4+int(length)]...)
	return nil
}

// WriteTo implements io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	var hdr [5]byte
	length := 1 + len(m.Payload)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(length))
	hdr[4] = byte(m.ID)

	n1, err := w.Write(hdr[:])
	if err != nil {
		return int64(n1), err
	}
	if len(m.Payload) == 0 {
		return int64(n1), nil
	}

	n2, err := w.Write(m.Payload)
	return int64(n1 + n2), err
}

// ReadFrom implements io.ReaderFrom. It drains exactly length-1 payload
// bytes from r, looping across short reads internally via io.ReadFull.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length < 1 {
		return 4, ErrBadLengthPrefix
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return int64(4 + len(buf)), err
	}

	m.ID = MessageID(buf[0])
	m.Payload = append(m.Payload[:0], buf[1:]...)
	return int64(4 + len(buf)), nil
}

// ReadMessage reads a full message frame from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var m Message
	if _, err := m.ReadFrom(r); err != nil {
		return nil, err
	}
	return &m, nil
}

// WriteMessage writes m to w.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// ValidatePayloadSize checks m's payload length against what its ID
// requires, per the wire contract (spec §4.3).
func (m *Message) ValidatePayloadSize() error {
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return ErrBadPayloadSize
		}
	case Have, Request:
		if len(m.Payload) != 4 {
			return ErrBadPayloadSize
		}
	case Bitfield:
		// length validated by the caller against ceil(num_pieces/8).
	case Piece:
		if len(m.Payload) < 4 {
			return ErrBadPayloadSize
		}
	default:
		return ErrBadPayloadSize
	}
	return nil
}
