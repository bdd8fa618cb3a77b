package pwp

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies a PWP message frame.
type MessageID byte

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

var (
	ErrShortMessage    = errors.New("pwp: short message read")
	ErrBadLengthPrefix = errors.New("pwp: length prefix too large")
	ErrBadPayloadSize  = errors.New("pwp: payload size invalid for message id")
)

// maxMessageLen bounds the length prefix against a hostile peer claiming a
// multi-gigabyte frame.
const maxMessageLen = 1 << 20

// Message is one PWP frame. A nil *Message represents the zero-length
// keep-alive, by convention never allocated on the wire side — ReadMessage
// normalizes a keep-alive frame to a nil *Message return.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
)

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return &Message{ID: Have, Payload: p}
}

func MessageBitfield(b []byte) *Message {
	return &Message{ID: Bitfield, Payload: append([]byte(nil), b...)}
}

func MessageRequest(index, begin, length uint32) *Message {
	return &Message{ID: Request, Payload: encodeTriple(index, begin, length)}
}

func MessageCancel(index, begin, length uint32) *Message {
	return &Message{ID: Cancel, Payload: encodeTriple(index, begin, length)}
}

func MessagePiece(index, begin uint32, block []byte) *Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], index)
	binary.BigEndian.PutUint32(p[4:8], begin)
	copy(p[8:], block)
	return &Message{ID: Piece, Payload: p}
}

func encodeTriple(a, b, c uint32) []byte {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], a)
	binary.BigEndian.PutUint32(p[4:8], b)
	binary.BigEndian.PutUint32(p[8:12], c)
	return p
}

// ParseHave returns the piece index carried by a Have message.
func ParseHave(m *Message) (uint32, error) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, ErrBadPayloadSize
	}
	return binary.BigEndian.Uint32(m.Payload), nil
}

// ParseRequest returns the (index, begin, length) triple of a Request or
// Cancel message.
func ParseRequest(m *Message) (index, begin, length uint32, err error) {
	if m == nil || (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, ErrBadPayloadSize
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		binary.BigEndian.Uint32(m.Payload[8:12]), nil
}

// ParsePiece returns the (index, begin, block) triple of a Piece message.
// block aliases m.Payload; callers that retain it past the read buffer's
// lifetime must copy.
func ParsePiece(m *Message) (index, begin uint32, block []byte, err error) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, ErrBadPayloadSize
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]),
		binary.BigEndian.Uint32(m.Payload[4:8]),
		m.Payload[8:], nil
}

// ValidatePayloadSize checks m.Payload's length against the fixed shape its
// ID requires.
func (m *Message) ValidatePayloadSize() error {
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return ErrBadPayloadSize
		}
	case Have:
		if len(m.Payload) != 4 {
			return ErrBadPayloadSize
		}
	case Request, Cancel:
		if len(m.Payload) != 12 {
			return ErrBadPayloadSize
		}
	case Piece:
		if len(m.Payload) < 8 {
			return ErrBadPayloadSize
		}
	case Bitfield:
	default:
		return fmt.Errorf("pwp: %w: id %d", ErrBadPayloadSize, m.ID)
	}
	return nil
}

// MarshalBinary encodes m to its length-prefixed wire form.
func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}
	if err := m.ValidatePayloadSize(); err != nil {
		return nil, err
	}

	length := 1 + len(m.Payload)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf, nil
}

// UnmarshalBinary decodes a single frame (length prefix included) from b.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}
	length := binary.BigEndian.Uint32(b[0:4])
	if length == 0 {
		*m = Message{}
		return nil
	}
	if uint64(length) > maxMessageLen {
		return ErrBadLengthPrefix
	}
	if len(b) < 4+int(length) {
		return ErrShortMessage
	}

	m.ID = MessageID(b[4])
	m.Payload = append([]byte(nil), b[5:4+length]...)
	return m.ValidatePayloadSize()
}

func (m *Message) WriteTo(w io.Writer) (int64, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// WriteMessage writes m (nil meaning keep-alive) to w.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// ReadMessage reads exactly one frame from r. A zero-length frame
// (keep-alive) is reported as (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortMessage
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	if uint64(length) > maxMessageLen {
		return nil, ErrBadLengthPrefix
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortMessage
		}
		return nil, err
	}

	m := &Message{ID: MessageID(body[0]), Payload: body[1:]}
	if err := m.ValidatePayloadSize(); err != nil {
		return nil, err
	}
	return m, nil
}
