package pwp

import "encoding/binary"

// KeepAlive is a sentinel MessageID reported only by DecodeMessages, never
// written to the wire: a decoded keep-alive frame has this ID and a nil
// Payload so callers can pattern-match it alongside real message ids.
const KeepAlive MessageID = 0xff

// DecodeMessages decodes as many complete frames as are present at the
// front of buf, in order, and returns the ordered messages together with
// the undecoded remainder — a short or empty slice if buf ends mid-frame.
// Keep-alive frames (a bare zero length prefix) are reported as a Message
// with ID KeepAlive rather than dropped, so the caller sees exactly the
// frame sequence that was on the wire.
//
// DecodeMessages never returns an error for a merely incomplete tail: that
// is the normal case when more bytes are still arriving on the connection.
// It only errors on a length prefix that could never be satisfied.
func DecodeMessages(buf []byte) ([]*Message, []byte, error) {
	var out []*Message

	for {
		if len(buf) < 4 {
			return out, buf, nil
		}

		length := binary.BigEndian.Uint32(buf[0:4])
		if length == 0 {
			out = append(out, &Message{ID: KeepAlive})
			buf = buf[4:]
			continue
		}
		if uint64(length) > maxMessageLen {
			return out, buf, ErrBadLengthPrefix
		}

		frameEnd := 4 + int(length)
		if len(buf) < frameEnd {
			return out, buf, nil
		}

		m := &Message{ID: MessageID(buf[4]), Payload: append([]byte(nil), buf[5:frameEnd]...)}
		if err := m.ValidatePayloadSize(); err != nil {
			return out, buf, err
		}

		out = append(out, m)
		buf = buf[frameEnd:]
	}
}

// EncodeMessages concatenates the wire form of each message in order. A nil
// entry, or one with ID KeepAlive, is encoded as a keep-alive frame.
func EncodeMessages(msgs []*Message) ([]byte, error) {
	var out []byte
	for _, m := range msgs {
		if m != nil && m.ID == KeepAlive {
			m = nil
		}
		b, err := m.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}
