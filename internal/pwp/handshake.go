// Package pwp implements the BitTorrent Peer Wire Protocol: the fixed-size
// handshake and the length-prefixed message frames exchanged afterward.
package pwp

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"io"
)

const (
	protocolName = "BitTorrent protocol"
	reservedLen  = 8
)

// Handshake is the 68-byte greeting every PWP connection starts with:
//
//	<pstrlen=19><"BitTorrent protocol"><reserved:8><info_hash:20><peer_id:20>
type Handshake struct {
	Pstr     string
	Reserved [reservedLen]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrProtocolMismatch = errors.New("pwp: handshake protocol string mismatch")
	ErrBadPstrlen       = errors.New("pwp: invalid protocol string length")
	ErrShortHandshake   = errors.New("pwp: short handshake read")
	ErrInfoHashMismatch = errors.New("pwp: handshake info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake builds the canonical handshake for a torrent/peer pair, using
// the standard protocol string and zeroed reserved bytes.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{Pstr: protocolName, InfoHash: infoHash, PeerID: peerID}
}

// MarshalBinary encodes the handshake to its 68-byte wire form.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	buf := make([]byte, 1+len(h.Pstr)+reservedLen+sha1.Size+sha1.Size)
	buf[0] = byte(len(h.Pstr))

	off := 1
	off += copy(buf[off:], h.Pstr)
	off += copy(buf[off:], h.Reserved[:])
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])

	return buf, nil
}

// UnmarshalBinary decodes a handshake from its wire form.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen == 0 || pstrlen > 255 {
		return ErrBadPstrlen
	}

	const tail = reservedLen + sha1.Size + sha1.Size
	if len(b) < 1+pstrlen+tail {
		return ErrShortHandshake
	}

	start := 1
	end := start + pstrlen
	copy(h.Reserved[:], b[end:end+reservedLen])
	copy(h.InfoHash[:], b[end+reservedLen:end+reservedLen+sha1.Size])
	copy(h.PeerID[:], b[end+reservedLen+sha1.Size:])
	h.Pstr = string(b[start:end])

	return nil
}

func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return 0, ErrShortHandshake
		}
		return 0, err
	}

	pstrlen := int(hdr[0])
	if pstrlen == 0 || pstrlen > 255 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+reservedLen+sha1.Size+sha1.Size)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(1 + len(rest)), ErrShortHandshake
		}
		return int64(1 + len(rest)), err
	}

	if err := h.UnmarshalBinary(append(hdr[:], rest...)); err != nil {
		return int64(1 + len(rest)), err
	}
	return int64(1 + len(rest)), nil
}

// ReadHandshake reads and decodes one handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire form.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// ValidProtocol reports whether h carries the protocol string this package
// speaks. Callers outside pwp use this instead of comparing against the
// unexported protocolName directly.
func ValidProtocol(h Handshake) bool {
	return h.Pstr == protocolName
}

// Exchange writes the local handshake, reads the remote one back, and
// validates the protocol string (and, if requested, the info hash).
// This implements the byte-level half of Handshaker (§4.4): writing/reading
// is this method's job, role and timeout policy belong to the caller.
func (h Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (Handshake, error) {
	if _, err := (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	var peer Handshake
	if _, err := peer.ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if peer.Pstr != protocolName {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyInfoHash && peer.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}
	return peer, nil
}
