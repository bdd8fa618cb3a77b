package pwp

import (
	"bytes"
	"testing"
)

func TestHandshake_MatchesLiteralEncoding(t *testing.T) {
	var peerID, infoHash [20]byte
	for i := range peerID {
		peerID[i] = 0x01
	}
	for i := range infoHash {
		infoHash[i] = 0x02
	}

	h := NewHandshake(infoHash, peerID)
	got, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var want []byte
	want = append(want, 19)
	want = append(want, []byte(protocolName)...)
	want = append(want, make([]byte, 8)...)
	for i := 0; i < 20; i++ {
		want = append(want, 0x02)
	}
	for i := 0; i < 20; i++ {
		want = append(want, 0x01)
	}

	if len(got) != 68 {
		t.Fatalf("encoded length = %d; want 68", len(got))
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("encoded = % x; want % x", got, want)
	}
}

func TestHandshake_RoundTrip(t *testing.T) {
	var peerID, infoHash [20]byte
	copy(peerID[:], "abcdefghij0123456789")
	copy(infoHash[:], "ZYXWVUTSRQ9876543210")

	h := NewHandshake(infoHash, peerID)
	b, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var got Handshake
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.Pstr != protocolName || got.InfoHash != h.InfoHash || got.PeerID != h.PeerID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestHandshake_ShortRead(t *testing.T) {
	var h Handshake
	err := h.UnmarshalBinary([]byte{19, 'B', 'i', 't'})
	if err != ErrShortHandshake {
		t.Fatalf("err = %v; want ErrShortHandshake", err)
	}
}

func TestHandshake_Exchange(t *testing.T) {
	var localID, remoteID, infoHash [20]byte
	copy(localID[:], "local...............")
	copy(remoteID[:], "remote..............")
	copy(infoHash[:], "info................")

	local := NewHandshake(infoHash, localID)
	remote := NewHandshake(infoHash, remoteID)

	remoteWire, err := remote.MarshalBinary()
	if err != nil {
		t.Fatalf("remote MarshalBinary: %v", err)
	}

	conn := &loopback{readBuf: bytes.NewBuffer(remoteWire)}
	peer, err := local.Exchange(conn, true)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if peer.PeerID != remoteID {
		t.Fatalf("peer id = % x; want % x", peer.PeerID, remoteID)
	}

	written, err := ReadHandshake(bytes.NewReader(conn.writeBuf.Bytes()))
	if err != nil {
		t.Fatalf("ReadHandshake of what we wrote: %v", err)
	}
	if written.PeerID != localID {
		t.Fatalf("wrote peer id = % x; want % x", written.PeerID, localID)
	}
}

// loopback lets writes and reads happen on independent buffers, as a
// minimal io.ReadWriter stand-in for a real socket.
type loopback struct {
	readBuf  *bytes.Buffer
	writeBuf bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.readBuf.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.writeBuf.Write(p) }
