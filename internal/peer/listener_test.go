package peer

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/nyxswarm/swarmd/internal/pwp"
)

func TestListenerHandleAcceptQueuesValidHandshake(t *testing.T) {
	l := &Listener{
		log:      slog.Default(),
		accepted: make(chan *AcceptedConn, 1),
	}

	client, server := net.Pipe()
	defer client.Close()

	var infoHash, peerID [20]byte
	copy(infoHash[:], "infoinfoinfoinfoinfo")
	copy(peerID[:], "peeridpeeridpeeridpe")
	hs := pwp.NewHandshake(infoHash, peerID)

	go func() {
		_, _ = hs.WriteTo(client)
	}()

	l.handleAccept(server)

	select {
	case conn := <-l.accepted:
		if conn.Remote.InfoHash != infoHash {
			t.Errorf("accepted info hash = % x, want % x", conn.Remote.InfoHash, infoHash)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a valid handshake to be queued")
	}
}

func TestListenerHandleAcceptRejectsGarbage(t *testing.T) {
	l := &Listener{
		log:      slog.Default(),
		accepted: make(chan *AcceptedConn, 1),
	}

	client, server := net.Pipe()

	go func() {
		_, _ = client.Write([]byte("not a handshake"))
		client.Close()
	}()

	l.handleAccept(server)

	select {
	case <-l.accepted:
		t.Fatal("expected garbage input to be rejected, not queued")
	default:
	}
}
