package peer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/nyxswarm/swarmd/internal/pwp"
)

// handshakeReadTimeout bounds how long Listener waits for an inbound
// connection to send its handshake before giving up on it.
const handshakeReadTimeout = 10 * time.Second

// AcceptedConn is a raw inbound connection that has sent a well-formed
// handshake, paired with the remote's claimed info hash so the caller can
// route it to the right Torrent before completing the responder side of
// the handshake.
type AcceptedConn struct {
	Conn   net.Conn
	Remote pwp.Handshake
}

// Listener is the responder half of Handshaker: it owns the single TCP
// socket a Client listens on for inbound peer connections, shared across
// every torrent the client has loaded, and hands each accepted connection
// off once it has read (but not yet answered) the remote handshake.
type Listener struct {
	log      *slog.Logger
	ln       net.Listener
	accepted chan *AcceptedConn
}

// Listen binds addr and returns a Listener ready to Run.
func Listen(addr string, log *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer listener: %w", err)
	}

	return &Listener{
		log:      log.With("component", "peer listener", "addr", addr),
		ln:       ln,
		accepted: make(chan *AcceptedConn, 64),
	}, nil
}

// Accepted returns the channel of connections that have passed the initial
// handshake read and are waiting for a Torrent to claim them.
func (l *Listener) Accepted() <-chan *AcceptedConn {
	return l.accepted
}

// Run accepts connections until ctx is cancelled or the listener's socket
// is closed.
func (l *Listener) Run(ctx context.Context) error {
	l.log.Info("listening for inbound peers")

	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				l.log.Warn("accept failed", "error", err.Error())
				return err
			}
		}

		go l.handleAccept(conn)
	}
}

func (l *Listener) handleAccept(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeReadTimeout))

	remote, err := pwp.ReadHandshake(conn)

	_ = conn.SetReadDeadline(time.Time{})

	if err != nil || !pwp.ValidProtocol(remote) {
		l.log.Debug("rejecting inbound connection", "addr", conn.RemoteAddr(), "error", err)
		_ = conn.Close()
		return
	}

	select {
	case l.accepted <- &AcceptedConn{Conn: conn, Remote: remote}:
	default:
		l.log.Warn("accept queue full; dropping inbound peer", "addr", conn.RemoteAddr())
		_ = conn.Close()
	}
}
