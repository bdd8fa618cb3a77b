package peer

import (
	"context"
	"crypto/sha1"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyxswarm/swarmd/internal/bitfield"
	"github.com/nyxswarm/swarmd/internal/pwp"
	"github.com/nyxswarm/swarmd/internal/scheduler"
	"github.com/nyxswarm/swarmd/internal/swarm"
	"golang.org/x/sync/errgroup"

	"log/slog"
)

const (
	maskAmChoking      = 1 << 0
	maskAmInterested   = 1 << 1
	maskPeerChoking    = 1 << 2
	maskPeerInterested = 1 << 3

	keepAliveInterval      = 90 * time.Second
	messageHistoryCapacity = 64

	// interestedResendInterval caps how often we re-send Interested while a
	// peer keeps choking us; resetting only on the triggers in §4.2 (start
	// of download, each downloaded block) would otherwise mean a single
	// dropped message goes unnoticed indefinitely.
	interestedResendInterval = 60 * time.Second
	interestCheckInterval    = 15 * time.Second
)

// peerRole distinguishes a connection we dialed out from one we accepted,
// since admission caps (§4.1) are tracked separately per direction.
type peerRole uint8

const (
	roleInitiated peerRole = iota
	roleAccepted
)

type Peer struct {
	log                  *slog.Logger
	conn                 net.Conn
	addr                 netip.AddrPort
	cfg                  *Config
	role                 peerRole
	state                uint32
	stats                *PeerStats
	history              *messageHistoryBuffer
	lastAcitivyAt        atomic.Int64
	lastInterestedSentAt atomic.Int64
	localPieces          bitfield.Bitfield
	outbox               chan *pwp.Message
	closeOnce            sync.Once
	stopped              atomic.Bool
	cancel               context.CancelFunc
	eventQueue           chan<- scheduler.Event
	workQueue            <-chan scheduler.Event
}

// PeerStats holds per-connection counters/timestamps. All fields are
// atomic. The byte and message counters only grow for the lifetime of a
// peer; DownloadRate and UploadRate are overwritten each second with the
// smoothed per-second rate.
type PeerStats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	DownloadRate      atomic.Uint64
	UploadRate        atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsCancelled atomic.Uint64
	RequestsTimeout   atomic.Uint64
	PiecesReceived    atomic.Uint64
	PiecesSent        atomic.Uint64
	Errors            atomic.Uint64
	ConnectedAt       time.Time
	DisconnectedAt    time.Time
}

// PeerMetrics is a snapshot of a single peer's connection + transfer stats.
type PeerMetrics struct {
	Addr           netip.AddrPort
	Downloaded     uint64
	Uploaded       uint64
	RequestsSent   uint64
	BlocksReceived uint64
	BlocksFailed   uint64
	LastActive     time.Time
	ConnectedAt    time.Time
	ConnectedFor   int64 // duration in nanoseconds
	DownloadRate   uint64
	UploadRate     uint64
	IsChoked       bool
	IsInterested   bool
}

type peerOpts struct {
	infoHash   [sha1.Size]byte
	clientID   [sha1.Size]byte
	config     *Config
	logger     *slog.Logger
	eventQueue chan<- scheduler.Event
	workQueue  <-chan scheduler.Event
}

func newPeer(ctx context.Context, addr netip.AddrPort, opts *peerOpts) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", addr.String(), opts.config.DialTimeout)
	if err != nil {
		return nil, err
	}

	handshake := pwp.NewHandshake(opts.infoHash, opts.clientID)
	if _, err := handshake.Exchange(conn, true); err != nil {
		_ = conn.Close()
		return nil, err
	}

	p := newPeerWithConn(conn, addr, opts)
	p.role = roleInitiated
	return p, nil
}

// newPeerWithConn builds a Peer around an already-handshaken connection,
// shared by both the initiator path (newPeer, after Exchange) and the
// responder path (Swarm.admitAccepted, after the Listener's handshake and
// our own reply have both completed).
func newPeerWithConn(conn net.Conn, addr netip.AddrPort, opts *peerOpts) *Peer {
	log := opts.logger.With("src", "peer", "addr", addr)

	p := &Peer{
		log:        log,
		conn:       conn,
		addr:       addr,
		cfg:        opts.config,
		stats:      &PeerStats{},
		history:    newMessageHistoryBuffer(messageHistoryCapacity),
		eventQueue: opts.eventQueue,
		workQueue:  opts.workQueue,
		outbox:     make(chan *pwp.Message, opts.config.PeerOutboxBacklog),
	}
	p.setState(maskAmChoking|maskPeerChoking, true)
	p.lastAcitivyAt.Store(time.Now().UnixNano())
	p.stats.ConnectedAt = time.Now()

	return p
}

func (p *Peer) Run(ctx context.Context) error {
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.eventQueue <- scheduler.NewHandshakeEvent(p.addr)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.readMessagesLoop(gctx) })
	g.Go(func() error { return p.writeMessagesLoop(gctx) })
	g.Go(func() error { return p.workLoop(gctx) })
	g.Go(func() error { return p.downloadUploadRatesLoop(gctx) })
	g.Go(func() error { return p.interestLoop(gctx) })

	p.maybeSendInterested()

	err := g.Wait()
	p.eventQueue <- scheduler.NewGoneEvent(p.addr)
	return err
}

func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		p.stopped.Store(true)

		if p.cancel != nil {
			p.cancel()
		}

		_ = p.conn.Close()
		close(p.outbox)
		p.stats.DisconnectedAt = time.Now()

		p.log.Debug("stopped peer")
	})
}

func (p *Peer) Idleness() time.Duration {
	ns := time.Unix(0, p.lastAcitivyAt.Load())
	return time.Since(ns)
}

// GetMessageHistory returns up to limit of the most recent wire messages
// exchanged with this peer, oldest first.
func (p *Peer) GetMessageHistory(limit int) ([]*Event, error) {
	return p.history.Get(limit)
}

func (p *Peer) SendKeepAlive() { p.enqueueMessage(nil) }

func (p *Peer) Choke() {
	p.enqueueMessage(pwp.MessageChoke())
}

func (p *Peer) Unchoke() {
	p.enqueueMessage(pwp.MessageUnchoke())
}

// workLoop drains the scheduler's per-peer work queue and turns each
// instruction into a wire send. The Event type is shared with the inbound
// eventQueue; here it is interpreted as a command rather than a fact.
func (p *Peer) workLoop(ctx context.Context) error {
	l := p.log.With("component", "work loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-p.workQueue:
			if !ok {
				return nil
			}
			p.handleWorkEvent(event)
		}
	}
}

func (p *Peer) handleWorkEvent(event scheduler.Event) {
	switch e := event.(type) {
	case scheduler.PeerBitfieldEvent:
		p.localPieces = e.Data.Clone()
		p.enqueueMessage(pwp.MessageBitfield(e.Data.Bytes()))
	case scheduler.PeerHaveEvent:
		if p.localPieces != nil {
			p.localPieces.Set(int(e.Data.Piece))
		}
		p.enqueueMessage(pwp.MessageHave(e.Data.Piece))
	case scheduler.PeerRequestEvent:
		if !p.PeerChoking() {
			p.stats.RequestsSent.Add(1)
			p.enqueueMessage(pwp.MessageRequest(e.Data.PieceIdx, e.Data.Begin, e.Data.Length))
		}
	case scheduler.PeerCancelEvent:
		p.enqueueMessage(pwp.MessageCancel(e.Data.PieceIdx, e.Data.Begin, e.Data.Length))
	case scheduler.PeerPieceEvent:
		if !p.AmChoking() {
			p.enqueueMessage(pwp.MessagePiece(e.Data.PieceIdx, e.Data.Begin, e.Data.Block))
		}
	case scheduler.PeerTerminateEvent:
		p.log.Debug("terminating by scheduler order", "reason", string(e.Data.Reason))
		p.Close()
	default:
		p.log.Warn("unhandled work event", "event", e)
	}
}

// maybeSendInterested implements the outbound interested policy: while the
// remote is choking us, we keep announcing interest at most once per
// interestedResendInterval so a dropped message or a peer that forgot our
// state eventually sees it again.
func (p *Peer) maybeSendInterested() {
	if !p.PeerChoking() {
		return
	}

	last := time.Unix(0, p.lastInterestedSentAt.Load())
	if p.lastInterestedSentAt.Load() != 0 && time.Since(last) < interestedResendInterval {
		return
	}

	p.enqueueMessage(pwp.MessageInterested())
}

// interestLoop periodically re-evaluates the interested policy so a peer
// that never sends us another Piece or Choke still gets re-announced to.
func (p *Peer) interestLoop(ctx context.Context) error {
	t := time.NewTicker(interestCheckInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			p.maybeSendInterested()
		}
	}
}

func (p *Peer) readMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "read message loop")
	l.Debug("started")

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done!", "error", ctx.Err().Error())
			return nil
		default:
		}

		message, err := p.readMessage()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			l.Warn("failed to read message, exiting!", "error", err.Error())
			return err
		}

		if message == nil { // keep-alive
			continue
		}

		if err := p.handleMessage(message); err != nil {
			l.Warn("handle message failed", "error", err.Error())
			return err
		}
	}
}

func (p *Peer) writeMessagesLoop(ctx context.Context) error {
	l := p.log.With("component", "write messages loop")
	l.Debug("started")

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Warn("exiting; context done!", "error", ctx.Err().Error())
			return nil

		case message, ok := <-p.outbox:
			if !ok {
				l.Warn("exiting; outbox is closed")
				return nil
			}

			if err := p.writeMessage(message); err != nil {
				l.Warn("failed to write message, exiting loop", "error", err.Error())
				return err
			}

		case <-ticker.C:
			lastActivityAt := time.Unix(0, p.lastAcitivyAt.Load())

			if time.Since(lastActivityAt) >= keepAliveInterval {
				p.SendKeepAlive()
			}
		}
	}
}

// Rate calculation (UploadRate / DownloadRate)
//
// We maintain two monotonic byte counters per peer: Uploaded and Downloaded.
// A 1s ticker snapshots these totals and computes a delta from the previous
// snapshot, smoothed with an exponential moving average so a single slow
// tick doesn't spike the reported rate.
func (p *Peer) downloadUploadRatesLoop(ctx context.Context) error {
	l := p.log.With("component", "download-upload rate loop")
	l.Debug("started")

	t := time.NewTicker(time.Second)
	defer t.Stop()

	lastUp := p.stats.Uploaded.Load()
	lastDown := p.stats.Downloaded.Load()

	const alpha = 0.2
	var (
		upEMA   uint64
		downEMA uint64
		inited  bool
	)

	for {
		select {
		case <-ctx.Done():
			l.Warn("context done!", "error", ctx.Err().Error())
			return nil
		case <-t.C:
			curUp := p.stats.Uploaded.Load()
			curDown := p.stats.Downloaded.Load()

			instUp := curUp - lastUp
			instDown := curDown - lastDown

			if !inited {
				upEMA = instUp
				downEMA = instDown
				inited = true
			} else {
				upEMA = uint64(alpha*float64(instUp) + (1-alpha)*float64(upEMA))
				downEMA = uint64(alpha*float64(instDown) + (1-alpha)*float64(downEMA))
			}

			p.stats.UploadRate.Store(upEMA)
			p.stats.DownloadRate.Store(downEMA)

			lastUp = curUp
			lastDown = curDown

			p.eventQueue <- scheduler.NewPeerSpeedUpdateEvent(p.addr, downEMA)
		}
	}
}

func (p *Peer) readMessage() (*pwp.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
	defer p.conn.SetReadDeadline(time.Time{})

	message, err := pwp.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}

	p.stats.MessagesReceived.Add(1)
	p.lastAcitivyAt.Store(time.Now().UnixNano())

	return message, nil
}

func (p *Peer) writeMessage(message *pwp.Message) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	defer p.conn.SetWriteDeadline(time.Time{})

	if err := pwp.WriteMessage(p.conn, message); err != nil {
		p.stats.Errors.Add(1)
		return err
	}

	p.onMessageWritten(message)
	return nil
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

func (p *Peer) getState(mask uint32) bool { return atomic.LoadUint32(&p.state)&mask != 0 }

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}

		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) handleMessage(message *pwp.Message) error {
	p.history.Add(&Event{
		Timestamp:   time.Now(),
		Direction:   EventReceived,
		MessageType: message.ID.String(),
		PayloadSize: len(message.Payload),
	})

	switch message.ID {
	case pwp.Choke:
		p.setState(maskPeerChoking, true)
		p.eventQueue <- scheduler.NewChokedEvent(p.addr)
	case pwp.Unchoke:
		p.setState(maskPeerChoking, false)
		p.eventQueue <- scheduler.NewUnchokedEvent(p.addr)
	case pwp.Interested:
		p.setState(maskPeerInterested, true)
	case pwp.NotInterested:
		p.setState(maskPeerInterested, false)
	case pwp.Bitfield:
		bf := bitfield.FromBytes(message.Payload)
		p.eventQueue <- scheduler.NewBitfieldEvent(p.addr, bf)
	case pwp.Have:
		pieceIdx, err := pwp.ParseHave(message)
		if err != nil {
			return err
		}
		p.eventQueue <- scheduler.NewHaveEvent(p.addr, pieceIdx)
	case pwp.Piece:
		pieceIdx, begin, block, err := pwp.ParsePiece(message)
		if err != nil {
			return err
		}

		p.stats.PiecesReceived.Add(1)
		p.stats.Downloaded.Add(uint64(len(block)))
		p.eventQueue <- scheduler.NewPieceEvent(p.addr, pieceIdx, begin, block)
		p.maybeSendInterested()
	case pwp.Request:
		pieceIdx, begin, length, err := pwp.ParseRequest(message)
		if err != nil {
			return err
		}

		p.stats.RequestsReceived.Add(1)

		switch {
		case p.AmChoking():
			p.eventQueue <- scheduler.NewViolationEvent(p.addr, swarm.ReasonRequestWhileChoked)
		case !p.localPieces.Has(int(pieceIdx)):
			p.eventQueue <- scheduler.NewViolationEvent(p.addr, swarm.ReasonRequestUnannounced)
		default:
			p.eventQueue <- scheduler.NewRequestEvent(p.addr, pieceIdx, begin, length)
		}
	case pwp.Cancel:
		pieceIdx, begin, length, err := pwp.ParseRequest(message)
		if err != nil {
			return err
		}

		p.stats.RequestsCancelled.Add(1)
		p.eventQueue <- scheduler.NewCancelEvent(p.addr, pieceIdx, begin, length)
	default:
		return fmt.Errorf("invalid message id '%d'", message.ID)
	}

	return nil
}

func (p *Peer) enqueueMessage(message *pwp.Message) bool {
	if p.stopped.Load() {
		return false
	}

	select {
	case p.outbox <- message:
		return true
	default:
		return false
	}
}

func (p *Peer) onMessageWritten(message *pwp.Message) {
	p.stats.MessagesSent.Add(1)
	p.lastAcitivyAt.Store(time.Now().UnixNano())

	if message == nil {
		return
	}

	p.history.Add(&Event{
		Timestamp:   time.Now(),
		Direction:   EventSent,
		MessageType: message.ID.String(),
		PayloadSize: len(message.Payload),
	})

	switch message.ID {
	case pwp.Choke:
		p.setState(maskAmChoking, true)
	case pwp.Unchoke:
		p.setState(maskAmChoking, false)
	case pwp.Interested:
		p.setState(maskAmInterested, true)
		p.lastInterestedSentAt.Store(time.Now().UnixNano())
	case pwp.NotInterested:
		p.setState(maskAmInterested, false)
	case pwp.Request:
		p.stats.RequestsSent.Add(1)
	case pwp.Piece:
		if n := len(message.Payload); n >= 8 {
			blockLen := n - 8
			p.stats.PiecesSent.Add(1)
			p.stats.Uploaded.Add(uint64(blockLen))
		}
	case pwp.Cancel:
		p.stats.RequestsCancelled.Add(1)
	default:
		// have/bitfield: nothing to account for
	}
}

// Stats returns a snapshot of metrics for this peer.
func (p *Peer) Stats() PeerMetrics {
	lastNs := p.lastAcitivyAt.Load()
	lastActive := time.Unix(0, lastNs)
	connectedAt := p.stats.ConnectedAt
	connectedFor := time.Since(connectedAt).Nanoseconds()

	return PeerMetrics{
		Addr:           p.addr,
		Downloaded:     p.stats.Downloaded.Load(),
		Uploaded:       p.stats.Uploaded.Load(),
		RequestsSent:   p.stats.RequestsSent.Load(),
		BlocksReceived: p.stats.PiecesReceived.Load(),
		BlocksFailed:   p.stats.RequestsTimeout.Load(),
		LastActive:     lastActive,
		ConnectedAt:    connectedAt,
		ConnectedFor:   connectedFor,
		DownloadRate:   p.stats.DownloadRate.Load(),
		UploadRate:     p.stats.UploadRate.Load(),
		IsChoked:       p.PeerChoking(),
		IsInterested:   p.AmInterested(),
	}
}
