package peer

import (
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/nyxswarm/swarmd/internal/bitfield"
	"github.com/nyxswarm/swarmd/internal/pwp"
	"github.com/nyxswarm/swarmd/internal/scheduler"
	"github.com/nyxswarm/swarmd/internal/swarm"
)

func newTestPeer(t *testing.T) (*Peer, chan scheduler.Event) {
	t.Helper()

	client, _ := net.Pipe()
	cfg := WithDefaultConfig()
	events := make(chan scheduler.Event, 8)

	p := newPeerWithConn(client, netip.MustParseAddrPort("1.2.3.4:6881"), &peerOpts{
		config:     cfg,
		logger:     slog.Default(),
		eventQueue: events,
		workQueue:  make(chan scheduler.Event, 8),
	})
	return p, events
}

func TestMaybeSendInterestedWhileChoked(t *testing.T) {
	p, _ := newTestPeer(t)
	p.setState(maskPeerChoking, true)

	p.maybeSendInterested()

	select {
	case msg := <-p.outbox:
		if msg.ID != pwp.Interested {
			t.Errorf("enqueued message id = %v, want Interested", msg.ID)
		}
	default:
		t.Fatalf("expected an Interested message to be enqueued")
	}
}

func TestMaybeSendInterestedSkipsWhenNotChoked(t *testing.T) {
	p, _ := newTestPeer(t)
	p.setState(maskPeerChoking, false)

	p.maybeSendInterested()

	select {
	case msg := <-p.outbox:
		t.Fatalf("unexpected message enqueued while unchoked: %v", msg)
	default:
	}
}

func TestMaybeSendInterestedRespectsResendInterval(t *testing.T) {
	p, _ := newTestPeer(t)
	p.setState(maskPeerChoking, true)
	p.lastInterestedSentAt.Store(time.Now().UnixNano())

	p.maybeSendInterested()

	select {
	case msg := <-p.outbox:
		t.Fatalf("unexpected resend within the interval: %v", msg)
	default:
	}
}

func TestMaybeSendInterestedResendsAfterInterval(t *testing.T) {
	p, _ := newTestPeer(t)
	p.setState(maskPeerChoking, true)
	p.lastInterestedSentAt.Store(time.Now().Add(-2 * interestedResendInterval).UnixNano())

	p.maybeSendInterested()

	select {
	case msg := <-p.outbox:
		if msg.ID != pwp.Interested {
			t.Errorf("enqueued message id = %v, want Interested", msg.ID)
		}
	default:
		t.Fatalf("expected a resend once the interval has elapsed")
	}
}

func TestHandleWorkEventBitfieldTracksLocalPieces(t *testing.T) {
	p, _ := newTestPeer(t)
	bf := bitfield.New(4)
	bf.Set(1)
	bf.Set(3)

	p.handleWorkEvent(scheduler.NewBitfieldEvent(p.addr, bf))
	<-p.outbox

	if !p.localPieces.Has(1) || !p.localPieces.Has(3) {
		t.Errorf("localPieces = %v, want bits 1 and 3 set", p.localPieces)
	}
	if p.localPieces.Has(0) || p.localPieces.Has(2) {
		t.Errorf("localPieces = %v, want only bits 1 and 3 set", p.localPieces)
	}
}

func TestHandleWorkEventHaveSetsLocalPiece(t *testing.T) {
	p, _ := newTestPeer(t)
	p.localPieces = bitfield.New(4)

	p.handleWorkEvent(scheduler.NewHaveEvent(p.addr, 2))
	<-p.outbox

	if !p.localPieces.Has(2) {
		t.Errorf("expected bit 2 to be set after a Have work event")
	}
}

func TestHandleWorkEventTerminateClosesConnection(t *testing.T) {
	p, _ := newTestPeer(t)

	p.handleWorkEvent(scheduler.NewTerminateEvent(p.addr, swarm.ReasonBitfieldRepeat))

	if !p.stopped.Load() {
		t.Errorf("expected the peer to be stopped after a terminate work event")
	}
}

func TestHandleMessageRequestWhileChokingRaisesViolation(t *testing.T) {
	p, events := newTestPeer(t)
	p.setState(maskAmChoking, true)

	msg := pwp.MessageRequest(0, 0, 16)
	if err := p.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	evt := <-events
	v, ok := evt.(scheduler.PeerViolationEvent)
	if !ok {
		t.Fatalf("event = %T, want PeerViolationEvent", evt)
	}
	if v.Data.Reason != swarm.ReasonRequestWhileChoked {
		t.Errorf("reason = %v, want %v", v.Data.Reason, swarm.ReasonRequestWhileChoked)
	}
}

func TestHandleMessageRequestUnannouncedRaisesViolation(t *testing.T) {
	p, events := newTestPeer(t)
	p.setState(maskAmChoking, false)
	p.localPieces = bitfield.New(4)

	msg := pwp.MessageRequest(0, 0, 16)
	if err := p.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	evt := <-events
	v, ok := evt.(scheduler.PeerViolationEvent)
	if !ok {
		t.Fatalf("event = %T, want PeerViolationEvent", evt)
	}
	if v.Data.Reason != swarm.ReasonRequestUnannounced {
		t.Errorf("reason = %v, want %v", v.Data.Reason, swarm.ReasonRequestUnannounced)
	}
}

func TestHandleMessageRequestAnnouncedAndUnchokedForwards(t *testing.T) {
	p, events := newTestPeer(t)
	p.setState(maskAmChoking, false)
	p.localPieces = bitfield.New(4)
	p.localPieces.Set(0)

	msg := pwp.MessageRequest(0, 0, 16)
	if err := p.handleMessage(msg); err != nil {
		t.Fatalf("handleMessage() error = %v", err)
	}

	evt := <-events
	if _, ok := evt.(scheduler.PeerRequestEvent); !ok {
		t.Fatalf("event = %T, want PeerRequestEvent", evt)
	}
}
