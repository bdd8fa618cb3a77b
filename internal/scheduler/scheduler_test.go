package scheduler

import (
	"context"
	"crypto/sha1"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/nyxswarm/swarmd/internal/bitfield"
	"github.com/nyxswarm/swarmd/internal/config"
	"github.com/nyxswarm/swarmd/internal/piece"
	"github.com/nyxswarm/swarmd/internal/swarm"
)

func TestMain(m *testing.M) {
	config.Swap(config.Config{PieceCacheCapacity: 64})
	os.Exit(m.Run())
}

type fakeRetriever struct {
	data map[uint32][]byte
	err  error
	n    int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, index uint32, length int) ([]byte, error) {
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	return f.data[index], nil
}

func newTestScheduler(t *testing.T, pieceCount int) (*Scheduler, *piece.Manager) {
	t.Helper()

	hashes := make([][sha1.Size]byte, pieceCount)
	pieceLen := uint32(piece.MaxBlockLength)
	mgr, err := piece.NewManager(hashes, pieceLen, uint64(pieceCount)*uint64(pieceLen), slog.Default())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	sched := NewScheduler(
		mgr,
		make(chan *BlockData, 8),
		make(chan *PieceResult, 8),
		&Opts{Logger: slog.Default()},
	)

	return sched, mgr
}

func newTestSchedulerWithRetriever(t *testing.T, pieceCount int, retriever PieceRetriever) *Scheduler {
	t.Helper()

	hashes := make([][sha1.Size]byte, pieceCount)
	pieceLen := uint32(piece.MaxBlockLength)
	mgr, err := piece.NewManager(hashes, pieceLen, uint64(pieceCount)*uint64(pieceLen), slog.Default())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}

	sched := NewScheduler(
		mgr,
		make(chan *BlockData, 8),
		make(chan *PieceResult, 8),
		&Opts{Logger: slog.Default(), Retriever: retriever},
	)
	sched.runCtx = context.Background()

	return sched
}

func TestGetPeerWorkQueueCreatesPeerState(t *testing.T) {
	sched, _ := newTestScheduler(t, 2)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")

	work := sched.GetPeerWorkQueue(addr)
	if work == nil {
		t.Fatalf("GetPeerWorkQueue() returned nil channel")
	}

	sched.peerMut.RLock()
	_, ok := sched.peers[addr]
	sched.peerMut.RUnlock()
	if !ok {
		t.Errorf("expected peer state to be created for %v", addr)
	}
}

func TestHandlePeerHandshakeEventSendsBitfield(t *testing.T) {
	sched, _ := newTestScheduler(t, 2)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")

	work := sched.GetPeerWorkQueue(addr)
	sched.handlePeerHandshakeEvent(addr)

	select {
	case ev := <-work:
		if _, ok := ev.(PeerBitfieldEvent); !ok {
			t.Errorf("expected PeerBitfieldEvent, got %T", ev)
		}
	default:
		t.Errorf("expected a bitfield event on the work queue")
	}
}

func TestHandlePeerBitfieldEventUpdatesAvailability(t *testing.T) {
	sched, _ := newTestScheduler(t, 3)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")
	sched.GetPeerWorkQueue(addr)

	bf := bitfield.New(3)
	bf.Set(0)
	bf.Set(2)

	sched.handlePeerBitfieldEvent(addr, bf)

	sched.availMu.RLock()
	defer sched.availMu.RUnlock()
	if sched.availability[0] != 1 || sched.availability[1] != 0 || sched.availability[2] != 1 {
		t.Errorf("unexpected availability counters: %v", sched.availability)
	}
}

func TestHandlePeerGoneEventUnassignsBlocks(t *testing.T) {
	sched, mgr := newTestScheduler(t, 1)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")
	sched.GetPeerWorkQueue(addr)

	bf := bitfield.New(1)
	bf.Set(0)
	sched.handlePeerBitfieldEvent(addr, bf)

	blocks, _ := mgr.AssignSequentialBlocks(addr, bf, 1)
	if len(blocks) != 1 {
		t.Fatalf("expected to assign 1 block, got %d", len(blocks))
	}

	sched.peerMut.Lock()
	sched.peers[addr].blockAssignments[blockKey(blocks[0].PieceIdx, blocks[0].Begin)] = struct{}{}
	sched.peerMut.Unlock()

	sched.handlePeerGoneEvent(addr)

	sched.peerMut.RLock()
	_, stillTracked := sched.peers[addr]
	sched.peerMut.RUnlock()
	if stillTracked {
		t.Errorf("expected peer state to be removed after PeerGoneEvent")
	}
}

func TestHandlePieceResultBroadcastsHave(t *testing.T) {
	sched, mgr := newTestScheduler(t, 1)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")
	work := sched.GetPeerWorkQueue(addr)

	sched.handlePieceResult(&PieceResult{Piece: 0, Success: true})

	if status := mgr.PieceStatus()[0]; status != piece.StatusDone {
		t.Errorf("expected piece 0 to be StatusDone, got %v", status)
	}

	select {
	case ev := <-work:
		have, ok := ev.(PeerHaveEvent)
		if !ok {
			t.Fatalf("expected PeerHaveEvent, got %T", ev)
		}
		if have.Data.Piece != 0 {
			t.Errorf("expected have for piece 0, got %d", have.Data.Piece)
		}
	default:
		t.Errorf("expected a have event to be broadcast")
	}
}

func TestInEndgameRespectsThreshold(t *testing.T) {
	sched, _ := newTestScheduler(t, 1)
	sched.cfg.EndgameThreshold = 100

	if !sched.inEndgame() {
		t.Errorf("expected endgame once remaining blocks are below the threshold")
	}
}

func TestHandlePeerRequestEventCacheHit(t *testing.T) {
	sched, _ := newTestScheduler(t, 1)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")
	work := sched.GetPeerWorkQueue(addr)

	data := []byte("0123456789")
	sched.cache.Add(0, data)

	sched.handlePeerRequestEvent(addr, RequestPieceData{PieceIdx: 0, Begin: 2, Length: 4})

	select {
	case ev := <-work:
		piece, ok := ev.(PeerPieceEvent)
		if !ok {
			t.Fatalf("expected PeerPieceEvent, got %T", ev)
		}
		if string(piece.Data.Block) != "2345" {
			t.Errorf("served block = %q, want %q", piece.Data.Block, "2345")
		}
	default:
		t.Fatalf("expected a cache-hit upload to be served immediately")
	}
}

func TestHandlePeerRequestEventCacheMissCoalescesRetrieval(t *testing.T) {
	retriever := &fakeRetriever{data: map[uint32][]byte{0: []byte("abcdefghij")}}
	sched := newTestSchedulerWithRetriever(t, 1, retriever)
	addrA := netip.MustParseAddrPort("1.2.3.4:6881")
	addrB := netip.MustParseAddrPort("5.6.7.8:6881")
	workA := sched.GetPeerWorkQueue(addrA)
	workB := sched.GetPeerWorkQueue(addrB)

	sched.handlePeerRequestEvent(addrA, RequestPieceData{PieceIdx: 0, Begin: 0, Length: 4})
	sched.handlePeerRequestEvent(addrB, RequestPieceData{PieceIdx: 0, Begin: 4, Length: 4})

	select {
	case r := <-sched.retrievalResults:
		sched.handleRetrievalResult(r)
	case <-time.After(time.Second):
		t.Fatal("expected a retrieval result")
	}

	if retriever.n != 1 {
		t.Errorf("Retrieve called %d times, want 1 (coalesced)", retriever.n)
	}

	for _, work := range []chan Event{workA, workB} {
		select {
		case ev := <-work:
			if _, ok := ev.(PeerPieceEvent); !ok {
				t.Errorf("expected PeerPieceEvent, got %T", ev)
			}
		default:
			t.Errorf("expected both pending requesters to be served")
		}
	}

	if _, ok := sched.cache.Get(0); !ok {
		t.Errorf("expected retrieved piece to populate the cache")
	}
}

func TestHandlePeerRequestEventRetrievalFailureLogsAndDrops(t *testing.T) {
	retriever := &fakeRetriever{err: errors.New("disk gone")}
	sched := newTestSchedulerWithRetriever(t, 1, retriever)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")
	sched.GetPeerWorkQueue(addr)

	sched.handlePeerRequestEvent(addr, RequestPieceData{PieceIdx: 0, Begin: 0, Length: 4})

	select {
	case r := <-sched.retrievalResults:
		sched.handleRetrievalResult(r)
	case <-time.After(time.Second):
		t.Fatal("expected a retrieval result")
	}

	if _, ok := sched.cache.Get(0); ok {
		t.Errorf("expected nothing cached after a failed retrieval")
	}
}

func TestHandlePeerCancelEventDropsPendingRequester(t *testing.T) {
	sched, _ := newTestScheduler(t, 1)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")

	sched.mut.Lock()
	sched.pending[0] = []pendingRequester{{peer: addr, begin: 0, length: 4}}
	sched.mut.Unlock()

	sched.handlePeerCancelEvent(addr, CancelData{PieceIdx: 0, Begin: 0, Length: 4})

	sched.mut.Lock()
	defer sched.mut.Unlock()
	if len(sched.pending[0]) != 0 {
		t.Errorf("expected the pending requester to be removed, got %v", sched.pending[0])
	}
}

func TestHandlePeerBitfieldEventRepeatRaisesViolation(t *testing.T) {
	sched, _ := newTestScheduler(t, 2)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")
	work := sched.GetPeerWorkQueue(addr)

	sched.handlePeerBitfieldEvent(addr, bitfield.New(2))
	sched.handlePeerBitfieldEvent(addr, bitfield.New(2))

	select {
	case ev := <-work:
		term, ok := ev.(PeerTerminateEvent)
		if !ok {
			t.Fatalf("expected PeerTerminateEvent, got %T", ev)
		}
		if term.Data.Reason != swarm.ReasonBitfieldRepeat {
			t.Errorf("terminate reason = %v, want %v", term.Data.Reason, swarm.ReasonBitfieldRepeat)
		}
	default:
		t.Fatalf("expected a second bitfield to raise a violation")
	}
}

func TestHandlePeerPieceEventUnrequestedBlockRaisesViolation(t *testing.T) {
	sched, _ := newTestScheduler(t, 1)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")
	work := sched.GetPeerWorkQueue(addr)

	sched.handlePeerPieceEvent(addr, PieceData{PieceIdx: 0, Begin: 0, Block: []byte("x")})

	select {
	case ev := <-work:
		term, ok := ev.(PeerTerminateEvent)
		if !ok {
			t.Fatalf("expected PeerTerminateEvent, got %T", ev)
		}
		if term.Data.Reason != swarm.ReasonBlockNotRequested {
			t.Errorf("terminate reason = %v, want %v", term.Data.Reason, swarm.ReasonBlockNotRequested)
		}
	default:
		t.Fatalf("expected an unrequested block to raise a violation")
	}
}

func TestHandlePeerPieceEventDecrementsInflight(t *testing.T) {
	sched, mgr := newTestScheduler(t, 1)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")
	sched.GetPeerWorkQueue(addr)

	bf := bitfield.New(1)
	bf.Set(0)
	sched.handlePeerBitfieldEvent(addr, bf)

	blocks, _ := mgr.AssignSequentialBlocks(addr, bf, 1)
	if len(blocks) != 1 {
		t.Fatalf("expected to assign 1 block, got %d", len(blocks))
	}

	key := blockKey(blocks[0].PieceIdx, blocks[0].Begin)
	sched.peerMut.Lock()
	sched.peers[addr].blockAssignments[key] = struct{}{}
	sched.peers[addr].inflight = 1
	sched.peerMut.Unlock()

	fullBlock := make([]byte, piece.MaxBlockLength)
	sched.handlePeerPieceEvent(addr, PieceData{PieceIdx: blocks[0].PieceIdx, Begin: blocks[0].Begin, Block: fullBlock})

	sched.peerMut.RLock()
	defer sched.peerMut.RUnlock()
	if sched.peers[addr].inflight != 0 {
		t.Errorf("inflight = %d, want 0 after the block completed", sched.peers[addr].inflight)
	}
}

func TestHandlePieceResultFailureRaisesInvalidPieceForContributors(t *testing.T) {
	sched, _ := newTestScheduler(t, 1)
	addr := netip.MustParseAddrPort("1.2.3.4:6881")
	work := sched.GetPeerWorkQueue(addr)

	sched.peerMut.Lock()
	sched.pieceContributors[0] = []netip.AddrPort{addr}
	sched.peerMut.Unlock()

	sched.handlePieceResult(&PieceResult{Piece: 0, Success: false})

	select {
	case ev := <-work:
		term, ok := ev.(PeerTerminateEvent)
		if !ok {
			t.Fatalf("expected PeerTerminateEvent, got %T", ev)
		}
		if term.Data.Reason != swarm.ReasonInvalidPiece {
			t.Errorf("terminate reason = %v, want %v", term.Data.Reason, swarm.ReasonInvalidPiece)
		}
	default:
		t.Fatalf("expected the contributing peer to be terminated for an invalid piece")
	}

	sched.peerMut.RLock()
	defer sched.peerMut.RUnlock()
	if _, ok := sched.pieceContributors[0]; ok {
		t.Errorf("expected pieceContributors to be cleared after handling the result")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sched, _ := newTestScheduler(t, 1)

	done := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- sched.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
