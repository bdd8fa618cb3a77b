package scheduler

import (
	"net/netip"
	"time"

	"github.com/nyxswarm/swarmd/internal/bitfield"
	"github.com/nyxswarm/swarmd/internal/metrics"
	"github.com/nyxswarm/swarmd/internal/piece"
	"github.com/nyxswarm/swarmd/internal/swarm"
)

type Event interface {
	event()
}

type PeerEvent[T any] struct {
	Peer netip.AddrPort
	Data T
}

func (e PeerEvent[T]) event() {}

type (
	PeerHandshakeEvent = PeerEvent[HandshakeData]
	PeerBitfieldEvent  = PeerEvent[bitfield.Bitfield]
	PeerHaveEvent      = PeerEvent[HaveData]
	PeerUnchokedEvent  = PeerEvent[UnchokedData]
	PeerChokedEvent    = PeerEvent[ChokedData]
	PeerPieceEvent     = PeerEvent[PieceData]
	PeerRequestEvent   = PeerEvent[RequestPieceData]
	PeerCancelEvent    = PeerEvent[CancelData]
	PeerGoneEvent      = PeerEvent[GoneData]
	PeerSpeedEvent     = PeerEvent[PeerSpeedUpdate]
	PeerViolationEvent = PeerEvent[ViolationData]
	PeerTerminateEvent = PeerEvent[TerminateData]
)

type (
	HandshakeData struct{}
	ChokedData    struct{}
	UnchokedData  struct{}
	GoneData      struct{}
)

func NewHandshakeEvent(addr netip.AddrPort) PeerHandshakeEvent {
	return PeerHandshakeEvent{Peer: addr}
}

func NewChokedEvent(addr netip.AddrPort) PeerChokedEvent {
	return PeerChokedEvent{Peer: addr}
}

func NewUnchokedEvent(addr netip.AddrPort) PeerUnchokedEvent {
	return PeerUnchokedEvent{Peer: addr}
}

func NewGoneEvent(addr netip.AddrPort) PeerGoneEvent {
	return PeerGoneEvent{Peer: addr}
}

func NewBitfieldEvent(addr netip.AddrPort, bf bitfield.Bitfield) PeerBitfieldEvent {
	return PeerBitfieldEvent{Peer: addr, Data: bf}
}

type HaveData struct {
	Piece uint32
}

func NewHaveEvent(addr netip.AddrPort, pieceIdx uint32) PeerHaveEvent {
	return PeerHaveEvent{Peer: addr, Data: HaveData{Piece: pieceIdx}}
}

type PieceData struct {
	PieceIdx uint32
	Begin    uint32
	Block    []byte
}

func NewPieceEvent(addr netip.AddrPort, pieceIdx, begin uint32, data []byte) PeerPieceEvent {
	return PeerPieceEvent{
		Peer: addr,
		Data: PieceData{
			PieceIdx: pieceIdx,
			Begin:    begin,
			Block:    data,
		},
	}
}

type RequestPieceData struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

func NewRequestEvent(addr netip.AddrPort, pieceIdx, begin, length uint32) PeerRequestEvent {
	return PeerRequestEvent{
		Peer: addr,
		Data: RequestPieceData{
			PieceIdx: pieceIdx,
			Begin:    begin,
			Length:   length,
		},
	}
}

type CancelData struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

func NewCancelEvent(addr netip.AddrPort, pieceIdx, begin, length uint32) PeerCancelEvent {
	return PeerCancelEvent{
		Peer: addr,
		Data: CancelData{
			PieceIdx: pieceIdx,
			Begin:    begin,
			Length:   length,
		},
	}
}

type PeerSpeedUpdate struct {
	DownloadBytesPerSec uint64
}

func NewPeerSpeedUpdateEvent(addr netip.AddrPort, downloadBytesPerSec uint64) PeerSpeedEvent {
	return PeerSpeedEvent{
		Peer: addr,
		Data: PeerSpeedUpdate{
			DownloadBytesPerSec: downloadBytesPerSec,
		},
	}
}

// ViolationData names the rule a peer broke; the offending peer is the
// event's own Peer field, not duplicated here.
type ViolationData struct {
	Reason swarm.Reason
}

func NewViolationEvent(addr netip.AddrPort, reason swarm.Reason) PeerViolationEvent {
	return PeerViolationEvent{Peer: addr, Data: ViolationData{Reason: reason}}
}

// TerminateData instructs a Peer to close its own connection; it travels on
// the peer's work queue, never the inbound eventQueue.
type TerminateData struct {
	Reason swarm.Reason
}

func NewTerminateEvent(addr netip.AddrPort, reason swarm.Reason) PeerTerminateEvent {
	return PeerTerminateEvent{Peer: addr, Data: TerminateData{Reason: reason}}
}

func (s *Scheduler) handlePeerEvent(event Event) {
	switch e := event.(type) {
	case PeerHandshakeEvent:
		s.handlePeerHandshakeEvent(e.Peer)
	case PeerChokedEvent:
		s.handlePeerChokedEvent(e.Peer)
	case PeerUnchokedEvent:
		s.handlePeerUnchokedEvent(e.Peer)
	case PeerGoneEvent:
		s.handlePeerGoneEvent(e.Peer)
	case PeerBitfieldEvent:
		s.handlePeerBitfieldEvent(e.Peer, e.Data)
	case PeerHaveEvent:
		s.handlePeerHaveEvent(e.Peer, e.Data)
	case PeerPieceEvent:
		s.handlePeerPieceEvent(e.Peer, e.Data)
	case PeerRequestEvent:
		s.handlePeerRequestEvent(e.Peer, e.Data)
	case PeerCancelEvent:
		s.handlePeerCancelEvent(e.Peer, e.Data)
	case PeerSpeedEvent:
		s.handlePeerSpeedEvent(e.Peer, e.Data)
	case PeerViolationEvent:
		s.handlePeerViolationEvent(e.Peer, e.Data)
	default:
		s.logger.Warn("unknown peer event", "event", e)
	}
}

func (s *Scheduler) handlePeerHandshakeEvent(addr netip.AddrPort) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	peer, ok := s.peers[addr]
	if !ok {
		return
	}

	select {
	case peer.work <- NewBitfieldEvent(addr, s.downloadedPieces):

	default:
		s.logger.Warn(
			"peer work queue full; dropping message",
			"peer", addr,
			"message", "bitfield",
		)
	}
}

func (s *Scheduler) handlePeerChokedEvent(addr netip.AddrPort) {
	s.peerMut.Lock()
	defer s.peerMut.Unlock()

	peer, ok := s.peers[addr]
	if !ok {
		return
	}

	peer.choking = true
}

func (s *Scheduler) handlePeerUnchokedEvent(addr netip.AddrPort) {
	s.peerMut.Lock()
	peer, ok := s.peers[addr]
	if !ok {
		s.peerMut.Unlock()
		return
	}
	peer.choking = false
	s.peerMut.Unlock()

	s.nextForPeer(addr)
}

func (s *Scheduler) handlePeerBitfieldEvent(addr netip.AddrPort, data bitfield.Bitfield) {
	s.peerMut.Lock()
	peer, ok := s.peers[addr]
	if !ok {
		s.peerMut.Unlock()
		return
	}

	if peer.bitfieldReceived {
		s.peerMut.Unlock()
		s.handlePeerViolationEvent(addr, ViolationData{Reason: swarm.ReasonBitfieldRepeat})
		return
	}

	peer.bitfieldReceived = true
	peer.pieces = data
	s.peerMut.Unlock()

	s.updateAvailability(data, 1)
}

func (s *Scheduler) handlePeerHaveEvent(addr netip.AddrPort, data HaveData) {
	s.peerMut.Lock()
	defer s.peerMut.Unlock()

	peer, ok := s.peers[addr]
	if !ok {
		return
	}

	pieceIdx := int(data.Piece)
	peer.pieces.Set(pieceIdx)
	s.updateAvailability(peer.pieces, 1)
}

func (s *Scheduler) handlePeerPieceEvent(addr netip.AddrPort, data PieceData) {
	key := blockKey(data.PieceIdx, data.Begin)

	s.peerMut.Lock()
	peer, ok := s.peers[addr]
	if !ok {
		s.peerMut.Unlock()
		return
	}
	if _, assigned := peer.blockAssignments[key]; !assigned {
		s.peerMut.Unlock()
		s.handlePeerViolationEvent(addr, ViolationData{Reason: swarm.ReasonBlockNotRequested})
		return
	}
	delete(peer.blockAssignments, key)
	peer.inflight--
	s.peerMut.Unlock()

	s.mut.Lock()
	s.inflightPieceRequests--
	s.mut.Unlock()

	pieceLen := s.pieceManager.PieceLength(data.PieceIdx)
	expected := piece.MaxBlockLength
	if remaining := pieceLen - data.Begin; remaining < uint32(expected) {
		expected = int(remaining)
	}
	if len(data.Block) != expected {
		s.handlePeerViolationEvent(addr, ViolationData{Reason: swarm.ReasonInvalidBlockSent})
		return
	}

	metrics.BytesDownloaded.Add(float64(len(data.Block)))

	s.peerMut.Lock()
	s.pieceContributors[data.PieceIdx] = append(s.pieceContributors[data.PieceIdx], addr)
	s.peerMut.Unlock()

	redundantPeers := s.pieceManager.MarkBlockComplete(addr, data.PieceIdx, data.Begin)
	s.dropRedundantAssignments(redundantPeers, data.PieceIdx, data.Begin)

	s.outBlocks <- &BlockData{
		PieceIdx: data.PieceIdx,
		Begin:    data.Begin,
		Data:     data.Block,
		PieceLen: pieceLen,
	}
}

// dropRedundantAssignments is called once a block completes: every other
// peer that was also fetching it (endgame duplication) no longer needs to,
// so their bookkeeping and in-flight accounting are cleared and a cancel is
// sent so they stop pulling the wasted bytes.
func (s *Scheduler) dropRedundantAssignments(redundantPeers []netip.AddrPort, pieceIdx, begin uint32) {
	if len(redundantPeers) == 0 {
		return
	}

	key := blockKey(pieceIdx, begin)

	s.peerMut.Lock()
	for _, addr := range redundantPeers {
		ps, ok := s.peers[addr]
		if !ok {
			continue
		}
		if _, had := ps.blockAssignments[key]; !had {
			continue
		}
		delete(ps.blockAssignments, key)
		ps.inflight--

		s.mut.Lock()
		s.inflightPieceRequests--
		s.mut.Unlock()

		select {
		case ps.work <- NewCancelEvent(addr, pieceIdx, begin, piece.MaxBlockLength):
		default:
			s.logger.Warn("peer work queue full; dropping redundant cancel", "peer", addr)
		}
	}
	s.peerMut.Unlock()
}

// handlePeerRequestEvent is the block-request service: a cache hit is
// served immediately, a miss joins the pending list for that piece and
// triggers (or rides along with) a disk read, coalesced within
// retrievalCoalesceWindow so a burst of requests for one piece only reads
// it once.
func (s *Scheduler) handlePeerRequestEvent(addr netip.AddrPort, data RequestPieceData) {
	if cached, ok := s.cache.Get(data.PieceIdx); ok {
		s.serveSlice(addr, data.PieceIdx, data.Begin, data.Length, cached)
		return
	}

	s.mut.Lock()
	s.pending[data.PieceIdx] = append(s.pending[data.PieceIdx], pendingRequester{
		peer: addr, begin: data.Begin, length: data.Length,
	})
	last, hasLast := s.lastRetrievalAt[data.PieceIdx]
	needsRead := !hasLast || time.Since(last) >= retrievalCoalesceWindow
	if needsRead {
		s.lastRetrievalAt[data.PieceIdx] = time.Now()
	}
	s.mut.Unlock()

	if !needsRead || s.retriever == nil {
		return
	}

	pieceIdx := data.PieceIdx
	pieceLen := int(s.pieceManager.PieceLength(pieceIdx))
	ctx := s.runCtx
	if ctx == nil {
		return
	}

	go func() {
		bytes, err := s.retriever.Retrieve(ctx, pieceIdx, pieceLen)
		select {
		case s.retrievalResults <- &retrievalResult{pieceIdx: pieceIdx, data: bytes, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Scheduler) handleRetrievalResult(r *retrievalResult) {
	s.mut.Lock()
	requesters := s.pending[r.pieceIdx]
	delete(s.pending, r.pieceIdx)
	s.mut.Unlock()

	if r.err != nil {
		s.logger.Warn("piece retrieval failed", "piece", r.pieceIdx, "error", r.err.Error())
		return
	}

	s.cache.Add(r.pieceIdx, r.data)

	for _, req := range requesters {
		s.serveSlice(req.peer, r.pieceIdx, req.begin, req.length, r.data)
	}
}

func (s *Scheduler) serveSlice(addr netip.AddrPort, pieceIdx, begin, length uint32, data []byte) {
	end := uint64(begin) + uint64(length)
	if end > uint64(len(data)) {
		s.logger.Warn("upload request out of range", "peer", addr, "piece", pieceIdx)
		return
	}

	s.peerMut.RLock()
	ps, ok := s.peers[addr]
	s.peerMut.RUnlock()
	if !ok {
		return
	}

	block := data[begin:end]

	select {
	case ps.work <- NewPieceEvent(addr, pieceIdx, begin, block):
		metrics.BytesUploaded.Add(float64(len(block)))
	default:
		s.logger.Warn("peer work queue full; dropping upload", "peer", addr)
	}
}

// handlePeerCancelEvent drops a still-queued upload request; one already
// served can't be un-sent.
func (s *Scheduler) handlePeerCancelEvent(addr netip.AddrPort, data CancelData) {
	s.mut.Lock()
	defer s.mut.Unlock()

	requesters := s.pending[data.PieceIdx]
	for i, req := range requesters {
		if req.peer == addr && req.begin == data.Begin && req.length == data.Length {
			s.pending[data.PieceIdx] = append(requesters[:i], requesters[i+1:]...)
			return
		}
	}
}

func (s *Scheduler) handlePeerGoneEvent(addr netip.AddrPort) {
	s.peerMut.Lock()
	peer, ok := s.peers[addr]
	if !ok {
		s.peerMut.Unlock()
		return
	}
	delete(s.peers, addr)
	s.peerMut.Unlock()

	for key := range peer.blockAssignments {
		pieceIdx := uint32(key >> 32)
		begin := uint32(key & 0xFFFFFFFF)
		s.pieceManager.UnassignBlock(addr, pieceIdx, begin)
	}

	s.mut.Lock()
	s.inflightPieceRequests -= int32(len(peer.blockAssignments))
	s.mut.Unlock()

	s.updateAvailability(peer.pieces, -1)
}

func (s *Scheduler) handlePeerSpeedEvent(addr netip.AddrPort, data PeerSpeedUpdate) {
	s.peerMut.Lock()
	defer s.peerMut.Unlock()

	peer, ok := s.peers[addr]
	if !ok {
		return
	}

	blockPerSecond := data.DownloadBytesPerSec / piece.MaxBlockLength
	peer.maxInflightRequests = max(5, uint32(blockPerSecond))
}

// handlePeerViolationEvent logs the violation and tells the offending peer
// to close its own connection, via its own work queue so the Scheduler
// never reaches into a Peer's internals directly.
func (s *Scheduler) handlePeerViolationEvent(addr netip.AddrPort, data ViolationData) {
	s.logger.Warn("protocol violation; terminating peer", "peer", addr, "reason", string(data.Reason))

	s.peerMut.RLock()
	peer, ok := s.peers[addr]
	s.peerMut.RUnlock()
	if !ok {
		return
	}

	select {
	case peer.work <- NewTerminateEvent(addr, data.Reason):
	default:
		s.logger.Warn("peer work queue full; dropping terminate", "peer", addr)
	}
}
