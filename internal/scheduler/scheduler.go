// Package scheduler is BlockPlanner: it tracks which pieces are missing,
// requested, or downloaded, and decides which blocks to hand each peer next.
// It also doubles as the coordinator's block-request service, answering
// upload requests out of a piece cache or off disk.
package scheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/nyxswarm/swarmd/internal/bitfield"
	swarmconfig "github.com/nyxswarm/swarmd/internal/config"
	heapqueue "github.com/nyxswarm/swarmd/internal/heap"
	"github.com/nyxswarm/swarmd/internal/metrics"
	"github.com/nyxswarm/swarmd/internal/piece"
	"github.com/nyxswarm/swarmd/internal/swarm"
)

// DownloadStrategy chooses how a Scheduler ranks eligible pieces once a
// peer's in-progress blocks are exhausted.
type DownloadStrategy uint8

const (
	DownloadStrategyRarestFirst DownloadStrategy = iota
	DownloadStrategySequential
	DownloadStrategyRandom
)

// retrievalCoalesceWindow bounds how often a piece is re-read from disk to
// answer a burst of requests for the same piece: requests arriving within
// this window of the last read join the in-flight read instead of starting
// a new one.
const retrievalCoalesceWindow = 3 * time.Second

type Config struct {
	// DownloadStrategy chooses how to rank eligible pieces.
	DownloadStrategy DownloadStrategy

	// MaxInflightRequestsPerPeer limits how many requests can be outstanding
	// to a single peer at once.
	MaxInflightRequestsPerPeer int

	// MinInflightRequestsPerPeer is a soft floor so slow/latent peers still
	// make progress (1-4 is typical).
	MinInflightRequestsPerPeer int

	// RequestTimeout is the baseline time after which an in-flight block
	// can be considered timed out and re-assigned.
	RequestTimeout time.Duration

	// EndgameDuplicatePerBlock, when endgame is active, caps the number of
	// duplicate owners (peers concurrently fetching the same block).
	EndgameDuplicatePerBlock uint32

	// EndgameThreshold decides when to enter endgame based on remaining blocks.
	EndgameThreshold uint32

	// PieceCacheCapacityPieces sizes the upload piece cache in units of
	// whole pieces rather than raw bytes, since piece length varies per
	// torrent and operators reason about it in piece counts.
	PieceCacheCapacityPieces int

	// maxRequestBacklog is the capacity of each peer's work queue.
	maxRequestBacklog int
}

func WithDefaultConfig() *Config {
	return &Config{
		MaxInflightRequestsPerPeer: 32,
		MinInflightRequestsPerPeer: 4,
		RequestTimeout:             25 * time.Second,
		EndgameDuplicatePerBlock:   5,
		EndgameThreshold:           30,
		PieceCacheCapacityPieces:   swarmconfig.Load().PieceCacheCapacity,
		maxRequestBacklog:          256,
	}
}

type peerState struct {
	addr                netip.AddrPort
	work                chan Event
	choking             bool
	inflight            int
	maxInflightRequests uint32
	pieces              bitfield.Bitfield
	bitfieldReceived    bool
	blockAssignments    map[uint64]struct{}
}

func newPeerState(addr netip.AddrPort, pieceCount int, workQueueSize int) *peerState {
	return &peerState{
		addr:             addr,
		pieces:           bitfield.New(pieceCount),
		blockAssignments: make(map[uint64]struct{}),
		work:             make(chan Event, workQueueSize),
	}
}

// BlockData is a verified block handed off to storage for disk assembly.
type BlockData struct {
	PieceIdx uint32
	Begin    uint32
	PieceLen uint32
	Data     []byte
}

// PieceResult reports whether a fully-assembled piece passed hash
// verification, so the Scheduler can mark it done or re-open its blocks.
type PieceResult struct {
	Piece   uint32
	Success bool
}

// PieceRetriever re-reads a fully stored piece from disk. storage.Store
// satisfies this; it's declared here rather than imported to avoid a cycle,
// since storage already imports scheduler for BlockData/PieceResult.
type PieceRetriever interface {
	Retrieve(ctx context.Context, index uint32, length int) ([]byte, error)
}

// pendingRequester is one upload request waiting on a disk read for a
// piece the cache didn't have.
type pendingRequester struct {
	peer   netip.AddrPort
	begin  uint32
	length uint32
}

// retrievalResult is the outcome of a spawned disk read, fed back onto
// Run's select loop so the fan-out to pending requesters happens on the
// single scheduler goroutine.
type retrievalResult struct {
	pieceIdx uint32
	data     []byte
	err      error
}

// Opts wires a Scheduler to its owning Torrent's piece state and disk queues.
type Opts struct {
	Config    *Config
	Logger    *slog.Logger
	Retriever PieceRetriever
}

// Scheduler is the central coordinator for a torrent download: it owns piece
// availability bookkeeping, picks the next blocks for each unchoked peer, and
// reacts to wire-level events forwarded up from every connected Peer.
//
// All of its event-handling methods are expected to be called from the
// single Run goroutine; the eventQueue is the entry point for state changes
// originating on peer connections.
type Scheduler struct {
	logger *slog.Logger
	cfg    *Config

	pieceManager *piece.Manager
	outBlocks    chan *BlockData
	pieceResults chan *PieceResult

	mut                   sync.Mutex
	inflightPieceRequests int32

	downloadedMu     sync.RWMutex
	downloadedPieces bitfield.Bitfield

	availMu      sync.RWMutex
	availability []int32

	peerMut sync.RWMutex
	peers   map[netip.AddrPort]*peerState

	eventQueue chan Event

	// pieceContributors remembers, per in-flight piece, every peer that
	// contributed a block, so a failed hash check can fault the right
	// peers. piece.Manager can't answer this: it clears block ownership
	// the moment each block completes, before the piece is verified.
	pieceContributors map[uint32][]netip.AddrPort

	retriever        PieceRetriever
	cache            *piece.Cache
	pending          map[uint32][]pendingRequester
	lastRetrievalAt  map[uint32]time.Time
	retrievalResults chan *retrievalResult
	runCtx           context.Context
}

func NewScheduler(
	pieceManager *piece.Manager,
	outBlocks chan *BlockData,
	pieceResults chan *PieceResult,
	opts *Opts,
) *Scheduler {
	if opts.Config == nil {
		opts.Config = WithDefaultConfig()
	}

	pieceCount := int(pieceManager.PieceCount())

	cacheBytes := 0
	if pieceCount > 0 && opts.Config.PieceCacheCapacityPieces > 0 {
		cacheBytes = opts.Config.PieceCacheCapacityPieces * int(pieceManager.PieceLength(0))
	}

	return &Scheduler{
		logger:            opts.Logger.With("component", "scheduler"),
		cfg:               opts.Config,
		pieceManager:      pieceManager,
		outBlocks:         outBlocks,
		pieceResults:      pieceResults,
		downloadedPieces:  bitfield.New(pieceCount),
		availability:      make([]int32, pieceCount),
		peers:             make(map[netip.AddrPort]*peerState),
		eventQueue:        make(chan Event, 1000),
		pieceContributors: make(map[uint32][]netip.AddrPort),
		retriever:         opts.Retriever,
		cache:             piece.NewCache(cacheBytes),
		pending:           make(map[uint32][]pendingRequester),
		lastRetrievalAt:   make(map[uint32]time.Time),
		retrievalResults:  make(chan *retrievalResult, 64),
	}
}

func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug("scheduler event loop started")
	s.runCtx = ctx

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down", "reason", ctx.Err().Error())
			return nil

		case event, ok := <-s.eventQueue:
			if !ok {
				s.logger.Debug("event queue closed, scheduler stopping")
				return nil
			}
			s.handlePeerEvent(event)

		case result, ok := <-s.pieceResults:
			if !ok {
				continue
			}
			s.handlePieceResult(result)

		case r, ok := <-s.retrievalResults:
			if !ok {
				continue
			}
			s.handleRetrievalResult(r)

		case <-ticker.C:
			s.findWorkForIdlePeers()
		}
	}
}

func (s *Scheduler) UpdateConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	s.cfg = cfg
}

// GetPeerEventQueue returns the write side of the event queue; every
// connected Peer forwards wire-level facts (handshake, choke, bitfield,
// have, piece, request, cancel, speed) onto it.
func (s *Scheduler) GetPeerEventQueue() chan<- Event {
	return s.eventQueue
}

// GetPeerWorkQueue returns the read side of addr's outgoing work queue,
// creating peer state for addr on first use. Events placed on this queue by
// the scheduler are instructions for the Peer to carry out on the wire
// (send a bitfield, send a request, upload a block, ...).
func (s *Scheduler) GetPeerWorkQueue(addr netip.AddrPort) <-chan Event {
	s.peerMut.Lock()
	defer s.peerMut.Unlock()

	ps, ok := s.peers[addr]
	if !ok {
		ps = newPeerState(addr, int(s.pieceManager.PieceCount()), s.cfg.maxRequestBacklog)
		s.peers[addr] = ps
	}

	return ps.work
}

func (s *Scheduler) handlePieceResult(r *PieceResult) {
	s.pieceManager.MarkPieceVerified(r.Piece, r.Success)

	contributors := s.pieceContributors[r.Piece]
	delete(s.pieceContributors, r.Piece)

	if !r.Success {
		metrics.PieceHashFailures.Inc()

		for _, addr := range contributors {
			s.handlePeerViolationEvent(addr, ViolationData{Reason: swarm.ReasonInvalidPiece})
		}
		return
	}

	metrics.PiecesCompleted.Inc()

	s.downloadedMu.Lock()
	s.downloadedPieces.Set(int(r.Piece))
	s.downloadedMu.Unlock()

	s.broadcastHave(r.Piece)
}

func (s *Scheduler) broadcastHave(pieceIdx uint32) {
	s.peerMut.RLock()
	defer s.peerMut.RUnlock()

	for addr, ps := range s.peers {
		select {
		case ps.work <- NewHaveEvent(addr, pieceIdx):
		default:
			s.logger.Warn("peer work queue full; dropping have", "peer", addr)
		}
	}
}

func (s *Scheduler) updateAvailability(bf bitfield.Bitfield, delta int32) {
	s.availMu.Lock()
	defer s.availMu.Unlock()

	for i := range s.availability {
		if bf.Has(i) {
			s.availability[i] += delta
		}
	}
}

func (s *Scheduler) inEndgame() bool {
	return s.pieceManager.RemainingBlocks() <= s.cfg.EndgameThreshold
}

func (s *Scheduler) findWorkForIdlePeers() {
	var candidates []netip.AddrPort

	s.peerMut.RLock()
	for addr, ps := range s.peers {
		if !ps.choking && ps.inflight < s.cfg.MaxInflightRequestsPerPeer {
			candidates = append(candidates, addr)
		}
	}
	s.peerMut.RUnlock()

	for _, addr := range candidates {
		s.nextForPeer(addr)
	}
}

func (s *Scheduler) nextForPeer(addr netip.AddrPort) {
	s.peerMut.RLock()
	ps, ok := s.peers[addr]
	s.peerMut.RUnlock()
	if !ok {
		return
	}

	room := s.cfg.MaxInflightRequestsPerPeer - ps.inflight
	if room <= 0 {
		return
	}
	capacity := uint32(room)

	blocks, capacity := s.pieceManager.AssignInProgressBlocks(addr, ps.pieces, capacity)

	if capacity > 0 {
		var more []*piece.BlockInfo

		switch {
		case s.inEndgame():
			more, capacity = s.pieceManager.AssignEndgameBlocks(
				addr, ps.pieces, capacity, s.cfg.EndgameDuplicatePerBlock,
			)
		case s.cfg.DownloadStrategy == DownloadStrategySequential:
			more, capacity = s.pieceManager.AssignSequentialBlocks(addr, ps.pieces, capacity)
		case s.cfg.DownloadStrategy == DownloadStrategyRandom:
			more, capacity = s.assignRandomBlocks(addr, ps.pieces, capacity)
		default:
			more, capacity = s.assignRarestFirstBlocks(addr, ps.pieces, capacity)
		}

		blocks = append(blocks, more...)
	}

	if len(blocks) == 0 {
		return
	}

	s.peerMut.Lock()
	defer s.peerMut.Unlock()

	for _, b := range blocks {
		ps.inflight++
		ps.blockAssignments[blockKey(b.PieceIdx, b.Begin)] = struct{}{}

		s.mut.Lock()
		s.inflightPieceRequests++
		s.mut.Unlock()

		select {
		case ps.work <- NewRequestEvent(addr, b.PieceIdx, b.Begin, b.Length):
		default:
			s.logger.Warn("peer work queue full; dropping request", "peer", addr)
		}
	}
}

// assignRarestFirstBlocks ranks a peer's pieces by current availability
// using the shared heap package, so blocks are always drawn from the
// globally rarest piece the peer has to offer first.
func (s *Scheduler) assignRarestFirstBlocks(
	addr netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*piece.BlockInfo, uint32) {
	n := int(s.pieceManager.PieceCount())

	s.availMu.RLock()
	avail := make([]int32, n)
	copy(avail, s.availability)
	s.availMu.RUnlock()

	pq := heapqueue.New(func(a, b int) bool { return avail[a] < avail[b] })
	for i := 0; i < n; i++ {
		if peerBF.Has(i) {
			pq.PushValue(i)
		}
	}

	indices := make([]uint32, 0, pq.Len())
	for {
		idx, ok := pq.PopValue()
		if !ok {
			break
		}
		indices = append(indices, uint32(idx))
	}

	return s.pieceManager.AssignBlocksFromList(addr, indices, capacity)
}

func (s *Scheduler) assignRandomBlocks(
	addr netip.AddrPort,
	peerBF bitfield.Bitfield,
	capacity uint32,
) ([]*piece.BlockInfo, uint32) {
	n := int(s.pieceManager.PieceCount())

	order := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if peerBF.Has(i) {
			order = append(order, i)
		}
	}

	rand.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })

	indices := make([]uint32, len(order))
	for i, idx := range order {
		indices[i] = uint32(idx)
	}

	return s.pieceManager.AssignBlocksFromList(addr, indices, capacity)
}

func blockKey(pieceIdx, begin uint32) uint64 {
	return uint64(pieceIdx)<<32 | uint64(begin)
}
