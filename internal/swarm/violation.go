// Package swarm carries the vocabulary shared between a peer connection and
// its coordinator: the set of protocol violations that justify terminating
// a peer, independent of which actor (Peer or Scheduler) detects them.
package swarm

import "net/netip"

// Reason names why a peer connection is being torn down for misbehaving.
type Reason string

const (
	// ReasonBitfieldRepeat: a peer sent a second bitfield after its first,
	// outside the handshake window where only one is permitted.
	ReasonBitfieldRepeat Reason = "bitfield_repeat"

	// ReasonRequestWhileChoked: a peer requested a block while we were
	// choking it.
	ReasonRequestWhileChoked Reason = "request_while_choked"

	// ReasonRequestUnannounced: a peer requested a piece we never told it
	// (via bitfield or have) that we hold.
	ReasonRequestUnannounced Reason = "request_unannounced"

	// ReasonInvalidBlockSent: a peer sent a block payload that didn't match
	// the shape of the request it answers.
	ReasonInvalidBlockSent Reason = "invalid_block_sent"

	// ReasonInvalidPiece: an assembled piece failed hash verification; every
	// peer that contributed a block to it is held responsible.
	ReasonInvalidPiece Reason = "invalid_piece"

	// ReasonBlockNotRequested: a peer sent a block we never assigned to it.
	ReasonBlockNotRequested Reason = "block_not_requested"
)

// Violation identifies a single misbehaving peer and the rule it broke.
type Violation struct {
	Peer   netip.AddrPort
	Reason Reason
}
