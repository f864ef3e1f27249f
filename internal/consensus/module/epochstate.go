// Package module implements the top-level Consensus Module actor: the
// epoch lifecycle, PBFT message dispatch across segments, and the
// pipeToSelf wiring to the state-transfer and catch-up subsystems
// (spec.md §4.1).
package module

import (
	"context"

	"github.com/ruvnet/issordering/internal/consensus"
	"github.com/ruvnet/issordering/internal/consensus/segment"
)

// EpochState aggregates every segment active for one epoch and tracks
// completion toward the epoch's CompletedEpoch record (spec.md §4.3).
type EpochState struct {
	info     consensus.EpochInfo
	members  consensus.Membership
	segments []*segment.Segment

	completed map[consensus.BlockNr]*consensus.OrderedBlock
	lastBlock *consensus.OrderedBlock
}

// NewEpochState builds the segment set for info, one per original leader,
// per the deterministic round-robin assignment in consensus.BuildSegments.
func NewEpochState(info consensus.EpochInfo, self consensus.PeerID, cfg segment.Config, crypto consensus.CryptoProvider, network consensus.Network, reporter segment.Reporter) *EpochState {
	members := consensus.Membership{Self: self, Topology: info.Topology}
	specs := consensus.BuildSegments(info)
	es := &EpochState{
		info:      info,
		members:   members,
		segments:  make([]*segment.Segment, 0, len(specs)),
		completed: make(map[consensus.BlockNr]*consensus.OrderedBlock),
	}
	for _, spec := range specs {
		es.segments = append(es.segments, segment.New(spec, members, cfg, crypto, network, reporter))
	}
	return es
}

// Info returns the epoch this state belongs to.
func (es *EpochState) Info() consensus.EpochInfo { return es.info }

// StartSegments arms every segment's view-change timers.
func (es *EpochState) StartSegments(ctx context.Context) {
	for _, sg := range es.segments {
		sg.Start(ctx)
	}
}

// SegmentOwning returns the segment responsible for slot b, or nil if b
// does not fall within this epoch's segments.
func (es *EpochState) SegmentOwning(b consensus.BlockNr) *segment.Segment {
	for _, sg := range es.segments {
		if sg.Owns(b) {
			return sg
		}
	}
	return nil
}

// OwnSegment returns the segment whose original leader is self, the only
// segment self ever proposes into at view 0.
func (es *EpochState) OwnSegment(self consensus.PeerID) *segment.Segment {
	for _, sg := range es.segments {
		if sg.OriginalLeader() == self {
			return sg
		}
	}
	return nil
}

// NextFreeSlot returns the lowest-numbered slot in self's own segment that
// has neither completed nor already been proposed into, or false if every
// owned slot is already accounted for.
func (es *EpochState) NextFreeSlot(self consensus.PeerID) (consensus.BlockNr, bool) {
	sg := es.OwnSegment(self)
	if sg == nil {
		return 0, false
	}
	for _, slot := range sg.Slots() {
		if !sg.IsCompleted(slot) && !sg.HasPendingProposal(slot) {
			return slot, true
		}
	}
	return 0, false
}

// MarkCompleted records a decided block and, if it is the epoch's last
// slot, retains its commit certificate for CompletedEpoch.
func (es *EpochState) MarkCompleted(block *consensus.OrderedBlock, commits []*consensus.PBFTMessage) {
	es.completed[block.Metadata.Block] = block
	if block.Metadata.Block == es.info.End()-1 {
		block.IsLastInEpoch = true
		es.lastBlock = block
	}
}

// Done reports whether every slot in this epoch has been decided.
func (es *EpochState) Done() bool {
	return uint64(len(es.completed)) >= es.info.Length
}

// CompletedEpoch returns the persistable record for this epoch once Done,
// or false if blocks are still outstanding.
func (es *EpochState) CompletedEpoch() (consensus.CompletedEpoch, bool) {
	if !es.Done() || es.lastBlock == nil {
		return consensus.CompletedEpoch{}, false
	}
	blocks := make([]*consensus.OrderedBlock, 0, len(es.completed))
	for i := uint64(0); i < es.info.Length; i++ {
		slot := es.info.StartBlock + consensus.BlockNr(i)
		b, ok := es.completed[slot]
		if !ok {
			return consensus.CompletedEpoch{}, false
		}
		blocks = append(blocks, b)
	}
	return consensus.CompletedEpoch{
		Info:        es.info,
		LastCommits: es.lastBlock.Commits,
		Blocks:      blocks,
	}, true
}

// Recover rehydrates every segment from crash-recovery state: completed
// blocks are marked done directly, incomplete blocks replay their
// persisted PBFT messages into the owning segment (spec.md §4.2
// "In-progress recovery").
func (es *EpochState) Recover(ctx context.Context, progress consensus.EpochInProgress) {
	for _, b := range progress.CompletedBlocks {
		es.MarkCompleted(b, b.Commits)
	}
	for slot, msgs := range progress.IncompleteBlocks {
		if sg := es.SegmentOwning(slot); sg != nil {
			sg.Rehydrate(ctx, slot, msgs)
		}
	}
}
