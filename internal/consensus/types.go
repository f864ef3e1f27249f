// Package consensus implements the ISS ordering core: an epoch-structured
// PBFT ordering protocol with integrated catch-up, view change, and
// epoch-boundary topology reconfiguration.
package consensus

import (
	"fmt"
	"sort"
	"time"
)

// PeerID is an opaque peer identifier. Peers are totally ordered so that
// leader rotation and tie-breaking are deterministic across the topology.
type PeerID string

// Less gives PeerID a deterministic total order, used for leader rotation
// tie-breaks and for canonicalizing topology membership lists.
func (p PeerID) Less(other PeerID) bool { return p < other }

// EpochNr numbers epochs starting at 0, the Genesis epoch.
type EpochNr uint64

// GenesisEpoch has no blocks and an empty topology.
const GenesisEpoch EpochNr = 0

// BlockNr numbers block slots across the whole chain, not just one epoch.
type BlockNr uint64

// ViewNr numbers PBFT views within a segment, starting at 0.
type ViewNr uint64

// Topology is the set of peers active for some epoch, with the time it
// became active. It is fixed for the duration of the epoch it belongs to.
type Topology struct {
	Peers          []PeerID
	ActivationTime time.Time
}

// Contains reports whether p is a member of the topology.
func (t Topology) Contains(p PeerID) bool {
	for _, q := range t.Peers {
		if q == p {
			return true
		}
	}
	return false
}

// Sorted returns the topology's peers in canonical (total) order. Leader
// rotation and quorum bookkeeping both key off this order.
func (t Topology) Sorted() []PeerID {
	out := make([]PeerID, len(t.Peers))
	copy(out, t.Peers)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// IndexOf returns the position of p in the canonical peer order, or -1.
func (t Topology) IndexOf(p PeerID) int {
	for i, q := range t.Sorted() {
		if q == p {
			return i
		}
	}
	return -1
}

// Membership pairs a local peer identity with the ordering topology it
// belongs to, and derives the Byzantine fault-tolerance thresholds.
type Membership struct {
	Self     PeerID
	Topology Topology
}

// N is the topology size.
func (m Membership) N() int { return len(m.Topology.Peers) }

// F is the maximum number of Byzantine peers tolerated: floor((n-1)/3).
func (m Membership) F() int {
	n := m.N()
	if n == 0 {
		return 0
	}
	return (n - 1) / 3
}

// Quorum is a strong quorum, 2f+1.
func (m Membership) Quorum() int { return 2*m.F() + 1 }

// WeakQuorum is f+1, enough to guarantee at least one honest responder.
func (m Membership) WeakQuorum() int { return m.F() + 1 }

// EpochInfo describes one epoch's slot range and when it became active.
// Invariant: epoch(k+1).Start == epoch(k).Start + epoch(k).Length.
type EpochInfo struct {
	Nr             EpochNr
	StartBlock     BlockNr
	Length         uint64
	ActivationTime time.Time
	Topology       Topology
}

// End is the first block number not in this epoch (exclusive range end).
func (e EpochInfo) End() BlockNr { return e.StartBlock + BlockNr(e.Length) }

// Contains reports whether b falls in this epoch's slot range.
func (e EpochInfo) Contains(b BlockNr) bool {
	return b >= e.StartBlock && b < e.End()
}

// Segment is the set of block slots within an epoch assigned to a single
// original leader (round-robin, see BuildSegments). Segments partition [epoch.Start, epoch.End()).
type Segment struct {
	EpochNr        EpochNr
	OriginalLeader PeerID
	Slots          []BlockNr
}

// Owns reports whether slot b belongs to this segment.
func (s Segment) Owns(b BlockNr) bool {
	for _, slot := range s.Slots {
		if slot == b {
			return true
		}
	}
	return false
}

// BuildSegments partitions an epoch's slot range across the topology, one
// segment per peer in canonical order, round-robin over the slots. This is
// the deterministic leader-assignment function every peer can recompute.
func BuildSegments(info EpochInfo) []Segment {
	peers := info.Topology.Sorted()
	if len(peers) == 0 {
		return nil
	}
	segments := make([]Segment, len(peers))
	for i, p := range peers {
		segments[i] = Segment{EpochNr: info.Nr, OriginalLeader: p}
	}
	for i := uint64(0); i < info.Length; i++ {
		slot := info.StartBlock + BlockNr(i)
		idx := int(i) % len(peers)
		segments[idx].Slots = append(segments[idx].Slots, slot)
	}
	return segments
}

// SegmentOwning returns the segment in segments that owns slot b, or nil.
func SegmentOwning(segments []Segment, b BlockNr) *Segment {
	for i := range segments {
		if segments[i].Owns(b) {
			return &segments[i]
		}
	}
	return nil
}

// BlockMetadata uniquely identifies a block across all history.
type BlockMetadata struct {
	Epoch EpochNr
	Block BlockNr
}

func (m BlockMetadata) String() string {
	return fmt.Sprintf("epoch=%d/block=%d", m.Epoch, m.Block)
}

// MessageKind tags the variant carried by a PBFTMessage.
type MessageKind int

const (
	KindPrePrepare MessageKind = iota
	KindPrepare
	KindCommit
	KindViewChange
	KindNewView
)

func (k MessageKind) String() string {
	switch k {
	case KindPrePrepare:
		return "PrePrepare"
	case KindPrepare:
		return "Prepare"
	case KindCommit:
		return "Commit"
	case KindViewChange:
		return "ViewChange"
	case KindNewView:
		return "NewView"
	default:
		return "Unknown"
	}
}

// PreparedCertificate justifies a view change: the pre-prepare and the
// 2f+1 matching prepares (its own included) a peer held when it abandoned
// a view.
type PreparedCertificate struct {
	PrePrepare *PBFTMessage
	Prepares   []*PBFTMessage
}

// PBFTMessage is the tagged variant of every PBFT protocol message. Every
// instance carries block metadata, a view number, a timestamp, the sender,
// and a signature; Kind selects which payload fields are meaningful.
type PBFTMessage struct {
	Kind      MessageKind
	Metadata  BlockMetadata
	View      ViewNr
	Timestamp time.Time
	Sender    PeerID
	Signature []byte

	// PrePrepare, Prepare, Commit payload.
	Digest  string
	Payload []byte // only set on PrePrepare

	// ViewChange payload.
	Prepared *PreparedCertificate // highest Prepared certificate, or nil

	// NewView payload.
	ViewChangeSet []*PBFTMessage // the 2f+1 ViewChange messages
	NewPrePrepare *PBFTMessage   // the derived or fresh pre-prepare
}

// Unsigned returns a copy of the message with the signature stripped, the
// canonical form that gets signed and verified.
func (m PBFTMessage) Unsigned() PBFTMessage {
	cp := m
	cp.Signature = nil
	return cp
}

// OrderedBlock is a block after PBFT has decided it.
type OrderedBlock struct {
	Metadata       BlockMetadata
	Payload        []byte
	OriginalLeader PeerID
	IsLastInEpoch  bool
	Commits        []*PBFTMessage // the commit certificate
}

// CommitCertificate is the set of >= 2f+1 distinct Commit messages that
// prove a decision for identical (metadata, view, digest).
type CommitCertificate struct {
	Metadata BlockMetadata
	View     ViewNr
	Digest   string
	Commits  []*PBFTMessage
}

// Valid checks that the certificate has distinct senders from topology, all
// agreeing on (metadata, view, digest), and meets the quorum size.
func (c CommitCertificate) Valid(m Membership) bool {
	seen := make(map[PeerID]bool, len(c.Commits))
	for _, commit := range c.Commits {
		if commit.Kind != KindCommit {
			return false
		}
		if commit.Metadata != c.Metadata || commit.View != c.View || commit.Digest != c.Digest {
			return false
		}
		if !m.Topology.Contains(commit.Sender) {
			return false
		}
		seen[commit.Sender] = true
	}
	return len(seen) >= m.Quorum()
}

// CompletedEpoch is persisted once an epoch's last block is decided; it
// anchors the next epoch and is what catch-up clients fetch in bulk.
type CompletedEpoch struct {
	Info        EpochInfo
	LastCommits []*PBFTMessage // the last block's commit certificate
	Blocks      []*OrderedBlock
}

// Provenance distinguishes blocks delivered by live consensus from blocks
// applied during state transfer, for the output sink.
type Provenance int

const (
	FromConsensus Provenance = iota
	FromStateTransfer
)

// OrderedBlockForOutput is what the consensus module hands to the output
// sink: a decided block plus the bookkeeping the sink needs to track
// leader rotation fairness and epoch boundaries.
type OrderedBlockForOutput struct {
	Block         *OrderedBlock
	Provenance    Provenance
	IsLastInEpoch bool
}
