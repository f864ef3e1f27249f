// Package segment runs one PBFT instance per (epoch, original leader)
// slice of block slots: pre-prepare/prepare/commit on the happy path, and
// timeout-driven view change when a leader stalls (spec.md §4.2).
package segment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/issordering/internal/consensus"
)

// SlotPhase is a slot's position in the happy-path state machine. A view
// change resets a non-Completed slot to ViewChanging and resumes it at a
// higher view.
type SlotPhase int

const (
	Idle SlotPhase = iota
	PrePrepared
	Prepared
	Committed
	Completed
	ViewChanging
)

func (s SlotPhase) String() string {
	switch s {
	case Idle:
		return "Idle"
	case PrePrepared:
		return "PrePrepared"
	case Prepared:
		return "Prepared"
	case Committed:
		return "Committed"
	case Completed:
		return "Completed"
	case ViewChanging:
		return "ViewChanging"
	default:
		return "Unknown"
	}
}

// Reporter is the Segment module's handle back to the Consensus Module: a
// non-owning reference used to report decided blocks exactly once each
// (spec.md §9 "Design Notes: Cyclic module graph").
type Reporter interface {
	ReportBlockOrdered(ctx context.Context, block *consensus.OrderedBlock, commits []*consensus.PBFTMessage)
}

// Config carries the view-change timeout policy: an initial duration,
// doubled on each successive change within the same block.
type Config struct {
	InitialViewTimeout time.Duration
	Logger             *zap.Logger
}

// slotState is the per-slot PBFT bookkeeping: the current view, the
// messages collected at that view, and whatever is needed to justify a
// future view change.
type slotState struct {
	slot  consensus.BlockNr
	phase SlotPhase
	view  consensus.ViewNr

	payload []byte // this node's own availability payload, if leader

	prePrepares map[consensus.ViewNr]*consensus.PBFTMessage
	prepares    map[consensus.ViewNr]map[consensus.PeerID]*consensus.PBFTMessage
	commits     map[consensus.ViewNr]map[consensus.PeerID]*consensus.PBFTMessage
	viewChanges map[consensus.ViewNr]map[consensus.PeerID]*consensus.PBFTMessage

	reported bool // BlockOrdered already sent for this slot

	timeout      time.Duration
	timer        *time.Timer
	viewChangeAt map[consensus.ViewNr]bool // already sent ViewChange for this (slot, targetView)
}

func newSlotState(slot consensus.BlockNr, initialTimeout time.Duration) *slotState {
	return &slotState{
		slot:         slot,
		phase:        Idle,
		prePrepares:  make(map[consensus.ViewNr]*consensus.PBFTMessage),
		prepares:     make(map[consensus.ViewNr]map[consensus.PeerID]*consensus.PBFTMessage),
		commits:      make(map[consensus.ViewNr]map[consensus.PeerID]*consensus.PBFTMessage),
		viewChanges:  make(map[consensus.ViewNr]map[consensus.PeerID]*consensus.PBFTMessage),
		viewChangeAt: make(map[consensus.ViewNr]bool),
		timeout:      initialTimeout,
	}
}

// Segment runs PBFT for the slots assigned to one original leader within
// one epoch.
type Segment struct {
	mu sync.Mutex

	spec    consensus.Segment
	members consensus.Membership
	cfg     Config
	crypto  consensus.CryptoProvider
	network consensus.Network
	report  Reporter
	logger  *zap.Logger

	slots map[consensus.BlockNr]*slotState
}

// New builds a Segment for spec, ready to Start.
func New(spec consensus.Segment, members consensus.Membership, cfg Config, crypto consensus.CryptoProvider, network consensus.Network, reporter Reporter) *Segment {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Segment{
		spec:    spec,
		members: members,
		cfg:     cfg,
		crypto:  crypto,
		network: network,
		report:  reporter,
		logger:  logger.Named("segment").With(zap.Uint64("epoch", uint64(spec.EpochNr)), zap.String("leader", string(spec.OriginalLeader))),
		slots:   make(map[consensus.BlockNr]*slotState),
	}
	for _, slot := range spec.Slots {
		s.slots[slot] = newSlotState(slot, cfg.InitialViewTimeout)
	}
	return s
}

// Owns reports whether this segment owns slot b.
func (s *Segment) Owns(b consensus.BlockNr) bool { return s.spec.Owns(b) }

// OriginalLeader returns the peer this segment's slots were originally
// assigned to at view 0.
func (s *Segment) OriginalLeader() consensus.PeerID { return s.spec.OriginalLeader }

// Start arms the view-change timer for every incomplete slot. It does not
// itself create proposals; proposing happens via Propose, driven by
// ProposalCreated events at the Consensus Module.
func (s *Segment) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.slots {
		if st.phase != Completed {
			s.armTimeoutLocked(ctx, st)
		}
	}
}

// HasPendingProposal reports whether slot already has a local proposal
// queued (leader already composed a pre-prepare for it).
func (s *Segment) HasPendingProposal(slot consensus.BlockNr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.slots[slot]
	return st != nil && st.payload != nil
}

// Slots returns the slot numbers this segment is responsible for, in
// ascending order as assigned by consensus.BuildSegments.
func (s *Segment) Slots() []consensus.BlockNr {
	return append([]consensus.BlockNr(nil), s.spec.Slots...)
}

// IsCompleted reports whether slot has already been decided.
func (s *Segment) IsCompleted(slot consensus.BlockNr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.slots[slot]
	return st != nil && st.phase == Completed
}

// leaderAt returns the leader for (slot, view): the original leader at
// view 0, otherwise the next untried peer in canonical topology order,
// skipping peers that already led this slot at a lower view (spec.md §4.2
// "Liveness invariants").
func (s *Segment) leaderAt(view consensus.ViewNr, st *slotState) consensus.PeerID {
	if view == 0 {
		return s.spec.OriginalLeader
	}
	peers := s.members.Topology.Sorted()
	if len(peers) == 0 {
		return s.spec.OriginalLeader
	}
	tried := make(map[consensus.PeerID]bool)
	tried[s.spec.OriginalLeader] = true
	for v := consensus.ViewNr(1); v < view; v++ {
		tried[s.leaderAt(v, st)] = true
	}
	start := int(view) % len(peers)
	for i := 0; i < len(peers); i++ {
		candidate := peers[(start+i)%len(peers)]
		if !tried[candidate] {
			return candidate
		}
	}
	return peers[start]
}

func (s *Segment) digest(payload []byte) string {
	h := sha256.Sum256(payload)
	return hex.EncodeToString(h[:])
}

func (s *Segment) sign(msg consensus.PBFTMessage) (*consensus.PBFTMessage, error) {
	unsigned := msg.Unsigned()
	sig, err := s.crypto.Sign(canonicalBytes(unsigned))
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", msg.Kind, err)
	}
	msg.Signature = sig
	return &msg, nil
}

// canonicalBytes is a deterministic, order-stable encoding of the fields
// that get signed. It deliberately excludes the signature itself.
func canonicalBytes(m consensus.PBFTMessage) []byte {
	return []byte(fmt.Sprintf("%d|%d|%d|%d|%s|%s|%s", m.Kind, m.Metadata.Epoch, m.Metadata.Block, m.View, m.Sender, m.Digest, m.Timestamp.UTC().Format(time.RFC3339Nano)))
}

// Propose composes and broadcasts a PrePrepare for slot at its current
// view, if this node is that view's leader (spec.md §4.2 step 1).
func (s *Segment) Propose(ctx context.Context, slot consensus.BlockNr, payload []byte) error {
	s.mu.Lock()
	st := s.slots[slot]
	if st == nil {
		s.mu.Unlock()
		return fmt.Errorf("segment does not own slot %d", slot)
	}
	if st.phase == Completed {
		s.mu.Unlock()
		return nil
	}
	leader := s.leaderAt(st.view, st)
	if leader != s.members.Self {
		s.mu.Unlock()
		return fmt.Errorf("slot %d view %d: not the leader (%s)", slot, st.view, leader)
	}
	st.payload = payload
	digest := s.digest(payload)
	unsigned := consensus.PBFTMessage{
		Kind:      consensus.KindPrePrepare,
		Metadata:  consensus.BlockMetadata{Epoch: s.spec.EpochNr, Block: slot},
		View:      st.view,
		Timestamp: timestampNow(),
		Sender:    s.members.Self,
		Digest:    digest,
		Payload:   payload,
	}
	s.mu.Unlock()

	signed, err := s.sign(unsigned)
	if err != nil {
		return err
	}
	if err := s.network.Broadcast(ctx, signed); err != nil {
		return fmt.Errorf("broadcast pre-prepare: %w", err)
	}
	// The leader accepts its own pre-prepare immediately, matching what a
	// remote peer would do on receipt.
	return s.Deliver(ctx, signed)
}

// Deliver applies one already-verified PBFT message addressed to a slot
// this segment owns. Application is sequential and deterministic given the
// input sequence (spec.md §5).
func (s *Segment) Deliver(ctx context.Context, msg *consensus.PBFTMessage) error {
	switch msg.Kind {
	case consensus.KindPrePrepare:
		return s.onPrePrepare(ctx, msg)
	case consensus.KindPrepare:
		return s.onPrepare(ctx, msg)
	case consensus.KindCommit:
		return s.onCommit(ctx, msg)
	case consensus.KindViewChange:
		return s.onViewChange(ctx, msg)
	case consensus.KindNewView:
		return s.onNewView(ctx, msg)
	default:
		return fmt.Errorf("unknown PBFT message kind %v", msg.Kind)
	}
}

func (s *Segment) onPrePrepare(ctx context.Context, msg *consensus.PBFTMessage) error {
	s.mu.Lock()
	st := s.slots[msg.Metadata.Block]
	if st == nil {
		s.mu.Unlock()
		return fmt.Errorf("slot %d not owned by this segment", msg.Metadata.Block)
	}
	if msg.View != st.view {
		s.mu.Unlock()
		return nil // stale or future view; discarded per §4.2
	}
	if existing, ok := st.prePrepares[msg.View]; ok {
		s.mu.Unlock()
		if existing.Digest != msg.Digest {
			return fmt.Errorf("slot %d view %d: conflicting pre-prepare digest", msg.Metadata.Block, msg.View)
		}
		return nil // duplicate, idempotent
	}
	expectedLeader := s.leaderAt(msg.View, st)
	if msg.Sender != expectedLeader {
		s.mu.Unlock()
		return fmt.Errorf("slot %d view %d: pre-prepare from non-leader %s", msg.Metadata.Block, msg.View, msg.Sender)
	}
	if s.digest(msg.Payload) != msg.Digest {
		s.mu.Unlock()
		return fmt.Errorf("slot %d view %d: digest mismatch", msg.Metadata.Block, msg.View)
	}
	st.prePrepares[msg.View] = msg
	st.phase = PrePrepared
	s.mu.Unlock()

	prepare := consensus.PBFTMessage{
		Kind:      consensus.KindPrepare,
		Metadata:  msg.Metadata,
		View:      msg.View,
		Timestamp: timestampNow(),
		Sender:    s.members.Self,
		Digest:    msg.Digest,
	}
	signed, err := s.sign(prepare)
	if err != nil {
		return err
	}
	if err := s.network.Broadcast(ctx, signed); err != nil {
		return fmt.Errorf("broadcast prepare: %w", err)
	}
	return s.onPrepare(ctx, signed)
}

func (s *Segment) onPrepare(ctx context.Context, msg *consensus.PBFTMessage) error {
	s.mu.Lock()
	st := s.slots[msg.Metadata.Block]
	if st == nil {
		s.mu.Unlock()
		return fmt.Errorf("slot %d not owned by this segment", msg.Metadata.Block)
	}
	if msg.View != st.view {
		s.mu.Unlock()
		return nil
	}
	if st.prepares[msg.View] == nil {
		st.prepares[msg.View] = make(map[consensus.PeerID]*consensus.PBFTMessage)
	}
	st.prepares[msg.View][msg.Sender] = msg

	alreadyPrepared := st.phase == Prepared || st.phase == Committed || st.phase == Completed
	havePrePrepare := st.prePrepares[msg.View] != nil
	// 2f+1 matching prepares, counting this node's own (spec.md §4.2 step 2).
	needed := 2*s.members.F() + 1
	have := len(st.prepares[msg.View])
	shouldCommit := !alreadyPrepared && havePrePrepare && have >= needed
	if shouldCommit {
		st.phase = Prepared
	}
	view := msg.View
	digest := msg.Digest
	block := msg.Metadata.Block
	s.mu.Unlock()

	if !shouldCommit {
		return nil
	}
	commit := consensus.PBFTMessage{
		Kind:      consensus.KindCommit,
		Metadata:  consensus.BlockMetadata{Epoch: s.spec.EpochNr, Block: block},
		View:      view,
		Timestamp: timestampNow(),
		Sender:    s.members.Self,
		Digest:    digest,
	}
	signed, err := s.sign(commit)
	if err != nil {
		return err
	}
	if err := s.network.Broadcast(ctx, signed); err != nil {
		return fmt.Errorf("broadcast commit: %w", err)
	}
	return s.onCommit(ctx, signed)
}

func (s *Segment) onCommit(ctx context.Context, msg *consensus.PBFTMessage) error {
	s.mu.Lock()
	st := s.slots[msg.Metadata.Block]
	if st == nil {
		s.mu.Unlock()
		return fmt.Errorf("slot %d not owned by this segment", msg.Metadata.Block)
	}
	if msg.View != st.view {
		s.mu.Unlock()
		return nil
	}
	if st.commits[msg.View] == nil {
		st.commits[msg.View] = make(map[consensus.PeerID]*consensus.PBFTMessage)
	}
	st.commits[msg.View][msg.Sender] = msg

	if st.reported || st.phase == Completed {
		s.mu.Unlock()
		return nil
	}
	needed := s.members.Quorum()
	if len(st.commits[msg.View]) < needed {
		s.mu.Unlock()
		return nil
	}
	prePrepare := st.prePrepares[msg.View]
	if prePrepare == nil {
		// The payload is not known yet; the slot completes when this node's
		// own commit follows the pre-prepare.
		s.mu.Unlock()
		return nil
	}
	st.phase = Completed
	st.reported = true
	if st.timer != nil {
		st.timer.Stop()
	}
	commits := mapValues(st.commits[msg.View])
	s.mu.Unlock()

	block := &consensus.OrderedBlock{
		Metadata:       msg.Metadata,
		Payload:        prePrepare.Payload,
		OriginalLeader: s.spec.OriginalLeader,
		Commits:        commits,
	}
	s.report.ReportBlockOrdered(ctx, block, commits)
	return nil
}

func mapValues(m map[consensus.PeerID]*consensus.PBFTMessage) []*consensus.PBFTMessage {
	out := make([]*consensus.PBFTMessage, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// Rehydrate restores a slot's state from persisted PBFT messages on
// restart (spec.md §4.2 "In-progress recovery"), without re-broadcasting.
// It restores the phase up to Prepared at the highest persisted view;
// persisted commits are stored, but a commit quorum among them does not
// complete the slot or report the block.
func (s *Segment) Rehydrate(ctx context.Context, slot consensus.BlockNr, msgs []*consensus.PBFTMessage) {
	s.mu.Lock()
	st := s.slots[slot]
	if st == nil {
		s.mu.Unlock()
		return
	}
	for _, msg := range msgs {
		switch msg.Kind {
		case consensus.KindPrePrepare:
			st.prePrepares[msg.View] = msg
			if st.phase < PrePrepared {
				st.phase = PrePrepared
			}
		case consensus.KindPrepare:
			if st.prepares[msg.View] == nil {
				st.prepares[msg.View] = make(map[consensus.PeerID]*consensus.PBFTMessage)
			}
			st.prepares[msg.View][msg.Sender] = msg
		case consensus.KindCommit:
			if st.commits[msg.View] == nil {
				st.commits[msg.View] = make(map[consensus.PeerID]*consensus.PBFTMessage)
			}
			st.commits[msg.View][msg.Sender] = msg
		}
		if msg.View > st.view {
			st.view = msg.View
		}
	}
	if len(st.prepares[st.view]) >= 2*s.members.F()+1 && st.prePrepares[st.view] != nil && st.phase < Prepared {
		st.phase = Prepared
	}
	s.mu.Unlock()
}

var timestampNow = time.Now
