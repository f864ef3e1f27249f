package segment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ruvnet/issordering/internal/consensus"
)

// armTimeoutLocked (re)starts a slot's view-change timer. Callers must
// hold s.mu.
func (s *Segment) armTimeoutLocked(ctx context.Context, st *slotState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	view := st.view
	st.timer = time.AfterFunc(st.timeout, func() {
		s.onTimeout(ctx, st.slot, view)
	})
}

func (s *Segment) onTimeout(ctx context.Context, slot consensus.BlockNr, atView consensus.ViewNr) {
	s.mu.Lock()
	st := s.slots[slot]
	if st == nil || st.phase == Completed || st.view != atView {
		s.mu.Unlock()
		return // already moved on
	}
	targetView := atView + 1
	if st.viewChangeAt[targetView] {
		s.mu.Unlock()
		return // already initiated this view change
	}
	st.viewChangeAt[targetView] = true
	st.phase = ViewChanging
	prepared := highestPrepared(st, 2*s.members.F()+1)
	st.timeout *= 2 // strictly increasing across view changes
	s.logger.Warn("slot timed out, initiating view change",
		zap.Uint64("slot", uint64(slot)), zap.Uint64("from_view", uint64(atView)), zap.Uint64("to_view", uint64(targetView)))
	s.mu.Unlock()

	vc := consensus.PBFTMessage{
		Kind:      consensus.KindViewChange,
		Metadata:  consensus.BlockMetadata{Epoch: s.spec.EpochNr, Block: slot},
		View:      targetView,
		Timestamp: timestampNow(),
		Sender:    s.members.Self,
		Prepared:  prepared,
	}
	signed, err := s.sign(vc)
	if err != nil {
		s.logger.Error("failed to sign view change", zap.Error(err))
		return
	}
	if err := s.network.Broadcast(ctx, signed); err != nil {
		s.logger.Error("failed to broadcast view change", zap.Error(err))
		return
	}
	if err := s.onViewChange(ctx, signed); err != nil {
		s.logger.Error("failed to apply own view change", zap.Error(err))
	}
}

// highestPrepared returns the Prepared certificate a slot holds for its
// current (or any lower) view, or nil if it was never Prepared. A view
// counts as Prepared once it holds a pre-prepare and at least needed
// prepares. Callers must hold s.mu.
func highestPrepared(st *slotState, needed int) *consensus.PreparedCertificate {
	var best *consensus.PreparedCertificate
	var bestView consensus.ViewNr
	for view, pp := range st.prePrepares {
		prepares := st.prepares[view]
		if pp == nil || len(prepares) < needed {
			continue
		}
		if best != nil && view <= bestView {
			continue
		}
		best = &consensus.PreparedCertificate{PrePrepare: pp, Prepares: mapValues(prepares)}
		bestView = view
	}
	return best
}

func (s *Segment) onViewChange(ctx context.Context, msg *consensus.PBFTMessage) error {
	s.mu.Lock()
	st := s.slots[msg.Metadata.Block]
	if st == nil {
		s.mu.Unlock()
		return fmt.Errorf("slot %d not owned by this segment", msg.Metadata.Block)
	}
	if msg.View < st.view {
		s.mu.Unlock()
		return nil // stale
	}
	if st.viewChanges[msg.View] == nil {
		st.viewChanges[msg.View] = make(map[consensus.PeerID]*consensus.PBFTMessage)
	}
	st.viewChanges[msg.View][msg.Sender] = msg

	needed := s.members.Quorum()
	have := len(st.viewChanges[msg.View])
	iAmNewLeader := s.leaderAt(msg.View, st) == s.members.Self
	shouldSendNewView := have >= needed && iAmNewLeader
	view := msg.View
	slot := msg.Metadata.Block
	var viewChangeSet []*consensus.PBFTMessage
	if shouldSendNewView {
		viewChangeSet = mapValues(st.viewChanges[view])
	}
	s.mu.Unlock()

	if !shouldSendNewView {
		return nil
	}
	pp := derivePrePrepare(viewChangeSet, view, slot, s.spec.EpochNr, s.members.Self)
	nv := consensus.PBFTMessage{
		Kind:          consensus.KindNewView,
		Metadata:      consensus.BlockMetadata{Epoch: s.spec.EpochNr, Block: slot},
		View:          view,
		Timestamp:     timestampNow(),
		Sender:        s.members.Self,
		ViewChangeSet: viewChangeSet,
		NewPrePrepare: pp,
	}
	signed, err := s.sign(nv)
	if err != nil {
		return err
	}
	if err := s.network.Broadcast(ctx, signed); err != nil {
		return fmt.Errorf("broadcast new-view: %w", err)
	}
	return s.onNewView(ctx, signed)
}

// derivePrePrepare builds the pre-prepare a NewView carries: the highest
// Prepared certificate among the view-change set, re-issued by the new
// leader for the new view, or, if none of the view changes carried one, a
// fresh pre-prepare from the new leader with an empty payload.
func derivePrePrepare(vcSet []*consensus.PBFTMessage, view consensus.ViewNr, slot consensus.BlockNr, epoch consensus.EpochNr, newLeader consensus.PeerID) *consensus.PBFTMessage {
	var best *consensus.PreparedCertificate
	for _, vc := range vcSet {
		if vc.Prepared == nil {
			continue
		}
		if best == nil || vc.Prepared.PrePrepare.View > best.PrePrepare.View {
			best = vc.Prepared
		}
	}
	if best == nil {
		empty := []byte{}
		h := sha256.Sum256(empty)
		return &consensus.PBFTMessage{
			Kind:      consensus.KindPrePrepare,
			Metadata:  consensus.BlockMetadata{Epoch: epoch, Block: slot},
			View:      view,
			Timestamp: timestampNow(),
			Sender:    newLeader,
			Digest:    hex.EncodeToString(h[:]),
			Payload:   empty,
		}
	}
	return &consensus.PBFTMessage{
		Kind:      consensus.KindPrePrepare,
		Metadata:  consensus.BlockMetadata{Epoch: epoch, Block: slot},
		View:      view,
		Timestamp: timestampNow(),
		Sender:    newLeader,
		Digest:    best.PrePrepare.Digest,
		Payload:   best.PrePrepare.Payload,
	}
}

func (s *Segment) onNewView(ctx context.Context, msg *consensus.PBFTMessage) error {
	s.mu.Lock()
	st := s.slots[msg.Metadata.Block]
	if st == nil {
		s.mu.Unlock()
		return fmt.Errorf("slot %d not owned by this segment", msg.Metadata.Block)
	}
	if msg.View < st.view || st.phase == Completed {
		s.mu.Unlock()
		return nil
	}
	st.view = msg.View
	st.phase = Idle
	if msg.NewPrePrepare != nil {
		st.prePrepares[msg.View] = msg.NewPrePrepare
		st.phase = PrePrepared
	}
	s.armTimeoutLocked(ctx, st)
	pp := msg.NewPrePrepare
	s.mu.Unlock()

	if pp == nil {
		return nil // awaiting a fresh proposal at the new view
	}
	// Every receiver (including the new leader) re-derives its own Prepare
	// from the carried pre-prepare, exactly as in onPrePrepare, but without
	// re-verifying leadership since the NewView quorum already attests it.
	prepare := consensus.PBFTMessage{
		Kind:      consensus.KindPrepare,
		Metadata:  pp.Metadata,
		View:      pp.View,
		Timestamp: timestampNow(),
		Sender:    s.members.Self,
		Digest:    pp.Digest,
	}
	signed, err := s.sign(prepare)
	if err != nil {
		return err
	}
	if err := s.network.Broadcast(ctx, signed); err != nil {
		return fmt.Errorf("broadcast prepare after new-view: %w", err)
	}
	return s.onPrepare(ctx, signed)
}
