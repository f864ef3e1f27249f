package module

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ruvnet/issordering/internal/apperrors"
	"github.com/ruvnet/issordering/internal/consensus"
	"github.com/ruvnet/issordering/internal/consensus/catchup"
	"github.com/ruvnet/issordering/internal/consensus/segment"
	"github.com/ruvnet/issordering/internal/consensus/statetransfer"
	"github.com/ruvnet/issordering/internal/consensus/validator"
	"github.com/ruvnet/issordering/internal/obsmetrics"
)

// Config carries everything the orchestrator needs beyond its
// collaborators: this node's identity, the segment view-change timeout
// policy, and the catch-up detector's sensitivity.
type Config struct {
	Self              consensus.PeerID
	Segment           segment.Config
	CatchUpThreshold  uint64
	CatchUpRatePerSec rate.Limit
	CatchUpBurst      int
	Logger            *zap.Logger
	Metrics           *obsmetrics.Metrics

	// Crypto is this node's bootstrap crypto provider, reused to verify
	// and sign for any epoch recovered on restart whose own NewEpochTopology
	// event is not replayed (this deployment's topology and keys are static
	// for the node's lifetime; see DESIGN.md).
	Crypto consensus.CryptoProvider
}

// Module is the Consensus Module actor: a single-threaded event loop that
// owns epoch lifecycle, PBFT dispatch across segments, and the wiring to
// state transfer and catch-up (spec.md §4.1, §5).
type Module struct {
	cfg     Config
	store   consensus.EpochStore
	network consensus.Network
	output  consensus.OutputSink
	logger  *zap.Logger
	metrics *obsmetrics.Metrics

	events chan consensus.Event

	current      consensus.EpochNr
	currentState *EpochState
	epochViews   map[consensus.EpochNr]validator.EpochView
	pendingCrypto map[consensus.EpochNr]consensus.CryptoProvider
	pendingTopology map[consensus.EpochNr]consensus.NewEpochTopology

	futureQueue []*consensus.PBFTMessage

	detector   *catchup.Detector
	stClient   *statetransfer.Client
	stServer   *statetransfer.Server
	val        *validator.Validator
	catchingUp bool
}

// New builds a Module ready to Run.
func New(cfg Config, store consensus.EpochStore, network consensus.Network, output consensus.OutputSink) *Module {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("consensus.module").With(zap.String("self", string(cfg.Self)))

	m := &Module{
		cfg:             cfg,
		store:           store,
		network:         network,
		output:          output,
		logger:          logger,
		metrics:         cfg.Metrics,
		events:          make(chan consensus.Event, 4096),
		epochViews:      make(map[consensus.EpochNr]validator.EpochView),
		pendingCrypto:   make(map[consensus.EpochNr]consensus.CryptoProvider),
		pendingTopology: make(map[consensus.EpochNr]consensus.NewEpochTopology),
		detector:        catchup.New(cfg.CatchUpThreshold, cfg.CatchUpRatePerSec, cfg.CatchUpBurst),
		stServer:        statetransfer.NewServer(cfg.Self, store, logger),
	}
	m.val = validator.New(m)
	return m
}

// Post delivers ev to the module's mailbox. Safe to call from any
// goroutine; ev is processed strictly after every event already queued.
func (m *Module) Post(ev consensus.Event) { m.events <- ev }

// Run drains the mailbox until ctx is cancelled, dispatching one event at
// a time (spec.md §5 "single-threaded cooperative actors").
func (m *Module) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.deliver(ctx, ev)
		}
	}
}

func (m *Module) pipeToSelf(fn func() (consensus.Event, error)) {
	go func() {
		ev, err := fn()
		if err != nil {
			m.events <- consensus.AsyncException{Err: err}
			return
		}
		if ev != nil {
			m.events <- ev
		}
	}()
}

// ReportBlockOrdered implements segment.Reporter: segments run
// synchronously within this same goroutine (spec.md §9 "no strong
// ownership cycles"; see DESIGN.md for why segments are not separate
// actor goroutines), so this self-posts onto the mailbox rather than
// calling back into dispatch directly, preserving single-message-at-a-time
// processing.
func (m *Module) ReportBlockOrdered(ctx context.Context, block *consensus.OrderedBlock, commits []*consensus.PBFTMessage) {
	m.events <- consensus.BlockOrdered{Block: block, Commits: commits}
}

// CurrentEpoch implements validator.Resolver.
func (m *Module) CurrentEpoch() consensus.EpochNr { return m.current }

// EpochView implements validator.Resolver.
func (m *Module) EpochView(nr consensus.EpochNr) (validator.EpochView, bool) {
	v, ok := m.epochViews[nr]
	return v, ok
}

func (m *Module) deliver(ctx context.Context, ev consensus.Event) {
	switch e := ev.(type) {
	case consensus.Start:
		m.handleStart(ctx, e)
	case consensus.NewEpochTopology:
		m.handleNewEpochTopology(ctx, e)
	case consensus.NewEpochStored:
		m.handleNewEpochStored(ctx, e)
	case consensus.CompleteEpochStored:
		m.handleCompleteEpochStored(e)
	case consensus.BlockOrdered:
		m.handleBlockOrdered(ctx, e)
	case consensus.AsyncException:
		m.handleAsyncException(e)
	case consensus.ProposalCreated:
		m.handleProposalCreated(ctx, e)
	case consensus.VerifiedPBFTMessage:
		m.dispatchPBFT(ctx, e.Msg)
	case consensus.UnverifiedPBFTMessage:
		m.handleUnverifiedPBFT(ctx, e.Msg)
	case *consensus.BlockTransferRequest:
		m.handleTransferRequest(ctx, e)
	case *consensus.BlockTransferResponse:
		m.handleTransferResponse(ctx, e)
	case consensus.AdminGetTopology:
		m.handleAdminGetTopology(e)
	default:
		m.logger.Warn("unhandled event type", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

// handleStart recovers any in-progress epoch from storage, or begins
// onboarding state transfer if started with a snapshot (spec.md §4.1
// "Startup").
func (m *Module) handleStart(ctx context.Context, e consensus.Start) {
	if e.Snapshot != nil {
		m.logger.Info("onboarding via state transfer", zap.Uint64("from_epoch", uint64(e.Snapshot.StartEpoch)))
		m.catchingUp = true
		m.stClient = statetransfer.NewClient(consensus.Membership{Self: m.cfg.Self}, m.network, m.resolveMembership, m.logger)
		if _, err := m.stClient.Begin(ctx, e.Snapshot.StartEpoch, e.Snapshot.StartEpoch+1); err != nil {
			m.logger.Error("failed to begin onboarding state transfer", zap.Error(err))
		}
		return
	}
	info, err := m.store.LatestCompletedEpoch(ctx)
	if err != nil {
		m.logger.Fatal("failed to read latest completed epoch at startup", zap.Error(err))
		return
	}
	if info.Nr == consensus.GenesisEpoch && info.Topology.Peers == nil {
		m.logger.Info("no completed epochs found; awaiting genesis topology")
		return
	}
	m.logger.Info("resuming after restart", zap.Uint64("latest_completed_epoch", uint64(info.Nr)))
	m.resumeInProgressEpoch(ctx, info.Nr+1)
}

// resumeInProgressEpoch rebuilds the EpochState for the epoch that was
// active when this node last stopped, if any, and replays its persisted
// PBFT messages into each segment (spec.md §4.1 Startup branch 3, §4.2
// "In-progress recovery"). If nr was never started, this node is simply
// between epochs, awaiting the next topology announcement.
func (m *Module) resumeInProgressEpoch(ctx context.Context, nr consensus.EpochNr) {
	progress, err := m.store.EpochInProgress(ctx, nr)
	if err != nil || progress.Info.Topology.Peers == nil {
		m.logger.Info("no epoch in progress at restart; awaiting next topology announcement",
			zap.Uint64("next_epoch", uint64(nr)))
		return
	}

	members := consensus.Membership{Self: m.cfg.Self, Topology: progress.Info.Topology}
	m.epochViews[progress.Info.Nr] = validator.EpochView{Info: progress.Info, Members: members, Crypto: m.cfg.Crypto}

	m.currentState = NewEpochState(progress.Info, m.cfg.Self, m.cfg.Segment, m.cfg.Crypto, m.network, m)
	m.currentState.Recover(ctx, progress)
	m.current = progress.Info.Nr
	m.currentState.StartSegments(ctx)

	m.logger.Info("recovered in-progress epoch from persisted PBFT state",
		zap.Uint64("epoch", uint64(progress.Info.Nr)),
		zap.Int("completed_blocks", len(progress.CompletedBlocks)),
		zap.Int("incomplete_blocks", len(progress.IncompleteBlocks)))
}

func (m *Module) resolveMembership(epoch consensus.EpochNr) (consensus.Membership, bool) {
	v, ok := m.epochViews[epoch]
	if !ok {
		return consensus.Membership{}, false
	}
	return v.Members, true
}

// handleNewEpochTopology implements spec.md §4.1's four-branch table for
// a topology announcement.
func (m *Module) handleNewEpochTopology(ctx context.Context, e consensus.NewEpochTopology) {
	switch {
	case e.Nr < m.current:
		// A topology announcement for an epoch already superseded violates
		// the monotonic-epoch invariant; storage is no longer trustworthy.
		m.logger.Fatal("topology announced for an already-superseded epoch",
			zap.Uint64("announced", uint64(e.Nr)), zap.Uint64("current", uint64(m.current)))
		return
	case e.Nr == m.current && m.currentState != nil:
		m.logger.Debug("duplicate topology announcement for current epoch, ignoring", zap.Uint64("epoch", uint64(e.Nr)))
		return
	case e.Nr > m.current+1:
		m.logger.Info("topology announced ahead of current epoch, buffering and catching up",
			zap.Uint64("announced", uint64(e.Nr)), zap.Uint64("current", uint64(m.current)))
		m.pendingTopology[e.Nr] = e
		m.epochViews[e.Nr] = validator.EpochView{
			Info:    consensus.EpochInfo{Nr: e.Nr, Topology: e.Topology},
			Members: consensus.Membership{Self: m.cfg.Self, Topology: e.Topology},
			Crypto:  e.Crypto,
		}
		m.triggerCatchUpTo(ctx, e.Nr)
		return
	default: // e.Nr == m.current+1 (the expected next epoch), or the current epoch before it is active (genesis)
		m.pendingCrypto[e.Nr] = e.Crypto
		info := consensus.EpochInfo{
			Nr:             e.Nr,
			StartBlock:     m.nextStartBlock(),
			Length:         uint64(len(e.Topology.Peers)), // placeholder until a real slot-length policy is wired
			ActivationTime: e.Topology.ActivationTime,
			Topology:       e.Topology,
		}
		m.pipeToSelf(func() (consensus.Event, error) {
			if err := m.store.StartEpoch(ctx, info); err != nil {
				return nil, fmt.Errorf("persist start of epoch %d: %w", info.Nr, err)
			}
			return consensus.NewEpochStored{Info: info}, nil
		})
	}
}

func (m *Module) nextStartBlock() consensus.BlockNr {
	if m.currentState == nil {
		return 0
	}
	return m.currentState.Info().End()
}

func (m *Module) handleNewEpochStored(ctx context.Context, e consensus.NewEpochStored) {
	crypto := m.pendingCrypto[e.Info.Nr]
	delete(m.pendingCrypto, e.Info.Nr)
	members := consensus.Membership{Self: m.cfg.Self, Topology: e.Info.Topology}
	m.epochViews[e.Info.Nr] = validator.EpochView{Info: e.Info, Members: members, Crypto: crypto}

	m.currentState = NewEpochState(e.Info, m.cfg.Self, m.cfg.Segment, crypto, m.network, m)
	m.current = e.Info.Nr
	m.currentState.StartSegments(ctx)
	m.logger.Info("epoch activated", zap.Uint64("epoch", uint64(e.Info.Nr)), zap.Int("peers", len(e.Info.Topology.Peers)))

	m.replayFutureQueue(ctx)
}

func (m *Module) handleCompleteEpochStored(e consensus.CompleteEpochStored) {
	m.logger.Info("epoch completion persisted", zap.Uint64("epoch", uint64(e.Epoch)))
}

func (m *Module) handleBlockOrdered(ctx context.Context, e consensus.BlockOrdered) {
	if m.currentState == nil || e.Block.Metadata.Epoch != m.current {
		m.logger.Warn("block ordered for an epoch that is not currently active, dropping",
			zap.Uint64("epoch", uint64(e.Block.Metadata.Epoch)))
		return
	}
	m.currentState.MarkCompleted(e.Block, e.Commits)
	if m.metrics != nil {
		m.metrics.BlocksOrdered.Inc()
	}

	out := consensus.OrderedBlockForOutput{Block: e.Block, Provenance: consensus.FromConsensus, IsLastInEpoch: e.Block.IsLastInEpoch}
	m.pipeToSelf(func() (consensus.Event, error) {
		if err := m.output.Deliver(ctx, out); err != nil {
			return nil, fmt.Errorf("deliver block %s to output sink: %w", e.Block.Metadata, err)
		}
		return nil, nil
	})

	if completed, ok := m.currentState.CompletedEpoch(); ok {
		m.pipeToSelf(func() (consensus.Event, error) {
			if err := m.store.CompleteEpoch(ctx, completed); err != nil {
				return nil, fmt.Errorf("persist completion of epoch %d: %w", completed.Info.Nr, err)
			}
			return consensus.CompleteEpochStored{Epoch: completed.Info.Nr}, nil
		})
	}
}

func (m *Module) handleAsyncException(e consensus.AsyncException) {
	m.logger.Fatal("unrecoverable asynchronous failure", zap.Error(e.Err))
}

func (m *Module) handleProposalCreated(ctx context.Context, e consensus.ProposalCreated) {
	if m.currentState == nil || e.Epoch != m.current {
		m.logger.Debug("proposal created for inactive epoch, dropping", zap.Uint64("epoch", uint64(e.Epoch)))
		return
	}
	slot, ok := m.currentState.NextFreeSlot(m.cfg.Self)
	if !ok {
		m.logger.Debug("no free slot to propose into right now")
		return
	}
	sg := m.currentState.OwnSegment(m.cfg.Self)
	if sg == nil {
		return
	}
	if err := sg.Propose(ctx, slot, e.Payload); err != nil {
		m.logger.Warn("failed to propose", zap.Uint64("slot", uint64(slot)), zap.Error(err))
	}
}

func (m *Module) handleUnverifiedPBFT(ctx context.Context, msg *consensus.PBFTMessage) {
	cerr := m.val.ValidatePBFT(msg)
	if cerr == nil {
		// Structurally sound and signed by a confirmed member of its own
		// epoch: safe to trust (sender, epoch) for catch-up detection.
		m.detector.Observe(msg.Sender, msg.Metadata.Epoch)
		m.dispatchPBFT(ctx, msg)
		m.maybeTriggerCatchUp(ctx)
		return
	}
	if cerr.Code == apperrors.CodeFutureEpoch && m.val.VerifyFutureEpochSender(msg) {
		// The future epoch's own topology isn't known yet, but the sender
		// is a genuine, correctly-signed member of the current topology
		// (stable across epochs in this deployment; see DESIGN.md), so the
		// claimed epoch number can still be trusted.
		m.detector.Observe(msg.Sender, msg.Metadata.Epoch)
	}
	m.handleValidationFailure(ctx, msg, cerr)
}

func (m *Module) handleValidationFailure(ctx context.Context, msg *consensus.PBFTMessage, cerr *apperrors.ConsensusError) {
	switch cerr.Disposition() {
	case apperrors.DispositionDiscard:
		return
	case apperrors.DispositionDropWithMetric:
		if m.metrics != nil {
			m.metrics.NonCompliance.WithLabelValues(string(cerr.Code), cerr.Context.Sender,
				fmt.Sprintf("%d", cerr.Context.Epoch), fmt.Sprintf("%d", cerr.Context.View), fmt.Sprintf("%d", cerr.Context.Block)).Inc()
		}
		m.logger.Warn("rejected message", zap.String("code", string(cerr.Code)), zap.Error(cerr))
	case apperrors.DispositionEnqueue:
		m.futureQueue = append(m.futureQueue, msg)
		m.maybeTriggerCatchUp(ctx)
	case apperrors.DispositionFatal:
		m.logger.Fatal("protocol invariant violated", zap.Error(cerr))
	}
}

func (m *Module) dispatchPBFT(ctx context.Context, msg *consensus.PBFTMessage) {
	if m.currentState == nil || msg.Metadata.Epoch != m.current {
		return
	}
	sg := m.currentState.SegmentOwning(msg.Metadata.Block)
	if sg == nil {
		return
	}
	if err := sg.Deliver(ctx, msg); err != nil {
		m.logger.Warn("segment rejected message", zap.Stringer("block", msg.Metadata), zap.Error(err))
	}
}

func (m *Module) replayFutureQueue(ctx context.Context) {
	if len(m.futureQueue) == 0 {
		return
	}
	pending := m.futureQueue
	m.futureQueue = nil
	for _, msg := range pending {
		m.handleUnverifiedPBFT(ctx, msg)
	}
}

func (m *Module) maybeTriggerCatchUp(ctx context.Context) {
	if m.catchingUp {
		return
	}
	members, ok := m.resolveMembership(m.current)
	if !ok {
		return
	}
	target, should := m.detector.ShouldCatchUp(m.current, members)
	if !should || !m.detector.Allow() {
		return
	}
	m.triggerCatchUpTo(ctx, target)
}

func (m *Module) triggerCatchUpTo(ctx context.Context, target consensus.EpochNr) {
	m.catchingUp = true
	if m.metrics != nil {
		m.metrics.CatchUpRounds.Inc()
	}
	m.stClient = statetransfer.NewClient(consensus.Membership{Self: m.cfg.Self}, m.network, m.resolveMembership, m.logger)
	if _, err := m.stClient.Begin(ctx, m.current, target); err != nil {
		m.logger.Error("failed to begin catch-up state transfer", zap.Error(err))
		m.catchingUp = false
	}
}

func (m *Module) handleTransferRequest(ctx context.Context, req *consensus.BlockTransferRequest) {
	if err := m.stServer.Handle(ctx, req, m.network); err != nil {
		m.logger.Warn("failed to answer state transfer request", zap.String("from", string(req.Sender)), zap.Error(err))
	}
}

func (m *Module) handleTransferResponse(ctx context.Context, resp *consensus.BlockTransferResponse) {
	if m.stClient == nil || !m.stClient.Active() {
		return
	}
	applied, result, err := m.stClient.HandleResponse(resp)
	if err != nil {
		m.logger.Warn("rejected state transfer response", zap.String("from", string(resp.Responder)), zap.Error(err))
		return
	}
	for _, epoch := range applied {
		m.applyTransferredEpoch(ctx, epoch)
	}
	if result == statetransfer.Completed {
		m.catchingUp = false
		m.detector.Reset()
		if pending, ok := m.pendingTopology[m.current+1]; ok {
			delete(m.pendingTopology, m.current+1)
			m.handleNewEpochTopology(ctx, pending)
		}
	}
}

func (m *Module) applyTransferredEpoch(ctx context.Context, epoch consensus.CompletedEpoch) {
	m.pipeToSelf(func() (consensus.Event, error) {
		if err := m.store.CompleteEpoch(ctx, epoch); err != nil {
			return nil, fmt.Errorf("persist transferred epoch %d: %w", epoch.Info.Nr, err)
		}
		return consensus.CompleteEpochStored{Epoch: epoch.Info.Nr}, nil
	})
	if m.metrics != nil {
		m.metrics.BlocksOrdered.Add(float64(len(epoch.Blocks)))
	}
	for i, block := range epoch.Blocks {
		out := consensus.OrderedBlockForOutput{
			Block:         block,
			Provenance:    consensus.FromStateTransfer,
			IsLastInEpoch: i == len(epoch.Blocks)-1,
		}
		m.pipeToSelf(func() (consensus.Event, error) {
			if err := m.output.Deliver(ctx, out); err != nil {
				return nil, fmt.Errorf("deliver transferred block %s: %w", out.Block.Metadata, err)
			}
			return nil, nil
		})
	}
	m.current = epoch.Info.Nr + 1
}

func (m *Module) handleAdminGetTopology(e consensus.AdminGetTopology) {
	peers := []consensus.PeerID(nil)
	if view, ok := m.epochViews[m.current]; ok {
		peers = view.Info.Topology.Sorted()
	}
	e.Reply <- consensus.AdminTopologyInfo{CurrentEpoch: m.current, Peers: peers}
}
