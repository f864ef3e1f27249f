package consensus

import "context"

// EpochStore is the persistent epoch store consumed by the consensus
// module (spec.md §6). Implementations must make startEpoch durable before
// NewEpochStored is acted upon, and completeEpoch durable before
// CompleteEpochStored is acted upon; see the pipeToSelf pattern in module.go.
type EpochStore interface {
	// StartEpoch persists that a new epoch has begun.
	StartEpoch(ctx context.Context, info EpochInfo) error
	// CompleteEpoch persists epoch completion with its last block's
	// commit messages.
	CompleteEpoch(ctx context.Context, epoch CompletedEpoch) error
	// LatestCompletedEpoch reads the latest completed epoch at startup.
	LatestCompletedEpoch(ctx context.Context) (EpochInfo, error)
	// EpochInProgress reads crash-recovery state for the given epoch: its
	// completed blocks and the PBFT messages for any incomplete blocks.
	EpochInProgress(ctx context.Context, epoch EpochNr) (EpochInProgress, error)
	// CompletedEpochRecord reads back a previously persisted CompletedEpoch,
	// used to answer peers' state-transfer requests.
	CompletedEpochRecord(ctx context.Context, epoch EpochNr) (CompletedEpoch, error)
}

// EpochInProgress is what the epoch store returns for crash recovery.
type EpochInProgress struct {
	Info             EpochInfo
	CompletedBlocks  []*OrderedBlock
	IncompleteBlocks map[BlockNr][]*PBFTMessage
}

// CryptoProvider signs and verifies messages on behalf of one epoch. A
// distinct provider instance is bound to each epoch, since keys may change
// across epochs.
type CryptoProvider interface {
	Sign(data []byte) ([]byte, error)
	Verify(data []byte, signature []byte, signer PeerID) error
}

// Network is the send/broadcast collaborator consumed by the core.
// Broadcast sends to every peer in the active topology excluding self.
type Network interface {
	Send(ctx context.Context, to PeerID, msg Message) error
	Broadcast(ctx context.Context, msg Message) error
}

// Message is anything the Network can carry: a PBFT message or a
// state-transfer request/response, tagged so the receiving peer's
// validator and dispatcher can route it.
type Message interface {
	isConsensusMessage()
}

// OutputSink receives decided blocks asynchronously and eventually answers
// with the next epoch's topology and crypto provider.
type OutputSink interface {
	Deliver(ctx context.Context, block OrderedBlockForOutput) error
}

// SequencerSnapshot is what an onboarding node is initialized with: it
// names the epoch this peer should start state-transferring from.
type SequencerSnapshot struct {
	StartEpoch EpochNr
}
