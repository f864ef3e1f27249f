package consensus

// Event is anything the consensus module's single-threaded deliver loop
// can process: internal lifecycle events, protocol messages, local
// availability notices, and administrative probes (spec.md §4.1).
type Event interface {
	isEvent()
}

// Start kicks off the module: onboarding detection, genesis bootstrap, or
// resuming an in-progress epoch, per spec.md §4.1 "Startup".
type Start struct {
	Snapshot *SequencerSnapshot // nil unless this node is onboarding
}

func (Start) isEvent() {}

// NewEpochTopology is delivered by the output sink (or self-delivered to
// bootstrap Genesis) to announce the topology and crypto provider for
// epoch Nr.
type NewEpochTopology struct {
	Nr       EpochNr
	Topology Topology
	Crypto   CryptoProvider
}

func (NewEpochTopology) isEvent() {}

// NewEpochStored confirms that EpochStore.StartEpoch has durably
// completed for Info, delivered via the pipeToSelf pattern.
type NewEpochStored struct {
	Info EpochInfo
}

func (NewEpochStored) isEvent() {}

// CompleteEpochStored confirms that EpochStore.CompleteEpoch has durably
// completed for Epoch.
type CompleteEpochStored struct {
	Epoch EpochNr
}

func (CompleteEpochStored) isEvent() {}

// BlockOrdered is delivered by a segment module exactly once per decided
// block.
type BlockOrdered struct {
	Block   *OrderedBlock
	Commits []*PBFTMessage
}

func (BlockOrdered) isEvent() {}

// AsyncException reports that an asynchronous operation (storage I/O,
// signature verification) failed in a way the core cannot recover from.
type AsyncException struct {
	Err error
}

func (AsyncException) isEvent() {}

// ProposalCreated is a locally-available payload ready to be proposed for
// the next free slot in the named epoch's active segment.
type ProposalCreated struct {
	Epoch   EpochNr
	Payload []byte
}

func (ProposalCreated) isEvent() {}

// VerifiedPBFTMessage wraps a PBFT message that has already passed
// signature verification, ready for dispatch.
type VerifiedPBFTMessage struct {
	Msg *PBFTMessage
}

func (VerifiedPBFTMessage) isEvent() {}

// UnverifiedPBFTMessage wraps a PBFT message as received off the wire,
// still needing validation before it can be dispatched.
type UnverifiedPBFTMessage struct {
	Msg *PBFTMessage
}

func (UnverifiedPBFTMessage) isEvent() {}

func (*PBFTMessage) isConsensusMessage() {}

// BlockTransferRequest asks a peer for every completed epoch from From
// onward. Sent to a weak quorum of the active membership.
type BlockTransferRequest struct {
	From   EpochNr
	Sender PeerID
}

func (BlockTransferRequest) isEvent()           {}
func (*BlockTransferRequest) isConsensusMessage() {}

// BlockTransferResponse answers a BlockTransferRequest for a single epoch.
// It is self-authenticating: CommitCertificate must be valid under the
// topology of Epoch.
type BlockTransferResponse struct {
	Epoch             EpochNr
	Blocks            []*OrderedBlock
	CommitCertificate CommitCertificate
	Responder         PeerID
}

func (BlockTransferResponse) isEvent()           {}
func (*BlockTransferResponse) isConsensusMessage() {}

// AdminGetTopology is the admin probe request: getOrderingTopology().
type AdminGetTopology struct {
	Reply chan<- AdminTopologyInfo
}

func (AdminGetTopology) isEvent() {}

// AdminTopologyInfo answers AdminGetTopology.
type AdminTopologyInfo struct {
	CurrentEpoch EpochNr
	Peers        []PeerID
}
