package statetransfer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ruvnet/issordering/internal/consensus"
)

// Server answers BlockTransferRequest messages from local storage, one
// response per completed epoch at or after the requested starting point.
type Server struct {
	self   consensus.PeerID
	store  consensus.EpochStore
	logger *zap.Logger
}

// NewServer builds a Server bound to store for answering peers' requests.
func NewServer(self consensus.PeerID, store consensus.EpochStore, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{self: self, store: store, logger: logger.Named("statetransfer.server")}
}

// Handle answers req by sending one BlockTransferResponse per completed
// epoch in [req.From, latestCompleted] directly to the requester.
func (s *Server) Handle(ctx context.Context, req *consensus.BlockTransferRequest, network consensus.Network) error {
	latest, err := s.store.LatestCompletedEpoch(ctx)
	if err != nil {
		return fmt.Errorf("read latest completed epoch: %w", err)
	}
	if req.From > latest.Nr {
		return nil // requester is already ahead of us, nothing to answer
	}
	for epoch := req.From; epoch <= latest.Nr; epoch++ {
		record, err := s.store.CompletedEpochRecord(ctx, epoch)
		if err != nil {
			s.logger.Warn("failed to read completed epoch for state transfer",
				zap.Uint64("epoch", uint64(epoch)), zap.Error(err))
			continue
		}
		resp := &consensus.BlockTransferResponse{
			Epoch:  epoch,
			Blocks: record.Blocks,
			CommitCertificate: consensus.CommitCertificate{
				Metadata: consensus.BlockMetadata{Epoch: epoch, Block: record.Info.End() - 1},
				View:     lastCommitView(record.LastCommits),
				Digest:   lastCommitDigest(record.LastCommits),
				Commits:  record.LastCommits,
			},
			Responder: s.self,
		}
		if err := network.Send(ctx, req.Sender, resp); err != nil {
			return fmt.Errorf("send state transfer response for epoch %d: %w", epoch, err)
		}
	}
	return nil
}

func lastCommitView(commits []*consensus.PBFTMessage) consensus.ViewNr {
	if len(commits) == 0 {
		return 0
	}
	return commits[0].View
}

func lastCommitDigest(commits []*consensus.PBFTMessage) string {
	if len(commits) == 0 {
		return ""
	}
	return commits[0].Digest
}
