package statetransfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/issordering/internal/consensus"
)

type fakeStore struct {
	latest  consensus.EpochInfo
	records map[consensus.EpochNr]consensus.CompletedEpoch
}

func (s *fakeStore) StartEpoch(ctx context.Context, info consensus.EpochInfo) error { return nil }
func (s *fakeStore) CompleteEpoch(ctx context.Context, epoch consensus.CompletedEpoch) error {
	return nil
}
func (s *fakeStore) LatestCompletedEpoch(ctx context.Context) (consensus.EpochInfo, error) {
	return s.latest, nil
}
func (s *fakeStore) EpochInProgress(ctx context.Context, epoch consensus.EpochNr) (consensus.EpochInProgress, error) {
	return consensus.EpochInProgress{}, nil
}
func (s *fakeStore) CompletedEpochRecord(ctx context.Context, epoch consensus.EpochNr) (consensus.CompletedEpoch, error) {
	rec, ok := s.records[epoch]
	if !ok {
		return consensus.CompletedEpoch{}, assert.AnError
	}
	return rec, nil
}

func TestServer_HandleSendsOneResponsePerCompletedEpoch(t *testing.T) {
	commit := &consensus.PBFTMessage{Kind: consensus.KindCommit, Digest: "d0", Sender: "a"}
	store := &fakeStore{
		latest: consensus.EpochInfo{Nr: 2},
		records: map[consensus.EpochNr]consensus.CompletedEpoch{
			0: {Info: consensus.EpochInfo{Nr: 0, StartBlock: 0, Length: 3}, LastCommits: []*consensus.PBFTMessage{commit}},
			1: {Info: consensus.EpochInfo{Nr: 1, StartBlock: 3, Length: 3}, LastCommits: []*consensus.PBFTMessage{commit}},
			2: {Info: consensus.EpochInfo{Nr: 2, StartBlock: 6, Length: 3}, LastCommits: []*consensus.PBFTMessage{commit}},
		},
	}
	net := &recordingNetwork{}
	s := NewServer("responder", store, nil)

	err := s.Handle(context.Background(), &consensus.BlockTransferRequest{From: 0, Sender: "requester"}, sendOnlyNetwork{net})
	require.NoError(t, err)
	assert.Len(t, net.broadcasts, 3)
}

func TestServer_HandleSkipsWhenRequesterIsAhead(t *testing.T) {
	store := &fakeStore{latest: consensus.EpochInfo{Nr: 1}, records: map[consensus.EpochNr]consensus.CompletedEpoch{}}
	net := &recordingNetwork{}
	s := NewServer("responder", store, nil)

	err := s.Handle(context.Background(), &consensus.BlockTransferRequest{From: 5, Sender: "requester"}, sendOnlyNetwork{net})
	require.NoError(t, err)
	assert.Empty(t, net.broadcasts)
}

// sendOnlyNetwork adapts recordingNetwork's Broadcast-only recording to
// Server.Handle's per-recipient Send calls.
type sendOnlyNetwork struct{ n *recordingNetwork }

func (s sendOnlyNetwork) Send(ctx context.Context, to consensus.PeerID, msg consensus.Message) error {
	s.n.broadcasts = append(s.n.broadcasts, msg)
	return nil
}

func (s sendOnlyNetwork) Broadcast(ctx context.Context, msg consensus.Message) error { return nil }
