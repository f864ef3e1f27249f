package segment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/issordering/internal/consensus"
)

// fakeNetwork delivers broadcasts synchronously to every member's segment,
// including the sender, mirroring a single-process four-node cluster.
type fakeNetwork struct {
	mu       sync.Mutex
	segments map[consensus.PeerID]*Segment
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{segments: make(map[consensus.PeerID]*Segment)}
}

func (n *fakeNetwork) register(peer consensus.PeerID, s *Segment) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.segments[peer] = s
}

func (n *fakeNetwork) Send(ctx context.Context, to consensus.PeerID, msg consensus.Message) error {
	n.mu.Lock()
	target, ok := n.segments[to]
	n.mu.Unlock()
	if !ok {
		return nil
	}
	return target.Deliver(ctx, msg.(*consensus.PBFTMessage))
}

func (n *fakeNetwork) Broadcast(ctx context.Context, msg consensus.Message) error {
	n.mu.Lock()
	targets := make([]*Segment, 0, len(n.segments))
	for _, s := range n.segments {
		targets = append(targets, s)
	}
	n.mu.Unlock()
	pbft := msg.(*consensus.PBFTMessage)
	for _, s := range targets {
		if err := s.Deliver(ctx, pbft); err != nil {
			return err
		}
	}
	return nil
}

// fakeCrypto signs with the sender's name as the "signature" and accepts
// any signature, since segment tests exercise protocol logic, not
// cryptography (that is validator's job).
type fakeCrypto struct{ self consensus.PeerID }

func (c fakeCrypto) Sign(data []byte) ([]byte, error) { return []byte(c.self), nil }
func (c fakeCrypto) Verify(data, signature []byte, signer consensus.PeerID) error { return nil }

type fakeReporter struct {
	mu      sync.Mutex
	ordered []*consensus.OrderedBlock
}

func (r *fakeReporter) ReportBlockOrdered(ctx context.Context, block *consensus.OrderedBlock, commits []*consensus.PBFTMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ordered = append(r.ordered, block)
}

func (r *fakeReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ordered)
}

func fourPeerCluster(t *testing.T, timeout time.Duration) (map[consensus.PeerID]*Segment, map[consensus.PeerID]*fakeReporter, *fakeNetwork) {
	t.Helper()
	peers := []consensus.PeerID{"a", "b", "c", "d"}
	topology := consensus.Topology{Peers: peers}
	spec := consensus.Segment{EpochNr: 0, OriginalLeader: "a", Slots: []consensus.BlockNr{0, 1, 2}}

	net := newFakeNetwork()
	segments := make(map[consensus.PeerID]*Segment)
	reporters := make(map[consensus.PeerID]*fakeReporter)
	for _, p := range peers {
		members := consensus.Membership{Self: p, Topology: topology}
		reporter := &fakeReporter{}
		s := New(spec, members, Config{InitialViewTimeout: timeout}, fakeCrypto{self: p}, net, reporter)
		segments[p] = s
		reporters[p] = reporter
		net.register(p, s)
	}
	return segments, reporters, net
}

func TestSegment_HappyPathOrdersBlockOnEveryPeer(t *testing.T) {
	segments, reporters, _ := fourPeerCluster(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, segments["a"].Propose(ctx, 0, []byte("payload-0")))

	for peer, r := range reporters {
		require.Equal(t, 1, r.count(), "peer %s should have ordered exactly one block", peer)
		assert.Equal(t, consensus.BlockNr(0), r.ordered[0].Metadata.Block)
		assert.Equal(t, consensus.PeerID("a"), r.ordered[0].OriginalLeader)
	}
}

func TestSegment_DuplicatePrePrepareIsIdempotent(t *testing.T) {
	segments, reporters, _ := fourPeerCluster(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, segments["a"].Propose(ctx, 0, []byte("payload-0")))
	firstCount := reporters["b"].count()

	// Re-deliver the already-applied pre-prepare to "b": same digest must
	// be a no-op, not a second report.
	ppCopy := *segments["b"].slots[0].prePrepares[0]
	require.NoError(t, segments["b"].Deliver(ctx, &ppCopy))
	assert.Equal(t, firstCount, reporters["b"].count())
}

func TestSegment_ConflictingPrePrepareDigestIsRejected(t *testing.T) {
	segments, _, _ := fourPeerCluster(t, time.Hour)
	ctx := context.Background()
	require.NoError(t, segments["a"].Propose(ctx, 0, []byte("payload-0")))

	forged := *segments["b"].slots[0].prePrepares[0]
	forged.Digest = "not-the-real-digest"
	err := segments["b"].Deliver(ctx, &forged)
	assert.Error(t, err)
}

func TestSegment_ViewChangeOnLeaderSilence(t *testing.T) {
	segments, reporters, _ := fourPeerCluster(t, 20*time.Millisecond)
	ctx := context.Background()

	for _, s := range segments {
		s.Start(ctx)
	}

	require.Eventually(t, func() bool {
		for _, r := range reporters {
			if r.count() == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "segment never ordered slot 0 after leader silence")

	for peer, r := range reporters {
		require.Len(t, r.ordered, 1, "peer %s", peer)
		assert.NotEqual(t, consensus.ViewNr(0), r.ordered[0].Commits[0].View, "block should be ordered at a view beyond the silent leader's")
	}
}

func TestSegment_PreparedRequiresTwoFPlusOneMatchingPreparesIncludingOwn(t *testing.T) {
	peers := []consensus.PeerID{"a", "b", "c", "d"}
	topology := consensus.Topology{Peers: peers}
	spec := consensus.Segment{EpochNr: 0, OriginalLeader: "a", Slots: []consensus.BlockNr{0, 1, 2}}
	members := consensus.Membership{Self: "a", Topology: topology}

	// Network with only "a" registered: broadcasts land solely on "a"
	// itself, so the only prepare counted automatically is its own; every
	// other peer's prepare must be delivered explicitly below.
	net := newFakeNetwork()
	reporter := &fakeReporter{}
	s := New(spec, members, Config{InitialViewTimeout: time.Hour}, fakeCrypto{self: "a"}, net, reporter)
	net.register("a", s)
	ctx := context.Background()

	require.NoError(t, s.Propose(ctx, 0, []byte("payload-0")))
	require.Equal(t, PrePrepared, s.slots[0].phase, "own prepare alone (f+1-1 of 2f+1) must not be enough")

	prepareFrom := func(sender consensus.PeerID) *consensus.PBFTMessage {
		return &consensus.PBFTMessage{
			Kind:     consensus.KindPrepare,
			Metadata: consensus.BlockMetadata{Epoch: 0, Block: 0},
			View:     0,
			Sender:   sender,
			Digest:   s.slots[0].prePrepares[0].Digest,
		}
	}

	require.NoError(t, s.Deliver(ctx, prepareFrom("b")))
	assert.Equal(t, PrePrepared, s.slots[0].phase, "2 of 2f+1=3 matching prepares must not reach Prepared")

	require.NoError(t, s.Deliver(ctx, prepareFrom("c")))
	assert.Equal(t, Prepared, s.slots[0].phase, "3 matching prepares (own + 2 peers) must reach Prepared")
}

func TestSegment_ByzantineMinorityCommitMismatchStillReachesQuorum(t *testing.T) {
	segments, reporters, _ := fourPeerCluster(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, segments["a"].Propose(ctx, 0, []byte("payload-0")))

	// A lone Byzantine commit for the wrong digest at peer "d" must not
	// prevent (or corrupt) the honest quorum's decision.
	forged := consensus.PBFTMessage{
		Kind:     consensus.KindCommit,
		Metadata: consensus.BlockMetadata{Epoch: 0, Block: 0},
		View:     0,
		Sender:   "d",
		Digest:   "bogus",
	}
	_ = segments["a"].Deliver(ctx, &forged)

	for peer, r := range reporters {
		require.Len(t, r.ordered, 1, "peer %s", peer)
		assert.Equal(t, "payload-0", string(r.ordered[0].Payload))
	}
}
