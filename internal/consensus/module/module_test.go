package module

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/ruvnet/issordering/internal/consensus"
	"github.com/ruvnet/issordering/internal/consensus/segment"
)

type fakeCrypto struct{ self consensus.PeerID }

func (c fakeCrypto) Sign(data []byte) ([]byte, error) { return []byte(c.self), nil }
func (c fakeCrypto) Verify(data, signature []byte, signer consensus.PeerID) error { return nil }

type fakeNetwork struct {
	mods       map[consensus.PeerID]*Module
	broadcasts []consensus.Message
}

func newFakeNetwork() *fakeNetwork { return &fakeNetwork{mods: make(map[consensus.PeerID]*Module)} }

func (n *fakeNetwork) register(self consensus.PeerID, m *Module) { n.mods[self] = m }

func (n *fakeNetwork) Send(ctx context.Context, to consensus.PeerID, msg consensus.Message) error {
	if m, ok := n.mods[to]; ok {
		m.Post(toEvent(msg))
	}
	return nil
}

func (n *fakeNetwork) Broadcast(ctx context.Context, msg consensus.Message) error {
	n.broadcasts = append(n.broadcasts, msg)
	for _, m := range n.mods {
		m.Post(toEvent(msg))
	}
	return nil
}

// toEvent mirrors the routing grpcnet's server performs: a PBFT message
// arrives unverified, a state-transfer message dispatches directly.
func toEvent(msg consensus.Message) consensus.Event {
	switch m := msg.(type) {
	case *consensus.PBFTMessage:
		return consensus.UnverifiedPBFTMessage{Msg: m}
	case *consensus.BlockTransferRequest:
		return m
	case *consensus.BlockTransferResponse:
		return m
	default:
		panic("unexpected message type")
	}
}

type fakeOutput struct {
	delivered []consensus.OrderedBlockForOutput
}

func (o *fakeOutput) Deliver(ctx context.Context, block consensus.OrderedBlockForOutput) error {
	o.delivered = append(o.delivered, block)
	return nil
}

type fakeStore struct {
	latest     consensus.EpochInfo
	inProgress map[consensus.EpochNr]consensus.EpochInProgress
}

func (s *fakeStore) StartEpoch(ctx context.Context, info consensus.EpochInfo) error { return nil }
func (s *fakeStore) CompleteEpoch(ctx context.Context, epoch consensus.CompletedEpoch) error {
	return nil
}
func (s *fakeStore) LatestCompletedEpoch(ctx context.Context) (consensus.EpochInfo, error) {
	return s.latest, nil
}
func (s *fakeStore) EpochInProgress(ctx context.Context, epoch consensus.EpochNr) (consensus.EpochInProgress, error) {
	progress, ok := s.inProgress[epoch]
	if !ok {
		return consensus.EpochInProgress{}, assert.AnError
	}
	return progress, nil
}
func (s *fakeStore) CompletedEpochRecord(ctx context.Context, epoch consensus.EpochNr) (consensus.CompletedEpoch, error) {
	return consensus.CompletedEpoch{}, nil
}

func testConfig(self consensus.PeerID) Config {
	return Config{
		Self:              self,
		Segment:           segment.Config{InitialViewTimeout: 50 * time.Millisecond},
		CatchUpThreshold:  2,
		CatchUpRatePerSec: rate.Inf,
		CatchUpBurst:      4,
	}
}

func threePeerCluster(t *testing.T) (map[consensus.PeerID]*Module, *fakeNetwork, map[consensus.PeerID]*fakeOutput) {
	t.Helper()
	peers := []consensus.PeerID{"a", "b", "c"}
	net := newFakeNetwork()
	mods := make(map[consensus.PeerID]*Module)
	outs := make(map[consensus.PeerID]*fakeOutput)
	for _, p := range peers {
		out := &fakeOutput{}
		m := New(testConfig(p), &fakeStore{}, net, out)
		mods[p] = m
		outs[p] = out
		net.register(p, m)
	}
	return mods, net, outs
}

func runAll(ctx context.Context, mods map[consensus.PeerID]*Module) {
	for _, m := range mods {
		go m.Run(ctx)
	}
}

func TestModule_GenesisTopologyActivatesEpochZeroOnEveryNode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mods, _, _ := threePeerCluster(t)
	runAll(ctx, mods)

	topology := consensus.Topology{Peers: []consensus.PeerID{"a", "b", "c"}, ActivationTime: time.Now()}
	for self, m := range mods {
		m.Post(consensus.NewEpochTopology{Nr: 0, Topology: topology, Crypto: fakeCrypto{self: self}})
	}

	require.Eventually(t, func() bool {
		for _, m := range mods {
			reply := make(chan consensus.AdminTopologyInfo, 1)
			m.Post(consensus.AdminGetTopology{Reply: reply})
			info := <-reply
			if info.CurrentEpoch != 0 || len(info.Peers) != 3 {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

func TestModule_ProposalOrdersBlockAndDeliversToOutput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mods, _, outs := threePeerCluster(t)
	runAll(ctx, mods)

	topology := consensus.Topology{Peers: []consensus.PeerID{"a", "b", "c"}, ActivationTime: time.Now()}
	for self, m := range mods {
		m.Post(consensus.NewEpochTopology{Nr: 0, Topology: topology, Crypto: fakeCrypto{self: self}})
	}

	require.Eventually(t, func() bool {
		reply := make(chan consensus.AdminTopologyInfo, 1)
		mods["a"].Post(consensus.AdminGetTopology{Reply: reply})
		return (<-reply).CurrentEpoch == 0
	}, time.Second, 10*time.Millisecond)

	mods["a"].Post(consensus.ProposalCreated{Epoch: 0, Payload: []byte("hello")})

	require.Eventually(t, func() bool {
		for _, out := range outs {
			if len(out.delivered) == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	for self, out := range outs {
		require.Len(t, out.delivered, 1, "node %s", self)
		assert.Equal(t, []byte("hello"), out.delivered[0].Block.Payload)
		assert.Equal(t, consensus.FromConsensus, out.delivered[0].Provenance)
	}
}

func TestModule_StartWithNoCompletedEpochsAwaitsGenesis(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &fakeOutput{}
	net := newFakeNetwork()
	m := New(testConfig("a"), &fakeStore{latest: consensus.EpochInfo{Nr: consensus.GenesisEpoch}}, net, out)
	net.register("a", m)
	go m.Run(ctx)

	m.Post(consensus.Start{})

	reply := make(chan consensus.AdminTopologyInfo, 1)
	m.Post(consensus.AdminGetTopology{Reply: reply})
	info := <-reply
	assert.Equal(t, consensus.EpochNr(0), info.CurrentEpoch)
	assert.Empty(t, info.Peers)
}

func TestModule_StartResumesInProgressEpochAfterRestart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topology := consensus.Topology{Peers: []consensus.PeerID{"a", "b", "c"}, ActivationTime: time.Now()}
	inProgress := consensus.EpochInfo{Nr: 1, StartBlock: 3, Length: 3, Topology: topology}
	store := &fakeStore{
		latest:     consensus.EpochInfo{Nr: 0, StartBlock: 0, Length: 3, Topology: topology},
		inProgress: map[consensus.EpochNr]consensus.EpochInProgress{1: {Info: inProgress}},
	}

	cfg := testConfig("a")
	cfg.Crypto = fakeCrypto{self: "a"}
	out := &fakeOutput{}
	net := newFakeNetwork()
	m := New(cfg, store, net, out)
	net.register("a", m)
	go m.Run(ctx)

	m.Post(consensus.Start{})

	require.Eventually(t, func() bool {
		reply := make(chan consensus.AdminTopologyInfo, 1)
		m.Post(consensus.AdminGetTopology{Reply: reply})
		info := <-reply
		return info.CurrentEpoch == 1 && len(info.Peers) == 3
	}, time.Second, 10*time.Millisecond, "a restarted node must rebuild the epoch that was in progress, not stay wedged on epoch 0")
}

func TestModule_StartWithNoEpochInProgressAwaitsNextTopology(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	topology := consensus.Topology{Peers: []consensus.PeerID{"a", "b", "c"}, ActivationTime: time.Now()}
	store := &fakeStore{
		latest:     consensus.EpochInfo{Nr: 0, StartBlock: 0, Length: 3, Topology: topology},
		inProgress: map[consensus.EpochNr]consensus.EpochInProgress{},
	}
	out := &fakeOutput{}
	net := newFakeNetwork()
	m := New(testConfig("a"), store, net, out)
	net.register("a", m)
	go m.Run(ctx)

	m.Post(consensus.Start{})

	reply := make(chan consensus.AdminTopologyInfo, 1)
	m.Post(consensus.AdminGetTopology{Reply: reply})
	info := <-reply
	assert.Equal(t, consensus.EpochNr(0), info.CurrentEpoch)
	assert.Empty(t, info.Peers)
}

func TestModule_StartOnboardsViaStateTransferWhenSnapshotGiven(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &fakeOutput{}
	net := newFakeNetwork()
	m := New(testConfig("a"), &fakeStore{}, net, out)
	net.register("a", m)
	go m.Run(ctx)

	m.Post(consensus.Start{Snapshot: &consensus.SequencerSnapshot{StartEpoch: 3}})

	require.Eventually(t, func() bool {
		return len(net.broadcasts) == 1
	}, time.Second, 10*time.Millisecond)

	req, ok := net.broadcasts[0].(*consensus.BlockTransferRequest)
	require.True(t, ok)
	assert.Equal(t, consensus.EpochNr(3), req.From)
}

func TestModule_TopologyAnnouncedAheadOfCurrentEpochTriggersCatchUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &fakeOutput{}
	net := newFakeNetwork()
	m := New(testConfig("a"), &fakeStore{}, net, out)
	net.register("a", m)
	go m.Run(ctx)

	topology := consensus.Topology{Peers: []consensus.PeerID{"a", "b", "c"}, ActivationTime: time.Now()}
	m.Post(consensus.NewEpochTopology{Nr: 5, Topology: topology, Crypto: fakeCrypto{self: "a"}})

	require.Eventually(t, func() bool {
		return len(net.broadcasts) == 1
	}, time.Second, 10*time.Millisecond)

	req, ok := net.broadcasts[0].(*consensus.BlockTransferRequest)
	require.True(t, ok)
	assert.Equal(t, consensus.EpochNr(0), req.From)
}

func TestModule_BlockOrderedForInactiveEpochIsDropped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &fakeOutput{}
	net := newFakeNetwork()
	m := New(testConfig("a"), &fakeStore{}, net, out)
	net.register("a", m)
	go m.Run(ctx)

	block := &consensus.OrderedBlock{Metadata: consensus.BlockMetadata{Epoch: 7, Block: 0}}
	m.Post(consensus.BlockOrdered{Block: block})

	reply := make(chan consensus.AdminTopologyInfo, 1)
	m.Post(consensus.AdminGetTopology{Reply: reply})
	<-reply

	assert.Empty(t, out.delivered)
}
