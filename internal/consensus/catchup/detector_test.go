package catchup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"

	"github.com/ruvnet/issordering/internal/consensus"
)

func membershipOf(peers ...consensus.PeerID) consensus.Membership {
	return consensus.Membership{Self: peers[0], Topology: consensus.Topology{Peers: peers}}
}

func TestDetector_ShouldCatchUpWhenWeakQuorumAheadPastThreshold(t *testing.T) {
	d := New(2, rate.Inf, 1)
	members := membershipOf("a", "b", "c", "d")

	d.Observe("b", 5)
	d.Observe("c", 5)

	target, should := d.ShouldCatchUp(2, members)
	assert.True(t, should)
	assert.Equal(t, consensus.EpochNr(5), target)
}

func TestDetector_DoesNotCatchUpBelowThreshold(t *testing.T) {
	d := New(2, rate.Inf, 1)
	members := membershipOf("a", "b", "c", "d")

	d.Observe("b", 3)
	d.Observe("c", 3)

	_, should := d.ShouldCatchUp(2, members)
	assert.False(t, should)
}

func TestDetector_DoesNotCatchUpWithoutWeakQuorum(t *testing.T) {
	d := New(2, rate.Inf, 1)
	members := membershipOf("a", "b", "c", "d")

	// Only one peer (need weak quorum = f+1 = 2) observed ahead.
	d.Observe("b", 10)

	_, should := d.ShouldCatchUp(2, members)
	assert.False(t, should)
}

func TestDetector_AllowRespectsRateLimit(t *testing.T) {
	d := New(2, rate.Limit(0), 1)
	assert.True(t, d.Allow(), "the initial burst token should be available")
	assert.False(t, d.Allow(), "a zero refill rate must not allow a second request")
}

func TestDetector_ResetClearsObservations(t *testing.T) {
	d := New(2, rate.Inf, 1)
	members := membershipOf("a", "b", "c", "d")
	d.Observe("b", 5)
	d.Observe("c", 5)
	d.Reset()

	_, should := d.ShouldCatchUp(2, members)
	assert.False(t, should)
}
