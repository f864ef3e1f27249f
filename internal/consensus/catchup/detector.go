// Package catchup tracks how far behind this peer is relative to the
// rest of the topology and decides when state transfer should kick in
// (spec.md §4.5 "Catch-up Detector").
package catchup

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/ruvnet/issordering/internal/consensus"
)

// DefaultThreshold is how many epochs behind the weak quorum a peer must
// be observed to lag before catch-up triggers (spec.md §4.5, K >= 2).
const DefaultThreshold = 2

// Detector observes peer epoch claims (carried on the PBFT messages the
// Consensus Module passes to Observe) and decides when this node should stop
// participating in live consensus and fetch completed epochs in bulk.
type Detector struct {
	mu        sync.Mutex
	observed  map[consensus.PeerID]consensus.EpochNr
	threshold uint64
	limiter   *rate.Limiter
}

// New builds a Detector with the given lag threshold K and a rate limiter
// bounding how often ShouldCatchUp may trigger a fresh request burst.
func New(threshold uint64, requestsPerSecond rate.Limit, burst int) *Detector {
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &Detector{
		observed:  make(map[consensus.PeerID]consensus.EpochNr),
		threshold: threshold,
		limiter:   rate.NewLimiter(requestsPerSecond, burst),
	}
}

// Observe records that peer claims to be in (or past) epoch. Only the
// highest epoch seen per peer is retained.
func (d *Detector) Observe(peer consensus.PeerID, epoch consensus.EpochNr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if epoch > d.observed[peer] {
		d.observed[peer] = epoch
	}
}

// ShouldCatchUp reports whether at least a weak quorum of peers have been
// observed at least threshold epochs ahead of self, and if so the lowest
// epoch among that quorum — the epoch this node can safely claim is
// widely available without over-trusting a single fast peer.
func (d *Detector) ShouldCatchUp(self consensus.EpochNr, members consensus.Membership) (consensus.EpochNr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ahead := make([]consensus.EpochNr, 0, len(d.observed))
	for peer, epoch := range d.observed {
		if !members.Topology.Contains(peer) {
			continue
		}
		if epoch >= self+consensus.EpochNr(d.threshold) {
			ahead = append(ahead, epoch)
		}
	}
	if len(ahead) < members.WeakQuorum() {
		return 0, false
	}
	target := ahead[0]
	for _, e := range ahead[1:] {
		if e < target {
			target = e
		}
	}
	return target, true
}

// Allow reports whether a new catch-up request burst may be sent now,
// throttling repeated triggers while a prior round is still in flight.
func (d *Detector) Allow() bool { return d.limiter.Allow() }

// Reset clears observed peer epochs, used after a catch-up round
// completes so stale observations don't immediately re-trigger it.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observed = make(map[consensus.PeerID]consensus.EpochNr)
}
