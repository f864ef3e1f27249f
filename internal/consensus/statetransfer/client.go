// Package statetransfer implements both sides of bulk epoch catch-up:
// the client that fetches completed epochs from peers and the server
// that answers such requests from local storage (spec.md §4.4
// "State-Transfer Manager").
package statetransfer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ruvnet/issordering/internal/consensus"
)

// Result classifies the outcome of feeding a response into the client.
type Result int

const (
	// Continue means more epochs are still outstanding.
	Continue Result = iota
	// Completed means the requested range has been fully transferred.
	Completed
	// NothingToTransfer means the client was never behind to begin with.
	NothingToTransfer
)

// TopologyResolver answers what membership governed a given epoch, so the
// client can validate that epoch's commit certificate without having
// lived through it. The orchestrator supplies this from its own epoch
// history (spec.md §4.4 "Response validation").
type TopologyResolver func(consensus.EpochNr) (consensus.Membership, bool)

// Client drives one catch-up round: request completed epochs from From
// up to (but not including) an exclusive upper bound, and apply them to
// the local store strictly in epoch order.
type Client struct {
	members  consensus.Membership
	network  consensus.Network
	resolve  TopologyResolver
	logger   *zap.Logger

	active  bool
	next    consensus.EpochNr
	stopAt  consensus.EpochNr // exclusive
	pending map[consensus.EpochNr]*consensus.BlockTransferResponse
}

// NewClient builds a Client. members is this node's own membership, used
// to size the weak quorum of peers the request fans out to.
func NewClient(members consensus.Membership, network consensus.Network, resolve TopologyResolver, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		members: members,
		network: network,
		resolve: resolve,
		logger:  logger.Named("statetransfer.client"),
		pending: make(map[consensus.EpochNr]*consensus.BlockTransferResponse),
	}
}

// Begin starts (or restarts) a catch-up round covering [from, target).
// If from >= target, there is nothing to do and NothingToTransfer is
// returned without sending any request.
func (c *Client) Begin(ctx context.Context, from, target consensus.EpochNr) (Result, error) {
	if from >= target {
		return NothingToTransfer, nil
	}
	c.active = true
	c.next = from
	c.stopAt = target
	c.pending = make(map[consensus.EpochNr]*consensus.BlockTransferResponse)

	req := &consensus.BlockTransferRequest{From: from, Sender: c.members.Self}
	// Broadcasting rather than targeting a weak quorum by name keeps the
	// client simple; the server side is idempotent and a weak quorum of
	// honest responders is still guaranteed to answer.
	if err := c.network.Broadcast(ctx, req); err != nil {
		return Continue, fmt.Errorf("broadcast block transfer request: %w", err)
	}
	return Continue, nil
}

// Active reports whether a catch-up round is in progress.
func (c *Client) Active() bool { return c.active }

// HandleResponse validates and buffers resp, then applies as many
// strictly-ordered completed epochs as are now available. It returns the
// epochs applied, in order, plus the round's current status.
func (c *Client) HandleResponse(resp *consensus.BlockTransferResponse) ([]consensus.CompletedEpoch, Result, error) {
	if !c.active || resp.Epoch < c.next || resp.Epoch >= c.stopAt {
		return nil, Continue, nil // stale, duplicate, or out of range
	}
	topology, ok := c.resolve(resp.Epoch)
	if !ok {
		return nil, Continue, fmt.Errorf("no known topology for epoch %d, cannot validate response", resp.Epoch)
	}
	if !resp.CommitCertificate.Valid(topology) {
		return nil, Continue, fmt.Errorf("epoch %d: invalid commit certificate from %s", resp.Epoch, resp.Responder)
	}
	if resp.CommitCertificate.Metadata.Epoch != resp.Epoch {
		return nil, Continue, fmt.Errorf("epoch %d: commit certificate epoch mismatch", resp.Epoch)
	}
	c.pending[resp.Epoch] = resp

	var applied []consensus.CompletedEpoch
	for {
		r, ok := c.pending[c.next]
		if !ok {
			break
		}
		var startBlock consensus.BlockNr
		if len(r.Blocks) > 0 {
			startBlock = r.Blocks[0].Metadata.Block
		}
		applied = append(applied, consensus.CompletedEpoch{
			Info: consensus.EpochInfo{
				Nr:         r.Epoch,
				StartBlock: startBlock,
				Length:     uint64(len(r.Blocks)),
				Topology:   topology.Topology,
			},
			LastCommits: r.CommitCertificate.Commits,
			Blocks:      r.Blocks,
		})
		delete(c.pending, c.next)
		c.next++
	}
	if c.next >= c.stopAt {
		c.active = false
		return applied, Completed, nil
	}
	return applied, Continue, nil
}
