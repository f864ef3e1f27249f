// Package output provides the reference consensus.OutputSink: a sink that
// logs every decided block. A production deployment would instead forward
// blocks to an application and feed back NewEpochTopology events for
// reconfiguration (spec.md §4.2 "Output"); this node runs a single static
// genesis topology instead (see cmd/issnode).
package output

import (
	"context"

	"go.uber.org/zap"

	"github.com/ruvnet/issordering/internal/consensus"
)

// LogSink implements consensus.OutputSink by logging each decided block.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("output.logsink")}
}

// Deliver implements consensus.OutputSink.
func (s *LogSink) Deliver(ctx context.Context, block consensus.OrderedBlockForOutput) error {
	s.logger.Info("block ordered",
		zap.Stringer("block", block.Block.Metadata),
		zap.String("original_leader", string(block.Block.OriginalLeader)),
		zap.Bool("is_last_in_epoch", block.IsLastInEpoch),
		zap.String("provenance", provenanceString(block.Provenance)),
		zap.Int("payload_bytes", len(block.Block.Payload)),
	)
	return nil
}

func provenanceString(p consensus.Provenance) string {
	switch p {
	case consensus.FromConsensus:
		return "consensus"
	case consensus.FromStateTransfer:
		return "state_transfer"
	default:
		return "unknown"
	}
}
