// Package apperrors classifies the error kinds the ISS core can raise and
// the disposition each kind carries, per the error-handling design: no
// error is retried implicitly, and only a handful of kinds ever reach a
// log line or a fatal exit.
package apperrors

import "fmt"

// Code names an error kind.
type Code string

const (
	CodeStaleMessage        Code = "STALE_MESSAGE"
	CodeMalformedMessage    Code = "MALFORMED_MESSAGE"
	CodeInvalidSignature    Code = "INVALID_SIGNATURE"
	CodeOutOfTopology       Code = "OUT_OF_TOPOLOGY"
	CodeOutOfBoundsBlock    Code = "OUT_OF_BOUNDS_BLOCK"
	CodeFutureEpoch         Code = "FUTURE_EPOCH"
	CodeStorageFailure      Code = "STORAGE_FAILURE"
	CodeProtocolImpossible  Code = "PROTOCOL_IMPOSSIBLE"
)

// Disposition is what the module does upon encountering an error of a
// given Code.
type Disposition int

const (
	// DispositionDiscard drops the message with no metric: expected churn
	// (stale epoch/view), not a compliance violation.
	DispositionDiscard Disposition = iota
	// DispositionDropWithMetric drops the message and emits a
	// non-compliance metric labeled by the offending sender/epoch/view/block.
	DispositionDropWithMetric
	// DispositionEnqueue defers the message to the future-message queue;
	// it may trigger catch-up.
	DispositionEnqueue
	// DispositionFatal means the node must log and terminate: storage is
	// authoritative, or an invariant was violated.
	DispositionFatal
)

// Dispositions maps every Code to its handling per spec.md §7.
var Dispositions = map[Code]Disposition{
	CodeStaleMessage:       DispositionDiscard,
	CodeMalformedMessage:   DispositionDropWithMetric,
	CodeInvalidSignature:   DispositionDropWithMetric,
	CodeOutOfTopology:      DispositionDropWithMetric,
	CodeOutOfBoundsBlock:   DispositionDropWithMetric,
	CodeFutureEpoch:        DispositionEnqueue,
	CodeStorageFailure:     DispositionFatal,
	CodeProtocolImpossible: DispositionFatal,
}

// MessageContext carries the (sender, epoch, view, block) label the spec
// requires on every non-compliance metric and fatal log line.
type MessageContext struct {
	Sender string
	Epoch  uint64
	View   uint64
	Block  uint64
}

// ConsensusError is the error type every disposable condition in the core
// is wrapped in before it reaches a dispatch site.
type ConsensusError struct {
	Code    Code
	Message string
	Context MessageContext
	Cause   error
}

func (e *ConsensusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ConsensusError) Unwrap() error { return e.Cause }

// Disposition returns how the core must handle this error.
func (e *ConsensusError) Disposition() Disposition {
	if d, ok := Dispositions[e.Code]; ok {
		return d
	}
	return DispositionDropWithMetric
}

func New(code Code, message string, ctx MessageContext) *ConsensusError {
	return &ConsensusError{Code: code, Message: message, Context: ctx}
}

func Wrap(code Code, message string, ctx MessageContext, cause error) *ConsensusError {
	return &ConsensusError{Code: code, Message: message, Context: ctx, Cause: cause}
}
