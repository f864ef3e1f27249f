package validator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/issordering/internal/apperrors"
	"github.com/ruvnet/issordering/internal/consensus"
)

type fakeResolver struct {
	current consensus.EpochNr
	views   map[consensus.EpochNr]EpochView
}

func (r *fakeResolver) CurrentEpoch() consensus.EpochNr { return r.current }
func (r *fakeResolver) EpochView(nr consensus.EpochNr) (EpochView, bool) {
	v, ok := r.views[nr]
	return v, ok
}

type acceptAllCrypto struct{ fail bool }

func (c acceptAllCrypto) Sign(data []byte) ([]byte, error) { return []byte("sig"), nil }
func (c acceptAllCrypto) Verify(data, signature []byte, signer consensus.PeerID) error {
	if c.fail {
		return assert.AnError
	}
	return nil
}

func baseResolver(verifyFails bool) *fakeResolver {
	topology := consensus.Topology{Peers: []consensus.PeerID{"a", "b", "c", "d"}}
	info := consensus.EpochInfo{Nr: 1, StartBlock: 0, Length: 10, Topology: topology}
	return &fakeResolver{
		current: 1,
		views: map[consensus.EpochNr]EpochView{
			1: {Info: info, Members: consensus.Membership{Self: "a", Topology: topology}, Crypto: acceptAllCrypto{fail: verifyFails}},
		},
	}
}

func validPrePrepare() *consensus.PBFTMessage {
	return &consensus.PBFTMessage{
		Kind:      consensus.KindPrePrepare,
		Metadata:  consensus.BlockMetadata{Epoch: 1, Block: 3},
		View:      0,
		Timestamp: time.Now(),
		Sender:    "b",
		Digest:    "deadbeef",
		Payload:   []byte("batch"),
		Signature: []byte("sig"),
	}
}

func TestValidatePBFT_AcceptsWellFormedMessage(t *testing.T) {
	v := New(baseResolver(false))
	assert.Nil(t, v.ValidatePBFT(validPrePrepare()))
}

func TestValidatePBFT_RejectsMissingSignature(t *testing.T) {
	v := New(baseResolver(false))
	msg := validPrePrepare()
	msg.Signature = nil
	cerr := v.ValidatePBFT(msg)
	require.NotNil(t, cerr)
	assert.Equal(t, apperrors.CodeMalformedMessage, cerr.Code)
}

func TestValidatePBFT_RejectsFutureEpoch(t *testing.T) {
	v := New(baseResolver(false))
	msg := validPrePrepare()
	msg.Metadata.Epoch = 2
	cerr := v.ValidatePBFT(msg)
	require.NotNil(t, cerr)
	assert.Equal(t, apperrors.CodeFutureEpoch, cerr.Code)
}

func TestValidatePBFT_RejectsPastEpoch(t *testing.T) {
	v := New(baseResolver(false))
	msg := validPrePrepare()
	msg.Metadata.Epoch = 0
	cerr := v.ValidatePBFT(msg)
	require.NotNil(t, cerr)
	assert.Equal(t, apperrors.CodeStaleMessage, cerr.Code)
}

func TestValidatePBFT_RejectsOutOfBoundsBlock(t *testing.T) {
	v := New(baseResolver(false))
	msg := validPrePrepare()
	msg.Metadata.Block = 999
	cerr := v.ValidatePBFT(msg)
	require.NotNil(t, cerr)
	assert.Equal(t, apperrors.CodeOutOfBoundsBlock, cerr.Code)
}

func TestValidatePBFT_RejectsSenderOutsideTopology(t *testing.T) {
	v := New(baseResolver(false))
	msg := validPrePrepare()
	msg.Sender = "intruder"
	cerr := v.ValidatePBFT(msg)
	require.NotNil(t, cerr)
	assert.Equal(t, apperrors.CodeOutOfTopology, cerr.Code)
}

func TestValidatePBFT_RejectsBadSignature(t *testing.T) {
	v := New(baseResolver(true))
	cerr := v.ValidatePBFT(validPrePrepare())
	require.NotNil(t, cerr)
	assert.Equal(t, apperrors.CodeInvalidSignature, cerr.Code)
}

func TestVerifyFutureEpochSender_AcceptsGenuineMemberOfCurrentTopology(t *testing.T) {
	v := New(baseResolver(false))
	msg := validPrePrepare()
	msg.Metadata.Epoch = 9 // epoch not yet known
	assert.True(t, v.VerifyFutureEpochSender(msg))
}

func TestVerifyFutureEpochSender_RejectsSenderOutsideCurrentTopology(t *testing.T) {
	v := New(baseResolver(false))
	msg := validPrePrepare()
	msg.Metadata.Epoch = 9
	msg.Sender = "intruder"
	assert.False(t, v.VerifyFutureEpochSender(msg))
}

func TestVerifyFutureEpochSender_RejectsBadSignature(t *testing.T) {
	v := New(baseResolver(true))
	msg := validPrePrepare()
	msg.Metadata.Epoch = 9
	assert.False(t, v.VerifyFutureEpochSender(msg))
}

func TestVerifyFutureEpochSender_RejectsMalformedMessage(t *testing.T) {
	v := New(baseResolver(false))
	msg := validPrePrepare()
	msg.Metadata.Epoch = 9
	msg.Signature = nil
	assert.False(t, v.VerifyFutureEpochSender(msg))
}
