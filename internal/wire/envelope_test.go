package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruvnet/issordering/internal/consensus"
)

func roundTrip(t *testing.T, msg *consensus.PBFTMessage) *consensus.PBFTMessage {
	t.Helper()
	data, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)
	return decoded
}

func TestEnvelope_RoundTripsPrePrepare(t *testing.T) {
	msg := &consensus.PBFTMessage{
		Kind:      consensus.KindPrePrepare,
		Metadata:  consensus.BlockMetadata{Epoch: 3, Block: 17},
		View:      2,
		Timestamp: time.Now().UTC().Round(time.Microsecond),
		Sender:    "peer-a",
		Signature: []byte("sig"),
		Digest:    "deadbeef",
		Payload:   []byte("some availability batch"),
	}

	decoded := roundTrip(t, msg)
	assert.Equal(t, msg.Kind, decoded.Kind)
	assert.Equal(t, msg.Metadata, decoded.Metadata)
	assert.Equal(t, msg.View, decoded.View)
	assert.True(t, msg.Timestamp.Equal(decoded.Timestamp))
	assert.Equal(t, msg.Sender, decoded.Sender)
	assert.Equal(t, msg.Signature, decoded.Signature)
	assert.Equal(t, msg.Digest, decoded.Digest)
	assert.Equal(t, msg.Payload, decoded.Payload)
}

func TestEnvelope_RoundTripsViewChangeWithPreparedCertificate(t *testing.T) {
	pp := &consensus.PBFTMessage{
		Kind:      consensus.KindPrePrepare,
		Metadata:  consensus.BlockMetadata{Epoch: 1, Block: 5},
		View:      0,
		Timestamp: time.Now().UTC().Round(time.Microsecond),
		Sender:    "peer-a",
		Digest:    "abc123",
		Payload:   []byte("batch"),
	}
	prepares := []*consensus.PBFTMessage{
		{Kind: consensus.KindPrepare, Metadata: pp.Metadata, View: 0, Timestamp: pp.Timestamp, Sender: "peer-b", Digest: "abc123"},
		{Kind: consensus.KindPrepare, Metadata: pp.Metadata, View: 0, Timestamp: pp.Timestamp, Sender: "peer-c", Digest: "abc123"},
	}

	msg := &consensus.PBFTMessage{
		Kind:      consensus.KindViewChange,
		Metadata:  pp.Metadata,
		View:      1,
		Timestamp: time.Now().UTC().Round(time.Microsecond),
		Sender:    "peer-b",
		Prepared:  &consensus.PreparedCertificate{PrePrepare: pp, Prepares: prepares},
	}

	decoded := roundTrip(t, msg)
	require.NotNil(t, decoded.Prepared)
	assert.Equal(t, pp.Digest, decoded.Prepared.PrePrepare.Digest)
	assert.Equal(t, pp.Payload, decoded.Prepared.PrePrepare.Payload)
	require.Len(t, decoded.Prepared.Prepares, 2)
	assert.Equal(t, consensus.PeerID("peer-b"), decoded.Prepared.Prepares[0].Sender)
}

func TestEnvelope_RoundTripsNewViewWithoutPrePrepare(t *testing.T) {
	vc := &consensus.PBFTMessage{
		Kind:      consensus.KindViewChange,
		Metadata:  consensus.BlockMetadata{Epoch: 0, Block: 0},
		View:      1,
		Timestamp: time.Now().UTC().Round(time.Microsecond),
		Sender:    "peer-c",
	}

	msg := &consensus.PBFTMessage{
		Kind:          consensus.KindNewView,
		Metadata:      consensus.BlockMetadata{Epoch: 0, Block: 0},
		View:          1,
		Timestamp:     time.Now().UTC().Round(time.Microsecond),
		Sender:        "peer-d",
		ViewChangeSet: []*consensus.PBFTMessage{vc},
		NewPrePrepare: nil,
	}

	decoded := roundTrip(t, msg)
	assert.Nil(t, decoded.NewPrePrepare)
	require.Len(t, decoded.ViewChangeSet, 1)
	assert.Equal(t, consensus.PeerID("peer-c"), decoded.ViewChangeSet[0].Sender)
}

func TestEnvelope_DecodeRejectsTruncatedData(t *testing.T) {
	msg := &consensus.PBFTMessage{
		Kind:      consensus.KindCommit,
		Metadata:  consensus.BlockMetadata{Epoch: 0, Block: 0},
		Timestamp: time.Now().UTC().Round(time.Microsecond),
		Sender:    "peer-a",
		Digest:    "abc",
	}
	data, err := Encode(msg)
	require.NoError(t, err)
	require.Greater(t, len(data), 4)

	_, err = Decode(data[:2])
	assert.Error(t, err)
}
