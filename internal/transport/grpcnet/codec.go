package grpcnet

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ruvnet/issordering/internal/consensus"
	"github.com/ruvnet/issordering/internal/wire"
)

// envelopeKind tags which consensus.Message variant a transportFrame
// carries, since PBFT messages use the bit-exact wire codec while
// transfer messages use plain JSON (spec.md §6 only defines the envelope
// for PBFT protocol messages).
type envelopeKind byte

const (
	kindPBFT envelopeKind = iota
	kindTransferRequest
	kindTransferResponse
)

// transportFrame is what actually crosses the gRPC stream: a kind byte
// followed by the kind-specific encoding.
type transportFrame struct {
	Kind envelopeKind
	Body []byte
}

func encodeMessage(msg consensus.Message) (*transportFrame, error) {
	switch m := msg.(type) {
	case *consensus.PBFTMessage:
		body, err := wire.Encode(m)
		if err != nil {
			return nil, fmt.Errorf("encode pbft message: %w", err)
		}
		return &transportFrame{Kind: kindPBFT, Body: body}, nil
	case *consensus.BlockTransferRequest:
		body, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode transfer request: %w", err)
		}
		return &transportFrame{Kind: kindTransferRequest, Body: body}, nil
	case *consensus.BlockTransferResponse:
		body, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode transfer response: %w", err)
		}
		return &transportFrame{Kind: kindTransferResponse, Body: body}, nil
	default:
		return nil, fmt.Errorf("grpcnet: unsupported message type %T", msg)
	}
}

func decodeMessage(frame *transportFrame) (consensus.Message, error) {
	switch frame.Kind {
	case kindPBFT:
		msg, err := wire.Decode(frame.Body)
		if err != nil {
			return nil, fmt.Errorf("decode pbft message: %w", err)
		}
		return msg, nil
	case kindTransferRequest:
		var req consensus.BlockTransferRequest
		if err := json.Unmarshal(frame.Body, &req); err != nil {
			return nil, fmt.Errorf("decode transfer request: %w", err)
		}
		return &req, nil
	case kindTransferResponse:
		var resp consensus.BlockTransferResponse
		if err := json.Unmarshal(frame.Body, &resp); err != nil {
			return nil, fmt.Errorf("decode transfer response: %w", err)
		}
		return &resp, nil
	default:
		return nil, fmt.Errorf("grpcnet: unknown frame kind %d", frame.Kind)
	}
}

// marshalFrame/unmarshalFrame give transportFrame the wire shape a
// protobuf-free gRPC codec needs: a one-byte kind tag, a varint length,
// and the body.
func marshalFrame(f *transportFrame) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(f.Body)))
	out := make([]byte, 0, len(f.Body)+n+1)
	out = append(out, byte(f.Kind))
	out = append(out, lenBuf[:n]...)
	out = append(out, f.Body...)
	return out
}

func unmarshalFrame(data []byte) (*transportFrame, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("grpcnet: empty frame")
	}
	kind := envelopeKind(data[0])
	length, n := binary.Uvarint(data[1:])
	if n <= 0 {
		return nil, fmt.Errorf("grpcnet: decode frame length")
	}
	body := data[1+n:]
	if uint64(len(body)) < length {
		return nil, fmt.Errorf("grpcnet: truncated frame body")
	}
	return &transportFrame{Kind: kind, Body: body[:length]}, nil
}
