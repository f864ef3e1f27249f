package grpcnet

import (
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// rawCodec name, registered once at package init. The ISS wire protocol
// has its own bit-exact envelope (spec.md §6), so gRPC is used purely as
// a transport: frames pass through this codec untouched instead of being
// re-encoded as protobuf.
const rawCodecName = "iss-raw"

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// rawEnvelope is the only message type ever sent over the Exchange
// stream; Data is an already-encoded transportFrame.
type rawEnvelope struct {
	Data []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	env, ok := v.(*rawEnvelope)
	if !ok {
		return nil, fmt.Errorf("grpcnet: rawCodec cannot marshal %T", v)
	}
	return env.Data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	env, ok := v.(*rawEnvelope)
	if !ok {
		return fmt.Errorf("grpcnet: rawCodec cannot unmarshal into %T", v)
	}
	env.Data = append([]byte(nil), data...)
	return nil
}

func (rawCodec) Name() string { return rawCodecName }

const serviceName = "iss.transport.MessageExchange"
const methodExchange = "Exchange"

// exchangeServer is the handler signature grpc.ServiceDesc dispatches to
// for a bidirectional stream of rawEnvelope frames.
type exchangeServer interface {
	Exchange(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*exchangeServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodExchange,
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "iss/transport.proto",
}

func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(exchangeServer).Exchange(stream)
}

// recvFrame/sendFrame adapt grpc.Stream's generic SendMsg/RecvMsg to our
// single envelope type.
func recvFrame(stream grpc.Stream) (*transportFrame, error) {
	env := new(rawEnvelope)
	if err := stream.RecvMsg(env); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("recv frame: %w", err)
	}
	return unmarshalFrame(env.Data)
}

func sendFrame(stream grpc.Stream, frame *transportFrame) error {
	return stream.SendMsg(&rawEnvelope{Data: marshalFrame(frame)})
}
