// Package grpcnet implements consensus.Network over gRPC: one persistent
// bidirectional stream per peer, carrying ISS wire envelopes and
// state-transfer messages as opaque frames (spec.md §6 "Network").
package grpcnet

import (
	"fmt"
	"io"
	"net"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/ruvnet/issordering/internal/config"
	"github.com/ruvnet/issordering/internal/consensus"
)

// Receiver is the sink for messages arriving over an inbound stream; the
// Consensus Module satisfies this via its Post method.
type Receiver interface {
	Post(consensus.Event)
}

// Server hosts the gRPC listener peers connect to.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	receiver     Receiver
	logger       *zap.Logger
	cfg          config.GRPCConfig
}

// NewServer builds a Server that forwards every decoded inbound message
// to receiver as the matching event.
func NewServer(cfg config.GRPCConfig, receiver Receiver, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("grpcnet.server")

	recoveryFunc := func(p interface{}) error {
		logger.Error("grpc panic recovered", zap.Any("panic", p))
		return status.Errorf(codes.Internal, "internal error")
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     cfg.MaxConnectionIdle,
			MaxConnectionAge:      cfg.MaxConnectionAge,
			MaxConnectionAgeGrace: cfg.MaxConnectionAgeGrace,
			Time:                  cfg.KeepaliveTime,
			Timeout:               cfg.KeepaliveTimeout,
		}),
		grpc.StreamInterceptor(grpc_middleware.ChainStreamServer(
			grpc_prometheus.StreamServerInterceptor,
			grpc_recovery.StreamServerInterceptor(grpc_recovery.WithRecoveryHandler(recoveryFunc)),
		)),
	)

	healthServer := health.NewServer()
	s := &Server{grpcServer: grpcServer, healthServer: healthServer, receiver: receiver, logger: logger, cfg: cfg}

	grpcServer.RegisterService(&serviceDesc, s)
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpc_prometheus.Register(grpcServer)

	return s
}

// Exchange implements exchangeServer: it reads frames from a peer until
// the stream closes, posting each as an event onto the receiver's
// mailbox. Nothing is ever sent back on an inbound stream; replies travel
// over the reply peer's own outbound stream via Network.Send.
func (s *Server) Exchange(stream grpc.ServerStream) error {
	for {
		frame, err := recvFrame(stream)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			s.logger.Warn("failed to receive frame", zap.Error(err))
			return err
		}
		msg, err := decodeMessage(frame)
		if err != nil {
			s.logger.Warn("failed to decode inbound message", zap.Error(err))
			continue
		}
		s.receiver.Post(toEvent(msg))
	}
}

func toEvent(msg consensus.Message) consensus.Event {
	switch m := msg.(type) {
	case *consensus.PBFTMessage:
		return consensus.UnverifiedPBFTMessage{Msg: m}
	case *consensus.BlockTransferRequest:
		return m
	case *consensus.BlockTransferResponse:
		return m
	default:
		return consensus.AsyncException{Err: fmt.Errorf("grpcnet: unroutable message type %T", msg)}
	}
}

// Start listens on cfg.Host:cfg.Port and blocks serving until an error
// occurs or Stop is called.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.logger.Info("grpcnet server listening", zap.String("address", listener.Addr().String()))
	return s.grpcServer.Serve(listener)
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.grpcServer.GracefulStop()
}
