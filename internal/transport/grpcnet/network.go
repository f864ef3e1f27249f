package grpcnet

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ruvnet/issordering/internal/consensus"
)

// Network implements consensus.Network: one persistent outbound stream
// per peer, opened lazily and reused across messages.
type Network struct {
	mu      sync.Mutex
	self    consensus.PeerID
	addrs   map[consensus.PeerID]string
	conns   map[consensus.PeerID]*grpc.ClientConn
	streams map[consensus.PeerID]grpc.ClientStream
	logger  *zap.Logger
}

// NewNetwork builds a Network for self, dialing peers by address lazily
// on first send.
func NewNetwork(self consensus.PeerID, addrs map[consensus.PeerID]string, logger *zap.Logger) *Network {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Network{
		self:    self,
		addrs:   addrs,
		conns:   make(map[consensus.PeerID]*grpc.ClientConn),
		streams: make(map[consensus.PeerID]grpc.ClientStream),
		logger:  logger.Named("grpcnet.network"),
	}
}

// Send implements consensus.Network.
func (n *Network) Send(ctx context.Context, to consensus.PeerID, msg consensus.Message) error {
	if to == n.self {
		return nil // never send to ourselves over the wire
	}
	stream, err := n.streamTo(ctx, to)
	if err != nil {
		return err
	}
	frame, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message to %s: %w", to, err)
	}
	if err := sendFrame(stream, frame); err != nil {
		n.dropStream(to)
		return fmt.Errorf("send to %s: %w", to, err)
	}
	return nil
}

// Broadcast implements consensus.Network, sending to every known peer
// except self. The first error is returned after every peer has been
// attempted, so one unreachable peer never blocks the rest.
func (n *Network) Broadcast(ctx context.Context, msg consensus.Message) error {
	var firstErr error
	for peer := range n.addrs {
		if peer == n.self {
			continue
		}
		if err := n.Send(ctx, peer, msg); err != nil {
			n.logger.Warn("broadcast send failed", zap.String("peer", string(peer)), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (n *Network) streamTo(ctx context.Context, peer consensus.PeerID) (grpc.ClientStream, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if s, ok := n.streams[peer]; ok {
		return s, nil
	}
	addr, ok := n.addrs[peer]
	if !ok {
		return nil, fmt.Errorf("no known address for peer %s", peer)
	}
	conn, ok := n.conns[peer]
	if !ok {
		var err error
		conn, err = grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("dial peer %s at %s: %w", peer, addr, err)
		}
		n.conns[peer] = conn
	}
	stream, err := conn.NewStream(ctx, &serviceDesc.Streams[0], fmt.Sprintf("/%s/%s", serviceName, methodExchange), grpc.CallContentSubtype(rawCodecName))
	if err != nil {
		return nil, fmt.Errorf("open stream to peer %s: %w", peer, err)
	}
	n.streams[peer] = stream
	return stream, nil
}

func (n *Network) dropStream(peer consensus.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.streams, peer)
}

// Close tears down every outbound connection.
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	var firstErr error
	for _, conn := range n.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
