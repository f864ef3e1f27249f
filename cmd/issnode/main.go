// Command issnode runs a single ISS ordering peer: the Consensus Module,
// its Postgres epoch store, and its gRPC peer transport, wired together
// and served until SIGINT/SIGTERM (spec.md §4, §6).
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ruvnet/issordering/internal/config"
	"github.com/ruvnet/issordering/internal/consensus"
	"github.com/ruvnet/issordering/internal/consensus/module"
	"github.com/ruvnet/issordering/internal/consensus/segment"
	"github.com/ruvnet/issordering/internal/crypto/ed25519signer"
	"github.com/ruvnet/issordering/internal/obsmetrics"
	"github.com/ruvnet/issordering/internal/output"
	"github.com/ruvnet/issordering/internal/store/pgstore"
	"github.com/ruvnet/issordering/internal/transport/grpcnet"
)

func main() {
	cfg := config.Load()

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.Peers.Self == "" {
		logger.Fatal("ISS_SELF must name this node's peer id")
	}
	self := consensus.PeerID(cfg.Peers.Self)

	registry := prometheus.NewRegistry()
	metrics := obsmetrics.New(registry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := pgstore.New(cfg.Database, logger)
	if err != nil {
		logger.Fatal("failed to connect to epoch store", zap.Error(err))
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate epoch store schema", zap.Error(err))
	}

	addrs := make(map[consensus.PeerID]string, len(cfg.Peers.Addresses))
	for id, addr := range cfg.Peers.Addresses {
		addrs[consensus.PeerID(id)] = addr
	}
	network := grpcnet.NewNetwork(self, addrs, logger)
	defer network.Close()

	crypto, err := buildSigner(self, cfg.Peers)
	if err != nil {
		logger.Fatal("failed to build crypto provider", zap.Error(err))
	}

	sink := output.NewLogSink(logger)

	mod := module.New(module.Config{
		Self: self,
		Segment: segment.Config{
			InitialViewTimeout: cfg.Segment.InitialViewTimeout,
			Logger:             logger,
		},
		CatchUpThreshold:  cfg.CatchUp.ThresholdEpochs,
		CatchUpRatePerSec: rate.Limit(cfg.CatchUp.RequestsPerSecond),
		CatchUpBurst:      cfg.CatchUp.Burst,
		Logger:            logger,
		Metrics:           metrics,
		Crypto:            crypto,
	}, store, network, sink)

	grpcServer := grpcnet.NewServer(cfg.GRPC, mod, logger)

	go mod.Run(ctx)

	go func() {
		if err := grpcServer.Start(); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    formatAddr(cfg.Metrics.Port),
		Handler: newMetricsMux(cfg.Metrics.Path, registry),
	}
	go func() {
		logger.Info("metrics server listening", zap.String("address", metricsServer.Addr), zap.String("path", cfg.Metrics.Path))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	mod.Post(consensus.Start{})
	if len(cfg.Peers.Addresses) > 0 {
		mod.Post(consensus.NewEpochTopology{
			Nr:       consensus.GenesisEpoch,
			Topology: genesisTopology(cfg.Peers),
			Crypto:   crypto,
		})
	}

	<-ctx.Done()
	logger.Info("shutting down issnode")

	grpcServer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server forced to shutdown", zap.Error(err))
	}

	logger.Info("issnode exited gracefully")
}

func buildLogger(level string) (*zap.Logger, error) {
	var lvl zap.AtomicLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = lvl
	return zapCfg.Build()
}

// buildSigner assembles the genesis epoch's CryptoProvider from the peer
// bootstrap config: this node's own private key and every peer's public
// key, including its own.
func buildSigner(self consensus.PeerID, peers config.PeersConfig) (consensus.CryptoProvider, error) {
	pub := make(map[consensus.PeerID]ed25519.PublicKey, len(peers.PublicKeys))
	for id, key := range peers.PublicKeys {
		pub[consensus.PeerID(id)] = ed25519.PublicKey(key)
	}
	return ed25519signer.New(self, ed25519.PrivateKey(peers.PrivateKey), pub), nil
}

// genesisTopology builds the fixed genesis (epoch 0) topology from the
// peer address book. Production clusters reconfigure topology across
// epoch boundaries via OutputSink; this reference node runs a single,
// static topology for its whole lifetime.
func genesisTopology(peers config.PeersConfig) consensus.Topology {
	ids := make([]consensus.PeerID, 0, len(peers.Addresses))
	for id := range peers.Addresses {
		ids = append(ids, consensus.PeerID(id))
	}
	return consensus.Topology{Peers: ids, ActivationTime: time.Now()}
}

func newMetricsMux(path string, reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

func formatAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
