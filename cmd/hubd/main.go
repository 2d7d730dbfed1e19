// Command hubd runs the sync core as a standalone daemon: it opens a local
// message store, replays it into a Merkle radix trie, serves the gRPC wire
// surface for other hubs, and periodically dials known peers to run sync
// rounds.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"hubsync/config"
	"hubsync/discovery"
	"hubsync/hubsync"
	obslog "hubsync/observability/logging"
	obsotel "hubsync/observability/otel"
	"hubsync/observability/metrics"
	"hubsync/rpc"
	"hubsync/storage"
)

func main() {
	configPath := flag.String("config", "hubd.toml", "path to the daemon's TOML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "hubd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID := uuid.NewString()
	logger := obslog.SetupWithFile("hubd", cfg.NetworkName, cfg.LogFile).With("run_id", runID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := obsotel.Init(ctx, obsotel.Config{ServiceName: "hubd", Environment: cfg.NetworkName, Endpoint: cfg.OTLPEndpoint})
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown(context.Background())
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "messages"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	store := storage.NewStore(db)
	engineMetrics := metrics.Register(prometheus.DefaultRegisterer)
	engine := hubsync.NewEngine(store,
		hubsync.WithLogger(logger),
		hubsync.WithMetrics(engineMetrics),
		hubsync.WithTracer(otel.Tracer("hubsync")),
	)
	if err := engine.Init(ctx); err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	defer engine.Close()

	server := rpc.NewServer(engine, store, "hubd/dev",
		rpc.WithServerLogger(logger),
		rpc.WithRateLimit(rate.Limit(cfg.RateLimitPerSecond), cfg.RateLimitBurst),
	)
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(otelgrpc.StreamServerInterceptor()),
	)
	rpc.RegisterServer(grpcServer, server)

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddress, err)
	}
	go func() {
		logger.Info("gRPC sync surface listening", "address", cfg.ListenAddress)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server stopped", "error", err)
		}
	}()
	defer grpcServer.GracefulStop()

	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		logger.Info("metrics listening", "address", cfg.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	defer metricsSrv.Shutdown(context.Background())

	peers, err := resolvePeers(ctx, cfg)
	if err != nil {
		logger.Warn("peer discovery incomplete", "error", err)
	}

	runScheduler(ctx, logger, engine, peers, time.Duration(cfg.SyncIntervalSeconds)*time.Second)
	return nil
}

func resolvePeers(ctx context.Context, cfg *config.Config) ([]string, error) {
	addrs := append([]string(nil), cfg.PersistentPeers...)
	if cfg.SeedRegistryFile == "" {
		return addrs, nil
	}
	raw, err := os.ReadFile(cfg.SeedRegistryFile)
	if err != nil {
		return addrs, fmt.Errorf("read seed registry: %w", err)
	}
	reg, err := discovery.ParseRegistry(raw)
	if err != nil {
		return addrs, fmt.Errorf("parse seed registry: %w", err)
	}
	resolved, err := reg.Resolve(ctx, discovery.DNSResolver{})
	for _, p := range resolved {
		addrs = append(addrs, p.Address)
	}
	return addrs, err
}

// runScheduler drives sync rounds against every known peer on a fixed
// interval, the outer loop the engine itself does not own (spec §4.D notes
// PerformSync is triggered from outside).
func runScheduler(ctx context.Context, logger *slog.Logger, engine *hubsync.Engine, peerAddrs []string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, addr := range peerAddrs {
				syncOnce(ctx, logger, engine, addr)
			}
		}
	}
}

func syncOnce(ctx context.Context, logger *slog.Logger, engine *hubsync.Engine, addr string) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithChainUnaryInterceptor(otelgrpc.UnaryClientInterceptor()),
		grpc.WithChainStreamInterceptor(otelgrpc.StreamClientInterceptor()),
	)
	if err != nil {
		logger.Warn("dial peer failed", "peer", addr, "error", err)
		return
	}
	defer conn.Close()

	client := rpc.NewClient(conn)
	snap, err := client.GetSyncSnapshotByPrefix(ctx, hubsync.DefaultSnapshotPrefix(time.Now()))
	if err != nil {
		logger.Warn("fetch peer snapshot failed", "peer", addr, "error", err)
		return
	}
	if !engine.ShouldSync(snap.ExcludedHashes) {
		return
	}
	if err := engine.PerformSync(ctx, snap.ExcludedHashes, client); err != nil {
		logger.Error("sync round failed", "peer", addr, "error", err)
	}
}
