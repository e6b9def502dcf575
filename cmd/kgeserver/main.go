package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/chagge/kge-server/internal/analytics"
	"github.com/chagge/kge-server/internal/catalog"
	"github.com/chagge/kge-server/internal/health"
	"github.com/chagge/kge-server/internal/logging"
	kgemem "github.com/chagge/kge-server/internal/memory"
	"github.com/chagge/kge-server/internal/server"
	"github.com/chagge/kge-server/internal/space"
	"github.com/chagge/kge-server/internal/suggest"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Address to listen on for Flight service")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Address to listen on for Prometheus metrics")
	flag.StringVar(&cfg.DataPath, "data", cfg.DataPath, "Directory holding the catalog, snapshots and suggestion index")
	flag.Parse()

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Console: cfg.LogConsole})

	if err := ValidateConfig(&cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if err := cfg.ValidateGRPCConfig(); err != nil {
		logger.Fatal().Err(err).Msg("invalid grpc configuration")
	}

	cat, err := catalog.Open(filepath.Join(cfg.DataPath, "catalog.db"), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening dataset catalog")
	}
	defer cat.Close()

	hm := health.NewManager(logger)
	hm.Register(health.ProbeChecker("catalog", cat.Ping))
	hm.Register(health.PathChecker("data", cfg.DataPath))

	// Metrics and health endpoints share one listener.
	go func() {
		logger.Info().Str("address", cfg.MetricsAddr).Msg("metrics server starting")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.Handle("/healthz", health.LivenessHandler())
		mux.Handle("/readyz", hm.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	spacesDir := filepath.Join(cfg.DataPath, "spaces")
	registry := space.NewRegistry(spacesDir, cfg.SpaceConfig(), logger)

	engine := suggest.NewCompletionEngine()
	suggestPath := filepath.Join(cfg.DataPath, "suggest.msgpack")
	if err := engine.Load(suggestPath); err != nil {
		logger.Fatal().Err(err).Str("path", suggestPath).Msg("loading suggestion snapshot")
	}
	logger.Info().Int("documents", engine.Count()).Msg("suggestion index loaded")

	alloc := kgemem.NewTrackingAllocator(memory.NewGoAllocator())
	srv := server.New(server.Options{
		Allocator:           alloc,
		Catalog:             cat,
		Spaces:              registry,
		Suggest:             suggest.NewIndex(engine, logger),
		Engine:              engine,
		Analytics:           analytics.NewAnalyzer(spacesDir, logger),
		SuggestSnapshotPath: suggestPath,
		Logger:              logger,
	})

	lis, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("address", cfg.ListenAddr).Msg("failed to listen")
	}

	grpcServer := grpc.NewServer(cfg.BuildGRPCServerOptions()...)
	flight.RegisterFlightServiceServer(grpcServer, srv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.SnapshotInterval > 0 {
		go snapshotLoop(ctx, srv, cfg.SnapshotInterval, logger)
	}
	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		grpcServer.GracefulStop()
	}()

	logger.Info().Str("address", cfg.ListenAddr).Msg("kge flight server starting")
	if err := grpcServer.Serve(lis); err != nil {
		logger.Fatal().Err(err).Msg("flight server failed")
	}

	// In-flight requests have drained; flush everything once more.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("final snapshot failed")
	}
	st := alloc.Stats()
	logger.Info().
		Int64("arrow_allocated_bytes", st.AllocatedBytes).
		Int64("arrow_freed_bytes", st.FreedBytes).
		Msg("kge flight server stopped")
}

// snapshotLoop flushes dirty state on a fixed cadence so a crash loses
// at most one interval of appends.
func snapshotLoop(ctx context.Context, srv *server.Server, interval time.Duration, logger zerolog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := srv.Persist(ctx); err != nil {
				logger.Error().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}
