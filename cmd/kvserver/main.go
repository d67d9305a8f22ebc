// Command kvserver serves a data store backend over gRPC.
//
// The backend is either an in-process memory store or NATS JetStream
// key-value buckets. Besides the DataStore service the server exposes the
// gRPC health service, reflection for grpcurl and Prometheus metrics over
// HTTP.
//
// Example usage:
//
//	kvserver -listen :50051 -metrics :9090 -backend memory
//	kvserver -config kv.yaml -backend nats -nats-url nats://127.0.0.1:4222
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"kvclient/internal/config"
	"kvclient/internal/metrics"
	"kvclient/internal/natsstore"
	"kvclient/internal/remote"
	"kvclient/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "kvserver:", err)
		os.Exit(1)
	}
}

// loadConfig reads the optional config file and applies flag overrides.
func loadConfig(args []string, stderr io.Writer) (config.Config, error) {
	fs := flag.NewFlagSet("kvserver", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath = fs.String("config", "", "path to a YAML config file")
		listen     = fs.String("listen", "", "gRPC listen address")
		metricsAddr = fs.String("metrics", "", "HTTP address for /metrics (empty string in config disables it)")
		backend    = fs.String("backend", "", "backend: memory or nats")
		natsURL    = fs.String("nats-url", "", "NATS server URL for the nats backend")
		logLevel   = fs.String("log-level", "", "log level: debug, info, warn or error")
	)
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}

	// Flags win over the file.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Server.ListenAddr = *listen
		case "metrics":
			cfg.Server.MetricsAddr = *metricsAddr
		case "backend":
			cfg.Server.Backend = *backend
		case "nats-url":
			cfg.NATS.URL = *natsURL
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func openBackend(cfg config.Config, logger *slog.Logger) (storage.Backend, func(), error) {
	switch cfg.Server.Backend {
	case config.BackendNATS:
		b, err := natsstore.Connect(cfg.NATS.URL,
			natsstore.WithLogger(logger.With("backend", "nats")),
			natsstore.WithMaxConflicts(cfg.NATS.MaxConflicts),
		)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		return storage.NewMemoryBackend(), func() {}, nil
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}
	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewRegistered(reg)
	if err != nil {
		return err
	}

	backend, closeBackend, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	if p, ok := backend.(storage.Prober); ok {
		if err := p.Probe(ctx); err != nil {
			logger.Warn("backend probe failed", "backend", cfg.Server.Backend, "error", err)
		}
	}

	srv := remote.NewServer(backend, remote.WithServerLogger(logger), remote.WithServerMetrics(m))
	gs, hs := remote.NewGRPCServer(srv)

	lis, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddr, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("serving gRPC", "addr", lis.Addr().String(), "backend", cfg.Server.Backend)
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	var httpSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		httpSrv = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.Server.MetricsAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		hs.Shutdown()

		stopped := make(chan struct{})
		go func() {
			gs.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownTimeout):
			gs.Stop()
		}

		if httpSrv != nil {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return httpSrv.Shutdown(sctx)
		}
		return nil
	})

	return g.Wait()
}
