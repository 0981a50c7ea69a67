package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quic-go/quic-go/http3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sushant-115/gojotxn/api/httpapi"
	"github.com/sushant-115/gojotxn/config"
	"github.com/sushant-115/gojotxn/config/certs"
	"github.com/sushant-115/gojotxn/core/events"
	"github.com/sushant-115/gojotxn/core/orchestrator"
	"github.com/sushant-115/gojotxn/core/participant"
	"github.com/sushant-115/gojotxn/core/security/encryption"
	"github.com/sushant-115/gojotxn/core/storage"
	"github.com/sushant-115/gojotxn/core/storage/raftstore"
	"github.com/sushant-115/gojotxn/core/transaction"
	internaltelemetry "github.com/sushant-115/gojotxn/internal/telemetry"
	"github.com/sushant-115/gojotxn/pkg/connection"
	"github.com/sushant-115/gojotxn/pkg/logger"
	"github.com/sushant-115/gojotxn/pkg/telemetry"
)

const (
	poolSize       = 4
	connectTimeout = 5 * time.Second
	maxFrameBytes  = 1 << 20
)

var (
	configPath string
	listenAddr string
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to the YAML configuration file (defaults are used when empty)")
	flag.StringVar(&listenAddr, "listen", "", "HTTP API listen address, overrides http.listen_addr")
}

func main() {
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			log.Fatalf("FATAL: %v", err)
		}
	}
	if listenAddr != "" {
		cfg.HTTP.ListenAddr = listenAddr
	}
	cfg.Logger.Service = "gojotxn_server"

	zlogger, err := logger.New(cfg.Logger)
	if err != nil {
		log.Fatalf("FATAL: failed to create logger: %v", err)
	}
	defer zlogger.Sync()

	if err := run(cfg, zlogger); err != nil {
		zlogger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, zlogger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, shutdownTelemetry, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())
	metrics, err := internaltelemetry.NewOrchestratorMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	serverTLS, clientTLS, err := loadTLS(cfg.TLS, zlogger)
	if err != nil {
		return err
	}

	recorder := events.NewRecorder(cfg.Events.RecorderLimit)
	publisher := events.NewPublisher(zlogger, recorder, events.NewMetricsSink(metrics))
	if cfg.Events.Log {
		publisher.AddSink(events.NewLogSink(zlogger))
	}
	if cfg.Events.StreamEnabled {
		streamCfg := cfg.Events.Stream
		if clientTLS != nil && streamCfg.TLS == nil {
			streamCfg.TLS = clientTLS.Clone()
			streamCfg.TLS.NextProtos = []string{http3.NextProtoH3}
		}
		stream, err := events.NewStreamSink(streamCfg, zlogger)
		if err != nil {
			return fmt.Errorf("event stream: %w", err)
		}
		defer stream.Close()
		publisher.AddSink(stream)
	}

	store, cluster, err := openStore(ctx, cfg.Storage, zlogger)
	if err != nil {
		return err
	}
	defer store.Close()

	conns := connection.NewConnectionPoolManager(poolSize, grpcFactory(clientTLS))
	defer conns.Close()
	registry, err := buildRegistry(cfg, conns, zlogger)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithMetrics(metrics),
		orchestrator.WithTracer(tel.Tracer),
	}
	if cfg.Orchestrator.ConservativeSharing {
		opts = append(opts, orchestrator.WithConservativeSharing())
	}
	if cfg.Orchestrator.SharedLocks {
		opts = append(opts, orchestrator.WithSharedLocks())
	}
	orch := orchestrator.New(store, registry, publisher, zlogger, opts...)

	err = orch.Initialize(ctx, cfg.Orchestrator.Admin, cfg.Orchestrator.Timeouts(), cfg.Orchestrator.MaxBatchSize)
	switch {
	case errors.Is(err, transaction.ErrAlreadyInitialized):
		zlogger.Info("orchestrator already initialized, keeping stored settings")
	case err != nil:
		return fmt.Errorf("initialize: %w", err)
	}
	restored, err := orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	zlogger.Info("recovered transactions", zap.Int("active", restored))

	go sweep(ctx, cfg.Orchestrator.DeadlockSweepInterval, func() { sweepDeadlocks(ctx, orch, cfg.Orchestrator.ResolveDeadlocks, zlogger) })
	go sweep(ctx, cfg.Orchestrator.TimeoutSweepInterval, func() { sweepTimeouts(ctx, orch, zlogger) })

	if cfg.Events.CollectorAddr != "" {
		if serverTLS == nil {
			return errors.New("events.collector_addr requires tls.cert_dir")
		}
		sinks := []events.Sink{recorder}
		if cfg.Events.Log {
			sinks = append(sinks, events.NewLogSink(zlogger.Named("collector")))
		}
		collector := events.NewCollector(events.NewPublisher(zlogger, sinks...), zlogger, maxFrameBytes)
		h3 := events.NewHTTP3Server(cfg.Events.CollectorAddr, cfg.Events.CollectorPath, collector, serverTLS.Clone(), nil)
		go func() {
			zlogger.Info("event collector listening", zap.String("addr", cfg.Events.CollectorAddr))
			if err := h3.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				zlogger.Error("event collector failed", zap.Error(err))
			}
		}()
		defer h3.Close()
	}

	mux := http.NewServeMux()
	httpapi.New(orch, recorder, cluster, zlogger).Register(mux)
	mux.Handle("GET /metrics", tel.MetricsHandler)
	server := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zlogger.Info("HTTP API listening", zap.String("addr", cfg.HTTP.ListenAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		zlogger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlogger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return nil
}

// loadTLS returns nil configs when no certificate directory is configured.
func loadTLS(cfg config.TLSConfig, zlogger *zap.Logger) (*tls.Config, *tls.Config, error) {
	if cfg.CertDir == "" {
		return nil, nil, nil
	}
	if cfg.Generate {
		if _, err := os.Stat(filepath.Join(cfg.CertDir, certs.CAFile)); errors.Is(err, os.ErrNotExist) {
			zlogger.Info("generating development certificates", zap.String("dir", cfg.CertDir))
			if err := certs.Generate(cfg.CertDir); err != nil {
				return nil, nil, fmt.Errorf("generate certificates: %w", err)
			}
		}
	}
	serverTLS, clientTLS, err := certs.Load(cfg.CertDir)
	if err != nil {
		return nil, nil, fmt.Errorf("load certificates: %w", err)
	}
	return serverTLS, clientTLS, nil
}

func grpcFactory(clientTLS *tls.Config) connection.Factory {
	if clientTLS != nil {
		return connection.TLSFactory(clientTLS, connectTimeout)
	}
	return connection.InsecureFactory(connectTimeout)
}

func openStore(ctx context.Context, cfg config.StorageConfig, zlogger *zap.Logger) (storage.Store, httpapi.Cluster, error) {
	var (
		store   storage.Store
		cluster httpapi.Cluster
	)
	switch cfg.Backend {
	case config.BackendBolt:
		var opts []storage.BoltOption
		if cfg.EncryptionKey != "" {
			sealer, err := encryption.NewSealerFromHex(cfg.EncryptionKey)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, storage.WithSealer(sealer))
		}
		bolt, err := storage.OpenBoltStore(cfg.Path, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt store: %w", err)
		}
		store = bolt
	case config.BackendRaft:
		rs, err := raftstore.Open(cfg.Raft, zlogger)
		if err != nil {
			return nil, nil, fmt.Errorf("open raft store: %w", err)
		}
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := rs.WaitForLeader(waitCtx); err != nil {
			rs.Close()
			return nil, nil, fmt.Errorf("raft leader election: %w", err)
		}
		store, cluster = rs, rs
	default:
		store = storage.NewMemoryStore()
	}

	if cfg.CacheEntries > 0 {
		cached, err := storage.NewCachedStore(store, cfg.CacheEntries)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("cache: %w", err)
		}
		store = cached
	}
	zlogger.Info("storage ready", zap.String("backend", cfg.Backend), zap.Int64("cache_entries", cfg.CacheEntries))
	return store, cluster, nil
}

func buildRegistry(cfg config.Config, conns *connection.ConnectionPoolManager, zlogger *zap.Logger) (*participant.Registry, error) {
	registry := participant.NewRegistry(cfg.Orchestrator.CallTimeout, zlogger)
	for _, pc := range cfg.Participants {
		var p participant.Participant
		switch pc.Kind {
		case config.ParticipantGRPC:
			p = participant.NewGRPCParticipant(conns, pc.Target)
		default:
			p = participant.NewKVParticipant()
		}
		if pc.RateLimit > 0 {
			p = participant.RateLimited(p, pc.RateLimit, pc.Burst)
		}
		if err := registry.Register(pc.Address, transaction.ContractType(pc.Category), p); err != nil {
			return nil, fmt.Errorf("register participant %s: %w", pc.Address, err)
		}
		zlogger.Info("participant registered",
			zap.String("address", pc.Address),
			zap.String("kind", pc.Kind),
			zap.String("target", pc.Target),
		)
	}
	return registry, nil
}

// sweep calls fn every interval until ctx ends. A zero interval disables it.
func sweep(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func sweepDeadlocks(ctx context.Context, orch *orchestrator.Orchestrator, resolve bool, zlogger *zap.Logger) {
	if !resolve {
		orch.DetectDeadlocks(ctx)
		return
	}
	infos, err := orch.ResolveDeadlocks(ctx)
	if err != nil {
		zlogger.Warn("deadlock resolution incomplete", zap.Error(err))
	}
	for _, id := range rolledBackVictims(infos, err) {
		zlogger.Info("deadlock victim rolled back", zap.Uint64("txn_id", id))
	}
}

// rolledBackVictims lists the distinct victims in infos whose rollback did not
// fail according to err.
func rolledBackVictims(infos []transaction.DeadlockInfo, err error) []uint64 {
	failed := make(map[uint64]bool)
	for _, e := range multierr.Errors(err) {
		var victimErr *orchestrator.VictimError
		if errors.As(e, &victimErr) {
			failed[victimErr.TransactionID] = true
		}
	}
	var ids []uint64
	seen := make(map[uint64]bool)
	for _, info := range infos {
		id := info.TransactionID
		if seen[id] || failed[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func sweepTimeouts(ctx context.Context, orch *orchestrator.Orchestrator, zlogger *zap.Logger) {
	expired, err := orch.CheckTimeouts(ctx)
	if err != nil {
		zlogger.Warn("timeout sweep incomplete", zap.Error(err))
	}
	if len(expired) > 0 {
		zlogger.Info("expired transactions handled", zap.Uint64s("txn_ids", expired))
	}
}
