// Package main is the broker entry point: a single QUIC endpoint (C2) that
// dispatches agent control tunnels and operator forwards by SNI (C6),
// ingests heartbeats (C7), and persists per-device desired revisions and
// reports (devicestore). Grounded on the teacher's cmd/server/main.go wiring
// shape — cobra root command, envOrDefault flag binding, signal.NotifyContext
// graceful shutdown — generalised from the teacher's HTTP+gRPC+DB stack to
// this system's single QUIC listener.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"m87.dev/broker/internal/certwatch"
	"m87.dev/broker/internal/devicestore"
	"m87.dev/broker/internal/dispatcher"
	"m87.dev/broker/internal/ingest"
	"m87.dev/broker/internal/quicendpoint"
	"m87.dev/broker/internal/registry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	listenAddr        string
	publicDomain      string
	certPath          string
	keyPath           string
	dataDir           string
	logLevel          string
	heartbeatInterval time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "m87-broker",
		Short: "m87 broker — QUIC control plane for fleet agents",
		Long: `m87-broker terminates one QUIC endpoint shared by every agent's control
tunnel and every operator's forward connection, classifying each by SNI,
ingesting heartbeats, and splicing operator traffic onto the matching
agent tunnel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("M87_LISTEN_ADDR", ":7443"), "UDP address the QUIC endpoint listens on")
	root.PersistentFlags().StringVar(&cfg.publicDomain, "public-domain", envOrDefault("M87_PUBLIC_DOMAIN", "m87.example.com"), "Public domain suffix used to classify SNI (control-<id>.<domain>, <id>.<domain>)")
	root.PersistentFlags().StringVar(&cfg.certPath, "tls-cert", envOrDefault("M87_TLS_CERT", "./certs/broker.crt"), "Path to the broker's TLS certificate (hot-reloaded)")
	root.PersistentFlags().StringVar(&cfg.keyPath, "tls-key", envOrDefault("M87_TLS_KEY", "./certs/broker.key"), "Path to the broker's TLS private key (hot-reloaded)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("M87_DATA_DIR", "./data"), "Directory for per-device state (desired revisions, report history)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("M87_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", mustParseDuration(envOrDefault("M87_HEARTBEAT_INTERVAL", "30s")), "Heartbeat interval pushed down to agents")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("m87-broker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting m87 broker",
		zap.String("version", version),
		zap.String("listen_addr", cfg.listenAddr),
		zap.String("public_domain", cfg.publicDomain),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Per-device persistence ---
	store, err := devicestore.Open(cfg.dataDir)
	if err != nil {
		return fmt.Errorf("failed to open device store: %w", err)
	}

	// --- 2. Tunnel registry ---
	reg := registry.New(logger)

	// --- 3. Heartbeat ingestion ---
	ing := &ingest.Ingestor{
		Store:             store,
		Sink:              store,
		HeartbeatInterval: int(cfg.heartbeatInterval / time.Second),
		Logger:            logger,
	}

	// --- 4. SNI dispatcher ---
	disp := &dispatcher.Dispatcher{
		PublicDomain: cfg.publicDomain,
		Registry:     reg,
		Ingest:       ing,
		Authenticate: nil, // TODO: wire a real bearer/scope check once the token issuance surface is decided
		Logger:       logger,
	}

	// --- 5. Certificate hot-reload ---
	watcher, err := certwatch.New(cfg.certPath, cfg.keyPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	// --- 6. QUIC endpoint ---
	endpoint := &quicendpoint.Endpoint{
		Addr:           cfg.listenAddr,
		GetCertificate: watcher.GetCertificate,
		Handler:        disp.HandleConn,
		Logger:         logger,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := endpoint.Run(ctx, watcher.Reload()); err != nil {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down m87 broker")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("quic endpoint stopped: %w", err)
		}
	}

	logger.Info("m87 broker stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
