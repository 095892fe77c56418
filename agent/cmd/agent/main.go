// Package main is the entry point for the m87 agent binary.
// It wires all internal packages together and starts the control client.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Load (or generate) the persisted device_id
//  4. Open the deployment store, the event outbox, and the log/metrics
//     managers
//  5. Build the deployment supervisor and the control client
//  6. Start the supervisor tick loop and the control client's reconnect
//     loop
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"m87.dev/agent/internal/control"
	"m87.dev/agent/internal/handlers"
	"m87.dev/agent/internal/identity"
	"m87.dev/agent/internal/logs"
	"m87.dev/agent/internal/metrics"
	"m87.dev/agent/internal/outbox"
	"m87.dev/agent/internal/store"
	"m87.dev/agent/internal/supervisor"
	"m87.dev/shared/device"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	brokerAddr       string
	publicDomain     string
	token            string
	stateDir         string
	trustInvalidCert bool
	logLevel         string
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
		Use:   "m87-agent",
		Short: "m87 agent — fleet control-plane agent",
		Long: `m87-agent runs on a managed device. It connects to the broker over
a persistent QUIC tunnel, sends heartbeats and deployment reports, and
reconciles the device's local deployment state to the broker's desired
revision.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.brokerAddr, "broker-addr", envOrDefault("M87_BROKER_ADDR", "localhost:9443"), "Broker QUIC address (host:port)")
	root.PersistentFlags().StringVar(&cfg.publicDomain, "public-domain", envOrDefault("M87_PUBLIC_DOMAIN", "m87.local"), "Public domain used to build the agent's SNI (control-<short_id>.<public_domain>)")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("M87_AGENT_TOKEN", ""), "Bearer token presented on the initial auth uni-stream")
	root.PersistentFlags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("M87_STATE_DIR", defaultStateDir()), "Directory for agent state (identity, deployment store, outbox, ssh host key)")
	root.PersistentFlags().BoolVar(&cfg.trustInvalidCert, "trust-invalid-cert", envOrDefault("M87_TRUST_INVALID_CERT", "") != "", "Skip broker certificate validation (development only)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("M87_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("m87-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.token == "" {
		logger.Warn("agent-token not configured — broker will reject the auth stream (set M87_AGENT_TOKEN in production)")
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deviceID, err := identity.Load(cfg.stateDir)
	if err != nil {
		return fmt.Errorf("failed to load device identity: %w", err)
	}
	shortID := device.ShortID(deviceID)

	logger.Info("starting m87 agent",
		zap.String("version", version),
		zap.String("broker", cfg.brokerAddr),
		zap.String("device_id", deviceID),
		zap.String("short_id", shortID),
		zap.String("state_dir", cfg.stateDir),
	)

	// --- Deployment store, outbox, log/metrics managers ---
	st, err := store.Open(cfg.stateDir)
	if err != nil {
		return fmt.Errorf("failed to open deployment store: %w", err)
	}

	ob, err := outbox.Open(cfg.stateDir)
	if err != nil {
		return fmt.Errorf("failed to open event outbox: %w", err)
	}

	logManager := logs.NewManager()
	go logManager.Run(ctx)
	defer logManager.StopAll()

	metricsCollector := &metrics.Collector{}

	// --- Supervisor ---
	sv := supervisor.New(st, ob, logger)

	// --- Handler deps shared across connections; Channels/SendDatagram are
	// filled in per-connection by the control manager. ---
	handlerDeps := handlers.Deps{
		Logger: logger,
		// TODO: verify the operator's per-stream bearer against the scopes
		// the broker granted it, once scoped tokens are issued (spec §4.3).
		ValidateToken:     func(string) error { return nil },
		LogManager:        logManager,
		Metrics:           metricsCollector,
		SSHHostKeyPath:    filepath.Join(cfg.stateDir, "ssh_host_key"),
		SFTPRoot:          "/",
		ResolveLogCommand: resolveLogCommand(st),
	}

	controlCfg := control.Config{
		BrokerAddr:        cfg.brokerAddr,
		PublicDomain:      cfg.publicDomain,
		ShortID:           shortID,
		Token:             cfg.token,
		TrustInvalidCert:  cfg.trustInvalidCert,
		HeartbeatInterval: 0,
		Version:           version,
	}
	mgr := control.New(controlCfg, sv, ob, handlerDeps, logger)

	// --- Start ---
	// The supervisor tick loop and the control client's reconnect loop run
	// concurrently. Both respect ctx cancellation for graceful shutdown.
	go sv.Run(ctx)
	mgr.Run(ctx)

	logger.Info("m87 agent stopped")
	return nil
}

// resolveLogCommand looks up runID in the store's current desired revision
// and returns its start command, working directory, and environment, for
// use by the log-follow handler (spec §4.11).
func resolveLogCommand(st *store.Store) func(runID string) ([]string, string, []string, bool) {
	return func(runID string) ([]string, string, []string, bool) {
		rev, err := st.LoadDesired()
		if err != nil || rev == nil {
			return nil, "", nil, false
		}
		job, ok := rev.FindJob(runID)
		if ok && len(job.Steps) > 0 {
			start := job.Steps[0].Run
			var argv []string
			if start.IsArgv {
				argv = start.Argv
			} else {
				argv = []string{"sh", "-c", start.Shell}
			}

			env := make([]string, 0, len(job.Env))
			for k, v := range job.Env {
				env = append(env, k+"="+v)
			}

			return argv, st.ResolveWorkdir(job), env, true
		}
		return nil, "", nil, false
	}
}

// defaultStateDir returns the platform-appropriate default state directory.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".m87-agent")
	}
	return ".m87-agent"
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
