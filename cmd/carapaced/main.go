// Command carapaced runs a continuity kernel as a daemon: it restores
// state from the capsule store, wires the governance layer, heartbeats
// on a timer, and persists every checkpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carapace-labs/carapace/pkg/audit"
	"github.com/carapace-labs/carapace/pkg/config"
	"github.com/carapace-labs/carapace/pkg/contracts"
	"github.com/carapace-labs/carapace/pkg/cryptokeys"
	"github.com/carapace-labs/carapace/pkg/governance"
	"github.com/carapace-labs/carapace/pkg/kernel"
	"github.com/carapace-labs/carapace/pkg/observability"
	"github.com/carapace-labs/carapace/pkg/ratelimit"
	"github.com/carapace-labs/carapace/pkg/store"
	"github.com/carapace-labs/carapace/pkg/witness"
)

func main() {
	if err := run(); err != nil {
		slog.Error("carapaced exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Environment:  "production",
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     true,
	})
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	db, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	k, err := buildKernel(ctx, cfg, logger, obs, db)
	if err != nil {
		return err
	}

	governed, err := buildGoverned(cfg, logger, k)
	if err != nil {
		return err
	}

	logger.Info("carapaced started",
		"heartbeat_interval", cfg.HeartbeatInterval.Std(),
		"sqlite_path", cfg.SQLitePath,
		"redis", cfg.RedisAddr != "",
		"otlp", cfg.OTLPEndpoint != "",
	)

	return heartbeatLoop(ctx, cfg, logger, k, governed, db)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// buildKernel assembles a kernel, restoring frozen state from the most
// recent persisted capsule when one exists.
func buildKernel(ctx context.Context, cfg *config.Config, logger *slog.Logger, obs *observability.Provider, db store.Store) (*kernel.Kernel, error) {
	opts := []kernel.Option{
		kernel.WithHeartbeatInterval(cfg.HeartbeatInterval.Std()),
		kernel.WithDriftThreshold(cfg.DriftThreshold),
		kernel.WithWitnessTimeout(cfg.WitnessTimeout.Std()),
		kernel.WithMetricsEnabled(cfg.MetricsEnabled),
		kernel.WithLogger(logger.With("component", "kernel")),
		kernel.WithObservability(obs),
	}
	if cfg.WitnessExpr != "" {
		approver, err := witness.NewCELApprover(cfg.WitnessExpr)
		if err != nil {
			return nil, fmt.Errorf("witness expression: %w", err)
		}
		opts = append(opts, kernel.WithApprover(approver))
	}

	k := kernel.New(opts...)

	capsule, err := db.LatestCapsule(ctx)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("no persisted capsule, starting fresh")
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("restore: %w", err)
	}

	entries, err := db.EntriesSince(ctx, capsule.LedgerCheckpoint)
	if err != nil {
		return nil, fmt.Errorf("restore tail: %w", err)
	}
	tail := make([]contracts.Action, 0, len(entries))
	for _, e := range entries {
		tail = append(tail, e.Action)
	}

	state, err := k.Rehydrate(capsule, tail)
	if err != nil {
		return nil, fmt.Errorf("rehydrate: %w", err)
	}
	for key, value := range state {
		switch key {
		case "shell_version", "ledger_checkpoint", "replayed", "last_action":
			continue
		}
		k.SetInvariant(key, value)
	}
	logger.Info("state restored",
		"capsule", capsule.ID,
		"checkpoint", capsule.LedgerCheckpoint,
		"replayed", state["replayed"],
	)
	return k, nil
}

func buildGoverned(cfg *config.Config, logger *slog.Logger, k *kernel.Kernel) (*governance.Governed, error) {
	opts := []governance.Option{
		governance.WithLogger(logger.With("component", "governance")),
	}

	if cfg.RedisAddr != "" {
		opts = append(opts, governance.WithRateLimitStore(ratelimit.NewRedisStore(cfg.RedisAddr, "", 0)))
	}

	byName := make(map[string]governance.Operation)
	for _, op := range governance.Operations() {
		byName[op.String()] = op
	}
	for name, limit := range cfg.RateLimits {
		op, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("rate limit for unknown operation %q", name)
		}
		opts = append(opts, governance.WithRateLimit(op, ratelimit.Limit{
			MaxCalls: limit.MaxCalls,
			Window:   limit.Window.Std(),
		}))
	}

	if cfg.AuditMACSecret != "" {
		keyring, err := cryptokeys.NewKeyring([]byte(cfg.AuditMACSecret))
		if err != nil {
			return nil, fmt.Errorf("audit keyring: %w", err)
		}
		macKey, err := keyring.Derive("audit-mac")
		if err != nil {
			return nil, fmt.Errorf("audit mac key: %w", err)
		}
		opts = append(opts, governance.WithTrail(audit.NewTrail(audit.WithMACKey(macKey))))
	}

	return governance.New(k, opts...), nil
}

// heartbeatLoop drives periodic checkpoints and persists each one until
// the context is cancelled, then takes a final checkpoint.
func heartbeatLoop(ctx context.Context, cfg *config.Config, logger *slog.Logger, k *kernel.Kernel, governed *governance.Governed, db store.Store) error {
	ticker := time.NewTicker(cfg.HeartbeatInterval.Std())
	defer ticker.Stop()

	var persistedThrough int64

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down, taking final checkpoint")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := checkpoint(shutdownCtx, logger, k, governed, db, persistedThrough); err != nil {
				logger.Error("final checkpoint failed", "error", err)
			}
			return nil
		case <-ticker.C:
			through, err := checkpoint(ctx, logger, k, governed, db, persistedThrough)
			if err != nil {
				logger.Error("checkpoint failed", "error", err)
				continue
			}
			persistedThrough = through
		}
	}
}

// checkpoint heartbeats the kernel, persists the resulting capsule and
// the ledger entries past persistedThrough, and returns the new cursor.
func checkpoint(ctx context.Context, logger *slog.Logger, k *kernel.Kernel, governed *governance.Governed, db store.Store, persistedThrough int64) (int64, error) {
	if err := governed.Heartbeat(ctx); err != nil {
		return persistedThrough, err
	}

	snap := k.GetSnapshot()
	if snap.Capsule == nil {
		return persistedThrough, nil
	}
	if err := db.SaveCapsule(ctx, snap.Capsule); err != nil {
		return persistedThrough, fmt.Errorf("persist capsule: %w", err)
	}

	entries := k.Ledger().EntriesSince(persistedThrough)
	if err := db.SaveEntries(ctx, entries); err != nil {
		return persistedThrough, fmt.Errorf("persist entries: %w", err)
	}

	health := k.GetHealth()
	logger.Info("checkpoint",
		"capsule", snap.Capsule.ID,
		"checkpoint", snap.Capsule.LedgerCheckpoint,
		"drift", snap.DriftScore,
		"shell_version", snap.ShellVersion,
		"health", string(health.Status),
	)
	return k.Ledger().Len(), nil
}
