// Command tracker runs the coreswarm BEP-15 UDP BitTorrent tracker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coreswarm/tracker/internal/config"
	"github.com/coreswarm/tracker/internal/connid"
	"github.com/coreswarm/tracker/internal/dispatch"
	"github.com/coreswarm/tracker/internal/stats"
	"github.com/coreswarm/tracker/internal/table"
)

// sweepBudget bounds how many swarms get a stale-peer pass per lifecycle
// tick, matching utrack's `num_to_purge = min(swarms.size(), 20)`.
const sweepBudget = 20

// lifecycleInterval is how often stats are sampled/reset and the table is
// swept, matching utrack's 60-second main loop.
const lifecycleInterval = 60 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("tracker: %w", err)
	}

	logger, err := buildLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("tracker: logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best effort flush on exit

	if cfg.IsFallbackSecret() {
		logger.Warn("using insecure default secret; set -secret or TRACKER_SECRET for production use")
	}
	if cfg.AllowAlternateIP {
		logger.Warn("allow-alternate-ip is enabled: announced ip fields are trusted over the packet source, " +
			"which is spoofable by anyone who can forge UDP source addresses")
	}

	secret, err := connid.NewSecret()
	if err != nil {
		return fmt.Errorf("tracker: generate connection-id secret: %w", err)
	}

	tbl := table.New()
	counters := &stats.Counters{}

	d := dispatch.New(dispatch.Config{
		BindAddr:         cfg.BindAddr,
		Port:             cfg.Port,
		Workers:          cfg.Workers,
		SockBufBytes:     cfg.SockBufBytes,
		AllowAlternateIP: cfg.AllowAlternateIP,
		Secret:           secret,
	}, logger, tbl, counters)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(ctx)
	}()

	logger.Info("tracker starting",
		zap.String("bind", cfg.BindAddr),
		zap.Int("port", cfg.Port),
		zap.Int("workers", cfg.Workers),
	)

	go lifecycleLoop(ctx, tbl, counters, logger)

	if err := <-errCh; err != nil {
		return fmt.Errorf("tracker: dispatcher: %w", err)
	}
	logger.Info("tracker stopped")
	return nil
}

// lifecycleLoop samples and resets the stats counters and runs a budgeted
// stale-peer sweep over the swarm table once per tick, until ctx is done.
func lifecycleLoop(ctx context.Context, tbl *table.Table, counters *stats.Counters, logger *zap.Logger) {
	ticker := time.NewTicker(lifecycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := counters.Reset()
			logger.Info("stats",
				zap.Uint64("connects", snap.Connects),
				zap.Uint64("announces", snap.Announces),
				zap.Uint64("scrapes", snap.Scrapes),
				zap.Uint64("errors", snap.Errors),
				zap.Uint64("bytes_in", snap.BytesIn),
				zap.Uint64("bytes_out", snap.BytesOut),
				zap.Int("swarms", tbl.Len()),
			)
			tbl.Sweep(now, sweepBudget)
		}
	}
}

func buildLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}
