package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/hetu-io/hetu/internal/config"
)

// cmdMaintain runs out-of-band operator tasks against a stopped or
// otherwise-running deployment: additive schema migration and stale
// system-lock sweeping. It builds the same node graph cmdStart does but
// never opens the HTTP/WS listener or starts the future-call pollers.
func cmdMaintain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("maintain", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configFile := fs.String("config", "", "YAML config file")
	instance := fs.String("instance", "", "deployment instance id")
	migrateSchema := fs.Bool("migrate-schema", false, "apply additive schema migrations instead of refusing on drift")
	sweepLocks := fs.Bool("sweep-locks", false, "release system locks older than -sweep-age")
	sweepAge := fs.Duration("sweep-age", 24*time.Hour, "age threshold for -sweep-locks")

	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return err
	}
	if *instance != "" {
		cfg.Server.Instance = *instance
	}
	if cfg.Server.Workers < 1 {
		cfg.Server.Workers = 1
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	n, err := buildNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(ctx); err != nil {
			n.log.WithField("error", err.Error()).Warn("maintain: close failed")
		}
	}()

	if err := n.ensureAllSchemas(ctx, *migrateSchema); err != nil {
		return err
	}

	if *sweepLocks {
		if err := n.scheduler.SweepStaleLocks(ctx, *sweepAge); err != nil {
			return fmt.Errorf("maintain: sweep system locks: %w", err)
		}
	}

	n.log.Info("maintain: complete")
	return nil
}
