package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hetu-io/hetu/internal/registry"
)

// cmdStart runs the kernel as a long-lived server: build every subsystem,
// ensure schema, optionally take the head lock, bootstrap the process-wide
// registry, start the future-call pollers, then serve HTTP/WS until a
// shutdown signal arrives.
func cmdStart(ctx context.Context, args []string) error {
	cfg, err := parseNodeFlags("start", args)
	if err != nil {
		return usageError(err)
	}

	n, err := buildNode(ctx, cfg)
	if err != nil {
		return err
	}

	// Startup refuses drift rather than silently migrating: an operator
	// runs "hetud maintain" explicitly when a migration is intended.
	if err := n.ensureAllSchemas(ctx, false); err != nil {
		_ = n.Close(ctx)
		return err
	}

	// Startup maintenance: drop SystemLock rows older than 7 days, the
	// leftovers of ungraceful shutdowns.
	if err := n.scheduler.SweepStaleLocks(ctx, 7*24*time.Hour); err != nil {
		n.log.WithField("error", err.Error()).Warn("stale system lock sweep failed")
	}

	if cfg.Server.Head {
		holder := headHolderLabel(cfg.Server.Instance)
		if err := n.acquireHeadLock(ctx, holder); err != nil {
			_ = n.Close(ctx)
			return err
		}
		defer func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := n.releaseHeadLock(releaseCtx); err != nil {
				n.log.WithField("error", err.Error()).Warn("head lock release failed")
			}
		}()
	}

	registry.Bootstrap(n.merged, n.scheduler.Clusters(), applicationEndpoints(), n.securityConfig())

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	for i := 0; i < cfg.Server.Workers; i++ {
		go n.future.RunWorker(workerCtx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           n.router(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		var err error
		if cfg.Server.CertFile != "" {
			srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			err = srv.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.CertFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	n.log.WithField("port", cfg.Server.Port).Info("hetud listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		n.log.Info("shutdown signal received")
	case <-n.leaseLost:
		n.log.Warn("snowflake worker lease lost, shutting down")
		cancelWorkers()
		_ = n.Close(ctx)
		return fmt.Errorf("snowflake: worker lease lost")
	case err := <-serveErrCh:
		if err != nil {
			cancelWorkers()
			_ = n.Close(ctx)
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		n.log.WithField("error", err.Error()).Warn("http shutdown did not complete cleanly")
	}

	cancelWorkers()
	return n.Close(context.Background())
}

func headHolderLabel(instance string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s/%s/pid-%d", instance, host, os.Getpid())
}
