package main

import (
	"flag"
	"io"
	"time"

	"github.com/hetu-io/hetu/internal/config"
)

// parseNodeFlags builds a node Config from defaults (or an optional YAML
// file) overridden by command-line flags, mirroring cmd/slctl's
// FlagSet-per-subcommand shape with ContinueOnError and a discarded usage
// writer (the caller formats its own error).
func parseNodeFlags(name string, args []string) (*config.Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configFile := fs.String("config", "", "YAML config file (flags below override it)")
	namespace := fs.String("namespace", "", "deployment namespace")
	instance := fs.String("instance", "", "deployment instance id")
	port := fs.Int("port", 0, "listen port (0 keeps the config/default value)")
	db := fs.String("db", "", `backend driver: "redis" or "postgres"`)
	workers := fs.Int("workers", 0, "future-call poller goroutines (0 keeps the config/default value)")
	head := fs.Bool("head", false, "run as the head process (acquires the head lock)")
	debug := fs.Bool("debug", false, "enable debug logging")
	cert := fs.String("cert", "", "TLS certificate file (empty serves plain HTTP)")
	idleTimeout := fs.Duration("idle-timeout", 0, "connection idle timeout (0 keeps the config/default value)")

	if err := fs.Parse(args); err != nil {
		return nil, usageError(err)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return nil, err
	}

	if *namespace != "" {
		cfg.Server.Namespace = *namespace
	}
	if *instance != "" {
		cfg.Server.Instance = *instance
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *db != "" {
		cfg.Backend.Driver = *db
	}
	if *workers != 0 {
		cfg.Server.Workers = *workers
	}
	if *head {
		cfg.Server.Head = true
	}
	if *debug {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
	}
	if *cert != "" {
		cfg.Server.CertFile = *cert
	}
	if *idleTimeout != 0 {
		cfg.Server.IdleTimeout = *idleTimeout
	}
	if cfg.Server.Workers < 1 {
		cfg.Server.Workers = 1
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
