// Command hetud is the HeTu kernel server: it loads a node configuration,
// wires the backend, registry, session/scheduler/executor/broker stack,
// and serves the WebSocket message pipeline described by spec.md §6.
//
// Usage:
//
//	hetud start [flags]       run a node
//	hetud build [flags]       generate client-SDK type stubs from the registry
//	hetud maintain [flags]    run startup schema maintenance out-of-band
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "hetud: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("usage error")

func usageError(err error) error {
	return fmt.Errorf("%w: %v", errUsage, err)
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return usageError(errors.New("no command specified"))
	}

	switch args[0] {
	case "start":
		return cmdStart(ctx, args[1:])
	case "build":
		return cmdBuild(ctx, args[1:])
	case "maintain":
		return cmdMaintain(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return usageError(fmt.Errorf("unknown command %q", args[0]))
	}
}

func printUsage() {
	fmt.Println(`hetud - HeTu kernel server

Usage:
  hetud start [flags]     run a node
  hetud build [flags]     generate client-SDK type stubs from the registry
  hetud maintain [flags]  run startup schema maintenance out-of-band

Run "hetud <command> -h" for flags of a specific command.`)
}
