// Goatfieldd is the GOAT Field daemon.
//
// It keeps the observation journal, maintains the relationship graph,
// reflects on recorded work while the host is idle and serves the admin
// API that reviewers and producers talk to.
//
// Configuration is read from ~/.config/goatfield/config.yaml (or --config)
// and GOATFIELD_* environment variables. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	goatfieldd
//
//	# Use another config file
//	goatfieldd --config /etc/goatfield/config.yaml
//
//	# Override a value from the environment
//	GOATFIELD_SERVER_ADDR=127.0.0.1:9090 goatfieldd
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/goatfield/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  goatfieldd [--config FILE]   Start the daemon\n")
			fmt.Fprintf(os.Stderr, "  goatfieldd version           Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "goatfieldd: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("goatfieldd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}
