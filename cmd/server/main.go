// Package main is the entry point for the code execution HTTP server.
//
// The main package stays minimal. Its job is to:
//  1. Read configuration (config file, then env vars)
//  2. Create the logger
//  3. Build the components and start the server
//
// All actual logic lives in the internal packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/sakif/codeexec/internal/config"
	"github.com/sakif/codeexec/internal/logging"
	"github.com/sakif/codeexec/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: ./config.yaml if present)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(os.Stdout, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	// The docker sandbox does not block on the daemon here: until the
	// runtime container is up, executions fail with sandbox_unavailable.
	components, err := server.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to build components", slog.String("error", err.Error()))
		os.Exit(1)
	}

	srv, err := server.New(cfg, components, logger)
	if err != nil {
		components.Close()
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start blocks until SIGINT or SIGTERM.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
