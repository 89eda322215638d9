// Command mcp exposes the execution engine to MCP clients over stdio.
//
// Stdout carries the protocol, so logs go to stderr.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/sakif/codeexec/internal/config"
	"github.com/sakif/codeexec/internal/logging"
	"github.com/sakif/codeexec/internal/mcpserver"
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

	logger, err := logging.New(os.Stderr, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}

	components, err := server.Build(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("failed to build components", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer components.Close()

	if err := mcpserver.New(components.Service, components.Languages, logger).ServeStdio(); err != nil {
		logger.Error("mcp server error", slog.String("error", err.Error()))
		components.Close()
		os.Exit(1)
	}
}
