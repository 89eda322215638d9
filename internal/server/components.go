package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/codeexec/internal/config"
	"github.com/sakif/codeexec/internal/executor"
	"github.com/sakif/codeexec/internal/executor/docker"
	"github.com/sakif/codeexec/internal/executor/local"
	"github.com/sakif/codeexec/internal/language"
	"github.com/sakif/codeexec/internal/repository"
	"github.com/sakif/codeexec/internal/repository/postgres"
	"github.com/sakif/codeexec/internal/repository/sqlite"
	"github.com/sakif/codeexec/internal/service"
	"github.com/sakif/codeexec/internal/workspace"
)

// Components is the assembled dependency graph shared by the HTTP server
// and the MCP entry point:
//
//	config → repository, sandbox → bridge ─┐
//	         registry, workspaces ─────────┴→ ExecutionService
type Components struct {
	Repo       repository.ArtifactRepository
	Sandbox    executor.Sandbox
	Bridge     *executor.Bridge
	Languages  *language.Registry
	Workspaces *workspace.Manager
	Service    *service.ExecutionService
}

// Build opens the store and the sandbox described by cfg and wires the
// rest on top. Stale workspaces left by a previous process are pruned
// before Build returns, so nothing can be running in them yet.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	repo, err := openRepository(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	sandbox, sandboxRoot, err := openSandbox(cfg.Sandbox, logger)
	if err != nil {
		repo.Close()
		return nil, err
	}

	c, err := Assemble(cfg, repo, sandbox, sandboxRoot, logger)
	if err != nil {
		closeSandbox(sandbox)
		repo.Close()
		return nil, err
	}
	return c, nil
}

// Assemble wires already opened backends. sandboxRoot is where the staging
// directory appears inside the sandbox, or "" when the sandbox sees host
// paths.
func Assemble(cfg *config.Config, repo repository.ArtifactRepository, sandbox executor.Sandbox, sandboxRoot string, logger *slog.Logger) (*Components, error) {
	workspaces, err := workspace.NewManager(cfg.Sandbox.StagingDir, sandboxRoot, logger, workspace.WithCleaner(sandbox))
	if err != nil {
		return nil, fmt.Errorf("creating workspace manager: %w", err)
	}

	// The docker backend may still be starting; Prune then leaves what the
	// host alone cannot remove and the next start retries.
	removed, err := workspaces.Prune(cfg.Sandbox.StaleAfter)
	if err != nil {
		// Leftovers only cost disk space; keep starting.
		logger.Warn("pruning stale workspaces failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		logger.Info("pruned stale workspaces", slog.Int("count", removed))
	}

	languages := language.Default()
	bridge := executor.NewBridge(sandbox, cfg.Sandbox.CompileTimeout, cfg.Sandbox.RunTimeout, logger)

	return &Components{
		Repo:       repo,
		Sandbox:    sandbox,
		Bridge:     bridge,
		Languages:  languages,
		Workspaces: workspaces,
		Service:    service.NewExecutionService(languages, workspaces, bridge, repo, logger),
	}, nil
}

// Close releases the sandbox and the store.
func (c *Components) Close() error {
	return errors.Join(closeSandbox(c.Sandbox), c.Repo.Close())
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig) (repository.ArtifactRepository, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return db, nil
	default:
		if cfg.Path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
		db, err := sqlite.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return db, nil
	}
}

func openSandbox(cfg config.SandboxConfig, logger *slog.Logger) (executor.Sandbox, string, error) {
	if cfg.Backend == "local" {
		return local.New(local.Config{
			MaxOutputBytes: cfg.MaxOutputBytes,
			KillGrace:      cfg.KillGrace,
		}, logger), "", nil
	}

	mountSource := cfg.MountSource
	if mountSource == "" {
		// The daemon shares the host filesystem.
		abs, err := filepath.Abs(cfg.StagingDir)
		if err != nil {
			return nil, "", fmt.Errorf("resolving staging dir: %w", err)
		}
		mountSource = abs
	}

	sb, err := docker.New(docker.Config{
		Image:             cfg.Image,
		ContainerName:     cfg.ContainerName,
		ManageContainer:   cfg.ManageContainer,
		MountSource:       mountSource,
		SandboxRoot:       cfg.SandboxRoot,
		User:              cfg.User,
		MemoryLimit:       cfg.MemoryMB * 1024 * 1024,
		CPULimit:          cfg.CPUs,
		PidsLimit:         cfg.PidsLimit,
		MaxOutputBytes:    cfg.MaxOutputBytes,
		KillGrace:         cfg.KillGrace,
		SuperviseInterval: cfg.SuperviseInterval,
	}, logger)
	if err != nil {
		return nil, "", fmt.Errorf("creating docker sandbox: %w", err)
	}
	return sb, cfg.SandboxRoot, nil
}

func closeSandbox(sb executor.Sandbox) error {
	if c, ok := sb.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
