package executor

import (
	"context"
	"log/slog"
	"time"

	"github.com/sakif/codeexec/internal/language"
	"github.com/sakif/codeexec/internal/workspace"
)

const (
	DefaultCompileTimeout = 10 * time.Second
	DefaultRunTimeout     = 5 * time.Second
)

// Bridge runs a staged workspace through a language's compile and run
// steps. Each step has its own time budget.
type Bridge struct {
	sandbox        Sandbox
	compileTimeout time.Duration
	runTimeout     time.Duration
	logger         *slog.Logger
}

// NewBridge returns a Bridge over sandbox. Non-positive budgets fall back to
// DefaultCompileTimeout and DefaultRunTimeout.
func NewBridge(sandbox Sandbox, compileTimeout, runTimeout time.Duration, logger *slog.Logger) *Bridge {
	if compileTimeout <= 0 {
		compileTimeout = DefaultCompileTimeout
	}
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}
	return &Bridge{
		sandbox:        sandbox,
		compileTimeout: compileTimeout,
		runTimeout:     runTimeout,
		logger:         logger,
	}
}

// Execute compiles (if the language needs it) and runs the workspace.
//
// A failed or timed-out compile stops there and its result is returned as
// is, so compiler diagnostics reach the caller. Otherwise compile output is
// prepended to run output.
func (b *Bridge) Execute(ctx context.Context, ws *workspace.Workspace, strategy language.Strategy) (*Result, error) {
	cmds := strategy.Bind(ws.SourcePath)
	start := time.Now()

	var compiled *Result
	if len(cmds.Compile) > 0 {
		res, err := b.sandbox.Run(ctx, Command{
			Argv:    cmds.Compile,
			Env:     cmds.Env,
			Dir:     ws.Dir,
			Timeout: b.compileTimeout,
		})
		if err != nil {
			return nil, err
		}
		if res.Status != StatusCompleted || res.ExitCode != 0 {
			b.logger.Debug("compile step did not succeed",
				slog.String("workspace", ws.ID),
				slog.String("status", string(res.Status)),
				slog.Int("exit_code", res.ExitCode),
			)
			res.Duration = time.Since(start)
			return res, nil
		}
		compiled = res
	}

	res, err := b.sandbox.Run(ctx, Command{
		Argv:      cmds.Run,
		Env:       cmds.Env,
		Dir:       ws.Dir,
		StdinFile: ws.StdinPath,
		Timeout:   b.runTimeout,
	})
	if err != nil {
		return nil, err
	}

	if compiled != nil {
		res.Stdout = compiled.Stdout + res.Stdout
		res.Stderr = compiled.Stderr + res.Stderr
		res.Truncated = res.Truncated || compiled.Truncated
	}
	res.Duration = time.Since(start)
	return res, nil
}

// Ping reports whether the sandbox can accept work.
func (b *Bridge) Ping(ctx context.Context) error {
	return b.sandbox.Ping(ctx)
}
