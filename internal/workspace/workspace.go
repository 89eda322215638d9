// Package workspace stages code bodies into per-request directories under a
// staging root that the sandbox runtime also sees (usually as a bind mount).
//
// Every request gets its own directory, so two requests never observe each
// other's files, and releasing a workspace removes exactly that directory.
package workspace

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/codeexec/internal/apperror"
	"github.com/sakif/codeexec/internal/language"
)

const (
	dirPrefix     = "ws_"
	stdinFileName = "stdin.txt"

	// rootMode lets the sandbox user reach a workspace whose name it was
	// given but not list the staging root to find anyone else's.
	rootMode = 0o711

	cleanupTimeout = 10 * time.Second
)

// Cleaner empties a workspace from inside the sandbox, as the user programs
// run as. Files a program creates there may belong to that user, and a
// server running under another uid cannot unlink them from the host.
type Cleaner interface {
	Cleanup(ctx context.Context, dir string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithCleaner makes Release and Prune empty each workspace through c before
// removing it from the host.
func WithCleaner(c Cleaner) Option {
	return func(m *Manager) { m.cleaner = c }
}

// Manager creates and releases workspaces.
type Manager struct {
	root        string // staging root on the host
	sandboxRoot string // the same directory as the sandbox sees it
	fs          FileSystem
	cleaner     Cleaner // nil when the host can remove everything itself
	logger      *slog.Logger
}

// NewManager returns a manager staging into root. sandboxRoot is where root
// is mounted inside the sandbox; pass root itself when the sandbox runs on
// the host.
func NewManager(root, sandboxRoot string, logger *slog.Logger, opts ...Option) (*Manager, error) {
	return newManager(root, sandboxRoot, osFS{}, logger, opts...)
}

func newManager(root, sandboxRoot string, fs FileSystem, logger *slog.Logger, opts ...Option) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving staging root: %w", err)
	}
	if err := os.MkdirAll(abs, rootMode); err != nil {
		return nil, fmt.Errorf("creating staging root: %w", err)
	}
	// MkdirAll leaves an existing root's mode alone.
	if err := os.Chmod(abs, rootMode); err != nil {
		return nil, fmt.Errorf("restricting staging root: %w", err)
	}
	if sandboxRoot == "" {
		sandboxRoot = abs
	}
	m := &Manager{root: abs, sandboxRoot: sandboxRoot, fs: fs, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Root returns the host staging root.
func (m *Manager) Root() string {
	return m.root
}

// Workspace is one staged request. Paths on the struct are sandbox paths;
// use HostDir for host-side access.
type Workspace struct {
	ID         string
	FileName   string
	HostDir    string
	Dir        string // sandbox view of HostDir
	SourcePath string
	StdinPath  string // empty when the request has no stdin

	m       *Manager
	once    sync.Once
	release error
}

// Stage resolves the file name, creates a fresh directory and writes the
// body (and stdin, when non-empty) into it. Naming errors are returned
// before anything touches the disk. Each I/O step is retried once.
func (m *Manager) Stage(ctx context.Context, strategy language.Strategy, body, stdin string) (*Workspace, error) {
	name, err := strategy.FileName(body)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The random tail keeps a program from guessing a neighbour's
	// directory from its own, since xids are sequential.
	id := xid.New().String() + "-" + strings.ToLower(rand.Text()[:10])
	hostDir := filepath.Join(m.root, dirPrefix+id)
	sandboxDir := path.Join(m.sandboxRoot, dirPrefix+id)

	if err := retryOnce(func() error { return m.fs.Mkdir(hostDir) }); err != nil {
		return nil, apperror.StagingFailed("create", err)
	}

	ws := &Workspace{
		ID:         id,
		FileName:   name,
		HostDir:    hostDir,
		Dir:        sandboxDir,
		SourcePath: path.Join(sandboxDir, name),
		m:          m,
	}

	if err := retryOnce(func() error { return m.fs.WriteFile(filepath.Join(hostDir, name), []byte(body)) }); err != nil {
		m.discard(hostDir)
		return nil, apperror.StagingFailed("write", err)
	}

	if stdin != "" {
		if err := retryOnce(func() error { return m.fs.WriteFile(filepath.Join(hostDir, stdinFileName), []byte(stdin)) }); err != nil {
			m.discard(hostDir)
			return nil, apperror.StagingFailed("write", err)
		}
		ws.StdinPath = path.Join(sandboxDir, stdinFileName)
	}

	return ws, nil
}

// Release removes the workspace directory. Safe to call more than once;
// later calls return the first call's result.
func (w *Workspace) Release() error {
	w.once.Do(func() {
		w.m.clean(w.Dir)
		if err := retryOnce(func() error { return w.m.fs.RemoveAll(w.HostDir) }); err != nil {
			w.release = apperror.StagingFailed("cleanup", err)
		}
	})
	return w.release
}

// clean empties sandboxDir through the cleaner, if any. A failure is only
// logged: the host removal that follows decides whether cleanup worked.
func (m *Manager) clean(sandboxDir string) {
	if m.cleaner == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := m.cleaner.Cleanup(ctx, sandboxDir); err != nil {
		m.logger.Warn("sandbox-side workspace cleanup failed",
			slog.String("dir", sandboxDir),
			slog.String("error", err.Error()),
		)
	}
}

// Use stages a workspace, runs fn with it and releases it on every path,
// including panics and context cancellation inside fn. A cleanup failure is
// returned only when fn itself succeeded.
func (m *Manager) Use(ctx context.Context, strategy language.Strategy, body, stdin string, fn func(*Workspace) error) (err error) {
	ws, err := m.Stage(ctx, strategy, body, stdin)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := ws.Release(); relErr != nil {
			m.logger.Error("workspace cleanup failed",
				slog.String("workspace", ws.ID),
				slog.String("error", apperror.CauseOf(relErr).Error()),
			)
			if err == nil {
				err = relErr
			}
		}
	}()
	return fn(ws)
}

// Prune removes workspace directories older than maxAge. Meant for startup,
// to clear what a crashed process left behind; never call it while requests
// are in flight with a maxAge shorter than the longest execution.
func (m *Manager) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("reading staging root: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		m.clean(path.Join(m.sandboxRoot, e.Name()))
		if err := m.fs.RemoveAll(filepath.Join(m.root, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func (m *Manager) discard(hostDir string) {
	if err := retryOnce(func() error { return m.fs.RemoveAll(hostDir) }); err != nil {
		m.logger.Error("removing partially staged workspace",
			slog.String("dir", hostDir),
			slog.String("error", err.Error()),
		)
	}
}

func retryOnce(op func() error) error {
	if err := op(); err == nil {
		return nil
	}
	return op()
}
