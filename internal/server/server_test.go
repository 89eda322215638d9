package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/codeexec/internal/auth"
	"github.com/sakif/codeexec/internal/config"
	"github.com/sakif/codeexec/internal/executor"
	"github.com/sakif/codeexec/internal/repository/sqlite"
)

// fakeSandbox "runs" a command by echoing the file it was given plus any
// stdin. Compilers always succeed.
type fakeSandbox struct {
	mu       sync.Mutex
	commands [][]string
	pingErr  error
	hold     time.Duration // how long each run takes
}

func (f *fakeSandbox) Run(ctx context.Context, cmd executor.Command) (*executor.Result, error) {
	f.mu.Lock()
	f.commands = append(f.commands, cmd.Argv)
	hold := f.hold
	f.mu.Unlock()

	if hold > 0 {
		select {
		case <-time.After(hold):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	out := "ran " + filepath.Base(cmd.Argv[len(cmd.Argv)-1]) + "\n"
	if cmd.StdinFile != "" {
		stdin, err := os.ReadFile(cmd.StdinFile)
		if err != nil {
			return nil, err
		}
		out += string(stdin)
	}
	return &executor.Result{Stdout: out, Status: executor.StatusCompleted, Duration: time.Millisecond}, nil
}

func (f *fakeSandbox) Ping(context.Context) error { return f.pingErr }

func (f *fakeSandbox) Cleanup(context.Context, string) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{
			Port:            8080,
			ReadTimeout:     5 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"},
		Sandbox: config.SandboxConfig{
			Backend:        "local",
			StagingDir:     t.TempDir(),
			RunTimeout:     time.Second,
			CompileTimeout: time.Second,
			KillGrace:      time.Second,
			MaxOutputBytes: 1 << 16,
			StaleAfter:     time.Hour,
		},
		RateLimit: config.RateLimitConfig{GlobalRPS: 1000, PerIPRPS: 1000, PerIPBurst: 1000, MaxConcurrent: 100},
		Logging:   config.LoggingConfig{Format: "text", Level: "error"},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, sb *fakeSandbox) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	repo, err := sqlite.New(":memory:")
	require.NoError(t, err)

	components, err := Assemble(cfg, repo, sb, "", logger)
	require.NoError(t, err)
	t.Cleanup(func() { components.Close() })

	srv, err := New(cfg, components, logger)
	require.NoError(t, err)
	return srv
}

type client struct {
	t     *testing.T
	h     http.Handler
	token string
}

func (c client) do(method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	c.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	rr := httptest.NewRecorder()
	c.h.ServeHTTP(rr, req)

	var decoded map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") && strings.HasPrefix(strings.TrimSpace(rr.Body.String()), "{") {
		require.NoError(c.t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}

func TestExecuteRoute(t *testing.T) {
	sb := &fakeSandbox{}
	srv := newTestServer(t, testConfig(t), sb)
	c := client{t: t, h: srv.Handler()}

	rr, body := c.do(http.MethodPost, "/api/execute", map[string]any{
		"body": "print(input())", "language": "python", "stdin": "hello",
	})

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "ran code.py\nhello", body["stdout"])
	assert.Equal(t, "completed", body["status"])
	assert.Nil(t, body["codeId"])
}

func TestExecuteRoute_CompiledLanguage(t *testing.T) {
	sb := &fakeSandbox{}
	srv := newTestServer(t, testConfig(t), sb)
	c := client{t: t, h: srv.Handler()}

	rr, _ := c.do(http.MethodPost, "/api/execute", map[string]any{
		"body": "public class Main { public static void main(String[] a) {} }", "language": "java",
	})

	require.Equal(t, http.StatusOK, rr.Code)
	require.Len(t, sb.commands, 2)
	assert.Equal(t, "javac", sb.commands[0][0])
	assert.Equal(t, "java", sb.commands[1][0])
	assert.Equal(t, "Main", sb.commands[1][len(sb.commands[1])-1])
}

func TestArtifactLifecycle(t *testing.T) {
	srv := newTestServer(t, testConfig(t), &fakeSandbox{})
	c := client{t: t, h: srv.Handler()}

	rr, body := c.do(http.MethodPost, "/api/codeExec", map[string]any{
		"body": "puts gets", "language": "ruby", "stdin": "one", "codeTemplateId": 12,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	codeID, _ := body["codeId"].(string)
	require.NotEmpty(t, codeID)
	assert.Equal(t, float64(12), body["codeTemplateId"])

	rr, _ = c.do(http.MethodPost, "/api/codeExec", map[string]any{
		"body": "puts 2", "language": "ruby", "codeTemplateId": 12,
	})
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr, body = c.do(http.MethodGet, "/api/codeExec?templateId=12", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, codeID, body["codeId"])
	assert.Equal(t, "ran code.rb\none", body["stdout"])

	rr, body = c.do(http.MethodPost, "/api/codeExec/run", map[string]any{"codeTemplateId": 12, "stdin": "two"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ran code.rb\ntwo", body["stdout"])

	rr, body = c.do(http.MethodPut, "/api/codeExec", map[string]any{"codeTemplateId": 12, "language": "python"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "ran code.py\ntwo", body["stdout"])

	rr, body = c.do(http.MethodGet, "/api/codeExec/"+codeID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "python", body["language"])
	assert.Equal(t, "two", body["stdin"])
	assert.Equal(t, "code.py", body["path"])

	rr, _ = c.do(http.MethodDelete, "/api/codeExec", map[string]any{"codeTemplateId": 12})
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr, body = c.do(http.MethodGet, "/api/codeExec?templateId=12", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "no_artifact_bound", body["error"])

	// Detached artifacts stay reachable by ID.
	rr, body = c.do(http.MethodPost, "/api/codeExec/"+codeID+"/run", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Nil(t, body["codeTemplateId"])

	rr, _ = c.do(http.MethodGet, "/api/codeExec?limit=10", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Len(t, list, 1)
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t, testConfig(t), &fakeSandbox{})
	c := client{t: t, h: srv.Handler()}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		errTyp string
	}{
		{"unsupported language", http.MethodPost, "/api/execute", map[string]any{"body": "x", "language": "cobol"}, http.StatusBadRequest, "unsupported_language"},
		{"missing public class", http.MethodPost, "/api/execute", map[string]any{"body": "class A {}", "language": "java"}, http.StatusBadRequest, "invalid_source"},
		{"empty body", http.MethodPost, "/api/execute", map[string]any{"body": "", "language": "python"}, http.StatusBadRequest, "validation_error"},
		{"unknown artifact", http.MethodGet, "/api/codeExec/nope", nil, http.StatusNotFound, "not_found"},
		{"unbound template run", http.MethodPost, "/api/codeExec/run", map[string]any{"codeTemplateId": 99}, http.StatusNotFound, "no_artifact_bound"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := c.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.errTyp, body["error"])
		})
	}
}

func TestOpsRoutes(t *testing.T) {
	sb := &fakeSandbox{}
	srv := newTestServer(t, testConfig(t), sb)
	c := client{t: t, h: srv.Handler()}

	rr, body := c.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])

	sb.pingErr = fmt.Errorf("runtime container missing")
	rr, _ = c.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	c.do(http.MethodPost, "/api/execute", map[string]any{"body": "print(1)", "language": "python"})
	rr, _ = c.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "codeexec_executions_total")

	rr, _ = c.do(http.MethodGet, "/api/languages", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"id":"rust"`)
}

func TestAuthGuardsMutations(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "integration-secret-0123456789"
	srv := newTestServer(t, cfg, &fakeSandbox{})

	anon := client{t: t, h: srv.Handler()}
	rr, _ := anon.do(http.MethodPost, "/api/codeExec", map[string]any{"body": "print(1)", "language": "python"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr, _ = anon.do(http.MethodDelete, "/api/codeExec", map[string]any{"codeTemplateId": 1})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	// Reads and ad hoc runs stay open.
	rr, _ = anon.do(http.MethodGet, "/api/codeExec", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	rr, _ = anon.do(http.MethodPost, "/api/execute", map[string]any{"body": "print(1)", "language": "python"})
	assert.Equal(t, http.StatusOK, rr.Code)

	tokens, err := auth.NewTokenService(cfg.Auth.JWTSecret)
	require.NoError(t, err)
	token, err := tokens.Generate("grader")
	require.NoError(t, err)

	authed := client{t: t, h: srv.Handler(), token: token}
	rr, _ = authed.do(http.MethodPost, "/api/codeExec", map[string]any{"body": "print(1)", "language": "python"})
	assert.Equal(t, http.StatusCreated, rr.Code)
}

func TestRateLimitedExecute(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit = config.RateLimitConfig{GlobalRPS: 1000, PerIPRPS: 0.001, PerIPBurst: 1, MaxConcurrent: 10}
	srv := newTestServer(t, cfg, &fakeSandbox{})
	c := client{t: t, h: srv.Handler()}

	rr, _ := c.do(http.MethodPost, "/api/execute", map[string]any{"body": "print(1)", "language": "python"})
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, body := c.do(http.MethodPost, "/api/execute", map[string]any{"body": "print(1)", "language": "python"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "rate_limited", body["error"])

	// Reads are not limited.
	rr, _ = c.do(http.MethodGet, "/api/languages", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAssemble_PrunesStaleWorkspaces(t *testing.T) {
	cfg := testConfig(t)
	stale := filepath.Join(cfg.Sandbox.StagingDir, "ws_stale")
	fresh := filepath.Join(cfg.Sandbox.StagingDir, "ws_fresh")
	require.NoError(t, os.Mkdir(stale, 0o755))
	require.NoError(t, os.Mkdir(fresh, 0o755))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	newTestServer(t, cfg, &fakeSandbox{})

	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
}

func TestServe_GracefulShutdown(t *testing.T) {
	srv := newTestServer(t, testConfig(t), &fakeSandbox{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestQueuedEditAnswersBeforeWriteTimeout(t *testing.T) {
	cfg := testConfig(t)
	// Leaves a 300ms request deadline on the execution routes.
	cfg.Server.WriteTimeout = config.ResponseMargin + 300*time.Millisecond
	sb := &fakeSandbox{}
	srv := newTestServer(t, cfg, sb)
	c := client{t: t, h: srv.Handler()}

	rr, _ := c.do(http.MethodPost, "/api/codeExec", map[string]any{
		"body": "print(1)", "language": "python", "codeTemplateId": 5,
	})
	require.Equal(t, http.StatusCreated, rr.Code)

	sb.mu.Lock()
	sb.hold = 200 * time.Millisecond
	sb.mu.Unlock()

	// Each edit alone fits the deadline; the ones queued behind it do not.
	const n = 3
	codes := make(chan int, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			rr, _ := c.do(http.MethodPut, "/api/codeExec", map[string]any{
				"codeTemplateId": 5, "body": fmt.Sprintf("print(%d)", i+2),
			})
			codes <- rr.Code
		}(i)
	}

	var ok, timedOut int
	for i := 0; i < n; i++ {
		switch code := <-codes; code {
		case http.StatusOK:
			ok++
		case http.StatusGatewayTimeout:
			timedOut++
		default:
			t.Errorf("unexpected status %d", code)
		}
	}
	assert.GreaterOrEqual(t, ok, 1)
	assert.GreaterOrEqual(t, timedOut, 1)
}
