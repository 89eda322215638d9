package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	tests := []struct {
		name   string
		status int
		level  string
	}{
		{"ok", http.StatusOK, "level=INFO"},
		{"client error", http.StatusNotFound, "level=WARN"},
		{"server error", http.StatusServiceUnavailable, "level=ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))

			h := chimw.RequestID(Logger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("hello"))
			})))

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/execute", nil))

			out := buf.String()
			assert.Contains(t, out, tt.level)
			assert.Contains(t, out, "path=/api/execute")
			assert.Contains(t, out, "bytes=5")
			assert.Regexp(t, `request_id=\S+`, out)
		})
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func request(h http.Handler, ip string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/execute", nil)
	req.RemoteAddr = ip + ":4321"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr.Code
}

func TestRateLimiter_PerIP(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{GlobalRPS: 1000, PerIPRPS: 0.001, PerIPBurst: 2, MaxConcurrent: 10})
	h := rl.Middleware(okHandler())

	assert.Equal(t, http.StatusOK, request(h, "10.0.0.1"))
	assert.Equal(t, http.StatusOK, request(h, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, request(h, "10.0.0.1"))

	// Another client has its own bucket.
	assert.Equal(t, http.StatusOK, request(h, "10.0.0.2"))
}

func TestRateLimiter_Global(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{GlobalRPS: 0.001, PerIPRPS: 1000, PerIPBurst: 1000, MaxConcurrent: 10})
	h := rl.Middleware(okHandler())

	assert.Equal(t, http.StatusOK, request(h, "10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, request(h, "10.0.0.2"))
}

func TestRateLimiter_Concurrency(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{GlobalRPS: 1000, PerIPRPS: 1000, PerIPBurst: 1000, MaxConcurrent: 1})

	entered := make(chan struct{})
	release := make(chan struct{})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		request(h, "10.0.0.1")
	}()
	<-entered

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/execute", nil)
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))

	close(release)
	wg.Wait()

	// The slot is free again.
	second := rl.Middleware(okHandler())
	assert.Equal(t, http.StatusOK, request(second, "10.0.0.3"))
}

func TestRateLimiter_Sweep(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{GlobalRPS: 1000, PerIPRPS: 1, PerIPBurst: 1, MaxConcurrent: 1, IdleTTL: time.Minute})
	now := time.Now()
	rl.clientLimiter("10.0.0.1", now.Add(-2*time.Minute))
	rl.clientLimiter("10.0.0.2", now)

	rl.sweep(now)

	require.Len(t, rl.clients, 1)
	assert.Contains(t, rl.clients, "10.0.0.2")
}

func TestDeadline(t *testing.T) {
	var remaining time.Duration
	var hasDeadline bool
	h := Deadline(time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var dl time.Time
		dl, hasDeadline = r.Context().Deadline()
		remaining = time.Until(dl)
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/execute", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	require.True(t, hasDeadline)
	assert.InDelta(t, time.Minute.Seconds(), remaining.Seconds(), 1)
}
