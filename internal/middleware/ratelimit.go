package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sakif/codeexec/internal/metrics"
)

// RateLimitConfig bounds how much execution work clients can request.
type RateLimitConfig struct {
	GlobalRPS     float64
	PerIPRPS      float64
	PerIPBurst    int
	MaxConcurrent int
	IdleTTL       time.Duration // per-IP limiters unused this long are dropped
}

// RateLimiter applies a global token bucket, one bucket per client IP and a
// cap on requests in flight. Rejections answer 429.
type RateLimiter struct {
	global  *rate.Limiter
	ipRate  rate.Limit
	ipBurst int
	idleTTL time.Duration
	slots   chan struct{}

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	burst := int(cfg.GlobalRPS) * 2
	if burst < 1 {
		burst = 1
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	return &RateLimiter{
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst),
		ipRate:  rate.Limit(cfg.PerIPRPS),
		ipBurst: cfg.PerIPBurst,
		idleTTL: cfg.IdleTTL,
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		clients: make(map[string]*client),
	}
}

func (rl *RateLimiter) clientLimiter(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.ipRate, rl.ipBurst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter
}

// acquire reports whether a request from ip may proceed. On true the caller
// must call release.
func (rl *RateLimiter) acquire(ip string) bool {
	if !rl.global.Allow() || !rl.clientLimiter(ip, time.Now()).Allow() {
		metrics.RateLimitHits.Inc()
		return false
	}
	select {
	case rl.slots <- struct{}{}:
		return true
	default:
		metrics.RateLimitHits.Inc()
		return false
	}
}

func (rl *RateLimiter) release() {
	<-rl.slots
}

// Middleware rejects requests over any of the limits. It expects chi's
// RealIP earlier in the chain so RemoteAddr is the client address.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.acquire(clientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited","message":"too many requests"}` + "\n"))
			return
		}
		defer rl.release()
		next.ServeHTTP(w, r)
	})
}

// Run drops idle per-IP limiters every interval until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

func (rl *RateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idleTTL {
			delete(rl.clients, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
