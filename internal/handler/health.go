package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/codeexec/internal/apperror"
)

const healthTimeout = 3 * time.Second

// Pinger is anything the health check can ping.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports whether the sandbox runtime and the store answer.
type HealthHandler struct {
	checks map[string]Pinger
	logger *slog.Logger
}

func NewHealthHandler(sandbox, store Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checks: map[string]Pinger{"sandbox": sandbox, "database": store},
		logger: logger,
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HandleHealth answers 200 when every check passes and 503 otherwise.
//
// HTTP: GET /healthz
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.logger.Warn("health check failed",
				slog.String("check", name),
				slog.String("error", apperror.CauseOf(err).Error()),
			)
			resp.Status = "unavailable"
			resp.Checks[name] = "unavailable"
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
