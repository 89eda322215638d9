package service

import (
	"log/slog"
	"time"
)

// Phase is a step in a request's life. Each request moves forward only:
//
//	received → resolved → staged → running → completed|timed_out|failed → cleaned
//
// A request can fail out of any phase; cleaned follows whenever staged was
// reached.
type Phase string

const (
	PhaseReceived  Phase = "received"
	PhaseResolved  Phase = "resolved"
	PhaseStaged    Phase = "staged"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseTimedOut  Phase = "timed_out"
	PhaseFailed    Phase = "failed"
	PhaseCleaned   Phase = "cleaned"
)

// tracker logs phase transitions of one request at debug level.
type tracker struct {
	logger *slog.Logger
	phase  Phase
	start  time.Time
	staged bool
}

func newTracker(logger *slog.Logger, language string) *tracker {
	t := &tracker{
		logger: logger.With(slog.String("language", language)),
		phase:  PhaseReceived,
		start:  time.Now(),
	}
	t.logger.Debug("execution phase", slog.String("phase", string(PhaseReceived)))
	return t
}

// with adds attributes to every later transition.
func (t *tracker) with(attrs ...any) {
	t.logger = t.logger.With(attrs...)
}

func (t *tracker) advance(p Phase) {
	if p == PhaseStaged {
		t.staged = true
	}
	t.logger.Debug("execution phase",
		slog.String("from", string(t.phase)),
		slog.String("phase", string(p)),
		slog.Duration("elapsed", time.Since(t.start)),
	)
	t.phase = p
}

// fail records an abort. Cleanup has already happened by the time callers
// see the error, so a staged request also gets its cleaned transition.
func (t *tracker) fail(err error) {
	t.logger.Debug("execution aborted",
		slog.String("from", string(t.phase)),
		slog.String("error", err.Error()),
	)
	t.advance(PhaseFailed)
	if t.staged {
		t.advance(PhaseCleaned)
	}
}
