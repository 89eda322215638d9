package service

import (
	"github.com/sakif/codeexec/internal/executor"
)

// SaveError is returned when code ran but its artifact could not be stored.
// Result carries the execution output so callers can still show it.
type SaveError struct {
	Result *executor.Result
	Err    error
}

func (e *SaveError) Error() string {
	return "code ran but the artifact was not saved: " + e.Err.Error()
}

func (e *SaveError) Unwrap() error {
	return e.Err
}
