package apperror

import (
	"errors"
	"fmt"
)

// Sentinels identify the failure class. Handlers match them with errors.Is
// to pick an HTTP status; callers never compare messages.
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")

	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrInvalidSource       = errors.New("invalid source structure")
	ErrStaging             = errors.New("staging i/o error")
	ErrSandboxUnavailable  = errors.New("sandbox unavailable")
	ErrDuplicateBinding    = errors.New("template already has a saved artifact")
	ErrNoArtifactBound     = errors.New("no artifact bound to template")
	ErrPersistence         = errors.New("persistence failure")
)

type AppError struct {
	Err     error  // sentinel, one of the Err* values above
	Message string // human-readable, safe to return to clients
	Field   string // optional: request field causing the error
	Cause   error  // optional: underlying error, logged but never sent to clients
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

// UnsupportedLanguage is returned when a language identifier has no
// registered execution strategy.
func UnsupportedLanguage(id string) *AppError {
	return &AppError{
		Err:     ErrUnsupportedLanguage,
		Message: fmt.Sprintf("language %q is not supported", id),
		Field:   "language",
	}
}

// InvalidSource is returned when a language needs something from the code
// body (such as a declared type name) that the body does not contain.
func InvalidSource(message string) *AppError {
	return &AppError{
		Err:     ErrInvalidSource,
		Message: message,
		Field:   "body",
	}
}

func StagingFailed(op string, cause error) *AppError {
	return &AppError{
		Err:     ErrStaging,
		Message: fmt.Sprintf("workspace %s failed", op),
		Cause:   cause,
	}
}

func SandboxUnavailable(cause error) *AppError {
	return &AppError{
		Err:     ErrSandboxUnavailable,
		Message: "execution sandbox is unavailable",
		Cause:   cause,
	}
}

func DuplicateBinding(templateID int64) *AppError {
	return &AppError{
		Err:     ErrDuplicateBinding,
		Message: fmt.Sprintf("template %d already has a saved artifact", templateID),
		Field:   "codeTemplateId",
	}
}

func NoArtifactBound(templateID int64) *AppError {
	return &AppError{
		Err:     ErrNoArtifactBound,
		Message: fmt.Sprintf("template %d has no saved artifact", templateID),
		Field:   "codeTemplateId",
	}
}

func PersistenceFailed(cause error) *AppError {
	return &AppError{
		Err:     ErrPersistence,
		Message: "saving the artifact failed",
		Cause:   cause,
	}
}

// CauseOf returns the underlying cause of an AppError anywhere in err's
// chain, or err itself when there is none. Used for log attributes.
func CauseOf(err error) error {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Cause != nil {
		return appErr.Cause
	}
	return err
}
