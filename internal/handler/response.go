package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON and writeError, so all responses
// share one shape. Errors always look like:
//
//	{"error": "not_found", "message": "artifact not found with id abc123"}
//
// Validation errors also name the offending field, and a failed save after a
// successful run still carries the program output.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/sakif/codeexec/internal/apperror"
	"github.com/sakif/codeexec/internal/executor"
	"github.com/sakif/codeexec/internal/model"
	"github.com/sakif/codeexec/internal/service"
)

// maxRequestBytes bounds a request body: code and stdin limits plus room for
// the JSON envelope.
const maxRequestBytes = service.MaxCodeLength + service.MaxStdinLength + 4096

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // machine-readable error type
	Message string `json:"message"`         // human-readable description
	Field   string `json:"field,omitempty"` // request field at fault, when known
}

// saveErrorResponse is sent when the code ran but could not be stored.
type saveErrorResponse struct {
	ErrorResponse
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// ExecutionResponse is the result of one execution. CodeID and TemplateID
// are set on routes that persist the artifact.
type ExecutionResponse struct {
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	Status     executor.Status `json:"status"`
	ExitCode   int             `json:"exitCode"`
	TimedOut   bool            `json:"timedOut"`
	Truncated  bool            `json:"truncated"`
	DurationMs int64           `json:"durationMs"`
	Detail     string          `json:"detail,omitempty"`
	CodeID     string          `json:"codeId,omitempty"`
	TemplateID *int64          `json:"codeTemplateId,omitempty"`
}

func newExecutionResponse(res *executor.Result, artifact *model.CodeArtifact) ExecutionResponse {
	out := ExecutionResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Status:     res.Status,
		ExitCode:   res.ExitCode,
		TimedOut:   res.TimedOut(),
		Truncated:  res.Truncated,
		DurationMs: res.Duration.Milliseconds(),
		Detail:     res.Detail,
	}
	if artifact != nil {
		out.CodeID = artifact.ID
		out.TemplateID = artifact.TemplateID
	}
	return out
}

// writeJSON sends a JSON response with the given status code. Headers must
// be set before WriteHeader; anything set afterwards is ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent, so logging is all that's left.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusOf maps a domain error to its HTTP status and error type.
// errors.Is walks the whole chain, so wrapped AppErrors still match.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrUnsupportedLanguage):
		return http.StatusBadRequest, "unsupported_language"
	case errors.Is(err, apperror.ErrInvalidSource):
		return http.StatusBadRequest, "invalid_source"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrNoArtifactBound):
		return http.StatusNotFound, "no_artifact_bound"
	case errors.Is(err, apperror.ErrDuplicateBinding):
		return http.StatusConflict, "duplicate_binding"
	case errors.Is(err, apperror.ErrSandboxUnavailable):
		return http.StatusServiceUnavailable, "sandbox_unavailable"
	case errors.Is(err, apperror.ErrStaging):
		return http.StatusInternalServerError, "staging_error"
	case errors.Is(err, apperror.ErrPersistence):
		return http.StatusInternalServerError, "persistence_error"
	case errors.Is(err, context.DeadlineExceeded):
		// queued behind other work on the same artifact past the request deadline
		return http.StatusGatewayTimeout, "request_timeout"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError maps a domain error to the appropriate HTTP status code and
// sends it. Errors that are not AppErrors never leak their text: they can
// carry SQL, file paths or daemon messages.
func writeError(w http.ResponseWriter, err error) {
	status, errorType := statusOf(err)

	resp := ErrorResponse{Error: errorType, Message: "An internal error occurred"}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		resp.Message = appErr.Message
		resp.Field = appErr.Field
	}

	var saveErr *service.SaveError
	if errors.As(err, &saveErr) && saveErr.Result != nil {
		writeJSON(w, status, saveErrorResponse{
			ErrorResponse: resp,
			Stdout:        saveErr.Result.Stdout,
			Stderr:        saveErr.Result.Stderr,
		})
		return
	}

	writeJSON(w, status, resp)
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	return decodeError(json.NewDecoder(r.Body).Decode(dst))
}

func decodeError(err error) error {
	if err == nil {
		return nil
	}
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		return apperror.ValidationFailed("body", fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
	case errors.Is(err, io.EOF):
		return apperror.ValidationFailed("body", "request body is empty")
	default:
		return apperror.ValidationFailed("body", "invalid JSON body")
	}
}

// decodeOptionalJSON is decodeJSON for routes where the body may be absent.
// A missing body, chunked or not, leaves dst untouched.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return decodeError(err)
}

func requireTemplateID(id *int64) (int64, error) {
	if id == nil {
		return 0, apperror.ValidationFailed("codeTemplateId", "codeTemplateId is required")
	}
	return *id, nil
}
