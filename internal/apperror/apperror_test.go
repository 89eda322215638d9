package apperror

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorsIs(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		target    error
		wantMatch bool
	}{
		{
			name:      "NotFound wraps ErrNotFound",
			err:       NotFound("artifact", "abc123"),
			target:    ErrNotFound,
			wantMatch: true,
		},
		{
			name:      "ValidationFailed wraps ErrValidation",
			err:       ValidationFailed("body", "body is required"),
			target:    ErrValidation,
			wantMatch: true,
		},
		{
			name:      "UnsupportedLanguage wraps its sentinel",
			err:       UnsupportedLanguage("cobol"),
			target:    ErrUnsupportedLanguage,
			wantMatch: true,
		},
		{
			name:      "InvalidSource wraps its sentinel",
			err:       InvalidSource("no public class declaration found"),
			target:    ErrInvalidSource,
			wantMatch: true,
		},
		{
			name:      "StagingFailed wraps ErrStaging, not its cause",
			err:       StagingFailed("write", errors.New("disk full")),
			target:    ErrStaging,
			wantMatch: true,
		},
		{
			name:      "DuplicateBinding survives fmt wrapping",
			err:       fmt.Errorf("saving: %w", DuplicateBinding(7)),
			target:    ErrDuplicateBinding,
			wantMatch: true,
		},
		{
			name:      "NoArtifactBound does NOT match ErrNotFound",
			err:       NoArtifactBound(7),
			target:    ErrNotFound,
			wantMatch: false,
		},
		{
			name:      "SandboxUnavailable does NOT match ErrPersistence",
			err:       SandboxUnavailable(errors.New("daemon down")),
			target:    ErrPersistence,
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := errors.Is(tt.err, tt.target)
			if got != tt.wantMatch {
				t.Errorf("errors.Is(%v, %v) = %v, want %v", tt.err, tt.target, got, tt.wantMatch)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name        string
		err         *AppError
		wantMessage string
	}{
		{
			name:        "NotFound message includes resource and id",
			err:         NotFound("artifact", "abc123"),
			wantMessage: "artifact not found with id abc123",
		},
		{
			name:        "UnsupportedLanguage quotes the identifier",
			err:         UnsupportedLanguage("cobol"),
			wantMessage: `language "cobol" is not supported`,
		},
		{
			name:        "DuplicateBinding names the template",
			err:         DuplicateBinding(42),
			wantMessage: "template 42 already has a saved artifact",
		},
		{
			name:        "StagingFailed hides the cause",
			err:         StagingFailed("cleanup", errors.New("/var/lib/codeexec/ws_1: permission denied")),
			wantMessage: "workspace cleanup failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMessage {
				t.Errorf("Error() = %q, want %q", got, tt.wantMessage)
			}
		})
	}
}

func TestUnwrap(t *testing.T) {
	err := NotFound("artifact", "abc123")
	if unwrapped := err.Unwrap(); unwrapped != ErrNotFound {
		t.Errorf("Unwrap() = %v, want %v", unwrapped, ErrNotFound)
	}
}

func TestFields(t *testing.T) {
	tests := []struct {
		err  *AppError
		want string
	}{
		{ValidationFailed("stdin", "too long"), "stdin"},
		{UnsupportedLanguage("x"), "language"},
		{InvalidSource("x"), "body"},
		{NoArtifactBound(1), "codeTemplateId"},
	}
	for _, tt := range tests {
		if tt.err.Field != tt.want {
			t.Errorf("Field = %q, want %q", tt.err.Field, tt.want)
		}
	}
}

func TestCauseOf(t *testing.T) {
	cause := errors.New("connection refused")
	wrapped := fmt.Errorf("running: %w", SandboxUnavailable(cause))

	if got := CauseOf(wrapped); got != cause {
		t.Errorf("CauseOf() = %v, want %v", got, cause)
	}

	plain := errors.New("plain")
	if got := CauseOf(plain); got != plain {
		t.Errorf("CauseOf(plain) = %v, want the error itself", got)
	}
}
