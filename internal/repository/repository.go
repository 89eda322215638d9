package repository

import (
	"context"

	"github.com/sakif/codeexec/internal/model"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

type ListOptions struct {
	Limit  int
	Offset int
}

// Normalize clamps the options to the supported range.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

// ArtifactRepository stores code artifacts.
//
// Implementations enforce the one-artifact-per-template rule with a unique
// constraint and report violations as apperror.ErrDuplicateBinding.
type ArtifactRepository interface {
	Create(ctx context.Context, artifact *model.CodeArtifact) error
	GetByID(ctx context.Context, id string) (*model.CodeArtifact, error)
	// GetByTemplate returns apperror.ErrNoArtifactBound when nothing is linked.
	GetByTemplate(ctx context.Context, templateID int64) (*model.CodeArtifact, error)
	List(ctx context.Context, opts ListOptions) ([]model.CodeArtifact, error)
	// Update rewrites body, language, stdin, outputs and path. The template
	// link is only changed through Detach.
	Update(ctx context.Context, artifact *model.CodeArtifact) error
	// Detach unlinks the template's artifact and keeps the artifact row.
	Detach(ctx context.Context, templateID int64) error
	Ping(ctx context.Context) error
	Close() error
}
