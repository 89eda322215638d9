// Package handler contains the JSON HTTP handlers.
//
// Handlers are the glue between HTTP and the service layer: they parse the
// request, call one service operation and write the response. They hold no
// business logic; every rule (size limits, template binding, re-execution)
// lives in the service so the MCP transport gets the same behavior.
package handler

import (
	"context"

	"github.com/sakif/codeexec/internal/executor"
	"github.com/sakif/codeexec/internal/model"
	"github.com/sakif/codeexec/internal/service"
)

// CodeService is the part of *service.ExecutionService the handlers use.
type CodeService interface {
	RunAdHoc(ctx context.Context, in service.RunInput) (*executor.Result, error)
	RunAndSave(ctx context.Context, in service.SaveInput) (*service.Outcome, error)
	RunArtifact(ctx context.Context, id string, stdin *string) (*service.Outcome, error)
	RunTemplate(ctx context.Context, templateID int64, stdin *string) (*service.Outcome, error)
	Edit(ctx context.Context, templateID int64, in service.EditInput) (*service.Outcome, error)
	Detach(ctx context.Context, templateID int64) error
	Get(ctx context.Context, id string) (*model.CodeArtifact, error)
	GetByTemplate(ctx context.Context, templateID int64) (*model.CodeArtifact, error)
	List(ctx context.Context, limit, offset int) ([]model.CodeArtifact, error)
}

var _ CodeService = (*service.ExecutionService)(nil)
