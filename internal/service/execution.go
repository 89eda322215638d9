// Package service holds the business logic between the HTTP handlers and
// the lower layers.
//
// ExecutionService is the one entry point for running code. Every request
// goes through the same pipeline:
//
//  1. validate the input (sizes, required fields)
//  2. resolve the language to a strategy
//  3. stage a private workspace with the body and stdin
//  4. hand the workspace to the runner (compile, then run)
//  5. release the workspace, whatever happened
//  6. optionally persist the artifact with the output
//
// Requests that touch the same template or artifact are serialized with
// per-key locks, so two edits of one template cannot interleave their
// execute and store steps. Requests on different keys run in parallel.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/codeexec/internal/apperror"
	"github.com/sakif/codeexec/internal/executor"
	"github.com/sakif/codeexec/internal/language"
	"github.com/sakif/codeexec/internal/metrics"
	"github.com/sakif/codeexec/internal/model"
	"github.com/sakif/codeexec/internal/repository"
	"github.com/sakif/codeexec/internal/workspace"
)

const (
	MaxCodeLength  = 100000
	MaxStdinLength = 100000

	persistTimeout = 10 * time.Second
)

// Runner executes a staged workspace. *executor.Bridge implements it.
type Runner interface {
	Execute(ctx context.Context, ws *workspace.Workspace, strategy language.Strategy) (*executor.Result, error)
}

// RunInput is an execution request.
type RunInput struct {
	Body     string
	Language string
	Stdin    string
}

// SaveInput is an execution request whose artifact gets stored, optionally
// linked to a template.
type SaveInput struct {
	RunInput
	TemplateID *int64
}

// EditInput changes a template's artifact. Nil fields keep their stored
// value.
type EditInput struct {
	Body     *string
	Language *string
	Stdin    *string
}

// Outcome is an execution together with the artifact it was stored in.
type Outcome struct {
	Result   *executor.Result
	Artifact *model.CodeArtifact
}

// ExecutionService stages, runs and stores code. It is safe for concurrent use.
type ExecutionService struct {
	languages  *language.Registry
	workspaces *workspace.Manager
	runner     Runner
	repo       repository.ArtifactRepository
	logger     *slog.Logger
	locks      *keyedMutex
}

func NewExecutionService(
	languages *language.Registry,
	workspaces *workspace.Manager,
	runner Runner,
	repo repository.ArtifactRepository,
	logger *slog.Logger,
) *ExecutionService {
	return &ExecutionService{
		languages:  languages,
		workspaces: workspaces,
		runner:     runner,
		repo:       repo,
		logger:     logger,
		locks:      newKeyedMutex(),
	}
}

// Languages returns the registry the service resolves against.
func (s *ExecutionService) Languages() *language.Registry {
	return s.languages
}

// RunAdHoc executes code without storing anything.
func (s *ExecutionService) RunAdHoc(ctx context.Context, in RunInput) (*executor.Result, error) {
	if err := validateRun(in); err != nil {
		return nil, err
	}
	run, err := s.execute(ctx, in)
	if err != nil {
		return nil, err
	}
	return run.result, nil
}

// RunAndSave executes code and stores the artifact. When a template ID is
// given and the template already has an artifact, nothing runs and
// ErrDuplicateBinding is returned.
func (s *ExecutionService) RunAndSave(ctx context.Context, in SaveInput) (*Outcome, error) {
	if err := validateRun(in.RunInput); err != nil {
		return nil, err
	}

	if in.TemplateID != nil {
		unlock, err := s.locks.Lock(ctx, templateKey(*in.TemplateID))
		if err != nil {
			return nil, err
		}
		defer unlock()

		_, err = s.repo.GetByTemplate(ctx, *in.TemplateID)
		switch {
		case err == nil:
			return nil, apperror.DuplicateBinding(*in.TemplateID)
		case !errors.Is(err, apperror.ErrNoArtifactBound):
			return nil, fmt.Errorf("checking template %d: %w", *in.TemplateID, err)
		}
	}

	run, err := s.execute(ctx, in.RunInput)
	if err != nil {
		return nil, err
	}

	artifact := &model.CodeArtifact{
		TemplateID: in.TemplateID,
		Body:       in.Body,
		Language:   run.language,
		Stdin:      in.Stdin,
		Stdout:     run.result.Stdout,
		Stderr:     run.result.Stderr,
		Path:       run.fileName,
	}

	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := s.repo.Create(pctx, artifact); err != nil {
		return nil, s.saveFailed(run.result, "creating artifact", err)
	}

	s.logger.Info("artifact saved",
		slog.String("code_id", artifact.ID),
		slog.String("language", artifact.Language),
		slog.String("status", string(run.result.Status)),
	)
	return &Outcome{Result: run.result, Artifact: artifact}, nil
}

// RunArtifact re-executes a stored artifact. A non-nil stdin replaces the
// stored one. The new output is written back.
func (s *ExecutionService) RunArtifact(ctx context.Context, id string, stdin *string) (*Outcome, error) {
	if err := validateStdin(stdin); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, artifactKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	artifact, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if stdin != nil {
		artifact.Stdin = *stdin
	}
	return s.rerun(ctx, artifact)
}

// RunTemplate re-executes the artifact linked to a template.
func (s *ExecutionService) RunTemplate(ctx context.Context, templateID int64, stdin *string) (*Outcome, error) {
	if err := validateStdin(stdin); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, templateKey(templateID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	artifact, err := s.repo.GetByTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	unlockArtifact, err := s.locks.Lock(ctx, artifactKey(artifact.ID))
	if err != nil {
		return nil, err
	}
	defer unlockArtifact()

	if stdin != nil {
		artifact.Stdin = *stdin
	}
	return s.rerun(ctx, artifact)
}

// Edit applies in to the template's artifact, re-executes it and stores the
// result. Nothing is stored when the new version cannot run.
func (s *ExecutionService) Edit(ctx context.Context, templateID int64, in EditInput) (*Outcome, error) {
	if in.Body == nil && in.Language == nil && in.Stdin == nil {
		return nil, apperror.ValidationFailed("body", "nothing to update")
	}

	unlock, err := s.locks.Lock(ctx, templateKey(templateID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	artifact, err := s.repo.GetByTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}

	unlockArtifact, err := s.locks.Lock(ctx, artifactKey(artifact.ID))
	if err != nil {
		return nil, err
	}
	defer unlockArtifact()

	if in.Body != nil {
		artifact.Body = *in.Body
	}
	if in.Language != nil {
		artifact.Language = *in.Language
	}
	if in.Stdin != nil {
		artifact.Stdin = *in.Stdin
	}

	if err := validateRun(RunInput{Body: artifact.Body, Language: artifact.Language, Stdin: artifact.Stdin}); err != nil {
		return nil, err
	}
	return s.rerun(ctx, artifact)
}

// Detach unlinks the template's artifact. The artifact itself is kept and
// stays reachable by its ID.
func (s *ExecutionService) Detach(ctx context.Context, templateID int64) error {
	unlock, err := s.locks.Lock(ctx, templateKey(templateID))
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.repo.Detach(ctx, templateID); err != nil {
		return err
	}
	s.logger.Info("template detached", slog.Int64("template_id", templateID))
	return nil
}

// Get returns the artifact with the given ID, linked or not.
func (s *ExecutionService) Get(ctx context.Context, id string) (*model.CodeArtifact, error) {
	return s.repo.GetByID(ctx, id)
}

// GetByTemplate returns the template's artifact, or ErrNoArtifactBound when
// none is linked.
func (s *ExecutionService) GetByTemplate(ctx context.Context, templateID int64) (*model.CodeArtifact, error) {
	return s.repo.GetByTemplate(ctx, templateID)
}

// List returns artifacts newest first. Limit and offset are clamped to the
// repository's supported range.
func (s *ExecutionService) List(ctx context.Context, limit, offset int) ([]model.CodeArtifact, error) {
	artifacts, err := s.repo.List(ctx, repository.ListOptions{Limit: limit, Offset: offset}.Normalize())
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	return artifacts, nil
}

// rerun executes a loaded artifact and writes the new output back. The
// caller holds the artifact's lock.
func (s *ExecutionService) rerun(ctx context.Context, artifact *model.CodeArtifact) (*Outcome, error) {
	run, err := s.execute(ctx, RunInput{
		Body:     artifact.Body,
		Language: artifact.Language,
		Stdin:    artifact.Stdin,
	})
	if err != nil {
		return nil, err
	}

	artifact.Language = run.language
	artifact.Path = run.fileName
	artifact.Stdout = run.result.Stdout
	artifact.Stderr = run.result.Stderr

	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := s.repo.Update(pctx, artifact); err != nil {
		return nil, s.saveFailed(run.result, "updating artifact", err)
	}
	return &Outcome{Result: run.result, Artifact: artifact}, nil
}

type execution struct {
	result   *executor.Result
	language string
	fileName string
}

// execute runs the resolve, stage, run and release steps.
func (s *ExecutionService) execute(ctx context.Context, in RunInput) (*execution, error) {
	tr := newTracker(s.logger, in.Language)

	strategy, err := s.languages.Resolve(in.Language)
	if err != nil {
		tr.fail(err)
		return nil, err
	}
	tr.advance(PhaseResolved)

	metrics.ActiveExecutions.Inc()
	defer metrics.ActiveExecutions.Dec()

	run := &execution{language: strategy.ID}
	err = s.workspaces.Use(ctx, strategy, in.Body, in.Stdin, func(ws *workspace.Workspace) error {
		run.fileName = ws.FileName
		tr.with(slog.String("workspace", ws.ID))
		tr.advance(PhaseStaged)
		tr.advance(PhaseRunning)

		res, err := s.runner.Execute(ctx, ws, strategy)
		if err != nil {
			return err
		}
		run.result = res
		tr.advance(terminalPhase(res.Status))
		return nil
	})
	if err != nil {
		if errors.Is(err, apperror.ErrStaging) {
			metrics.StagingFailures.Inc()
		}
		tr.fail(err)
		return nil, err
	}
	tr.advance(PhaseCleaned)

	metrics.ExecutionsTotal.WithLabelValues(strategy.ID, string(run.result.Status)).Inc()
	metrics.ExecutionDuration.WithLabelValues(strategy.ID).Observe(float64(run.result.Duration.Milliseconds()))
	return run, nil
}

func (s *ExecutionService) saveFailed(res *executor.Result, op string, err error) error {
	s.logger.Error("persisting execution failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	if !errors.As(err, new(*apperror.AppError)) {
		err = apperror.PersistenceFailed(fmt.Errorf("%s: %w", op, err))
	}
	return &SaveError{Result: res, Err: err}
}

// persistContext keeps the store step alive when the client goes away after
// the code already ran.
func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func terminalPhase(status executor.Status) Phase {
	switch status {
	case executor.StatusCompleted:
		return PhaseCompleted
	case executor.StatusTimedOut:
		return PhaseTimedOut
	default:
		return PhaseFailed
	}
}

func validateRun(in RunInput) error {
	if strings.TrimSpace(in.Body) == "" {
		return apperror.ValidationFailed("body", "code body is required")
	}
	if len(in.Body) > MaxCodeLength {
		return apperror.ValidationFailed("body", fmt.Sprintf("code body exceeds %d bytes", MaxCodeLength))
	}
	if strings.TrimSpace(in.Language) == "" {
		return apperror.ValidationFailed("language", "language is required")
	}
	if len(in.Stdin) > MaxStdinLength {
		return apperror.ValidationFailed("stdin", fmt.Sprintf("stdin exceeds %d bytes", MaxStdinLength))
	}
	return nil
}

func validateStdin(stdin *string) error {
	if stdin != nil && len(*stdin) > MaxStdinLength {
		return apperror.ValidationFailed("stdin", fmt.Sprintf("stdin exceeds %d bytes", MaxStdinLength))
	}
	return nil
}
