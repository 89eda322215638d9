package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/codeexec/internal/apperror"
	"github.com/sakif/codeexec/internal/auth"
	"github.com/sakif/codeexec/internal/model"
	"github.com/sakif/codeexec/internal/service"
)

// CodeHandler manages saved code artifacts and their template links.
type CodeHandler struct {
	svc    CodeService
	logger *slog.Logger
}

func NewCodeHandler(svc CodeService, logger *slog.Logger) *CodeHandler {
	return &CodeHandler{
		svc:    svc,
		logger: logger,
	}
}

type saveRequest struct {
	Body       string `json:"body"`
	Language   string `json:"language"`
	Stdin      string `json:"stdin"`
	TemplateID *int64 `json:"codeTemplateId"`
}

type runRequest struct {
	TemplateID *int64  `json:"codeTemplateId"`
	Stdin      *string `json:"stdin"`
}

type updateRequest struct {
	TemplateID *int64  `json:"codeTemplateId"`
	Body       *string `json:"body"`
	Language   *string `json:"language"`
	Stdin      *string `json:"stdin"`
}

type detachRequest struct {
	TemplateID *int64 `json:"codeTemplateId"`
}

// HandleSave runs code and stores it, linked to a template when one is given.
//
// HTTP: POST /api/codeExec
// REQUEST BODY: {"body": "...", "language": "java", "stdin": "", "codeTemplateId": 12}
func (h *CodeHandler) HandleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	out, err := h.svc.RunAndSave(r.Context(), service.SaveInput{
		RunInput: service.RunInput{
			Body:     req.Body,
			Language: req.Language,
			Stdin:    req.Stdin,
		},
		TemplateID: req.TemplateID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	h.audit(r, "artifact saved", slog.String("code_id", out.Artifact.ID))
	writeJSON(w, http.StatusCreated, newExecutionResponse(out.Result, out.Artifact))
}

// HandleRunTemplate re-runs the artifact linked to a template.
//
// HTTP: POST /api/codeExec/run
// REQUEST BODY: {"codeTemplateId": 12, "stdin": "optional replacement"}
func (h *CodeHandler) HandleRunTemplate(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	templateID, err := requireTemplateID(req.TemplateID)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.svc.RunTemplate(r.Context(), templateID, req.Stdin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecutionResponse(out.Result, out.Artifact))
}

// HandleRunArtifact re-runs an artifact by its ID. The body is optional.
//
// HTTP: POST /api/codeExec/{id}/run
func (h *CodeHandler) HandleRunArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req runRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	out, err := h.svc.RunArtifact(r.Context(), id, req.Stdin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecutionResponse(out.Result, out.Artifact))
}

// HandleUpdate edits a template's artifact and re-runs it.
//
// HTTP: PUT /api/codeExec
// REQUEST BODY: {"codeTemplateId": 12, "body": "...", "language": "...", "stdin": "..."}
// Omitted fields keep their stored values.
func (h *CodeHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	templateID, err := requireTemplateID(req.TemplateID)
	if err != nil {
		writeError(w, err)
		return
	}

	out, err := h.svc.Edit(r.Context(), templateID, service.EditInput{
		Body:     req.Body,
		Language: req.Language,
		Stdin:    req.Stdin,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.audit(r, "artifact edited", slog.Int64("template_id", templateID), slog.String("code_id", out.Artifact.ID))
	writeJSON(w, http.StatusOK, newExecutionResponse(out.Result, out.Artifact))
}

// HandleDetach unlinks a template from its artifact.
//
// HTTP: DELETE /api/codeExec
// REQUEST BODY: {"codeTemplateId": 12}
func (h *CodeHandler) HandleDetach(w http.ResponseWriter, r *http.Request) {
	var req detachRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	templateID, err := requireTemplateID(req.TemplateID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.svc.Detach(r.Context(), templateID); err != nil {
		writeError(w, err)
		return
	}
	h.audit(r, "template detached", slog.Int64("template_id", templateID))
	w.WriteHeader(http.StatusNoContent)
}

// audit records who changed stored state. The subject is "anonymous" when
// authentication is disabled.
func (h *CodeHandler) audit(r *http.Request, msg string, attrs ...any) {
	subject, ok := auth.SubjectFromContext(r.Context())
	if !ok {
		subject = "anonymous"
	}
	h.logger.Info(msg, append([]any{slog.String("subject", subject)}, attrs...)...)
}

// HandleGet returns one artifact.
//
// HTTP: GET /api/codeExec/{id}
func (h *CodeHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// HandleList returns the artifact linked to a template, or a page of all
// artifacts when no template is given.
//
// HTTP: GET /api/codeExec?templateId=12
// HTTP: GET /api/codeExec?limit=20&offset=40
func (h *CodeHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if raw := q.Get("templateId"); raw != "" {
		templateID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, apperror.ValidationFailed("templateId", "templateId must be an integer"))
			return
		}
		artifact, err := h.svc.GetByTemplate(r.Context(), templateID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, artifact)
		return
	}

	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		writeError(w, err)
		return
	}

	artifacts, err := h.svc.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("listing artifacts failed", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []model.CodeArtifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.ValidationFailed(name, name+" must be a non-negative integer")
	}
	return n, nil
}
