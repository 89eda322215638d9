package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/codeexec/internal/service"
)

// ExecuteHandler runs code without storing it.
type ExecuteHandler struct {
	svc    CodeService
	logger *slog.Logger
}

func NewExecuteHandler(svc CodeService, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		svc:    svc,
		logger: logger,
	}
}

type executeRequest struct {
	Body     string `json:"body"`
	Language string `json:"language"`
	Stdin    string `json:"stdin"`
}

// HandleExecute runs one ad hoc execution.
//
// HTTP: POST /api/execute
// REQUEST BODY: {"body": "print(input())", "language": "python", "stdin": "hi"}
//
// A program that exits non-zero or times out is still a 200: the status
// field says what happened. Only failures to run at all are errors.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	res, err := h.svc.RunAdHoc(r.Context(), service.RunInput{
		Body:     req.Body,
		Language: req.Language,
		Stdin:    req.Stdin,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newExecutionResponse(res, nil))
}
