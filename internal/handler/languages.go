package handler

import (
	"net/http"

	"github.com/sakif/codeexec/internal/language"
)

// LanguageHandler lists the registered languages.
type LanguageHandler struct {
	registry *language.Registry
}

func NewLanguageHandler(registry *language.Registry) *LanguageHandler {
	return &LanguageHandler{registry: registry}
}

type languageInfo struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Extension string   `json:"extension"`
	Compiled  bool     `json:"compiled"`
	Aliases   []string `json:"aliases,omitempty"`
}

// HandleList returns every supported language, sorted by ID.
//
// HTTP: GET /api/languages
func (h *LanguageHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	strategies := h.registry.List()
	out := make([]languageInfo, 0, len(strategies))
	for _, s := range strategies {
		out = append(out, languageInfo{
			ID:        s.ID,
			Name:      s.Name,
			Extension: s.Extension,
			Compiled:  s.Compiled(),
			Aliases:   h.registry.Aliases(s.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
