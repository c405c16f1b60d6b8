package api

import (
	"net/http"

	"github.com/terra-clan/assessment-engine/internal/environments"
)

// handleListEnvironments lists the execution environments, optionally only
// those usable by exercises of ?category=.
func (s *Server) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	category := environments.Category(r.URL.Query().Get("category"))
	if category != "" && !category.IsKnown() {
		respondError(w, http.StatusBadRequest, "validation_error", "unknown category: "+string(category))
		return
	}

	catalog := environments.Catalog(category)
	respondJSON(w, http.StatusOK, map[string]any{
		"environments": catalog,
		"total":        len(catalog),
	})
}
