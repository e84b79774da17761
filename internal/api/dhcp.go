package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/ipamd/internal/dhcp"
	"github.com/jbweber/homelab/ipamd/internal/domain"
)

// ValidateResponse carries the daemon's complaints about the configuration
// it would be given. Valid is true when there are none.
type ValidateResponse struct {
	Valid  bool                   `json:"valid"`
	Errors []dhcp.ValidationError `json:"errors,omitempty"`
}

func daemonParam(w http.ResponseWriter, r *http.Request) (domain.DaemonID, bool) {
	id, err := domain.ParseDaemonID(chi.URLParam(r, "daemon"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, err.Error())
		return "", false
	}
	return id, true
}

// syncHandler handles POST /api/v0/dhcp/{daemon}/sync.
func (a *API) syncHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := daemonParam(w, r)
	if !ok {
		return
	}
	if err := a.dhcp.Sync(r.Context(), id); err != nil {
		fail(w, r, err, "Failed to configure DHCP")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// validateHandler handles POST /api/v0/dhcp/{daemon}/validate.
func (a *API) validateHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := daemonParam(w, r)
	if !ok {
		return
	}
	problems, err := a.dhcp.Validate(r.Context(), id)
	if err != nil {
		fail(w, r, err, "Failed to validate DHCP configuration")
		return
	}
	writeJSON(w, r, http.StatusOK, ValidateResponse{Valid: len(problems) == 0, Errors: problems})
}
