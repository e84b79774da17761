package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jbweber/homelab/ipamd/internal/dhcp"
	"github.com/jbweber/homelab/ipamd/internal/ipam"
	"github.com/jbweber/homelab/ipamd/internal/log"
	"github.com/jbweber/homelab/ipamd/internal/repository"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.G(r.Context()).WithError(err).Warn("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, ErrorResponse{Error: msg})
}

// statusFor maps an operation error onto the status reported to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ipam.ErrInvalidAllocationType),
		errors.Is(err, ipam.ErrInvalidAllocationArguments),
		errors.Is(err, ipam.ErrInvalidAddress),
		errors.Is(err, ipam.ErrAddressOutOfRange),
		errors.Is(err, repository.ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, ipam.ErrAddressUnavailable),
		errors.Is(err, repository.ErrUniqueViolation),
		errors.Is(err, repository.ErrInUse):
		return http.StatusConflict
	case errors.Is(err, ipam.ErrAddressExhaustion),
		errors.Is(err, ipam.ErrRetriesExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, ipam.ErrNoSuitableSubnet),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dhcp.ErrCannotConfigureDHCP):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// fail reports err with the status it maps to. Server side failures are
// logged; their details are not returned.
func fail(w http.ResponseWriter, r *http.Request, err error, what string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.G(r.Context()).WithError(err).Error(what)
		writeError(w, r, status, what)
		return
	}
	writeError(w, r, status, err.Error())
}

func idParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
