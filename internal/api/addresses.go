package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/ipam"
)

// AllocateRequest is the body of POST /api/v0/subnets/{id}/allocate. An
// empty body allocates a random AUTO address.
type AllocateRequest struct {
	AllocType        string `json:"alloc_type,omitempty"` // auto, sticky or user_reserved
	UserID           *int64 `json:"user_id,omitempty"`
	RequestedAddress string `json:"requested_address,omitempty"`
}

// AddressResponse describes an address record.
type AddressResponse struct {
	ID        int64      `json:"id"`
	IP        string     `json:"ip,omitempty"`
	AllocType string     `json:"alloc_type"`
	SubnetID  *int64     `json:"subnet_id,omitempty"`
	UserID    *int64     `json:"user_id,omitempty"`
	Created   time.Time  `json:"created"`
	Expires   *time.Time `json:"temp_expires_on,omitempty"`
}

// NewAddressResponse describes a.
func NewAddressResponse(a domain.StaticIPAddress) AddressResponse {
	resp := AddressResponse{
		ID:        a.ID,
		AllocType: a.AllocType.String(),
		SubnetID:  a.SubnetID,
		UserID:    a.UserID,
		Created:   a.Created,
		Expires:   a.TempExpiresOn,
	}
	if a.IP.IsValid() {
		resp.IP = a.IP.String()
	}
	return resp
}

// allocateHandler handles POST /api/v0/subnets/{id}/allocate.
func (a *API) allocateHandler(w http.ResponseWriter, r *http.Request) {
	subnetID, err := idParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid subnet ID")
		return
	}

	var req AllocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "Invalid JSON")
		return
	}

	allocType := domain.AllocAuto
	if req.AllocType != "" {
		allocType, err = domain.ParseAllocType(req.AllocType)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	addr, err := a.allocator.Allocate(r.Context(), ipam.AllocateRequest{
		SubnetID:         subnetID,
		AllocType:        allocType,
		UserID:           req.UserID,
		RequestedAddress: req.RequestedAddress,
	})
	if err != nil {
		fail(w, r, err, "Failed to allocate address")
		return
	}
	writeJSON(w, r, http.StatusCreated, NewAddressResponse(addr))
}

// releaseHandler handles DELETE /api/v0/addresses/{id}.
func (a *API) releaseHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid address ID")
		return
	}
	if err := a.allocator.Release(r.Context(), id); err != nil {
		fail(w, r, err, "Failed to release address")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
