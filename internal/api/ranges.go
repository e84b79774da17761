package api

import (
	"net/http"
	"strconv"

	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/iprange"
)

const maxNextCount = 1024

// RangeResponse describes one range of a subnet.
type RangeResponse struct {
	Start        string   `json:"start"`
	End          string   `json:"end"`
	NumAddresses string   `json:"num_addresses"` // decimal, IPv6 ranges overflow int64
	Purpose      []string `json:"purpose,omitempty"`
}

func newRangeResponses(s iprange.Set) []RangeResponse {
	out := make([]RangeResponse, 0, s.Len())
	for _, r := range s.Ranges() {
		resp := RangeResponse{
			Start:        r.From().String(),
			End:          r.To().String(),
			NumAddresses: r.Size().String(),
		}
		for _, p := range r.Purposes {
			resp.Purpose = append(resp.Purpose, string(p))
		}
		out = append(out, resp)
	}
	return out
}

// NextResponse lists the addresses the allocator would try next.
type NextResponse struct {
	Addresses []string `json:"addresses"`
}

func (a *API) subnet(w http.ResponseWriter, r *http.Request) (domain.Subnet, bool) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid subnet ID")
		return domain.Subnet{}, false
	}
	subnet, err := a.subnets.FindByID(r.Context(), id)
	if err != nil {
		fail(w, r, err, "Failed to get subnet")
		return domain.Subnet{}, false
	}
	return subnet, true
}

// unusedRangesHandler handles GET /api/v0/subnets/{id}/unused.
func (a *API) unusedRangesHandler(w http.ResponseWriter, r *http.Request) {
	subnet, ok := a.subnet(w, r)
	if !ok {
		return
	}
	free, err := a.util.FreeRanges(r.Context(), subnet)
	if err != nil {
		fail(w, r, err, "Failed to compute unused ranges")
		return
	}
	writeJSON(w, r, http.StatusOK, newRangeResponses(free))
}

// nextAddressHandler handles GET /api/v0/subnets/{id}/next?count=N. It does
// not reserve the returned addresses.
func (a *API) nextAddressHandler(w http.ResponseWriter, r *http.Request) {
	count := 1
	if s := r.URL.Query().Get("count"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxNextCount {
			writeError(w, r, http.StatusBadRequest, "count must be between 1 and "+strconv.Itoa(maxNextCount))
			return
		}
		count = n
	}

	subnet, ok := a.subnet(w, r)
	if !ok {
		return
	}
	addrs, err := a.util.NextAddressForAllocation(r.Context(), subnet, count, nil)
	if err != nil {
		fail(w, r, err, "Failed to find next address")
		return
	}
	resp := NextResponse{Addresses: make([]string, len(addrs))}
	for i, ip := range addrs {
		resp.Addresses[i] = ip.String()
	}
	writeJSON(w, r, http.StatusOK, resp)
}
