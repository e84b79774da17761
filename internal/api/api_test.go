package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/ipamd/internal/config"
	"github.com/jbweber/homelab/ipamd/internal/dhcp"
	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/ipam"
	"github.com/jbweber/homelab/ipamd/internal/metrics"
	"github.com/jbweber/homelab/ipamd/internal/repository"
	"github.com/jbweber/homelab/ipamd/internal/testutil"
)

type fakeDHCP struct {
	synced   []domain.DaemonID
	syncErr  error
	problems []dhcp.ValidationError
}

func (f *fakeDHCP) Sync(ctx context.Context, id domain.DaemonID) error {
	f.synced = append(f.synced, id)
	return f.syncErr
}

func (f *fakeDHCP) Validate(ctx context.Context, id domain.DaemonID) ([]dhcp.ValidationError, error) {
	return f.problems, nil
}

type testAPI struct {
	router *chi.Mux
	db     *sql.DB
	dhcp   *fakeDHCP
	vlanID int64
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, t.Name())
	t.Cleanup(cleanup)
	store := repository.NewStore(db)

	m := metrics.New()
	retry := config.AllocationConfig{
		MaxRetries:           3,
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     5 * time.Millisecond,
	}
	alloc := ipam.NewAllocator(store, ipam.NewPool(ipam.NewUtilization(store.DB()), m), retry, m)
	fd := &fakeDHCP{}
	vlan := testutil.MakeVLAN(t, db, 1, true)

	return &testAPI{
		router: NewAPI(store.DB(), alloc, fd, m.Handler()).NewRouter(),
		db:     db,
		dhcp:   fd,
		vlanID: vlan.ID,
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func allocatePath(subnetID int64) string {
	return fmt.Sprintf("/api/v0/subnets/%d/allocate", subnetID)
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	a := setupTestAPI(t)
	w := a.do(t, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ipamd is running")
}

func TestMetrics(t *testing.T) {
	a := setupTestAPI(t)
	w := a.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAllocate_Random(t *testing.T) {
	a := setupTestAPI(t)
	subnet := testutil.MakeSubnet(t, a.db, a.vlanID, "10.0.0.0/29")

	w := a.do(t, http.MethodPost, allocatePath(subnet.ID), "")

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[AddressResponse](t, w)
	assert.Equal(t, "10.0.0.1", resp.IP)
	assert.Equal(t, "auto", resp.AllocType)
	require.NotNil(t, resp.SubnetID)
	assert.Equal(t, subnet.ID, *resp.SubnetID)
	assert.NotZero(t, resp.ID)
}

func TestAllocate_Requested(t *testing.T) {
	a := setupTestAPI(t)
	subnet := testutil.MakeSubnet(t, a.db, a.vlanID, "10.0.0.0/29")

	w := a.do(t, http.MethodPost, allocatePath(subnet.ID), `{"alloc_type":"sticky","requested_address":"10.0.0.5"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	resp := decode[AddressResponse](t, w)
	assert.Equal(t, "10.0.0.5", resp.IP)
	assert.Equal(t, "sticky", resp.AllocType)

	w = a.do(t, http.MethodPost, allocatePath(subnet.ID), `{"requested_address":"10.0.0.5"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, "10.0.0.5")
}

func TestAllocate_Errors(t *testing.T) {
	a := setupTestAPI(t)
	subnet := testutil.MakeSubnet(t, a.db, a.vlanID, "10.0.0.0/29")
	testutil.MakeIPRange(t, a.db, subnet.ID, domain.IPRangeReserved, "10.0.0.5", "10.0.0.6")

	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"invalid subnet id", "/api/v0/subnets/abc/allocate", "", http.StatusBadRequest},
		{"invalid json", allocatePath(subnet.ID), "{", http.StatusBadRequest},
		{"unknown alloc type", allocatePath(subnet.ID), `{"alloc_type":"lease"}`, http.StatusBadRequest},
		{"dhcp alloc type", allocatePath(subnet.ID), `{"alloc_type":"dhcp"}`, http.StatusBadRequest},
		{"user reserved without user", allocatePath(subnet.ID), `{"alloc_type":"user_reserved"}`, http.StatusBadRequest},
		{"user on auto address", allocatePath(subnet.ID), `{"user_id":1}`, http.StatusBadRequest},
		{"malformed address", allocatePath(subnet.ID), `{"requested_address":"10.0.0"}`, http.StatusBadRequest},
		{"address in reserved range", allocatePath(subnet.ID), `{"requested_address":"10.0.0.6"}`, http.StatusConflict},
		{"unknown subnet", allocatePath(99999), "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := a.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, w).Error)
		})
	}
}

func TestAllocate_Exhaustion(t *testing.T) {
	a := setupTestAPI(t)
	subnet := testutil.MakeSubnet(t, a.db, a.vlanID, "10.0.0.0/30")

	for i := 0; i < 2; i++ {
		w := a.do(t, http.MethodPost, allocatePath(subnet.ID), "")
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := a.do(t, http.MethodPost, allocatePath(subnet.ID), "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, "exhaustion")
}

func TestRelease(t *testing.T) {
	a := setupTestAPI(t)
	subnet := testutil.MakeSubnet(t, a.db, a.vlanID, "10.0.0.0/29")
	rec := testutil.MakeStaticIP(t, a.db, subnet.ID, "10.0.0.3", domain.AllocSticky, 0)
	path := "/api/v0/addresses/" + strconv.FormatInt(rec.ID, 10)

	w := a.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = a.do(t, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(t, http.MethodDelete, "/api/v0/addresses/nope", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnusedRanges(t *testing.T) {
	a := setupTestAPI(t)
	subnet := testutil.MakeSubnet(t, a.db, a.vlanID, "10.0.0.0/29")
	testutil.MakeStaticIP(t, a.db, subnet.ID, "10.0.0.1", domain.AllocSticky, 0)

	w := a.do(t, http.MethodGet, fmt.Sprintf("/api/v0/subnets/%d/unused", subnet.ID), "")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []RangeResponse{{
		Start:        "10.0.0.2",
		End:          "10.0.0.6",
		NumAddresses: "5",
		Purpose:      []string{"unused"},
	}}, decode[[]RangeResponse](t, w))

	w = a.do(t, http.MethodGet, "/api/v0/subnets/99999/unused", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNextAddress(t *testing.T) {
	a := setupTestAPI(t)
	subnet := testutil.MakeSubnet(t, a.db, a.vlanID, "10.0.0.0/29")
	testutil.MakeStaticIP(t, a.db, subnet.ID, "10.0.0.1", domain.AllocSticky, 0)
	path := fmt.Sprintf("/api/v0/subnets/%d/next", subnet.ID)

	w := a.do(t, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"10.0.0.2"}, decode[NextResponse](t, w).Addresses)

	w = a.do(t, http.MethodGet, path+"?count=3", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3", "10.0.0.4"}, decode[NextResponse](t, w).Addresses)

	for _, bad := range []string{"0", "-1", "many", "100000"} {
		w = a.do(t, http.MethodGet, path+"?count="+bad, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, "count=%s", bad)
	}

	// next does not reserve anything
	w = a.do(t, http.MethodPost, allocatePath(subnet.ID), "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "10.0.0.2", decode[AddressResponse](t, w).IP)
}

func TestDHCPSync(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v0/dhcp/v6/sync", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []domain.DaemonID{domain.DaemonV6}, a.dhcp.synced)

	a.dhcp.syncErr = errors.Wrap(dhcp.ErrCannotConfigureDHCP, "dhcpd failed to start")
	w = a.do(t, http.MethodPost, "/api/v0/dhcp/v4/sync", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, decode[ErrorResponse](t, w).Error, "cannot configure DHCP")

	a.dhcp.syncErr = errors.New("disk on fire")
	w = a.do(t, http.MethodPost, "/api/v0/dhcp/v4/sync", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk on fire")

	w = a.do(t, http.MethodPost, "/api/v0/dhcp/v5/sync", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDHCPValidate(t *testing.T) {
	a := setupTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v0/dhcp/v4/validate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, ValidateResponse{Valid: true}, decode[ValidateResponse](t, w))

	a.dhcp.problems = []dhcp.ValidationError{{Error: "semicolon expected", LineNum: 12, Line: "option routers 10.0.0.1", Position: "      ^"}}
	w = a.do(t, http.MethodPost, "/api/v0/dhcp/v4/validate", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[ValidateResponse](t, w)
	assert.False(t, resp.Valid)
	assert.Equal(t, a.dhcp.problems, resp.Errors)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(fmt.Errorf("subnet: %w", repository.ErrNotFound)))
	assert.Equal(t, http.StatusConflict, statusFor(&ipam.AddressError{Err: ipam.ErrAddressUnavailable}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(ipam.ErrRetriesExhausted))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
