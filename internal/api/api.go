package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jbweber/homelab/ipamd/internal/dhcp"
	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/ipam"
	"github.com/jbweber/homelab/ipamd/internal/log"
	"github.com/jbweber/homelab/ipamd/internal/repository"
)

// AddressAllocator creates and deletes address records.
type AddressAllocator interface {
	Allocate(ctx context.Context, req ipam.AllocateRequest) (domain.StaticIPAddress, error)
	Release(ctx context.Context, id int64) error
}

// DHCPManager pushes the database contents to the DHCP daemons.
type DHCPManager interface {
	Sync(ctx context.Context, id domain.DaemonID) error
	Validate(ctx context.Context, id domain.DaemonID) ([]dhcp.ValidationError, error)
}

// API serves the allocation, range and DHCP endpoints.
type API struct {
	subnets   repository.SubnetRepository
	util      *ipam.Utilization
	allocator AddressAllocator
	dhcp      DHCPManager
	metrics   http.Handler
}

// NewAPI creates an API. metrics may be nil, in which case /metrics is not
// served.
func NewAPI(db repository.DBTX, allocator AddressAllocator, dhcp DHCPManager, metrics http.Handler) *API {
	return &API{
		subnets:   repository.NewSubnetRepository(db),
		util:      ipam.NewUtilization(db),
		allocator: allocator,
		dhcp:      dhcp,
		metrics:   metrics,
	}
}

// NewRouter returns a router with the API and the health check mounted.
func (a *API) NewRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", healthHandler)
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v0", func(r chi.Router) {
		r.Route("/subnets/{id}", func(r chi.Router) {
			r.Post("/allocate", a.allocateHandler)
			r.Get("/unused", a.unusedRangesHandler)
			r.Get("/next", a.nextAddressHandler)
		})
		r.Delete("/addresses/{id}", a.releaseHandler)
		r.Route("/dhcp/{daemon}", func(r chi.Router) {
			r.Post("/sync", a.syncHandler)
			r.Post("/validate", a.validateHandler)
		})
	})

	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics)
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := fmt.Fprintln(w, "ipamd is running"); err != nil {
		log.G(r.Context()).WithError(err).Warn("failed to write response")
	}
}

// requestLogger puts a request scoped logger on the context and logs each
// request once it completes.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := log.G(r.Context()).WithField("request_id", middleware.GetReqID(r.Context()))
		ctx := log.WithLogger(r.Context(), logger)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		logger.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("status", ww.Status()).
			Debug("request served")
	})
}
