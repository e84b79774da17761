package main

import (
	"context"
	"database/sql"

	"github.com/jbweber/homelab/ipamd/internal/config"
	"github.com/jbweber/homelab/ipamd/internal/dhcp"
	"github.com/jbweber/homelab/ipamd/internal/ipam"
	"github.com/jbweber/homelab/ipamd/internal/metrics"
	"github.com/jbweber/homelab/ipamd/internal/omapi"
	"github.com/jbweber/homelab/ipamd/internal/repository"
	"github.com/jbweber/homelab/ipamd/internal/service"
)

// app is the wired set of components every command works with.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	store     *repository.Store
	metrics   *metrics.Metrics
	allocator *ipam.Allocator
	dhcp      *dhcp.Manager
}

// newApp opens the database, migrating it when needed, and wires the
// allocator and the DHCP manager on top of it.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, err := cfg.InitializeDatabase(ctx)
	if err != nil {
		return nil, err
	}
	store := repository.NewStore(db)
	m := metrics.New()

	pool := ipam.NewPool(ipam.NewUtilization(store.DB()), m)
	allocator := ipam.NewAllocator(store, pool, cfg.Allocation, m)

	monitor := service.NewMonitor(cfg.DHCP.SystemctlBinary, service.ExecRunner)
	for _, dc := range []config.DaemonConfig{cfg.DHCP.V4, cfg.DHCP.V6} {
		monitor.Register(dc.Service, dc.Service+".service")
	}
	mappers := func(omapiKey string, isV6 bool) dhcp.HostMapper {
		return omapi.NewClient(cfg.DHCP.OmapiServer, omapiKey, isV6, omapi.WithBinary(cfg.DHCP.OmshellBinary))
	}
	sync := dhcp.NewSynchronizer(dhcp.TemplateRenderer{}, monitor, mappers, dhcp.NewMemoryStateStore(), m, cfg.DHCP.Timeout, cfg.DHCP.OmapiTimeout)
	validator := &dhcp.Validator{Renderer: dhcp.TemplateRenderer{}, Run: service.ExecRunner}

	return &app{
		cfg:       cfg,
		db:        db,
		store:     store,
		metrics:   m,
		allocator: allocator,
		dhcp:      dhcp.NewManager(store.DB(), cfg.DHCP, sync, validator),
	}, nil
}

func (a *app) Close() error {
	a.store.Close()
	return a.db.Close()
}
