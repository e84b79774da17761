package dhcp

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/homelab/ipamd/internal/config"
	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/log"
	"github.com/jbweber/homelab/ipamd/internal/metrics"
	"github.com/jbweber/homelab/ipamd/internal/service"
)

// ErrCannotConfigureDHCP is returned when a daemon could not be brought to
// the requested configuration.
var ErrCannotConfigureDHCP = errors.New("cannot configure DHCP")

// Sync actions recorded per pass.
const (
	ActionStop            = "stop"
	ActionColdStart       = "cold_start"
	ActionRestart         = "restart"
	ActionIncremental     = "incremental"
	ActionNoop            = "noop"
	ActionFallbackRestart = "fallback_restart"
)

// HostMapper changes host mappings of a running daemon.
type HostMapper interface {
	AddHost(ctx context.Context, mac string, ip netip.Addr) error
	RemoveHost(ctx context.Context, mac string) error
	UpdateHost(ctx context.Context, mac string, ip netip.Addr) error
}

// HostMapperFactory creates a HostMapper for a daemon.
type HostMapperFactory func(omapiKey string, isV6 bool) HostMapper

// ServiceController is the part of service.Monitor the synchronizer drives.
type ServiceController interface {
	On(name string) error
	Off(name string) error
	EnsureService(ctx context.Context, name string) (service.State, error)
	RestartService(ctx context.Context, name string) (service.State, error)
	GetServiceState(ctx context.Context, name string, now bool) (service.State, error)
}

// Daemon identifies a daemon instance and the files it reads.
type Daemon struct {
	ID             domain.DaemonID
	Service        string
	ConfigPath     string
	InterfacesPath string
}

// DaemonFromConfig returns the daemon configured for id.
func DaemonFromConfig(cfg config.DHCPConfig, id domain.DaemonID) Daemon {
	dc := cfg.V4
	if id.IsV6() {
		dc = cfg.V6
	}
	return Daemon{
		ID:             id,
		Service:        dc.Service,
		ConfigPath:     dc.ConfigPath,
		InterfacesPath: dc.InterfacesPath,
	}
}

// Synchronizer applies States to the DHCP daemons. Passes for one daemon
// are serialized; the v4 and v6 daemons are independent.
type Synchronizer struct {
	renderer ConfigRenderer
	services ServiceController
	mappers  HostMapperFactory
	store    StateStore
	metrics  *metrics.Metrics
	timeout  time.Duration
	// hostTimeout bounds the host map updates of one pass, leaving the rest
	// of timeout for the fallback restart.
	hostTimeout time.Duration

	mu    sync.Mutex
	locks map[domain.DaemonID]chan struct{}
}

// NewSynchronizer creates a synchronizer. Each Configure call is bounded by
// timeout and its host map updates by hostTimeout, which must be shorter.
func NewSynchronizer(renderer ConfigRenderer, services ServiceController, mappers HostMapperFactory,
	store StateStore, m *metrics.Metrics, timeout, hostTimeout time.Duration) *Synchronizer {
	return &Synchronizer{
		renderer:    renderer,
		services:    services,
		mappers:     mappers,
		store:       store,
		metrics:     m,
		timeout:     timeout,
		hostTimeout: hostTimeout,
		locks:       make(map[domain.DaemonID]chan struct{}),
	}
}

func (s *Synchronizer) lockFor(id domain.DaemonID) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = make(chan struct{}, 1)
		s.locks[id] = l
	}
	return l
}

// Configure brings daemon in line with state. A state without shared
// networks stops the daemon. The applied state is remembered only when the
// pass succeeds, so a failed pass is retried in full by the next one.
func (s *Synchronizer) Configure(ctx context.Context, daemon Daemon, state *State) error {
	ctx, cancel := context.WithTimeout(log.WithModule(ctx, "dhcp"), s.timeout)
	defer cancel()

	lock := s.lockFor(daemon.ID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("%w (%s): timed out waiting for another pass", ErrCannotConfigureDHCP, daemon.ID)
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-lock }()
		done <- s.configure(ctx, daemon, state)
	}()

	select {
	case err := <-done:
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return fmt.Errorf("%w (%s): timed out: %w", ErrCannotConfigureDHCP, daemon.ID, err)
		default:
			return fmt.Errorf("%w (%s): %w", ErrCannotConfigureDHCP, daemon.ID, err)
		}
	case <-ctx.Done():
		return fmt.Errorf("%w (%s): timed out", ErrCannotConfigureDHCP, daemon.ID)
	}
}

func (s *Synchronizer) configure(ctx context.Context, daemon Daemon, state *State) error {
	logger := log.G(ctx).WithFields(logrus.Fields{
		"daemon":  daemon.ID,
		"service": daemon.Service,
		"pass":    uuid.NewString(),
	})
	ctx = log.WithLogger(ctx, logger)

	if len(state.SharedNetworks) == 0 {
		return s.stop(ctx, daemon)
	}

	config, interfaces, err := s.renderer.Render(state, daemon.ID)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(daemon.ConfigPath, []byte(config), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", daemon.ConfigPath)
	}
	if err := renameio.WriteFile(daemon.InterfacesPath, []byte(interfaces), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %s", daemon.InterfacesPath)
	}
	if err := s.services.On(daemon.Service); err != nil {
		return err
	}

	action, err := s.apply(ctx, daemon, state)
	if err != nil {
		logUnexpected(logger, err, "failed to apply DHCP configuration")
		return err
	}
	// A pass that outlived its deadline has already been reported failed.
	if err := ctx.Err(); err != nil {
		return err
	}
	s.store.Set(daemon.ID, state)
	s.metrics.DHCPSyncs.WithLabelValues(string(daemon.ID), action).Inc()
	logger.WithField("action", action).Info("DHCP configuration applied")
	return nil
}

func (s *Synchronizer) apply(ctx context.Context, daemon Daemon, state *State) (string, error) {
	logger := log.G(ctx)
	prev, ok := s.store.Get(daemon.ID)
	if !ok {
		_, err := s.services.EnsureService(ctx, daemon.Service)
		return ActionColdStart, err
	}
	if state.RequiresRestart(prev, daemon.ID.IsV6()) {
		_, err := s.services.RestartService(ctx, daemon.Service)
		return ActionRestart, err
	}

	current, err := s.services.GetServiceState(ctx, daemon.Service, true)
	if err != nil {
		return "", err
	}
	if current.Active != service.StateOn {
		// A stopped daemon reads every host from the new config when it
		// starts.
		_, err := s.services.EnsureService(ctx, daemon.Service)
		return ActionColdStart, err
	}

	changed, err := s.updateHosts(ctx, daemon, prev, state)
	if err != nil {
		logger.WithError(err).Warn("failed to update host maps, restarting the DHCP server")
		_, rerr := s.services.RestartService(ctx, daemon.Service)
		return ActionFallbackRestart, rerr
	}
	if _, err := s.services.EnsureService(ctx, daemon.Service); err != nil {
		return "", err
	}
	if changed == 0 {
		return ActionNoop, nil
	}
	return ActionIncremental, nil
}

// updateHosts pushes the host differences between prev and state to the
// running daemon and returns how many mappings changed.
func (s *Synchronizer) updateHosts(ctx context.Context, daemon Daemon, prev, state *State) (int, error) {
	removed, added, modified := state.HostDiff(prev)
	if len(removed)+len(added)+len(modified) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.hostTimeout)
	defer cancel()
	mapper := s.mappers(state.OmapiKey, daemon.ID.IsV6())
	updates := s.metrics.DHCPHostUpdates
	for _, h := range removed {
		if err := mapper.RemoveHost(ctx, h.MAC); err != nil {
			return 0, err
		}
		updates.WithLabelValues(string(daemon.ID), "remove").Inc()
	}
	for _, h := range added {
		if err := mapper.AddHost(ctx, h.MAC, h.IP); err != nil {
			return 0, err
		}
		updates.WithLabelValues(string(daemon.ID), "add").Inc()
	}
	for _, h := range modified {
		if err := mapper.UpdateHost(ctx, h.MAC, h.IP); err != nil {
			return 0, err
		}
		updates.WithLabelValues(string(daemon.ID), "update").Inc()
	}
	log.G(ctx).WithFields(logrus.Fields{
		"removed":  len(removed),
		"added":    len(added),
		"modified": len(modified),
	}).Debug("host maps updated")
	return len(removed) + len(added) + len(modified), nil
}

func (s *Synchronizer) stop(ctx context.Context, daemon Daemon) error {
	logger := log.G(ctx)
	if err := os.Remove(daemon.ConfigPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to remove %s", daemon.ConfigPath)
	}
	if err := s.services.Off(daemon.Service); err != nil {
		return err
	}
	if _, err := s.services.EnsureService(ctx, daemon.Service); err != nil {
		logUnexpected(logger, err, "failed to stop DHCP server")
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.store.Clear(daemon.ID)
	s.metrics.DHCPSyncs.WithLabelValues(string(daemon.ID), ActionStop).Inc()
	logger.Info("DHCP server stopped, no shared networks to serve")
	return nil
}

// logUnexpected logs err unless it is a failed service action, which the
// service monitor has already reported.
func logUnexpected(logger *logrus.Entry, err error, msg string) {
	if errors.Is(err, service.ErrServiceAction) {
		return
	}
	logger.WithError(err).Error(msg)
}
