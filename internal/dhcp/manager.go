package dhcp

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/jbweber/homelab/ipamd/internal/config"
	"github.com/jbweber/homelab/ipamd/internal/domain"
	"github.com/jbweber/homelab/ipamd/internal/repository"
)

// Manager builds daemon states from the database and hands them to the
// synchronizer or the validator.
type Manager struct {
	db        repository.DBTX
	cfg       config.DHCPConfig
	sync      *Synchronizer
	validator *Validator
}

// NewManager creates a manager.
func NewManager(db repository.DBTX, cfg config.DHCPConfig, sync *Synchronizer, validator *Validator) *Manager {
	return &Manager{db: db, cfg: cfg, sync: sync, validator: validator}
}

func (m *Manager) build(ctx context.Context, id domain.DaemonID) (*State, error) {
	state, err := NewBuilder(m.db, m.cfg).Build(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to build %s state", id)
	}
	return state, nil
}

// Sync configures daemon id from the current database contents.
func (m *Manager) Sync(ctx context.Context, id domain.DaemonID) error {
	state, err := m.build(ctx, id)
	if err != nil {
		return err
	}
	return m.sync.Configure(ctx, DaemonFromConfig(m.cfg, id), state)
}

// SyncAll configures the v4 and v6 daemons concurrently. A failure of one
// daemon does not cut the other short; the first failure is returned.
func (m *Manager) SyncAll(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range []domain.DaemonID{domain.DaemonV4, domain.DaemonV6} {
		id := id
		g.Go(func() error {
			return m.Sync(ctx, id)
		})
	}
	return g.Wait()
}

// Validate checks the configuration daemon id would be given with the
// daemon's own binary. It returns nil when the daemon accepts it.
func (m *Manager) Validate(ctx context.Context, id domain.DaemonID) ([]ValidationError, error) {
	state, err := m.build(ctx, id)
	if err != nil {
		return nil, err
	}
	v := *m.validator
	dc := m.cfg.V4
	if id.IsV6() {
		dc = m.cfg.V6
	}
	if dc.DHCPDBinary != "" {
		v.Binary = dc.DHCPDBinary
	}
	return v.Validate(ctx, id, state)
}
