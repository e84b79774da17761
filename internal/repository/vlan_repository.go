package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jbweber/homelab/ipamd/internal/domain"
)

// VLANRepository defines operations for VLANs
type VLANRepository interface {
	Repository[domain.VLAN, int64]
	FindDHCPEnabled(ctx context.Context) ([]domain.VLAN, error)
}

type vlanRepositoryImpl struct {
	db DBTX
}

// NewVLANRepository creates a new VLAN repository
func NewVLANRepository(db DBTX) VLANRepository {
	return &vlanRepositoryImpl{db: db}
}

// Save creates or updates a VLAN
func (r *vlanRepositoryImpl) Save(ctx context.Context, v domain.VLAN) (domain.VLAN, error) {
	if v.VID < 0 || v.VID > 4094 {
		return domain.VLAN{}, fmt.Errorf("%w: vid %d out of range", ErrInvalidEntity, v.VID)
	}
	if v.ID == 0 {
		result, err := r.db.ExecContext(ctx, "INSERT INTO vlans (vid, name, dhcp_on) VALUES (?, ?, ?)", v.VID, v.Name, v.DHCPOn)
		if err != nil {
			return domain.VLAN{}, fmt.Errorf("failed to create VLAN: %w", err)
		}
		if v.ID, err = result.LastInsertId(); err != nil {
			return domain.VLAN{}, fmt.Errorf("failed to get VLAN ID: %w", err)
		}
		return v, nil
	}

	result, err := r.db.ExecContext(ctx, "UPDATE vlans SET vid = ?, name = ?, dhcp_on = ? WHERE id = ?", v.VID, v.Name, v.DHCPOn, v.ID)
	if err != nil {
		return domain.VLAN{}, fmt.Errorf("failed to update VLAN: %w", err)
	}
	if err := checkAffected(result, "vlan", v.ID); err != nil {
		return domain.VLAN{}, err
	}
	return v, nil
}

// FindByID finds a VLAN by ID
func (r *vlanRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.VLAN, error) {
	var v domain.VLAN
	err := r.db.QueryRowContext(ctx, "SELECT id, vid, name, dhcp_on FROM vlans WHERE id = ?", id).
		Scan(&v.ID, &v.VID, &v.Name, &v.DHCPOn)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.VLAN{}, fmt.Errorf("vlan with ID %d: %w", id, ErrNotFound)
		}
		return domain.VLAN{}, fmt.Errorf("failed to find VLAN: %w", err)
	}
	return v, nil
}

// FindAll finds all VLANs
func (r *vlanRepositoryImpl) FindAll(ctx context.Context) ([]domain.VLAN, error) {
	return r.query(ctx, "SELECT id, vid, name, dhcp_on FROM vlans ORDER BY id")
}

// FindDHCPEnabled finds the VLANs served by a managed DHCP daemon
func (r *vlanRepositoryImpl) FindDHCPEnabled(ctx context.Context) ([]domain.VLAN, error) {
	return r.query(ctx, "SELECT id, vid, name, dhcp_on FROM vlans WHERE dhcp_on = 1 ORDER BY id")
}

func (r *vlanRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.VLAN, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find VLANs: %w", err)
	}
	defer rows.Close()

	var vlans []domain.VLAN
	for rows.Next() {
		var v domain.VLAN
		if err := rows.Scan(&v.ID, &v.VID, &v.Name, &v.DHCPOn); err != nil {
			return nil, fmt.Errorf("failed to scan VLAN: %w", err)
		}
		vlans = append(vlans, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating VLANs: %w", err)
	}
	return vlans, nil
}

// DeleteByID deletes a VLAN by ID
func (r *vlanRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM vlans WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete VLAN: %w", err)
	}
	return checkAffected(result, "vlan", id)
}

// ExistsByID checks if a VLAN exists by ID
func (r *vlanRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM vlans WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check VLAN existence: %w", err)
	}
	return count > 0, nil
}
