package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jbweber/homelab/ipamd/internal/domain"
)

// HostAssignment is an address bound to an interface with a MAC.
type HostAssignment struct {
	Interface domain.Interface
	Address   domain.StaticIPAddress
}

// InterfaceRepository defines operations for node interfaces
type InterfaceRepository interface {
	Repository[domain.Interface, int64]
	FindByStaticIP(ctx context.Context, staticIPID int64) ([]domain.Interface, error)
	UpdateVLAN(ctx context.Context, id int64, vlanID *int64) error
	// FindHostAssignments returns the confirmed AUTO, STICKY and
	// USER_RESERVED addresses linked to interfaces that have a MAC.
	FindHostAssignments(ctx context.Context) ([]HostAssignment, error)
}

type interfaceRepositoryImpl struct {
	db DBTX
}

// NewInterfaceRepository creates a new interface repository
func NewInterfaceRepository(db DBTX) InterfaceRepository {
	return &interfaceRepositoryImpl{db: db}
}

const interfaceColumns = `i.id, i.node_name, i.name, i.mac, i.vlan_id`

// Save creates or updates an interface
func (r *interfaceRepositoryImpl) Save(ctx context.Context, iface domain.Interface) (domain.Interface, error) {
	if iface.Name == "" {
		return domain.Interface{}, fmt.Errorf("%w: interface name is required", ErrInvalidEntity)
	}
	iface.MAC = strings.ToLower(iface.MAC)

	if iface.ID == 0 {
		result, err := r.db.ExecContext(ctx, "INSERT INTO interfaces (node_name, name, mac, vlan_id) VALUES (?, ?, ?, ?)",
			iface.NodeName, iface.Name, iface.MAC, nullInt64(iface.VLANID))
		if err != nil {
			return domain.Interface{}, fmt.Errorf("failed to create interface: %w", err)
		}
		if iface.ID, err = result.LastInsertId(); err != nil {
			return domain.Interface{}, fmt.Errorf("failed to get interface ID: %w", err)
		}
		return iface, nil
	}

	result, err := r.db.ExecContext(ctx, "UPDATE interfaces SET node_name = ?, name = ?, mac = ?, vlan_id = ? WHERE id = ?",
		iface.NodeName, iface.Name, iface.MAC, nullInt64(iface.VLANID), iface.ID)
	if err != nil {
		return domain.Interface{}, fmt.Errorf("failed to update interface: %w", err)
	}
	if err := checkAffected(result, "interface", iface.ID); err != nil {
		return domain.Interface{}, err
	}
	return iface, nil
}

func scanInterface(row rowScanner, extra ...any) (domain.Interface, error) {
	var (
		iface  domain.Interface
		vlanID sql.NullInt64
	)
	dest := append([]any{&iface.ID, &iface.NodeName, &iface.Name, &iface.MAC, &vlanID}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.Interface{}, err
	}
	iface.VLANID = ptrInt64(vlanID)
	return iface, nil
}

// FindByID finds an interface by ID
func (r *interfaceRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Interface, error) {
	iface, err := scanInterface(r.db.QueryRowContext(ctx, `SELECT `+interfaceColumns+` FROM interfaces i WHERE i.id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Interface{}, fmt.Errorf("interface with ID %d: %w", id, ErrNotFound)
		}
		return domain.Interface{}, fmt.Errorf("failed to find interface: %w", err)
	}
	return iface, nil
}

// FindAll finds all interfaces
func (r *interfaceRepositoryImpl) FindAll(ctx context.Context) ([]domain.Interface, error) {
	return r.query(ctx, `SELECT `+interfaceColumns+` FROM interfaces i ORDER BY i.id`)
}

// FindByStaticIP finds the interfaces linked to an address record
func (r *interfaceRepositoryImpl) FindByStaticIP(ctx context.Context, staticIPID int64) ([]domain.Interface, error) {
	return r.query(ctx, `
		SELECT `+interfaceColumns+` FROM interfaces i
		JOIN interface_ip_addresses l ON l.interface_id = i.id
		WHERE l.staticipaddress_id = ? ORDER BY i.id`, staticIPID)
}

func (r *interfaceRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.Interface, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find interfaces: %w", err)
	}
	defer rows.Close()

	var ifaces []domain.Interface
	for rows.Next() {
		iface, err := scanInterface(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interface: %w", err)
		}
		ifaces = append(ifaces, iface)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating interfaces: %w", err)
	}
	return ifaces, nil
}

// UpdateVLAN repoints an interface at another VLAN
func (r *interfaceRepositoryImpl) UpdateVLAN(ctx context.Context, id int64, vlanID *int64) error {
	result, err := r.db.ExecContext(ctx, "UPDATE interfaces SET vlan_id = ? WHERE id = ?", nullInt64(vlanID), id)
	if err != nil {
		return fmt.Errorf("failed to update interface VLAN: %w", err)
	}
	return checkAffected(result, "interface", id)
}

// FindHostAssignments finds the addresses a DHCP daemon should pin to MACs
func (r *interfaceRepositoryImpl) FindHostAssignments(ctx context.Context) ([]HostAssignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+interfaceColumns+`, `+staticIPColumns+`
		FROM interfaces i
		JOIN interface_ip_addresses l ON l.interface_id = i.id
		JOIN staticipaddresses a ON a.id = l.staticipaddress_id
		WHERE i.mac != '' AND a.ip IS NOT NULL AND a.temp_expires_on IS NULL
			AND a.alloc_type IN (?, ?, ?)
		ORDER BY i.mac, a.id`,
		int(domain.AllocAuto), int(domain.AllocSticky), int(domain.AllocUserReserved))
	if err != nil {
		return nil, fmt.Errorf("failed to find host assignments: %w", err)
	}
	defer rows.Close()

	var out []HostAssignment
	for rows.Next() {
		var (
			h         HostAssignment
			vlanID    sql.NullInt64
			ip        sql.NullString
			allocType int
			userID    sql.NullInt64
			subnetID  sql.NullInt64
			expires   sql.NullTime
		)
		err := rows.Scan(&h.Interface.ID, &h.Interface.NodeName, &h.Interface.Name, &h.Interface.MAC, &vlanID,
			&h.Address.ID, &ip, &allocType, &userID, &subnetID, &h.Address.LeaseTime, &expires,
			&h.Address.Created, &h.Address.Updated)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host assignment: %w", err)
		}
		h.Interface.VLANID = ptrInt64(vlanID)
		if h.Address.IP, err = parseNullAddr(ip); err != nil {
			return nil, err
		}
		h.Address.AllocType = domain.AllocType(allocType)
		h.Address.UserID = ptrInt64(userID)
		h.Address.SubnetID = ptrInt64(subnetID)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating host assignments: %w", err)
	}
	return out, nil
}

// DeleteByID deletes an interface by ID. Links to addresses go with it.
func (r *interfaceRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM interfaces WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete interface: %w", err)
	}
	return checkAffected(result, "interface", id)
}

// ExistsByID checks if an interface exists by ID
func (r *interfaceRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM interfaces WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check interface existence: %w", err)
	}
	return count > 0, nil
}
