package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/jbweber/homelab/ipamd/internal/domain"
)

// StaticIPAddressRepository defines operations for address records
type StaticIPAddressRepository interface {
	Repository[domain.StaticIPAddress, int64]
	// FindByIP finds the non-discovered record holding ip.
	FindByIP(ctx context.Context, ip netip.Addr) (domain.StaticIPAddress, error)
	FindBySubnet(ctx context.Context, subnetID int64, includeDiscovered bool) ([]domain.StaticIPAddress, error)
	// FindOrphans finds AUTO and STICKY records created before cutoff that
	// no interface links to.
	FindOrphans(ctx context.Context, cutoff time.Time) ([]domain.StaticIPAddress, error)
	SetUser(ctx context.Context, id int64, userID *int64) error
	LinkInterface(ctx context.Context, id, interfaceID int64) error
}

type staticIPAddressRepositoryImpl struct {
	db DBTX
}

// NewStaticIPAddressRepository creates a new address repository
func NewStaticIPAddressRepository(db DBTX) StaticIPAddressRepository {
	return &staticIPAddressRepositoryImpl{db: db}
}

const staticIPColumns = `a.id, a.ip, a.alloc_type, a.user_id, a.subnet_id, a.lease_time, a.temp_expires_on, a.created_at, a.updated_at`

// Save creates or updates an address record. A second non-discovered
// record for the same IP fails with ErrUniqueViolation.
func (r *staticIPAddressRepositoryImpl) Save(ctx context.Context, a domain.StaticIPAddress) (domain.StaticIPAddress, error) {
	if !a.AllocType.Valid() {
		return domain.StaticIPAddress{}, fmt.Errorf("%w: unknown allocation type %d", ErrInvalidEntity, int(a.AllocType))
	}
	if a.ID == 0 {
		return r.createAddress(ctx, a)
	}
	return r.updateAddress(ctx, a)
}

func (r *staticIPAddressRepositoryImpl) createAddress(ctx context.Context, a domain.StaticIPAddress) (domain.StaticIPAddress, error) {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO staticipaddresses (ip, alloc_type, user_id, subnet_id, lease_time, temp_expires_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullAddr(a.IP), int(a.AllocType), nullInt64(a.UserID), nullInt64(a.SubnetID),
		a.LeaseTime, a.TempExpiresOn, now, now)
	if err != nil {
		return domain.StaticIPAddress{}, fmt.Errorf("failed to create static IP address: %w", wrapWriteErr(err))
	}

	if a.ID, err = result.LastInsertId(); err != nil {
		return domain.StaticIPAddress{}, fmt.Errorf("failed to get static IP address ID: %w", err)
	}
	a.Created, a.Updated = now, now
	return a, nil
}

func (r *staticIPAddressRepositoryImpl) updateAddress(ctx context.Context, a domain.StaticIPAddress) (domain.StaticIPAddress, error) {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx, `
		UPDATE staticipaddresses
		SET ip = ?, alloc_type = ?, user_id = ?, subnet_id = ?, lease_time = ?, temp_expires_on = ?, updated_at = ?
		WHERE id = ?`,
		nullAddr(a.IP), int(a.AllocType), nullInt64(a.UserID), nullInt64(a.SubnetID),
		a.LeaseTime, a.TempExpiresOn, now, a.ID)
	if err != nil {
		return domain.StaticIPAddress{}, fmt.Errorf("failed to update static IP address: %w", wrapWriteErr(err))
	}
	if err := checkAffected(result, "static ip address", a.ID); err != nil {
		return domain.StaticIPAddress{}, err
	}
	a.Updated = now
	return a, nil
}

func scanStaticIP(row rowScanner) (domain.StaticIPAddress, error) {
	var (
		a         domain.StaticIPAddress
		ip        sql.NullString
		allocType int
		userID    sql.NullInt64
		subnetID  sql.NullInt64
		expires   sql.NullTime
	)
	if err := row.Scan(&a.ID, &ip, &allocType, &userID, &subnetID, &a.LeaseTime, &expires, &a.Created, &a.Updated); err != nil {
		return domain.StaticIPAddress{}, err
	}

	var err error
	if a.IP, err = parseNullAddr(ip); err != nil {
		return domain.StaticIPAddress{}, err
	}
	a.AllocType = domain.AllocType(allocType)
	a.UserID = ptrInt64(userID)
	a.SubnetID = ptrInt64(subnetID)
	if expires.Valid {
		t := expires.Time
		a.TempExpiresOn = &t
	}
	return a, nil
}

// FindByID finds an address record by ID
func (r *staticIPAddressRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.StaticIPAddress, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+staticIPColumns+` FROM staticipaddresses a WHERE a.id = ?`, id)
	a, err := scanStaticIP(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StaticIPAddress{}, fmt.Errorf("static ip address with ID %d: %w", id, ErrNotFound)
		}
		return domain.StaticIPAddress{}, fmt.Errorf("failed to find static IP address: %w", err)
	}
	return a, nil
}

// FindByIP finds the non-discovered record holding ip
func (r *staticIPAddressRepositoryImpl) FindByIP(ctx context.Context, ip netip.Addr) (domain.StaticIPAddress, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+staticIPColumns+` FROM staticipaddresses a
		WHERE a.ip = ? AND a.alloc_type != ?`, ip.String(), int(domain.AllocDiscovered))
	a, err := scanStaticIP(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.StaticIPAddress{}, fmt.Errorf("static ip address %s: %w", ip, ErrNotFound)
		}
		return domain.StaticIPAddress{}, fmt.Errorf("failed to find static IP address: %w", err)
	}
	return a, nil
}

// FindAll finds all address records
func (r *staticIPAddressRepositoryImpl) FindAll(ctx context.Context) ([]domain.StaticIPAddress, error) {
	return r.query(ctx, `SELECT `+staticIPColumns+` FROM staticipaddresses a ORDER BY a.id`)
}

// FindBySubnet finds the records of a subnet that hold an address
func (r *staticIPAddressRepositoryImpl) FindBySubnet(ctx context.Context, subnetID int64, includeDiscovered bool) ([]domain.StaticIPAddress, error) {
	if includeDiscovered {
		return r.query(ctx, `
			SELECT `+staticIPColumns+` FROM staticipaddresses a
			WHERE a.subnet_id = ? AND a.ip IS NOT NULL ORDER BY a.id`, subnetID)
	}
	return r.query(ctx, `
		SELECT `+staticIPColumns+` FROM staticipaddresses a
		WHERE a.subnet_id = ? AND a.ip IS NOT NULL AND a.alloc_type != ? ORDER BY a.id`,
		subnetID, int(domain.AllocDiscovered))
}

// FindOrphans finds unlinked AUTO and STICKY records
func (r *staticIPAddressRepositoryImpl) FindOrphans(ctx context.Context, cutoff time.Time) ([]domain.StaticIPAddress, error) {
	return r.query(ctx, `
		SELECT `+staticIPColumns+` FROM staticipaddresses a
		LEFT JOIN interface_ip_addresses l ON l.staticipaddress_id = a.id
		WHERE l.interface_id IS NULL AND a.alloc_type IN (?, ?) AND a.created_at < ?
		ORDER BY a.id`,
		int(domain.AllocAuto), int(domain.AllocSticky), cutoff.UTC())
}

func (r *staticIPAddressRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.StaticIPAddress, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find static IP addresses: %w", err)
	}
	defer rows.Close()

	var addrs []domain.StaticIPAddress
	for rows.Next() {
		a, err := scanStaticIP(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan static IP address: %w", err)
		}
		addrs = append(addrs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating static IP addresses: %w", err)
	}
	return addrs, nil
}

// SetUser sets the owning user of a record
func (r *staticIPAddressRepositoryImpl) SetUser(ctx context.Context, id int64, userID *int64) error {
	result, err := r.db.ExecContext(ctx, "UPDATE staticipaddresses SET user_id = ?, updated_at = ? WHERE id = ?",
		nullInt64(userID), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set static IP address user: %w", err)
	}
	return checkAffected(result, "static ip address", id)
}

// LinkInterface links a record to an interface
func (r *staticIPAddressRepositoryImpl) LinkInterface(ctx context.Context, id, interfaceID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO interface_ip_addresses (interface_id, staticipaddress_id) VALUES (?, ?)`,
		interfaceID, id)
	if err != nil {
		return fmt.Errorf("failed to link static IP address: %w", err)
	}
	return nil
}

// DeleteByID deletes an address record by ID
func (r *staticIPAddressRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM staticipaddresses WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete static IP address: %w", err)
	}
	return checkAffected(result, "static ip address", id)
}

// ExistsByID checks if an address record exists by ID
func (r *staticIPAddressRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM staticipaddresses WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check static IP address existence: %w", err)
	}
	return count > 0, nil
}
