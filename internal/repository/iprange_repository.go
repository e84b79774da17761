package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"

	"github.com/jbweber/homelab/ipamd/internal/domain"
)

// IPRangeRepository defines operations for reserved and dynamic ranges
type IPRangeRepository interface {
	Repository[domain.IPRange, int64]
	FindBySubnet(ctx context.Context, subnetID int64) ([]domain.IPRange, error)
	FindBySubnetAndType(ctx context.Context, subnetID int64, rangeType domain.IPRangeType) ([]domain.IPRange, error)
}

type ipRangeRepositoryImpl struct {
	db DBTX
}

// NewIPRangeRepository creates a new IP range repository
func NewIPRangeRepository(db DBTX) IPRangeRepository {
	return &ipRangeRepositoryImpl{db: db}
}

// Save creates or updates a range. Overlap with other ranges is checked by
// the caller against the subnet's utilization, not here.
func (r *ipRangeRepositoryImpl) Save(ctx context.Context, ir domain.IPRange) (domain.IPRange, error) {
	if err := r.validate(ctx, ir); err != nil {
		return domain.IPRange{}, err
	}

	if ir.ID == 0 {
		result, err := r.db.ExecContext(ctx, `
			INSERT INTO ipranges (subnet_id, type, start_ip, end_ip, comment)
			VALUES (?, ?, ?, ?, ?)`,
			ir.SubnetID, string(ir.Type), ir.StartIP.String(), ir.EndIP.String(), ir.Comment)
		if err != nil {
			return domain.IPRange{}, fmt.Errorf("failed to create IP range: %w", err)
		}
		if ir.ID, err = result.LastInsertId(); err != nil {
			return domain.IPRange{}, fmt.Errorf("failed to get IP range ID: %w", err)
		}
		return ir, nil
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE ipranges SET subnet_id = ?, type = ?, start_ip = ?, end_ip = ?, comment = ?
		WHERE id = ?`,
		ir.SubnetID, string(ir.Type), ir.StartIP.String(), ir.EndIP.String(), ir.Comment, ir.ID)
	if err != nil {
		return domain.IPRange{}, fmt.Errorf("failed to update IP range: %w", err)
	}
	if err := checkAffected(result, "ip range", ir.ID); err != nil {
		return domain.IPRange{}, err
	}
	return ir, nil
}

func (r *ipRangeRepositoryImpl) validate(ctx context.Context, ir domain.IPRange) error {
	if !ir.Type.Valid() {
		return fmt.Errorf("%w: unknown range type %q", ErrInvalidEntity, ir.Type)
	}
	if !ir.StartIP.IsValid() || !ir.EndIP.IsValid() {
		return fmt.Errorf("%w: start and end IP are required", ErrInvalidEntity)
	}
	if ir.StartIP.Is4() != ir.EndIP.Is4() {
		return fmt.Errorf("%w: start and end IP must be the same family", ErrInvalidEntity)
	}
	if ir.EndIP.Less(ir.StartIP) {
		return fmt.Errorf("%w: end IP %s is before start IP %s", ErrInvalidEntity, ir.EndIP, ir.StartIP)
	}

	var cidr string
	err := r.db.QueryRowContext(ctx, "SELECT cidr FROM subnets WHERE id = ?", ir.SubnetID).Scan(&cidr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("subnet with ID %d: %w", ir.SubnetID, ErrNotFound)
		}
		return fmt.Errorf("failed to find subnet: %w", err)
	}
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return fmt.Errorf("invalid stored CIDR %q: %w", cidr, err)
	}
	if !prefix.Contains(ir.StartIP) || !prefix.Contains(ir.EndIP) {
		return fmt.Errorf("%w: range %s-%s is not within subnet %s", ErrInvalidEntity, ir.StartIP, ir.EndIP, prefix)
	}
	return nil
}

func scanIPRange(row rowScanner) (domain.IPRange, error) {
	var (
		ir         domain.IPRange
		rangeType  string
		start, end string
	)
	if err := row.Scan(&ir.ID, &ir.SubnetID, &rangeType, &start, &end, &ir.Comment); err != nil {
		return domain.IPRange{}, err
	}
	ir.Type = domain.IPRangeType(rangeType)

	var err error
	if ir.StartIP, err = netip.ParseAddr(start); err != nil {
		return domain.IPRange{}, fmt.Errorf("invalid stored address %q: %w", start, err)
	}
	if ir.EndIP, err = netip.ParseAddr(end); err != nil {
		return domain.IPRange{}, fmt.Errorf("invalid stored address %q: %w", end, err)
	}
	return ir, nil
}

// FindByID finds a range by ID
func (r *ipRangeRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.IPRange, error) {
	row := r.db.QueryRowContext(ctx, "SELECT id, subnet_id, type, start_ip, end_ip, comment FROM ipranges WHERE id = ?", id)
	ir, err := scanIPRange(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.IPRange{}, fmt.Errorf("ip range with ID %d: %w", id, ErrNotFound)
		}
		return domain.IPRange{}, fmt.Errorf("failed to find IP range: %w", err)
	}
	return ir, nil
}

// FindAll finds all ranges
func (r *ipRangeRepositoryImpl) FindAll(ctx context.Context) ([]domain.IPRange, error) {
	return r.query(ctx, "SELECT id, subnet_id, type, start_ip, end_ip, comment FROM ipranges ORDER BY id")
}

// FindBySubnet finds the ranges of a subnet
func (r *ipRangeRepositoryImpl) FindBySubnet(ctx context.Context, subnetID int64) ([]domain.IPRange, error) {
	return r.query(ctx, "SELECT id, subnet_id, type, start_ip, end_ip, comment FROM ipranges WHERE subnet_id = ? ORDER BY id", subnetID)
}

// FindBySubnetAndType finds the ranges of one type in a subnet
func (r *ipRangeRepositoryImpl) FindBySubnetAndType(ctx context.Context, subnetID int64, rangeType domain.IPRangeType) ([]domain.IPRange, error) {
	return r.query(ctx, `
		SELECT id, subnet_id, type, start_ip, end_ip, comment
		FROM ipranges WHERE subnet_id = ? AND type = ? ORDER BY id`, subnetID, string(rangeType))
}

func (r *ipRangeRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.IPRange, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find IP ranges: %w", err)
	}
	defer rows.Close()

	var ranges []domain.IPRange
	for rows.Next() {
		ir, err := scanIPRange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan IP range: %w", err)
		}
		ranges = append(ranges, ir)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating IP ranges: %w", err)
	}
	return ranges, nil
}

// DeleteByID deletes a range by ID
func (r *ipRangeRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM ipranges WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete IP range: %w", err)
	}
	return checkAffected(result, "ip range", id)
}

// ExistsByID checks if a range exists by ID
func (r *ipRangeRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ipranges WHERE id = ?", id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check IP range existence: %w", err)
	}
	return count > 0, nil
}
