package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/jbweber/homelab/ipamd/internal/domain"
)

// SubnetRepository defines domain-specific operations for subnets
type SubnetRepository interface {
	Repository[domain.Subnet, int64]
	FindByCIDR(ctx context.Context, cidr netip.Prefix) (domain.Subnet, error)
	FindByVLAN(ctx context.Context, vlanID int64) ([]domain.Subnet, error)
	// FindContaining returns the subnets holding ip, best match first:
	// subnets on DHCP-enabled VLANs first, then the longest prefix.
	FindContaining(ctx context.Context, ip netip.Addr) ([]domain.Subnet, error)
	// FindBestForIP returns the first managed subnet of FindContaining.
	FindBestForIP(ctx context.Context, ip netip.Addr) (domain.Subnet, error)
}

type subnetRepositoryImpl struct {
	db DBTX
}

// NewSubnetRepository creates a new subnet repository
func NewSubnetRepository(db DBTX) SubnetRepository {
	return &subnetRepositoryImpl{
		db: db,
	}
}

const subnetColumns = `s.id, s.name, s.cidr, s.vlan_id, s.gateway_ip, s.dns_servers, s.managed, s.disabled_boot_architectures`

// Save creates or updates a subnet
func (r *subnetRepositoryImpl) Save(ctx context.Context, subnet domain.Subnet) (domain.Subnet, error) {
	if err := validateSubnet(&subnet); err != nil {
		return domain.Subnet{}, err
	}
	if subnet.ID == 0 {
		return r.createSubnet(ctx, subnet)
	}
	return r.updateSubnet(ctx, subnet)
}

func validateSubnet(s *domain.Subnet) error {
	if !s.CIDR.IsValid() {
		return fmt.Errorf("%w: subnet CIDR is required", ErrInvalidEntity)
	}
	s.CIDR = s.CIDR.Masked()
	if s.VLANID == 0 {
		return fmt.Errorf("%w: subnet VLAN is required", ErrInvalidEntity)
	}
	if s.Name == "" {
		s.Name = s.CIDR.String()
	}
	if s.GatewayIP.IsValid() && !s.CIDR.Contains(s.GatewayIP) {
		if !(s.GatewayIP.Is6() && s.GatewayIP.IsLinkLocalUnicast()) {
			return fmt.Errorf("%w: gateway IP %s must be within CIDR %s", ErrInvalidEntity, s.GatewayIP, s.CIDR)
		}
	}
	return nil
}

func (r *subnetRepositoryImpl) createSubnet(ctx context.Context, s domain.Subnet) (domain.Subnet, error) {
	result, err := r.db.ExecContext(ctx, `
		INSERT INTO subnets (name, cidr, vlan_id, gateway_ip, dns_servers, managed, disabled_boot_architectures)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.Name, s.CIDR.String(), s.VLANID, nullAddr(s.GatewayIP), joinAddrs(s.DNSServers),
		s.Managed, strings.Join(s.DisabledBootArchitectures, ","))
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.Subnet{}, fmt.Errorf("subnet %s: %w", s.CIDR, ErrDuplicate)
		}
		return domain.Subnet{}, fmt.Errorf("failed to create subnet: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return domain.Subnet{}, fmt.Errorf("failed to get subnet ID: %w", err)
	}

	s.ID = id
	return s, nil
}

func (r *subnetRepositoryImpl) updateSubnet(ctx context.Context, s domain.Subnet) (domain.Subnet, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE subnets
		SET name = ?, cidr = ?, vlan_id = ?, gateway_ip = ?, dns_servers = ?, managed = ?,
			disabled_boot_architectures = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		s.Name, s.CIDR.String(), s.VLANID, nullAddr(s.GatewayIP), joinAddrs(s.DNSServers),
		s.Managed, strings.Join(s.DisabledBootArchitectures, ","), s.ID)
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.Subnet{}, fmt.Errorf("subnet %s: %w", s.CIDR, ErrDuplicate)
		}
		return domain.Subnet{}, fmt.Errorf("failed to update subnet: %w", err)
	}
	if err := checkAffected(result, "subnet", s.ID); err != nil {
		return domain.Subnet{}, err
	}
	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubnet(row rowScanner, extra ...any) (domain.Subnet, error) {
	var (
		s        domain.Subnet
		cidr     string
		gateway  sql.NullString
		dns      string
		disabled string
	)
	dest := append([]any{&s.ID, &s.Name, &cidr, &s.VLANID, &gateway, &dns, &s.Managed, &disabled}, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.Subnet{}, err
	}

	var err error
	if s.CIDR, err = netip.ParsePrefix(cidr); err != nil {
		return domain.Subnet{}, fmt.Errorf("invalid stored CIDR %q: %w", cidr, err)
	}
	if s.GatewayIP, err = parseNullAddr(gateway); err != nil {
		return domain.Subnet{}, err
	}
	if s.DNSServers, err = splitAddrs(dns); err != nil {
		return domain.Subnet{}, err
	}
	s.DisabledBootArchitectures = splitList(disabled)
	return s, nil
}

// FindByID finds a subnet by ID
func (r *subnetRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Subnet, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subnetColumns+` FROM subnets s WHERE s.id = ?`, id)
	subnet, err := scanSubnet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Subnet{}, fmt.Errorf("subnet with ID %d: %w", id, ErrNotFound)
		}
		return domain.Subnet{}, fmt.Errorf("failed to find subnet: %w", err)
	}
	return subnet, nil
}

// FindByCIDR finds a subnet by its network
func (r *subnetRepositoryImpl) FindByCIDR(ctx context.Context, cidr netip.Prefix) (domain.Subnet, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+subnetColumns+` FROM subnets s WHERE s.cidr = ?`, cidr.Masked().String())
	subnet, err := scanSubnet(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Subnet{}, fmt.Errorf("subnet %s: %w", cidr, ErrNotFound)
		}
		return domain.Subnet{}, fmt.Errorf("failed to find subnet: %w", err)
	}
	return subnet, nil
}

// FindAll finds all subnets
func (r *subnetRepositoryImpl) FindAll(ctx context.Context) ([]domain.Subnet, error) {
	return r.query(ctx, `SELECT `+subnetColumns+` FROM subnets s ORDER BY s.id`)
}

// FindByVLAN finds the subnets attached to a VLAN
func (r *subnetRepositoryImpl) FindByVLAN(ctx context.Context, vlanID int64) ([]domain.Subnet, error) {
	return r.query(ctx, `SELECT `+subnetColumns+` FROM subnets s WHERE s.vlan_id = ? ORDER BY s.id`, vlanID)
}

func (r *subnetRepositoryImpl) query(ctx context.Context, query string, args ...any) ([]domain.Subnet, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to find subnets: %w", err)
	}
	defer rows.Close()

	var subnets []domain.Subnet
	for rows.Next() {
		subnet, err := scanSubnet(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subnet: %w", err)
		}
		subnets = append(subnets, subnet)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subnets: %w", err)
	}

	return subnets, nil
}

// FindContaining finds every subnet whose CIDR holds ip. SQLite has no
// network type, so containment is checked after loading.
func (r *subnetRepositoryImpl) FindContaining(ctx context.Context, ip netip.Addr) ([]domain.Subnet, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+subnetColumns+`, v.dhcp_on
		FROM subnets s JOIN vlans v ON v.id = s.vlan_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to find subnets: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		subnet domain.Subnet
		dhcpOn bool
	}
	var found []candidate
	for rows.Next() {
		var dhcpOn bool
		subnet, err := scanSubnet(rows, &dhcpOn)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subnet: %w", err)
		}
		if subnet.CIDR.Contains(ip) {
			found = append(found, candidate{subnet: subnet, dhcpOn: dhcpOn})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subnets: %w", err)
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].dhcpOn != found[j].dhcpOn {
			return found[i].dhcpOn
		}
		return found[i].subnet.CIDR.Bits() > found[j].subnet.CIDR.Bits()
	})

	subnets := make([]domain.Subnet, len(found))
	for i, c := range found {
		subnets[i] = c.subnet
	}
	return subnets, nil
}

// FindBestForIP finds the most specific managed subnet holding ip
func (r *subnetRepositoryImpl) FindBestForIP(ctx context.Context, ip netip.Addr) (domain.Subnet, error) {
	subnets, err := r.FindContaining(ctx, ip)
	if err != nil {
		return domain.Subnet{}, err
	}
	for _, subnet := range subnets {
		if subnet.Managed {
			return subnet, nil
		}
	}
	return domain.Subnet{}, fmt.Errorf("managed subnet for %s: %w", ip, ErrNotFound)
}

// DeleteByID deletes a subnet by ID. A subnet with a dynamic range on a
// VLAN that has DHCP enabled is still serving leases and is refused.
func (r *subnetRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	var serving int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM ipranges ir
		JOIN subnets s ON s.id = ir.subnet_id
		JOIN vlans v ON v.id = s.vlan_id
		WHERE s.id = ? AND ir.type = 'dynamic' AND v.dhcp_on = 1`, id).Scan(&serving)
	if err != nil {
		return fmt.Errorf("failed to check dynamic ranges: %w", err)
	}
	if serving > 0 {
		return fmt.Errorf("subnet %d has a dynamic range on a DHCP-enabled VLAN: %w", id, ErrInUse)
	}

	result, err := r.db.ExecContext(ctx, "DELETE FROM subnets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete subnet: %w", err)
	}
	return checkAffected(result, "subnet", id)
}

// ExistsByID checks if a subnet exists by ID
func (r *subnetRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM subnets WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check subnet existence: %w", err)
	}
	return count > 0, nil
}
