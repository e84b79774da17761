package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jbweber/homelab/ipamd/internal/domain"
)

// DHCPSnippetRepository defines operations for DHCP config snippets
type DHCPSnippetRepository interface {
	Save(ctx context.Context, snippet domain.DHCPSnippet) (domain.DHCPSnippet, error)
	// FindEnabled finds every enabled snippet ordered by name.
	FindEnabled(ctx context.Context) ([]domain.DHCPSnippet, error)
	DeleteByID(ctx context.Context, id int64) error
}

type dhcpSnippetRepositoryImpl struct {
	db DBTX
}

// NewDHCPSnippetRepository creates a new snippet repository
func NewDHCPSnippetRepository(db DBTX) DHCPSnippetRepository {
	return &dhcpSnippetRepositoryImpl{db: db}
}

// Save creates or updates a snippet
func (r *dhcpSnippetRepositoryImpl) Save(ctx context.Context, s domain.DHCPSnippet) (domain.DHCPSnippet, error) {
	if s.Name == "" {
		return domain.DHCPSnippet{}, fmt.Errorf("%w: snippet name is required", ErrInvalidEntity)
	}
	if s.SubnetID != nil && s.InterfaceID != nil {
		return domain.DHCPSnippet{}, fmt.Errorf("%w: snippet %q cannot target a subnet and an interface", ErrInvalidEntity, s.Name)
	}

	if s.ID == 0 {
		result, err := r.db.ExecContext(ctx, `
			INSERT INTO dhcp_snippets (name, value, description, enabled, subnet_id, interface_id)
			VALUES (?, ?, ?, ?, ?, ?)`,
			s.Name, s.Value, s.Description, s.Enabled, nullInt64(s.SubnetID), nullInt64(s.InterfaceID))
		if err != nil {
			if IsUniqueViolation(err) {
				return domain.DHCPSnippet{}, fmt.Errorf("snippet %q: %w", s.Name, ErrDuplicate)
			}
			return domain.DHCPSnippet{}, fmt.Errorf("failed to create DHCP snippet: %w", err)
		}
		if s.ID, err = result.LastInsertId(); err != nil {
			return domain.DHCPSnippet{}, fmt.Errorf("failed to get DHCP snippet ID: %w", err)
		}
		return s, nil
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE dhcp_snippets SET name = ?, value = ?, description = ?, enabled = ?, subnet_id = ?, interface_id = ?
		WHERE id = ?`,
		s.Name, s.Value, s.Description, s.Enabled, nullInt64(s.SubnetID), nullInt64(s.InterfaceID), s.ID)
	if err != nil {
		return domain.DHCPSnippet{}, fmt.Errorf("failed to update DHCP snippet: %w", err)
	}
	if err := checkAffected(result, "dhcp snippet", s.ID); err != nil {
		return domain.DHCPSnippet{}, err
	}
	return s, nil
}

// FindEnabled finds the enabled snippets
func (r *dhcpSnippetRepositoryImpl) FindEnabled(ctx context.Context) ([]domain.DHCPSnippet, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, value, description, enabled, subnet_id, interface_id
		FROM dhcp_snippets WHERE enabled = 1 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to find DHCP snippets: %w", err)
	}
	defer rows.Close()

	var snippets []domain.DHCPSnippet
	for rows.Next() {
		var (
			s                 domain.DHCPSnippet
			subnetID, ifaceID sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Name, &s.Value, &s.Description, &s.Enabled, &subnetID, &ifaceID); err != nil {
			return nil, fmt.Errorf("failed to scan DHCP snippet: %w", err)
		}
		s.SubnetID = ptrInt64(subnetID)
		s.InterfaceID = ptrInt64(ifaceID)
		snippets = append(snippets, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating DHCP snippets: %w", err)
	}
	return snippets, nil
}

// DeleteByID deletes a snippet by ID
func (r *dhcpSnippetRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM dhcp_snippets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete DHCP snippet: %w", err)
	}
	return checkAffected(result, "dhcp snippet", id)
}
