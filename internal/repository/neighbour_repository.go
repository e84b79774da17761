package repository

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/jbweber/homelab/ipamd/internal/domain"
)

// NeighbourRepository stores IP/MAC pairings observed on the wire
type NeighbourRepository interface {
	// Observe records a sighting, refreshing last_seen for a known pairing.
	Observe(ctx context.Context, n domain.Neighbour) (domain.Neighbour, error)
	// FindInPrefix finds the neighbours whose address lies in prefix,
	// least recently seen first.
	FindInPrefix(ctx context.Context, prefix netip.Prefix) ([]domain.Neighbour, error)
	DeleteByID(ctx context.Context, id int64) error
}

type neighbourRepositoryImpl struct {
	db DBTX
}

// NewNeighbourRepository creates a new neighbour repository
func NewNeighbourRepository(db DBTX) NeighbourRepository {
	return &neighbourRepositoryImpl{db: db}
}

// Observe upserts a neighbour keyed by (ip, mac, vid)
func (r *neighbourRepositoryImpl) Observe(ctx context.Context, n domain.Neighbour) (domain.Neighbour, error) {
	if !n.IP.IsValid() || n.MAC == "" {
		return domain.Neighbour{}, fmt.Errorf("%w: neighbour needs an IP and a MAC", ErrInvalidEntity)
	}
	if n.LastSeen.IsZero() {
		n.LastSeen = time.Now()
	}
	n.LastSeen = n.LastSeen.UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO neighbours (ip, mac, vid, last_seen) VALUES (?, ?, ?, ?)
		ON CONFLICT (ip, mac, vid) DO UPDATE SET last_seen = excluded.last_seen`,
		n.IP.String(), n.MAC, n.VID, n.LastSeen)
	if err != nil {
		return domain.Neighbour{}, fmt.Errorf("failed to record neighbour: %w", err)
	}
	err = r.db.QueryRowContext(ctx, "SELECT id FROM neighbours WHERE ip = ? AND mac = ? AND vid = ?",
		n.IP.String(), n.MAC, n.VID).Scan(&n.ID)
	if err != nil {
		return domain.Neighbour{}, fmt.Errorf("failed to get neighbour ID: %w", err)
	}
	return n, nil
}

// FindInPrefix finds the neighbours inside prefix. SQLite has no network
// type, so containment is checked after loading.
func (r *neighbourRepositoryImpl) FindInPrefix(ctx context.Context, prefix netip.Prefix) ([]domain.Neighbour, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, ip, mac, vid, last_seen FROM neighbours ORDER BY last_seen, id")
	if err != nil {
		return nil, fmt.Errorf("failed to find neighbours: %w", err)
	}
	defer rows.Close()

	var out []domain.Neighbour
	for rows.Next() {
		var (
			n  domain.Neighbour
			ip string
		)
		if err := rows.Scan(&n.ID, &ip, &n.MAC, &n.VID, &n.LastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan neighbour: %w", err)
		}
		if n.IP, err = netip.ParseAddr(ip); err != nil {
			return nil, fmt.Errorf("invalid stored address %q: %w", ip, err)
		}
		if prefix.Contains(n.IP) {
			out = append(out, n)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating neighbours: %w", err)
	}
	return out, nil
}

// DeleteByID deletes a neighbour by ID
func (r *neighbourRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM neighbours WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete neighbour: %w", err)
	}
	return checkAffected(result, "neighbour", id)
}
