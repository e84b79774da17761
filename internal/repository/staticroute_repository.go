package repository

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/jbweber/homelab/ipamd/internal/domain"
)

// StaticRouteRepository defines operations for static routes
type StaticRouteRepository interface {
	Save(ctx context.Context, route domain.StaticRoute) (domain.StaticRoute, error)
	FindBySourceSubnet(ctx context.Context, subnetID int64) ([]domain.StaticRoute, error)
	DeleteByID(ctx context.Context, id int64) error
}

type staticRouteRepositoryImpl struct {
	db DBTX
}

// NewStaticRouteRepository creates a new static route repository
func NewStaticRouteRepository(db DBTX) StaticRouteRepository {
	return &staticRouteRepositoryImpl{db: db}
}

// Save creates or updates a static route
func (r *staticRouteRepositoryImpl) Save(ctx context.Context, route domain.StaticRoute) (domain.StaticRoute, error) {
	if !route.GatewayIP.IsValid() {
		return domain.StaticRoute{}, fmt.Errorf("%w: static route gateway is required", ErrInvalidEntity)
	}
	if route.ID == 0 {
		result, err := r.db.ExecContext(ctx, `
			INSERT INTO staticroutes (source_subnet_id, destination_subnet_id, gateway_ip, metric)
			VALUES (?, ?, ?, ?)`,
			route.SourceSubnetID, route.DestinationSubnet, route.GatewayIP.String(), route.Metric)
		if err != nil {
			return domain.StaticRoute{}, fmt.Errorf("failed to create static route: %w", err)
		}
		if route.ID, err = result.LastInsertId(); err != nil {
			return domain.StaticRoute{}, fmt.Errorf("failed to get static route ID: %w", err)
		}
		return route, nil
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE staticroutes SET source_subnet_id = ?, destination_subnet_id = ?, gateway_ip = ?, metric = ?
		WHERE id = ?`,
		route.SourceSubnetID, route.DestinationSubnet, route.GatewayIP.String(), route.Metric, route.ID)
	if err != nil {
		return domain.StaticRoute{}, fmt.Errorf("failed to update static route: %w", err)
	}
	if err := checkAffected(result, "static route", route.ID); err != nil {
		return domain.StaticRoute{}, err
	}
	return route, nil
}

// FindBySourceSubnet finds the routes pushed to hosts of a subnet
func (r *staticRouteRepositoryImpl) FindBySourceSubnet(ctx context.Context, subnetID int64) ([]domain.StaticRoute, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_subnet_id, destination_subnet_id, gateway_ip, metric
		FROM staticroutes WHERE source_subnet_id = ? ORDER BY id`, subnetID)
	if err != nil {
		return nil, fmt.Errorf("failed to find static routes: %w", err)
	}
	defer rows.Close()

	var routes []domain.StaticRoute
	for rows.Next() {
		var (
			route   domain.StaticRoute
			gateway string
		)
		if err := rows.Scan(&route.ID, &route.SourceSubnetID, &route.DestinationSubnet, &gateway, &route.Metric); err != nil {
			return nil, fmt.Errorf("failed to scan static route: %w", err)
		}
		if route.GatewayIP, err = netip.ParseAddr(gateway); err != nil {
			return nil, fmt.Errorf("invalid stored address %q: %w", gateway, err)
		}
		routes = append(routes, route)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating static routes: %w", err)
	}
	return routes, nil
}

// DeleteByID deletes a static route by ID
func (r *staticRouteRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM staticroutes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete static route: %w", err)
	}
	return checkAffected(result, "static route", id)
}
