package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/storeseo/engine/internal/domain"
)

// ErrTenantNotFound indicates the tenant has no stored credentials.
var ErrTenantNotFound = errors.New("tenant not found")

// GetTenant loads a tenant's plan and admin API credentials.
func (s *Store) GetTenant(ctx context.Context, name string) (*domain.Tenant, error) {
	var tenant domain.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT name, api_endpoint, api_token, free_plan FROM tenants WHERE name = $1
	`, name).Scan(&tenant.Name, &tenant.APIEndpoint, &tenant.APIToken, &tenant.FreePlan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, name)
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return &tenant, nil
}

// UpsertTenant stores or refreshes a tenant's credentials and plan.
func (s *Store) UpsertTenant(ctx context.Context, tenant *domain.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (name, api_endpoint, api_token, free_plan)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE
		SET api_endpoint = EXCLUDED.api_endpoint,
			api_token = EXCLUDED.api_token,
			free_plan = EXCLUDED.free_plan,
			updated_at = NOW()
	`, tenant.Name, tenant.APIEndpoint, tenant.APIToken, tenant.FreePlan)
	if err != nil {
		return fmt.Errorf("failed to upsert tenant: %w", err)
	}
	return nil
}
