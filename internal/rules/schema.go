package rules

import (
	"context"
	_ "embed"
	"fmt"
)

// Schema creates the tables PostgresStore reads and writes. Every statement
// is idempotent.
//
//go:embed schema.sql
var Schema string

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("rules: migrate: %w", err)
	}
	return nil
}

// AssignRole records a base role for the actor in the tenant. Base roles are
// read per request, so no change event is published.
func (s *PostgresStore) AssignRole(ctx context.Context, actorID, tenantID, role string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO user_roles (user_id, tenant_id, role) VALUES ($1, $2, $3)
ON CONFLICT (user_id, tenant_id, role) DO UPDATE SET created_at = NOW()`, actorID, tenantID, role)
	if err != nil {
		return fmt.Errorf("rules: assign role: %w", err)
	}
	return nil
}
