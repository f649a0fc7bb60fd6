package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetCustomTool returns a tool definition, organization-scoped.
func (s *Store) GetCustomTool(ctx context.Context, orgID, id string) (*CustomTool, error) {
	const q = `SELECT id, organization_id, name, description, kind, spec, created_at
		FROM custom_tools WHERE id = $1 AND organization_id = $2`
	var t CustomTool
	err := s.pool.QueryRow(ctx, q, id, orgID).Scan(
		&t.ID, &t.OrganizationID, &t.Name, &t.Description, &t.Kind, &t.Spec, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get custom tool: %w", err)
	}
	return &t, nil
}

// CreateCustomTool inserts a tool definition.
func (s *Store) CreateCustomTool(ctx context.Context, t *CustomTool) (*CustomTool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if !t.Kind.IsValid() {
		return nil, fmt.Errorf("store: invalid tool kind %q", t.Kind)
	}
	const q = `
		INSERT INTO custom_tools (id, organization_id, name, description, kind, spec)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	if err := s.pool.QueryRow(ctx, q, t.ID, t.OrganizationID, t.Name, t.Description, t.Kind, t.Spec).Scan(&t.CreatedAt); err != nil {
		return nil, fmt.Errorf("store: create custom tool: %w", err)
	}
	return t, nil
}
