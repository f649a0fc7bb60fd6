package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetOrganization returns an organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	const q = `SELECT id, name, concurrent_call_limit, disposition_mapping, created_at
		FROM organizations WHERE id = $1`
	var o Organization
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&o.ID, &o.Name, &o.ConcurrentCallLimit, &o.DispositionMapping, &o.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get organization: %w", err)
	}
	return &o, nil
}

// CreateOrganization inserts an organization. Primarily used by tests and
// bootstrap tooling; org CRUD otherwise lives outside this core.
func (s *Store) CreateOrganization(ctx context.Context, o *Organization) (*Organization, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.ConcurrentCallLimit <= 0 {
		o.ConcurrentCallLimit = 10
	}
	const q = `
		INSERT INTO organizations (id, name, concurrent_call_limit, disposition_mapping)
		VALUES ($1, $2, $3, $4)
		RETURNING id, name, concurrent_call_limit, disposition_mapping, created_at`
	var out Organization
	err := s.pool.QueryRow(ctx, q, o.ID, o.Name, o.ConcurrentCallLimit, o.DispositionMapping).
		Scan(&out.ID, &out.Name, &out.ConcurrentCallLimit, &out.DispositionMapping, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create organization: %w", err)
	}
	return &out, nil
}
