package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetWorkflow returns a workflow scoped to the owning organization.
func (s *Store) GetWorkflow(ctx context.Context, orgID, id string) (*Workflow, error) {
	const q = `SELECT id, organization_id, name,
			COALESCE(current_definition_id, ''), config, created_at, updated_at
		FROM workflows WHERE id = $1 AND ($2 = '' OR organization_id = $2)`
	var w Workflow
	err := s.pool.QueryRow(ctx, q, id, orgID).Scan(
		&w.ID, &w.OrganizationID, &w.Name, &w.CurrentDefinitionID,
		&w.Config, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get workflow: %w", err)
	}
	return &w, nil
}

// CreateWorkflow inserts a workflow.
func (s *Store) CreateWorkflow(ctx context.Context, w *Workflow) (*Workflow, error) {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO workflows (id, organization_id, name, config)
		VALUES ($1, $2, $3, $4)
		RETURNING id, organization_id, name, COALESCE(current_definition_id, ''),
			config, created_at, updated_at`
	var out Workflow
	err := s.pool.QueryRow(ctx, q, w.ID, w.OrganizationID, w.Name, w.Config).Scan(
		&out.ID, &out.OrganizationID, &out.Name, &out.CurrentDefinitionID,
		&out.Config, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: create workflow: %w", err)
	}
	return &out, nil
}

// PublishDefinition writes a new definition snapshot and flips it to current
// in one transaction, preserving the single-current invariant.
func (s *Store) PublishDefinition(ctx context.Context, workflowID string, snapshot []byte) (*WorkflowDefinition, error) {
	def := WorkflowDefinition{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Snapshot:   snapshot,
		IsCurrent:  true,
	}
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		const clearQ = `UPDATE workflow_definitions SET is_current = false
			WHERE workflow_id = $1 AND is_current`
		if _, err := tx.Exec(ctx, clearQ, workflowID); err != nil {
			return fmt.Errorf("store: clear current definition: %w", err)
		}
		const insQ = `
			INSERT INTO workflow_definitions (id, workflow_id, snapshot, is_current)
			VALUES ($1, $2, $3, true)
			RETURNING created_at`
		if err := tx.QueryRow(ctx, insQ, def.ID, def.WorkflowID, def.Snapshot).Scan(&def.CreatedAt); err != nil {
			return fmt.Errorf("store: insert definition: %w", err)
		}
		const pointQ = `UPDATE workflows
			SET current_definition_id = $2, updated_at = now() WHERE id = $1`
		if _, err := tx.Exec(ctx, pointQ, workflowID, def.ID); err != nil {
			return fmt.Errorf("store: point current definition: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// GetDefinition returns a definition snapshot by id.
func (s *Store) GetDefinition(ctx context.Context, id string) (*WorkflowDefinition, error) {
	const q = `SELECT id, workflow_id, snapshot, is_current, created_at
		FROM workflow_definitions WHERE id = $1`
	var d WorkflowDefinition
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&d.ID, &d.WorkflowID, &d.Snapshot, &d.IsCurrent, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get definition: %w", err)
	}
	return &d, nil
}

// CurrentDefinition returns the workflow's current definition.
func (s *Store) CurrentDefinition(ctx context.Context, workflowID string) (*WorkflowDefinition, error) {
	const q = `SELECT id, workflow_id, snapshot, is_current, created_at
		FROM workflow_definitions WHERE workflow_id = $1 AND is_current`
	var d WorkflowDefinition
	err := s.pool.QueryRow(ctx, q, workflowID).Scan(
		&d.ID, &d.WorkflowID, &d.Snapshot, &d.IsCurrent, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: current definition: %w", err)
	}
	return &d, nil
}
