package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const telephonyColumns = `
	organization_id, provider, credentials, from_numbers,
	COALESCE(inbound_workflow_id, ''), updated_at`

func scanTelephonyConfig(row pgx.Row) (*TelephonyConfig, error) {
	var c TelephonyConfig
	err := row.Scan(
		&c.OrganizationID, &c.Provider, &c.Credentials, &c.FromNumbers,
		&c.InboundWorkflowID, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan telephony config: %w", err)
	}
	return &c, nil
}

// GetTelephonyConfig returns the provider binding for an organization.
func (s *Store) GetTelephonyConfig(ctx context.Context, orgID string) (*TelephonyConfig, error) {
	const q = `SELECT ` + telephonyColumns + `
		FROM telephony_configs WHERE organization_id = $1`
	return scanTelephonyConfig(s.pool.QueryRow(ctx, q, orgID))
}

// UpsertTelephonyConfig writes the provider binding for an organization.
func (s *Store) UpsertTelephonyConfig(ctx context.Context, c *TelephonyConfig) error {
	var inbound *string
	if c.InboundWorkflowID != "" {
		inbound = &c.InboundWorkflowID
	}
	const q = `
		INSERT INTO telephony_configs
		    (organization_id, provider, credentials, from_numbers, inbound_workflow_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (organization_id) DO UPDATE SET
			provider            = EXCLUDED.provider,
			credentials         = EXCLUDED.credentials,
			from_numbers        = EXCLUDED.from_numbers,
			inbound_workflow_id = EXCLUDED.inbound_workflow_id,
			updated_at          = now()`
	if _, err := s.pool.Exec(ctx, q, c.OrganizationID, c.Provider, c.Credentials, c.FromNumbers, inbound); err != nil {
		return fmt.Errorf("store: upsert telephony config: %w", err)
	}
	return nil
}

// ListTelephonyConfigsByProvider returns every organization bound to the
// named provider. The stasis manager polls this to discover event sockets to
// hold open.
func (s *Store) ListTelephonyConfigsByProvider(ctx context.Context, provider string) ([]*TelephonyConfig, error) {
	const q = `SELECT ` + telephonyColumns + `
		FROM telephony_configs WHERE provider = $1`
	rows, err := s.pool.Query(ctx, q, provider)
	if err != nil {
		return nil, fmt.Errorf("store: list telephony configs: %w", err)
	}
	defer rows.Close()

	var out []*TelephonyConfig
	for rows.Next() {
		c, err := scanTelephonyConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list telephony configs: %w", err)
	}
	return out, nil
}
