package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlOrganizations = `
CREATE TABLE IF NOT EXISTS organizations (
    id                    TEXT         PRIMARY KEY,
    name                  TEXT         NOT NULL,
    concurrent_call_limit INT          NOT NULL DEFAULT 10,
    disposition_mapping   JSONB        NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

const ddlWorkflows = `
CREATE TABLE IF NOT EXISTS workflows (
    id                    TEXT         PRIMARY KEY,
    organization_id       TEXT         NOT NULL REFERENCES organizations (id),
    name                  TEXT         NOT NULL,
    current_definition_id TEXT,
    config                JSONB        NOT NULL DEFAULT '{}',
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_workflows_org ON workflows (organization_id);
`

const ddlWorkflowDefinitions = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
    id          TEXT         PRIMARY KEY,
    workflow_id TEXT         NOT NULL REFERENCES workflows (id),
    snapshot    JSONB        NOT NULL,
    is_current  BOOLEAN      NOT NULL DEFAULT false,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_definitions_workflow
    ON workflow_definitions (workflow_id);

CREATE UNIQUE INDEX IF NOT EXISTS idx_definitions_current
    ON workflow_definitions (workflow_id) WHERE is_current;
`

const ddlCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id                      TEXT         PRIMARY KEY,
    organization_id         TEXT         NOT NULL REFERENCES organizations (id),
    workflow_id             TEXT         NOT NULL REFERENCES workflows (id),
    name                    TEXT         NOT NULL,
    state                   TEXT         NOT NULL DEFAULT 'created',
    source_type             TEXT         NOT NULL,
    source_id               TEXT         NOT NULL,
    retry_config            JSONB        NOT NULL DEFAULT '{}',
    max_concurrency         INT          NOT NULL DEFAULT 10,
    schedule_config         JSONB        NOT NULL DEFAULT '{}',
    breaker_config          JSONB        NOT NULL DEFAULT '{}',
    total_rows              INT          NOT NULL DEFAULT 0,
    processed_rows          INT          NOT NULL DEFAULT 0,
    failed_rows             INT          NOT NULL DEFAULT 0,
    last_batch_scheduled_at TIMESTAMPTZ,
    created_at              TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at              TIMESTAMPTZ  NOT NULL DEFAULT now(),
    started_at              TIMESTAMPTZ,
    completed_at            TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_campaigns_org ON campaigns (organization_id);
CREATE INDEX IF NOT EXISTS idx_campaigns_state ON campaigns (state);
`

const ddlQueuedRuns = `
CREATE TABLE IF NOT EXISTS queued_runs (
    id                   TEXT         PRIMARY KEY,
    campaign_id          TEXT         NOT NULL REFERENCES campaigns (id),
    source_uuid          TEXT         NOT NULL,
    context_vars         JSONB        NOT NULL DEFAULT '{}',
    state                TEXT         NOT NULL DEFAULT 'queued',
    retry_count          INT          NOT NULL DEFAULT 0,
    parent_queued_run_id TEXT,
    scheduled_for        TIMESTAMPTZ,
    retry_reason         TEXT         NOT NULL DEFAULT '',
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_queued_runs_claim
    ON queued_runs (campaign_id, state, scheduled_for);

CREATE INDEX IF NOT EXISTS idx_queued_runs_created
    ON queued_runs (campaign_id, created_at);
`

const ddlWorkflowRuns = `
CREATE TABLE IF NOT EXISTS workflow_runs (
    id                  TEXT         PRIMARY KEY,
    workflow_id         TEXT         NOT NULL REFERENCES workflows (id),
    campaign_id         TEXT         REFERENCES campaigns (id),
    queued_run_id       TEXT         REFERENCES queued_runs (id),
    mode                TEXT         NOT NULL DEFAULT 'outbound',
    state               TEXT         NOT NULL DEFAULT 'created',
    definition_id       TEXT         NOT NULL,
    initial_context     JSONB        NOT NULL DEFAULT '{}',
    gathered_context    JSONB        NOT NULL DEFAULT '{}',
    usage               JSONB        NOT NULL DEFAULT '{}',
    recording_url       TEXT         NOT NULL DEFAULT '',
    transcript_url      TEXT         NOT NULL DEFAULT '',
    storage_backend     TEXT         NOT NULL DEFAULT '',
    disposition_code    TEXT         NOT NULL DEFAULT '',
    end_reason          TEXT         NOT NULL DEFAULT '',
    logs                JSONB        NOT NULL DEFAULT '[]',
    annotations         JSONB        NOT NULL DEFAULT '{}',
    public_access_token TEXT         UNIQUE,
    duration_seconds    INT          NOT NULL DEFAULT 0,
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    completed_at        TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_campaign
    ON workflow_runs (campaign_id);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow
    ON workflow_runs (workflow_id);

CREATE INDEX IF NOT EXISTS idx_workflow_runs_created
    ON workflow_runs (created_at);
`

const ddlTelephonyConfigs = `
CREATE TABLE IF NOT EXISTS telephony_configs (
    organization_id     TEXT         PRIMARY KEY REFERENCES organizations (id),
    provider            TEXT         NOT NULL,
    credentials         JSONB        NOT NULL DEFAULT '{}',
    from_numbers        JSONB        NOT NULL DEFAULT '[]',
    inbound_workflow_id TEXT,
    updated_at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_telephony_provider ON telephony_configs (provider);
`

const ddlCustomTools = `
CREATE TABLE IF NOT EXISTS custom_tools (
    id              TEXT         PRIMARY KEY,
    organization_id TEXT         NOT NULL REFERENCES organizations (id),
    name            TEXT         NOT NULL,
    description     TEXT         NOT NULL DEFAULT '',
    kind            TEXT         NOT NULL,
    spec            JSONB        NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_custom_tools_org ON custom_tools (organization_id);
`

// ddlKnowledge returns the knowledge-base chunk DDL with the embedding
// dimension substituted. The vector dimension is baked into the column type at
// schema creation time.
func ddlKnowledge(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_chunks (
    id              TEXT         PRIMARY KEY,
    document_id     TEXT         NOT NULL,
    organization_id TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    embedding       vector(%d),
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_knowledge_document
    ON knowledge_chunks (document_id);

CREATE INDEX IF NOT EXISTS idx_knowledge_embedding
    ON knowledge_chunks USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates all tables and indexes required by the repository layer.
// Safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	ddls := []string{
		ddlOrganizations,
		ddlWorkflows,
		ddlWorkflowDefinitions,
		ddlCampaigns,
		ddlQueuedRuns,
		ddlWorkflowRuns,
		ddlTelephonyConfigs,
		ddlCustomTools,
		ddlKnowledge(embeddingDimensions),
	}
	for _, ddl := range ddls {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("exec ddl: %w", err)
		}
	}
	return nil
}
