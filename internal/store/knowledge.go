package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// KnowledgeChunk is one embedded passage of a knowledge-base document.
type KnowledgeChunk struct {
	ID             string
	DocumentID     string
	OrganizationID string
	Content        string
	Embedding      []float32
}

// ScoredChunk pairs a chunk with its cosine similarity to a query.
type ScoredChunk struct {
	KnowledgeChunk
	Similarity float64
}

// IndexKnowledgeChunk upserts an embedded passage.
func (s *Store) IndexKnowledgeChunk(ctx context.Context, c KnowledgeChunk) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	const q = `
		INSERT INTO knowledge_chunks (id, document_id, organization_id, content, embedding)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding`
	_, err := s.pool.Exec(ctx, q, c.ID, c.DocumentID, c.OrganizationID,
		c.Content, pgvector.NewVector(c.Embedding))
	if err != nil {
		return fmt.Errorf("store: index knowledge chunk: %w", err)
	}
	return nil
}

// SearchKnowledge returns the top-k chunks from the given documents ranked by
// cosine similarity to the query embedding. Used by the engine's
// knowledge-base retrieval tool when a node declares document uuids.
func (s *Store) SearchKnowledge(ctx context.Context, orgID string, documentIDs []string, query []float32, topK int) ([]ScoredChunk, error) {
	if topK <= 0 {
		topK = 5
	}
	const q = `
		SELECT id, document_id, organization_id, content,
		       1 - (embedding <=> $1) AS similarity
		FROM   knowledge_chunks
		WHERE  organization_id = $2 AND document_id = ANY($3)
		ORDER  BY embedding <=> $1
		LIMIT  $4`
	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(query), orgID, documentIDs, topK)
	if err != nil {
		return nil, fmt.Errorf("store: search knowledge: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		var c ScoredChunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.OrganizationID, &c.Content, &c.Similarity); err != nil {
			return nil, fmt.Errorf("store: scan knowledge chunk: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: search knowledge: %w", err)
	}
	return out, nil
}
