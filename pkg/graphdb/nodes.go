package graphdb

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/civigraph/ledger/pkg/common"
	"github.com/civigraph/ledger/pkg/logger"
)

// relTypeLabels maps relationship tags to edge labels. Cypher cannot
// parameterize relationship types, so edge writes are grouped per label.
var relTypeLabels = map[common.RelationType]string{
	common.RelationTypeContribution: "CONTRIBUTION",
	common.RelationTypeViolation:    "VIOLATION",
	common.RelationTypeEntityMatch:  "ENTITY_MATCH",
	common.RelationTypeMarriedTo:    "MARRIED_TO",
}

// NodeRecord is one resolved entity bound for the graph.
type NodeRecord struct {
	ID         string
	EntityType common.EntityType
	Text       string
	RowIndex   int64
	Fields     map[string]string
	Embedding  []float32
}

// NodeRecordFor builds the graph node for a resolved entity from its
// merged metadata.
func NodeRecordFor(entity common.Entity, metadata map[string]string, embedding []float32) NodeRecord {
	fields := make(map[string]string, len(metadata))
	for k, v := range metadata {
		fields[k] = v
	}
	return NodeRecord{
		ID:         entity.NodeID(),
		EntityType: entity.Type(),
		Text:       common.TextFromMetadata(entity.Type(), metadata),
		RowIndex:   entity.Row(),
		Fields:     fields,
		Embedding:  embedding,
	}
}

// EdgeRecord is one relationship bound for the graph, with direction given
// by the resolved source and terminal node ids.
type EdgeRecord struct {
	Type       common.RelationType
	SourceID   string
	TerminalID string
	RowIndex   int64
	Properties map[string]any
}

func (n NodeRecord) props() map[string]any {
	props := map[string]any{
		"entity_id":   n.ID,
		"entity_type": string(n.EntityType),
		"text":        n.Text,
		"row_index":   n.RowIndex,
	}
	for k, v := range n.Fields {
		if v == "" {
			continue
		}
		props[k] = v
	}
	if len(n.Embedding) > 0 {
		emb := make([]any, len(n.Embedding))
		for i, v := range n.Embedding {
			emb[i] = float64(v)
		}
		props["embedding"] = emb
	}
	return props
}

// UpsertEntityNodes merges nodes on entity_id in a single transaction.
// Node properties come from the merged metadata of resolution, which
// already applied first-observed-wins, so the write can overwrite.
// row_index takes the latest value so updated nodes re-enter the
// maintenance watermark window.
func (c *Client) UpsertEntityNodes(ctx context.Context, maxRetries int, backoff time.Duration, nodes []NodeRecord) error {
	if len(nodes) == 0 {
		return nil
	}

	batch := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == "" {
			return fmt.Errorf("node at row %d has no id", n.RowIndex)
		}
		batch = append(batch, map[string]any{
			"entity_id": n.ID,
			"props":     n.props(),
		})
	}

	logger.Debug("[Graph] Upserting entity nodes", "count", len(batch))
	return c.WriteWithRetry(ctx, maxRetries, backoff, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, runConsume(ctx, tx, `
UNWIND $nodes AS n
MERGE (e:Entity {entity_id: n.entity_id})
SET e += n.props
`, map[string]any{"nodes": batch})
	})
}

// CreateRelationshipEdges writes a batch of relationship edges as one
// transaction, grouped per relationship type. A retry replays the whole
// batch; MERGE on the row index keeps replays idempotent.
func (c *Client) CreateRelationshipEdges(ctx context.Context, maxRetries int, backoff time.Duration, edges []EdgeRecord) error {
	if len(edges) == 0 {
		return nil
	}

	byLabel := make(map[string][]map[string]any)
	for _, e := range edges {
		label, ok := relTypeLabels[e.Type]
		if !ok {
			return fmt.Errorf("unknown relationship type %q at row %d", e.Type, e.RowIndex)
		}
		props := make(map[string]any, len(e.Properties)+1)
		for k, v := range e.Properties {
			props[k] = v
		}
		props["row_index"] = e.RowIndex
		byLabel[label] = append(byLabel[label], map[string]any{
			"source_id":   e.SourceID,
			"terminal_id": e.TerminalID,
			"row_index":   e.RowIndex,
			"props":       props,
		})
	}

	logger.Debug("[Graph] Creating relationship edges", "count", len(edges), "types", len(byLabel))
	return c.WriteWithRetry(ctx, maxRetries, backoff, func(tx neo4j.ManagedTransaction) (any, error) {
		for label, batch := range byLabel {
			query := fmt.Sprintf(`
UNWIND $edges AS r
MATCH (a:Entity {entity_id: r.source_id})
MATCH (b:Entity {entity_id: r.terminal_id})
MERGE (a)-[e:%s {row_index: r.row_index}]->(b)
SET e += r.props
`, label)
			if err := runConsume(ctx, tx, query, map[string]any{"edges": batch}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}
