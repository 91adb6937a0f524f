package index

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Fetch when no vector exists for the given id.
var ErrNotFound = errors.New("index: id not found")

// MetadataKeyType is the metadata key holding the entity type tag. Every
// upserted vector must carry it so same-type queries can filter.
const MetadataKeyType = "entity_type"

// MetadataKeyText is the metadata key holding the canonical entity text.
const MetadataKeyText = "text"

// QueryParams selects the nearest vectors for a query embedding.
type QueryParams struct {
	Vector     []float32
	TopK       int
	EntityType string
	// ExcludeID drops a single id from the result, used for
	// self-exclusion during identity edge creation.
	ExcludeID       string
	IncludeMetadata bool
	IncludeVector   bool
}

// Match is one ranked query result. Score is cosine similarity in [-1, 1];
// ties keep store order.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]string
	Vector   []float32
}

// Index is a vector store keyed by node id, with per-type nearest
// neighbour queries.
//
// UpdateMetadata merges the patch into the stored metadata with patch keys
// winning per key. Callers enforce first-observed-wins by only including
// keys that are missing from the node (plus regenerated canonical text).
type Index interface {
	Query(ctx context.Context, params QueryParams) ([]Match, error)
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	UpdateMetadata(ctx context.Context, id string, patch map[string]string) error
	Fetch(ctx context.Context, id string) (Match, error)

	// Delete removes vectors whose nodes were absorbed by a cluster
	// collapse, so later resolutions cannot match a dead id. Unknown ids
	// are ignored.
	Delete(ctx context.Context, ids []string) error
}
