// Package resolve decides whether an entity record refers to an
// already-indexed node or a new one. Matching is embedding-driven with an
// inclusive similarity threshold; an optional LLM oracle arbitrates among
// the top candidates before the threshold rule applies.
package resolve

import (
	"context"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/civigraph/ledger/pkg/ai"
	"github.com/civigraph/ledger/pkg/common"
	"github.com/civigraph/ledger/pkg/index"
	"github.com/civigraph/ledger/pkg/logger"
)

const (
	DefaultThreshold = 0.95
	DefaultTopK      = 10

	defaultOracleRetries = 3
)

// Embedder produces the weighted embedding for one canonical entity text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Resolver matches entity records against the vector index. Oracle is
// optional; when nil only the threshold policy applies.
type Resolver struct {
	Index    index.Index
	Embedder Embedder
	Oracle   ai.AIClient

	Threshold     float64
	TopK          int
	OracleRetries int
}

// NewResolver creates a resolver with the default threshold and top-k.
func NewResolver(idx index.Index, embedder Embedder, oracle ai.AIClient) *Resolver {
	return &Resolver{
		Index:         idx,
		Embedder:      embedder,
		Oracle:        oracle,
		Threshold:     DefaultThreshold,
		TopK:          DefaultTopK,
		OracleRetries: defaultOracleRetries,
	}
}

// Resolution is the outcome of resolving one entity record. Metadata is
// the node's metadata after any merge. Vector is set for new nodes only;
// matched nodes keep their stored embedding.
type Resolution struct {
	NodeID   string
	Matched  bool
	Score    float64
	Metadata map[string]string
	Vector   []float32
}

// Resolve matches the entity against same-type indexed nodes. No
// candidates, or no candidate passing the active policy, creates a new
// node. On a match, record fields absent from the node metadata are
// patched in (first-observed wins, never overwritten) and the canonical
// text is regenerated from the merged metadata. The entity's node id is
// set either way.
func (r *Resolver) Resolve(ctx context.Context, entity common.Entity) (Resolution, error) {
	text := common.Text(entity)

	vector, err := r.Embedder.Embed(ctx, text)
	if err != nil {
		return Resolution{}, fmt.Errorf("embed entity at row %d: %w", entity.Row(), err)
	}

	topK := r.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	matches, err := r.Index.Query(ctx, index.QueryParams{
		Vector:          vector,
		TopK:            topK,
		EntityType:      string(entity.Type()),
		IncludeMetadata: true,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("query index for row %d: %w", entity.Row(), err)
	}

	chosen, score, ok, err := r.pickCandidate(ctx, text, matches)
	if err != nil {
		return Resolution{}, err
	}
	if !ok {
		return r.createNode(ctx, entity, text, vector)
	}

	merged, patch := mergeMetadata(chosen.Metadata, common.Metadata(entity))
	if len(patch) > 0 {
		newText := common.TextFromMetadata(entity.Type(), merged)
		patch[index.MetadataKeyText] = newText
		merged[index.MetadataKeyText] = newText
		if err := r.Index.UpdateMetadata(ctx, chosen.ID, patch); err != nil {
			return Resolution{}, fmt.Errorf("patch node %s: %w", chosen.ID, err)
		}
	}

	entity.SetNodeID(chosen.ID)
	logger.Debug("[Resolve] Matched entity", "row", entity.Row(), "node", chosen.ID, "score", score)
	return Resolution{
		NodeID:   chosen.ID,
		Matched:  true,
		Score:    score,
		Metadata: merged,
	}, nil
}

// pickCandidate applies the arbitration policy when an oracle is set, then
// the inclusive threshold policy on no decision.
func (r *Resolver) pickCandidate(ctx context.Context, text string, matches []index.Match) (index.Match, float64, bool, error) {
	if len(matches) == 0 {
		return index.Match{}, 0, false, nil
	}

	if r.Oracle != nil {
		candidateTexts := make([]string, len(matches))
		for i, m := range matches {
			candidateTexts[i] = m.Metadata[index.MetadataKeyText]
		}
		retries := r.OracleRetries
		if retries <= 0 {
			retries = defaultOracleRetries
		}
		choice, err := ai.CallMatchArbiter(ctx, r.Oracle, text, candidateTexts, retries)
		if err != nil {
			return index.Match{}, 0, false, fmt.Errorf("match arbitration: %w", err)
		}
		if choice >= 0 && choice < len(matches) {
			return matches[choice], matches[choice].Score, true, nil
		}
		// no decision falls through to the threshold policy
	}

	threshold := r.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	nearest := matches[0]
	if nearest.Score >= threshold {
		return nearest, nearest.Score, true, nil
	}
	return index.Match{}, 0, false, nil
}

func (r *Resolver) createNode(ctx context.Context, entity common.Entity, text string, vector []float32) (Resolution, error) {
	id, err := gonanoid.New()
	if err != nil {
		return Resolution{}, err
	}

	metadata := common.Metadata(entity)
	metadata[index.MetadataKeyType] = string(entity.Type())
	metadata[index.MetadataKeyText] = text

	if err := r.Index.Upsert(ctx, id, vector, metadata); err != nil {
		return Resolution{}, fmt.Errorf("upsert node %s: %w", id, err)
	}

	entity.SetNodeID(id)
	logger.Debug("[Resolve] Created node", "row", entity.Row(), "node", id)
	return Resolution{
		NodeID:   id,
		Matched:  false,
		Metadata: metadata,
		Vector:   vector,
	}, nil
}

// mergeMetadata merges record fields into node metadata, first-observed
// wins. The patch contains only the added keys.
func mergeMetadata(existing, incoming map[string]string) (merged map[string]string, patch map[string]string) {
	merged = make(map[string]string, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	patch = make(map[string]string)
	for k, v := range incoming {
		if v == "" {
			continue
		}
		if _, ok := merged[k]; ok {
			continue
		}
		merged[k] = v
		patch[k] = v
	}
	return merged, patch
}
