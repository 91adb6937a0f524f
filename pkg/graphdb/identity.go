package graphdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/civigraph/ledger/pkg/common"
	"github.com/civigraph/ledger/pkg/embed"
	"github.com/civigraph/ledger/pkg/index"
	"github.com/civigraph/ledger/pkg/logger"
)

const (
	DefaultCreateThreshold    = 0.95
	DefaultCollapseThreshold  = 0.99
	DefaultCorroborationFloor = 0.95
	DefaultIdentityTopK       = 10
	DefaultMergeBatchSize     = 50
)

// Maintainer runs the ordered identity maintenance phases over the entity
// graph: candidate edge creation, cluster collapse, edge cleanup, and
// neighbor corroboration scoring.
type Maintainer struct {
	Graph *Client
	Index index.Index

	CreateThreshold    float64
	CollapseThreshold  float64
	CorroborationFloor float64
	TopK               int
	MergeBatchSize     int

	MaxRetries int
	Backoff    time.Duration
}

// NewMaintainer creates a maintainer with the default thresholds.
func NewMaintainer(graph *Client, idx index.Index) *Maintainer {
	return &Maintainer{
		Graph:              graph,
		Index:              idx,
		CreateThreshold:    DefaultCreateThreshold,
		CollapseThreshold:  DefaultCollapseThreshold,
		CorroborationFloor: DefaultCorroborationFloor,
		TopK:               DefaultIdentityTopK,
		MergeBatchSize:     DefaultMergeBatchSize,
		MaxRetries:         3,
		Backoff:            2 * time.Second,
	}
}

type watermarkNode struct {
	id         string
	entityType string
	suffix     string
	gender     string
}

func (m *Maintainer) nodesAtWatermark(ctx context.Context, minRow int64) ([]watermarkNode, error) {
	result, err := m.Graph.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (e:Entity)
WHERE e.row_index >= $min_row
RETURN e.entity_id AS id, e.entity_type AS entity_type, e.suffix AS suffix, e.gender AS gender
ORDER BY e.entity_id
`, map[string]any{"min_row": minRow})
		if err != nil {
			return nil, err
		}
		var nodes []watermarkNode
		for res.Next(ctx) {
			rec := res.Record()
			nodes = append(nodes, watermarkNode{
				id:         asString(rec.Values[0]),
				entityType: asString(rec.Values[1]),
				suffix:     asString(rec.Values[2]),
				gender:     asString(rec.Values[3]),
			})
		}
		return nodes, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]watermarkNode), nil
}

// AddIdentityEdges creates directed Identity candidate edges for every
// node at or above the watermark: same-type nearest neighbours from the
// vector index, self excluded, similarity at or above the creation
// threshold, suffix and gender soft filters agreeing. Each edge carries
// the full-vector score and the name sub-vector score.
func (m *Maintainer) AddIdentityEdges(ctx context.Context, minRow int64) (int, error) {
	nodes, err := m.nodesAtWatermark(ctx, minRow)
	if err != nil {
		return 0, fmt.Errorf("query watermark nodes: %w", err)
	}
	if len(nodes) == 0 {
		return 0, nil
	}
	logger.Debug("[Identity] Creating candidate edges", "nodes", len(nodes), "min_row", minRow)

	var edges []map[string]any
	for _, node := range nodes {
		self, err := m.Index.Fetch(ctx, node.id)
		if err != nil {
			return 0, fmt.Errorf("fetch vector for %s: %w", node.id, err)
		}

		matches, err := m.Index.Query(ctx, index.QueryParams{
			Vector:          self.Vector,
			TopK:            m.TopK,
			EntityType:      node.entityType,
			ExcludeID:       node.id,
			IncludeMetadata: true,
			IncludeVector:   true,
		})
		if err != nil {
			return 0, fmt.Errorf("query neighbours for %s: %w", node.id, err)
		}

		for _, match := range matches {
			if match.Score < m.CreateThreshold {
				continue
			}
			if !common.FilterCompatible(node.suffix, match.Metadata["suffix"]) {
				continue
			}
			if !common.FilterCompatible(node.gender, match.Metadata["gender"]) {
				continue
			}
			edges = append(edges, map[string]any{
				"src":        node.id,
				"dst":        match.ID,
				"score":      match.Score,
				"name_score": embed.NameSimilarity(self.Vector, match.Vector),
			})
		}
	}
	if len(edges) == 0 {
		return 0, nil
	}

	err = m.Graph.WriteWithRetry(ctx, m.MaxRetries, m.Backoff, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, runConsume(ctx, tx, `
UNWIND $edges AS r
MATCH (a:Entity {entity_id: r.src})
MATCH (b:Entity {entity_id: r.dst})
MERGE (a)-[e:IDENTITY]->(b)
SET e.score = r.score, e.name_score = r.name_score
`, map[string]any{"edges": edges})
	})
	if err != nil {
		return 0, fmt.Errorf("create identity edges: %w", err)
	}
	logger.Debug("[Identity] Candidate edges created", "count", len(edges))
	return len(edges), nil
}

// CollapseClusters merges groups of nodes connected by Identity edges
// whose score exceeds the collapse threshold and whose soft filters agree.
// Groups merge in fixed-size transactional sub-batches, survivor chosen
// by ascending entity id, property union first-non-null-wins. Absorbed
// node vectors are removed from the index.
func (m *Maintainer) CollapseClusters(ctx context.Context, minRow int64) (int, error) {
	result, err := m.Graph.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Entity)-[e:IDENTITY]->(b:Entity)
WHERE e.score > $threshold
  AND (a.row_index >= $min_row OR b.row_index >= $min_row)
RETURN a.entity_id, a.suffix, a.gender, b.entity_id, b.suffix, b.gender
`, map[string]any{"threshold": m.CollapseThreshold, "min_row": minRow})
		if err != nil {
			return nil, err
		}
		var pairs [][6]string
		for res.Next(ctx) {
			v := res.Record().Values
			pairs = append(pairs, [6]string{
				asString(v[0]), asString(v[1]), asString(v[2]),
				asString(v[3]), asString(v[4]), asString(v[5]),
			})
		}
		return pairs, res.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("query collapse candidates: %w", err)
	}
	pairs := result.([][6]string)

	uf := newUnionFind()
	for _, p := range pairs {
		if !common.FilterCompatible(p[1], p[4]) || !common.FilterCompatible(p[2], p[5]) {
			continue
		}
		uf.union(p[0], p[3])
	}

	groups := uf.components()
	if len(groups) == 0 {
		return 0, nil
	}
	// deterministic collapse order: groups by their smallest member,
	// members ascending so the survivor is the lowest id
	for _, g := range groups {
		sort.Strings(g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i][0] < groups[j][0] })

	batchSize := m.MergeBatchSize
	if batchSize <= 0 {
		batchSize = DefaultMergeBatchSize
	}

	merged := 0
	var absorbed []string
	for start := 0; start < len(groups); start += batchSize {
		end := min(start+batchSize, len(groups))
		batch := make([][]string, 0, end-start)
		for _, g := range groups[start:end] {
			if len(g) < 2 {
				continue
			}
			batch = append(batch, g)
			absorbed = append(absorbed, g[1:]...)
			merged += len(g) - 1
		}
		if len(batch) == 0 {
			continue
		}

		groupsParam := make([]any, len(batch))
		for i, g := range batch {
			members := make([]any, len(g))
			for j, id := range g {
				members[j] = id
			}
			groupsParam[i] = members
		}

		err := m.Graph.WriteWithRetry(ctx, m.MaxRetries, m.Backoff, func(tx neo4j.ManagedTransaction) (any, error) {
			return nil, runConsume(ctx, tx, `
UNWIND $groups AS g
MATCH (e:Entity)
WHERE e.entity_id IN g
WITH g, e ORDER BY e.entity_id
WITH g, collect(e) AS nodes
WHERE size(nodes) > 1
CALL apoc.refactor.mergeNodes(nodes, {properties: 'discard', mergeRels: true})
YIELD node
RETURN count(node)
`, map[string]any{"groups": groupsParam})
		})
		if err != nil {
			return merged, fmt.Errorf("collapse batch: %w", err)
		}
	}

	if len(absorbed) > 0 {
		if err := m.Index.Delete(ctx, absorbed); err != nil {
			return merged, fmt.Errorf("delete absorbed vectors: %w", err)
		}
	}
	logger.Debug("[Identity] Clusters collapsed", "groups", len(groups), "absorbed", len(absorbed))
	return merged, nil
}

type cypherStatement struct {
	query  string
	params map[string]any
}

// cleanupStatements builds the edge consolidation statements, each scoped
// to edges touching a node at or above the watermark. Earlier rows were
// consolidated by the run that wrote them.
func cleanupStatements(minRow int64) []cypherStatement {
	params := map[string]any{"min_row": minRow}
	return []cypherStatement{
		// drop parallel duplicates, best score wins
		{query: `
MATCH (a:Entity)-[e:IDENTITY]->(b:Entity)
WHERE a.row_index >= $min_row OR b.row_index >= $min_row
WITH a, b, collect(e) AS es
WHERE size(es) > 1
WITH es, reduce(best = head(es), x IN tail(es) |
	CASE WHEN x.score > best.score THEN x ELSE best END) AS keep
FOREACH (e IN [x IN es WHERE x <> keep] | DELETE e)
`, params: params},
		// mirror one-directional edges
		{query: `
MATCH (a:Entity)-[e:IDENTITY]->(b:Entity)
WHERE (a.row_index >= $min_row OR b.row_index >= $min_row)
  AND a <> b AND NOT (b)-[:IDENTITY]->(a)
CREATE (b)-[r:IDENTITY]->(a)
SET r = properties(e)
`, params: params},
		// self-edges left behind by merges
		{query: `
MATCH (a:Entity)-[e:IDENTITY]->(a)
WHERE a.row_index >= $min_row
DELETE e
`, params: params},
	}
}

// CleanupEdges consolidates the Identity edge set after a collapse: keep
// the highest-scoring edge per ordered pair, materialize symmetric reverse
// edges with identical properties, and delete self-edges produced by node
// merges. Only edges touching the watermark window are consolidated.
func (m *Maintainer) CleanupEdges(ctx context.Context, minRow int64) error {
	return m.Graph.WriteWithRetry(ctx, m.MaxRetries, m.Backoff, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, stmt := range cleanupStatements(minRow) {
			if err := runConsume(ctx, tx, stmt.query, stmt.params); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
}

// NeighborScores computes the corroboration score for symmetric Identity
// edges at or above the corroboration floor: the Jaccard-style overlap of
// the two nodes' contribution partners, shared / (a_partners + b_partners).
// Runs once per ingestion run.
func (m *Maintainer) NeighborScores(ctx context.Context) error {
	return m.Graph.WriteWithRetry(ctx, m.MaxRetries, m.Backoff, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, runConsume(ctx, tx, `
MATCH (a:Entity)-[e:IDENTITY]->(b:Entity)
WHERE e.score >= $floor AND (b)-[:IDENTITY]->(a)
OPTIONAL MATCH (a)-[:CONTRIBUTION]-(pa:Entity)
WITH a, b, e, collect(DISTINCT pa.entity_id) AS aps
OPTIONAL MATCH (b)-[:CONTRIBUTION]-(pb:Entity)
WITH e, aps, collect(DISTINCT pb.entity_id) AS bps
WITH e, size([x IN aps WHERE x IN bps]) AS shared, size(aps) + size(bps) AS total
SET e.neighbor_score = CASE WHEN total > 0 THEN toFloat(shared) / total ELSE 0.0 END
`, map[string]any{"floor": m.CorroborationFloor})
	})
}

// unionFind groups node ids into connected components.
type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[string]string)}
}

func (u *unionFind) find(id string) string {
	root, ok := u.parent[id]
	if !ok {
		u.parent[id] = id
		return id
	}
	if root == id {
		return id
	}
	top := u.find(root)
	u.parent[id] = top
	return top
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	// smaller root wins so survivors are deterministic
	if rb < ra {
		ra, rb = rb, ra
	}
	u.parent[rb] = ra
}

func (u *unionFind) components() [][]string {
	byRoot := make(map[string][]string)
	for id := range u.parent {
		root := u.find(id)
		byRoot[root] = append(byRoot[root], id)
	}
	out := make([][]string, 0, len(byRoot))
	for _, members := range byRoot {
		out = append(out, members)
	}
	return out
}
