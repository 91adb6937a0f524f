package graphdb

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/civigraph/ledger/pkg/ai"
	"github.com/civigraph/ledger/pkg/common"
	"github.com/civigraph/ledger/pkg/logger"
)

const (
	DefaultSweepMinScore     = 0.95
	DefaultSweepMinNameScore = 0.95

	defaultSweepOracleRetries = 3
)

// Sweeper runs the LLM arbitration pass over uncertain identity clusters:
// symmetric Identity edges above the score floors whose endpoints have no
// middle-initial conflict are grouped, each group is partitioned by the
// cluster arbiter, and the verdict confidence is written back as llm_score
// on the intra-subcluster edges. The sweep keeps no state outside the
// graph, so an aborted run can simply be restarted.
type Sweeper struct {
	Graph  *Client
	Oracle ai.AIClient

	MinScore         float64
	MinNameScore     float64
	MinNeighborScore float64

	OracleRetries int
	MaxRetries    int
	Backoff       time.Duration
}

// NewSweeper creates a sweeper with the default score floors.
func NewSweeper(graph *Client, oracle ai.AIClient) *Sweeper {
	return &Sweeper{
		Graph:         graph,
		Oracle:        oracle,
		MinScore:      DefaultSweepMinScore,
		MinNameScore:  DefaultSweepMinNameScore,
		OracleRetries: defaultSweepOracleRetries,
		MaxRetries:    3,
		Backoff:       2 * time.Second,
	}
}

type sweepPair struct {
	aID, aText, aMiddle string
	bID, bText, bMiddle string
}

// Sweep arbitrates every qualifying cluster once and returns the number of
// clusters that received a verdict.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	pairs, err := s.qualifyingPairs(ctx)
	if err != nil {
		return 0, fmt.Errorf("query sweep candidates: %w", err)
	}
	if len(pairs) == 0 {
		return 0, nil
	}

	texts := make(map[string]string)
	middles := make(map[string]string)
	uf := newUnionFind()
	for _, p := range pairs {
		if common.MiddleInitialConflict(p.aMiddle, p.bMiddle) {
			continue
		}
		texts[p.aID] = p.aText
		texts[p.bID] = p.bText
		middles[p.aID] = p.aMiddle
		middles[p.bID] = p.bMiddle
		uf.union(p.aID, p.bID)
	}

	clusters := uf.components()
	for _, c := range clusters {
		sort.Strings(c)
	}
	sort.Slice(clusters, func(i, j int) bool { return clusters[i][0] < clusters[j][0] })

	scored := 0
	for _, members := range clusters {
		if len(members) < 2 {
			continue
		}
		memberTexts := make([]string, len(members))
		for i, id := range members {
			memberTexts[i] = texts[id]
		}

		verdict, err := ai.CallClusterArbiter(ctx, s.Oracle, memberTexts, s.OracleRetries)
		if err != nil {
			return scored, fmt.Errorf("cluster arbitration: %w", err)
		}
		if verdict == nil {
			// unparseable verdicts leave the cluster unchanged
			continue
		}

		updates := clusterScoreUpdates(members, middles, verdict)
		if len(updates) == 0 {
			continue
		}

		if err := s.writeScores(ctx, updates); err != nil {
			return scored, err
		}
		scored++
		logger.Debug("[Sweep] Cluster arbitrated", "members", len(members), "edges", len(updates))
	}
	return scored, nil
}

// clusterScoreUpdates expands a verdict into per-edge llm_score writes for
// every ordered pair inside a sub-cluster. Pairs that the candidate filter
// disqualifies stay unscored: clusters are transitive, so two members can
// share a sub-cluster while their own edge carries a middle-initial
// conflict.
func clusterScoreUpdates(members []string, middles map[string]string, verdict *ai.ClusterVerdict) []map[string]any {
	var updates []map[string]any
	for ci, cluster := range verdict.Clusters {
		score := verdict.Scores[ci]
		for _, i := range cluster {
			for _, j := range cluster {
				if i == j || i >= len(members) || j >= len(members) {
					continue
				}
				if common.MiddleInitialConflict(middles[members[i]], middles[members[j]]) {
					continue
				}
				updates = append(updates, map[string]any{
					"src":       members[i],
					"dst":       members[j],
					"llm_score": score,
				})
			}
		}
	}
	return updates
}

func (s *Sweeper) qualifyingPairs(ctx context.Context) ([]sweepPair, error) {
	result, err := s.Graph.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Entity)-[e:IDENTITY]->(b:Entity)
WHERE e.score >= $min_score
  AND e.name_score >= $min_name_score
  AND coalesce(e.neighbor_score, 0.0) >= $min_neighbor_score
  AND a.entity_id < b.entity_id
  AND (b)-[:IDENTITY]->(a)
RETURN a.entity_id, a.text, a.middle, b.entity_id, b.text, b.middle
`, map[string]any{
			"min_score":          s.MinScore,
			"min_name_score":     s.MinNameScore,
			"min_neighbor_score": s.MinNeighborScore,
		})
		if err != nil {
			return nil, err
		}
		var pairs []sweepPair
		for res.Next(ctx) {
			v := res.Record().Values
			pairs = append(pairs, sweepPair{
				aID: asString(v[0]), aText: asString(v[1]), aMiddle: asString(v[2]),
				bID: asString(v[3]), bText: asString(v[4]), bMiddle: asString(v[5]),
			})
		}
		return pairs, res.Err()
	})
	if err != nil {
		return nil, err
	}
	return result.([]sweepPair), nil
}

func (s *Sweeper) writeScores(ctx context.Context, updates []map[string]any) error {
	return s.Graph.WriteWithRetry(ctx, s.MaxRetries, s.Backoff, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, runConsume(ctx, tx, `
UNWIND $edges AS r
MATCH (a:Entity {entity_id: r.src})-[e:IDENTITY]->(b:Entity {entity_id: r.dst})
SET e.llm_score = r.llm_score
`, map[string]any{"edges": updates})
	})
}
