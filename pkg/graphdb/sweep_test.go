package graphdb

import (
	"testing"

	"github.com/civigraph/ledger/pkg/ai"
)

func pairSet(updates []map[string]any) map[[2]string]float64 {
	out := make(map[[2]string]float64, len(updates))
	for _, u := range updates {
		out[[2]string{u["src"].(string), u["dst"].(string)}] = u["llm_score"].(float64)
	}
	return out
}

func TestClusterScoreUpdates_MiddleInitialConflictSkipped(t *testing.T) {
	// n1 and n3 reach the same component through n2 but disagree on
	// middle initial, so their edge must stay unscored.
	members := []string{"n1", "n2", "n3"}
	middles := map[string]string{"n1": "A", "n2": "", "n3": "B"}
	verdict := &ai.ClusterVerdict{
		Clusters: [][]int{{0, 1, 2}},
		Scores:   []float64{0.9},
		Members:  3,
	}

	got := pairSet(clusterScoreUpdates(members, middles, verdict))

	for _, pair := range [][2]string{{"n1", "n3"}, {"n3", "n1"}} {
		if _, ok := got[pair]; ok {
			t.Fatalf("conflicting pair %v must not be scored", pair)
		}
	}
	for _, pair := range [][2]string{{"n1", "n2"}, {"n2", "n1"}, {"n2", "n3"}, {"n3", "n2"}} {
		score, ok := got[pair]
		if !ok {
			t.Fatalf("missing update for pair %v", pair)
		}
		if score != 0.9 {
			t.Fatalf("pair %v scored %v, want 0.9", pair, score)
		}
	}
}

func TestClusterScoreUpdates_SubclustersScoredIndependently(t *testing.T) {
	members := []string{"n1", "n2", "n3", "n4"}
	middles := map[string]string{}
	verdict := &ai.ClusterVerdict{
		Clusters: [][]int{{0, 1}, {2, 3}},
		Scores:   []float64{0.8, 0.6},
		Members:  4,
	}

	got := pairSet(clusterScoreUpdates(members, middles, verdict))
	if len(got) != 4 {
		t.Fatalf("expected 4 ordered pairs, got %d", len(got))
	}
	if got[[2]string{"n1", "n2"}] != 0.8 || got[[2]string{"n2", "n1"}] != 0.8 {
		t.Fatalf("first subcluster mis-scored: %v", got)
	}
	if got[[2]string{"n3", "n4"}] != 0.6 || got[[2]string{"n4", "n3"}] != 0.6 {
		t.Fatalf("second subcluster mis-scored: %v", got)
	}
	if _, ok := got[[2]string{"n1", "n3"}]; ok {
		t.Fatal("cross-subcluster pair must not be scored")
	}
}

func TestClusterScoreUpdates_OutOfRangeIndexIgnored(t *testing.T) {
	members := []string{"n1", "n2"}
	verdict := &ai.ClusterVerdict{
		Clusters: [][]int{{0, 1, 7}},
		Scores:   []float64{0.5},
		Members:  2,
	}

	got := pairSet(clusterScoreUpdates(members, map[string]string{}, verdict))
	if len(got) != 2 {
		t.Fatalf("expected 2 ordered pairs, got %d", len(got))
	}
}
