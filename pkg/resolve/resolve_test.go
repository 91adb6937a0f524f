package resolve

import (
	"context"
	"errors"
	"testing"

	"github.com/civigraph/ledger/pkg/ai"
	"github.com/civigraph/ledger/pkg/common"
	"github.com/civigraph/ledger/pkg/index"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type stubIndex struct {
	matches []index.Match

	upserts map[string]map[string]string
	patches map[string]map[string]string
}

func newStubIndex(matches ...index.Match) *stubIndex {
	return &stubIndex{
		matches: matches,
		upserts: make(map[string]map[string]string),
		patches: make(map[string]map[string]string),
	}
}

func (s *stubIndex) Query(ctx context.Context, params index.QueryParams) ([]index.Match, error) {
	return s.matches, nil
}

func (s *stubIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	s.upserts[id] = metadata
	return nil
}

func (s *stubIndex) UpdateMetadata(ctx context.Context, id string, patch map[string]string) error {
	s.patches[id] = patch
	return nil
}

func (s *stubIndex) Fetch(ctx context.Context, id string) (index.Match, error) {
	return index.Match{}, index.ErrNotFound
}

func (s *stubIndex) Delete(ctx context.Context, ids []string) error {
	return nil
}

type stubOracle struct {
	response string
}

func (s *stubOracle) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	return s.response, nil
}

func (s *stubOracle) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("not implemented")
}

func (s *stubOracle) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("not implemented")
}

func (s *stubOracle) ResetMetrics()               {}
func (s *stubOracle) GetMetrics() ai.ModelMetrics { return ai.ModelMetrics{} }

func testEntity() *common.Individual {
	return &common.Individual{
		Record:   common.Record{Name: "John Smith", RowIndex: 7},
		First:    "John",
		Last:     "Smith",
		State:    "NC",
		Employer: "Acme Corp",
	}
}

func TestResolve_NoCandidatesCreatesNode(t *testing.T) {
	idx := newStubIndex()
	r := NewResolver(idx, stubEmbedder{}, nil)

	entity := testEntity()
	res, err := r.Resolve(context.Background(), entity)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Matched {
		t.Fatal("expected unmatched resolution")
	}
	if res.NodeID == "" || entity.NodeID() != res.NodeID {
		t.Fatalf("node id not assigned: res=%q entity=%q", res.NodeID, entity.NodeID())
	}

	metadata, ok := idx.upserts[res.NodeID]
	if !ok {
		t.Fatal("expected an upsert for the new node")
	}
	if metadata[index.MetadataKeyType] != "individual" {
		t.Fatalf("unexpected entity type: %q", metadata[index.MetadataKeyType])
	}
	if metadata[index.MetadataKeyText] != common.Text(entity) {
		t.Fatalf("unexpected canonical text: %q", metadata[index.MetadataKeyText])
	}
}

func TestResolve_ThresholdBoundaryInclusive(t *testing.T) {
	nodeMeta := map[string]string{
		"name":                "John Smith",
		index.MetadataKeyType: "individual",
		index.MetadataKeyText: "individual named John Smith",
	}

	tests := []struct {
		name      string
		score     float64
		wantMatch bool
	}{
		{"exactly at threshold", 0.95, true},
		{"just below threshold", 0.949999, false},
		{"well above threshold", 0.99, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx := newStubIndex(index.Match{ID: "node-1", Score: tt.score, Metadata: nodeMeta})
			r := NewResolver(idx, stubEmbedder{}, nil)

			res, err := r.Resolve(context.Background(), testEntity())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Matched != tt.wantMatch {
				t.Fatalf("matched=%v, want %v", res.Matched, tt.wantMatch)
			}
			if tt.wantMatch && res.NodeID != "node-1" {
				t.Fatalf("unexpected node id: %q", res.NodeID)
			}
		})
	}
}

func TestResolve_MergePatchesOnlyMissingFields(t *testing.T) {
	nodeMeta := map[string]string{
		"name":                "John Smith",
		"state":               "VA",
		index.MetadataKeyType: "individual",
		index.MetadataKeyText: "individual named John Smith; state of VA",
	}
	idx := newStubIndex(index.Match{ID: "node-1", Score: 0.97, Metadata: nodeMeta})
	r := NewResolver(idx, stubEmbedder{}, nil)

	res, err := r.Resolve(context.Background(), testEntity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Matched {
		t.Fatal("expected a match")
	}

	patch := idx.patches["node-1"]
	if patch == nil {
		t.Fatal("expected a metadata patch")
	}
	if _, ok := patch["state"]; ok {
		t.Fatal("existing field must not be overwritten")
	}
	if patch["employer"] != "Acme Corp" {
		t.Fatalf("expected employer to be patched, got %v", patch)
	}
	if patch[index.MetadataKeyText] == "" {
		t.Fatal("expected regenerated canonical text in patch")
	}
	if res.Metadata["state"] != "VA" {
		t.Fatalf("merged metadata lost existing value: %v", res.Metadata)
	}
	if res.Metadata["employer"] != "Acme Corp" {
		t.Fatalf("merged metadata missing new value: %v", res.Metadata)
	}
}

func TestResolve_OracleChoiceOverridesRanking(t *testing.T) {
	meta := func(text string) map[string]string {
		return map[string]string{index.MetadataKeyText: text, "name": "John Smith"}
	}
	idx := newStubIndex(
		index.Match{ID: "node-1", Score: 0.97, Metadata: meta("individual named Jon Smythe")},
		index.Match{ID: "node-2", Score: 0.96, Metadata: meta("individual named John Smith")},
	)
	r := NewResolver(idx, stubEmbedder{}, &stubOracle{response: "1"})

	res, err := r.Resolve(context.Background(), testEntity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Matched || res.NodeID != "node-2" {
		t.Fatalf("expected the arbitrated candidate, got matched=%v node=%q", res.Matched, res.NodeID)
	}
}

func TestResolve_OracleNoDecisionFallsBackToThreshold(t *testing.T) {
	nodeMeta := map[string]string{
		"name":                "John Smith",
		index.MetadataKeyType: "individual",
		index.MetadataKeyText: "individual named John Smith",
	}
	idx := newStubIndex(index.Match{ID: "node-1", Score: 0.96, Metadata: nodeMeta})
	r := NewResolver(idx, stubEmbedder{}, &stubOracle{response: "-1"})

	res, err := r.Resolve(context.Background(), testEntity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Matched || res.NodeID != "node-1" {
		t.Fatalf("expected threshold fallback match, got matched=%v node=%q", res.Matched, res.NodeID)
	}
}

func TestResolve_OracleNoDecisionBelowThresholdCreatesNode(t *testing.T) {
	nodeMeta := map[string]string{index.MetadataKeyText: "individual named Someone Else"}
	idx := newStubIndex(index.Match{ID: "node-1", Score: 0.5, Metadata: nodeMeta})
	r := NewResolver(idx, stubEmbedder{}, &stubOracle{response: "no match here"})

	res, err := r.Resolve(context.Background(), testEntity())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Matched {
		t.Fatal("expected a new node")
	}
	if res.NodeID == "node-1" {
		t.Fatal("must not reuse the rejected candidate")
	}
	if _, ok := idx.upserts[res.NodeID]; !ok {
		t.Fatal("expected an upsert for the new node")
	}
}
