package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/civigraph/ledger/pkg/graphdb"
	"github.com/civigraph/ledger/pkg/index"
	"github.com/civigraph/ledger/pkg/mapper"
	"github.com/civigraph/ledger/pkg/resolve"
	"github.com/civigraph/ledger/pkg/rows"
)

type sliceSource struct {
	rows []rows.Row
	pos  int
}

func (s *sliceSource) Next(ctx context.Context) (rows.Row, error) {
	if s.pos >= len(s.rows) {
		return rows.Row{}, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

// memoryIndex stores upserted vectors and answers queries with exact
// cosine similarity, so resolution behaves like a real index.
type memoryIndex struct {
	vectors  map[string][]float32
	metadata map[string]map[string]string
	order    []string
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{
		vectors:  make(map[string][]float32),
		metadata: make(map[string]map[string]string),
	}
}

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

func (m *memoryIndex) Query(ctx context.Context, params index.QueryParams) ([]index.Match, error) {
	var out []index.Match
	for _, id := range m.order {
		if m.metadata[id][index.MetadataKeyType] != params.EntityType {
			continue
		}
		if params.ExcludeID != "" && id == params.ExcludeID {
			continue
		}
		match := index.Match{ID: id, Score: cosine(params.Vector, m.vectors[id])}
		if params.IncludeMetadata {
			match.Metadata = m.metadata[id]
		}
		if params.IncludeVector {
			match.Vector = m.vectors[id]
		}
		out = append(out, match)
	}
	// highest score first, insertion order breaks ties
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Score > out[j-1].Score; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if params.TopK > 0 && len(out) > params.TopK {
		out = out[:params.TopK]
	}
	return out, nil
}

func (m *memoryIndex) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error {
	if _, ok := m.vectors[id]; !ok {
		m.order = append(m.order, id)
	}
	m.vectors[id] = vector
	m.metadata[id] = metadata
	return nil
}

func (m *memoryIndex) UpdateMetadata(ctx context.Context, id string, patch map[string]string) error {
	meta, ok := m.metadata[id]
	if !ok {
		return index.ErrNotFound
	}
	for k, v := range patch {
		meta[k] = v
	}
	return nil
}

func (m *memoryIndex) Fetch(ctx context.Context, id string) (index.Match, error) {
	vec, ok := m.vectors[id]
	if !ok {
		return index.Match{}, index.ErrNotFound
	}
	return index.Match{ID: id, Vector: vec, Metadata: m.metadata[id]}, nil
}

func (m *memoryIndex) Delete(ctx context.Context, ids []string) error {
	for _, id := range ids {
		delete(m.vectors, id)
		delete(m.metadata, id)
	}
	return nil
}

// textEmbedder maps each distinct text to a one-hot basis vector, so
// identical texts are identical vectors and distinct texts are orthogonal.
type textEmbedder struct {
	dims map[string]int
}

func (e *textEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.dims == nil {
		e.dims = make(map[string]int)
	}
	dim, ok := e.dims[text]
	if !ok {
		dim = len(e.dims)
		e.dims[text] = dim
	}
	vec := make([]float32, 16)
	vec[dim%16] = 1
	return vec, nil
}

type stubGraph struct {
	nodes []graphdb.NodeRecord
	edges []graphdb.EdgeRecord
}

func (g *stubGraph) UpsertEntityNodes(ctx context.Context, maxRetries int, backoff time.Duration, nodes []graphdb.NodeRecord) error {
	g.nodes = append(g.nodes, nodes...)
	return nil
}

func (g *stubGraph) CreateRelationshipEdges(ctx context.Context, maxRetries int, backoff time.Duration, edges []graphdb.EdgeRecord) error {
	g.edges = append(g.edges, edges...)
	return nil
}

type stubMaintainer struct {
	watermarks     []int64
	neighborCalled int
}

func (m *stubMaintainer) AddIdentityEdges(ctx context.Context, minRow int64) (int, error) {
	m.watermarks = append(m.watermarks, minRow)
	return 0, nil
}

func (m *stubMaintainer) CollapseClusters(ctx context.Context, minRow int64) (int, error) {
	return 0, nil
}

func (m *stubMaintainer) CleanupEdges(ctx context.Context, minRow int64) error {
	return nil
}

func (m *stubMaintainer) NeighborScores(ctx context.Context) error {
	m.neighborCalled++
	return nil
}

func contributionKey() *mapper.TableKey {
	return &mapper.TableKey{
		Entities: []mapper.EntitySlot{
			{
				Discriminator: mapper.Discriminator{Fixed: "individual"},
				Types: map[string]mapper.FieldMap{
					"individual": {"name": "contributor", "state": "state"},
				},
			},
			{
				Discriminator: mapper.Discriminator{Fixed: "pac"},
				Types: map[string]mapper.FieldMap{
					"pac": {"name": "committee"},
				},
			},
		},
		Relationships: []mapper.RelationshipSlot{
			{
				Type:     "contribution",
				Fields:   mapper.FieldMap{"amount": "amount", "date": "date"},
				Source:   0,
				Terminal: 1,
			},
		},
	}
}

func contributionRow(idx int64, contributor, committee, amount string) rows.Row {
	return rows.Row{
		Index: idx,
		Values: map[string]string{
			"contributor": contributor,
			"committee":   committee,
			"state":       "NC",
			"amount":      amount,
			"date":        "2024-03-01",
		},
	}
}

func newTestPipeline(src rows.Source, batchSize int) (*Pipeline, *stubGraph, *stubMaintainer) {
	idx := newMemoryIndex()
	graph := &stubGraph{}
	maintainer := &stubMaintainer{}
	p := &Pipeline{
		Source:     src,
		Key:        contributionKey(),
		Resolver:   resolve.NewResolver(idx, &textEmbedder{}, nil),
		Graph:      graph,
		Maintainer: maintainer,
		BatchSize:  batchSize,
	}
	return p, graph, maintainer
}

func TestRun_IdenticalTextMatchesExistingNode(t *testing.T) {
	src := &sliceSource{rows: []rows.Row{
		contributionRow(0, "John Smith", "Good Gov PAC", "500"),
		contributionRow(1, "John Smith", "Better Gov PAC", "250"),
	}}
	p, graph, _ := newTestPipeline(src, 500)

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// contributor resolves once; the second row matches the first node
	if result.NodesCreated != 3 {
		t.Fatalf("expected 3 created nodes, got %d", result.NodesCreated)
	}
	if result.NodesMatched != 1 {
		t.Fatalf("expected 1 matched node, got %d", result.NodesMatched)
	}
	if result.RowsProcessed != 2 || result.LastRow != 1 {
		t.Fatalf("unexpected progress: %+v", result)
	}
	if len(graph.edges) != 2 {
		t.Fatalf("expected 2 contribution edges, got %d", len(graph.edges))
	}

	first, second := graph.nodes[0], graph.nodes[2]
	if first.ID != second.ID {
		t.Fatalf("identical contributors must share a node: %s vs %s", first.ID, second.ID)
	}
}

// nameEmbedder keys vectors on the name segment of the canonical text, so
// records of different entity types with the same name embed identically.
type nameEmbedder struct {
	inner textEmbedder
}

func (e *nameEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	name := text
	if i := strings.Index(name, " named "); i >= 0 {
		name = name[i+len(" named "):]
	}
	if i := strings.Index(name, ";"); i >= 0 {
		name = name[:i]
	}
	return e.inner.Embed(ctx, name)
}

func TestRun_SameNameDifferentTypeStaysSeparate(t *testing.T) {
	src := &sliceSource{rows: []rows.Row{
		contributionRow(0, "Acme Fund", "Acme Fund", "100"),
	}}
	p, graph, _ := newTestPipeline(src, 500)
	p.Resolver = resolve.NewResolver(newMemoryIndex(), &nameEmbedder{}, nil)

	result, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the individual and the pac carry identical vectors, so only the
	// entity type filter keeps them apart
	if result.NodesCreated != 2 {
		t.Fatalf("expected 2 created nodes, got %d", result.NodesCreated)
	}
	if result.NodesMatched != 0 {
		t.Fatalf("records of different types must never match, got %d", result.NodesMatched)
	}
	if len(graph.nodes) != 2 {
		t.Fatalf("expected 2 graph nodes, got %d", len(graph.nodes))
	}
	if graph.nodes[0].ID == graph.nodes[1].ID {
		t.Fatalf("both records resolved to node %s", graph.nodes[0].ID)
	}
	if graph.nodes[0].EntityType == graph.nodes[1].EntityType {
		t.Fatalf("expected distinct entity types, both are %s", graph.nodes[0].EntityType)
	}
}

func TestRun_WatermarkCapturedPerBatch(t *testing.T) {
	src := &sliceSource{rows: []rows.Row{
		contributionRow(0, "A One", "PAC One", "10"),
		contributionRow(1, "B Two", "PAC Two", "20"),
		contributionRow(2, "C Three", "PAC Three", "30"),
	}}
	p, _, maintainer := newTestPipeline(src, 2)

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(maintainer.watermarks) != 2 {
		t.Fatalf("expected 2 maintenance passes, got %d", len(maintainer.watermarks))
	}
	if maintainer.watermarks[0] != 0 || maintainer.watermarks[1] != 2 {
		t.Fatalf("unexpected watermarks: %v", maintainer.watermarks)
	}
	if maintainer.neighborCalled != 1 {
		t.Fatalf("neighbor scores must run once per run, got %d", maintainer.neighborCalled)
	}
}

func TestRun_MappingErrorAbortsWithRowIndex(t *testing.T) {
	bad := contributionRow(1, "Jane Doe", "Some PAC", "not-a-number")
	src := &sliceSource{rows: []rows.Row{
		contributionRow(0, "John Smith", "Good Gov PAC", "500"),
		bad,
	}}
	p, graph, _ := newTestPipeline(src, 500)

	_, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected a mapping error")
	}
	if got := err.Error(); !contains(got, "row 1") {
		t.Fatalf("error must flag the row index, got %q", got)
	}
	// the batch aborts before any write
	if len(graph.nodes) != 0 || len(graph.edges) != 0 {
		t.Fatalf("aborted batch must not write, got %d nodes %d edges", len(graph.nodes), len(graph.edges))
	}
}

func TestRun_CheckpointAdvances(t *testing.T) {
	src := &sliceSource{rows: []rows.Row{
		contributionRow(0, "A One", "PAC One", "10"),
		contributionRow(1, "B Two", "PAC Two", "20"),
	}}
	p, _, _ := newTestPipeline(src, 1)
	p.CheckpointPath = t.TempDir() + "/checkpoint.json"

	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cp, err := rows.LoadCheckpoint(p.CheckpointPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cp == nil || cp.RowIndex != 1 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
}

type failingGraph struct {
	stubGraph
}

func (g *failingGraph) CreateRelationshipEdges(ctx context.Context, maxRetries int, backoff time.Duration, edges []graphdb.EdgeRecord) error {
	return errors.New("session expired")
}

func TestRun_EdgeWriteFailureSurfacesLastRow(t *testing.T) {
	src := &sliceSource{rows: []rows.Row{
		contributionRow(0, "A One", "PAC One", "10"),
	}}
	p, _, _ := newTestPipeline(src, 500)
	p.Graph = &failingGraph{}

	result, err := p.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error from the edge write")
	}
	if result.LastRow != -1 {
		t.Fatalf("no row completed, LastRow must stay -1, got %d", result.LastRow)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
