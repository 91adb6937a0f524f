// Package pipeline orchestrates an ingestion run: rows are read in fixed
// batches, mapped to typed records, resolved against the vector index,
// written to the entity graph, and followed by the identity maintenance
// phases. Runs are batch-sequential and resumable from a row checkpoint.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/civigraph/ledger/pkg/graphdb"
	"github.com/civigraph/ledger/pkg/leaselock"
	"github.com/civigraph/ledger/pkg/logger"
	"github.com/civigraph/ledger/pkg/mapper"
	"github.com/civigraph/ledger/pkg/resolve"
	"github.com/civigraph/ledger/pkg/rows"
)

const (
	DefaultBatchSize  = 500
	DefaultMaxRetries = 3
	DefaultBackoff    = 2 * time.Second
)

// GraphWriter is the subset of the graph client the pipeline writes
// through. Satisfied by *graphdb.Client.
type GraphWriter interface {
	UpsertEntityNodes(ctx context.Context, maxRetries int, backoff time.Duration, nodes []graphdb.NodeRecord) error
	CreateRelationshipEdges(ctx context.Context, maxRetries int, backoff time.Duration, edges []graphdb.EdgeRecord) error
}

// IdentityMaintainer runs the ordered maintenance phases. Satisfied by
// *graphdb.Maintainer.
type IdentityMaintainer interface {
	AddIdentityEdges(ctx context.Context, minRow int64) (int, error)
	CollapseClusters(ctx context.Context, minRow int64) (int, error)
	CleanupEdges(ctx context.Context, minRow int64) error
	NeighborScores(ctx context.Context) error
}

// Pipeline wires the stages of one ingestion run. Lease is optional; when
// set it serializes the maintenance phases across concurrent runs.
type Pipeline struct {
	Source     rows.Source
	Key        *mapper.TableKey
	Resolver   *resolve.Resolver
	Graph      GraphWriter
	Maintainer IdentityMaintainer
	Lease      *leaselock.Client

	BatchSize      int
	MaxRetries     int
	Backoff        time.Duration
	CheckpointPath string
}

// RunResult summarizes a run. LastRow is the last fully processed row
// index and is valid even when Run returns an error, so the caller can
// report the restart point.
type RunResult struct {
	RowsProcessed int64
	LastRow       int64
	NodesCreated  int
	NodesMatched  int
	EdgesCreated  int
}

// Run processes the source to exhaustion. Each batch: the watermark is
// captured before any insert, rows are mapped and resolved sequentially,
// node and relationship writes go through the session-expiry retry, the
// maintenance phases 1-3 run under the lease, and the checkpoint advances.
// Neighbor corroboration scores are computed once after the loop. A
// mapping error aborts the run flagged with its row index.
func (p *Pipeline) Run(ctx context.Context) (RunResult, error) {
	result := RunResult{LastRow: -1}

	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	maxRetries := p.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	for {
		batch, err := p.readBatch(ctx, batchSize)
		if err != nil {
			return result, err
		}
		if len(batch) == 0 {
			break
		}

		// the watermark marks where this batch's nodes begin; captured
		// before any insert so maintenance sees every new node
		watermark := batch[0].Index
		logger.Info("[Pipeline] Processing batch", "rows", len(batch), "watermark", watermark)

		nodes, edges, err := p.resolveBatch(ctx, batch, &result)
		if err != nil {
			return result, err
		}

		if err := p.Graph.UpsertEntityNodes(ctx, maxRetries, backoff, nodes); err != nil {
			return result, fmt.Errorf("write nodes for batch at row %d: %w", watermark, err)
		}
		if err := p.Graph.CreateRelationshipEdges(ctx, maxRetries, backoff, edges); err != nil {
			return result, fmt.Errorf("write edges for batch at row %d: %w", watermark, err)
		}
		result.EdgesCreated += len(edges)

		if err := p.maintain(ctx, watermark); err != nil {
			return result, err
		}

		last := batch[len(batch)-1].Index
		result.LastRow = last
		result.RowsProcessed += int64(len(batch))
		if p.CheckpointPath != "" {
			if err := (rows.Checkpoint{RowIndex: last}).Save(p.CheckpointPath); err != nil {
				return result, fmt.Errorf("save checkpoint at row %d: %w", last, err)
			}
		}
	}

	if p.Maintainer != nil {
		if err := p.Maintainer.NeighborScores(ctx); err != nil {
			return result, fmt.Errorf("neighbor scores: %w", err)
		}
	}

	logger.Info("[Pipeline] Run complete",
		"rows", result.RowsProcessed,
		"created", result.NodesCreated,
		"matched", result.NodesMatched,
		"edges", result.EdgesCreated)
	return result, nil
}

func (p *Pipeline) readBatch(ctx context.Context, batchSize int) ([]rows.Row, error) {
	batch := make([]rows.Row, 0, batchSize)
	for len(batch) < batchSize {
		row, err := p.Source.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read source: %w", err)
		}
		batch = append(batch, row)
	}
	return batch, nil
}

func (p *Pipeline) resolveBatch(ctx context.Context, batch []rows.Row, result *RunResult) ([]graphdb.NodeRecord, []graphdb.EdgeRecord, error) {
	var nodes []graphdb.NodeRecord
	var edges []graphdb.EdgeRecord

	for _, row := range batch {
		entities, relationships, pairs, err := p.Key.Build(row.Values, row.Index)
		if err != nil {
			// flagged for operator review, never silently skipped
			logger.Error("[Pipeline] Mapping failed", "row", row.Index, "err", err)
			return nil, nil, fmt.Errorf("mapping error at row %d: %w", row.Index, err)
		}

		for _, entity := range entities {
			res, err := p.Resolver.Resolve(ctx, entity)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve at row %d: %w", row.Index, err)
			}
			if res.Matched {
				result.NodesMatched++
			} else {
				result.NodesCreated++
			}
			nodes = append(nodes, graphdb.NodeRecordFor(entity, res.Metadata, res.Vector))
		}

		for i, rel := range relationships {
			src := entities[pairs[i][0]]
			dst := entities[pairs[i][1]]
			edges = append(edges, graphdb.EdgeRecord{
				Type:       rel.Type(),
				SourceID:   src.NodeID(),
				TerminalID: dst.NodeID(),
				RowIndex:   rel.Row(),
				Properties: rel.Properties(),
			})
		}
	}
	return nodes, edges, nil
}

// maintain runs phases 1-3 for the batch under the maintenance lease.
func (p *Pipeline) maintain(ctx context.Context, watermark int64) error {
	if p.Maintainer == nil {
		return nil
	}

	phases := func(ctx context.Context) error {
		if _, err := p.Maintainer.AddIdentityEdges(ctx, watermark); err != nil {
			return fmt.Errorf("add identity edges: %w", err)
		}
		if _, err := p.Maintainer.CollapseClusters(ctx, watermark); err != nil {
			return fmt.Errorf("collapse clusters: %w", err)
		}
		if err := p.Maintainer.CleanupEdges(ctx, watermark); err != nil {
			return fmt.Errorf("cleanup edges: %w", err)
		}
		return nil
	}

	if p.Lease == nil {
		return phases(ctx)
	}
	return p.Lease.WithLease(ctx, leaselock.MaintenanceKey, leaselock.Options{
		TTL:  5 * time.Minute,
		Wait: true,
	}, phases)
}
