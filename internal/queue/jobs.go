package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/civigraph/ledger/internal/util"
	"github.com/civigraph/ledger/pkg/ai"
	"github.com/civigraph/ledger/pkg/embed"
	"github.com/civigraph/ledger/pkg/graphdb"
	"github.com/civigraph/ledger/pkg/index"
	"github.com/civigraph/ledger/pkg/leaselock"
	"github.com/civigraph/ledger/pkg/logger"
	"github.com/civigraph/ledger/pkg/mapper"
	"github.com/civigraph/ledger/pkg/pipeline"
	"github.com/civigraph/ledger/pkg/resolve"
	"github.com/civigraph/ledger/pkg/rows"
)

// SourceSpec locates the source table of a resolve job. Kind is "csv" for a
// file (local or S3 key, depending on the worker's loader configuration) or
// "query" for SQL against the warehouse connection.
type SourceSpec struct {
	Kind  string `json:"kind"`
	Path  string `json:"path,omitempty"`
	Query string `json:"query,omitempty"`
}

// ResolveJobMsg describes one ingestion run: the source table, the table key
// that maps its rows, and where progress is checkpointed between runs.
type ResolveJobMsg struct {
	Message        string     `json:"message"`
	TableKeyPath   string     `json:"table_key_path"`
	Source         SourceSpec `json:"source"`
	CheckpointPath string     `json:"checkpoint_path,omitempty"`
	BatchSize      int        `json:"batch_size,omitempty"`
}

// SweepJobMsg triggers a full-graph cluster sweep. Zero-valued floors keep
// the sweeper defaults.
type SweepJobMsg struct {
	Message          string  `json:"message"`
	MinScore         float64 `json:"min_score,omitempty"`
	MinNameScore     float64 `json:"min_name_score,omitempty"`
	MinNeighborScore float64 `json:"min_neighbor_score,omitempty"`
}

// resumable is satisfied by every row source that can skip already
// processed rows.
type resumable interface {
	rows.Source
	StartAt(rowIndex int64)
}

// ProcessResolveMessage runs one ingestion job end to end: load the table
// key, open the source at the last checkpoint, and drive the resolution
// pipeline over it.
func ProcessResolveMessage(
	ctx context.Context,
	aiClient ai.AIClient,
	conn *pgxpool.Pool,
	graphClient *graphdb.Client,
	msg string,
) error {
	data := new(ResolveJobMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return err
	}

	fileLoader, err := newFileLoader(ctx)
	if err != nil {
		return err
	}

	keyData, err := fileLoader.Load(ctx, data.TableKeyPath)
	if err != nil {
		return fmt.Errorf("load table key %s: %w", data.TableKeyPath, err)
	}
	key, err := mapper.ParseTableKey(keyData)
	if err != nil {
		return err
	}

	batchSize := data.BatchSize
	if batchSize <= 0 {
		batchSize = pipeline.DefaultBatchSize
	}

	var source resumable
	switch data.Source.Kind {
	case "csv":
		source, err = rows.NewCSVSourceFromLoader(ctx, fileLoader, data.Source.Path)
		if err != nil {
			return fmt.Errorf("open source %s: %w", data.Source.Path, err)
		}
	case "query":
		source = rows.NewQuerySource(conn, data.Source.Query, batchSize)
	default:
		return fmt.Errorf("unknown source kind %q", data.Source.Kind)
	}

	if data.CheckpointPath != "" {
		checkpoint, err := rows.LoadCheckpoint(data.CheckpointPath)
		if err != nil {
			return err
		}
		if checkpoint != nil {
			logger.Info("[Queue] Resuming from checkpoint", "row", checkpoint.RowIndex)
			source.StartAt(checkpoint.RowIndex + 1)
		}
	}

	idx := index.NewPGIndex(conn)

	var oracle ai.AIClient
	if util.GetEnvBool("RESOLVE_WITH_ORACLE", false) {
		oracle = aiClient
	}
	resolver := resolve.NewResolver(idx, embed.NewWeighted(embed.ProviderFunc(aiClient.GenerateEmbeddings)), oracle)
	resolver.Threshold = util.GetEnvNumeric("RESOLVE_THRESHOLD", 0)
	if resolver.Threshold <= 0 {
		resolver.Threshold = resolve.DefaultThreshold
	}

	p := &pipeline.Pipeline{
		Source:         source,
		Key:            key,
		Resolver:       resolver,
		Graph:          graphClient,
		Maintainer:     graphdb.NewMaintainer(graphClient, idx),
		Lease:          leaselock.New(conn),
		BatchSize:      batchSize,
		CheckpointPath: data.CheckpointPath,
	}

	start := time.Now()
	result, err := p.Run(ctx)
	if err != nil {
		return err
	}

	logger.Info("[Queue] Resolve job finished",
		"rows", result.RowsProcessed,
		"created", result.NodesCreated,
		"matched", result.NodesMatched,
		"edges", result.EdgesCreated,
		"duration", time.Since(start).Round(time.Second))
	return nil
}

// ProcessSweepMessage runs the oracle cluster sweep over the whole identity
// graph.
func ProcessSweepMessage(
	ctx context.Context,
	aiClient ai.AIClient,
	graphClient *graphdb.Client,
	msg string,
) error {
	data := new(SweepJobMsg)
	if err := json.Unmarshal([]byte(msg), data); err != nil {
		return err
	}

	sweeper := graphdb.NewSweeper(graphClient, aiClient)
	if data.MinScore > 0 {
		sweeper.MinScore = data.MinScore
	}
	if data.MinNameScore > 0 {
		sweeper.MinNameScore = data.MinNameScore
	}
	if data.MinNeighborScore > 0 {
		sweeper.MinNeighborScore = data.MinNeighborScore
	}

	start := time.Now()
	clusters, err := sweeper.Sweep(ctx)
	if err != nil {
		return err
	}

	logger.Info("[Queue] Sweep finished", "clusters_scored", clusters, "duration", time.Since(start).Round(time.Second))
	return nil
}

// newFileLoader picks the loader for table keys and CSV sources. With
// S3_SOURCE set the worker reads them from the configured bucket, otherwise
// from the local filesystem.
func newFileLoader(ctx context.Context) (rows.FileLoader, error) {
	if !util.GetEnvBool("S3_SOURCE", false) {
		return rows.NewIOFileLoader(), nil
	}
	return rows.NewS3FileLoader(ctx, rows.NewS3FileLoaderParams{
		Bucket:    util.GetEnvString("AWS_BUCKET", "ledger"),
		Endpoint:  util.GetEnv("AWS_ENDPOINT"),
		Region:    util.GetEnvString("AWS_REGION", "us-east-1"),
		AccessKey: util.GetEnv("AWS_ACCESS_KEY_ID"),
		SecretKey: util.GetEnv("AWS_SECRET_ACCESS_KEY"),
	})
}
