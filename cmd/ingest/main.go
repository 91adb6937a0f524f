package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/civigraph/ledger/internal/queue"
	"github.com/civigraph/ledger/internal/util"

	"github.com/civigraph/ledger/pkg/graphdb"
	"github.com/civigraph/ledger/pkg/index"
	"github.com/civigraph/ledger/pkg/logger"
	"github.com/civigraph/ledger/pkg/logger/console"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// ingest runs one resolution job in-process, without going through the
// queue. Useful for backfills and local runs.
func main() {
	util.LoadEnv()

	keyPath := flag.String("key", "", "path to the table key JSON")
	csvPath := flag.String("csv", "", "path to a CSV source table")
	query := flag.String("query", "", "SQL query source table")
	checkpointPath := flag.String("checkpoint", "", "path to the row checkpoint file")
	batchSize := flag.Int("batch", 0, "rows per batch (default 500)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	}))

	if *keyPath == "" {
		logger.Fatal("Missing -key")
	}
	if (*csvPath == "") == (*query == "") {
		logger.Fatal("Exactly one of -csv or -query is required")
	}

	aiClient, err := queue.NewAIClientFromEnv()
	if err != nil {
		logger.Fatal("Could not create AI client", "err", err)
	}

	databaseURL := util.GetEnv("DATABASE_URL")
	if err := index.RunMigrations(databaseURL); err != nil {
		logger.Fatal("Failed to run migrations", "err", err)
	}
	pgCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		logger.Fatal("Invalid database URL", "err", err)
	}
	pgCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pgConn, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	graphClient, err := graphdb.NewClientFromEnv(ctx)
	if err != nil {
		logger.Fatal("Unable to connect to graph database", "err", err)
	}
	defer graphClient.Close(context.Background())
	graphClient.InitSchema(ctx)

	job := queue.ResolveJobMsg{
		TableKeyPath:   *keyPath,
		CheckpointPath: *checkpointPath,
		BatchSize:      *batchSize,
	}
	if *csvPath != "" {
		job.Source = queue.SourceSpec{Kind: "csv", Path: *csvPath}
	} else {
		job.Source = queue.SourceSpec{Kind: "query", Query: *query}
	}

	msg, err := json.Marshal(job)
	if err != nil {
		logger.Fatal("Failed to encode job", "err", err)
	}
	if err := queue.ProcessResolveMessage(ctx, aiClient, pgConn, graphClient, string(msg)); err != nil {
		logger.Fatal("Ingestion failed", "err", err)
	}
}
