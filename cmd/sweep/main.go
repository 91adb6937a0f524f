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
	"github.com/civigraph/ledger/pkg/logger"
	"github.com/civigraph/ledger/pkg/logger/console"
)

// sweep runs one oracle cluster sweep in-process.
func main() {
	util.LoadEnv()

	minScore := flag.Float64("min-score", 0, "similarity floor for sweep pairs")
	minNameScore := flag.Float64("min-name-score", 0, "name similarity floor for sweep pairs")
	minNeighborScore := flag.Float64("min-neighbor-score", 0, "neighbor corroboration floor for sweep pairs")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	debug := util.GetEnvBool("DEBUG", false)
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	}))

	aiClient, err := queue.NewAIClientFromEnv()
	if err != nil {
		logger.Fatal("Could not create AI client", "err", err)
	}

	graphClient, err := graphdb.NewClientFromEnv(ctx)
	if err != nil {
		logger.Fatal("Unable to connect to graph database", "err", err)
	}
	defer graphClient.Close(context.Background())

	job := queue.SweepJobMsg{
		MinScore:         *minScore,
		MinNameScore:     *minNameScore,
		MinNeighborScore: *minNeighborScore,
	}
	msg, err := json.Marshal(job)
	if err != nil {
		logger.Fatal("Failed to encode job", "err", err)
	}
	if err := queue.ProcessSweepMessage(ctx, aiClient, graphClient, string(msg)); err != nil {
		logger.Fatal("Sweep failed", "err", err)
	}
}
