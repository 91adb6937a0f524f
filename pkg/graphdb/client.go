// Package graphdb is the Neo4j-backed entity graph: node and edge writes
// for resolved records, the identity maintenance phases, and the LLM
// arbitration sweep over uncertain clusters.
package graphdb

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/civigraph/ledger/internal/util"
	"github.com/civigraph/ledger/pkg/logger"
)

// Client wraps a Neo4j driver with the session helpers the pipeline uses.
type Client struct {
	Driver   neo4j.DriverWithContext
	Database string
}

// NewClientFromEnv builds a client from NEO4J_URI / NEO4J_USER /
// NEO4J_PASSWORD / NEO4J_DATABASE and verifies connectivity before
// returning.
func NewClientFromEnv(ctx context.Context) (*Client, error) {
	uri := util.GetEnv("NEO4J_URI")
	if uri == "" {
		return nil, fmt.Errorf("NEO4J_URI is not set")
	}
	user := util.GetEnvString("NEO4J_USER", "neo4j")
	password := util.GetEnv("NEO4J_PASSWORD")
	database := util.GetEnvString("NEO4J_DATABASE", "")

	timeoutSec := int(util.GetEnvNumeric("NEO4J_TIMEOUT_SECONDS", 10))
	maxPool := int(util.GetEnvNumeric("NEO4J_MAX_POOL_SIZE", 50))

	auth := neo4j.BasicAuth(user, password, "")
	driver, err := neo4j.NewDriverWithContext(uri, auth, func(cfg *neo4j.Config) {
		cfg.MaxConnectionPoolSize = maxPool
		cfg.SocketConnectTimeout = time.Duration(timeoutSec) * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("init neo4j driver: %w", err)
	}

	vCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
	defer cancel()
	if err := driver.VerifyConnectivity(vCtx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}

	return &Client{Driver: driver, Database: database}, nil
}

func (c *Client) Close(ctx context.Context) error {
	if c == nil || c.Driver == nil {
		return nil
	}
	err := c.Driver.Close(ctx)
	c.Driver = nil
	return err
}

// ExecuteWrite runs fn inside a managed write transaction on a fresh
// session, so retrying callers get a re-established session per attempt.
func (c *Client) ExecuteWrite(ctx context.Context, fn func(tx neo4j.ManagedTransaction) (any, error)) error {
	session := c.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: c.Database,
	})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, fn)
	return err
}

// ExecuteRead runs fn inside a managed read transaction on a fresh session.
func (c *Client) ExecuteRead(ctx context.Context, fn func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	session := c.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: c.Database,
	})
	defer session.Close(ctx)

	return session.ExecuteRead(ctx, fn)
}

// WriteWithRetry retries session-expired and other transient driver
// failures with a fixed backoff, re-dialing the session between attempts.
// Non-retryable errors and exhausted retries surface to the caller.
func (c *Client) WriteWithRetry(
	ctx context.Context,
	maxRetries int,
	backoff time.Duration,
	fn func(tx neo4j.ManagedTransaction) (any, error),
) error {
	return util.RetryErrWithBackoff(ctx, maxRetries, backoff, neo4j.IsRetryable, func(ctx context.Context) error {
		return c.ExecuteWrite(ctx, fn)
	})
}

// InitSchema creates the uniqueness constraint on entity ids. Failures are
// logged and skipped, matching a server without schema privileges.
func (c *Client) InitSchema(ctx context.Context) {
	session := c.Driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: c.Database,
	})
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT entity_id_unique IF NOT EXISTS FOR (e:Entity) REQUIRE e.entity_id IS UNIQUE`,
		`CREATE INDEX entity_row_index IF NOT EXISTS FOR (e:Entity) ON (e.row_index)`,
	}
	for _, q := range stmts {
		if res, err := session.Run(ctx, q, nil); err != nil {
			logger.Warn("[Graph] Schema init failed, continuing", "err", err)
		} else {
			_, _ = res.Consume(ctx)
		}
	}
}

func runConsume(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) error {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return err
	}
	_, err = res.Consume(ctx)
	return err
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}
