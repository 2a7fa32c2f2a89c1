// Package database owns the external store connections: the Postgres pool
// behind the pgvector document store and the Neo4j driver behind the
// knowledge graph. Both constructors verify connectivity up front so a bad
// DSN or unreachable server fails the command immediately instead of
// surfacing mid-ingestion.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// NewPostgresPool opens and pings the document store pool.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create document store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("document store unreachable: %w", err)
	}
	return pool, nil
}

// NewNeo4jDriver opens the knowledge graph driver and verifies the server
// is reachable with the given credentials.
func NewNeo4jDriver(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create knowledge graph driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("knowledge graph unreachable: %w", err)
	}
	return driver, nil
}
