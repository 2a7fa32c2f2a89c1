package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// Both constructors reject malformed locators at parse time, before any
// network round trip.

func TestNewPostgresPoolRejectsMalformedDSN(t *testing.T) {
	_, err := NewPostgresPool(context.Background(), "://not-a-dsn")
	require.Error(t, err)
}

func TestNewNeo4jDriverRejectsMalformedURI(t *testing.T) {
	_, err := NewNeo4jDriver(context.Background(), "ftp://localhost:7687", "neo4j", "password")
	require.Error(t, err)
}
