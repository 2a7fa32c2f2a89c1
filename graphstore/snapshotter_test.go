package graphstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonsec/kbagent/knowledge"
)

func TestSnapshotterWritesFinalSnapshotOnStop(t *testing.T) {
	g := NewMemory()
	require.NoError(t, g.AddNode(context.Background(), knowledge.Node{ID: "a", Type: knowledge.NodeConcept}))

	path := filepath.Join(t.TempDir(), "graph.json")
	snap := NewSnapshotter(g, path, time.Hour, nil)
	snap.Start()

	// The interval never fires; Stop still persists the current state.
	require.NoError(t, g.AddNode(context.Background(), knowledge.Node{ID: "b", Type: knowledge.NodeConcept}))
	snap.Stop()

	restored := NewMemory()
	require.NoError(t, restored.LoadFile(path))
	count, err := restored.NodeCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
