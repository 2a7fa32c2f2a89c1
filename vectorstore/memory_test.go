package vectorstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonsec/kbagent/knowledge"
)

func testChunk(collection knowledge.Collection, content string, embedding []float32) knowledge.Chunk {
	return knowledge.Chunk{
		ID:         knowledge.ChunkID(collection, content),
		Collection: collection,
		Content:    content,
		Embedding:  embedding,
		Metadata:   map[string]string{"source": "test"},
		CreatedAt:  time.Now().UTC(),
	}
}

func TestNewMemoryRejectsBadDimension(t *testing.T) {
	_, err := NewMemory(0)
	require.Error(t, err)
	_, err = NewMemory(-3)
	require.Error(t, err)
}

func TestUpsertRejectsDimensionMismatch(t *testing.T) {
	store, err := NewMemory(3)
	require.NoError(t, err)

	err = store.Upsert(context.Background(), []knowledge.Chunk{
		testChunk(knowledge.CollectionPatterns, "short vector", []float32{1, 2}),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension mismatch")
}

func TestUpsertRejectsUnknownCollection(t *testing.T) {
	store, err := NewMemory(3)
	require.NoError(t, err)

	err = store.Upsert(context.Background(), []knowledge.Chunk{
		testChunk(knowledge.Collection("lore"), "text", []float32{1, 2, 3}),
	})
	require.ErrorIs(t, err, knowledge.ErrUnknownCollection)
}

func TestUpsertIsIdempotentByID(t *testing.T) {
	store, err := NewMemory(3)
	require.NoError(t, err)
	ctx := context.Background()

	chunk := testChunk(knowledge.CollectionPatterns, "same content", []float32{1, 0, 0})
	require.NoError(t, store.Upsert(ctx, []knowledge.Chunk{chunk}))
	require.NoError(t, store.Upsert(ctx, []knowledge.Chunk{chunk}))

	count, err := store.Count(ctx, knowledge.CollectionPatterns)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSearchRanksByDistance(t *testing.T) {
	store, err := NewMemory(3)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, []knowledge.Chunk{
		testChunk(knowledge.CollectionPatterns, "exact", []float32{1, 0, 0}),
		testChunk(knowledge.CollectionPatterns, "near", []float32{0.9, 0.1, 0}),
		testChunk(knowledge.CollectionPatterns, "far", []float32{0, 0, 1}),
	}))

	matches, err := store.Search(ctx, []float32{1, 0, 0}, []knowledge.Collection{knowledge.CollectionPatterns}, 3)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, "exact", matches[0].Content)
	assert.Equal(t, "near", matches[1].Content)
	assert.Equal(t, "far", matches[2].Content)

	assert.Zero(t, matches[0].Distance)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9, "zero distance scores 1")
	assert.Greater(t, matches[1].Score, matches[2].Score)
}

func TestSearchScoresAreScaleInvariant(t *testing.T) {
	store, err := NewMemory(3)
	require.NoError(t, err)
	ctx := context.Background()

	// Providers differ wildly in raw vector norm; an excellent match must
	// score near 1 regardless of the scale the embeddings arrived at.
	require.NoError(t, store.Upsert(ctx, []knowledge.Chunk{
		testChunk(knowledge.CollectionPatterns, "aligned", []float32{300, 400, 0}),
		testChunk(knowledge.CollectionPatterns, "orthogonal", []float32{0, 0, 250}),
	}))

	matches, err := store.Search(ctx, []float32{3, 4, 0}, []knowledge.Collection{knowledge.CollectionPatterns}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "aligned", matches[0].Content)
	assert.InDelta(t, 0, matches[0].Distance, 1e-3)
	assert.Greater(t, matches[0].Score, 0.99)
	assert.Less(t, matches[1].Score, 0.5)
}

func TestSearchBreaksTiesByChunkID(t *testing.T) {
	store, err := NewMemory(2)
	require.NoError(t, err)
	ctx := context.Background()

	a := testChunk(knowledge.CollectionPatterns, "alpha", []float32{1, 0})
	b := testChunk(knowledge.CollectionPatterns, "bravo", []float32{0, 1})
	require.NoError(t, store.Upsert(ctx, []knowledge.Chunk{a, b}))

	// Equidistant from both stored vectors.
	matches, err := store.Search(ctx, []float32{0.5, 0.5}, []knowledge.Collection{knowledge.CollectionPatterns}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Less(t, matches[0].ChunkID, matches[1].ChunkID)
}

func TestSearchIsolatesCollections(t *testing.T) {
	store, err := NewMemory(4)
	require.NoError(t, err)
	ctx := context.Background()

	// A large client corpus plus one compliance chunk nearly identical to the
	// query. Searching client only must never surface the compliance chunk.
	chunks := make([]knowledge.Chunk, 0, 1001)
	for i := 0; i < 1000; i++ {
		content := fmt.Sprintf("client note %d", i)
		chunks = append(chunks, testChunk(knowledge.CollectionClient, content, []float32{float32(i%7) * 0.1, 0.5, 0.2, 0.1}))
	}
	chunks = append(chunks, testChunk(knowledge.CollectionCompliance, "retention policy", []float32{0, 0.5, 0.2, 0.1}))
	require.NoError(t, store.Upsert(ctx, chunks))

	matches, err := store.Search(ctx, []float32{0, 0.5, 0.2, 0.1}, []knowledge.Collection{knowledge.CollectionClient}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 5)
	for _, match := range matches {
		assert.Equal(t, knowledge.CollectionClient, match.Collection)
		assert.NotEqual(t, "retention policy", match.Content)
	}
}

func TestSearchEmptyCollectionsMeansAll(t *testing.T) {
	store, err := NewMemory(2)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, []knowledge.Chunk{
		testChunk(knowledge.CollectionPatterns, "pattern text", []float32{1, 0}),
		testChunk(knowledge.CollectionFindings, "finding text", []float32{0, 1}),
	}))

	matches, err := store.Search(ctx, []float32{0.5, 0.5}, nil, 5)
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestSearchRejectsQueryDimensionMismatch(t *testing.T) {
	store, err := NewMemory(3)
	require.NoError(t, err)
	_, err = store.Search(context.Background(), []float32{1, 0}, nil, 5)
	require.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := NewMemory(2)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, []knowledge.Chunk{
		testChunk(knowledge.CollectionPatterns, "persisted pattern", []float32{1, 0}),
		testChunk(knowledge.CollectionFindings, "persisted finding", []float32{0, 1}),
	}))

	path := filepath.Join(t.TempDir(), "vectors.json")
	require.NoError(t, store.SaveFile(path))

	restored, err := NewMemory(2)
	require.NoError(t, err)
	require.NoError(t, restored.LoadFile(path))

	count, err := restored.Count(ctx, knowledge.CollectionPatterns)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	matches, err := restored.Search(ctx, []float32{1, 0}, []knowledge.Collection{knowledge.CollectionPatterns}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "persisted pattern", matches[0].Content)
	assert.Equal(t, "test", matches[0].Metadata["source"])
}

func TestLoadFileRejectsDimensionDrift(t *testing.T) {
	store, err := NewMemory(2)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(context.Background(), []knowledge.Chunk{
		testChunk(knowledge.CollectionPatterns, "text", []float32{1, 0}),
	}))

	path := filepath.Join(t.TempDir(), "vectors.json")
	require.NoError(t, store.SaveFile(path))

	other, err := NewMemory(3)
	require.NoError(t, err)
	require.Error(t, other.LoadFile(path))
}

func TestLoadFileMissingStartsEmpty(t *testing.T) {
	store, err := NewMemory(2)
	require.NoError(t, err)
	require.NoError(t, store.LoadFile(filepath.Join(t.TempDir(), "absent.json")))
	count, err := store.Count(context.Background(), knowledge.CollectionPatterns)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestClearEmptiesEveryCollection(t *testing.T) {
	store, err := NewMemory(2)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, []knowledge.Chunk{
		testChunk(knowledge.CollectionPatterns, "text", []float32{1, 0}),
	}))
	require.NoError(t, store.Clear(ctx))

	count, err := store.Count(ctx, knowledge.CollectionPatterns)
	require.NoError(t, err)
	assert.Zero(t, count)
}
