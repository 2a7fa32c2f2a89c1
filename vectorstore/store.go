// Package vectorstore implements the document store: embedded chunks
// partitioned into the closed collection set, with similarity search.
package vectorstore

import (
	"context"
	"math"

	"github.com/halcyonsec/kbagent/knowledge"
)

// Match is one similarity hit, tagged with its originating collection.
// Embeddings are unit-normalized on write and on query, so Distance lies in
// [0, 2] and Score (1/(1+distance)) in [1/3, 1] for every provider,
// whatever norm its raw vectors carry. A zero distance scores 1.
type Match struct {
	ChunkID    string
	Collection knowledge.Collection
	Content    string
	Metadata   map[string]string
	Distance   float64
	Score      float64
}

// Store is the document store contract. Writes are serialized per store;
// reads may run concurrently with each other and block only for the
// duration of a single chunk write.
type Store interface {
	// Upsert writes chunks atomically, one chunk per unit. Re-inserting a
	// chunk with an existing (collection, id) updates it in place.
	Upsert(ctx context.Context, chunks []knowledge.Chunk) error

	// Search returns up to topK lowest-distance chunks per requested
	// collection, ties broken by chunk id. A nil or empty collection list
	// searches every collection. Empty collections yield empty results.
	Search(ctx context.Context, embedding []float32, collections []knowledge.Collection, topK int) ([]Match, error)

	// Count reports the number of chunks held by one collection.
	Count(ctx context.Context, collection knowledge.Collection) (int, error)

	// Clear removes all chunks from all collections.
	Clear(ctx context.Context) error

	Close()
}

func score(distance float64) float64 {
	return 1 / (1 + distance)
}

// normalize scales a vector to unit length. A zero vector is returned
// unchanged; it matches nothing well and that is the honest outcome.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}
