package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/halcyonsec/kbagent/knowledge"
)

// Memory is the embedded document store: per-collection chunk maps with
// brute-force L2 search. Thread-safe; write lock is held per upsert batch,
// read lock only long enough to copy the candidate set.
type Memory struct {
	mu        sync.RWMutex
	dimension int
	chunks    map[knowledge.Collection]map[string]knowledge.Chunk
}

func NewMemory(dimension int) (*Memory, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", dimension)
	}
	return &Memory{
		dimension: dimension,
		chunks:    make(map[knowledge.Collection]map[string]knowledge.Chunk),
	}, nil
}

func (m *Memory) Upsert(ctx context.Context, chunks []knowledge.Chunk) error {
	for _, chunk := range chunks {
		if len(chunk.Embedding) != m.dimension {
			return fmt.Errorf("chunk %s: embedding dimension mismatch: expected %d, got %d",
				chunk.ID, m.dimension, len(chunk.Embedding))
		}
		if _, err := knowledge.ParseCollection(string(chunk.Collection)); err != nil {
			return err
		}
		chunk.Embedding = normalize(chunk.Embedding)

		// One chunk per critical section so readers never wait on the
		// whole batch.
		m.mu.Lock()
		bucket, ok := m.chunks[chunk.Collection]
		if !ok {
			bucket = make(map[string]knowledge.Chunk)
			m.chunks[chunk.Collection] = bucket
		}
		bucket[chunk.ID] = chunk
		m.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, embedding []float32, collections []knowledge.Collection, topK int) ([]Match, error) {
	if len(embedding) != m.dimension {
		return nil, fmt.Errorf("query embedding dimension mismatch: expected %d, got %d", m.dimension, len(embedding))
	}
	if topK <= 0 {
		topK = 5
	}
	if len(collections) == 0 {
		collections = knowledge.Collections()
	}
	embedding = normalize(embedding)

	results := make([]Match, 0, topK*len(collections))
	for _, collection := range collections {
		candidates := m.snapshotCollection(collection)
		if len(candidates) == 0 {
			continue
		}

		matches := make([]Match, 0, len(candidates))
		for _, chunk := range candidates {
			d := l2Distance(embedding, chunk.Embedding)
			matches = append(matches, Match{
				ChunkID:    chunk.ID,
				Collection: collection,
				Content:    chunk.Content,
				Metadata:   chunk.Metadata,
				Distance:   d,
				Score:      score(d),
			})
		}

		sort.Slice(matches, func(i, j int) bool {
			if matches[i].Distance != matches[j].Distance {
				return matches[i].Distance < matches[j].Distance
			}
			return matches[i].ChunkID < matches[j].ChunkID
		})

		if len(matches) > topK {
			matches = matches[:topK]
		}
		results = append(results, matches...)

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	return results, nil
}

// snapshotCollection copies the chunk set under the read lock so ranking
// happens without holding it.
func (m *Memory) snapshotCollection(collection knowledge.Collection) []knowledge.Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.chunks[collection]
	out := make([]knowledge.Chunk, 0, len(bucket))
	for _, chunk := range bucket {
		out = append(out, chunk)
	}
	return out
}

func (m *Memory) Count(_ context.Context, collection knowledge.Collection) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[collection]), nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = make(map[knowledge.Collection]map[string]knowledge.Chunk)
	return nil
}

func (m *Memory) Close() {}

// memorySnapshot is the serialized form of the embedded store.
type memorySnapshot struct {
	Dimension int               `json:"dimension"`
	Chunks    []knowledge.Chunk `json:"chunks"`
}

// SaveFile persists a consistent copy of the store as one JSON document.
func (m *Memory) SaveFile(path string) error {
	m.mu.RLock()
	snap := memorySnapshot{Dimension: m.dimension}
	for _, bucket := range m.chunks {
		for _, chunk := range bucket {
			snap.Chunks = append(snap.Chunks, chunk)
		}
	}
	m.mu.RUnlock()

	sort.Slice(snap.Chunks, func(i, j int) bool {
		if snap.Chunks[i].Collection != snap.Chunks[j].Collection {
			return snap.Chunks[i].Collection < snap.Chunks[j].Collection
		}
		return snap.Chunks[i].ID < snap.Chunks[j].ID
	})

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode document store snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write document store snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadFile restores a snapshot produced by SaveFile. A missing file is not
// an error; the store simply starts empty.
func (m *Memory) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read document store snapshot: %w", err)
	}

	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode document store snapshot: %w", err)
	}
	if snap.Dimension != m.dimension {
		return fmt.Errorf("snapshot dimension %d does not match configured dimension %d", snap.Dimension, m.dimension)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = make(map[knowledge.Collection]map[string]knowledge.Chunk)
	for _, chunk := range snap.Chunks {
		bucket, ok := m.chunks[chunk.Collection]
		if !ok {
			bucket = make(map[string]knowledge.Chunk)
			m.chunks[chunk.Collection] = bucket
		}
		bucket[chunk.ID] = chunk
	}
	return nil
}

func l2Distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

var _ Store = (*Memory)(nil)
