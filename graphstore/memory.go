package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/halcyonsec/kbagent/knowledge"
)

// Memory is the embedded graph store: an adjacency multimap guarded by a
// read-write mutex, persisted as one JSON snapshot. Snapshots are taken
// from a consistent copy, never from the live maps, so concurrent mutation
// cannot corrupt them.
type Memory struct {
	mu    sync.RWMutex
	nodes map[string]knowledge.Node
	// edges maps a from-node to its outgoing edges keyed by relation+target,
	// which keeps AddEdge idempotent while allowing parallel edges of
	// different relation types.
	edges map[string]map[string]knowledge.Edge
}

func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string]knowledge.Node),
		edges: make(map[string]map[string]knowledge.Edge),
	}
}

func edgeKey(edge knowledge.Edge) string {
	return string(edge.Relation) + "\x00" + edge.To
}

// cloneNode copies a node's attribute map. Every node handed out of the
// store crosses the lock boundary as a clone, so a later in-place attribute
// merge cannot race readers or the snapshot encoder.
func cloneNode(node knowledge.Node) knowledge.Node {
	if node.Attributes == nil {
		return node
	}
	attrs := make(map[string]string, len(node.Attributes))
	for k, v := range node.Attributes {
		attrs[k] = v
	}
	node.Attributes = attrs
	return node
}

func (g *Memory) AddNode(_ context.Context, node knowledge.Node) error {
	if strings.TrimSpace(node.ID) == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if node.Type == "" {
		return fmt.Errorf("node %s has no type", node.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.nodes[node.ID]
	if !ok {
		g.nodes[node.ID] = cloneNode(node)
		return nil
	}

	// Idempotent merge: update attributes, keep the original type.
	if existing.Attributes == nil && len(node.Attributes) > 0 {
		existing.Attributes = make(map[string]string, len(node.Attributes))
	}
	for k, v := range node.Attributes {
		existing.Attributes[k] = v
	}
	g.nodes[node.ID] = existing
	return nil
}

func (g *Memory) AddEdge(_ context.Context, edge knowledge.Edge) error {
	if edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge endpoints cannot be empty")
	}
	if edge.Relation == "" {
		return fmt.Errorf("edge %s->%s has no relation", edge.From, edge.To)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[edge.From]; !ok {
		return fmt.Errorf("edge references unknown node %s", edge.From)
	}
	if _, ok := g.nodes[edge.To]; !ok {
		return fmt.Errorf("edge references unknown node %s", edge.To)
	}

	bucket, ok := g.edges[edge.From]
	if !ok {
		bucket = make(map[string]knowledge.Edge)
		g.edges[edge.From] = bucket
	}
	bucket[edgeKey(edge)] = edge
	return nil
}

func (g *Memory) MatchNodes(_ context.Context, terms []string) ([]knowledge.Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]struct{})
	matched := make([]knowledge.Node, 0)
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		for id, node := range g.nodes {
			if _, ok := seen[id]; ok {
				continue
			}
			if nodeMatches(node, term) {
				seen[id] = struct{}{}
				matched = append(matched, cloneNode(node))
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched, nil
}

func nodeMatches(node knowledge.Node, term string) bool {
	if strings.ToLower(node.ID) == term {
		return true
	}
	for _, value := range node.Attributes {
		if strings.Contains(strings.ToLower(value), term) {
			return true
		}
	}
	return false
}

func (g *Memory) Traverse(ctx context.Context, startIDs []string, relations []knowledge.Relation, maxHops int) ([]Path, error) {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	type frontierEntry struct {
		path Path
	}

	visited := make(map[string]struct{})
	frontier := make([]frontierEntry, 0, len(startIDs))
	for _, id := range startIDs {
		if _, ok := g.nodes[id]; !ok {
			continue
		}
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		frontier = append(frontier, frontierEntry{path: Path{
			Nodes:  []string{id},
			Target: cloneNode(g.nodes[id]),
			Weight: 1,
		}})
	}

	paths := make([]Path, 0)
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next := make([]frontierEntry, 0)
		for _, entry := range frontier {
			current := entry.path.Nodes[len(entry.path.Nodes)-1]
			for _, edge := range g.sortedEdges(current) {
				if !relationAllowed(edge.Relation, relations) {
					continue
				}
				if _, ok := visited[edge.To]; ok {
					continue
				}
				visited[edge.To] = struct{}{}

				weight := edge.Weight
				if weight <= 0 {
					weight = 1
				}

				nodes := append(append([]string{}, entry.path.Nodes...), edge.To)
				rels := append(append([]knowledge.Relation{}, entry.path.Relations...), edge.Relation)
				path := Path{
					Nodes:     nodes,
					Relations: rels,
					Target:    cloneNode(g.nodes[edge.To]),
					Weight:    entry.path.Weight * weight * HopDecay,
				}
				paths = append(paths, path)
				next = append(next, frontierEntry{path: path})
			}
		}
		frontier = next
	}

	sort.Slice(paths, func(i, j int) bool {
		if paths[i].Weight != paths[j].Weight {
			return paths[i].Weight > paths[j].Weight
		}
		return paths[i].Target.ID < paths[j].Target.ID
	})
	return paths, nil
}

// sortedEdges returns the outgoing edges of a node in a stable order so
// traversal results are deterministic for a fixed graph.
func (g *Memory) sortedEdges(from string) []knowledge.Edge {
	bucket := g.edges[from]
	out := make([]knowledge.Edge, 0, len(bucket))
	for _, edge := range bucket {
		out = append(out, edge)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Relation != out[j].Relation {
			return out[i].Relation < out[j].Relation
		}
		return out[i].To < out[j].To
	})
	return out
}

func (g *Memory) NodeCount(_ context.Context) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), nil
}

func (g *Memory) EdgeCount(_ context.Context) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	total := 0
	for _, bucket := range g.edges {
		total += len(bucket)
	}
	return total, nil
}

func (g *Memory) Clear(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]knowledge.Node)
	g.edges = make(map[string]map[string]knowledge.Edge)
	return nil
}

func (g *Memory) Close(_ context.Context) error { return nil }

type graphSnapshot struct {
	Nodes []knowledge.Node `json:"nodes"`
	Edges []knowledge.Edge `json:"edges"`
}

// snapshot copies the whole graph under the read lock. Encoding happens on
// the copy, outside the lock.
func (g *Memory) snapshot() graphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := graphSnapshot{
		Nodes: make([]knowledge.Node, 0, len(g.nodes)),
		Edges: make([]knowledge.Edge, 0),
	}
	for _, node := range g.nodes {
		snap.Nodes = append(snap.Nodes, cloneNode(node))
	}
	for _, bucket := range g.edges {
		for _, edge := range bucket {
			snap.Edges = append(snap.Edges, edge)
		}
	}
	return snap
}

// SaveFile serializes the graph as one JSON snapshot.
func (g *Memory) SaveFile(path string) error {
	snap := g.snapshot()

	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Edges, func(i, j int) bool {
		a, b := snap.Edges[i], snap.Edges[j]
		if a.From != b.From {
			return a.From < b.From
		}
		if a.Relation != b.Relation {
			return a.Relation < b.Relation
		}
		return a.To < b.To
	})

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode graph snapshot: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write graph snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadFile restores a snapshot written by SaveFile. A missing file means an
// empty graph, not an error.
func (g *Memory) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read graph snapshot: %w", err)
	}

	var snap graphSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode graph snapshot: %w", err)
	}

	ctx := context.Background()
	if err := g.Clear(ctx); err != nil {
		return err
	}
	for _, node := range snap.Nodes {
		if err := g.AddNode(ctx, node); err != nil {
			return fmt.Errorf("restore node %s: %w", node.ID, err)
		}
	}
	for _, edge := range snap.Edges {
		if err := g.AddEdge(ctx, edge); err != nil {
			return fmt.Errorf("restore edge %s->%s: %w", edge.From, edge.To, err)
		}
	}
	return nil
}

var _ Store = (*Memory)(nil)
