package graphstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/halcyonsec/kbagent/knowledge"
)

// Neo4j backs the graph store with a Neo4j database. Nodes carry the
// `:Knowledge` label with their domain type and attributes as properties;
// relation types map to upper-snake relationship types.
type Neo4j struct {
	driver neo4j.DriverWithContext
}

func NewNeo4j(driver neo4j.DriverWithContext) *Neo4j {
	return &Neo4j{driver: driver}
}

func relType(rel knowledge.Relation) string {
	return strings.ToUpper(strings.ReplaceAll(string(rel), "-", "_"))
}

func parseRelType(name string) knowledge.Relation {
	return knowledge.Relation(strings.ToLower(strings.ReplaceAll(name, "_", "-")))
}

func (s *Neo4j) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode})
}

func (s *Neo4j) AddNode(ctx context.Context, node knowledge.Node) error {
	if s.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	if strings.TrimSpace(node.ID) == "" {
		return fmt.Errorf("node id cannot be empty")
	}

	attrs := make(map[string]any, len(node.Attributes))
	for k, v := range node.Attributes {
		attrs["attr_"+k] = v
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
			MERGE (n:Knowledge {id: $id})
			SET n.type = $type,
			    n += $attrs,
			    n.updated_at = datetime()
		`, map[string]any{
			"id":    node.ID,
			"type":  string(node.Type),
			"attrs": attrs,
		}); err != nil {
			return nil, fmt.Errorf("upsert knowledge node: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *Neo4j) AddEdge(ctx context.Context, edge knowledge.Edge) error {
	if s.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	if edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge endpoints cannot be empty")
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	// Relationship types cannot be parameterized; relType only emits
	// characters from the closed relation enumeration.
	query := fmt.Sprintf(`
		MATCH (from:Knowledge {id: $from}), (to:Knowledge {id: $to})
		MERGE (from)-[r:%s]->(to)
		SET r.weight = $weight
	`, relType(edge.Relation))

	weight := edge.Weight
	if weight <= 0 {
		weight = 1
	}

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, query, map[string]any{
			"from":   edge.From,
			"to":     edge.To,
			"weight": weight,
		}); err != nil {
			return nil, fmt.Errorf("upsert knowledge edge: %w", err)
		}
		return nil, nil
	})
	return err
}

func (s *Neo4j) MatchNodes(ctx context.Context, terms []string) ([]knowledge.Node, error) {
	if s.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}

	normalized := make([]string, 0, len(terms))
	for _, term := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term != "" {
			normalized = append(normalized, term)
		}
	}
	if len(normalized) == 0 {
		return nil, nil
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (n:Knowledge)
		WHERE any(term IN $terms WHERE
			toLower(n.id) = term OR
			any(key IN keys(n) WHERE key STARTS WITH 'attr_' AND toLower(toString(n[key])) CONTAINS term))
		RETURN n.id AS id, n.type AS type, properties(n) AS props
		ORDER BY n.id
	`, map[string]any{"terms": normalized})
	if err != nil {
		return nil, fmt.Errorf("match knowledge nodes: %w", err)
	}

	nodes := make([]knowledge.Node, 0)
	for result.Next(ctx) {
		nodes = append(nodes, recordToNode(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("match result error: %w", err)
	}
	return nodes, nil
}

func recordToNode(record *neo4j.Record) knowledge.Node {
	node := knowledge.Node{Attributes: map[string]string{}}
	if id, ok := record.Get("id"); ok {
		node.ID, _ = id.(string)
	}
	if typ, ok := record.Get("type"); ok {
		if s, ok := typ.(string); ok {
			node.Type = knowledge.NodeType(s)
		}
	}
	if props, ok := record.Get("props"); ok {
		if m, ok := props.(map[string]any); ok {
			for k, v := range m {
				if strings.HasPrefix(k, "attr_") {
					node.Attributes[strings.TrimPrefix(k, "attr_")] = fmt.Sprintf("%v", v)
				}
			}
		}
	}
	return node
}

// Traverse runs the breadth-first walk client-side, one neighbor query per
// frontier, so the hop bound holds exactly regardless of graph density.
func (s *Neo4j) Traverse(ctx context.Context, startIDs []string, relations []knowledge.Relation, maxHops int) ([]Path, error) {
	if s.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	visited := make(map[string]struct{}, len(startIDs))
	frontier := make([]Path, 0, len(startIDs))
	for _, id := range startIDs {
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		frontier = append(frontier, Path{Nodes: []string{id}, Weight: 1})
	}

	paths := make([]Path, 0)
	for hop := 0; hop < maxHops && len(frontier) > 0; hop++ {
		next := make([]Path, 0)
		for _, entry := range frontier {
			current := entry.Nodes[len(entry.Nodes)-1]
			neighbors, err := s.neighbors(ctx, session, current)
			if err != nil {
				return nil, err
			}
			for _, n := range neighbors {
				if !relationAllowed(n.relation, relations) {
					continue
				}
				if _, ok := visited[n.node.ID]; ok {
					continue
				}
				visited[n.node.ID] = struct{}{}

				path := Path{
					Nodes:     append(append([]string{}, entry.Nodes...), n.node.ID),
					Relations: append(append([]knowledge.Relation{}, entry.Relations...), n.relation),
					Target:    n.node,
					Weight:    entry.Weight * n.weight * HopDecay,
				}
				paths = append(paths, path)
				next = append(next, path)
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

type neighbor struct {
	node     knowledge.Node
	relation knowledge.Relation
	weight   float64
}

func (s *Neo4j) neighbors(ctx context.Context, session neo4j.SessionWithContext, id string) ([]neighbor, error) {
	result, err := session.Run(ctx, `
		MATCH (from:Knowledge {id: $id})-[r]->(to:Knowledge)
		RETURN type(r) AS rel, coalesce(r.weight, 1.0) AS weight,
		       to.id AS id, to.type AS type, properties(to) AS props
		ORDER BY rel, to.id
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("query neighbors of %s: %w", id, err)
	}

	neighbors := make([]neighbor, 0)
	for result.Next(ctx) {
		record := result.Record()
		n := neighbor{node: recordToNode(record), weight: 1}
		if rel, ok := record.Get("rel"); ok {
			if s, ok := rel.(string); ok {
				n.relation = parseRelType(s)
			}
		}
		if w, ok := record.Get("weight"); ok {
			if f, ok := w.(float64); ok && f > 0 {
				n.weight = f
			}
		}
		neighbors = append(neighbors, n)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neighbor result error: %w", err)
	}
	return neighbors, nil
}

func (s *Neo4j) NodeCount(ctx context.Context) (int, error) {
	return s.count(ctx, "MATCH (n:Knowledge) RETURN count(n) AS total")
}

func (s *Neo4j) EdgeCount(ctx context.Context) (int, error) {
	return s.count(ctx, "MATCH (:Knowledge)-[r]->(:Knowledge) RETURN count(r) AS total")
}

func (s *Neo4j) count(ctx context.Context, query string) (int, error) {
	if s.driver == nil {
		return 0, fmt.Errorf("neo4j driver is nil")
	}

	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, nil)
	if err != nil {
		return 0, fmt.Errorf("run count query: %w", err)
	}
	if result.Next(ctx) {
		if total, ok := result.Record().Get("total"); ok {
			if v, ok := total.(int64); ok {
				return int(v), nil
			}
		}
	}
	return 0, result.Err()
}

func (s *Neo4j) Clear(ctx context.Context) error {
	if s.driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.Run(ctx, "MATCH (n:Knowledge) DETACH DELETE n", nil)
	if err != nil {
		return fmt.Errorf("clear knowledge nodes: %w", err)
	}
	if _, err := result.Consume(ctx); err != nil {
		return err
	}
	return nil
}

func (s *Neo4j) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

var _ Store = (*Neo4j)(nil)
