package ingest

import (
	"context"
	"fmt"

	"github.com/halcyonsec/kbagent/knowledge"
)

// syncFindingGraph derives the graph shape of one structured finding: the
// finding node, its weakness category, the detecting tool, the project it
// was located in, and its remediation.
func (p *Pipeline) syncFindingGraph(ctx context.Context, finding knowledge.Finding) (int, int, error) {
	if p.graph == nil {
		return 0, 0, nil
	}

	nodes, edges := 0, 0

	findingNode := knowledge.Node{
		ID:   finding.ID,
		Type: knowledge.NodeFinding,
		Attributes: map[string]string{
			"name": finding.Type,
		},
	}
	if finding.Severity != "" {
		findingNode.Attributes["severity"] = finding.Severity
	}
	if finding.Location != "" {
		findingNode.Attributes["location"] = finding.Location
	}
	if err := p.graph.AddNode(ctx, findingNode); err != nil {
		return nodes, edges, fmt.Errorf("add finding node: %w", err)
	}
	nodes++

	weaknessID := slug(finding.Type)
	weakness := knowledge.Node{
		ID:         weaknessID,
		Type:       knowledge.NodeWeaknessCategory,
		Attributes: map[string]string{"name": finding.Type},
	}
	if err := p.graph.AddNode(ctx, weakness); err != nil {
		return nodes, edges, fmt.Errorf("add weakness node: %w", err)
	}
	nodes++
	if err := p.graph.AddEdge(ctx, knowledge.Edge{
		From: finding.ID, To: weaknessID, Relation: knowledge.RelInstanceOf,
	}); err != nil {
		return nodes, edges, fmt.Errorf("link finding to weakness: %w", err)
	}
	edges++

	if finding.Tool != "" {
		toolID := slug(finding.Tool)
		if err := p.graph.AddNode(ctx, knowledge.Node{
			ID:         toolID,
			Type:       knowledge.NodeTool,
			Attributes: map[string]string{"name": finding.Tool},
		}); err != nil {
			return nodes, edges, fmt.Errorf("add tool node: %w", err)
		}
		nodes++
		if err := p.graph.AddEdge(ctx, knowledge.Edge{
			From: finding.ID, To: toolID, Relation: knowledge.RelDetectedBy,
		}); err != nil {
			return nodes, edges, fmt.Errorf("link finding to tool: %w", err)
		}
		edges++
	}

	if finding.Project != "" {
		projectID := slug(finding.Project)
		if err := p.graph.AddNode(ctx, knowledge.Node{
			ID:         projectID,
			Type:       knowledge.NodeProject,
			Attributes: map[string]string{"name": finding.Project},
		}); err != nil {
			return nodes, edges, fmt.Errorf("add project node: %w", err)
		}
		nodes++
		if err := p.graph.AddEdge(ctx, knowledge.Edge{
			From: finding.ID, To: projectID, Relation: knowledge.RelLocatedIn,
		}); err != nil {
			return nodes, edges, fmt.Errorf("link finding to project: %w", err)
		}
		edges++
	}

	if finding.Remediation != "" {
		remediationID := "remediation-" + slug(finding.ID)
		if err := p.graph.AddNode(ctx, knowledge.Node{
			ID:         remediationID,
			Type:       knowledge.NodeConcept,
			Attributes: map[string]string{"text": finding.Remediation},
		}); err != nil {
			return nodes, edges, fmt.Errorf("add remediation node: %w", err)
		}
		nodes++
		if err := p.graph.AddEdge(ctx, knowledge.Edge{
			From: finding.ID, To: remediationID, Relation: knowledge.RelRemediatedBy,
		}); err != nil {
			return nodes, edges, fmt.Errorf("link finding to remediation: %w", err)
		}
		edges++
	}

	// Standard identifiers in the description tie the weakness into the
	// wider taxonomy.
	for _, entity := range MineEntities(finding.Type + " " + finding.Description) {
		entityNodes, entityEdges, err := p.syncStandardEntity(ctx, entity, weaknessID)
		nodes += entityNodes
		edges += entityEdges
		if err != nil {
			return nodes, edges, err
		}
	}

	return nodes, edges, nil
}

func (p *Pipeline) syncStandardEntity(ctx context.Context, entity Entity, weaknessID string) (int, int, error) {
	standard := knowledge.Node{
		ID:         entity.ID,
		Type:       knowledge.NodeStandardCategory,
		Attributes: map[string]string{"name": entity.ID, "standard": entity.Kind},
	}
	if err := p.graph.AddNode(ctx, standard); err != nil {
		return 0, 0, fmt.Errorf("add standard node: %w", err)
	}
	if err := p.graph.AddEdge(ctx, knowledge.Edge{
		From: weaknessID, To: entity.ID, Relation: knowledge.RelCategorizedAs,
	}); err != nil {
		return 1, 0, fmt.Errorf("link weakness to standard: %w", err)
	}
	return 1, 1, nil
}

// syncEntities mines recognized identifiers out of free text. Each becomes
// a concept node; co-occurring identifiers are linked with relates-to
// edges anchored on the first one found.
func (p *Pipeline) syncEntities(ctx context.Context, content, source string) (int, int, error) {
	if p.graph == nil {
		return 0, 0, nil
	}

	entities := MineEntities(content)
	if len(entities) == 0 {
		return 0, 0, nil
	}

	nodes, edges := 0, 0
	for _, entity := range entities {
		if err := p.graph.AddNode(ctx, knowledge.Node{
			ID:   entity.ID,
			Type: knowledge.NodeConcept,
			Attributes: map[string]string{
				"name":   entity.ID,
				"kind":   entity.Kind,
				"source": source,
			},
		}); err != nil {
			return nodes, edges, fmt.Errorf("add concept node: %w", err)
		}
		nodes++
	}

	anchor := entities[0]
	for _, entity := range entities[1:] {
		if err := p.graph.AddEdge(ctx, knowledge.Edge{
			From: anchor.ID, To: entity.ID, Relation: knowledge.RelRelatesTo,
		}); err != nil {
			return nodes, edges, fmt.Errorf("link co-occurring concepts: %w", err)
		}
		edges++
	}

	return nodes, edges, nil
}
