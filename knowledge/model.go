package knowledge

import (
	"fmt"
	"strings"
	"time"
)

// Chunk is a bounded-size unit of embedded text. The embedding itself is
// owned by the document store; a Chunk passed around the pipeline carries it
// only until the store write completes.
type Chunk struct {
	ID         string
	Collection Collection
	Content    string
	Embedding  []float32
	Metadata   map[string]string
	CreatedAt  time.Time
}

// NodeType enumerates the kinds of vertices the knowledge graph holds.
type NodeType string

const (
	NodeFinding          NodeType = "finding"
	NodeWeaknessCategory NodeType = "weakness-category"
	NodeStandardCategory NodeType = "standard-category"
	NodeTool             NodeType = "tool"
	NodeProject          NodeType = "project"
	NodeConcept          NodeType = "concept"
)

// Relation enumerates the edge types of the knowledge graph.
type Relation string

const (
	RelInstanceOf    Relation = "instance-of"
	RelCategorizedAs Relation = "categorized-as"
	RelDetectedBy    Relation = "detected-by"
	RelLocatedIn     Relation = "located-in"
	RelRemediatedBy  Relation = "remediated-by"
	RelRelatesTo     Relation = "relates-to"
)

// Node is a typed graph vertex.
type Node struct {
	ID         string            `json:"id"`
	Type       NodeType          `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Edge is a typed, directed, optionally weighted relation between two nodes.
// The graph is a multigraph: the same node pair may be linked by edges of
// different relation types.
type Edge struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	Relation Relation `json:"relation"`
	Weight   float64  `json:"weight,omitempty"`
}

// Finding is a structured security finding as produced by an external
// scanner wrapper. It is the one structured record shape the ingestion
// pipeline understands natively.
type Finding struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Severity    string `json:"severity,omitempty"`
	Tool        string `json:"tool,omitempty"`
	Project     string `json:"project,omitempty"`
	Location    string `json:"location,omitempty"`
	Description string `json:"description,omitempty"`
	Remediation string `json:"remediation,omitempty"`
}

// Validate reports whether the finding carries the minimum fields needed to
// build graph nodes from it.
func (f Finding) Validate() error {
	if strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("finding is missing an id")
	}
	if strings.TrimSpace(f.Type) == "" {
		return fmt.Errorf("finding %s is missing a type", f.ID)
	}
	return nil
}

// Text renders the finding as prose for embedding alongside its graph nodes.
func (f Finding) Text() string {
	var sb strings.Builder
	sb.WriteString(f.Type)
	if f.Severity != "" {
		sb.WriteString(" (" + f.Severity + ")")
	}
	if f.Tool != "" {
		sb.WriteString(" detected by " + f.Tool)
	}
	if f.Project != "" {
		sb.WriteString(" in " + f.Project)
	}
	if f.Location != "" {
		sb.WriteString(" at " + f.Location)
	}
	if f.Description != "" {
		sb.WriteString(". " + f.Description)
	}
	if f.Remediation != "" {
		sb.WriteString(" Remediation: " + f.Remediation)
	}
	return sb.String()
}
