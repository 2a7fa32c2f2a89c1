// Package engine implements the reasoning workflow: a finite-state pipeline
// that classifies a query, retrieves graph and vector evidence, drafts an
// answer, and scores confidence. One workflow instance serves one query;
// its state is discarded after finalization.
package engine

import (
	"fmt"

	"github.com/halcyonsec/kbagent/knowledge"
)

// Origin distinguishes how a piece of evidence was retrieved.
type Origin string

const (
	OriginVector Origin = "vector"
	OriginGraph  Origin = "graph"
)

// Evidence is one retrieved unit grounding the answer.
type Evidence struct {
	Origin Origin
	// Ref identifies the underlying chunk or node; deduplication keys on it.
	Ref     string
	Excerpt string
	Score   float64
	// Provenance names the collection for vector evidence, or the relation
	// path for graph evidence (e.g. "instance-of > detected-by").
	Provenance string
}

// Query is the engine input. Zero-value optional fields fall back to the
// classifier's collection choice and the configured top-k.
type Query struct {
	Text        string
	DomainHint  string
	Collections []knowledge.Collection
	TopK        int
}

// Source is a caller-facing citation derived from evidence.
type Source struct {
	Origin     Origin  `json:"origin"`
	Ref        string  `json:"ref"`
	Provenance string  `json:"provenance"`
	Excerpt    string  `json:"excerpt"`
	Score      float64 `json:"score"`
}

// Result is what every query returns. Absence of knowledge shows up as low
// confidence and an empty source list, never as an error.
type Result struct {
	Answer     string   `json:"answer"`
	Confidence float64  `json:"confidence"`
	Sources    []Source `json:"sources"`
	Trace      []string `json:"reasoning_trace"`
}

// ReasoningState is the mutable accumulator threaded through the workflow.
// It belongs to exactly one in-flight query and is never shared.
type ReasoningState struct {
	Query       Query
	Tags        []string
	Collections []knowledge.Collection

	GraphEvidence  []Evidence
	VectorEvidence []Evidence
	Merged         []Evidence

	Draft      string
	Confidence float64
	Sources    []Source

	// Trace is an ordered human-readable record of steps taken, kept for
	// observability. It is not an audit log.
	Trace []string
}

func (s *ReasoningState) trace(format string, args ...any) {
	s.Trace = append(s.Trace, fmt.Sprintf(format, args...))
}
