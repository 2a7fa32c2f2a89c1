package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/halcyonsec/kbagent/classify"
	"github.com/halcyonsec/kbagent/embeddings"
	"github.com/halcyonsec/kbagent/graphstore"
	"github.com/halcyonsec/kbagent/knowledge"
	"github.com/halcyonsec/kbagent/llm"
	"github.com/halcyonsec/kbagent/vectorstore"
)

const defaultTopK = 5

// State names one step of the workflow.
type State string

const (
	StateClassify       State = "CLASSIFY"
	StateGraphRetrieve  State = "GRAPH_RETRIEVE"
	StateVectorRetrieve State = "VECTOR_RETRIEVE"
	StateReason         State = "REASON"
	StateDraft          State = "DRAFT"
	StateEnhance        State = "ENHANCE"
	StateFinalize       State = "FINALIZE"
)

// outcomeKind is the typed result of one state: success moves on, degrade
// moves on along a lower-confidence path, fatal stops the workflow.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeDegrade
	outcomeFatal
)

type outcome struct {
	kind outcomeKind
	note string
	err  error
}

func success(note string) outcome { return outcome{kind: outcomeSuccess, note: note} }
func degrade(note string) outcome { return outcome{kind: outcomeDegrade, note: note} }
func fatal(err error) outcome     { return outcome{kind: outcomeFatal, err: err} }

type stateFunc func(ctx context.Context, s *ReasoningState) outcome

// Engine runs the reasoning workflow against the configured stores and
// providers. It only reads the stores; nothing in a query mutates global
// storage, so cancellation needs no rollback.
type Engine struct {
	vectors    vectorstore.Store
	graph      graphstore.Store
	classifier *classify.Classifier
	embedder   embeddings.Embedder
	llm        llm.Client
	logger     *log.Logger

	topK    int
	maxHops int
}

type Options struct {
	TopK    int
	MaxHops int
}

func New(vectors vectorstore.Store, graph graphstore.Store, classifier *classify.Classifier,
	embedder embeddings.Embedder, llmClient llm.Client, opts Options, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = graphstore.DefaultMaxHops
	}
	return &Engine{
		vectors:    vectors,
		graph:      graph,
		classifier: classifier,
		embedder:   embedder,
		llm:        llmClient,
		logger:     logger,
		topK:       opts.TopK,
		maxHops:    opts.MaxHops,
	}
}

// Answer runs the workflow for one query. It returns an error only for
// cancellation or a configuration defect; absent knowledge yields a result
// with floor confidence instead.
func (e *Engine) Answer(ctx context.Context, query Query) (Result, error) {
	query.Text = strings.TrimSpace(query.Text)
	if query.Text == "" {
		return Result{}, fmt.Errorf("query text cannot be empty")
	}
	if query.TopK <= 0 {
		query.TopK = e.topK
	}
	if e.vectors == nil {
		return Result{}, fmt.Errorf("vector store is not configured")
	}

	state := &ReasoningState{Query: query}

	steps := []struct {
		name State
		fn   stateFunc
	}{
		{StateClassify, e.classify},
		{StateGraphRetrieve, e.graphRetrieve},
		{StateVectorRetrieve, e.vectorRetrieve},
		{StateReason, e.reason},
		{StateDraft, e.draft},
		{StateEnhance, e.enhance},
	}

	for _, step := range steps {
		// Cancellation is honored at state boundaries; partial state is
		// simply discarded.
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		out := step.fn(ctx, state)
		switch out.kind {
		case outcomeSuccess:
			state.trace("%s: %s", step.name, out.note)
		case outcomeDegrade:
			state.trace("%s degraded: %s", step.name, out.note)
			e.logger.Printf("%s degraded: %s", step.name, out.note)
		case outcomeFatal:
			return Result{}, fmt.Errorf("%s: %w", step.name, out.err)
		}
	}

	state.trace("%s: assembled answer with %d sources, confidence %.2f",
		StateFinalize, len(state.Sources), state.Confidence)

	return Result{
		Answer:     state.Draft,
		Confidence: state.Confidence,
		Sources:    state.Sources,
		Trace:      state.Trace,
	}, nil
}

func (e *Engine) classify(_ context.Context, s *ReasoningState) outcome {
	if e.classifier == nil {
		return fatal(fmt.Errorf("classifier is not configured"))
	}

	s.Tags = e.classifier.Classify(s.Query.Text)
	if hint := strings.TrimSpace(s.Query.DomainHint); hint != "" && !containsTag(s.Tags, hint) {
		s.Tags = append([]string{hint}, s.Tags...)
	}

	if len(s.Tags) == 0 {
		return success("no domain matched, all collections in scope")
	}
	return success("domains: " + strings.Join(s.Tags, ", "))
}

func (e *Engine) graphRetrieve(ctx context.Context, s *ReasoningState) outcome {
	if e.graph == nil {
		return degrade("graph store not configured, vector-only evidence")
	}

	terms := queryTerms(s.Query.Text)
	starts, err := e.graph.MatchNodes(ctx, terms)
	if err != nil {
		return degrade(fmt.Sprintf("graph match failed: %v", err))
	}
	if len(starts) == 0 {
		// Expected for queries outside the graph; fall back to vectors.
		return success("no graph nodes matched")
	}

	startIDs := make([]string, len(starts))
	for i, node := range starts {
		startIDs[i] = node.ID
	}

	paths, err := e.graph.Traverse(ctx, startIDs, nil, e.maxHops)
	if err != nil {
		return degrade(fmt.Sprintf("graph traversal failed: %v", err))
	}

	for _, node := range starts {
		s.GraphEvidence = append(s.GraphEvidence, Evidence{
			Origin:     OriginGraph,
			Ref:        node.ID,
			Excerpt:    describeNode(node),
			Score:      1,
			Provenance: "matched",
		})
	}
	for _, path := range paths {
		s.GraphEvidence = append(s.GraphEvidence, Evidence{
			Origin:     OriginGraph,
			Ref:        path.Target.ID,
			Excerpt:    describeNode(path.Target),
			Score:      path.Weight,
			Provenance: relationPath(path),
		})
	}

	return success(fmt.Sprintf("%d start nodes, %d paths within %d hops", len(starts), len(paths), e.maxHops))
}

func (e *Engine) vectorRetrieve(ctx context.Context, s *ReasoningState) outcome {
	if len(s.Query.Collections) > 0 {
		s.Collections = s.Query.Collections
	} else {
		s.Collections = e.classifier.Collections(s.Tags)
	}

	if e.embedder == nil {
		return degrade("embedder not configured, graph-only evidence")
	}

	vector, err := embeddings.EmbedOne(ctx, e.embedder, s.Query.Text)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fatal(err)
		}
		return degrade(fmt.Sprintf("query embedding failed, graph-only evidence: %v", err))
	}

	matches, err := e.vectors.Search(ctx, vector, s.Collections, s.Query.TopK)
	if err != nil {
		return degrade(fmt.Sprintf("vector search failed: %v", err))
	}

	for _, match := range matches {
		s.VectorEvidence = append(s.VectorEvidence, Evidence{
			Origin:     OriginVector,
			Ref:        match.ChunkID,
			Excerpt:    match.Content,
			Score:      match.Score,
			Provenance: string(match.Collection),
		})
	}

	return success(fmt.Sprintf("%d matches across %d collections", len(matches), len(s.Collections)))
}

// reason merges the evidence: graph first because it represents verified
// structured relationships, then vector matches by similarity. Evidence
// pointing at the same chunk or node collapses to its first occurrence.
func (e *Engine) reason(_ context.Context, s *ReasoningState) outcome {
	vector := make([]Evidence, len(s.VectorEvidence))
	copy(vector, s.VectorEvidence)
	sort.SliceStable(vector, func(i, j int) bool {
		if vector[i].Score != vector[j].Score {
			return vector[i].Score > vector[j].Score
		}
		return vector[i].Ref < vector[j].Ref
	})

	seen := make(map[string]struct{})
	merged := make([]Evidence, 0, len(s.GraphEvidence)+len(vector))
	for _, ev := range append(append([]Evidence{}, s.GraphEvidence...), vector...) {
		if _, ok := seen[ev.Ref]; ok {
			continue
		}
		seen[ev.Ref] = struct{}{}
		merged = append(merged, ev)
	}
	s.Merged = merged

	return success(fmt.Sprintf("merged %d graph + %d vector into %d evidence items",
		len(s.GraphEvidence), len(vector), len(merged)))
}

func (e *Engine) draft(ctx context.Context, s *ReasoningState) outcome {
	if e.llm == nil {
		s.Draft = fallbackAnswer(s.Merged)
		return degrade("language model not configured, evidence-only answer")
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt()},
		{Role: llm.RoleUser, Content: buildPrompt(s.Query.Text, s.Merged)},
	}

	answer, err := e.llm.Generate(ctx, messages)
	if err != nil {
		if ctx.Err() != nil {
			return fatal(ctx.Err())
		}
		s.Draft = fallbackAnswer(s.Merged)
		return degrade(fmt.Sprintf("language model unavailable, evidence-only answer: %v", err))
	}

	s.Draft = strings.TrimSpace(answer)
	if s.Draft == "" {
		s.Draft = fallbackAnswer(s.Merged)
		return degrade("language model returned empty draft, evidence-only answer")
	}
	return success("drafted answer from merged evidence")
}

func (e *Engine) enhance(_ context.Context, s *ReasoningState) outcome {
	s.Sources = make([]Source, 0, len(s.Merged))
	for _, ev := range s.Merged {
		s.Sources = append(s.Sources, Source{
			Origin:     ev.Origin,
			Ref:        ev.Ref,
			Provenance: ev.Provenance,
			Excerpt:    truncate(ev.Excerpt, excerptLimit),
			Score:      ev.Score,
		})
	}
	s.Confidence = scoreConfidence(s.GraphEvidence, s.VectorEvidence, s.Query.TopK)
	return success(fmt.Sprintf("attached %d sources", len(s.Sources)))
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "what": {}, "which": {},
	"how": {}, "does": {}, "with": {}, "about": {}, "from": {}, "that": {},
	"this": {}, "have": {}, "has": {}, "was": {}, "were": {}, "can": {},
}

// queryTerms extracts candidate graph-match terms: lowercased tokens of at
// least three characters, keeping dashes so identifiers like CWE-89 survive.
func queryTerms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	})

	terms := make([]string, 0, len(fields))
	for _, field := range fields {
		field = strings.Trim(field, "-")
		if len(field) < 3 {
			continue
		}
		if _, ok := stopwords[field]; ok {
			continue
		}
		terms = append(terms, field)
	}
	return terms
}

func describeNode(node knowledge.Node) string {
	name := node.Attributes["name"]
	if name == "" {
		name = node.ID
	}
	var extras []string
	for _, key := range []string{"severity", "location", "standard", "text"} {
		if v := node.Attributes[key]; v != "" {
			extras = append(extras, key+": "+v)
		}
	}
	desc := fmt.Sprintf("%s %q", node.Type, name)
	if len(extras) > 0 {
		desc += " (" + strings.Join(extras, ", ") + ")"
	}
	return desc
}

func relationPath(path graphstore.Path) string {
	parts := make([]string, len(path.Relations))
	for i, rel := range path.Relations {
		parts[i] = string(rel)
	}
	return strings.Join(parts, " > ")
}
