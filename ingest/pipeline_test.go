package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonsec/kbagent/graphstore"
	"github.com/halcyonsec/kbagent/knowledge"
	"github.com/halcyonsec/kbagent/vectorstore"
)

const testDimension = 8

// stubEmbedder returns a deterministic vector per text so store contents
// are predictable. failures primes transient errors consumed one per call.
type stubEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("stub embedder: transient failure")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vector := make([]float32, testDimension)
		for j, r := range text {
			vector[j%testDimension] += float32(r) / 1000
		}
		out[i] = vector
	}
	return out, nil
}

func newTestPipeline(t *testing.T) (*Pipeline, *vectorstore.Memory, *graphstore.Memory, *stubEmbedder) {
	t.Helper()
	vectors, err := vectorstore.NewMemory(testDimension)
	require.NoError(t, err)
	graph := graphstore.NewMemory()
	embedder := &stubEmbedder{}
	logger := log.New(os.Stderr, "", 0)
	return NewPipeline(vectors, graph, embedder, "", logger), vectors, graph, embedder
}

func sampleFinding() knowledge.Finding {
	return knowledge.Finding{
		ID:          "finding-001",
		Type:        "SQL Injection",
		Severity:    "high",
		Tool:        "gibson-scan",
		Project:     "billing-api",
		Location:    "internal/orders/query.go:42",
		Description: "Unsanitized input reaches a SQL statement, matching CWE-89.",
		Remediation: "Use parameterized queries for all order lookups.",
	}
}

func TestIngestTextWritesChunks(t *testing.T) {
	pipeline, vectors, _, _ := newTestPipeline(t)
	ctx := context.Background()

	content := "# Network Policies\n\n" + strings.Repeat("Default-deny network policies limit lateral movement between namespaces. ", 5)
	result, err := pipeline.IngestText(ctx, knowledge.CollectionPatterns, "patterns/netpol.md", content)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Files)
	assert.Positive(t, result.ChunksWritten)
	assert.Empty(t, result.Errors)

	count, err := vectors.Count(ctx, knowledge.CollectionPatterns)
	require.NoError(t, err)
	assert.Equal(t, result.ChunksWritten, count)
}

func TestIngestTextIsIdempotent(t *testing.T) {
	pipeline, vectors, _, _ := newTestPipeline(t)
	ctx := context.Background()

	content := "Pod security standards restrict privileged containers and host namespace access across the cluster."
	_, err := pipeline.IngestText(ctx, knowledge.CollectionPatterns, "patterns/pss.md", content)
	require.NoError(t, err)
	first, err := vectors.Count(ctx, knowledge.CollectionPatterns)
	require.NoError(t, err)

	_, err = pipeline.IngestText(ctx, knowledge.CollectionPatterns, "patterns/pss.md", content)
	require.NoError(t, err)
	second, err := vectors.Count(ctx, knowledge.CollectionPatterns)
	require.NoError(t, err)

	assert.Equal(t, first, second, "re-ingesting identical content must not duplicate chunks")
}

func TestIngestTextRejectsUnknownCollection(t *testing.T) {
	pipeline, _, _, _ := newTestPipeline(t)
	_, err := pipeline.IngestText(context.Background(), knowledge.Collection("lore"), "x.md", "Some text long enough to chunk without being skipped as noise.")
	require.ErrorIs(t, err, knowledge.ErrUnknownCollection)
}

func TestIngestTextMinesEntities(t *testing.T) {
	pipeline, _, graph, _ := newTestPipeline(t)
	ctx := context.Background()

	content := "Injection flaws such as CWE-89 fall under OWASP A03:2021 and show up in advisories like CVE-2024-12345 regularly."
	result, err := pipeline.IngestText(ctx, knowledge.CollectionPatterns, "patterns/injection.md", content)
	require.NoError(t, err)
	assert.Equal(t, 3, result.GraphNodes)
	assert.Equal(t, 2, result.GraphEdges, "co-occurring identifiers link to the first one found")

	nodes, err := graph.MatchNodes(ctx, []string{"cwe-89"})
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, knowledge.NodeConcept, nodes[0].Type)
}

func TestEmbedRetriesOnceThenFails(t *testing.T) {
	pipeline, vectors, _, embedder := newTestPipeline(t)
	ctx := context.Background()

	// One transient failure: the retry succeeds and the chunk lands.
	embedder.failures = 1
	result, err := pipeline.IngestText(ctx, knowledge.CollectionPatterns, "patterns/a.md",
		"Secrets belong in a managed vault, never in environment files committed to the repository.")
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksWritten)
	assert.Empty(t, result.Errors)

	// Two consecutive failures exhaust the single retry; the chunk is
	// skipped and recorded, the batch does not abort.
	embedder.failures = 2
	result, err = pipeline.IngestText(ctx, knowledge.CollectionPatterns, "patterns/b.md",
		"Audit log retention should cover at least the incident response lookback window.")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ChunksWritten)
	assert.Equal(t, 1, result.ChunksSkipped)
	require.Len(t, result.Errors, 1)

	count, err := vectors.Count(ctx, knowledge.CollectionPatterns)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "failed chunk must not leave a partial row")
}

func TestIngestFindingDerivesGraph(t *testing.T) {
	pipeline, vectors, graph, _ := newTestPipeline(t)
	ctx := context.Background()

	result, err := pipeline.IngestFinding(ctx, sampleFinding())
	require.NoError(t, err)
	assert.Equal(t, 1, result.ChunksWritten)

	count, err := vectors.Count(ctx, knowledge.CollectionFindings)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// finding, weakness, tool, project, remediation concept, CWE standard.
	nodeCount, err := graph.NodeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, nodeCount)

	// instance-of, detected-by, located-in, remediated-by, categorized-as.
	edgeCount, err := graph.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, edgeCount)

	paths, err := graph.Traverse(ctx, []string{"finding-001"}, nil, 2)
	require.NoError(t, err)
	targets := make(map[string]knowledge.NodeType)
	for _, path := range paths {
		targets[path.Target.ID] = path.Target.Type
	}
	assert.Equal(t, knowledge.NodeWeaknessCategory, targets["sql-injection"])
	assert.Equal(t, knowledge.NodeTool, targets["gibson-scan"])
	assert.Equal(t, knowledge.NodeProject, targets["billing-api"])
	assert.Equal(t, knowledge.NodeStandardCategory, targets["cwe-89"], "standard reached through the weakness at hop two")
}

func TestIngestFindingIsIdempotent(t *testing.T) {
	pipeline, _, graph, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := pipeline.IngestFinding(ctx, sampleFinding())
	require.NoError(t, err)
	_, err = pipeline.IngestFinding(ctx, sampleFinding())
	require.NoError(t, err)

	nodeCount, err := graph.NodeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, nodeCount)
	edgeCount, err := graph.EdgeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, edgeCount)
}

func TestIngestFindingRejectsInvalid(t *testing.T) {
	pipeline, _, _, _ := newTestPipeline(t)
	finding := sampleFinding()
	finding.ID = ""
	_, err := pipeline.IngestFinding(context.Background(), finding)
	require.Error(t, err)
}

func TestIngestDirectoryArchivesAndContinues(t *testing.T) {
	pipeline, vectors, _, _ := newTestPipeline(t)
	ctx := context.Background()

	root := t.TempDir()
	patternsDir := filepath.Join(root, "architecture")
	require.NoError(t, os.MkdirAll(patternsDir, 0o755))

	good := filepath.Join(patternsDir, "rbac.md")
	require.NoError(t, os.WriteFile(good, []byte("Scope RBAC roles to namespaces and avoid wildcard verbs on cluster resources."), 0o644))

	// A findings file with broken JSON is an item error, not a batch error.
	findingsDir := filepath.Join(root, "findings")
	require.NoError(t, os.MkdirAll(findingsDir, 0o755))
	bad := filepath.Join(findingsDir, "broken.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	result, err := pipeline.IngestDirectory(ctx, root)
	require.NoError(t, err)
	assert.Positive(t, result.ChunksWritten)
	require.Len(t, result.Errors, 1)

	count, err := vectors.Count(ctx, knowledge.CollectionPatterns)
	require.NoError(t, err)
	assert.Positive(t, count)

	// The clean file moved to processed/, preserving its category path.
	assert.NoFileExists(t, good)
	assert.FileExists(t, filepath.Join(root, "processed", "architecture", "rbac.md"))
	// The failing file stays where it was.
	assert.FileExists(t, bad)
}

func TestIngestDirectoryFailsOnUnmappedCategory(t *testing.T) {
	pipeline, _, _, _ := newTestPipeline(t)

	root := t.TempDir()
	dir := filepath.Join(root, "mystery-category")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.md"), []byte("Content that would otherwise ingest fine into some collection."), 0o644))

	_, err := pipeline.IngestDirectory(context.Background(), root)
	require.ErrorIs(t, err, knowledge.ErrUnknownCollection)
}

func TestIngestDirectorySkipsProcessedAndDotfiles(t *testing.T) {
	pipeline, _, _, embedder := newTestPipeline(t)

	root := t.TempDir()
	processed := filepath.Join(root, "processed", "architecture")
	require.NoError(t, os.MkdirAll(processed, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(processed, "old.md"), []byte("Already ingested content that must not be re-read from the archive."), 0o644))

	dir := filepath.Join(root, "architecture")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.md"), []byte("Editor swap content that is never a knowledge source."), 0o644))

	result, err := pipeline.IngestDirectory(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Files)
	assert.Zero(t, embedder.calls)
}

func TestIngestRecordsSkipsNoise(t *testing.T) {
	pipeline, _, _, _ := newTestPipeline(t)

	records := []Record{
		{ID: "r1", Text: "ok"},
		{ID: "r2", Text: "A record long enough to clear the minimum chunk size threshold for ingestion."},
	}
	result := pipeline.IngestRecords(context.Background(), knowledge.CollectionDocumentation, "records.jsonl", records)
	assert.Equal(t, 1, result.ChunksWritten)
	assert.Equal(t, 1, result.ChunksSkipped)
}

func TestParseFindingsObjectAndArray(t *testing.T) {
	single, err := parseFindings([]byte(`{"id": "f1", "type": "XSS", "description": "Reflected input in the search form."}`))
	require.NoError(t, err)
	require.Len(t, single, 1)

	many, err := parseFindings([]byte(`[{"id": "f1", "type": "XSS", "description": "one"}, {"id": "f2", "type": "SSRF", "description": "two"}]`))
	require.NoError(t, err)
	require.Len(t, many, 2)
	assert.Equal(t, "f2", many[1].ID)
}
