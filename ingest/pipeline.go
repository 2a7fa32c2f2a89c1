// Package ingest implements the ingestion pipeline: source shape detection,
// chunking, deduplication, embedding, document store writes, and graph
// derivation. Per-item failures are recorded and never abort a batch;
// configuration errors (an unmapped category) surface immediately.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/halcyonsec/kbagent/embeddings"
	"github.com/halcyonsec/kbagent/graphstore"
	"github.com/halcyonsec/kbagent/knowledge"
	"github.com/halcyonsec/kbagent/vectorstore"
)

// processedDirName is where successfully ingested files are archived when
// no explicit archive directory is configured. Sources are moved, never
// deleted.
const processedDirName = "processed"

// ItemError records one skipped item; the batch carries on around it.
type ItemError struct {
	Source string
	Err    error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

// Result aggregates what a batch accomplished.
type Result struct {
	Files         int
	ChunksWritten int
	ChunksSkipped int
	GraphNodes    int
	GraphEdges    int
	Errors        []ItemError
}

func (r *Result) merge(other Result) {
	r.Files += other.Files
	r.ChunksWritten += other.ChunksWritten
	r.ChunksSkipped += other.ChunksSkipped
	r.GraphNodes += other.GraphNodes
	r.GraphEdges += other.GraphEdges
	r.Errors = append(r.Errors, other.Errors...)
}

type Pipeline struct {
	vectors    vectorstore.Store
	graph      graphstore.Store
	embedder   embeddings.Embedder
	archiveDir string
	logger     *log.Logger
}

func NewPipeline(vectors vectorstore.Store, graph graphstore.Store, embedder embeddings.Embedder, archiveDir string, logger *log.Logger) *Pipeline {
	if logger == nil {
		logger = log.Default()
	}
	return &Pipeline{
		vectors:    vectors,
		graph:      graph,
		embedder:   embedder,
		archiveDir: archiveDir,
		logger:     logger,
	}
}

// IngestDirectory walks a source tree whose first-level subdirectories name
// the source category. An unmapped category is a configuration error and
// fails the batch immediately.
func (p *Pipeline) IngestDirectory(ctx context.Context, root string) (Result, error) {
	var result Result

	if p.embedder == nil {
		return result, fmt.Errorf("embedder not configured")
	}
	if _, err := os.Stat(root); err != nil {
		return result, fmt.Errorf("data directory: %w", err)
	}

	type entry struct {
		path       string
		collection knowledge.Collection
	}
	entries := make([]entry, 0)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if d.Name() == processedDirName {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) < 2 {
			return fmt.Errorf("%w: source %s is not under a category directory", knowledge.ErrUnknownCollection, rel)
		}

		collection, mapErr := knowledge.CollectionForCategory(parts[0])
		if mapErr != nil {
			return mapErr
		}
		entries = append(entries, entry{path: path, collection: collection})
		return nil
	})
	if err != nil {
		return result, err
	}

	if len(entries) == 0 {
		p.logger.Printf("no source files found in %s", root)
		return result, nil
	}

	for _, e := range entries {
		fileResult, fileErr := p.ingestFile(ctx, e.path, e.collection)
		result.merge(fileResult)
		if fileErr != nil {
			if errors.Is(fileErr, knowledge.ErrUnknownCollection) || ctx.Err() != nil {
				return result, fileErr
			}
			result.Errors = append(result.Errors, ItemError{Source: e.path, Err: fileErr})
			continue
		}

		if len(fileResult.Errors) == 0 {
			if archErr := p.archive(root, e.path); archErr != nil {
				p.logger.Printf("archive %s: %v", e.path, archErr)
			}
		}
	}

	return result, nil
}

func (p *Pipeline) ingestFile(ctx context.Context, path string, collection knowledge.Collection) (Result, error) {
	var result Result

	ext := strings.ToLower(filepath.Ext(path))
	source := filepath.ToSlash(path)

	switch ext {
	case ".md", ".markdown", ".txt":
		data, err := os.ReadFile(path)
		if err != nil {
			return result, fmt.Errorf("read file: %w", err)
		}
		return p.IngestText(ctx, collection, source, string(data))

	case ".pdf":
		content, err := extractPDF(path)
		if err != nil {
			return result, err
		}
		return p.IngestText(ctx, collection, source, content)

	case ".jsonl", ".ndjson":
		f, err := os.Open(path)
		if err != nil {
			return result, fmt.Errorf("open records file: %w", err)
		}
		defer f.Close()
		records, parseErrs := ParseRecords(f)
		for _, parseErr := range parseErrs {
			result.Errors = append(result.Errors, ItemError{Source: source, Err: parseErr})
		}
		recordResult := p.IngestRecords(ctx, collection, source, records)
		result.merge(recordResult)
		result.Files++
		return result, nil

	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return result, fmt.Errorf("read findings file: %w", err)
		}
		findings, err := parseFindings(data)
		if err != nil {
			return result, err
		}
		for _, finding := range findings {
			findingResult, findingErr := p.IngestFinding(ctx, finding)
			result.merge(findingResult)
			if findingErr != nil {
				result.Errors = append(result.Errors, ItemError{Source: source, Err: findingErr})
			}
		}
		result.Files++
		return result, nil

	default:
		p.logger.Printf("skip unsupported source %s", source)
		return result, nil
	}
}

// IngestText chunks free text, embeds each chunk, and writes it under the
// given collection. Recognized entity patterns become concept nodes; plain
// prose never produces graph nodes.
func (p *Pipeline) IngestText(ctx context.Context, collection knowledge.Collection, source, content string) (Result, error) {
	var result Result

	if _, err := knowledge.ParseCollection(string(collection)); err != nil {
		return result, err
	}

	title := ExtractTitle(content, filepath.Base(source))
	chunks := ChunkText(content)
	if len(chunks) == 0 {
		p.logger.Printf("skip %s: no chunks above the minimum length", source)
		return result, nil
	}

	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		metadata := map[string]string{
			"source":   source,
			"title":    title,
			"ingested": time.Now().UTC().Format(time.RFC3339),
		}
		if chunk.Section != "" {
			metadata["section"] = chunk.Section
		}

		if err := p.writeChunk(ctx, collection, chunk.Text, metadata); err != nil {
			result.ChunksSkipped++
			result.Errors = append(result.Errors, ItemError{Source: source, Err: err})
			continue
		}
		result.ChunksWritten++
	}

	nodes, edges, err := p.syncEntities(ctx, content, source)
	if err != nil {
		result.Errors = append(result.Errors, ItemError{Source: source, Err: err})
	}
	result.GraphNodes += nodes
	result.GraphEdges += edges

	result.Files++
	p.logger.Printf("ingested %s into %s (%d chunks, %d skipped)", source, collection, result.ChunksWritten, result.ChunksSkipped)
	return result, nil
}

// IngestRecords embeds normalized line-delimited records. Records below the
// noise threshold are skipped.
func (p *Pipeline) IngestRecords(ctx context.Context, collection knowledge.Collection, source string, records []Record) Result {
	var result Result

	for i, record := range records {
		if len(strings.TrimSpace(record.Text)) < MinChunkSize {
			result.ChunksSkipped++
			continue
		}

		for _, chunk := range ChunkText(record.Text) {
			metadata := map[string]string{
				"source":   fmt.Sprintf("%s#%d", source, i+1),
				"ingested": time.Now().UTC().Format(time.RFC3339),
			}
			for k, v := range record.Metadata {
				metadata[k] = v
			}
			if record.ID != "" {
				metadata["record_id"] = record.ID
			}

			if err := p.writeChunk(ctx, collection, chunk.Text, metadata); err != nil {
				result.ChunksSkipped++
				result.Errors = append(result.Errors, ItemError{Source: metadata["source"], Err: err})
				continue
			}
			result.ChunksWritten++
		}
	}

	return result
}

// IngestFinding embeds a structured finding into the findings collection
// and derives its graph nodes and edges.
func (p *Pipeline) IngestFinding(ctx context.Context, finding knowledge.Finding) (Result, error) {
	var result Result

	if err := finding.Validate(); err != nil {
		return result, err
	}

	metadata := map[string]string{
		"finding_id": finding.ID,
		"type":       finding.Type,
		"ingested":   time.Now().UTC().Format(time.RFC3339),
	}
	if finding.Severity != "" {
		metadata["severity"] = finding.Severity
	}
	if finding.Tool != "" {
		metadata["tool"] = finding.Tool
	}

	if err := p.writeChunk(ctx, knowledge.CollectionFindings, finding.Text(), metadata); err != nil {
		result.ChunksSkipped++
		result.Errors = append(result.Errors, ItemError{Source: finding.ID, Err: err})
	} else {
		result.ChunksWritten++
	}

	nodes, edges, err := p.syncFindingGraph(ctx, finding)
	result.GraphNodes += nodes
	result.GraphEdges += edges
	if err != nil {
		return result, err
	}

	return result, nil
}

// writeChunk embeds one chunk and writes it as a single atomic unit: a row
// exists only with its embedding. The embedding call is retried once.
func (p *Pipeline) writeChunk(ctx context.Context, collection knowledge.Collection, content string, metadata map[string]string) error {
	vector, err := p.embedWithRetry(ctx, content)
	if err != nil {
		return err
	}

	chunk := knowledge.Chunk{
		ID:         knowledge.ChunkID(collection, content),
		Collection: collection,
		Content:    content,
		Embedding:  vector,
		Metadata:   metadata,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.vectors.Upsert(ctx, []knowledge.Chunk{chunk}); err != nil {
		return fmt.Errorf("store chunk: %w", err)
	}
	return nil
}

func (p *Pipeline) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	vector, err := embeddings.EmbedOne(ctx, p.embedder, text)
	if err == nil {
		return vector, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	vector, retryErr := embeddings.EmbedOne(ctx, p.embedder, text)
	if retryErr != nil {
		return nil, fmt.Errorf("embed chunk (after retry): %w", retryErr)
	}
	return vector, nil
}

// archive moves a fully ingested source into the processed area, preserving
// its category path. The move happens only after the store write succeeded.
func (p *Pipeline) archive(root, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}

	base := p.archiveDir
	if base == "" {
		base = filepath.Join(root, processedDirName)
	}

	dest := filepath.Join(base, rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("move source to archive: %w", err)
	}
	return nil
}

func parseFindings(data []byte) ([]knowledge.Finding, error) {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		var findings []knowledge.Finding
		if err := json.Unmarshal(data, &findings); err != nil {
			return nil, fmt.Errorf("parse findings array: %w", err)
		}
		return findings, nil
	}

	var finding knowledge.Finding
	if err := json.Unmarshal(data, &finding); err != nil {
		return nil, fmt.Errorf("parse finding: %w", err)
	}
	return []knowledge.Finding{finding}, nil
}
