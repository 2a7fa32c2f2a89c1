package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/halcyonsec/kbagent/classify"
	"github.com/halcyonsec/kbagent/config"
	"github.com/halcyonsec/kbagent/database"
	"github.com/halcyonsec/kbagent/embeddings"
	"github.com/halcyonsec/kbagent/engine"
	"github.com/halcyonsec/kbagent/graphstore"
	"github.com/halcyonsec/kbagent/ingest"
	"github.com/halcyonsec/kbagent/knowledge"
	"github.com/halcyonsec/kbagent/llm"
	"github.com/halcyonsec/kbagent/vectorstore"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "ingest":
		ingestCmd(cfg, logger, os.Args[2:])
	case "query":
		queryCmd(cfg, logger, os.Args[2:])
	case "clear":
		clearCmd(cfg, logger, os.Args[2:])
	case "graph-export":
		graphExportCmd(cfg, logger, os.Args[2:])
	default:
		logger.Printf("unknown command: %s", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// stores bundles the opened backends with their persistence hooks.
type stores struct {
	vectors vectorstore.Store
	graph   graphstore.Store

	// save persists the embedded backends; a no-op for the database ones.
	save  func() error
	close func(context.Context)
}

func openStores(ctx context.Context, cfg config.Config, logger *log.Logger) (*stores, error) {
	s := &stores{save: func() error { return nil }, close: func(context.Context) {}}

	switch cfg.VectorBackend {
	case config.BackendMemory:
		mem, err := vectorstore.NewMemory(cfg.Embeddings.Dimension)
		if err != nil {
			return nil, err
		}
		if err := mem.LoadFile(cfg.VectorPath); err != nil {
			return nil, err
		}
		s.vectors = mem
	case config.BackendPostgres:
		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := database.EnsureDocumentSchema(ctx, pool, cfg.Embeddings.Dimension); err != nil {
			pool.Close()
			return nil, err
		}
		s.vectors = vectorstore.NewPostgres(pool)
	default:
		return nil, fmt.Errorf("unknown vector backend: %s", cfg.VectorBackend)
	}

	switch cfg.GraphBackend {
	case config.BackendMemory:
		mem := graphstore.NewMemory()
		if err := mem.LoadFile(cfg.SnapshotPath); err != nil {
			return nil, err
		}
		s.graph = mem
	case config.BackendNeo4j:
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			return nil, err
		}
		s.graph = graphstore.NewNeo4j(driver)
	default:
		return nil, fmt.Errorf("unknown graph backend: %s", cfg.GraphBackend)
	}

	vectors, graph := s.vectors, s.graph
	s.save = func() error {
		if mem, ok := vectors.(*vectorstore.Memory); ok {
			if err := mem.SaveFile(cfg.VectorPath); err != nil {
				return err
			}
		}
		if mem, ok := graph.(*graphstore.Memory); ok {
			if err := mem.SaveFile(cfg.SnapshotPath); err != nil {
				return err
			}
		}
		return nil
	}
	s.close = func(ctx context.Context) {
		vectors.Close()
		if err := graph.Close(ctx); err != nil {
			logger.Printf("close graph store: %v", err)
		}
	}
	return s, nil
}

func ingestCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	dataDir := flags.String("dir", cfg.DataDir, "source directory; first-level subdirectories name the category")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse ingest flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open stores: %v", err)
	}
	defer s.close(ctx)

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	// Long ingestion runs checkpoint the embedded graph periodically so an
	// interrupt loses minutes, not the whole batch.
	if mem, ok := s.graph.(*graphstore.Memory); ok {
		snap := graphstore.NewSnapshotter(mem, cfg.SnapshotPath, 5*time.Minute, logger)
		snap.Start()
		defer snap.Stop()
	}

	pipeline := ingest.NewPipeline(s.vectors, s.graph, embedder, cfg.ArchiveDir, logger)
	logger.Printf("ingesting from %s using %s/%s embeddings",
		*dataDir, strings.ToUpper(cfg.Embeddings.Provider), cfg.Embeddings.Model)

	result, err := pipeline.IngestDirectory(ctx, *dataDir)
	if err != nil {
		logger.Fatalf("ingestion failed: %v", err)
	}

	if err := s.save(); err != nil {
		logger.Fatalf("persist stores: %v", err)
	}

	logger.Printf("ingested %d files: %d chunks written, %d skipped, %d graph nodes, %d graph edges",
		result.Files, result.ChunksWritten, result.ChunksSkipped, result.GraphNodes, result.GraphEdges)
	for _, itemErr := range result.Errors {
		logger.Printf("item error: %v", itemErr)
	}
	printStats(ctx, s, logger)
}

func printStats(ctx context.Context, s *stores, logger *log.Logger) {
	for _, collection := range knowledge.Collections() {
		count, err := s.vectors.Count(ctx, collection)
		if err != nil {
			logger.Printf("count %s: %v", collection, err)
			continue
		}
		if count > 0 {
			logger.Printf("collection %s: %d chunks", collection, count)
		}
	}
	nodes, err := s.graph.NodeCount(ctx)
	if err == nil {
		edges, edgeErr := s.graph.EdgeCount(ctx)
		if edgeErr == nil {
			logger.Printf("knowledge graph: %d nodes, %d edges", nodes, edges)
		}
	}
}

func queryCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("query", flag.ExitOnError)
	question := flags.String("question", "", "question to answer")
	domain := flags.String("domain", "", "optional domain hint")
	collections := flags.String("collections", "", "comma-separated collection filter")
	topK := flags.Int("top-k", cfg.TopK, "evidence items per source")
	showTrace := flags.Bool("trace", false, "print the reasoning trace")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse query flags: %v", err)
	}

	if strings.TrimSpace(*question) == "" {
		logger.Fatalf("query requires -question")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open stores: %v", err)
	}
	defer s.close(ctx)

	classifier, err := classify.New()
	if err != nil {
		logger.Fatalf("classifier setup: %v", err)
	}

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatalf("embedder setup: %v", err)
	}

	llmClient, err := llm.NewClient(cfg)
	if err != nil {
		logger.Fatalf("llm setup: %v", err)
	}

	query := engine.Query{Text: *question, DomainHint: *domain, TopK: *topK}
	for _, name := range strings.Split(*collections, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		collection, err := knowledge.ParseCollection(name)
		if err != nil {
			logger.Fatalf("invalid collection filter: %v", err)
		}
		query.Collections = append(query.Collections, collection)
	}

	eng := engine.New(s.vectors, s.graph, classifier, embedder, llmClient,
		engine.Options{TopK: cfg.TopK, MaxHops: cfg.MaxHops}, logger)

	result, err := eng.Answer(ctx, query)
	if err != nil {
		logger.Fatalf("query failed: %v", err)
	}

	fmt.Println(result.Answer)
	fmt.Printf("\nConfidence: %.2f\n", result.Confidence)
	if len(result.Sources) > 0 {
		fmt.Println("Sources:")
		for idx, source := range result.Sources {
			fmt.Printf("%d. [%s] %s (score %.2f)\n", idx+1, source.Origin, source.Provenance, source.Score)
			fmt.Printf("   %s\n", source.Excerpt)
		}
	}
	if *showTrace {
		fmt.Println("\nReasoning trace:")
		for _, step := range result.Trace {
			fmt.Println("  " + step)
		}
	}
}

func clearCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse clear flags: %v", err)
	}

	if !*confirmed {
		fmt.Print("This will permanently delete the ingested knowledge base. Continue? [y/N]: ")
		var answer string
		if _, err := fmt.Scanln(&answer); err != nil {
			logger.Println("clear aborted")
			return
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			logger.Println("clear aborted")
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open stores: %v", err)
	}
	defer s.close(ctx)

	if err := s.vectors.Clear(ctx); err != nil {
		logger.Fatalf("clear document store: %v", err)
	}
	if err := s.graph.Clear(ctx); err != nil {
		logger.Fatalf("clear graph store: %v", err)
	}
	if err := s.save(); err != nil {
		logger.Fatalf("persist stores: %v", err)
	}
	logger.Println("knowledge base cleared")
}

func graphExportCmd(cfg config.Config, logger *log.Logger, args []string) {
	flags := flag.NewFlagSet("graph-export", flag.ExitOnError)
	out := flags.String("out", "graph-export.json", "path of the snapshot to write")
	if err := flags.Parse(args); err != nil {
		logger.Fatalf("parse graph-export flags: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("open stores: %v", err)
	}
	defer s.close(ctx)

	mem, ok := s.graph.(*graphstore.Memory)
	if !ok {
		logger.Fatalf("graph-export requires the embedded graph backend (GRAPH_BACKEND=memory)")
	}
	if err := mem.SaveFile(*out); err != nil {
		logger.Fatalf("export graph: %v", err)
	}
	logger.Printf("graph snapshot written to %s", *out)
}

func printUsage() {
	fmt.Println("Usage: kbagent <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  ingest        Ingest a source tree into the knowledge base (use -dir to override)")
	fmt.Println("  query         Answer a question from the ingested knowledge")
	fmt.Println("  clear         Remove all ingested knowledge")
	fmt.Println("  graph-export  Write the knowledge graph snapshot to a file")
}
