package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"

	"vellum/analysis"
	"vellum/config"
	"vellum/ingest"
	"vellum/ledger"
	"vellum/pkg/chunking"
	"vellum/pkg/embedding"
	"vellum/pkg/extraction"
	"vellum/pkg/qdrantdb"
	"vellum/pkg/weaviatedb"
	"vellum/repository"
)

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }
func (m *multiFlag) Set(value string) error {
	*m = append(*m, value)
	return nil
}

const usageText = `vellum ingests PDF documents into a vector store and keeps a run ledger.

Usage:
  vellum <command> [flags]

Commands:
  ingest             Ingest PDFs from files or directories into a collection
  list-runs          Show recent ingestion runs
  run-stats          Show aggregate stats for one run
  list-ingestions    Show per-file records, optionally for one run
  ingestion-details  Show the full ledger record for one file
  query              Similarity-search a collection

Run "vellum <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "ingest":
		runIngest(os.Args[2:])
	case "list-runs":
		runListRuns(os.Args[2:])
	case "run-stats":
		runRunStats(os.Args[2:])
	case "list-ingestions":
		runListIngestions(os.Args[2:])
	case "ingestion-details":
		runIngestionDetails(os.Args[2:])
	case "query":
		runQuery(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usageText)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}
}

func runIngest(args []string) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file path.")
	collection := fs.String("collection", "", "Vector store collection name (required).")
	runID := fs.String("run-id", "", "Pin the run id instead of generating one.")
	runName := fs.String("run-name", "", "Run name stored in the run metadata.")
	workers := fs.Int("workers", 0, "Override the configured worker count.")
	retryFailed := fs.Bool("retry-failed", false, "Reprocess content whose prior attempts all failed.")
	var metaFlags multiFlag
	fs.Var(&metaFlags, "meta", "Extra run metadata as key=value. Can be repeated.")
	fs.Parse(args)

	paths := fs.Args()
	if *collection == "" || len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: vellum ingest -collection NAME [flags] PATH...")
		fs.PrintDefaults()
		os.Exit(2)
	}

	metadata := make(map[string]string, len(metaFlags))
	for _, kv := range metaFlags {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			fmt.Fprintf(os.Stderr, "invalid -meta value %q, want key=value\n", kv)
			os.Exit(2)
		}
		metadata[k] = v
	}

	// =========
	// Config
	// =========
	cfg := loadConfig(*configPath)
	if *workers > 0 {
		cfg.Ingest.Workers = *workers
	}
	if *retryFailed {
		cfg.Ingest.RetryFailed = true
	}

	// =========
	// Logging
	// =========
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// =========
	// Run ledger
	// =========
	led := openLedger(cfg, logger)

	// =========
	// Vector store
	// =========
	store := buildVectorStore(ctx, cfg)

	// =========
	// Extraction worker
	// =========
	extractor, err := extraction.NewSubprocess(cfg.Extraction.Worker, cfg.Extraction.Timeout(), logger)
	if err != nil {
		log.Fatalf("failed to create extraction channel: %v", err)
	}

	// =========
	// Embedding client
	// =========
	embedder := embedding.NewTEIClient(cfg.Embedding.URL, cfg.Embedding.Timeout())

	// =========
	// Chunking client
	// =========
	chunker := buildChunker(cfg)

	// =========
	// Ingestor
	// =========
	opts := ingest.Options{
		Workers:        cfg.Ingest.Workers,
		RetryFailed:    cfg.Ingest.RetryFailed,
		EmbedBatchSize: cfg.Ingest.EmbedBatchSize,
		MaxRetries:     cfg.Ingest.MaxRetries,
		BaseDelay:      cfg.Ingest.BaseDelay(),
		ShutdownGrace:  cfg.Ingest.ShutdownGrace(),
		RunID:          *runID,
		RunName:        *runName,
		Metadata:       metadata,
		ExtractOptions: extraction.Options{Mode: cfg.Extraction.Mode},
	}
	ing, err := ingest.NewIngestor(extractor, analysis.NewAnalyzer(), chunker, embedder, store, led, opts, logger)
	if err != nil {
		log.Fatalf("failed to create ingestor: %v", err)
	}

	run, err := ing.Run(ctx, paths, *collection)
	if err != nil {
		logger.Fatal("ingestion run failed", zap.Error(err))
	}

	fmt.Printf("run %s finished with status %s\n", run.RunID, run.Status)
	fmt.Printf("  total=%d processed=%d failed=%d skipped=%d\n",
		run.TotalFiles, run.ProcessedFiles, run.FailedFiles, run.SkippedFiles)
	fmt.Printf("  cumulative processing time %.1fs\n", run.TotalProcessingTime)

	// The exit code tells scripts whether any file failed, independent of
	// the run's own status.
	if run.FailedFiles > 0 {
		logger.Sync()
		os.Exit(1)
	}
}

func runListRuns(args []string) {
	fs := flag.NewFlagSet("list-runs", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file path.")
	limit := fs.Int("limit", 20, "Maximum runs to show.")
	fs.Parse(args)

	led := openLedger(loadConfig(*configPath), zap.NewNop())
	runs, err := led.ListRuns(*limit)
	if err != nil {
		log.Fatalf("failed to list runs: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tSTARTED\tTOTAL\tOK\tFAILED\tSKIPPED")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			run.RunID, run.Status, run.StartTime.Format("2006-01-02 15:04:05"),
			run.TotalFiles, run.ProcessedFiles, run.FailedFiles, run.SkippedFiles)
	}
	w.Flush()
}

func runRunStats(args []string) {
	fs := flag.NewFlagSet("run-stats", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file path.")
	runID := fs.String("run", "", "Run id (required).")
	fs.Parse(args)
	if *runID == "" {
		fmt.Fprintln(os.Stderr, "usage: vellum run-stats -run RUN_ID")
		os.Exit(2)
	}

	led := openLedger(loadConfig(*configPath), zap.NewNop())
	stats, err := led.GetRunStats(*runID)
	if err != nil {
		log.Fatalf("failed to load run stats: %v", err)
	}

	run := stats.Run
	fmt.Printf("run %s\n", run.RunID)
	fmt.Printf("  status: %s\n", run.Status)
	fmt.Printf("  started: %s\n", run.StartTime.Format("2006-01-02 15:04:05"))
	if run.EndTime != nil {
		fmt.Printf("  ended: %s\n", run.EndTime.Format("2006-01-02 15:04:05"))
	}
	if meta := run.MetadataMap(); len(meta) > 0 {
		fmt.Printf("  metadata: %v\n", meta)
	}
	fmt.Printf("  files: total=%d processed=%d failed=%d skipped=%d\n",
		run.TotalFiles, run.ProcessedFiles, run.FailedFiles, run.SkippedFiles)
	fmt.Printf("  cumulative processing time: %.1fs\n", run.TotalProcessingTime)
	fmt.Printf("  pages ingested: %d, bytes scanned: %d\n", stats.TotalPages, stats.TotalBytes)
	var records int64
	for status, n := range stats.StatusCounts {
		fmt.Printf("  records %s: %d\n", status, n)
		records += n
	}
	if records > 0 {
		fmt.Printf("  average per file: %.2fs\n", run.TotalProcessingTime/float64(records))
	}
}

func runListIngestions(args []string) {
	fs := flag.NewFlagSet("list-ingestions", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file path.")
	runID := fs.String("run", "", "Narrow to one run id.")
	limit := fs.Int("limit", 50, "Maximum records to show.")
	fs.Parse(args)

	led := openLedger(loadConfig(*configPath), zap.NewNop())
	recs, err := led.ListIngestions(*runID, *limit)
	if err != nil {
		log.Fatalf("failed to list ingestions: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPAGES\tFILE\tERROR")
	for _, rec := range recs {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n",
			rec.ID, rec.Status, rec.NumPages, rec.FilePath, truncate(rec.ErrorMessage, 60))
	}
	w.Flush()
}

func runIngestionDetails(args []string) {
	fs := flag.NewFlagSet("ingestion-details", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file path.")
	filePath := fs.String("file", "", "File path to look up (required).")
	fs.Parse(args)
	if *filePath == "" {
		fmt.Fprintln(os.Stderr, "usage: vellum ingestion-details -file PATH")
		os.Exit(2)
	}

	led := openLedger(loadConfig(*configPath), zap.NewNop())
	rec, err := led.GetIngestion(*filePath)
	if err != nil {
		log.Fatalf("failed to load ingestion record: %v", err)
	}
	if rec == nil {
		fmt.Printf("no ingestion record for %s\n", *filePath)
		os.Exit(1)
	}

	fmt.Printf("file: %s\n", rec.FilePath)
	fmt.Printf("  status: %s\n", rec.Status)
	fmt.Printf("  run: %s\n", rec.RunID)
	fmt.Printf("  ingested: %s\n", rec.IngestionTime.Format("2006-01-02 15:04:05"))
	fmt.Printf("  fingerprint: %s\n", rec.FileFingerprint)
	fmt.Printf("  size: %d bytes, pages: %d\n", rec.Filesize, rec.NumPages)
	fmt.Printf("  encrypted: %t, damaged: %t\n", rec.IsEncrypted, rec.IsDamaged)
	if rec.ErrorMessage != "" {
		fmt.Printf("  error: %s\n", rec.ErrorMessage)
	}
	if rec.EncodingTypes != "" {
		fmt.Printf("  encodings: %s\n", rec.EncodingTypes)
	}
	printJSONField("issues", rec.Issues)
	printJSONField("fonts", rec.Fonts)
	printJSONField("analysis", rec.AnalysisResult)
}

func runQuery(args []string) {
	fs := flag.NewFlagSet("query", flag.ExitOnError)
	configPath := fs.String("config", "", "YAML config file path.")
	collection := fs.String("collection", "", "Collection to search (required).")
	queryText := fs.String("query", "", "Query text (required).")
	limit := fs.Int("limit", 5, "Maximum hits to show.")
	fs.Parse(args)
	if *collection == "" || *queryText == "" {
		fmt.Fprintln(os.Stderr, "usage: vellum query -collection NAME -query TEXT")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := loadConfig(*configPath)
	store := buildVectorStore(ctx, cfg)
	embedder := embedding.NewTEIClient(cfg.Embedding.URL, cfg.Embedding.Timeout())

	vectors, err := embedder.GetEmbeddings(ctx, []string{*queryText})
	if err != nil {
		log.Fatalf("failed to embed query: %v", err)
	}
	hits, err := store.Search(ctx, *collection, vectors[0], *limit)
	if err != nil {
		log.Fatalf("search failed: %v", err)
	}

	if len(hits) == 0 {
		fmt.Println("no results")
		return
	}
	for i, hit := range hits {
		fmt.Printf("%d. [%.4f] %s #%d\n", i+1, hit.Score, hit.FilePath, hit.ChunkIndex)
		fmt.Printf("   %s\n", truncate(strings.ReplaceAll(hit.Text, "\n", " "), 160))
	}
}

// =========
// Wiring helpers
// =========

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func openLedger(cfg *config.Config, logger *zap.Logger) *ledger.Ledger {
	db, err := ledger.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to open ledger database: %v", err)
	}
	return ledger.New(db, logger)
}

func buildVectorStore(ctx context.Context, cfg *config.Config) repository.VectorStore {
	switch cfg.Vector.Backend {
	case "qdrant":
		store, err := qdrantdb.NewStoreClient(cfg.Vector.Host, cfg.Vector.Port, uint64(cfg.Vector.Dimension))
		if err != nil {
			log.Fatalf("failed to connect to qdrant: %v", err)
		}
		return store
	case "weaviate":
		client, err := weaviatedb.NewClient(ctx, cfg.Vector.URL)
		if err != nil {
			log.Fatalf("failed to connect to weaviate: %v", err)
		}
		return weaviatedb.NewStoreClient(client)
	}
	log.Fatalf("unsupported vector backend %q", cfg.Vector.Backend)
	return nil
}

func buildChunker(cfg *config.Config) chunking.ChunkingClient {
	switch cfg.Chunking.Strategy {
	case "token":
		var tok chunking.Tokenizer
		var err error
		if cfg.Chunking.TokenizerPath != "" {
			tok, err = chunking.NewHFTokenizer(cfg.Chunking.TokenizerPath)
		} else {
			tok, err = chunking.NewTiktokenTokenizer()
		}
		if err != nil {
			log.Fatalf("failed to create tokenizer: %v", err)
		}
		chunker, err := chunking.NewTokenChunker(tok, cfg.Chunking.Size, cfg.Chunking.Overlap)
		if err != nil {
			log.Fatalf("failed to create chunker: %v", err)
		}
		return chunker
	case "recursive":
		chunker, err := chunking.NewRecursiveChunker(cfg.Chunking.Size, cfg.Chunking.Overlap)
		if err != nil {
			log.Fatalf("failed to create chunker: %v", err)
		}
		return chunker
	}
	log.Fatalf("unsupported chunking strategy %q", cfg.Chunking.Strategy)
	return nil
}

func printJSONField(name, raw string) {
	if raw == "" {
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, []byte(raw), "  ", "  "); err != nil {
		fmt.Printf("  %s: %s\n", name, raw)
		return
	}
	fmt.Printf("  %s: %s\n", name, buf.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
