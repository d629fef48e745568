package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vellum/analysis"
	"vellum/ledger"
	"vellum/pkg/chunking"
	"vellum/pkg/embedding"
	"vellum/pkg/extraction"
	"vellum/repository"
)

// Collection names double as vector store collection/class names, which
// must start with a capital letter.
var collectionNameRe = regexp.MustCompile(`^[A-Z][a-zA-Z0-9_]*$`)

// Options tune one ingestion run.
type Options struct {
	// Workers bounds how many files are processed at once.
	Workers int
	// RetryFailed reprocesses content whose prior attempts all failed.
	// Off by default, so a rerun skips everything it already saw.
	RetryFailed bool
	// EmbedBatchSize caps how many chunk texts go to the embedder per call.
	EmbedBatchSize int
	// MaxRetries and BaseDelay shape the backoff for transient embedder
	// and vector store failures.
	MaxRetries int
	BaseDelay  time.Duration
	// ShutdownGrace is how long in-flight files may keep running after a
	// stop signal before they are cut off.
	ShutdownGrace time.Duration
	// RunID pins the run id; empty means generate one.
	RunID string
	// RunName is carried in the run metadata for display.
	RunName string
	// Metadata entries are merged into the run metadata. The collection
	// key is reserved.
	Metadata map[string]string
	// ExtractOptions are forwarded to the extraction worker on every
	// request.
	ExtractOptions extraction.Options
}

func DefaultOptions() Options {
	return Options{
		Workers:        4,
		EmbedBatchSize: 32,
		MaxRetries:     3,
		BaseDelay:      100 * time.Millisecond,
		ShutdownGrace:  30 * time.Second,
	}
}

// Analyzer inspects raw PDF bytes and flags anything that makes the file
// unacceptable or worth a warning.
type Analyzer interface {
	Analyze(path string, raw []byte, extractedText string) (*analysis.Result, error)
}

// Ingestor drives PDF files through extraction, analysis, chunking,
// embedding and storage, recording every outcome in the run ledger.
type Ingestor struct {
	extractor extraction.TextExtractor
	analyzer  Analyzer
	chunker   chunking.ChunkingClient
	embedder  embedding.Client
	store     repository.VectorStore
	ledger    *ledger.Ledger
	opts      Options
	logger    *zap.Logger
}

func NewIngestor(
	extractor extraction.TextExtractor,
	analyzer Analyzer,
	chunker chunking.ChunkingClient,
	embedder embedding.Client,
	store repository.VectorStore,
	led *ledger.Ledger,
	opts Options,
	logger *zap.Logger,
) (*Ingestor, error) {
	if extractor == nil || analyzer == nil || chunker == nil || embedder == nil || store == nil || led == nil {
		return nil, errors.New("ingestor requires extractor, analyzer, chunker, embedder, store and ledger")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 32
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		extractor: extractor,
		analyzer:  analyzer,
		chunker:   chunker,
		embedder:  embedder,
		store:     store,
		ledger:    led,
		opts:      opts,
		logger:    logger,
	}, nil
}

// Run ingests every PDF under the given inputs into the collection and
// returns the finalized run. Per-file failures are recorded in the ledger
// and never returned; only setup faults (bad collection name, missing
// path, unreachable store or ledger) escape. Cancelling ctx stops
// dispatch, lets in-flight files finish within the shutdown grace, and
// still finalizes the run.
func (in *Ingestor) Run(ctx context.Context, inputs []string, collection string) (*ledger.Run, error) {
	if !collectionNameRe.MatchString(collection) {
		return nil, fmt.Errorf("invalid collection name %q: must start with a capital letter and contain only letters, digits and underscores", collection)
	}
	if len(inputs) == 0 {
		return nil, errors.New("no input paths given")
	}

	files, err := FindPDFFiles(inputs)
	if err != nil {
		return nil, err
	}
	if err := in.store.EnsureCollection(ctx, collection); err != nil {
		return nil, err
	}

	metadata := map[string]string{"collection": collection}
	for k, v := range in.opts.Metadata {
		if k == "collection" {
			continue
		}
		metadata[k] = v
	}
	if in.opts.RunName != "" {
		metadata["run_name"] = in.opts.RunName
	}
	run, err := in.ledger.StartRun(in.opts.RunID, len(files), metadata)
	if err != nil {
		return nil, err
	}

	in.logger.Info("ingestion run started",
		zap.String("run_id", run.RunID),
		zap.String("collection", collection),
		zap.Int("files", len(files)),
		zap.Int("workers", in.opts.Workers))

	// Workers run on their own context so a caller cancellation does not
	// cut off in-flight files immediately; they get the shutdown grace to
	// finish and record their outcome.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go func() {
		select {
		case <-ctx.Done():
		case <-workerCtx.Done():
			return
		}
		t := time.NewTimer(in.opts.ShutdownGrace)
		defer t.Stop()
		select {
		case <-t.C:
			cancelWorkers()
		case <-workerCtx.Done():
		}
	}()

	var g errgroup.Group
	g.SetLimit(in.opts.Workers)

dispatch:
	for _, path := range files {
		select {
		case <-ctx.Done():
			in.logger.Warn("stop signal received, halting dispatch",
				zap.String("run_id", run.RunID))
			break dispatch
		default:
		}
		g.Go(func() error {
			// The stop signal may have landed while this file sat in the
			// dispatch queue.
			if ctx.Err() != nil {
				return nil
			}
			in.processOne(workerCtx, run.RunID, collection, path)
			return nil
		})
	}
	_ = g.Wait()
	cancelWorkers()

	final, err := in.ledger.FinalizeRun(run.RunID)
	if err != nil {
		return run, fmt.Errorf("failed to finalize run %s: %w", run.RunID, err)
	}

	in.logger.Info("ingestion run finalized",
		zap.String("run_id", final.RunID),
		zap.String("status", final.Status),
		zap.Int("total", final.TotalFiles),
		zap.Int("processed", final.ProcessedFiles),
		zap.Int("failed", final.FailedFiles),
		zap.Int("skipped", final.SkippedFiles),
		zap.Float64("processing_seconds", final.TotalProcessingTime))
	return final, nil
}

// processOne drives a single file through the pipeline. Every outcome,
// including failure at any stage, is written to the ledger before the
// worker moves on.
func (in *Ingestor) processOne(ctx context.Context, runID, collection, path string) {
	start := time.Now()
	logger := in.logger.With(zap.String("run_id", runID), zap.String("file", path))

	rec := &ledger.IngestionRecord{FilePath: path}

	info, err := os.Stat(path)
	if err != nil {
		in.recordError(runID, rec, fmt.Sprintf("failed to stat file: %v", err), start, logger)
		return
	}
	rec.Filesize = info.Size()
	rec.FileMtime = info.ModTime().UTC()

	raw, err := os.ReadFile(path)
	if err != nil {
		in.recordError(runID, rec, fmt.Sprintf("failed to read file: %v", err), start, logger)
		return
	}
	rec.FileFingerprint = Fingerprint(raw)

	needs, err := in.ledger.NeedsProcessing(collection, rec.FileFingerprint, in.opts.RetryFailed)
	if err != nil {
		in.recordError(runID, rec, fmt.Sprintf("failed to check prior ingestions: %v", err), start, logger)
		return
	}
	if !needs {
		rec.Status = ledger.FileStatusSkipped
		in.record(runID, rec, start, logger)
		logger.Info("file skipped, content already ingested",
			zap.String("fingerprint", rec.FileFingerprint))
		return
	}

	var text string
	extracted, extractErr := in.extractor.Extract(ctx, extraction.Request{
		Path:    path,
		Options: in.opts.ExtractOptions,
	})
	if extracted != nil {
		text = extracted.Text
		for _, w := range extracted.Warnings {
			logger.Warn("extraction warning", zap.String("warning", w))
		}
	}

	// The analyzer works on the raw bytes, so it still yields flags when
	// extraction failed.
	result, analysisErr := in.analyzer.Analyze(path, raw, text)
	if analysisErr == nil {
		rec.ApplyAnalysis(result)
	}

	if extractErr != nil {
		in.recordError(runID, rec, extractErr.Error(), start, logger)
		return
	}
	if analysisErr != nil {
		in.recordError(runID, rec, analysisErr.Error(), start, logger)
		return
	}
	if ok, reason := result.Acceptable(); !ok {
		in.recordError(runID, rec, reason, start, logger)
		return
	}
	if strings.TrimSpace(text) == "" {
		in.recordError(runID, rec, "no extractable text", start, logger)
		return
	}

	chunks, err := in.chunker.ChunkText(text)
	if err != nil {
		in.recordError(runID, rec, fmt.Sprintf("failed to chunk text: %v", err), start, logger)
		return
	}
	if len(chunks) == 0 {
		in.recordError(runID, rec, "chunking produced no chunks", start, logger)
		return
	}

	vectors, err := in.embedChunks(ctx, chunks)
	if err != nil {
		in.recordError(runID, rec, err.Error(), start, logger)
		return
	}

	docs := make([]repository.ChunkDoc, len(chunks))
	storedAt := time.Now().UTC()
	for i, c := range chunks {
		docs[i] = repository.ChunkDoc{
			FilePath:    path,
			Fingerprint: rec.FileFingerprint,
			RunID:       runID,
			ChunkIndex:  c.Index,
			TotalChunks: len(chunks),
			Text:        c.Text,
			Vector:      vectors[i],
			StoredAt:    storedAt,
		}
	}

	// Replace whatever an earlier run stored for this path, then write
	// the new chunks. Both sides tolerate transient store hiccups.
	err = in.retry(ctx, func() error {
		return in.store.DeleteByPath(ctx, collection, path)
	})
	if err != nil {
		in.recordError(runID, rec, err.Error(), start, logger)
		return
	}
	err = in.retry(ctx, func() error {
		return in.store.UpsertFileChunks(ctx, collection, docs)
	})
	if err != nil {
		in.recordError(runID, rec, err.Error(), start, logger)
		return
	}

	rec.Status = ledger.FileStatusSuccess
	in.record(runID, rec, start, logger)
	logger.Info("file ingested",
		zap.Int("pages", rec.NumPages),
		zap.Int("chunks", len(chunks)),
		zap.Duration("took", time.Since(start)))
}

func (in *Ingestor) recordError(runID string, rec *ledger.IngestionRecord, msg string, start time.Time, logger *zap.Logger) {
	rec.Status = ledger.FileStatusError
	rec.ErrorMessage = msg
	in.record(runID, rec, start, logger)
	logger.Warn("file failed", zap.String("reason", msg))
}

func (in *Ingestor) record(runID string, rec *ledger.IngestionRecord, start time.Time, logger *zap.Logger) {
	if err := in.ledger.RecordFile(runID, rec, time.Since(start)); err != nil {
		logger.Error("failed to record file outcome", zap.Error(err))
	}
}

func (in *Ingestor) embedChunks(ctx context.Context, chunks []chunking.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for batchStart := 0; batchStart < len(chunks); batchStart += in.opts.EmbedBatchSize {
		end := batchStart + in.opts.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-batchStart)
		for _, c := range chunks[batchStart:end] {
			texts = append(texts, c.Text)
		}

		var batch [][]float32
		err := in.retry(ctx, func() error {
			var err error
			batch, err = in.embedder.GetEmbeddings(ctx, texts)
			return err
		})
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (in *Ingestor) retry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= in.opts.MaxRetries; attempt++ {
		if err := op(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		// Don't wait after the last attempt.
		if attempt < in.opts.MaxRetries {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(in.backoffDelay(attempt)):
			}
		}
	}
	return lastErr
}

func (in *Ingestor) backoffDelay(attempt int) time.Duration {
	delay := float64(in.opts.BaseDelay) * math.Pow(2, float64(attempt))

	// Up to 25% jitter.
	jitter := delay * 0.25 * (0.5 - (float64(time.Now().UnixNano()%1000) / 1000))

	return time.Duration(delay + jitter)
}
