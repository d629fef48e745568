package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"

	"go.uber.org/zap"

	"vellum/analysis"
	"vellum/ledger"
	"vellum/pkg/chunking"
	"vellum/pkg/embedding"
	"vellum/pkg/extraction"
	"vellum/repository"
)

const defaultText = "alpha beta gamma delta epsilon zeta eta theta iota kappa lambda mu"

// wsTokenizer splits on whitespace so chunk layouts are easy to predict.
type wsTokenizer struct{}

func (wsTokenizer) Spans(text string) ([]chunking.Span, error) {
	var spans []chunking.Span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, chunking.Span{Start: start, End: i})
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, chunking.Span{Start: start, End: len(text)})
	}
	return spans, nil
}

type fakeAnalyzer struct {
	byPath map[string]*analysis.Result
	err    error
}

func (a *fakeAnalyzer) Analyze(path string, raw []byte, extractedText string) (*analysis.Result, error) {
	if a.err != nil {
		return nil, a.err
	}
	if r, ok := a.byPath[path]; ok {
		return r, nil
	}
	return &analysis.Result{FilePath: path, FileSize: int64(len(raw)), PageCount: 1}, nil
}

type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	failNext int
}

func (e *fakeEmbedder) GetEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failNext > 0 {
		e.failNext--
		return nil, &embedding.EmbeddingError{Err: errors.New("backend unavailable")}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0, 0}
	}
	return out, nil
}

type fakeStore struct {
	mu          sync.Mutex
	collections map[string]bool
	docs        map[string][]repository.ChunkDoc
	failEnsure  bool
	failUpserts int
	upserts     int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		collections: make(map[string]bool),
		docs:        make(map[string][]repository.ChunkDoc),
	}
}

func storeKey(collection, path string) string {
	return collection + "\x00" + path
}

func (s *fakeStore) EnsureCollection(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failEnsure {
		return &repository.StoreError{Op: "ensure collection", Err: errors.New("unreachable")}
	}
	s.collections[collection] = true
	return nil
}

func (s *fakeStore) UpsertFileChunks(ctx context.Context, collection string, docs []repository.ChunkDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUpserts > 0 {
		s.failUpserts--
		return &repository.StoreError{Op: "upsert", Err: errors.New("unavailable")}
	}
	if len(docs) == 0 {
		return nil
	}
	s.docs[storeKey(collection, docs[0].FilePath)] = docs
	s.upserts++
	return nil
}

func (s *fakeStore) DeleteByPath(ctx context.Context, collection, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, storeKey(collection, filePath))
	return nil
}

func (s *fakeStore) Search(ctx context.Context, collection string, vector []float32, limit int) ([]repository.SearchHit, error) {
	return nil, nil
}

func (s *fakeStore) Count(ctx context.Context, collection string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for key, docs := range s.docs {
		if strings.HasPrefix(key, collection+"\x00") {
			n += uint64(len(docs))
		}
	}
	return n, nil
}

func (s *fakeStore) chunksFor(collection, path string) []repository.ChunkDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[storeKey(collection, path)]
}

// rig wires an Ingestor from fakes plus a real temp-file ledger, so tests
// exercise the same transactional paths production uses.
type rig struct {
	dir       string
	extractor *extraction.Fake
	analyzer  *fakeAnalyzer
	embedder  *fakeEmbedder
	store     *fakeStore
	led       *ledger.Ledger
	opts      Options
}

func newRig(t *testing.T) *rig {
	t.Helper()
	db, err := ledger.Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("failed to open ledger: %v", err)
	}
	opts := DefaultOptions()
	opts.BaseDelay = time.Millisecond
	opts.ShutdownGrace = 5 * time.Second
	return &rig{
		dir:       t.TempDir(),
		extractor: &extraction.Fake{Default: &extraction.FakeResult{Text: defaultText}},
		analyzer:  &fakeAnalyzer{byPath: map[string]*analysis.Result{}},
		embedder:  &fakeEmbedder{},
		store:     newFakeStore(),
		led:       ledger.New(db, zap.NewNop()),
		opts:      opts,
	}
}

func (r *rig) ingestor(t *testing.T) *Ingestor {
	t.Helper()
	chunker, err := chunking.NewTokenChunker(wsTokenizer{}, 8, 2)
	if err != nil {
		t.Fatalf("failed to build chunker: %v", err)
	}
	ing, err := NewIngestor(r.extractor, r.analyzer, chunker, r.embedder, r.store, r.led, r.opts, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build ingestor: %v", err)
	}
	return ing
}

func (r *rig) pdf(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(r.dir, name)
	writeFile(t, path)
	return path
}

func TestRun_HappyPath(t *testing.T) {
	r := newRig(t)
	r.pdf(t, "a.pdf")
	r.pdf(t, "b.pdf")

	run, err := r.ingestor(t).Run(context.Background(), []string{r.dir}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Status != ledger.RunStatusCompleted {
		t.Errorf("expected status %q, got %q", ledger.RunStatusCompleted, run.Status)
	}
	if run.TotalFiles != 2 || run.ProcessedFiles != 2 || run.FailedFiles != 0 || run.SkippedFiles != 0 {
		t.Errorf("unexpected counters: total=%d processed=%d failed=%d skipped=%d",
			run.TotalFiles, run.ProcessedFiles, run.FailedFiles, run.SkippedFiles)
	}
	if run.EndTime == nil {
		t.Error("expected end time to be set")
	}
	if run.TotalProcessingTime <= 0 {
		t.Error("expected cumulative processing time to be positive")
	}
	if !r.store.collections["Docs"] {
		t.Error("expected collection to be ensured")
	}

	n, err := r.store.Count(context.Background(), "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n == 0 {
		t.Error("expected chunks in the store")
	}

	recs, err := r.led.ListIngestions(run.RunID, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 ingestion records, got %d", len(recs))
	}
	for _, rec := range recs {
		if rec.Status != ledger.FileStatusSuccess {
			t.Errorf("expected success for %s, got %q (%s)", rec.FilePath, rec.Status, rec.ErrorMessage)
		}
		if len(rec.FileFingerprint) != 64 {
			t.Errorf("expected a sha256 fingerprint, got %q", rec.FileFingerprint)
		}
		if rec.NumPages != 1 || rec.Filesize == 0 {
			t.Errorf("expected analysis fields on %s, got pages=%d size=%d",
				rec.FilePath, rec.NumPages, rec.Filesize)
		}
		if rec.FileMtime.IsZero() {
			t.Errorf("expected mtime on %s", rec.FilePath)
		}
	}
}

func TestRun_MixedBatch(t *testing.T) {
	r := newRig(t)
	clean := r.pdf(t, "clean.pdf")
	encrypted := r.pdf(t, "encrypted.pdf")
	timeout := r.pdf(t, "timeout.pdf")

	r.analyzer.byPath[encrypted] = &analysis.Result{
		FilePath:  encrypted,
		PageCount: 1,
		Encrypted: true,
		Issues: []analysis.Issue{{
			Type:        analysis.IssuePasswordProtected,
			Description: "PDF is password protected",
			Severity:    analysis.SeverityHigh,
		}},
	}
	r.extractor.ByPath = map[string]extraction.FakeResult{
		timeout: {Err: &extraction.ExtractionError{Kind: extraction.Timeout, Detail: "worker killed after 60s"}},
	}

	run, err := r.ingestor(t).Run(context.Background(), []string{r.dir}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Status != ledger.RunStatusCompletedWithErrors {
		t.Errorf("expected status %q, got %q", ledger.RunStatusCompletedWithErrors, run.Status)
	}
	if run.ProcessedFiles != 1 || run.FailedFiles != 2 || run.SkippedFiles != 0 {
		t.Errorf("expected counters 1/2/0, got %d/%d/%d",
			run.ProcessedFiles, run.FailedFiles, run.SkippedFiles)
	}

	if got := r.store.chunksFor("Docs", clean); len(got) == 0 {
		t.Error("expected chunks for the clean file")
	}
	if got := r.store.chunksFor("Docs", encrypted); got != nil {
		t.Error("expected no chunks for the encrypted file")
	}
	if got := r.store.chunksFor("Docs", timeout); got != nil {
		t.Error("expected no chunks for the timed-out file")
	}

	rec, err := r.led.GetIngestion(timeout)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil || !strings.Contains(rec.ErrorMessage, "timeout") {
		t.Errorf("expected a timeout error message, got %+v", rec)
	}

	// An immediate rerun sees a record for every fingerprint, including the
	// failed ones, and skips the whole batch.
	rerun, err := r.ingestor(t).Run(context.Background(), []string{r.dir}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rerun.TotalFiles != 3 || rerun.ProcessedFiles != 0 || rerun.SkippedFiles != 3 {
		t.Errorf("expected rerun counters 3 total, 0 processed, 3 skipped, got %d/%d/%d",
			rerun.TotalFiles, rerun.ProcessedFiles, rerun.SkippedFiles)
	}
	if rerun.Status != ledger.RunStatusFailed {
		t.Errorf("expected all-skipped rerun to finalize as %q, got %q",
			ledger.RunStatusFailed, rerun.Status)
	}
}

func TestRun_IdempotentRerun(t *testing.T) {
	r := newRig(t)
	r.pdf(t, "a.pdf")
	r.pdf(t, "b.pdf")
	ing := r.ingestor(t)

	first, err := ing.Run(context.Background(), []string{r.dir}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ProcessedFiles != 2 {
		t.Fatalf("expected 2 processed, got %d", first.ProcessedFiles)
	}
	countAfterFirst, err := r.store.Count(context.Background(), "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	upsertsAfterFirst := r.store.upserts

	second, err := ing.Run(context.Background(), []string{r.dir}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.TotalFiles != 2 || second.ProcessedFiles != 0 || second.SkippedFiles != 2 {
		t.Errorf("expected a fully skipped rerun, got total=%d processed=%d skipped=%d",
			second.TotalFiles, second.ProcessedFiles, second.SkippedFiles)
	}

	countAfterSecond, err := r.store.Count(context.Background(), "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if countAfterSecond != countAfterFirst {
		t.Errorf("expected vector count to stay at %d, got %d", countAfterFirst, countAfterSecond)
	}
	if r.store.upserts != upsertsAfterFirst {
		t.Errorf("expected no new upserts, got %d", r.store.upserts-upsertsAfterFirst)
	}

	// One success record per file across both runs, plus the skips.
	recs, err := r.led.ListIngestions("", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var successes, skips int
	for _, rec := range recs {
		switch rec.Status {
		case ledger.FileStatusSuccess:
			successes++
		case ledger.FileStatusSkipped:
			skips++
		}
	}
	if successes != 2 || skips != 2 {
		t.Errorf("expected 2 successes and 2 skips, got %d and %d", successes, skips)
	}
}

func TestRun_RetryFailedPolicy(t *testing.T) {
	r := newRig(t)
	clean := r.pdf(t, "clean.pdf")
	broken := r.pdf(t, "broken.pdf")
	r.extractor.ByPath = map[string]extraction.FakeResult{
		broken: {Err: &extraction.ExtractionError{Kind: extraction.WorkerFailure, Detail: "worker exited with code 1"}},
	}

	first, err := r.ingestor(t).Run(context.Background(), []string{r.dir}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ProcessedFiles != 1 || first.FailedFiles != 1 {
		t.Fatalf("expected counters 1/1, got %d/%d", first.ProcessedFiles, first.FailedFiles)
	}

	// Default policy: the earlier failure also blocks reprocessing.
	second, err := r.ingestor(t).Run(context.Background(), []string{r.dir}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.SkippedFiles != 2 || second.ProcessedFiles != 0 {
		t.Errorf("expected everything skipped, got processed=%d skipped=%d",
			second.ProcessedFiles, second.SkippedFiles)
	}
	if second.Status != ledger.RunStatusFailed {
		t.Errorf("expected a fully skipped rerun to derive %q, got %q",
			ledger.RunStatusFailed, second.Status)
	}

	// With RetryFailed only the prior success blocks; the fixed file goes
	// through the pipeline again.
	delete(r.extractor.ByPath, broken)
	r.opts.RetryFailed = true
	third, err := r.ingestor(t).Run(context.Background(), []string{r.dir}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third.ProcessedFiles != 1 || third.SkippedFiles != 1 || third.FailedFiles != 0 {
		t.Errorf("expected counters 1/0/1, got %d/%d/%d",
			third.ProcessedFiles, third.FailedFiles, third.SkippedFiles)
	}
	if got := r.store.chunksFor("Docs", broken); len(got) == 0 {
		t.Error("expected chunks for the reprocessed file")
	}
	if got := r.store.chunksFor("Docs", clean); len(got) == 0 {
		t.Error("expected the clean file's chunks to remain")
	}
}

func TestRun_ConcurrentCounters(t *testing.T) {
	r := newRig(t)
	const files = 50
	for i := 0; i < files; i++ {
		r.pdf(t, fmt.Sprintf("f%02d.pdf", i))
	}
	r.opts.Workers = 8

	run, err := r.ingestor(t).Run(context.Background(), []string{r.dir}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.TotalFiles != files {
		t.Fatalf("expected %d files, got %d", files, run.TotalFiles)
	}
	if run.ProcessedFiles != files || run.FailedFiles != 0 || run.SkippedFiles != 0 {
		t.Errorf("expected all %d processed, got %d/%d/%d",
			files, run.ProcessedFiles, run.FailedFiles, run.SkippedFiles)
	}
	if sum := run.ProcessedFiles + run.FailedFiles + run.SkippedFiles; sum != run.TotalFiles {
		t.Errorf("expected counters to partition total %d, got %d", run.TotalFiles, sum)
	}
}

func TestRun_Cancellation(t *testing.T) {
	r := newRig(t)
	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf", "d.pdf"} {
		r.pdf(t, name)
	}
	r.extractor.Delay = 300 * time.Millisecond
	r.opts.Workers = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	run, err := r.ingestor(t).Run(ctx, []string{r.dir}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if run.Status == ledger.RunStatusRunning {
		t.Fatalf("expected a finalized run, got status %q", run.Status)
	}
	if run.EndTime == nil {
		t.Error("expected end time on a cancelled run")
	}
	if run.ProcessedFiles >= run.TotalFiles {
		t.Errorf("expected dispatch to stop early, got %d of %d processed",
			run.ProcessedFiles, run.TotalFiles)
	}

	// The in-flight file got its grace period and recorded normally.
	if run.ProcessedFiles == 0 {
		t.Error("expected the in-flight file to finish within the grace period")
	}

	got, err := r.led.GetRun(run.RunID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status == ledger.RunStatusRunning {
		t.Errorf("expected the stored run to be finalized, got %q", got.Status)
	}
}

func TestRun_SetupFaults(t *testing.T) {
	t.Run("InvalidCollection", func(t *testing.T) {
		r := newRig(t)
		r.pdf(t, "a.pdf")
		if _, err := r.ingestor(t).Run(context.Background(), []string{r.dir}, "docs"); err == nil {
			t.Fatal("expected error for lowercase collection name")
		}
		runs, err := r.led.ListRuns(0)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(runs) != 0 {
			t.Errorf("expected no run to be started, got %d", len(runs))
		}
	})

	t.Run("MissingPath", func(t *testing.T) {
		r := newRig(t)
		if _, err := r.ingestor(t).Run(context.Background(), []string{"/does/not/exist"}, "Docs"); err == nil {
			t.Fatal("expected error for missing path")
		}
	})

	t.Run("UnreachableStore", func(t *testing.T) {
		r := newRig(t)
		r.pdf(t, "a.pdf")
		r.store.failEnsure = true
		_, err := r.ingestor(t).Run(context.Background(), []string{r.dir}, "Docs")
		var storeErr *repository.StoreError
		if !errors.As(err, &storeErr) {
			t.Fatalf("expected StoreError, got %v", err)
		}
	})

	t.Run("NoInputs", func(t *testing.T) {
		r := newRig(t)
		if _, err := r.ingestor(t).Run(context.Background(), nil, "Docs"); err == nil {
			t.Fatal("expected error for empty input list")
		}
	})
}

func TestRun_EmptyTextRecordsError(t *testing.T) {
	r := newRig(t)
	blank := r.pdf(t, "blank.pdf")
	r.extractor.ByPath = map[string]extraction.FakeResult{
		blank: {Text: "   \n  "},
	}

	run, err := r.ingestor(t).Run(context.Background(), []string{blank}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.FailedFiles != 1 {
		t.Fatalf("expected 1 failed file, got %d", run.FailedFiles)
	}

	rec, err := r.led.GetIngestion(blank)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil || !strings.Contains(rec.ErrorMessage, "no extractable text") {
		t.Errorf("expected a no-text error, got %+v", rec)
	}
}

func TestRun_EmbedderFailureRecordsError(t *testing.T) {
	r := newRig(t)
	path := r.pdf(t, "a.pdf")
	r.embedder.failNext = r.opts.MaxRetries + 1

	run, err := r.ingestor(t).Run(context.Background(), []string{path}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.Status != ledger.RunStatusFailed {
		t.Errorf("expected status %q, got %q", ledger.RunStatusFailed, run.Status)
	}
	if run.FailedFiles != 1 {
		t.Errorf("expected 1 failed file, got %d", run.FailedFiles)
	}
	if r.store.upserts != 0 {
		t.Errorf("expected no vectors stored, got %d upserts", r.store.upserts)
	}

	rec, err := r.led.GetIngestion(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec == nil || !strings.Contains(rec.ErrorMessage, "embedding failed") {
		t.Errorf("expected an embedding error message, got %+v", rec)
	}
}

func TestRun_StoreRetryRecovers(t *testing.T) {
	r := newRig(t)
	path := r.pdf(t, "a.pdf")
	r.store.failUpserts = 2

	run, err := r.ingestor(t).Run(context.Background(), []string{path}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.ProcessedFiles != 1 || run.FailedFiles != 0 {
		t.Errorf("expected the upsert to recover, got processed=%d failed=%d",
			run.ProcessedFiles, run.FailedFiles)
	}
	if got := r.store.chunksFor("Docs", path); len(got) == 0 {
		t.Error("expected chunks in the store after retries")
	}
}

func TestRun_ChunkMetadata(t *testing.T) {
	r := newRig(t)
	path := r.pdf(t, "a.pdf")

	run, err := r.ingestor(t).Run(context.Background(), []string{path}, "Docs")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	docs := r.store.chunksFor("Docs", path)
	if len(docs) == 0 {
		t.Fatal("expected stored chunks")
	}
	for i, doc := range docs {
		if doc.ChunkIndex != i {
			t.Errorf("expected chunk index %d, got %d", i, doc.ChunkIndex)
		}
		if doc.TotalChunks != len(docs) {
			t.Errorf("expected total %d, got %d", len(docs), doc.TotalChunks)
		}
		if doc.RunID != run.RunID {
			t.Errorf("expected run id %s, got %s", run.RunID, doc.RunID)
		}
		if doc.FilePath != path || doc.Fingerprint == "" || len(doc.Vector) == 0 {
			t.Errorf("incomplete chunk metadata: %+v", doc)
		}
	}
}
