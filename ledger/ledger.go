package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrRunNotFound = errors.New("run not found")

// DuplicateRunError is returned by StartRun when the run id is taken.
type DuplicateRunError struct {
	RunID string
}

func (e *DuplicateRunError) Error() string {
	return fmt.Sprintf("run %q already exists", e.RunID)
}

// RunClosedError is returned for any write against a finalized run.
type RunClosedError struct {
	RunID  string
	Status string
}

func (e *RunClosedError) Error() string {
	return fmt.Sprintf("run %q is already finalized with status %q", e.RunID, e.Status)
}

type Ledger struct {
	db     *gorm.DB
	logger *zap.Logger
}

func New(db *gorm.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// StartRun creates a run in status running. An empty runID gets a
// generated UUID. Starting an id that already exists fails with
// DuplicateRunError no matter what state the previous run is in.
func (l *Ledger) StartRun(runID string, totalFiles int, metadata map[string]string) (*Run, error) {
	if runID == "" {
		runID = uuid.NewString()
	}

	metaJSON := "{}"
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal run metadata: %w", err)
		}
		metaJSON = string(b)
	}

	run := &Run{
		RunID:      runID,
		StartTime:  time.Now().UTC(),
		Status:     RunStatusRunning,
		TotalFiles: totalFiles,
		Metadata:   metaJSON,
	}

	err := l.db.Transaction(func(tx *gorm.DB) error {
		var existing Run
		err := tx.Where("run_id = ?", runID).First(&existing).Error
		if err == nil {
			return &DuplicateRunError{RunID: runID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(run).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &DuplicateRunError{RunID: runID}
		}
		return nil, err
	}

	l.logger.Info("run started",
		zap.String("run_id", runID),
		zap.Int("total_files", totalFiles))
	return run, nil
}

// RecordFile appends one file outcome and bumps the owning run's counter
// for that status in the same transaction, so concurrent workers never
// lose an increment. processingTime is added to the run's cumulative
// processing time.
func (l *Ledger) RecordFile(runID string, rec *IngestionRecord, processingTime time.Duration) error {
	counterCol, ok := counterColumn(rec.Status)
	if !ok {
		return fmt.Errorf("invalid ingestion status %q", rec.Status)
	}

	rec.RunID = runID
	if rec.IngestionTime.IsZero() {
		rec.IngestionTime = time.Now().UTC()
	}

	return l.db.Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.Where("run_id = ?", runID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			return err
		}
		if run.Status != RunStatusRunning {
			return &RunClosedError{RunID: runID, Status: run.Status}
		}
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		return tx.Model(&Run{}).Where("run_id = ?", runID).Updates(map[string]any{
			counterCol:              gorm.Expr(counterCol + " + 1"),
			"total_processing_time": gorm.Expr("total_processing_time + ?", processingTime.Seconds()),
		}).Error
	})
}

// FinalizeRun seals the run and derives its terminal status: failed when
// nothing was processed out of a non-empty batch, completed_with_errors
// when any file failed, completed otherwise. A second call fails with
// RunClosedError.
func (l *Ledger) FinalizeRun(runID string) (*Run, error) {
	var finalized Run
	err := l.db.Transaction(func(tx *gorm.DB) error {
		var run Run
		if err := tx.Where("run_id = ?", runID).First(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			return err
		}
		if run.Status != RunStatusRunning {
			return &RunClosedError{RunID: runID, Status: run.Status}
		}

		status := RunStatusCompleted
		switch {
		case run.ProcessedFiles == 0 && run.TotalFiles >= 1:
			status = RunStatusFailed
		case run.FailedFiles > 0:
			status = RunStatusCompletedWithErrors
		}

		now := time.Now().UTC()
		if err := tx.Model(&Run{}).Where("run_id = ?", runID).Updates(map[string]any{
			"status":   status,
			"end_time": &now,
		}).Error; err != nil {
			return err
		}

		run.Status = status
		run.EndTime = &now
		finalized = run
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("run finalized",
		zap.String("run_id", finalized.RunID),
		zap.String("status", finalized.Status),
		zap.Int("processed", finalized.ProcessedFiles),
		zap.Int("failed", finalized.FailedFiles),
		zap.Int("skipped", finalized.SkippedFiles))
	return &finalized, nil
}

func (l *Ledger) GetRun(runID string) (*Run, error) {
	var run Run
	if err := l.db.Where("run_id = ?", runID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}
	return &run, nil
}

func (l *Ledger) ListRuns(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 100
	}
	var runs []Run
	if err := l.db.Order("start_time DESC").Limit(limit).Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// ListIngestions returns the newest records first, optionally narrowed
// to one run.
func (l *Ledger) ListIngestions(runID string, limit int) ([]IngestionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := l.db.Order("id DESC").Limit(limit)
	if runID != "" {
		q = q.Where("run_id = ?", runID)
	}
	var recs []IngestionRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// GetIngestion returns the most recent record for a file path, or nil
// when the file was never ingested.
func (l *Ledger) GetIngestion(filePath string) (*IngestionRecord, error) {
	var rec IngestionRecord
	err := l.db.Where("file_path = ?", filePath).Order("id DESC").First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// RunStats summarizes a run's ledger rows grouped by outcome.
type RunStats struct {
	Run          *Run
	StatusCounts map[string]int64
	TotalBytes   int64
	TotalPages   int64
}

func (l *Ledger) GetRunStats(runID string) (*RunStats, error) {
	run, err := l.GetRun(runID)
	if err != nil {
		return nil, err
	}

	type row struct {
		Status string
		N      int64
		Bytes  int64
		Pages  int64
	}
	var rows []row
	if err := l.db.Model(&IngestionRecord{}).
		Select("status, COUNT(*) AS n, COALESCE(SUM(filesize),0) AS bytes, COALESCE(SUM(num_pages),0) AS pages").
		Where("run_id = ?", runID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	stats := &RunStats{Run: run, StatusCounts: make(map[string]int64)}
	for _, r := range rows {
		stats.StatusCounts[r.Status] = r.N
		stats.TotalBytes += r.Bytes
		stats.TotalPages += r.Pages
	}
	return stats, nil
}

// FindByFingerprint returns the most recent record for a file fingerprint
// within a collection, or nil when the content was never ingested there.
// Collection scoping goes through the owning run's metadata.
func (l *Ledger) FindByFingerprint(collection, fingerprint string) (*IngestionRecord, error) {
	var rec IngestionRecord
	err := l.db.Where("file_fingerprint = ?", fingerprint).
		Where("run_id IN (?)", l.collectionRuns(collection)).
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// NeedsProcessing reports whether content with this fingerprint must be
// processed into the collection. With retryFailed only a prior success
// blocks reprocessing; otherwise any prior attempt does.
func (l *Ledger) NeedsProcessing(collection, fingerprint string, retryFailed bool) (bool, error) {
	q := l.db.Model(&IngestionRecord{}).
		Where("file_fingerprint = ?", fingerprint).
		Where("run_id IN (?)", l.collectionRuns(collection))
	if retryFailed {
		q = q.Where("status = ?", FileStatusSuccess)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, err
	}
	return n == 0, nil
}

// collectionRuns selects run ids whose metadata binds them to a
// collection. Collection names are restricted to [A-Za-z0-9_], so the
// LIKE pattern cannot be escaped from.
func (l *Ledger) collectionRuns(collection string) *gorm.DB {
	pattern := fmt.Sprintf(`%%"collection":"%s"%%`, collection)
	return l.db.Model(&Run{}).Select("run_id").Where("metadata LIKE ?", pattern)
}

func counterColumn(status string) (string, bool) {
	switch status {
	case FileStatusSuccess:
		return "processed_files", true
	case FileStatusError:
		return "failed_files", true
	case FileStatusSkipped:
		return "skipped_files", true
	default:
		return "", false
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "unique") || strings.Contains(s, "duplicate key")
}
