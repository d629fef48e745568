package ledger

import (
	"encoding/json"
	"time"

	"vellum/analysis"
)

const (
	RunStatusRunning             = "running"
	RunStatusCompleted           = "completed"
	RunStatusCompletedWithErrors = "completed_with_errors"
	RunStatusFailed              = "failed"
)

const (
	FileStatusSuccess = "success"
	FileStatusError   = "error"
	FileStatusSkipped = "skipped"
)

// Run is one orchestration attempt over a batch of files. Counters only
// grow while the run is in status running; FinalizeRun seals it.
type Run struct {
	RunID               string     `gorm:"column:run_id;primaryKey;size:64"`
	StartTime           time.Time  `gorm:"column:start_time"`
	EndTime             *time.Time `gorm:"column:end_time"`
	Status              string     `gorm:"column:status;index;size:32"`
	TotalFiles          int        `gorm:"column:total_files"`
	ProcessedFiles      int        `gorm:"column:processed_files"`
	FailedFiles         int        `gorm:"column:failed_files"`
	SkippedFiles        int        `gorm:"column:skipped_files"`
	TotalProcessingTime float64    `gorm:"column:total_processing_time"`
	Metadata            string     `gorm:"column:metadata;type:text"`
}

func (Run) TableName() string { return "runs" }

// MetadataMap decodes the metadata JSON column. A run with no metadata
// yields an empty map.
func (r *Run) MetadataMap() map[string]string {
	out := make(map[string]string)
	if r.Metadata == "" {
		return out
	}
	_ = json.Unmarshal([]byte(r.Metadata), &out)
	return out
}

// IngestionRecord is one file outcome within a run. The unique index on
// (run_id, file_path) keeps a run from recording the same file twice.
type IngestionRecord struct {
	ID              uint      `gorm:"column:id;primaryKey"`
	FilePath        string    `gorm:"column:file_path;index;size:1024;uniqueIndex:uniq_run_path"`
	Status          string    `gorm:"column:status;index;size:16"`
	ErrorMessage    string    `gorm:"column:error_message;type:text"`
	Issues          string    `gorm:"column:issues;type:text"`
	IngestionTime   time.Time `gorm:"column:ingestion_time;index"`
	EncodingTypes   string    `gorm:"column:encoding_types;type:text"`
	IsEncrypted     bool      `gorm:"column:is_encrypted"`
	IsDamaged       bool      `gorm:"column:is_damaged"`
	NumPages        int       `gorm:"column:num_pages"`
	Filesize        int64     `gorm:"column:filesize"`
	Fonts           string    `gorm:"column:fonts;type:text"`
	AnalysisResult  string    `gorm:"column:analysis_result;type:text"`
	RunID           string    `gorm:"column:run_id;index;size:64;uniqueIndex:uniq_run_path"`
	FileFingerprint string    `gorm:"column:file_fingerprint;index;size:64"`
	FileMtime       time.Time `gorm:"column:file_mtime"`
}

func (IngestionRecord) TableName() string { return "ingestion_log" }

// ApplyAnalysis denormalizes an analysis result onto the record so the
// common diagnosis fields are queryable without unpacking JSON.
func (r *IngestionRecord) ApplyAnalysis(result *analysis.Result) {
	if result == nil {
		return
	}
	r.IsEncrypted = result.Encrypted
	r.IsDamaged = result.Damaged
	r.NumPages = result.PageCount
	r.Filesize = result.FileSize
	if names := result.EncodingNames(); len(names) > 0 {
		if b, err := json.Marshal(names); err == nil {
			r.EncodingTypes = string(b)
		}
	}
	if len(result.Issues) > 0 {
		if b, err := json.Marshal(result.Issues); err == nil {
			r.Issues = string(b)
		}
	}
	if len(result.Fonts) > 0 {
		if b, err := json.Marshal(result.Fonts); err == nil {
			r.Fonts = string(b)
		}
	}
	if b, err := json.Marshal(result); err == nil {
		r.AnalysisResult = string(b)
	}
}
