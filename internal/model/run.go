package model

import "time"

// ImportStatus is the terminal state of an import run.
type ImportStatus string

const (
	ImportCompleted ImportStatus = "completed"
	ImportFailed    ImportStatus = "failed"
)

// ImportRun summarizes one importer invocation against one file.
type ImportRun struct {
	ID              string       `json:"id" yaml:"id"`
	SourceFile      string       `json:"source_file" yaml:"source_file"`
	SourceSize      int64        `json:"source_size" yaml:"source_size"`
	SourceSHA256    string       `json:"source_sha256" yaml:"source_sha256"`
	Variant         Variant      `json:"-" yaml:"-"`
	VariantName     string       `json:"variant" yaml:"variant"`
	DetectionMethod string       `json:"detection_method" yaml:"detection_method"`
	Status          ImportStatus `json:"status" yaml:"status"`
	ErrorCode       string       `json:"error_code,omitempty" yaml:"error_code,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty" yaml:"error_message,omitempty"`
	Imported        int          `json:"imported" yaml:"imported"`
	Skipped         int          `json:"skipped" yaml:"skipped"`
	BelowCutoff     int          `json:"below_cutoff" yaml:"below_cutoff"`
	Failed          int          `json:"failed" yaml:"failed"`
	MinEventTime    *time.Time   `json:"min_event_time,omitempty" yaml:"min_event_time,omitempty"`
	MaxEventTime    *time.Time   `json:"max_event_time,omitempty" yaml:"max_event_time,omitempty"`
	StartedAt       time.Time    `json:"started_at" yaml:"started_at"`
	FinishedAt      time.Time    `json:"finished_at" yaml:"finished_at"`
}

// ObserveEvent widens the run's event time range to include t.
func (r *ImportRun) ObserveEvent(t time.Time) {
	if r.MinEventTime == nil || t.Before(*r.MinEventTime) {
		tt := t
		r.MinEventTime = &tt
	}
	if r.MaxEventTime == nil || t.After(*r.MaxEventTime) {
		tt := t
		r.MaxEventTime = &tt
	}
}

// RowError records a rejected row with its raw content.
type RowError struct {
	RowNumber int    `json:"row_number"`
	Message   string `json:"message"`
	Raw       string `json:"raw"`
}

// HighWaterMark is the last source row processed by an incremental operation.
type HighWaterMark struct {
	Source    string    `json:"source"`
	LastID    int64     `json:"last_id"`
	LastTime  time.Time `json:"last_time"`
	UpdatedAt time.Time `json:"updated_at"`
}
