package database

import (
	"context"
	"errors"
	"time"

	"github.com/cdtdelta/m365ir/internal/model"
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// SaveResult counts what SaveTimelineEvents did with each event.
type SaveResult struct {
	Added   int
	Updated int
	Skipped int
}

// ReportAnnotation is one row of the sign-in annotation view: an analyst note
// together with the sign-in it was written against.
type ReportAnnotation struct {
	AnnotationID    int64                `json:"annotation_id" yaml:"annotation_id"`
	EventID         int64                `json:"event_id" yaml:"event_id"`
	SignInID        int64                `json:"signin_id" yaml:"signin_id"`
	Timestamp       time.Time            `json:"timestamp" yaml:"timestamp"`
	Actor           string               `json:"actor" yaml:"actor"`
	IPAddress       string               `json:"ip_address" yaml:"ip_address"`
	Country         string               `json:"country" yaml:"country"`
	Type            model.AnnotationType `json:"type" yaml:"type"`
	Content         string               `json:"content" yaml:"content"`
	Author          string               `json:"author,omitempty" yaml:"author,omitempty"`
	IncludeInReport bool                 `json:"include_in_report" yaml:"include_in_report"`
	CreatedAt       time.Time            `json:"created_at" yaml:"created_at"`
}

// Store defines the interface for all database operations.
// Every method that the engine needs is captured here so that the importer,
// timeline builder and app depend on the interface, not on a concrete backend.
type Store interface {
	// Dialect returns the SQL dialect, for callers that build queries.
	Dialect() Dialect

	// Sign-in records
	InsertSignIns(ctx context.Context, recs []*model.SignIn) (inserted, skipped int, err error)
	CountSignIns(ctx context.Context) (int64, error)
	SignInsAfter(ctx context.Context, afterID int64, limit int) ([]*model.SignIn, error)
	UnbuiltSignIns(ctx context.Context, afterID, throughID int64, limit int) ([]*model.SignIn, error)
	GetSignIn(ctx context.Context, id int64) (*model.SignIn, error)

	// Import history
	RecordImportRun(ctx context.Context, run *model.ImportRun, rowErrors []model.RowError) error
	ListImportRuns(ctx context.Context, limit int) ([]*model.ImportRun, error)
	RowErrors(ctx context.Context, runID string) ([]model.RowError, error)
	LatestEventTime(ctx context.Context, variant model.Variant) (time.Time, bool, error)

	// High-water marks
	HighWaterMark(ctx context.Context, source string) (*model.HighWaterMark, error)

	// Timeline
	SaveTimelineEvents(ctx context.Context, events []*model.TimelineEvent, overwrite bool) (SaveResult, error)
	ActiveTimelineEvents(ctx context.Context) ([]*model.TimelineEvent, error)
	ListPhases(ctx context.Context) ([]*model.TimelinePhase, error)
	CompleteBuild(ctx context.Context, b *model.TimelineBuild, phases []*model.TimelinePhase, hwm *model.HighWaterMark) error
	RecordBuild(ctx context.Context, b *model.TimelineBuild) error
	ListBuilds(ctx context.Context, limit int) ([]*model.TimelineBuild, error)
	GetTimelineEvent(ctx context.Context, id int64) (*model.TimelineEvent, error)
	ExcludeEvent(ctx context.Context, id int64, reason string) error

	// Query execution for pre-built SQL (from query.Build).
	// The scan order matches model.TimelineColumns.
	ExecuteTimelineQuery(ctx context.Context, sql string, args []any) ([]*model.TimelineEvent, error)
	ExecuteCountQuery(ctx context.Context, sql string, args []any) (int64, error)

	// Annotations
	AddAnnotation(ctx context.Context, a *model.TimelineAnnotation) error
	ListAnnotations(ctx context.Context, eventID int64) ([]*model.TimelineAnnotation, error)
	ReportAnnotations(ctx context.Context) ([]*ReportAnnotation, error)

	// Schema and lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
