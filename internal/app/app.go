// Package app wires configuration, storage and the engine components into the
// operations the command line exposes.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/cdtdelta/m365ir/internal/config"
	"github.com/cdtdelta/m365ir/internal/database"
	"github.com/cdtdelta/m365ir/internal/importer"
	"github.com/cdtdelta/m365ir/internal/logging"
	"github.com/cdtdelta/m365ir/internal/metrics"
	"github.com/cdtdelta/m365ir/internal/model"
	"github.com/cdtdelta/m365ir/internal/schema"
	"github.com/cdtdelta/m365ir/internal/timeline"
	"github.com/cdtdelta/m365ir/internal/tln"
	"github.com/cdtdelta/m365ir/internal/transform"
)

// Version is set at build time.
var Version = "dev"

// App holds an open store and the components that operate on it.
type App struct {
	cfg      *config.Config
	log      *zap.Logger
	store    database.Store
	metrics  *metrics.Metrics
	rejects  *logging.RejectLog
	importer *importer.Importer
	builder  *timeline.Builder
}

// Open connects to the configured store, applying migrations, and builds the
// importer and timeline builder. A nil logger discards log output.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts, err := cfg.TransformOptions()
	if err != nil {
		return nil, err
	}
	tr, err := transform.New(opts)
	if err != nil {
		return nil, err
	}

	store, err := database.OpenStore(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Database.Driver, err)
	}

	a := &App{
		cfg:     cfg,
		log:     log,
		store:   store,
		metrics: metrics.New(),
		rejects: logging.NewRejectLog(cfg.Import.RejectLog, cfg.Logging),
	}
	a.importer, err = importer.New(importer.Config{
		Store:       store,
		Transformer: tr,
		BatchSize:   cfg.Import.BatchSize,
		Logger:      log.Named("importer"),
		Rejects:     a.rejects,
		Metrics:     a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.builder, err = timeline.NewBuilder(timeline.Config{
		Store:   store,
		Rules:   timeline.NewRules(cfg.Timeline.HomeCountries, cfg.Timeline.LegacyAuthClients),
		Logger:  log.Named("timeline"),
		Metrics: a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the store and the rejected-row log.
func (a *App) Close() error {
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
		a.store = nil
	}
	if a.rejects != nil {
		if err := a.rejects.Close(); err != nil {
			errs = append(errs, err)
		}
		a.rejects = nil
	}
	return errors.Join(errs...)
}

// -- Import --

// Import loads each file in turn. Runs are returned for every file, including
// the ones that failed; the error joins all file-level failures.
func (a *App) Import(ctx context.Context, paths []string, opts importer.Options) ([]*model.ImportRun, error) {
	runs, err := a.importer.ImportFiles(ctx, paths, opts)
	a.push(ctx)
	return runs, err
}

// Runs lists import history, newest first.
func (a *App) Runs(ctx context.Context, limit int) ([]*model.ImportRun, error) {
	return a.store.ListImportRuns(ctx, limit)
}

// RowErrors lists the rows rejected by one import run.
func (a *App) RowErrors(ctx context.Context, runID string) ([]model.RowError, error) {
	return a.store.RowErrors(ctx, runID)
}

// -- Schemas --

// SchemaInfo describes one registered layout.
type SchemaInfo struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Fingerprint []string `json:"fingerprint" yaml:"fingerprint"`
	Filename    []string `json:"filename_tokens,omitempty" yaml:"filename_tokens,omitempty"`
}

// Schemas lists the registered layouts in detection priority order.
func Schemas() []SchemaInfo {
	defs := schema.Definitions()
	out := make([]SchemaInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, SchemaInfo{
			Name:        d.Variant.String(),
			Description: d.Description,
			Fingerprint: d.Fingerprint,
			Filename:    d.FilenameTokens,
		})
	}
	return out
}

// DetectResult is the layout chosen for a file.
type DetectResult struct {
	File   string `json:"file" yaml:"file"`
	Schema string `json:"schema" yaml:"schema"`
	Method string `json:"method" yaml:"method"`
}

// Detect reports which layout a file would be imported as. It does not need an
// open store.
func Detect(path string, override model.Variant) (*DetectResult, error) {
	det, err := importer.DetectFile(path, override)
	if err != nil {
		return nil, err
	}
	return &DetectResult{File: path, Schema: det.Variant.String(), Method: string(det.Method)}, nil
}

// -- Timeline --

// Build runs a timeline build.
func (a *App) Build(ctx context.Context, incremental bool) (*model.TimelineBuild, error) {
	b, err := a.builder.Build(ctx, incremental)
	a.push(ctx)
	return b, err
}

// Annotate attaches a note to a timeline event.
func (a *App) Annotate(ctx context.Context, eventID int64, typ model.AnnotationType, content, author string, includeInReport bool) (int64, error) {
	return a.builder.Annotate(ctx, eventID, typ, content, author, includeInReport)
}

// Exclude hides a timeline event from the default view.
func (a *App) Exclude(ctx context.Context, eventID int64, reason string) error {
	return a.builder.Exclude(ctx, eventID, reason)
}

// Annotations lists the notes on one event.
func (a *App) Annotations(ctx context.Context, eventID int64) ([]*model.TimelineAnnotation, error) {
	return a.builder.Annotations(ctx, eventID)
}

// ReportAnnotations lists notes marked for the report with their sign-ins.
func (a *App) ReportAnnotations(ctx context.Context) ([]*database.ReportAnnotation, error) {
	return a.builder.ReportAnnotations(ctx)
}

// Query filters the timeline.
func (a *App) Query(ctx context.Context, f timeline.Filter) (*timeline.Page, error) {
	return a.builder.Query(ctx, f)
}

// exportPageSize is the number of events fetched per query while exporting.
const exportPageSize = 1000

// Export writes every event matching f to w as a TLN or L2TTLN timeline and
// returns the number written. f.Limit and f.Page are ignored.
func (a *App) Export(ctx context.Context, f timeline.Filter, w io.Writer, format tln.Format) (int, error) {
	tw := tln.NewWriter(w, format)
	f.Limit = exportPageSize
	written := 0
	for f.Page = 1; ; f.Page++ {
		page, err := a.builder.Query(ctx, f)
		if err != nil {
			return written, err
		}
		for _, ev := range page.Events {
			if err := tw.Write(tln.FromEvent(ev)); err != nil {
				return written, err
			}
			written++
		}
		if len(page.Events) < exportPageSize || int64(written) >= page.Total {
			break
		}
	}
	return written, tw.Flush()
}

// Phases returns the phases from the latest build.
func (a *App) Phases(ctx context.Context) ([]*model.TimelinePhase, error) {
	return a.builder.Phases(ctx)
}

// Builds returns build history.
func (a *App) Builds(ctx context.Context, limit int) ([]*model.TimelineBuild, error) {
	return a.builder.Builds(ctx, limit)
}

// -- Status --

// Info summarizes the open store.
type Info struct {
	Driver    string               `json:"driver" yaml:"driver"`
	SignIns   int64                `json:"signins" yaml:"signins"`
	LastBuild *model.TimelineBuild `json:"last_build,omitempty" yaml:"last_build,omitempty"`
	Version   string               `json:"version" yaml:"version"`
}

// Info reports record counts and the most recent build.
func (a *App) Info(ctx context.Context) (*Info, error) {
	count, err := a.store.CountSignIns(ctx)
	if err != nil {
		return nil, err
	}
	info := &Info{Driver: a.cfg.Database.Driver, SignIns: count, Version: Version}
	builds, err := a.store.ListBuilds(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(builds) > 0 {
		info.LastBuild = builds[0]
	}
	return info, nil
}

// push sends metrics to the configured Pushgateway. Failures are logged and
// never fail the command.
func (a *App) push(ctx context.Context) {
	url := a.cfg.Metrics.PushgatewayURL
	if url == "" {
		return
	}
	if err := a.metrics.Push(ctx, url, a.cfg.Metrics.Job); err != nil {
		a.log.Warn("pushing metrics", zap.String("url", url), zap.Error(err))
	}
}
