// Package importer loads sign-in exports into the store: detect the layout,
// transform every row, and insert the records in batches with deduplication.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cdtdelta/m365ir/internal/database"
	"github.com/cdtdelta/m365ir/internal/logging"
	"github.com/cdtdelta/m365ir/internal/metrics"
	"github.com/cdtdelta/m365ir/internal/model"
	"github.com/cdtdelta/m365ir/internal/transform"
)

// DefaultBatchSize is the number of records inserted per transaction.
const DefaultBatchSize = 500

// Options apply to a single Import call.
type Options struct {
	// Override forces a layout instead of detecting one.
	Override model.Variant

	// Incremental skips rows older than the latest event already imported
	// for the same layout. Rows at or after that time still go through
	// deduplication, so same-second and overlapping events are kept.
	Incremental bool
}

// Config wires the importer's collaborators. Only Store and Transformer are
// required.
type Config struct {
	Store       database.Store
	Transformer *transform.Transformer
	BatchSize   int
	Logger      *zap.Logger
	Rejects     *logging.RejectLog
	Metrics     *metrics.Metrics
}

// Importer processes export files one at a time.
type Importer struct {
	store     database.Store
	tr        *transform.Transformer
	batchSize int
	log       *zap.Logger
	rejects   *logging.RejectLog
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New returns an Importer. Missing optional collaborators are replaced by
// no-op versions.
func New(cfg Config) (*Importer, error) {
	if cfg.Store == nil {
		return nil, errors.New("importer: store is required")
	}
	if cfg.Transformer == nil {
		return nil, errors.New("importer: transformer is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Rejects == nil {
		cfg.Rejects = logging.NopRejectLog()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Importer{
		store:     cfg.Store,
		tr:        cfg.Transformer,
		batchSize: cfg.BatchSize,
		log:       cfg.Logger,
		rejects:   cfg.Rejects,
		metrics:   cfg.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// fileRun carries the state of one Import call.
type fileRun struct {
	run       *model.ImportRun
	rowErrors []model.RowError
	batch     []*model.SignIn
	seen      map[string]bool
}

// Import loads one file. The returned run is always non-nil and has already
// been recorded in the store, unless the failure was in recording it. A
// file-level failure is returned as a *FileError; row-level failures are
// counted on the run and never abort the file.
func (im *Importer) Import(ctx context.Context, path string, opts Options) (*model.ImportRun, error) {
	start := im.now()
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating run id: %w", err)
	}
	fr := &fileRun{
		run: &model.ImportRun{
			ID:          id.String(),
			SourceFile:  path,
			VariantName: model.VariantUnknown.String(),
			StartedAt:   start,
		},
		seen: make(map[string]bool),
	}
	log := im.log.With(zap.String("file", path), zap.String("import_run_id", fr.run.ID))
	log.Info("import started")

	size, sum, err := fingerprintFile(path)
	if err != nil {
		return im.fail(ctx, log, fr, CodeUnreadable, err)
	}
	fr.run.SourceSize, fr.run.SourceSHA256 = size, sum

	src, err := openSource(path)
	if err != nil {
		return im.fail(ctx, log, fr, readCode(err), err)
	}
	defer src.Close()

	det, err := detect(src, path, opts.Override)
	if err != nil {
		return im.fail(ctx, log, fr, readCode(err), err)
	}
	fr.run.Variant = det.Variant
	fr.run.VariantName = det.Variant.String()
	fr.run.DetectionMethod = string(det.Method)
	log = log.With(zap.Stringer("variant", det.Variant), zap.String("method", string(det.Method)))
	log.Debug("schema detected")

	var cutoff time.Time
	var hasCutoff bool
	if opts.Incremental {
		if cutoff, hasCutoff, err = im.store.LatestEventTime(ctx, det.Variant); err != nil {
			return im.fail(ctx, log, fr, CodeStorage, err)
		}
		if hasCutoff {
			log.Debug("incremental cutoff", zap.Time("from", cutoff))
		}
	}

	for {
		row, rerr := src.Next()
		if rerr == io.EOF {
			break
		}
		if rerr != nil && row == nil {
			if err := im.flush(ctx, fr); err != nil {
				return im.fail(ctx, log, fr, CodeStorage, err)
			}
			return im.fail(ctx, log, fr, CodeUnreadable, rerr)
		}
		if rerr != nil {
			im.reject(fr, row.Number, rerr, row.Raw)
			continue
		}

		rec, terr := im.tr.Row(det.Definition, row.Values, row.Number)
		if terr != nil {
			im.reject(fr, row.Number, terr, row.Raw)
			continue
		}
		rec.SourceFile = path
		rec.ImportRunID = fr.run.ID
		fr.run.ObserveEvent(rec.Timestamp)

		if hasCutoff && rec.Timestamp.Before(cutoff) {
			fr.run.BelowCutoff++
			continue
		}
		if fr.seen[rec.DedupKey] {
			fr.run.Skipped++
			continue
		}
		fr.seen[rec.DedupKey] = true

		fr.batch = append(fr.batch, rec)
		if len(fr.batch) >= im.batchSize {
			if err := im.flush(ctx, fr); err != nil {
				return im.fail(ctx, log, fr, CodeStorage, err)
			}
		}
	}
	if err := im.flush(ctx, fr); err != nil {
		return im.fail(ctx, log, fr, CodeStorage, err)
	}

	fr.run.Status = model.ImportCompleted
	fr.run.FinishedAt = im.now()
	if err := im.store.RecordImportRun(ctx, fr.run, fr.rowErrors); err != nil {
		log.Error("recording import run", zap.Error(err))
		return fr.run, &FileError{Path: path, Code: CodeStorage, Err: err}
	}
	im.observe(fr.run)

	log.Info("import completed",
		zap.Int("imported", fr.run.Imported),
		zap.Int("skipped", fr.run.Skipped),
		zap.Int("below_cutoff", fr.run.BelowCutoff),
		zap.Int("failed", fr.run.Failed),
	)
	return fr.run, nil
}

// ImportFiles imports each path in order. A file-level failure does not stop
// the remaining files; all failures are joined into the returned error.
func (im *Importer) ImportFiles(ctx context.Context, paths []string, opts Options) ([]*model.ImportRun, error) {
	var runs []*model.ImportRun
	var errs []error
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		run, err := im.Import(ctx, p, opts)
		if run != nil {
			runs = append(runs, run)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return runs, errors.Join(errs...)
}

// flush inserts the pending batch in one transaction.
func (im *Importer) flush(ctx context.Context, fr *fileRun) error {
	if len(fr.batch) == 0 {
		return nil
	}
	start := time.Now()
	inserted, skipped, err := im.store.InsertSignIns(ctx, fr.batch)
	im.metrics.BatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("inserting batch of %d: %w", len(fr.batch), err)
	}
	fr.run.Imported += inserted
	fr.run.Skipped += skipped
	fr.batch = fr.batch[:0]
	return nil
}

func (im *Importer) reject(fr *fileRun, rowNum int, err error, raw string) {
	fr.run.Failed++
	fr.rowErrors = append(fr.rowErrors, model.RowError{RowNumber: rowNum, Message: err.Error(), Raw: raw})
	im.rejects.Reject(fr.run.ID, fr.run.SourceFile, rowNum, err.Error(), raw)
	im.log.Debug("row rejected", zap.String("file", fr.run.SourceFile), zap.Int("row", rowNum), zap.Error(err))
}

// fail records a failed run and returns it with a *FileError. Records from
// batches already committed stay in the store.
func (im *Importer) fail(ctx context.Context, log *zap.Logger, fr *fileRun, code ErrorCode, err error) (*model.ImportRun, error) {
	fr.run.Status = model.ImportFailed
	fr.run.ErrorCode = string(code)
	fr.run.ErrorMessage = err.Error()
	fr.run.FinishedAt = im.now()
	log.Error("import failed", zap.String("code", string(code)), zap.Error(err))

	if rerr := im.store.RecordImportRun(context.WithoutCancel(ctx), fr.run, fr.rowErrors); rerr != nil {
		log.Error("recording failed import run", zap.Error(rerr))
	}
	im.observe(fr.run)
	return fr.run, &FileError{Path: fr.run.SourceFile, Code: code, Err: err}
}

func (im *Importer) observe(run *model.ImportRun) {
	variant := run.VariantName
	im.metrics.FilesTotal.WithLabelValues(string(run.Status)).Inc()
	im.metrics.RowsTotal.WithLabelValues(variant, "imported").Add(float64(run.Imported))
	im.metrics.RowsTotal.WithLabelValues(variant, "skipped").Add(float64(run.Skipped))
	im.metrics.RowsTotal.WithLabelValues(variant, "below_cutoff").Add(float64(run.BelowCutoff))
	im.metrics.RowsTotal.WithLabelValues(variant, "failed").Add(float64(run.Failed))
	im.metrics.ImportDuration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
}
