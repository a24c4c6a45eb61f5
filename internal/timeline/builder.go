// Package timeline derives classified, phase-annotated events from imported
// sign-ins and manages the analyst's annotations and exclusions on them.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cdtdelta/m365ir/internal/database"
	"github.com/cdtdelta/m365ir/internal/metrics"
	"github.com/cdtdelta/m365ir/internal/model"
)

// SourceTable is the table timeline events are extracted from. It also keys
// the builder's high-water mark.
const SourceTable = "signin_logs"

// State is a step of a build.
type State string

const (
	StateScanning    State = "SCANNING"
	StateExtracting  State = "EXTRACTING"
	StateClassifying State = "CLASSIFYING"
	StatePersisting  State = "PERSISTING"
	StateRecording   State = "RECORDING"
	StateDone        State = "DONE"
	StateFailed      State = "FAILED"
)

// Build modes.
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

// DefaultPageSize is the number of source records read per scan.
const DefaultPageSize = 1000

// Config wires a Builder. Store is required.
type Config struct {
	Store    database.Store
	Rules    *Rules
	PageSize int
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Builder runs timeline builds and the analyst operations on their output.
type Builder struct {
	store    database.Store
	rules    *Rules
	pageSize int
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewBuilder returns a Builder. A nil Rules classifies with no home countries
// and no legacy clients.
func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.Store == nil {
		return nil, errors.New("timeline: store is required")
	}
	if cfg.Rules == nil {
		cfg.Rules = NewRules(nil, nil)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	return &Builder{
		store:    cfg.Store,
		rules:    cfg.Rules,
		pageSize: cfg.PageSize,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// buildRun tracks one Build call through its states.
type buildRun struct {
	b     *model.TimelineBuild
	state State
	log   *zap.Logger
}

func (r *buildRun) enter(s State) {
	if r.state == s {
		return
	}
	r.log.Debug("timeline build state", zap.String("from", string(r.state)), zap.String("to", string(s)))
	r.state = s
	r.b.State = string(s)
}

// Build extracts events from sign-ins past the high-water mark, classifies and
// stores them, recomputes phases and records the build. An incremental build
// only inserts events it has not seen; a full build rescans every record and
// refreshes classification on existing events, keeping exclusions and
// annotations.
func (b *Builder) Build(ctx context.Context, incremental bool) (*model.TimelineBuild, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating build id: %w", err)
	}
	mode := ModeFull
	if incremental {
		mode = ModeIncremental
	}
	run := &buildRun{
		b:   &model.TimelineBuild{ID: id.String(), Mode: mode, StartedAt: b.now()},
		log: b.log.With(zap.String("build_id", id.String()), zap.String("mode", mode)),
	}
	run.log.Info("timeline build started")

	if err := b.build(ctx, run, incremental); err != nil {
		failedIn := run.state
		run.b.State = string(StateFailed)
		run.b.FinishedAt = b.now()
		run.log.Error("timeline build failed", zap.String("state", string(failedIn)), zap.Error(err))
		if rerr := b.store.RecordBuild(context.WithoutCancel(ctx), run.b); rerr != nil {
			run.log.Error("recording failed build", zap.Error(rerr))
		}
		return run.b, fmt.Errorf("timeline build failed while %s: %w", failedIn, err)
	}

	b.metrics.BuildDuration.Observe(run.b.FinishedAt.Sub(run.b.StartedAt).Seconds())
	run.log.Info("timeline build completed",
		zap.Int("scanned", run.b.EventsScanned),
		zap.Int("added", run.b.EventsAdded),
		zap.Int("updated", run.b.EventsUpdated),
		zap.Int("skipped", run.b.EventsSkipped),
		zap.Int("warnings", run.b.Warnings),
		zap.Int("phases", run.b.PhasesDetected),
	)
	return run.b, nil
}

func (b *Builder) build(ctx context.Context, run *buildRun, incremental bool) error {
	run.enter(StateScanning)
	hwm, err := b.store.HighWaterMark(ctx, SourceTable)
	if err != nil {
		return err
	}
	run.b.HighWaterID = hwm.LastID
	lastTime := hwm.LastTime

	if incremental && hwm.LastID > 0 {
		// Rows at or below the mark that committed after the previous build.
		after := int64(0)
		for {
			run.enter(StateScanning)
			recs, err := b.store.UnbuiltSignIns(ctx, after, hwm.LastID, b.pageSize)
			if err != nil {
				return err
			}
			if len(recs) > 0 {
				run.log.Debug("extracting sign-ins below the high-water mark", zap.Int("count", len(recs)))
				if err := b.process(ctx, run, recs, incremental); err != nil {
					return err
				}
				after = recs[len(recs)-1].ID
			}
			if len(recs) < b.pageSize {
				break
			}
		}
	}

	after := int64(0)
	if incremental {
		after = hwm.LastID
	}
	for {
		run.enter(StateScanning)
		recs, err := b.store.SignInsAfter(ctx, after, b.pageSize)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			break
		}
		if err := b.process(ctx, run, recs, incremental); err != nil {
			return err
		}

		last := recs[len(recs)-1]
		after = last.ID
		if last.ID > run.b.HighWaterID {
			run.b.HighWaterID = last.ID
			lastTime = last.Timestamp
		}
		if len(recs) < b.pageSize {
			break
		}
	}

	run.enter(StatePersisting)
	active, err := b.store.ActiveTimelineEvents(ctx)
	if err != nil {
		return err
	}
	phases := DerivePhases(active, run.b.ID)
	run.b.PhasesDetected = len(phases)

	run.enter(StateRecording)
	var next *model.HighWaterMark
	if run.b.HighWaterID != hwm.LastID {
		next = &model.HighWaterMark{
			Source:    SourceTable,
			LastID:    run.b.HighWaterID,
			LastTime:  lastTime,
			UpdatedAt: b.now(),
		}
	}
	run.b.State = string(StateDone)
	run.b.FinishedAt = b.now()
	if err := b.store.CompleteBuild(ctx, run.b, phases, next); err != nil {
		return err
	}
	run.enter(StateDone)
	return nil
}

// process extracts, classifies and stores the events for one page of sign-ins.
func (b *Builder) process(ctx context.Context, run *buildRun, recs []*model.SignIn, incremental bool) error {
	run.b.EventsScanned += len(recs)

	run.enter(StateExtracting)
	events := make([]*model.TimelineEvent, len(recs))
	for i, rec := range recs {
		events[i] = extract(rec)
	}

	run.enter(StateClassifying)
	for i, rec := range recs {
		c, werr := b.rules.Classify(rec)
		if werr != nil {
			run.b.Warnings++
			b.metrics.TimelineWarnings.Inc()
			run.log.Warn("classification warning", zap.Error(werr))
		}
		apply(events[i], c)
	}

	run.enter(StatePersisting)
	res, err := b.store.SaveTimelineEvents(ctx, events, !incremental)
	if err != nil {
		return err
	}
	run.b.EventsAdded += res.Added
	run.b.EventsUpdated += res.Updated
	run.b.EventsSkipped += res.Skipped
	b.metrics.TimelineEvents.WithLabelValues("added").Add(float64(res.Added))
	b.metrics.TimelineEvents.WithLabelValues("updated").Add(float64(res.Updated))
	b.metrics.TimelineEvents.WithLabelValues("skipped").Add(float64(res.Skipped))
	return nil
}

// extract creates the unclassified event for one sign-in.
func extract(rec *model.SignIn) *model.TimelineEvent {
	return &model.TimelineEvent{
		DedupKey:    rec.DedupKey,
		SourceTable: SourceTable,
		SourceID:    rec.ID,
		Timestamp:   rec.Timestamp,
		Actor:       rec.Actor(),
		Action:      rec.Action(),
		SignInType:  rec.SignInType,
		IPAddress:   rec.IPAddress,
		Country:     rec.Country,
		AppName:     rec.AppName,
	}
}

func apply(e *model.TimelineEvent, c Classification) {
	e.Description = c.Description
	e.Severity = c.Severity
	e.SeverityName = c.Severity.String()
	e.Phase = c.Phase
	e.Rule = c.Rule
	e.Routine = c.Routine
}
