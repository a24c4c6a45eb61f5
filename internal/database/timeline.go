package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cdtdelta/m365ir/internal/model"
)

var timelineSelect = "SELECT " + strings.Join(model.TimelineColumns, ", ") + " FROM v_timeline"

// SaveTimelineEvents writes derived events in one transaction. New events are
// inserted. For events that already exist, overwrite refreshes the derived
// classification (description, severity, phase, rule, routine) and leaves the
// analyst's exclusion untouched; without overwrite they are skipped.
// Inserted events get their ID set.
func (db *SQLStore) SaveTimelineEvents(ctx context.Context, events []*model.TimelineEvent, overwrite bool) (SaveResult, error) {
	var res SaveResult

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	d := db.dialect
	insert, err := tx.PrepareContext(ctx, db.q(`INSERT INTO timeline_events (
		dedup_key, source_table, source_id, ts, actor, action, description,
		severity, phase, rule, routine, excluded, excluded_reason
	) VALUES (`+placeholders(13)+`) ON CONFLICT DO NOTHING RETURNING id`))
	if err != nil {
		return res, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer insert.Close()

	var lookup, update *sql.Stmt
	if overwrite {
		if lookup, err = tx.PrepareContext(ctx, db.q(
			"SELECT id, description, severity, phase, rule, routine FROM timeline_events WHERE dedup_key = ?")); err != nil {
			return res, fmt.Errorf("preparing lookup statement: %w", err)
		}
		defer lookup.Close()
		if update, err = tx.PrepareContext(ctx, db.q(
			"UPDATE timeline_events SET description = ?, severity = ?, phase = ?, rule = ?, routine = ? WHERE id = ?")); err != nil {
			return res, fmt.Errorf("preparing update statement: %w", err)
		}
		defer update.Close()
	}

	for _, e := range events {
		if overwrite {
			var (
				id                int64
				desc, phase, rule string
				severity          int
				routine           bool
			)
			err := lookup.QueryRowContext(ctx, e.DedupKey).Scan(&id, &desc, &severity, &phase, &rule, &routine)
			switch {
			case err == nil:
				e.ID = id
				if desc == e.Description && severity == int(e.Severity) && phase == string(e.Phase) &&
					rule == e.Rule && routine == e.Routine {
					res.Skipped++
					continue
				}
				if _, err := update.ExecContext(ctx, d.TextArg(e.Description), int(e.Severity),
					string(e.Phase), e.Rule, boolArg(e.Routine), id); err != nil {
					return res, fmt.Errorf("updating timeline event %d: %w", id, err)
				}
				res.Updated++
				continue
			case !errors.Is(err, sql.ErrNoRows):
				return res, fmt.Errorf("looking up timeline event: %w", err)
			}
		}

		var id int64
		err := insert.QueryRowContext(ctx,
			e.DedupKey, e.SourceTable, e.SourceID, d.TimeArg(e.Timestamp),
			d.TextArg(e.Actor), e.Action, d.TextArg(e.Description),
			int(e.Severity), string(e.Phase), e.Rule, boolArg(e.Routine),
			boolArg(e.Excluded), d.TextArg(e.ExcludedReason),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("inserting timeline event for %s %d: %w", e.SourceTable, e.SourceID, err)
		}
		e.ID = id
		res.Added++
	}

	if err := tx.Commit(); err != nil {
		return SaveResult{}, fmt.Errorf("committing transaction: %w", err)
	}
	return res, nil
}

// ActiveTimelineEvents returns every event that has not been excluded, in
// time order. Phases are derived from this set.
func (db *SQLStore) ActiveTimelineEvents(ctx context.Context) ([]*model.TimelineEvent, error) {
	return db.ExecuteTimelineQuery(ctx, timelineSelect+" WHERE excluded = 0 ORDER BY ts, id", nil)
}

// GetTimelineEvent returns one event, excluded or not.
func (db *SQLStore) GetTimelineEvent(ctx context.Context, id int64) (*model.TimelineEvent, error) {
	events, err := db.ExecuteTimelineQuery(ctx, db.q(timelineSelect+" WHERE id = ?"), []any{id})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("timeline event %d: %w", id, ErrNotFound)
	}
	return events[0], nil
}

// ExecuteTimelineQuery runs a pre-built SELECT over the timeline view and
// scans the results in model.TimelineColumns order.
func (db *SQLStore) ExecuteTimelineQuery(ctx context.Context, query string, args []any) ([]*model.TimelineEvent, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying timeline: %w", err)
	}
	defer rows.Close()

	var events []*model.TimelineEvent
	for rows.Next() {
		var (
			e          model.TimelineEvent
			ts         dbTime
			severity   int
			phase, typ string
		)
		if err := rows.Scan(
			&e.ID, &ts, &e.Actor, &e.Action, &e.Description, &severity, &phase, &e.Rule,
			&e.Routine, &e.Excluded, &typ, &e.IPAddress, &e.Country, &e.AppName,
			&e.ExcludedReason, &e.SourceTable, &e.SourceID, &e.DedupKey, &e.AnnotationCount,
		); err != nil {
			return nil, err
		}
		e.Timestamp = ts.Time
		e.Severity = model.Severity(severity)
		e.SeverityName = e.Severity.String()
		e.Phase = model.Phase(phase)
		e.SignInType = model.SignInType(typ)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ExecuteCountQuery runs a pre-built COUNT query.
func (db *SQLStore) ExecuteCountQuery(ctx context.Context, query string, args []any) (int64, error) {
	var count int64
	err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count)
	return count, err
}

// ExcludeEvent hides an event from the default view and flags its source
// record. Nothing is deleted.
func (db *SQLStore) ExcludeEvent(ctx context.Context, id int64, reason string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	reason = db.dialect.TextArg(reason)
	res, err := tx.ExecContext(ctx, db.q(
		"UPDATE timeline_events SET excluded = 1, excluded_reason = ? WHERE id = ?"), reason, id)
	if err != nil {
		return fmt.Errorf("excluding timeline event: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("timeline event %d: %w", id, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, db.q(`UPDATE signin_logs SET excluded = 1, excluded_reason = ?
		WHERE id = (SELECT source_id FROM timeline_events WHERE id = ? AND source_table = 'signin_logs')`),
		reason, id); err != nil {
		return fmt.Errorf("excluding source record: %w", err)
	}

	return tx.Commit()
}

// CompleteBuild records a successful build in one transaction: the build
// row, the phase summary that replaces the previous one, and the new
// high-water mark when hwm is non-nil.
func (db *SQLStore) CompleteBuild(ctx context.Context, b *model.TimelineBuild, phases []*model.TimelinePhase, hwm *model.HighWaterMark) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := db.insertBuild(ctx, tx, b); err != nil {
		return err
	}
	if err := db.replacePhases(ctx, tx, phases); err != nil {
		return err
	}
	if hwm != nil {
		if err := db.setHighWaterMark(ctx, tx, hwm); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// replacePhases swaps the derived phase summary for a new one.
func (db *SQLStore) replacePhases(ctx context.Context, tx *sql.Tx, phases []*model.TimelinePhase) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM timeline_phases"); err != nil {
		return fmt.Errorf("clearing phases: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, db.q(`INSERT INTO timeline_phases
		(phase, start_ts, end_ts, event_count, confidence, build_id)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`))
	if err != nil {
		return fmt.Errorf("preparing phase insert: %w", err)
	}
	defer stmt.Close()

	d := db.dialect
	for _, p := range phases {
		if err := stmt.QueryRowContext(ctx, string(p.Phase), d.TimeArg(p.Start), d.TimeArg(p.End),
			p.EventCount, string(p.Confidence), p.BuildID).Scan(&p.ID); err != nil {
			return fmt.Errorf("inserting phase %s: %w", p.Phase, err)
		}
	}
	return nil
}

// ListPhases returns the current phase summary in chronological order.
func (db *SQLStore) ListPhases(ctx context.Context) ([]*model.TimelinePhase, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, phase, start_ts, end_ts, event_count, confidence, build_id FROM timeline_phases ORDER BY start_ts, id")
	if err != nil {
		return nil, fmt.Errorf("querying phases: %w", err)
	}
	defer rows.Close()

	var out []*model.TimelinePhase
	for rows.Next() {
		var (
			p                 model.TimelinePhase
			phase, confidence string
			start, end        dbTime
		)
		if err := rows.Scan(&p.ID, &phase, &start, &end, &p.EventCount, &confidence, &p.BuildID); err != nil {
			return nil, err
		}
		p.Phase = model.Phase(phase)
		p.Confidence = model.Confidence(confidence)
		p.Start, p.End = start.Time, end.Time
		out = append(out, &p)
	}
	return out, rows.Err()
}

// RecordBuild writes the history record of a build that did not complete.
func (db *SQLStore) RecordBuild(ctx context.Context, b *model.TimelineBuild) error {
	return db.insertBuild(ctx, db.conn, b)
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *SQLStore) insertBuild(ctx context.Context, ex execer, b *model.TimelineBuild) error {
	d := db.dialect
	_, err := ex.ExecContext(ctx, db.q(`INSERT INTO timeline_builds (
		id, mode, state, events_scanned, events_added, events_updated, events_skipped,
		warnings, phases_detected, high_water_id, started_at, finished_at
	) VALUES (`+placeholders(12)+`)`),
		b.ID, b.Mode, b.State, b.EventsScanned, b.EventsAdded, b.EventsUpdated, b.EventsSkipped,
		b.Warnings, b.PhasesDetected, b.HighWaterID, d.TimeArg(b.StartedAt), d.TimeArg(b.FinishedAt))
	if err != nil {
		return fmt.Errorf("recording timeline build: %w", err)
	}
	return nil
}

// ListBuilds returns the most recent builds first. A limit of 0 returns all.
func (db *SQLStore) ListBuilds(ctx context.Context, limit int) ([]*model.TimelineBuild, error) {
	query := `SELECT id, mode, state, events_scanned, events_added, events_updated, events_skipped,
		warnings, phases_detected, high_water_id, started_at, finished_at
		FROM timeline_builds ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying timeline builds: %w", err)
	}
	defer rows.Close()

	var out []*model.TimelineBuild
	for rows.Next() {
		var (
			b          model.TimelineBuild
			start, end dbTime
		)
		if err := rows.Scan(&b.ID, &b.Mode, &b.State, &b.EventsScanned, &b.EventsAdded, &b.EventsUpdated,
			&b.EventsSkipped, &b.Warnings, &b.PhasesDetected, &b.HighWaterID, &start, &end); err != nil {
			return nil, err
		}
		b.StartedAt, b.FinishedAt = start.Time, end.Time
		out = append(out, &b)
	}
	return out, rows.Err()
}

// AddAnnotation attaches a note to an existing event and sets a.ID.
func (db *SQLStore) AddAnnotation(ctx context.Context, a *model.TimelineAnnotation) error {
	var exists int
	err := db.conn.QueryRowContext(ctx, db.q("SELECT COUNT(id) FROM timeline_events WHERE id = ?"), a.EventID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking timeline event: %w", err)
	}
	if exists == 0 {
		return fmt.Errorf("timeline event %d: %w", a.EventID, ErrNotFound)
	}

	d := db.dialect
	err = db.conn.QueryRowContext(ctx, db.q(`INSERT INTO timeline_annotations
		(event_id, type, content, author, include_in_report, created_at)
		VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		a.EventID, string(a.Type), d.TextArg(a.Content), d.TextArg(a.Author),
		boolArg(a.IncludeInReport), d.TimeArg(a.CreatedAt)).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("inserting annotation: %w", err)
	}
	return nil
}

// ListAnnotations returns an event's annotations, oldest first.
func (db *SQLStore) ListAnnotations(ctx context.Context, eventID int64) ([]*model.TimelineAnnotation, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(`SELECT id, event_id, type, content, author, include_in_report, created_at
		FROM timeline_annotations WHERE event_id = ? ORDER BY created_at, id`), eventID)
	if err != nil {
		return nil, fmt.Errorf("querying annotations: %w", err)
	}
	defer rows.Close()

	var out []*model.TimelineAnnotation
	for rows.Next() {
		var (
			a       model.TimelineAnnotation
			typ     string
			created dbTime
		)
		if err := rows.Scan(&a.ID, &a.EventID, &typ, &a.Content, &a.Author, &a.IncludeInReport, &created); err != nil {
			return nil, err
		}
		a.Type = model.AnnotationType(typ)
		a.CreatedAt = created.Time
		out = append(out, &a)
	}
	return out, rows.Err()
}

// ReportAnnotations returns every annotation marked for the report, joined to
// its sign-in, in sign-in time order.
func (db *SQLStore) ReportAnnotations(ctx context.Context) ([]*ReportAnnotation, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT annotation_id, event_id, signin_id, ts, actor,
		ip_address, country, type, content, author, include_in_report, created_at
		FROM v_signin_annotations WHERE include_in_report = 1 ORDER BY ts, annotation_id`)
	if err != nil {
		return nil, fmt.Errorf("querying report annotations: %w", err)
	}
	defer rows.Close()

	var out []*ReportAnnotation
	for rows.Next() {
		var (
			r           ReportAnnotation
			typ         string
			ts, created dbTime
		)
		if err := rows.Scan(&r.AnnotationID, &r.EventID, &r.SignInID, &ts, &r.Actor, &r.IPAddress,
			&r.Country, &typ, &r.Content, &r.Author, &r.IncludeInReport, &created); err != nil {
			return nil, err
		}
		r.Timestamp = ts.Time
		r.Type = model.AnnotationType(typ)
		r.CreatedAt = created.Time
		out = append(out, &r)
	}
	return out, rows.Err()
}
