package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cdtdelta/m365ir/internal/model"

	_ "modernc.org/sqlite"
)

// signinColumns is the insert and scan order for signin_logs, after id.
var signinColumns = []string{
	"dedup_key", "ts", "signin_type",
	"user_principal_name", "user_display_name", "user_id",
	"service_principal_id", "service_principal_name", "managed_identity_type",
	"app_id", "app_name", "resource_id", "resource_name", "client_app", "user_agent",
	"ip_address", "city", "state", "country",
	"status", "success", "error_code", "failure_reason", "conditional_access",
	"mfa_result", "mfa_method", "auth_requirement",
	"device_id", "operating_system", "browser", "device_compliant", "device_managed", "join_type",
	"latency_ms", "request_id", "correlation_id",
	"source_variant", "source_file", "source_row", "import_run_id",
	"excluded", "excluded_reason",
}

// SQLStore implements Store over database/sql for any Dialect.
type SQLStore struct {
	conn    *sql.DB
	dialect Dialect
	path    string
}

var _ Store = (*SQLStore)(nil)

// OpenSQLite opens (creating if needed) a SQLite database file and migrates it.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	return open(ctx, &SQLiteDialect{}, path)
}

func open(ctx context.Context, d Dialect, pathOrConnStr string) (*SQLStore, error) {
	conn, err := sql.Open(d.DriverName(), d.DSN(pathOrConnStr))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Verify the connection works
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db := &SQLStore{conn: conn, dialect: d, path: pathOrConnStr}
	if err := db.Migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Dialect returns the store's SQL dialect.
func (db *SQLStore) Dialect() Dialect {
	return db.dialect
}

// Close closes the database connection.
func (db *SQLStore) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *SQLStore) q(query string) string {
	return rebind(db.dialect, query)
}

func (db *SQLStore) signinArgs(r *model.SignIn) []any {
	t := db.dialect.TextArg
	return []any{
		r.DedupKey, db.dialect.TimeArg(r.Timestamp), string(r.SignInType),
		t(r.UserPrincipalName), t(r.UserDisplayName), t(r.UserID),
		t(r.ServicePrincipalID), t(r.ServicePrincipalName), t(r.ManagedIdentityType),
		t(r.AppID), t(r.AppName), t(r.ResourceID), t(r.ResourceName), t(r.ClientApp), t(r.UserAgent),
		t(r.IPAddress), t(r.City), t(r.State), t(r.Country),
		t(r.Status), boolArg(r.Success), r.ErrorCode, t(r.FailureReason), t(r.ConditionalAccess),
		t(r.MFAResult), t(r.MFAMethod), t(r.AuthRequirement),
		t(r.DeviceID), t(r.OperatingSystem), t(r.Browser), boolArg(r.DeviceCompliant), boolArg(r.DeviceManaged), t(r.JoinType),
		r.LatencyMS, t(r.RequestID), t(r.CorrelationID),
		r.SourceVariant.String(), t(r.SourceFile), r.SourceRow, r.ImportRunID,
		boolArg(r.Excluded), t(r.ExcludedReason),
	}
}

// InsertSignIns inserts a batch of records inside a single transaction.
// Records whose dedup key already exists are skipped, not updated. Inserted
// records get their ID set.
func (db *SQLStore) InsertSignIns(ctx context.Context, recs []*model.SignIn) (inserted, skipped int, err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.q(
		"INSERT INTO signin_logs ("+strings.Join(signinColumns, ", ")+") VALUES ("+
			placeholders(len(signinColumns))+") ON CONFLICT DO NOTHING RETURNING id"))
	if err != nil {
		return 0, 0, fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for i, r := range recs {
		var id int64
		err := stmt.QueryRowContext(ctx, db.signinArgs(r)...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			skipped++
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("inserting record %d: %w", i+1, err)
		}
		r.ID = id
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("committing transaction: %w", err)
	}
	return inserted, skipped, nil
}

// CountSignIns returns the total number of stored sign-in records.
func (db *SQLStore) CountSignIns(ctx context.Context) (int64, error) {
	var count int64
	err := db.conn.QueryRowContext(ctx, "SELECT COUNT(id) FROM signin_logs").Scan(&count)
	return count, err
}

// SignInsAfter returns up to limit records with id greater than afterID, in id order.
func (db *SQLStore) SignInsAfter(ctx context.Context, afterID int64, limit int) ([]*model.SignIn, error) {
	query := "SELECT id, " + strings.Join(signinColumns, ", ") + " FROM signin_logs WHERE id > ? ORDER BY id"
	return db.querySignIns(ctx, query, limit, afterID)
}

// UnbuiltSignIns returns up to limit records with afterID < id <= throughID
// that have no timeline event yet, in id order. Postgres assigns ids before
// commit, so a row can become visible after a build has already moved the
// high-water mark past it.
func (db *SQLStore) UnbuiltSignIns(ctx context.Context, afterID, throughID int64, limit int) ([]*model.SignIn, error) {
	query := "SELECT id, " + strings.Join(signinColumns, ", ") + ` FROM signin_logs s
		WHERE s.id > ? AND s.id <= ? AND NOT EXISTS (
			SELECT 1 FROM timeline_events e WHERE e.source_table = 'signin_logs' AND e.source_id = s.id)
		ORDER BY s.id`
	return db.querySignIns(ctx, query, limit, afterID, throughID)
}

func (db *SQLStore) querySignIns(ctx context.Context, query string, limit int, args ...any) ([]*model.SignIn, error) {
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := db.conn.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying sign-ins: %w", err)
	}
	defer rows.Close()

	var out []*model.SignIn
	for rows.Next() {
		r, err := scanSignIn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetSignIn returns one record by id.
func (db *SQLStore) GetSignIn(ctx context.Context, id int64) (*model.SignIn, error) {
	row := db.conn.QueryRowContext(ctx, db.q(
		"SELECT id, "+strings.Join(signinColumns, ", ")+" FROM signin_logs WHERE id = ?"), id)
	r, err := scanSignIn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sign-in %d: %w", id, ErrNotFound)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSignIn(s scanner) (*model.SignIn, error) {
	var (
		r       model.SignIn
		ts      dbTime
		typ     string
		variant string
	)
	err := s.Scan(
		&r.ID, &r.DedupKey, &ts, &typ,
		&r.UserPrincipalName, &r.UserDisplayName, &r.UserID,
		&r.ServicePrincipalID, &r.ServicePrincipalName, &r.ManagedIdentityType,
		&r.AppID, &r.AppName, &r.ResourceID, &r.ResourceName, &r.ClientApp, &r.UserAgent,
		&r.IPAddress, &r.City, &r.State, &r.Country,
		&r.Status, &r.Success, &r.ErrorCode, &r.FailureReason, &r.ConditionalAccess,
		&r.MFAResult, &r.MFAMethod, &r.AuthRequirement,
		&r.DeviceID, &r.OperatingSystem, &r.Browser, &r.DeviceCompliant, &r.DeviceManaged, &r.JoinType,
		&r.LatencyMS, &r.RequestID, &r.CorrelationID,
		&variant, &r.SourceFile, &r.SourceRow, &r.ImportRunID,
		&r.Excluded, &r.ExcludedReason,
	)
	if err != nil {
		return nil, err
	}
	r.Timestamp = ts.Time
	r.SignInType = model.SignInType(typ)
	if v, err := model.ParseVariant(variant); err == nil {
		r.SourceVariant = v
	}
	return &r, nil
}

// RecordImportRun writes a finished run and its rejected rows in one transaction.
func (db *SQLStore) RecordImportRun(ctx context.Context, run *model.ImportRun, rowErrors []model.RowError) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	d := db.dialect
	_, err = tx.ExecContext(ctx, db.q(`INSERT INTO import_runs (
		id, source_file, source_size, source_sha256, variant, detection_method,
		status, error_code, error_message, imported, skipped, below_cutoff, failed,
		min_event_time, max_event_time, started_at, finished_at
	) VALUES (`+placeholders(17)+`)`),
		run.ID, d.TextArg(run.SourceFile), run.SourceSize, run.SourceSHA256,
		run.Variant.String(), run.DetectionMethod,
		string(run.Status), run.ErrorCode, d.TextArg(run.ErrorMessage),
		run.Imported, run.Skipped, run.BelowCutoff, run.Failed,
		nullTimeArg(d, run.MinEventTime), nullTimeArg(d, run.MaxEventTime),
		d.TimeArg(run.StartedAt), d.TimeArg(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting import run: %w", err)
	}

	if len(rowErrors) > 0 {
		stmt, err := tx.PrepareContext(ctx, db.q(
			"INSERT INTO import_row_errors (run_id, row_num, message, raw) VALUES (?, ?, ?, ?)"))
		if err != nil {
			return fmt.Errorf("preparing row error insert: %w", err)
		}
		defer stmt.Close()
		for _, re := range rowErrors {
			if _, err := stmt.ExecContext(ctx, run.ID, re.RowNumber, d.TextArg(re.Message), d.TextArg(re.Raw)); err != nil {
				return fmt.Errorf("inserting row error for row %d: %w", re.RowNumber, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ListImportRuns returns the most recent runs first. A limit of 0 returns all.
func (db *SQLStore) ListImportRuns(ctx context.Context, limit int) ([]*model.ImportRun, error) {
	query := `SELECT id, source_file, source_size, source_sha256, variant, detection_method,
		status, error_code, error_message, imported, skipped, below_cutoff, failed,
		min_event_time, max_event_time, started_at, finished_at
		FROM import_runs ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying import runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.ImportRun
	for rows.Next() {
		var (
			r                    model.ImportRun
			variant, status      string
			minT, maxT, start, f dbTime
		)
		if err := rows.Scan(&r.ID, &r.SourceFile, &r.SourceSize, &r.SourceSHA256, &variant,
			&r.DetectionMethod, &status, &r.ErrorCode, &r.ErrorMessage,
			&r.Imported, &r.Skipped, &r.BelowCutoff, &r.Failed, &minT, &maxT, &start, &f); err != nil {
			return nil, err
		}
		r.Variant, _ = model.ParseVariant(variant)
		r.VariantName = variant
		r.Status = model.ImportStatus(status)
		r.MinEventTime = minT.Ptr()
		r.MaxEventTime = maxT.Ptr()
		r.StartedAt = start.Time
		r.FinishedAt = f.Time
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// RowErrors returns the rejected rows recorded for a run, in row order.
func (db *SQLStore) RowErrors(ctx context.Context, runID string) ([]model.RowError, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(
		"SELECT row_num, message, raw FROM import_row_errors WHERE run_id = ? ORDER BY row_num, id"), runID)
	if err != nil {
		return nil, fmt.Errorf("querying row errors: %w", err)
	}
	defer rows.Close()

	var out []model.RowError
	for rows.Next() {
		var re model.RowError
		if err := rows.Scan(&re.RowNumber, &re.Message, &re.Raw); err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, rows.Err()
}

// LatestEventTime returns the newest event time imported for a variant by any
// completed run. ok is false when nothing has been imported yet.
func (db *SQLStore) LatestEventTime(ctx context.Context, variant model.Variant) (time.Time, bool, error) {
	var latest dbTime
	err := db.conn.QueryRowContext(ctx, db.q(
		"SELECT MAX(max_event_time) FROM import_runs WHERE variant = ? AND status = ?"),
		variant.String(), string(model.ImportCompleted)).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying latest event time: %w", err)
	}
	return latest.Time, latest.Valid, nil
}

// HighWaterMark returns the mark for source, or a zero mark if none is stored.
func (db *SQLStore) HighWaterMark(ctx context.Context, source string) (*model.HighWaterMark, error) {
	hwm := &model.HighWaterMark{Source: source}
	var last, updated dbTime
	err := db.conn.QueryRowContext(ctx, db.q(
		"SELECT last_id, last_time, updated_at FROM high_water_marks WHERE source = ?"), source).
		Scan(&hwm.LastID, &last, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return hwm, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying high-water mark: %w", err)
	}
	hwm.LastTime = last.Time
	hwm.UpdatedAt = updated.Time
	return hwm, nil
}

// setHighWaterMark stores the mark for hwm.Source, replacing any previous one.
func (db *SQLStore) setHighWaterMark(ctx context.Context, ex execer, hwm *model.HighWaterMark) error {
	var last any
	if !hwm.LastTime.IsZero() {
		last = db.dialect.TimeArg(hwm.LastTime)
	}
	_, err := ex.ExecContext(ctx, db.q(`INSERT INTO high_water_marks (source, last_id, last_time, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET last_id = excluded.last_id,
			last_time = excluded.last_time, updated_at = excluded.updated_at`),
		hwm.Source, hwm.LastID, last, db.dialect.TimeArg(hwm.UpdatedAt))
	if err != nil {
		return fmt.Errorf("storing high-water mark: %w", err)
	}
	return nil
}
