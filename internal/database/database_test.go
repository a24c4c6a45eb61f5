package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cdtdelta/m365ir/internal/model"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

func createTestDB(t *testing.T) *SQLStore {
	t.Helper()
	db, err := OpenSQLite(context.Background(), tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var baseTime = time.Date(2025, 12, 4, 8, 0, 0, 0, time.UTC)

func sampleSignIn(i int) *model.SignIn {
	return &model.SignIn{
		DedupKey:          fmt.Sprintf("key-%04d", i),
		Timestamp:         baseTime.Add(time.Duration(i) * time.Minute),
		SignInType:        model.SignInInteractive,
		UserPrincipalName: "alice@example.com",
		UserDisplayName:   "Alice",
		AppName:           "Office 365 Exchange Online",
		IPAddress:         "203.0.113.10",
		City:              "Melbourne",
		Country:           "AU",
		Status:            "success",
		Success:           true,
		DeviceCompliant:   true,
		LatencyMS:         112,
		RequestID:         fmt.Sprintf("req-%d", i),
		SourceVariant:     model.VariantGraphInteractive,
		SourceFile:        "InteractiveSignIns.csv",
		SourceRow:         i,
		ImportRunID:       "run-1",
	}
}

func sampleEvent(rec *model.SignIn) *model.TimelineEvent {
	return &model.TimelineEvent{
		DedupKey:    rec.DedupKey,
		SourceTable: "signin_logs",
		SourceID:    rec.ID,
		Timestamp:   rec.Timestamp,
		Actor:       rec.Actor(),
		Action:      rec.Action(),
		Description: "interactive sign-in succeeded",
		Severity:    model.SeverityInfo,
		Phase:       model.PhaseUnclassified,
		Rule:        "unclassified",
	}
}

func insertSamples(t *testing.T, s Store, n int) []*model.SignIn {
	t.Helper()
	recs := make([]*model.SignIn, n)
	for i := range recs {
		recs[i] = sampleSignIn(i + 1)
	}
	inserted, skipped, err := s.InsertSignIns(context.Background(), recs)
	if err != nil {
		t.Fatalf("InsertSignIns failed: %v", err)
	}
	if inserted != n || skipped != 0 {
		t.Fatalf("expected %d inserted, got %d inserted %d skipped", n, inserted, skipped)
	}
	return recs
}

func TestCreateAndReopen(t *testing.T) {
	ctx := context.Background()
	path := tempDBPath(t)

	db, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	insertSamples(t, db, 2)
	db.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	// Reopening runs migrations again, which must be a no-op.
	db2, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer db2.Close()

	count, err := db2.CountSignIns(ctx)
	if err != nil {
		t.Fatalf("CountSignIns failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 records after reopen, got %d", count)
	}
}

func TestOpenStoreUnsupportedDriver(t *testing.T) {
	if _, err := OpenStore(context.Background(), "oracle", "x"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestSQLite(t *testing.T) {
	for name, fn := range storeTests {
		t.Run(name, func(t *testing.T) {
			fn(t, createTestDB(t))
		})
	}
}

func TestRebind(t *testing.T) {
	got := rebind(&PostgresDialect{}, "SELECT a FROM t WHERE b = ? AND c = ?")
	if got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Errorf("unexpected rebind result: %s", got)
	}
	sqlite := "SELECT a FROM t WHERE b = ?"
	if rebind(&SQLiteDialect{}, sqlite) != sqlite {
		t.Error("sqlite queries should be unchanged")
	}
}

func TestDBTimeScan(t *testing.T) {
	want := time.Date(2025, 12, 4, 8, 19, 41, 123456000, time.UTC)
	for _, src := range []any{
		want.Format(sqliteTimeLayout),
		[]byte(want.Format(time.RFC3339Nano)),
		want.In(time.FixedZone("AEDT", 11*3600)),
	} {
		var v dbTime
		if err := v.Scan(src); err != nil {
			t.Fatalf("Scan(%v) failed: %v", src, err)
		}
		if !v.Valid || !v.Time.Equal(want) || v.Time.Location() != time.UTC {
			t.Errorf("Scan(%v) = %v", src, v.Time)
		}
	}

	var null dbTime
	if err := null.Scan(nil); err != nil || null.Valid || null.Ptr() != nil {
		t.Error("expected NULL to scan as invalid")
	}
	if err := null.Scan(42); err == nil {
		t.Error("expected error scanning an int")
	}
}

func TestPGSanitize(t *testing.T) {
	if got := (&PostgresDialect{}).TextArg("ab\x00c"); got != "abc" {
		t.Errorf("expected NUL stripped, got %q", got)
	}
}

// storeTests run against every backend.
var storeTests = map[string]func(t *testing.T, s Store){
	"InsertSkipsDuplicates":        testInsertSkipsDuplicates,
	"ActorCheckConstraint":         testActorCheckConstraint,
	"SignInRoundTrip":              testSignInRoundTrip,
	"SignInsAfter":                 testSignInsAfter,
	"ImportRuns":                   testImportRuns,
	"HighWaterMark":                testHighWaterMark,
	"UnbuiltSignIns":               testUnbuiltSignIns,
	"TimelineIncrementalAndForced": testTimelineIncrementalAndForced,
	"ExcludeEvent":                 testExcludeEvent,
	"Annotations":                  testAnnotations,
	"PhasesAndBuilds":              testPhasesAndBuilds,
}

func testInsertSkipsDuplicates(t *testing.T, s Store) {
	ctx := context.Background()
	insertSamples(t, s, 3)

	again := []*model.SignIn{sampleSignIn(2), sampleSignIn(3), sampleSignIn(4), sampleSignIn(4)}
	inserted, skipped, err := s.InsertSignIns(ctx, again)
	if err != nil {
		t.Fatalf("InsertSignIns failed: %v", err)
	}
	if inserted != 1 || skipped != 3 {
		t.Errorf("expected 1 inserted 3 skipped, got %d/%d", inserted, skipped)
	}
	if again[2].ID == 0 {
		t.Error("expected inserted record to get an id")
	}

	count, err := s.CountSignIns(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("expected 4 records, got %d", count)
	}
}

func testActorCheckConstraint(t *testing.T, s Store) {
	both := sampleSignIn(1)
	both.ServicePrincipalID = "sp-1"
	if _, _, err := s.InsertSignIns(context.Background(), []*model.SignIn{both}); err == nil {
		t.Error("expected a record with both UPN and service principal to be rejected")
	}
}

func testSignInRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	rec := sampleSignIn(1)
	rec.Timestamp = time.Date(2025, 12, 4, 8, 19, 41, 123456000, time.UTC)
	rec.ErrorCode = 50126
	rec.Success = false
	rec.Status = "failure"
	if _, _, err := s.InsertSignIns(ctx, []*model.SignIn{rec}); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSignIn(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetSignIn failed: %v", err)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("timestamp changed: %v vs %v", got.Timestamp, rec.Timestamp)
	}
	if got.ErrorCode != 50126 || got.Success || !got.DeviceCompliant {
		t.Errorf("fields not preserved: %+v", got)
	}
	if got.SourceVariant != model.VariantGraphInteractive || got.SourceRow != 1 {
		t.Errorf("provenance not preserved: %+v", got)
	}

	if _, err := s.GetSignIn(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testSignInsAfter(t *testing.T, s Store) {
	ctx := context.Background()
	recs := insertSamples(t, s, 5)

	page, err := s.SignInsAfter(ctx, recs[1].ID, 2)
	if err != nil {
		t.Fatalf("SignInsAfter failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != recs[2].ID || page[1].ID != recs[3].ID {
		t.Errorf("unexpected page %v", page)
	}

	all, err := s.SignInsAfter(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("expected 5 records, got %d", len(all))
	}
}

func testImportRuns(t *testing.T, s Store) {
	ctx := context.Background()

	if _, ok, err := s.LatestEventTime(ctx, model.VariantGraphInteractive); err != nil || ok {
		t.Fatalf("expected no latest time on empty store, got ok=%v err=%v", ok, err)
	}

	older := baseTime.Add(-time.Hour)
	first := &model.ImportRun{
		ID: "0190a000-0000-7000-8000-000000000001", SourceFile: "a.csv", SourceSize: 10,
		SourceSHA256: "abc", Variant: model.VariantGraphInteractive, DetectionMethod: "filename",
		Status: model.ImportCompleted, Imported: 2, Failed: 1,
		StartedAt: baseTime, FinishedAt: baseTime.Add(time.Second),
	}
	first.ObserveEvent(older)
	first.ObserveEvent(baseTime)
	rowErrs := []model.RowError{{RowNumber: 3, Message: "row 3: no actor", Raw: "x,y"}}
	if err := s.RecordImportRun(ctx, first, rowErrs); err != nil {
		t.Fatalf("RecordImportRun failed: %v", err)
	}

	failed := &model.ImportRun{
		ID: "0190a000-0000-7000-8000-000000000002", SourceFile: "b.csv",
		Variant: model.VariantUnknown, Status: model.ImportFailed,
		ErrorCode: "unsupported_format", ErrorMessage: "unsupported sign-in export format",
		StartedAt: baseTime.Add(time.Minute), FinishedAt: baseTime.Add(time.Minute),
	}
	if err := s.RecordImportRun(ctx, failed, nil); err != nil {
		t.Fatalf("RecordImportRun failed: %v", err)
	}

	runs, err := s.ListImportRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListImportRuns failed: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != failed.ID {
		t.Fatalf("expected newest run first, got %v", runs)
	}
	if runs[0].MinEventTime != nil || runs[0].ErrorCode != "unsupported_format" {
		t.Errorf("failed run not preserved: %+v", runs[0])
	}
	if runs[1].MinEventTime == nil || !runs[1].MinEventTime.Equal(older) {
		t.Errorf("min event time not preserved: %+v", runs[1].MinEventTime)
	}
	if runs[1].VariantName != "graph_interactive" || runs[1].Failed != 1 {
		t.Errorf("run counts not preserved: %+v", runs[1])
	}

	got, err := s.RowErrors(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].RowNumber != 3 || got[0].Raw != "x,y" {
		t.Errorf("unexpected row errors %v", got)
	}

	latest, ok, err := s.LatestEventTime(ctx, model.VariantGraphInteractive)
	if err != nil || !ok {
		t.Fatalf("LatestEventTime: ok=%v err=%v", ok, err)
	}
	if !latest.Equal(baseTime) {
		t.Errorf("expected latest %v, got %v", baseTime, latest)
	}
}

func testHighWaterMark(t *testing.T, s Store) {
	ctx := context.Background()
	hwm, err := s.HighWaterMark(ctx, "signin_logs")
	if err != nil {
		t.Fatal(err)
	}
	if hwm.LastID != 0 || !hwm.LastTime.IsZero() {
		t.Errorf("expected zero mark, got %+v", hwm)
	}

	for _, id := range []int64{5, 9} {
		b := &model.TimelineBuild{ID: fmt.Sprintf("build-%d", id), Mode: "incremental", State: "DONE",
			HighWaterID: id, StartedAt: baseTime, FinishedAt: baseTime}
		err := s.CompleteBuild(ctx, b, nil, &model.HighWaterMark{
			Source: "signin_logs", LastID: id, LastTime: baseTime, UpdatedAt: baseTime,
		})
		if err != nil {
			t.Fatalf("CompleteBuild failed: %v", err)
		}
	}
	hwm, err = s.HighWaterMark(ctx, "signin_logs")
	if err != nil {
		t.Fatal(err)
	}
	if hwm.LastID != 9 || !hwm.LastTime.Equal(baseTime) {
		t.Errorf("expected last id 9, got %+v", hwm)
	}
}

func testUnbuiltSignIns(t *testing.T, s Store) {
	ctx := context.Background()
	recs := insertSamples(t, s, 4)

	if _, err := s.SaveTimelineEvents(ctx, []*model.TimelineEvent{sampleEvent(recs[0]), sampleEvent(recs[2])}, false); err != nil {
		t.Fatal(err)
	}
	got, err := s.UnbuiltSignIns(ctx, 0, recs[2].ID, 0)
	if err != nil {
		t.Fatalf("UnbuiltSignIns failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != recs[1].ID {
		t.Errorf("expected only record %d, got %v", recs[1].ID, got)
	}

	got, err = s.UnbuiltSignIns(ctx, recs[1].ID, recs[3].ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != recs[3].ID {
		t.Errorf("expected only record %d, got %v", recs[3].ID, got)
	}
}

func testTimelineIncrementalAndForced(t *testing.T, s Store) {
	ctx := context.Background()
	recs := insertSamples(t, s, 3)

	events := make([]*model.TimelineEvent, len(recs))
	for i, r := range recs {
		events[i] = sampleEvent(r)
	}
	res, err := s.SaveTimelineEvents(ctx, events, false)
	if err != nil {
		t.Fatalf("SaveTimelineEvents failed: %v", err)
	}
	if res.Added != 3 {
		t.Errorf("expected 3 added, got %+v", res)
	}

	res, err = s.SaveTimelineEvents(ctx, []*model.TimelineEvent{sampleEvent(recs[0])}, false)
	if err != nil {
		t.Fatal(err)
	}
	if res.Added != 0 || res.Skipped != 1 {
		t.Errorf("expected duplicate to be skipped, got %+v", res)
	}

	if err := s.ExcludeEvent(ctx, events[0].ID, "test account"); err != nil {
		t.Fatal(err)
	}

	reclassified := sampleEvent(recs[0])
	reclassified.Severity = model.SeverityAlert
	reclassified.Phase = model.PhaseInitialAccess
	reclassified.Rule = "foreign_success"
	res, err = s.SaveTimelineEvents(ctx, []*model.TimelineEvent{reclassified, sampleEvent(recs[1])}, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Updated != 1 || res.Skipped != 1 || res.Added != 0 {
		t.Errorf("expected 1 updated 1 unchanged, got %+v", res)
	}

	got, err := s.GetTimelineEvent(ctx, events[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Severity != model.SeverityAlert || got.Phase != model.PhaseInitialAccess {
		t.Errorf("classification not refreshed: %+v", got)
	}
	if !got.Excluded || got.ExcludedReason != "test account" {
		t.Error("forced save must preserve exclusion")
	}
	if got.SignInType != model.SignInInteractive || got.Country != "AU" {
		t.Errorf("view context missing: %+v", got)
	}
}

func testExcludeEvent(t *testing.T, s Store) {
	ctx := context.Background()
	recs := insertSamples(t, s, 2)
	events := []*model.TimelineEvent{sampleEvent(recs[0]), sampleEvent(recs[1])}
	if _, err := s.SaveTimelineEvents(ctx, events, false); err != nil {
		t.Fatal(err)
	}

	if err := s.ExcludeEvent(ctx, events[1].ID, "known VPN"); err != nil {
		t.Fatalf("ExcludeEvent failed: %v", err)
	}
	active, err := s.ActiveTimelineEvents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != events[0].ID {
		t.Errorf("expected only the first event active, got %v", active)
	}

	src, err := s.GetSignIn(ctx, recs[1].ID)
	if err != nil {
		t.Fatal(err)
	}
	if !src.Excluded || src.ExcludedReason != "known VPN" {
		t.Errorf("source record not flagged: %+v", src)
	}

	if err := s.ExcludeEvent(ctx, 9999, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testAnnotations(t *testing.T, s Store) {
	ctx := context.Background()
	recs := insertSamples(t, s, 1)
	ev := sampleEvent(recs[0])
	if _, err := s.SaveTimelineEvents(ctx, []*model.TimelineEvent{ev}, false); err != nil {
		t.Fatal(err)
	}

	notes := []*model.TimelineAnnotation{
		{EventID: ev.ID, Type: model.AnnotationFinding, Content: "first foreign login", Author: "ir", IncludeInReport: true, CreatedAt: baseTime},
		{EventID: ev.ID, Type: model.AnnotationNote, Content: "internal only", CreatedAt: baseTime.Add(time.Second)},
	}
	for _, a := range notes {
		if err := s.AddAnnotation(ctx, a); err != nil {
			t.Fatalf("AddAnnotation failed: %v", err)
		}
		if a.ID == 0 {
			t.Error("expected annotation id to be set")
		}
	}

	got, err := s.ListAnnotations(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Content != "first foreign login" || !got[0].IncludeInReport {
		t.Errorf("unexpected annotations %v", got)
	}

	report, err := s.ReportAnnotations(ctx)
	if err != nil {
		t.Fatalf("ReportAnnotations failed: %v", err)
	}
	if len(report) != 1 || report[0].Actor != "alice@example.com" || report[0].SignInID != recs[0].ID {
		t.Errorf("unexpected report annotations %v", report)
	}

	viewed, err := s.GetTimelineEvent(ctx, ev.ID)
	if err != nil {
		t.Fatal(err)
	}
	if viewed.AnnotationCount != 2 {
		t.Errorf("expected annotation count 2, got %d", viewed.AnnotationCount)
	}

	err = s.AddAnnotation(ctx, &model.TimelineAnnotation{EventID: 9999, Type: model.AnnotationNote, Content: "x", CreatedAt: baseTime})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testPhasesAndBuilds(t *testing.T, s Store) {
	ctx := context.Background()
	b1 := &model.TimelineBuild{ID: "b1", Mode: "full", State: "DONE", EventsScanned: 5, EventsAdded: 5,
		PhasesDetected: 2, HighWaterID: 5, StartedAt: baseTime, FinishedAt: baseTime.Add(time.Second)}
	phases := []*model.TimelinePhase{
		{Phase: model.PhaseCredentialAccess, Start: baseTime, End: baseTime.Add(time.Hour), EventCount: 4, Confidence: model.ConfidenceMedium, BuildID: "b1"},
		{Phase: model.PhaseInitialAccess, Start: baseTime.Add(2 * time.Hour), End: baseTime.Add(3 * time.Hour), EventCount: 1, Confidence: model.ConfidenceHigh, BuildID: "b1"},
	}
	if err := s.CompleteBuild(ctx, b1, phases, nil); err != nil {
		t.Fatalf("CompleteBuild failed: %v", err)
	}

	b2 := &model.TimelineBuild{ID: "b2", Mode: "incremental", State: "DONE", PhasesDetected: 1, HighWaterID: 5,
		StartedAt: baseTime.Add(time.Minute), FinishedAt: baseTime.Add(time.Minute)}
	next := []*model.TimelinePhase{
		{Phase: model.PhaseInitialAccess, Start: baseTime.Add(2 * time.Hour), End: baseTime.Add(3 * time.Hour), EventCount: 1, Confidence: model.ConfidenceHigh, BuildID: "b2"},
	}
	if err := s.CompleteBuild(ctx, b2, next, nil); err != nil {
		t.Fatal(err)
	}
	got, err := s.ListPhases(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Phase != model.PhaseInitialAccess || got[0].BuildID != "b2" {
		t.Errorf("expected phases replaced, got %v", got)
	}

	orphan := []*model.TimelinePhase{{Phase: model.PhasePersistence, Start: baseTime, End: baseTime,
		EventCount: 1, Confidence: model.ConfidenceLow, BuildID: "missing"}}
	b3 := &model.TimelineBuild{ID: "b3", Mode: "full", State: "DONE", StartedAt: baseTime.Add(2 * time.Minute),
		FinishedAt: baseTime.Add(2 * time.Minute)}
	if err := s.CompleteBuild(ctx, b3, orphan, nil); err == nil {
		t.Error("expected phase with unknown build id to be rejected")
	}

	failed := &model.TimelineBuild{ID: "b4", Mode: "full", State: "FAILED", StartedAt: baseTime.Add(3 * time.Minute),
		FinishedAt: baseTime.Add(3 * time.Minute)}
	if err := s.RecordBuild(ctx, failed); err != nil {
		t.Fatalf("RecordBuild failed: %v", err)
	}
	builds, err := s.ListBuilds(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(builds) != 3 || builds[0].State != "FAILED" || builds[2].HighWaterID != 5 {
		t.Errorf("unexpected builds %v", builds)
	}
	if got, _ := s.ListPhases(ctx); len(got) != 1 || got[0].BuildID != "b2" {
		t.Errorf("expected rejected build to leave phases untouched, got %v", got)
	}
}
