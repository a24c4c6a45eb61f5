package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cdtdelta/m365ir/internal/config"
	"github.com/cdtdelta/m365ir/internal/csvparser"
	"github.com/cdtdelta/m365ir/internal/database"
	"github.com/cdtdelta/m365ir/internal/logging"
	"github.com/cdtdelta/m365ir/internal/model"
	"github.com/cdtdelta/m365ir/internal/schema"
	"github.com/cdtdelta/m365ir/internal/seeder"
	"github.com/cdtdelta/m365ir/internal/transform"
)

var start = time.Date(2025, 3, 12, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store   *database.SQLStore
	im      *Importer
	dir     string
	rejects string
}

func setup(t *testing.T, batchSize int) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := database.OpenSQLite(context.Background(), filepath.Join(dir, "case.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tr, err := transform.New(transform.Options{})
	require.NoError(t, err)

	rejects := filepath.Join(dir, "rejected.log")
	rl := logging.NewRejectLog(rejects, config.Default().Logging)
	t.Cleanup(func() { rl.Close() })

	im, err := New(Config{Store: store, Transformer: tr, BatchSize: batchSize, Rejects: rl})
	require.NoError(t, err)
	return &fixture{store: store, im: im, dir: dir, rejects: rejects}
}

// writeExport renders events into dir/name using the given layout.
func (f *fixture) writeExport(t *testing.T, name string, v model.Variant, events []seeder.Event) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, seeder.WriteCSV(path, v, events))
	return path
}

func (f *fixture) count(t *testing.T) int64 {
	t.Helper()
	n, err := f.store.CountSignIns(context.Background())
	require.NoError(t, err)
	return n
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestImportIdempotent(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	path := f.writeExport(t, "InteractiveSignIns_2025-03-12.csv", model.VariantGraphInteractive,
		seeder.New(11).Events(20, start, 2*time.Hour))

	first, err := f.im.Import(ctx, path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 20, first.Imported)
	assert.Equal(t, 0, first.Skipped)

	second, err := f.im.Import(ctx, path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Imported)
	assert.Equal(t, 20, second.Skipped)
	assert.Equal(t, first.SourceSHA256, second.SourceSHA256)

	assert.EqualValues(t, 20, f.count(t))
}

func TestImportRowFailureIsolation(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	header, rows, err := seeder.Render(model.VariantGraphInteractive, seeder.New(5).Events(100, start, 10*time.Hour))
	require.NoError(t, err)
	bad := append([]string(nil), rows[0]...)
	bad[0] = "not-a-timestamp"
	rows = append(rows, bad)
	path := filepath.Join(f.dir, "InteractiveSignIns.csv")
	require.NoError(t, csvparser.WriteFile(path, header, rows))

	run, err := f.im.Import(ctx, path, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.ImportCompleted, run.Status)
	assert.Equal(t, 100, run.Imported)
	assert.Equal(t, 1, run.Failed)

	rowErrs, err := f.store.RowErrors(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rowErrs, 1)
	assert.Equal(t, 101, rowErrs[0].RowNumber)
	assert.Contains(t, rowErrs[0].Raw, "not-a-timestamp")

	require.NoError(t, f.im.rejects.Close())
	logged, err := os.ReadFile(f.rejects)
	require.NoError(t, err)
	assert.Contains(t, string(logged), run.ID)
}

func TestImportWrongFieldCountIsRowError(t *testing.T) {
	f := setup(t, 0)
	header, rows, err := seeder.Render(model.VariantGraphInteractive, seeder.New(6).Events(3, start, time.Hour))
	require.NoError(t, err)
	rows[1] = rows[1][:4]
	path := filepath.Join(f.dir, "InteractiveSignIns.csv")
	require.NoError(t, csvparser.WriteFile(path, header, rows))

	run, err := f.im.Import(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, run.Imported)
	assert.Equal(t, 1, run.Failed)
}

func TestImportEndToEnd(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	events := seeder.New(9).WithUsers("alice@example.com", "bob@example.com").Events(3, start, time.Hour)
	events[0].UPN = "alice@example.com"
	events[1].UPN = "bob@example.com"
	events[2].UPN = "bob@example.com"
	path := f.writeExport(t, "InteractiveSignIns.csv", model.VariantGraphInteractive, events)

	run, err := f.im.Import(ctx, path, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.VariantGraphInteractive, run.Variant)
	assert.Equal(t, string(schema.MethodFilename), run.DetectionMethod)
	assert.Equal(t, 3, run.Imported)
	require.NotNil(t, run.MinEventTime)
	assert.True(t, run.MinEventTime.Equal(start))
	assert.True(t, run.MaxEventTime.Equal(start.Add(time.Hour)))

	recs, err := f.store.SignInsAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "alice@example.com", recs[0].UserPrincipalName)
	assert.Equal(t, run.ID, recs[0].ImportRunID)
	assert.Equal(t, path, recs[0].SourceFile)

	runs, err := f.store.ListImportRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestImportUnreadable(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	run, err := f.im.Import(ctx, filepath.Join(f.dir, "missing.csv"), Options{})

	var fe *FileError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, CodeUnreadable, fe.Code)
	assert.Equal(t, model.ImportFailed, run.Status)

	runs, err := f.store.ListImportRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, string(CodeUnreadable), runs[0].ErrorCode)
	assert.Zero(t, runs[0].Imported+runs[0].Skipped+runs[0].Failed)
}

func TestImportUnsupportedFormat(t *testing.T) {
	f := setup(t, 0)
	path := filepath.Join(f.dir, "audit.csv")
	require.NoError(t, csvparser.WriteFile(path, []string{"Activity", "Target", "When"},
		[][]string{{"Add user", "bob", "2025-03-12"}}))

	_, err := f.im.Import(context.Background(), path, Options{})
	var fe *FileError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, CodeUnsupportedFormat, fe.Code)
	assert.True(t, errors.Is(err, schema.ErrUnknownSchema))
}

func TestImportAmbiguousFormat(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	path := f.writeExport(t, "signins.csv", model.VariantGraphInteractive, seeder.New(2).Events(2, start, time.Hour))

	run, err := f.im.Import(ctx, path, Options{})
	var fe *FileError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, CodeAmbiguousFormat, fe.Code)
	assert.Equal(t, model.ImportFailed, run.Status)
	assert.EqualValues(t, 0, f.count(t))

	run, err = f.im.Import(ctx, path, Options{Override: model.VariantGraphNonInteractive})
	require.NoError(t, err)
	assert.Equal(t, string(schema.MethodOverride), run.DetectionMethod)
	assert.Equal(t, model.VariantGraphNonInteractive, run.Variant)
	assert.Equal(t, 2, run.Imported)
}

func TestImportIncremental(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	g := seeder.New(21)

	early := g.Events(10, start, 9*time.Minute)
	_, err := f.im.Import(ctx, f.writeExport(t, "InteractiveSignIns_1.csv", model.VariantGraphInteractive, early), Options{})
	require.NoError(t, err)

	// Starts four minutes before the first export's last event, with new request ids.
	late := g.Events(10, start.Add(5*time.Minute), 9*time.Minute)
	run, err := f.im.Import(ctx, f.writeExport(t, "InteractiveSignIns_2.csv", model.VariantGraphInteractive, late),
		Options{Incremental: true})
	require.NoError(t, err)
	assert.Equal(t, 6, run.Imported)
	assert.Equal(t, 4, run.BelowCutoff)
	assert.Zero(t, run.Skipped)
	assert.EqualValues(t, 16, f.count(t))

	runs, err := f.store.ListImportRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 4, runs[0].BelowCutoff)
}

func TestImportIncrementalKeepsEventsAtCutoff(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	g := seeder.New(22)

	alice := g.Event(start)
	alice.UPN = "alice@example.com"
	_, err := f.im.Import(ctx, f.writeExport(t, "InteractiveSignIns_1.csv", model.VariantGraphInteractive,
		[]seeder.Event{alice}), Options{})
	require.NoError(t, err)

	bob := g.Event(start)
	bob.UPN = "bob@example.com"
	run, err := f.im.Import(ctx, f.writeExport(t, "InteractiveSignIns_2.csv", model.VariantGraphInteractive,
		[]seeder.Event{alice, bob}), Options{Incremental: true})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Imported)
	assert.Equal(t, 1, run.Skipped)
	assert.Zero(t, run.BelowCutoff)
	assert.EqualValues(t, 2, f.count(t))
}

func TestImportWithinFileDuplicates(t *testing.T) {
	f := setup(t, 0)
	e := seeder.New(4).Event(start)
	path := f.writeExport(t, "InteractiveSignIns.csv", model.VariantGraphInteractive, []seeder.Event{e, e})

	run, err := f.im.Import(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Imported)
	assert.Equal(t, 1, run.Skipped)
}

func TestImportSmallBatches(t *testing.T) {
	f := setup(t, 3)
	path := f.writeExport(t, "InteractiveSignIns.csv", model.VariantGraphInteractive,
		seeder.New(8).Events(10, start, time.Hour))

	run, err := f.im.Import(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 10, run.Imported)
	assert.EqualValues(t, 10, f.count(t))
}

func TestImportWorkloadVariants(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	g := seeder.New(10)

	sp := f.writeExport(t, "ServicePrincipalSignIns.csv", model.VariantGraphServicePrincipal,
		[]seeder.Event{g.Workload(start, false), g.Workload(start.Add(time.Minute), false)})
	mi := f.writeExport(t, "ManagedIdentitySignIns.csv", model.VariantGraphManagedIdentity,
		[]seeder.Event{g.Workload(start, true)})

	runs, err := f.im.ImportFiles(ctx, []string{sp, mi}, Options{})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, model.VariantGraphServicePrincipal, runs[0].Variant)
	assert.Equal(t, model.VariantGraphManagedIdentity, runs[1].Variant)

	recs, err := f.store.SignInsAfter(ctx, 0, 10)
	require.NoError(t, err)
	for _, r := range recs {
		assert.Empty(t, r.UserPrincipalName)
		assert.NotEmpty(t, r.ServicePrincipalID)
	}
}

func TestImportLegacyPortal(t *testing.T) {
	f := setup(t, 0)
	e := seeder.New(12).Event(start)
	e.City, e.State, e.Country = "Melbourne", "Victoria", "AU"
	path := f.writeExport(t, "SignIns_legacy.csv", model.VariantLegacyPortal, []seeder.Event{e})

	run, err := f.im.Import(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.VariantLegacyPortal, run.Variant)
	assert.Equal(t, string(schema.MethodHeader), run.DetectionMethod)

	recs, err := f.store.SignInsAfter(context.Background(), 0, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Timestamp.Equal(start))
	assert.Equal(t, "Victoria", recs[0].State)
	assert.Equal(t, "AU", recs[0].Country)
}

func TestImportFilesContinuesAfterFailure(t *testing.T) {
	f := setup(t, 0)
	good := f.writeExport(t, "InteractiveSignIns.csv", model.VariantGraphInteractive,
		seeder.New(13).Events(4, start, time.Hour))

	runs, err := f.im.ImportFiles(context.Background(), []string{filepath.Join(f.dir, "gone.csv"), good}, Options{})
	require.Error(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, model.ImportFailed, runs[0].Status)
	assert.Equal(t, model.ImportCompleted, runs[1].Status)
	assert.Equal(t, 4, runs[1].Imported)

	var fe *FileError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, CodeUnreadable, fe.Code)
}

const graphJSON = `[
  {"id": "req-1", "createdDateTime": "2025-03-12T08:00:00Z", "userPrincipalName": "alice@example.com",
   "userDisplayName": "Alice", "userId": "u-1", "appDisplayName": "Microsoft Teams", "clientAppUsed": "Browser",
   "ipAddress": "203.0.113.7", "location": {"city": "Melbourne", "state": "Victoria", "countryOrRegion": "AU"},
   "status": {"errorCode": 0}, "signInEventTypes": ["interactiveUser"], "servicePrincipalId": ""},
  {"id": "req-2", "createdDateTime": "2025-03-12T08:05:00Z", "userPrincipalName": "alice@example.com",
   "userDisplayName": "Alice", "userId": "u-1", "appDisplayName": "Microsoft Teams", "clientAppUsed": "Browser",
   "ipAddress": "198.51.100.4", "location": {"city": "Lagos", "state": "Lagos", "countryOrRegion": "NG"},
   "status": {"errorCode": 50126, "failureReason": "Invalid username or password"},
   "signInEventTypes": ["interactiveUser"], "servicePrincipalId": ""}
]`

func TestImportGraphJSON(t *testing.T) {
	f := setup(t, 0)
	path := filepath.Join(f.dir, "signins-export.json")
	require.NoError(t, os.WriteFile(path, []byte(graphJSON), 0o644))

	run, err := f.im.Import(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, model.VariantGraphInteractive, run.Variant)
	assert.Equal(t, string(schema.MethodContent), run.DetectionMethod)
	assert.Equal(t, 2, run.Imported)

	recs, err := f.store.SignInsAfter(context.Background(), 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.False(t, recs[1].Success)
	assert.EqualValues(t, 50126, recs[1].ErrorCode)
	assert.Equal(t, "NG", recs[1].Country)
}

func TestImportNotJSON(t *testing.T) {
	f := setup(t, 0)
	path := filepath.Join(f.dir, "export.json")
	require.NoError(t, os.WriteFile(path, []byte("Date (UTC),Username\n"), 0o644))

	_, err := f.im.Import(context.Background(), path, Options{})
	var fe *FileError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, CodeUnsupportedFormat, fe.Code)
}

func TestDetectFile(t *testing.T) {
	f := setup(t, 0)
	path := f.writeExport(t, "NonInteractiveSignIns.csv", model.VariantGraphNonInteractive,
		seeder.New(3).Events(1, start, 0))

	det, err := DetectFile(path, model.VariantUnknown)
	require.NoError(t, err)
	assert.Equal(t, model.VariantGraphNonInteractive, det.Variant)
	assert.Equal(t, schema.MethodFilename, det.Method)

	_, err = DetectFile(filepath.Join(f.dir, "nope.csv"), model.VariantUnknown)
	var fe *FileError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, CodeUnreadable, fe.Code)
	assert.True(t, strings.Contains(fe.Error(), "unreadable"))
}
