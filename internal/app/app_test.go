package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/common"
	"github.com/ternarybob/registrar/internal/interfaces"
	"github.com/ternarybob/registrar/internal/models"
	"github.com/ternarybob/registrar/internal/services/browser"
	"github.com/ternarybob/registrar/internal/storage/tables"
)

const (
	amosArchive     = "Amos (St. Marc-de-Figuery)"
	kitimaatArchive = "Kitimaat (Elizabeth Long Memorial Home for Girls)"
)

// blankMap is a map page whose layer never renders a marker
type blankMap struct {
	navigateErr error
	closed      bool
}

func (b *blankMap) Navigate(ctx context.Context, url string) error { return b.navigateErr }
func (b *blankMap) Find(ctx context.Context, selector string, scope interfaces.ElementHandle) ([]interfaces.ElementHandle, error) {
	return nil, nil
}
func (b *blankMap) Click(ctx context.Context, el interfaces.ElementHandle) error { return nil }
func (b *blankMap) Text(ctx context.Context, el interfaces.ElementHandle) (string, error) {
	return "", nil
}
func (b *blankMap) RunScript(ctx context.Context, src string, result interface{}, args ...interface{}) error {
	return nil
}
func (b *blankMap) Screenshot(ctx context.Context) ([]byte, error) { return nil, nil }
func (b *blankMap) Wait(ctx context.Context, predicate interfaces.WaitPredicate, timeout time.Duration) error {
	return browser.Poll(ctx, predicate, timeout, time.Millisecond)
}
func (b *blankMap) Close() error {
	b.closed = true
	return nil
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	dir := t.TempDir()

	cfg := common.NewDefaultConfig()
	cfg.Map.URL = "https://map.test/view"
	cfg.Map.LoadTimeout = "20ms"
	cfg.Storage.Badger.Path = filepath.Join(dir, "db")
	cfg.Output.Dir = filepath.Join(dir, "out")

	a, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func writeArchive(t *testing.T, a *App) {
	t.Helper()
	require.NoError(t, tables.WriteArchive(a.outputPath(a.Config.Output.Archive), []models.ArchiveEntity{
		{CanonicalName: amosArchive, Link: "https://archive.test/amos"},
		{CanonicalName: kitimaatArchive, Link: "https://archive.test/kitimaat"},
		{CanonicalName: "Unknown institution", Link: "https://archive.test/unknown"},
	}))
}

func sampleMarkers() []models.MarkerRecord {
	return []models.MarkerRecord{
		models.NewMarkerRecord("Canadian Residential Schools: Amos", 48.57, -78.12),
		models.NewMarkerRecord("Canadian Residential Schools: Kitimaat", 54.05, -128.65),
		models.NewMarkerRecord("Canadian Residential Schools: Regina", 50.45, -104.61),
	}
}

func registryByName(result []models.ReconciledEntity) map[string]models.ReconciledEntity {
	out := make(map[string]models.ReconciledEntity)
	for _, e := range result {
		out[e.CanonicalName] = e
	}
	return out
}

func TestExtract_FailedRunIsRecorded(t *testing.T) {
	a := newTestApp(t)
	driver := &blankMap{}
	a.SetDriverFactory(func() (interfaces.BrowserDriver, error) { return driver, nil })

	report, err := a.Extract(context.Background())
	require.Error(t, err)
	require.NotNil(t, report)
	assert.True(t, driver.closed)

	runs, err := a.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.NotEmpty(t, runs[0].Error)
	assert.False(t, runs[0].CompletedAt.IsZero())

	// Empty tables are still written
	_, err = os.Stat(a.outputPath(a.Config.Output.Markers))
	assert.NoError(t, err)
	_, err = os.Stat(a.outputPath(a.Config.Output.Audit))
	assert.NoError(t, err)
}

func TestExtract_CancelledRun(t *testing.T) {
	a := newTestApp(t)
	a.SetDriverFactory(func() (interfaces.BrowserDriver, error) {
		return &blankMap{navigateErr: context.Canceled}, nil
	})

	_, err := a.Extract(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	run, err := a.Runs.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, run.Status)
}

func TestExtract_BrowserStartFailure(t *testing.T) {
	a := newTestApp(t)
	a.SetDriverFactory(func() (interfaces.BrowserDriver, error) {
		return nil, errors.New("chrome not found")
	})

	_, err := a.Extract(context.Background())
	assert.ErrorContains(t, err, "chrome not found")

	run, err := a.Runs.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, run.Status)
}

func TestExtract_RequiresMapURL(t *testing.T) {
	a := newTestApp(t)
	a.Config.Map.URL = ""

	_, err := a.Extract(context.Background())
	assert.Error(t, err)

	runs, err := a.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestReconcile_FromMarkersTable(t *testing.T) {
	a := newTestApp(t)
	writeArchive(t, a)
	markersPath := filepath.Join(t.TempDir(), "markers.csv")
	require.NoError(t, tables.WriteMarkers(markersPath, sampleMarkers()))

	result, err := a.Reconcile(context.Background(), ReconcileOptions{MarkersPath: markersPath})
	require.NoError(t, err)

	registry := registryByName(result.Registry)
	require.Len(t, registry, 3)
	assert.Equal(t, "Amos", registry[amosArchive].MarkerName)
	assert.Equal(t, models.MatchAutomatic, registry[amosArchive].MatchStatus)
	assert.Equal(t, "Kitimaat", registry[kitimaatArchive].MarkerName)
	assert.False(t, registry["Unknown institution"].Geocoded())

	require.Len(t, result.Unmatched, 1)
	assert.Equal(t, "Regina", result.Unmatched[0].MarkerName)
	assert.Equal(t, models.ReasonNoCandidate, result.Unmatched[0].Reason)

	for _, name := range []string{a.Config.Output.Registry, a.Config.Output.Unmatched} {
		_, err := os.Stat(a.outputPath(name))
		assert.NoError(t, err, name)
	}
}

func TestReconcile_LatestRunAndExport(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	writeArchive(t, a)

	run := &models.ExtractionRun{ID: "run-1", Status: models.RunStatusCompleted, StartedAt: time.Now()}
	require.NoError(t, a.Runs.SaveRun(ctx, run))
	for i, record := range sampleMarkers() {
		require.NoError(t, a.Runs.AppendMarker(ctx, run.ID, i, record))
	}

	overridesPath := filepath.Join(t.TempDir(), "overrides.toml")
	require.NoError(t, os.WriteFile(overridesPath, []byte(`
[[override]]
marker_name = "Regina"
canonical_name = "Unknown institution"
`), 0644))
	a.Config.Overrides.Path = overridesPath

	result, err := a.Reconcile(ctx, ReconcileOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Unmatched)

	stored, err := a.Runs.GetRegistry(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Registry, stored)

	require.NoError(t, os.RemoveAll(a.Config.Output.Dir))
	require.NoError(t, a.Export(ctx, run.ID))

	exported, err := tables.ReadMarkers(a.outputPath(a.Config.Output.Markers))
	require.NoError(t, err)
	assert.Equal(t, sampleMarkers(), exported)

	data, err := os.ReadFile(a.outputPath(a.Config.Output.Registry))
	require.NoError(t, err)
	assert.Contains(t, string(data), amosArchive)
}

func TestReconcile_Errors(t *testing.T) {
	t.Run("no archive table", func(t *testing.T) {
		a := newTestApp(t)
		_, err := a.Reconcile(context.Background(), ReconcileOptions{})
		assert.Error(t, err)
	})

	t.Run("no markers anywhere", func(t *testing.T) {
		a := newTestApp(t)
		writeArchive(t, a)
		_, err := a.Reconcile(context.Background(), ReconcileOptions{})
		assert.Error(t, err)
	})

	t.Run("unknown run", func(t *testing.T) {
		a := newTestApp(t)
		writeArchive(t, a)
		_, err := a.Reconcile(context.Background(), ReconcileOptions{RunID: "missing"})
		assert.ErrorIs(t, err, interfaces.ErrRunNotFound)
	})
}

func TestExport_UnknownRun(t *testing.T) {
	a := newTestApp(t)
	assert.ErrorIs(t, a.Export(context.Background(), "missing"), interfaces.ErrRunNotFound)
}
