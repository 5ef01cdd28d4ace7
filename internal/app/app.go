package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/common"
	"github.com/ternarybob/registrar/internal/interfaces"
	"github.com/ternarybob/registrar/internal/models"
	"github.com/ternarybob/registrar/internal/services/archive"
	"github.com/ternarybob/registrar/internal/services/browser"
	"github.com/ternarybob/registrar/internal/services/markers"
	"github.com/ternarybob/registrar/internal/services/overrides"
	"github.com/ternarybob/registrar/internal/services/reconcile"
	"github.com/ternarybob/registrar/internal/storage"
	"github.com/ternarybob/registrar/internal/storage/tables"
)

// DriverFactory opens a new browser session for one extraction run
type DriverFactory func() (interfaces.BrowserDriver, error)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage
	Runs interfaces.RunStorage

	// Services
	MarkerService *markers.Service
	Archive       *archive.Scraper
	Reconciler    *reconcile.Engine
	Overrides     *overrides.Loader

	newDriver DriverFactory
}

// ReconcileOptions selects the marker source for a reconciliation.
// MarkersPath wins over RunID; with neither, the latest stored run is used,
// falling back to the markers table in the output directory.
type ReconcileOptions struct {
	RunID       string
	MarkersPath string
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	runs, err := storage.NewRunStorage(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.Runs = runs

	app.MarkerService = markers.NewService(&cfg.Map, logger)
	app.Archive = archive.NewScraper(&cfg.Archive, archive.WithLogger(logger))
	app.Reconciler = reconcile.NewEngine(&cfg.Reconcile, logger)
	app.Overrides = overrides.NewLoader(logger)
	app.newDriver = func() (interfaces.BrowserDriver, error) {
		return browser.NewChromeDriver(&cfg.Browser, logger)
	}

	logger.Debug().Msg("Application initialization complete")

	return app, nil
}

// SetDriverFactory replaces how browser sessions are opened
func (a *App) SetDriverFactory(factory DriverFactory) {
	a.newDriver = factory
}

// Extract runs one browser extraction, persisting rows as they are accepted
// and writing the markers and audit tables at the end. A cancelled run still
// writes what it accumulated.
func (a *App) Extract(ctx context.Context) (*markers.RunReport, error) {
	if a.Config.Map.URL == "" {
		return nil, fmt.Errorf("map url is not configured")
	}

	run := &models.ExtractionRun{
		ID:        uuid.New().String(),
		MapURL:    a.Config.Map.URL,
		Status:    models.RunStatusRunning,
		StartedAt: time.Now(),
	}
	logger := a.Logger.WithCorrelationId(run.ID)

	if err := a.Runs.SaveRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	driver, err := a.newDriver()
	if err != nil {
		a.finishRun(ctx, run, nil, err)
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	logger.Info().Str("run_id", run.ID).Msg("Extraction run started")

	report, runErr := a.MarkerService.Run(ctx, driver, run.ID, a.Runs)
	a.finishRun(ctx, run, report, runErr)

	if report != nil {
		if err := a.writeExtraction(report.Records, report.Audit); err != nil {
			return report, errors.Join(runErr, err)
		}
		logger.Info().
			Str("markers", a.outputPath(a.Config.Output.Markers)).
			Str("audit", a.outputPath(a.Config.Output.Audit)).
			Msg("Extraction tables written")
	}

	return report, runErr
}

// finishRun stores the final status of a run. It must succeed after cancellation.
func (a *App) finishRun(ctx context.Context, run *models.ExtractionRun, report *markers.RunReport, runErr error) {
	ctx = context.WithoutCancel(ctx)

	run.CompletedAt = time.Now()
	switch {
	case runErr == nil:
		run.Status = models.RunStatusCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		run.Status = models.RunStatusCancelled
		run.Error = runErr.Error()
	default:
		run.Status = models.RunStatusFailed
		run.Error = runErr.Error()
	}
	if report != nil {
		run.Summary = report.Summary
	}

	if err := a.Runs.SaveRun(ctx, run); err != nil {
		a.Logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to save run status")
	}
}

// ScrapeArchive scrapes the archive listing and writes the archive table
func (a *App) ScrapeArchive(ctx context.Context) ([]models.ArchiveEntity, error) {
	entities, err := a.Archive.Scrape(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive scrape failed: %w", err)
	}

	path := a.outputPath(a.Config.Output.Archive)
	if err := tables.WriteArchive(path, entities); err != nil {
		return nil, err
	}

	a.Logger.Info().
		Int("entities", len(entities)).
		Str("path", path).
		Msg("Archive table written")

	return entities, nil
}

// Reconcile joins the archive table with a marker source, applies manual
// overrides and writes the registry and unmatched tables. When the markers
// belong to a stored run the registry snapshot is saved with it.
func (a *App) Reconcile(ctx context.Context, opts ReconcileOptions) (*reconcile.Result, error) {
	archivePath := a.outputPath(a.Config.Output.Archive)
	entities, err := tables.ReadArchive(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive table: %w", err)
	}

	records, runID, err := a.loadMarkers(ctx, opts)
	if err != nil {
		return nil, err
	}

	manual, err := a.Overrides.Load(a.Config.Overrides.Path)
	if err != nil {
		return nil, err
	}

	result, err := a.Reconciler.Reconcile(ctx, entities, records, manual)
	if err != nil {
		return nil, err
	}

	for _, issue := range result.Invalid {
		a.Logger.Warn().
			Str("marker_name", issue.Override.MarkerName).
			Str("canonical_name", issue.Override.CanonicalName).
			Str("reason", issue.Reason).
			Msg("Manual override skipped")
	}
	for _, issue := range result.Unjoined {
		a.Logger.Warn().
			Str("marker_name", issue.Override.MarkerName).
			Str("canonical_name", issue.Override.CanonicalName).
			Msg("Manual override names an entity missing from the archive")
	}

	if err := tables.WriteRegistry(a.outputPath(a.Config.Output.Registry), result.Registry); err != nil {
		return nil, err
	}
	if err := tables.WriteUnmatched(a.outputPath(a.Config.Output.Unmatched), result.Unmatched); err != nil {
		return nil, err
	}

	if runID != "" {
		if err := a.Runs.SaveRegistry(ctx, runID, result.Registry); err != nil {
			return nil, fmt.Errorf("failed to save registry: %w", err)
		}
	}

	a.Logger.Info().
		Str("run_id", runID).
		Int("registry", len(result.Registry)).
		Int("unmatched", len(result.Unmatched)).
		Msg("Registry tables written")

	return result, nil
}

// loadMarkers resolves the marker source and returns the run it came from, if any
func (a *App) loadMarkers(ctx context.Context, opts ReconcileOptions) ([]models.MarkerRecord, string, error) {
	if opts.MarkersPath != "" {
		records, err := tables.ReadMarkers(opts.MarkersPath)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load markers table: %w", err)
		}
		return records, "", nil
	}

	runID := opts.RunID
	if runID == "" {
		latest, err := a.Runs.LatestRun(ctx)
		switch {
		case errors.Is(err, interfaces.ErrRunNotFound):
			records, err := tables.ReadMarkers(a.outputPath(a.Config.Output.Markers))
			if err != nil {
				return nil, "", fmt.Errorf("no stored runs and no markers table: %w", err)
			}
			return records, "", nil
		case err != nil:
			return nil, "", err
		}
		runID = latest.ID
	} else if _, err := a.Runs.GetRun(ctx, runID); err != nil {
		return nil, "", err
	}

	records, err := a.Runs.GetMarkers(ctx, runID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load markers for run %s: %w", runID, err)
	}

	a.Logger.Debug().
		Str("run_id", runID).
		Int("markers", len(records)).
		Msg("Markers loaded from run storage")

	return records, runID, nil
}

// ListRuns returns stored runs, newest first
func (a *App) ListRuns(ctx context.Context) ([]*models.ExtractionRun, error) {
	return a.Runs.ListRuns(ctx)
}

// Export re-emits the markers, audit and registry tables of a stored run
func (a *App) Export(ctx context.Context, runID string) error {
	if _, err := a.Runs.GetRun(ctx, runID); err != nil {
		return err
	}

	records, err := a.Runs.GetMarkers(ctx, runID)
	if err != nil {
		return err
	}
	audit, err := a.Runs.GetAudit(ctx, runID)
	if err != nil {
		return err
	}
	if err := a.writeExtraction(records, audit); err != nil {
		return err
	}

	registry, err := a.Runs.GetRegistry(ctx, runID)
	if err != nil {
		return err
	}
	if len(registry) > 0 {
		if err := tables.WriteRegistry(a.outputPath(a.Config.Output.Registry), registry); err != nil {
			return err
		}
	}

	a.Logger.Info().
		Str("run_id", runID).
		Int("markers", len(records)).
		Int("audit", len(audit)).
		Int("registry", len(registry)).
		Msg("Run exported")

	return nil
}

func (a *App) writeExtraction(records []models.MarkerRecord, audit []models.AuditRow) error {
	if err := tables.WriteMarkers(a.outputPath(a.Config.Output.Markers), records); err != nil {
		return err
	}
	return tables.WriteAudit(a.outputPath(a.Config.Output.Audit), audit)
}

func (a *App) outputPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(a.Config.Output.Dir, name)
}

// Close closes all application resources
func (a *App) Close() error {
	if a.Runs != nil {
		if err := a.Runs.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Debug().Msg("Storage closed")
	}
	return nil
}
