package markers

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/common"
	"github.com/ternarybob/registrar/internal/interfaces"
	"github.com/ternarybob/registrar/internal/models"
)

// RunReport is everything an extraction run produced, including partial
// results when the run was cancelled
type RunReport struct {
	RunID    string
	Records  []models.MarkerRecord
	Audit    []models.AuditRow
	Summary  models.RunSummary
	Duration time.Duration
}

// Service extracts every marker of the configured layer, one at a time
type Service struct {
	config     *common.MapConfig
	enumerator *Enumerator
	extractor  *Extractor
	recovery   *RecoveryController
	logger     arbor.ILogger
}

// NewService creates a new marker extraction service
func NewService(config *common.MapConfig, logger arbor.ILogger) *Service {
	enumerator := NewEnumerator(logger)
	extractor := NewExtractor(logger)
	return &Service{
		config:     config,
		enumerator: enumerator,
		extractor:  extractor,
		recovery:   NewRecoveryController(enumerator, extractor, logger),
		logger:     logger,
	}
}

// Run loads the map, enumerates markers and drives each through the
// recovery controller. The driver is closed before Run returns. Context
// cancellation is checked between markers; the report then holds what was
// accumulated so far and the context error is returned alongside it.
func (s *Service) Run(ctx context.Context, driver interfaces.BrowserDriver, runID string, sink interfaces.RecordSink) (*RunReport, error) {
	defer func() {
		if err := driver.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close browser session")
		}
	}()

	logger := s.logger.WithCorrelationId(runID)
	startTime := time.Now()
	session := NewSession(driver, s.config, logger)
	acc := NewAccumulator(runID, s.config.CoordinatePrecision, sink, logger)
	report := &RunReport{RunID: runID}

	finish := func() {
		report.Records = acc.Records()
		report.Audit = acc.Audit()
		report.Summary.Duplicates = acc.Duplicates()
		report.Duration = time.Since(startTime)
	}
	defer finish()

	logger.Info().Str("url", s.config.URL).Msg("Loading map")
	if err := driver.Navigate(ctx, s.config.URL); err != nil {
		return report, fmt.Errorf("failed to load map: %w", err)
	}
	if err := s.enumerator.WaitForMarkers(ctx, session); err != nil {
		return report, err
	}

	handles, err := s.enumerator.Enumerate(ctx, session)
	if err != nil {
		return report, err
	}
	total := len(handles)
	report.Summary.Enumerated = total

	logger.Info().Int("markers", total).Msg("Extracting markers")

	for ordinal := 0; ordinal < total; ordinal++ {
		if err := ctx.Err(); err != nil {
			logger.Warn().
				Int("processed", ordinal).
				Int("total", total).
				Msg("Extraction cancelled")
			return report, err
		}

		// A recovery cycle on the previous marker changed the viewport
		if len(handles) == 0 || handles[0].Generation != session.Generation() {
			if handles, err = s.enumerator.Enumerate(ctx, session); err != nil {
				return report, err
			}
		}

		if ordinal >= len(handles) {
			row := models.AuditRow{
				Ordinal: ordinal,
				Reason:  models.ReasonStaleReference,
				Detail:  fmt.Sprintf("marker %d not rendered after viewport change (%d markers)", ordinal, len(handles)),
			}
			if err := acc.AddAudit(ctx, row); err != nil {
				return report, err
			}
			report.Summary.Failed++
			continue
		}

		result := s.recovery.Process(ctx, session, handles[ordinal])
		if err := s.record(ctx, acc, &report.Summary, result); err != nil {
			return report, err
		}

		if (ordinal+1)%25 == 0 {
			logger.Info().
				Int("processed", ordinal+1).
				Int("total", total).
				Int("extracted", report.Summary.Extracted).
				Msg("Extraction progress")
		}
	}

	logger.Info().
		Int("enumerated", report.Summary.Enumerated).
		Int("extracted", report.Summary.Extracted).
		Int("recovered", report.Summary.Recovered).
		Int("failed", report.Summary.Failed).
		Int("incomplete", report.Summary.Incomplete).
		Dur("duration", time.Since(startTime)).
		Msg("Extraction complete")

	return report, nil
}

func (s *Service) record(ctx context.Context, acc *Accumulator, summary *models.RunSummary, result *MarkerResult) error {
	if result.Extracted() {
		summary.Extracted++
		if result.Recovered {
			summary.Recovered++
		}
		_, err := acc.Add(ctx, result.Outcome.Record)
		return err
	}

	summary.Failed++
	if result.Err != nil && result.Err.Reason == models.ReasonDataIntegrity {
		summary.Incomplete++
	}
	return acc.AddAudit(ctx, result.AuditRow())
}
