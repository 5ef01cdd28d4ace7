package markers

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/interfaces"
	"github.com/ternarybob/registrar/internal/models"
)

// State is a step of the per-marker recovery state machine
type State string

const (
	StateIdle          State = "idle"
	StateClicked       State = "clicked"
	StateAwaitingPopup State = "awaiting_popup"
	StateExtracted     State = "extracted"
	StatePopupMissing  State = "popup_missing"
	StateZoomedRetry   State = "zoomed_retry"
	StateFailed        State = "failed"
	StatePopupClosed   State = "popup_closed"
)

// MarkerResult is what the controller reports for one marker
type MarkerResult struct {
	Ordinal     int
	Outcome     models.ExtractionOutcome
	Final       State // StateExtracted or StateFailed
	Transitions []State
	Recovered   bool // at least one zoom cycle was used
	Cycles      int
	ZoomBefore  *float64
	ZoomAfter   *float64
	Err         *models.ExtractionError
	Screenshot  string
}

// Extracted reports whether the marker produced a complete record
func (r *MarkerResult) Extracted() bool {
	return r.Final == StateExtracted
}

// AuditRow converts a failed result into an audit table row
func (r *MarkerResult) AuditRow() models.AuditRow {
	row := models.AuditRow{
		Ordinal:    r.Ordinal,
		Title:      r.Outcome.Record.Title,
		Latitude:   r.Outcome.Record.Latitude,
		Longitude:  r.Outcome.Record.Longitude,
		Screenshot: r.Screenshot,
	}
	if r.Err != nil {
		row.Reason = r.Err.Reason
		row.Detail = r.Err.Error()
	}
	return row
}

// RecoveryController drives one marker through click, popup wait, optional
// zoom-and-retry cycles, and popup dismissal
type RecoveryController struct {
	enumerator *Enumerator
	extractor  *Extractor
	logger     arbor.ILogger
}

// NewRecoveryController creates a new RecoveryController
func NewRecoveryController(enumerator *Enumerator, extractor *Extractor, logger arbor.ILogger) *RecoveryController {
	return &RecoveryController{
		enumerator: enumerator,
		extractor:  extractor,
		logger:     logger,
	}
}

// fsm holds the mutable state of a single Process call
type fsm struct {
	result       *MarkerResult
	handle       MarkerHandle
	state        State
	originalZoom *float64
}

func (m *fsm) to(next State) {
	m.state = next
	m.result.Transitions = append(m.result.Transitions, next)
}

// Process runs the state machine for h until the popup has been closed.
// It never returns a browser error; failures end in StateFailed with Err set.
func (c *RecoveryController) Process(ctx context.Context, s *Session, h MarkerHandle) *MarkerResult {
	m := &fsm{
		result: &MarkerResult{Ordinal: h.Ordinal, Transitions: []State{StateIdle}},
		handle: h,
		state:  StateIdle,
	}
	maxCycles := s.Config().MaxRecoveryCycles
	var popup interfaces.ElementHandle

	for {
		switch m.state {
		case StateIdle:
			outcome, ok := c.extractor.Click(ctx, s, m.handle)
			if !ok {
				m.result.Outcome = outcome
				m.to(StatePopupMissing)
				continue
			}
			m.to(StateClicked)

		case StateClicked:
			m.to(StateAwaitingPopup)
			found, outcome, ok := c.extractor.AwaitPopup(ctx, s)
			if !ok {
				m.result.Outcome = outcome
				m.to(StatePopupMissing)
				continue
			}
			popup = found

		case StateAwaitingPopup:
			outcome := c.extractor.ReadPopup(ctx, s, popup)
			m.result.Outcome = outcome
			switch outcome.Kind {
			case models.OutcomeSuccess:
				m.to(StateExtracted)
			case models.OutcomeFieldMissing:
				c.fail(ctx, s, m, models.ReasonDataIntegrity)
			default:
				m.to(StatePopupMissing)
			}

		case StatePopupMissing:
			if m.result.Cycles >= maxCycles || ctx.Err() != nil {
				c.fail(ctx, s, m, models.ReasonPermanentExtraction)
				continue
			}
			m.to(StateZoomedRetry)

		case StateZoomedRetry:
			m.result.Cycles++
			m.result.Recovered = true
			outcome := c.retry(ctx, s, m)
			m.result.Outcome = outcome
			switch outcome.Kind {
			case models.OutcomeSuccess:
				c.restoreZoom(ctx, s, m)
				m.to(StateExtracted)
			case models.OutcomeFieldMissing:
				c.fail(ctx, s, m, models.ReasonDataIntegrity)
			default:
				m.to(StatePopupMissing)
			}

		case StateExtracted, StateFailed:
			m.result.Final = m.state
			if err := c.extractor.Close(ctx, s); err != nil {
				c.logger.Warn().Err(err).Int("ordinal", h.Ordinal).Msg("Failed to close popup")
			}
			m.to(StatePopupClosed)

		case StatePopupClosed:
			m.to(StateIdle)
			c.log(m.result)
			return m.result
		}
	}
}

// retry zooms in by one more step from the original level, re-acquires the
// marker by ordinal in the new generation and attempts extraction again
func (c *RecoveryController) retry(ctx context.Context, s *Session, m *fsm) models.ExtractionOutcome {
	if m.originalZoom == nil {
		level, err := s.ZoomLevel(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Int("ordinal", m.handle.Ordinal).Msg("Cannot read zoom level, retrying without zoom")
		} else {
			m.originalZoom = &level
			m.result.ZoomBefore = &level
		}
	}

	if m.originalZoom != nil {
		target := *m.originalZoom + float64(s.Config().RecoveryZoomStep*m.result.Cycles)
		if err := s.SetZoom(ctx, target); err != nil {
			c.logger.Warn().Err(err).Int("ordinal", m.handle.Ordinal).Msg("Zoom change failed")
		}
	} else {
		s.Invalidate()
	}

	handle, err := c.enumerator.Resolve(ctx, s, m.handle.Ordinal)
	if err != nil {
		return models.StaleElement(err)
	}
	m.handle = handle

	return c.extractor.Extract(ctx, s, handle)
}

// fail captures a screenshot, restores the viewport and enters StateFailed
func (c *RecoveryController) fail(ctx context.Context, s *Session, m *fsm, reason models.AuditReason) {
	m.result.Err = &models.ExtractionError{
		Ordinal: m.handle.Ordinal,
		Reason:  reason,
		Outcome: m.result.Outcome.Kind,
		Err:     m.result.Outcome.Err,
	}
	m.result.Screenshot = c.screenshot(ctx, s, m.handle.Ordinal)
	c.restoreZoom(ctx, s, m)
	m.to(StateFailed)
}

func (c *RecoveryController) restoreZoom(ctx context.Context, s *Session, m *fsm) {
	if m.originalZoom == nil {
		return
	}
	if err := s.SetZoom(ctx, *m.originalZoom); err != nil {
		c.logger.Warn().Err(err).Int("ordinal", m.handle.Ordinal).Msg("Failed to restore zoom level")
	}
	if level, err := s.ZoomLevel(ctx); err == nil {
		m.result.ZoomAfter = &level
	}
}

func (c *RecoveryController) screenshot(ctx context.Context, s *Session, ordinal int) string {
	dir := s.Config().ScreenshotDir
	if dir == "" || ctx.Err() != nil {
		return ""
	}

	data, err := s.Driver().Screenshot(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Int("ordinal", ordinal).Msg("Failed to capture screenshot")
		return ""
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		c.logger.Warn().Err(err).Str("dir", dir).Msg("Failed to create screenshot directory")
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("marker-%05d.png", ordinal))
	if err := os.WriteFile(path, data, 0644); err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("Failed to write screenshot")
		return ""
	}
	return path
}

func (c *RecoveryController) log(r *MarkerResult) {
	if r.Extracted() {
		c.logger.Debug().
			Int("ordinal", r.Ordinal).
			Str("title", r.Outcome.Record.Title).
			Bool("recovered", r.Recovered).
			Msg("Marker extracted")
		return
	}

	event := c.logger.Warn().
		Int("ordinal", r.Ordinal).
		Str("outcome", r.Outcome.String()).
		Int("cycles", r.Cycles)
	if r.Err != nil {
		event = event.Str("reason", string(r.Err.Reason))
		if errors.Is(r.Err, models.ErrDataIntegrity) {
			event.Msg("Marker popup incomplete")
			return
		}
	}
	event.Msg("Marker extraction failed")
}
