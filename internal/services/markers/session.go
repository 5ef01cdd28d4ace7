package markers

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/common"
	"github.com/ternarybob/registrar/internal/interfaces"
)

// Session is the single owner of a browser driver during a run. It tracks the
// viewport generation: every zoom or pan increments it, and handles from an
// older generation must not be used.
type Session struct {
	driver     interfaces.BrowserDriver
	config     *common.MapConfig
	logger     arbor.ILogger
	generation int

	loadTimeout    time.Duration
	popupTimeout   time.Duration
	spinnerTimeout time.Duration
	settleDelay    time.Duration
}

// NewSession wraps driver with the map configuration
func NewSession(driver interfaces.BrowserDriver, config *common.MapConfig, logger arbor.ILogger) *Session {
	return &Session{
		driver:         driver,
		config:         config,
		logger:         logger,
		loadTimeout:    common.ParseDuration(config.LoadTimeout, 60*time.Second),
		popupTimeout:   common.ParseDuration(config.PopupTimeout, 5*time.Second),
		spinnerTimeout: common.ParseDuration(config.SpinnerTimeout, 10*time.Second),
		settleDelay:    common.ParseDuration(config.SettleDelay, 0),
	}
}

// Driver returns the underlying browser driver
func (s *Session) Driver() interfaces.BrowserDriver {
	return s.driver
}

// Config returns the map configuration
func (s *Session) Config() *common.MapConfig {
	return s.config
}

// Generation returns the current viewport generation
func (s *Session) Generation() int {
	return s.generation
}

// Invalidate marks every outstanding handle as stale
func (s *Session) Invalidate() int {
	s.generation++
	return s.generation
}

// ZoomLevel reads the map's current zoom level
func (s *Session) ZoomLevel(ctx context.Context) (float64, error) {
	var level float64
	if err := s.driver.RunScript(ctx, s.config.ZoomLevelScript, &level); err != nil {
		return 0, fmt.Errorf("failed to read zoom level: %w", err)
	}
	return level, nil
}

// SetZoom applies level, invalidates handles and waits for tiles to settle.
// The generation is bumped even when the script fails since the viewport may
// have partially changed.
func (s *Session) SetZoom(ctx context.Context, level float64) error {
	err := s.driver.RunScript(ctx, s.config.SetZoomScript, nil, level)
	gen := s.Invalidate()

	s.logger.Debug().
		Float64("zoom", level).
		Int("generation", gen).
		Msg("Viewport changed")

	if err != nil {
		return fmt.Errorf("failed to set zoom level %v: %w", level, err)
	}
	return s.settle(ctx)
}

func (s *Session) settle(ctx context.Context) error {
	if s.settleDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.settleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
