package markers

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/interfaces"
	"github.com/ternarybob/registrar/internal/models"
)

const escapeScript = `function() {
	var ev = { key: "Escape", code: "Escape", keyCode: 27, bubbles: true };
	var target = document.activeElement || document.body;
	target.dispatchEvent(new KeyboardEvent("keydown", ev));
	target.dispatchEvent(new KeyboardEvent("keyup", ev));
	return true;
}`

var numberPattern = regexp.MustCompile(`[-+\x{2212}]?\d[\d,\x{00a0} ]*(?:\.\d+)?`)

// Extractor clicks a marker and reads its popup. Browser errors are turned
// into ExtractionOutcome values here and never returned.
type Extractor struct {
	logger arbor.ILogger
}

// NewExtractor creates a new Extractor
func NewExtractor(logger arbor.ILogger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract performs one full attempt: click, wait for the popup, read it
func (e *Extractor) Extract(ctx context.Context, s *Session, h MarkerHandle) models.ExtractionOutcome {
	if outcome, ok := e.Click(ctx, s, h); !ok {
		return outcome
	}
	popup, outcome, ok := e.AwaitPopup(ctx, s)
	if !ok {
		return outcome
	}
	return e.ReadPopup(ctx, s, popup)
}

// Click waits for the loading spinner, dismisses any popup still showing
// from an earlier marker and clicks the marker. A popup that will not go
// away fails the click. The returned outcome is only meaningful when ok is
// false.
func (e *Extractor) Click(ctx context.Context, s *Session, h MarkerHandle) (models.ExtractionOutcome, bool) {
	if h.Generation != s.Generation() {
		err := fmt.Errorf("handle generation %d, session generation %d: %w", h.Generation, s.Generation(), models.ErrStaleReference)
		return models.StaleElement(err), false
	}

	e.waitForSpinner(ctx, s)

	if err := e.Close(ctx, s); err != nil {
		return models.PopupNotFound(fmt.Errorf("earlier popup still open: %v: %w", err, models.ErrTransientRender)), false
	}

	if err := s.Driver().Click(ctx, h.Element); err != nil {
		if errors.Is(err, interfaces.ErrElementDetached) {
			return models.StaleElement(fmt.Errorf("%v: %w", err, models.ErrStaleReference)), false
		}
		return models.PopupNotFound(fmt.Errorf("click failed: %v: %w", err, models.ErrTransientRender)), false
	}
	return models.ExtractionOutcome{}, true
}

// AwaitPopup waits up to the popup timeout for the popup container
func (e *Extractor) AwaitPopup(ctx context.Context, s *Session) (interfaces.ElementHandle, models.ExtractionOutcome, bool) {
	var popup interfaces.ElementHandle

	err := s.Driver().Wait(ctx, func(ctx context.Context) (bool, error) {
		found, err := s.Driver().Find(ctx, s.Config().PopupSelector, nil)
		if err != nil {
			return false, err
		}
		if len(found) == 0 {
			return false, nil
		}
		popup = found[0]
		return true, nil
	}, s.popupTimeout)

	if err != nil {
		return nil, models.PopupNotFound(fmt.Errorf("popup did not appear: %v: %w", err, models.ErrTransientRender)), false
	}
	return popup, models.ExtractionOutcome{}, true
}

// ReadPopup reads the title and the latitude/longitude rows of an open popup.
// Rows whose label matches neither keyword are ignored.
func (e *Extractor) ReadPopup(ctx context.Context, s *Session, popup interfaces.ElementHandle) models.ExtractionOutcome {
	config := s.Config()
	driver := s.Driver()

	title, err := e.firstText(ctx, driver, config.PopupTitleSelector, popup)
	if err != nil {
		return e.readFailure(err)
	}

	rows, err := driver.Find(ctx, config.PopupRowSelector, popup)
	if err != nil {
		return e.readFailure(err)
	}

	record := models.MarkerRecord{Title: strings.TrimSpace(title)}
	latKey := strings.ToLower(config.LatitudeKeyword)
	lonKey := strings.ToLower(config.LongitudeKeyword)

	for _, row := range rows {
		label, err := e.firstText(ctx, driver, config.PopupLabelSelector, row)
		if err != nil {
			return e.readFailure(err)
		}
		label = strings.ToLower(label)

		var target **float64
		switch {
		case record.Latitude == nil && strings.Contains(label, latKey):
			target = &record.Latitude
		case record.Longitude == nil && strings.Contains(label, lonKey):
			target = &record.Longitude
		default:
			continue
		}

		value, err := e.firstText(ctx, driver, config.PopupValueSelector, row)
		if err != nil {
			return e.readFailure(err)
		}
		if v, ok := ParseCoordinate(value); ok {
			*target = &v
		}
	}

	switch {
	case record.Latitude == nil:
		return models.FieldMissing(record, models.FieldLatitude)
	case record.Longitude == nil:
		return models.FieldMissing(record, models.FieldLongitude)
	}
	return models.Success(record)
}

// Close dismisses the popup using the close button, falling back to an
// Escape key event, and waits for it to leave the page. No popup is not an
// error.
func (e *Extractor) Close(ctx context.Context, s *Session) error {
	driver := s.Driver()

	open, err := driver.Find(ctx, s.Config().PopupSelector, nil)
	if err != nil {
		return fmt.Errorf("failed to look up popup: %w", err)
	}
	if len(open) == 0 {
		return nil
	}

	if s.Config().PopupCloseSelector != "" {
		buttons, err := driver.Find(ctx, s.Config().PopupCloseSelector, nil)
		if err == nil && len(buttons) > 0 {
			if err := driver.Click(ctx, buttons[0]); err == nil && e.awaitDismissed(ctx, s) == nil {
				return nil
			}
		}
	}

	if err := driver.RunScript(ctx, escapeScript, nil); err != nil {
		return fmt.Errorf("failed to dismiss popup: %w", err)
	}
	if err := e.awaitDismissed(ctx, s); err != nil {
		return fmt.Errorf("popup still open after dismissal: %w", err)
	}
	return nil
}

func (e *Extractor) awaitDismissed(ctx context.Context, s *Session) error {
	return s.Driver().Wait(ctx, func(ctx context.Context) (bool, error) {
		found, err := s.Driver().Find(ctx, s.Config().PopupSelector, nil)
		if err != nil {
			return false, err
		}
		return len(found) == 0, nil
	}, s.popupTimeout)
}

func (e *Extractor) waitForSpinner(ctx context.Context, s *Session) {
	selector := s.Config().SpinnerSelector
	if selector == "" {
		return
	}
	err := s.Driver().Wait(ctx, func(ctx context.Context) (bool, error) {
		found, err := s.Driver().Find(ctx, selector, nil)
		if err != nil {
			return false, err
		}
		return len(found) == 0, nil
	}, s.spinnerTimeout)
	if err != nil {
		e.logger.Debug().Err(err).Msg("Loading indicator still visible, clicking anyway")
	}
}

func (e *Extractor) firstText(ctx context.Context, driver interfaces.BrowserDriver, selector string, scope interfaces.ElementHandle) (string, error) {
	found, err := driver.Find(ctx, selector, scope)
	if err != nil || len(found) == 0 {
		return "", err
	}
	return driver.Text(ctx, found[0])
}

// readFailure handles a popup that vanished or re-rendered while being read
func (e *Extractor) readFailure(err error) models.ExtractionOutcome {
	return models.PopupNotFound(fmt.Errorf("popup read failed: %v: %w", err, models.ErrTransientRender))
}

// ParseCoordinate extracts the first decimal number from text. Thousands
// separators and any surrounding text such as units or hemisphere letters
// are dropped.
func ParseCoordinate(text string) (float64, bool) {
	match := numberPattern.FindString(strings.TrimSpace(text))
	if match == "" {
		return 0, false
	}
	cleaned := strings.NewReplacer(",", "", " ", "", "\u00a0", "", "\u2212", "-").Replace(match)
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
