package markers

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/interfaces"
	"github.com/ternarybob/registrar/internal/models"
)

// MarkerHandle addresses one rendered marker by its position in the layer.
// It is only meaningful for the viewport generation it was created in.
type MarkerHandle struct {
	Ordinal    int
	Generation int
	Element    interfaces.ElementHandle
}

// Enumerator lists the markers of the configured data layer
type Enumerator struct {
	logger arbor.ILogger
}

// NewEnumerator creates a new Enumerator
func NewEnumerator(logger arbor.ILogger) *Enumerator {
	return &Enumerator{logger: logger}
}

// WaitForMarkers blocks until the layer renders at least one marker or the
// load timeout elapses
func (e *Enumerator) WaitForMarkers(ctx context.Context, s *Session) error {
	err := s.Driver().Wait(ctx, func(ctx context.Context) (bool, error) {
		found, err := s.Driver().Find(ctx, s.Config().MarkerSelector, nil)
		if err != nil {
			return false, err
		}
		return len(found) > 0, nil
	}, s.loadTimeout)
	if err != nil {
		return fmt.Errorf("no markers rendered for selector %q: %w", s.Config().MarkerSelector, err)
	}
	return nil
}

// Enumerate queries the layer once and stamps each handle with the current
// generation. Order follows document order.
func (e *Enumerator) Enumerate(ctx context.Context, s *Session) ([]MarkerHandle, error) {
	elements, err := s.Driver().Find(ctx, s.Config().MarkerSelector, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate markers: %w", err)
	}

	handles := make([]MarkerHandle, len(elements))
	for i, el := range elements {
		handles[i] = MarkerHandle{
			Ordinal:    i,
			Generation: s.Generation(),
			Element:    el,
		}
	}

	e.logger.Debug().
		Int("markers", len(handles)).
		Int("generation", s.Generation()).
		Msg("Markers enumerated")

	return handles, nil
}

// Resolve re-enumerates and returns the handle at ordinal. An ordinal past
// the end of the new enumeration yields ErrStaleReference.
func (e *Enumerator) Resolve(ctx context.Context, s *Session, ordinal int) (MarkerHandle, error) {
	handles, err := e.Enumerate(ctx, s)
	if err != nil {
		return MarkerHandle{}, err
	}
	if ordinal < 0 || ordinal >= len(handles) {
		return MarkerHandle{}, fmt.Errorf("marker %d not rendered (%d markers): %w", ordinal, len(handles), models.ErrStaleReference)
	}
	return handles[ordinal], nil
}
