package models

import (
	"errors"
	"fmt"
)

// Error taxonomy for extraction and reconciliation. Audit rows carry the
// matching AuditReason so a reviewer can filter by category.
var (
	// ErrTransientRender covers popup/spinner races recovered by the zoom cycle
	ErrTransientRender = errors.New("transient render error")

	// ErrStaleReference means a marker handle was invalidated by a viewport change
	ErrStaleReference = errors.New("stale element reference")

	// ErrPermanentExtraction means recovery was exhausted for a marker
	ErrPermanentExtraction = errors.New("permanent extraction failure")

	// ErrAmbiguousMatch means a name tied at minimum distance on either side
	ErrAmbiguousMatch = errors.New("ambiguous match")

	// ErrDataIntegrity flags records retained for auditing but excluded from geocoded views
	ErrDataIntegrity = errors.New("data integrity warning")
)

// AuditReason is the category written to the audit table.
type AuditReason string

const (
	ReasonTransientRender     AuditReason = "TransientRenderError"
	ReasonStaleReference      AuditReason = "StaleReferenceError"
	ReasonPermanentExtraction AuditReason = "PermanentExtractionFailure"
	ReasonAmbiguousMatch      AuditReason = "AmbiguousMatchError"
	ReasonDataIntegrity       AuditReason = "DataIntegrityWarning"
)

// Sentinel returns the sentinel error for the reason.
func (r AuditReason) Sentinel() error {
	switch r {
	case ReasonTransientRender:
		return ErrTransientRender
	case ReasonStaleReference:
		return ErrStaleReference
	case ReasonPermanentExtraction:
		return ErrPermanentExtraction
	case ReasonAmbiguousMatch:
		return ErrAmbiguousMatch
	case ReasonDataIntegrity:
		return ErrDataIntegrity
	}
	return nil
}

// ExtractionError describes why a marker ended in the Failed state.
type ExtractionError struct {
	Ordinal int
	Reason  AuditReason
	Outcome OutcomeKind
	Err     error
}

// Error implements the error interface
func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("marker %d: %s (%s): %v", e.Ordinal, e.Reason, e.Outcome, e.Err)
	}
	return fmt.Sprintf("marker %d: %s (%s)", e.Ordinal, e.Reason, e.Outcome)
}

// Unwrap implements errors.Unwrap
func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is support
func (e *ExtractionError) Is(target error) bool {
	return target != nil && target == e.Reason.Sentinel()
}
