package models

import (
	"fmt"
	"math"
)

// MarkerRecord is one institution as read from a map popup.
// Latitude and Longitude are nil when the popup did not carry a usable value.
type MarkerRecord struct {
	Title     string   `json:"title"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// NewMarkerRecord builds a complete record.
func NewMarkerRecord(title string, lat, lon float64) MarkerRecord {
	return MarkerRecord{Title: title, Latitude: &lat, Longitude: &lon}
}

// Complete reports whether both coordinates are present.
func (r MarkerRecord) Complete() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// DedupKey identifies a record for accumulation. Coordinates are rounded to
// precision decimal places; absent coordinates render as "NA".
func (r MarkerRecord) DedupKey(precision int) string {
	return fmt.Sprintf("%s|%s|%s", r.Title, roundedOrNA(r.Latitude, precision), roundedOrNA(r.Longitude, precision))
}

func roundedOrNA(v *float64, precision int) string {
	if v == nil {
		return "NA"
	}
	scale := math.Pow(10, float64(precision))
	return fmt.Sprintf("%.*f", precision, math.Round(*v*scale)/scale)
}

// Field names one of the two coordinate fields read from a popup.
type Field string

const (
	FieldLatitude  Field = "Latitude"
	FieldLongitude Field = "Longitude"
)

// OutcomeKind tags an ExtractionOutcome.
type OutcomeKind string

const (
	OutcomeSuccess       OutcomeKind = "success"
	OutcomePopupNotFound OutcomeKind = "popup_not_found"
	OutcomeFieldMissing  OutcomeKind = "field_missing"
	OutcomeStaleElement  OutcomeKind = "stale_element"
)

// ExtractionOutcome is the result of a single popup read attempt.
// Record is always populated with whatever was read (possibly partial).
type ExtractionOutcome struct {
	Kind    OutcomeKind  `json:"kind"`
	Record  MarkerRecord `json:"record"`
	Missing Field        `json:"missing,omitempty"`
	Err     error        `json:"-"`
}

// Success wraps a complete record.
func Success(r MarkerRecord) ExtractionOutcome {
	return ExtractionOutcome{Kind: OutcomeSuccess, Record: r}
}

// PopupNotFound reports that no popup appeared within the wait budget.
func PopupNotFound(err error) ExtractionOutcome {
	return ExtractionOutcome{Kind: OutcomePopupNotFound, Err: err}
}

// FieldMissing reports a popup that lacked one coordinate.
func FieldMissing(r MarkerRecord, which Field) ExtractionOutcome {
	return ExtractionOutcome{Kind: OutcomeFieldMissing, Record: r, Missing: which}
}

// StaleElement reports that the marker handle no longer refers to a live element.
func StaleElement(err error) ExtractionOutcome {
	return ExtractionOutcome{Kind: OutcomeStaleElement, Err: err}
}

// IsSuccess reports whether the outcome carries a complete record.
func (o ExtractionOutcome) IsSuccess() bool {
	return o.Kind == OutcomeSuccess && o.Record.Complete()
}

func (o ExtractionOutcome) String() string {
	switch o.Kind {
	case OutcomeFieldMissing:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Missing)
	case OutcomeSuccess:
		return fmt.Sprintf("%s(%q)", o.Kind, o.Record.Title)
	default:
		return string(o.Kind)
	}
}
