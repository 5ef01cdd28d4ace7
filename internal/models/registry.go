package models

// ArchiveEntity is an institution as described by the document archive.
// It is the ground truth for institutional identity.
type ArchiveEntity struct {
	CanonicalName   string  `json:"canonical_name"`
	Link            string  `json:"link"`
	ReligiousEntity *string `json:"religious_entity,omitempty"`
	Location        *string `json:"location,omitempty"`
	YearsOperation  *string `json:"years_operation,omitempty"`
}

// MatchCandidate pairs an archive name with a marker name.
// Distance is in [0,1]; 0 means identical.
type MatchCandidate struct {
	ArchiveName string  `json:"archive_name"`
	MarkerName  string  `json:"marker_name"`
	Distance    float64 `json:"distance"`
}

// ManualOverride is a human-verified marker to archive correspondence.
type ManualOverride struct {
	MarkerName    string `json:"marker_name" toml:"marker_name" yaml:"marker_name" validate:"required"`
	CanonicalName string `json:"canonical_name" toml:"canonical_name" yaml:"canonical_name" validate:"required"`
}

// MatchStatus explains how a registry row obtained its coordinates.
type MatchStatus string

const (
	MatchAutomatic MatchStatus = "automatic"
	MatchOverride  MatchStatus = "override"
	MatchUnmatched MatchStatus = "unmatched"
)

// Reasons attached to registry and unmatched rows.
const (
	ReasonNoCandidate       = "no_candidate"
	ReasonAmbiguous         = "ambiguous"
	ReasonConflictingCoords = "conflicting_coordinates"
	ReasonPlaceholder       = "placeholder_entity"
	ReasonOverrideNoMarker  = "override_marker_not_found"
	ReasonOverrideNoArchive = "override_archive_not_found"
	ReasonOverrideConflict  = "override_conflict"
	ReasonIncompleteMarker  = "incomplete_marker"
)

// ReconciledEntity is one archive entity joined with at most one marker.
type ReconciledEntity struct {
	ArchiveEntity
	MarkerName  string      `json:"marker_name,omitempty"`
	Latitude    *float64    `json:"latitude,omitempty"`
	Longitude   *float64    `json:"longitude,omitempty"`
	MatchStatus MatchStatus `json:"match_status"`
	Distance    *float64    `json:"distance,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// Geocoded reports whether the entity can be placed on a map.
func (e ReconciledEntity) Geocoded() bool {
	return e.Latitude != nil && e.Longitude != nil
}

// UnmatchedMarker is a map entity that no archive entity claimed.
type UnmatchedMarker struct {
	MarkerName      string   `json:"marker_name"`
	Reason          string   `json:"reason"`
	BestArchiveName string   `json:"best_archive_name,omitempty"`
	BestDistance    *float64 `json:"best_distance,omitempty"`
}
