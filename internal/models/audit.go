package models

import "time"

// AuditRow records a marker that did not produce a complete record.
// Partial coordinates are kept for NA auditing.
type AuditRow struct {
	Ordinal    int         `json:"ordinal"`
	Title      string      `json:"title"`
	Latitude   *float64    `json:"latitude,omitempty"`
	Longitude  *float64    `json:"longitude,omitempty"`
	Reason     AuditReason `json:"reason"`
	Detail     string      `json:"detail"`
	Screenshot string      `json:"screenshot,omitempty"`
}

// RunStatus is the lifecycle state of an extraction run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// RunSummary counts what happened during an extraction run.
type RunSummary struct {
	Enumerated int `json:"enumerated"`
	Extracted  int `json:"extracted"`
	Recovered  int `json:"recovered"`
	Failed     int `json:"failed"`
	Incomplete int `json:"incomplete"`
	Duplicates int `json:"duplicates"`
}

// ExtractionRun is the persisted header of one browser run.
type ExtractionRun struct {
	ID          string     `json:"id"`
	MapURL      string     `json:"map_url"`
	Status      RunStatus  `json:"status"`
	Summary     RunSummary `json:"summary"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}
