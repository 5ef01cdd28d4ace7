package interfaces

import (
	"context"
	"errors"

	"github.com/ternarybob/registrar/internal/models"
)

// ErrRunNotFound is returned when a run ID has no stored header
var ErrRunNotFound = errors.New("run not found")

// RecordSink receives accumulated rows as soon as they are accepted, so that
// partial progress survives a cancelled run
type RecordSink interface {
	AppendMarker(ctx context.Context, runID string, seq int, record models.MarkerRecord) error
	AppendAudit(ctx context.Context, runID string, row models.AuditRow) error
}

// RunStorage persists extraction runs and their tables
type RunStorage interface {
	RecordSink

	SaveRun(ctx context.Context, run *models.ExtractionRun) error
	GetRun(ctx context.Context, id string) (*models.ExtractionRun, error)
	ListRuns(ctx context.Context) ([]*models.ExtractionRun, error)
	LatestRun(ctx context.Context) (*models.ExtractionRun, error)

	GetMarkers(ctx context.Context, runID string) ([]models.MarkerRecord, error)
	GetAudit(ctx context.Context, runID string) ([]models.AuditRow, error)

	// SaveRegistry replaces the registry snapshot stored for runID
	SaveRegistry(ctx context.Context, runID string, entities []models.ReconciledEntity) error
	GetRegistry(ctx context.Context, runID string) ([]models.ReconciledEntity, error)

	Close() error
}
