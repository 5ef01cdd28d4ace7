package markers

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/interfaces"
	"github.com/ternarybob/registrar/internal/models"
)

// Accumulator collects complete records and audit rows in arrival order.
// Rows are never removed, so the tables are valid at any point of a run.
type Accumulator struct {
	runID      string
	precision  int
	sink       interfaces.RecordSink
	logger     arbor.ILogger
	seen       map[string]struct{}
	records    []models.MarkerRecord
	audit      []models.AuditRow
	duplicates int
}

// NewAccumulator creates an Accumulator. sink may be nil.
func NewAccumulator(runID string, precision int, sink interfaces.RecordSink, logger arbor.ILogger) *Accumulator {
	return &Accumulator{
		runID:     runID,
		precision: precision,
		sink:      sink,
		logger:    logger,
		seen:      make(map[string]struct{}),
	}
}

// Add appends a complete record unless an identical one (same title and
// rounded coordinates) was already accepted. Incomplete records are rejected.
func (a *Accumulator) Add(ctx context.Context, record models.MarkerRecord) (bool, error) {
	if !record.Complete() {
		return false, fmt.Errorf("record %q is incomplete: %w", record.Title, models.ErrDataIntegrity)
	}

	key := record.DedupKey(a.precision)
	if _, ok := a.seen[key]; ok {
		a.duplicates++
		a.logger.Debug().Str("title", record.Title).Msg("Duplicate marker record skipped")
		return false, nil
	}

	if a.sink != nil {
		if err := a.sink.AppendMarker(ctx, a.runID, len(a.records), record); err != nil {
			return false, fmt.Errorf("failed to persist marker record: %w", err)
		}
	}

	a.seen[key] = struct{}{}
	a.records = append(a.records, record)
	return true, nil
}

// AddAudit appends an audit row
func (a *Accumulator) AddAudit(ctx context.Context, row models.AuditRow) error {
	if a.sink != nil {
		if err := a.sink.AppendAudit(ctx, a.runID, row); err != nil {
			return fmt.Errorf("failed to persist audit row: %w", err)
		}
	}
	a.audit = append(a.audit, row)
	return nil
}

// Records returns a copy of the raw marker table
func (a *Accumulator) Records() []models.MarkerRecord {
	return append([]models.MarkerRecord(nil), a.records...)
}

// Audit returns a copy of the audit table
func (a *Accumulator) Audit() []models.AuditRow {
	return append([]models.AuditRow(nil), a.audit...)
}

// Duplicates returns how many records were skipped as duplicates
func (a *Accumulator) Duplicates() int {
	return a.duplicates
}
