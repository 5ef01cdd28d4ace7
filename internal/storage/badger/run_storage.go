package badger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/interfaces"
	"github.com/ternarybob/registrar/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// registryRow stores one reconciled entity of a run's registry snapshot
type registryRow struct {
	Key      string
	RunID    string
	Position int
	Entity   models.ReconciledEntity
}

// RunStorage implements interfaces.RunStorage on Badger.
// Run headers and registry rows go through badgerhold; marker and audit rows
// are append-only keys under a per-run prefix so they iterate in insert order.
type RunStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewRunStorage creates a new RunStorage instance
func NewRunStorage(db *BadgerDB, logger arbor.ILogger) interfaces.RunStorage {
	return &RunStorage{
		db:     db,
		logger: logger,
	}
}

func markerKey(runID string, seq int) []byte {
	return []byte(fmt.Sprintf("marker:%s:%08d", runID, seq))
}

func auditKey(runID string, ordinal int) []byte {
	return []byte(fmt.Sprintf("audit:%s:%08d", runID, ordinal))
}

func rowPrefix(kind, runID string) []byte {
	return []byte(fmt.Sprintf("%s:%s:", kind, runID))
}

// SaveRun inserts or updates a run header
func (s *RunStorage) SaveRun(ctx context.Context, run *models.ExtractionRun) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if err := s.db.Store().Upsert(run.ID, run); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run header by ID
func (s *RunStorage) GetRun(ctx context.Context, id string) (*models.ExtractionRun, error) {
	var run models.ExtractionRun
	err := s.db.Store().Get(id, &run)
	if err == badgerhold.ErrNotFound {
		return nil, interfaces.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return &run, nil
}

// ListRuns returns all runs, newest first
func (s *RunStorage) ListRuns(ctx context.Context) ([]*models.ExtractionRun, error) {
	var runs []models.ExtractionRun
	if err := s.db.Store().Find(&runs, badgerhold.Where("ID").Ne("").SortBy("StartedAt").Reverse()); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	result := make([]*models.ExtractionRun, len(runs))
	for i := range runs {
		result[i] = &runs[i]
	}
	return result, nil
}

// LatestRun returns the most recently started run
func (s *RunStorage) LatestRun(ctx context.Context) (*models.ExtractionRun, error) {
	runs, err := s.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, interfaces.ErrRunNotFound
	}
	return runs[0], nil
}

// AppendMarker stores an accepted marker record at position seq
func (s *RunStorage) AppendMarker(ctx context.Context, runID string, seq int, record models.MarkerRecord) error {
	return s.putJSON(markerKey(runID, seq), record)
}

// AppendAudit stores an audit row keyed by its marker ordinal
func (s *RunStorage) AppendAudit(ctx context.Context, runID string, row models.AuditRow) error {
	return s.putJSON(auditKey(runID, row.Ordinal), row)
}

// GetMarkers returns the run's raw marker table in accumulation order
func (s *RunStorage) GetMarkers(ctx context.Context, runID string) ([]models.MarkerRecord, error) {
	var records []models.MarkerRecord
	err := s.scan(rowPrefix("marker", runID), func(value []byte) error {
		var record models.MarkerRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return err
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read markers for run %s: %w", runID, err)
	}
	return records, nil
}

// GetAudit returns the run's audit rows ordered by marker ordinal
func (s *RunStorage) GetAudit(ctx context.Context, runID string) ([]models.AuditRow, error) {
	var rows []models.AuditRow
	err := s.scan(rowPrefix("audit", runID), func(value []byte) error {
		var row models.AuditRow
		if err := json.Unmarshal(value, &row); err != nil {
			return err
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit rows for run %s: %w", runID, err)
	}
	return rows, nil
}

// SaveRegistry replaces the registry snapshot for runID
func (s *RunStorage) SaveRegistry(ctx context.Context, runID string, entities []models.ReconciledEntity) error {
	if err := s.db.Store().DeleteMatching(&registryRow{}, badgerhold.Where("RunID").Eq(runID)); err != nil {
		return fmt.Errorf("failed to clear registry snapshot: %w", err)
	}

	for i, entity := range entities {
		row := &registryRow{
			Key:      fmt.Sprintf("%s:%08d", runID, i),
			RunID:    runID,
			Position: i,
			Entity:   entity,
		}
		if err := s.db.Store().Upsert(row.Key, row); err != nil {
			return fmt.Errorf("failed to save registry row %d: %w", i, err)
		}
	}

	s.logger.Debug().
		Str("run_id", runID).
		Int("entities", len(entities)).
		Msg("Registry snapshot saved")

	return nil
}

// GetRegistry returns the registry snapshot stored for runID
func (s *RunStorage) GetRegistry(ctx context.Context, runID string) ([]models.ReconciledEntity, error) {
	var rows []registryRow
	if err := s.db.Store().Find(&rows, badgerhold.Where("RunID").Eq(runID).SortBy("Position")); err != nil {
		return nil, fmt.Errorf("failed to read registry snapshot: %w", err)
	}

	entities := make([]models.ReconciledEntity, len(rows))
	for i, row := range rows {
		entities[i] = row.Entity
	}
	return entities, nil
}

// Close closes the underlying database
func (s *RunStorage) Close() error {
	return s.db.Close()
}

func (s *RunStorage) putJSON(key []byte, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	return s.db.Store().Badger().Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (s *RunStorage) scan(prefix []byte, fn func(value []byte) error) error {
	return s.db.Store().Badger().View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}
