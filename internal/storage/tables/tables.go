// Package tables reads and writes the tabular outputs of a run as CSV.
// Absent values are written as empty cells; on read both "" and "NA" are absent.
package tables

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ternarybob/registrar/internal/models"
)

var (
	MarkerColumns    = []string{"title", "latitude", "longitude"}
	AuditColumns     = []string{"ordinal", "title", "latitude", "longitude", "reason", "detail", "screenshot"}
	ArchiveColumns   = []string{"canonical_name", "link", "religious_entity", "location", "years_operation"}
	RegistryColumns  = append(append([]string{}, ArchiveColumns...), "marker_name", "latitude", "longitude", "match_status", "distance", "reason")
	UnmatchedColumns = []string{"marker_name", "reason", "best_archive_name", "best_distance"}
)

// ErrMissingColumn is returned when a table lacks a required header
var ErrMissingColumn = errors.New("missing required column")

// WriteMarkers writes the raw marker table
func WriteMarkers(path string, records []models.MarkerRecord) error {
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = []string{r.Title, formatFloat(r.Latitude), formatFloat(r.Longitude)}
	}
	return writeTable(path, MarkerColumns, rows)
}

// ReadMarkers reads a marker table written by WriteMarkers
func ReadMarkers(path string) ([]models.MarkerRecord, error) {
	rows, err := readTable(path, MarkerColumns)
	if err != nil {
		return nil, err
	}

	records := make([]models.MarkerRecord, 0, len(rows))
	for i, row := range rows {
		lat, err := parseFloat(row["latitude"])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: latitude: %w", path, i+2, err)
		}
		lon, err := parseFloat(row["longitude"])
		if err != nil {
			return nil, fmt.Errorf("%s row %d: longitude: %w", path, i+2, err)
		}
		records = append(records, models.MarkerRecord{Title: row["title"], Latitude: lat, Longitude: lon})
	}
	return records, nil
}

// WriteAudit writes the extraction audit table
func WriteAudit(path string, audit []models.AuditRow) error {
	rows := make([][]string, len(audit))
	for i, a := range audit {
		rows[i] = []string{
			strconv.Itoa(a.Ordinal),
			a.Title,
			formatFloat(a.Latitude),
			formatFloat(a.Longitude),
			string(a.Reason),
			a.Detail,
			a.Screenshot,
		}
	}
	return writeTable(path, AuditColumns, rows)
}

// WriteArchive writes the scraped archive table
func WriteArchive(path string, entities []models.ArchiveEntity) error {
	rows := make([][]string, len(entities))
	for i, e := range entities {
		rows[i] = archiveCells(e)
	}
	return writeTable(path, ArchiveColumns, rows)
}

// ReadArchive reads an archive table. Only canonical_name and link are required.
func ReadArchive(path string) ([]models.ArchiveEntity, error) {
	rows, err := readTable(path, ArchiveColumns[:2])
	if err != nil {
		return nil, err
	}

	entities := make([]models.ArchiveEntity, 0, len(rows))
	for _, row := range rows {
		entities = append(entities, models.ArchiveEntity{
			CanonicalName:   row["canonical_name"],
			Link:            row["link"],
			ReligiousEntity: parseString(row["religious_entity"]),
			Location:        parseString(row["location"]),
			YearsOperation:  parseString(row["years_operation"]),
		})
	}
	return entities, nil
}

// WriteRegistry writes the reconciled registry
func WriteRegistry(path string, entities []models.ReconciledEntity) error {
	rows := make([][]string, len(entities))
	for i, e := range entities {
		rows[i] = append(archiveCells(e.ArchiveEntity),
			e.MarkerName,
			formatFloat(e.Latitude),
			formatFloat(e.Longitude),
			string(e.MatchStatus),
			formatFloat(e.Distance),
			e.Reason,
		)
	}
	return writeTable(path, RegistryColumns, rows)
}

// WriteUnmatched writes the orphan marker table
func WriteUnmatched(path string, markers []models.UnmatchedMarker) error {
	rows := make([][]string, len(markers))
	for i, m := range markers {
		rows[i] = []string{m.MarkerName, m.Reason, m.BestArchiveName, formatFloat(m.BestDistance)}
	}
	return writeTable(path, UnmatchedColumns, rows)
}

func archiveCells(e models.ArchiveEntity) []string {
	return []string{
		e.CanonicalName,
		e.Link,
		formatString(e.ReligiousEntity),
		formatString(e.Location),
		formatString(e.YearsOperation),
	}
}

// writeTable writes to a temp file in the target directory and renames it
// into place so readers never see a half-written table.
func writeTable(path string, header []string, rows [][]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write rows: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// readTable returns each data row keyed by header name. Column order is free;
// every name in required must be present in the header.
func readTable(path string, required []string) ([]map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%s: %w: empty file", path, ErrMissingColumn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	for _, name := range required {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("%s: %w: %s", path, ErrMissingColumn, name)
		}
	}

	var rows []map[string]string
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		row := make(map[string]string, len(index))
		for name, i := range index {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func isAbsent(cell string) bool {
	cell = strings.TrimSpace(cell)
	return cell == "" || cell == "NA"
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func parseFloat(cell string) (*float64, error) {
	if isAbsent(cell) {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func formatString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseString(cell string) *string {
	if isAbsent(cell) {
		return nil
	}
	return &cell
}
