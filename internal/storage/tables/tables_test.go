package tables

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/registrar/internal/models"
)

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }

func TestMarkers_RoundTripKeepsAbsentCoordinates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "markers.csv")

	records := []models.MarkerRecord{
		models.NewMarkerRecord("Canadian Residential Schools: Amos", 48.5667, -78.1167),
		{Title: "Canadian Residential Schools: Lebret", Latitude: floatPtr(50.75)},
	}
	require.NoError(t, WriteMarkers(path, records))

	got, err := ReadMarkers(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, records[0], got[0])
	assert.Equal(t, 50.75, *got[1].Latitude)
	assert.Nil(t, got[1].Longitude)
}

func TestReadMarkers_AcceptsNAAndReorderedColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markers.csv")
	body := "longitude,title,latitude\nNA,\"Regina, SK\",50.45\n-104.6,Qu'Appelle,\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	got, err := ReadMarkers(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "Regina, SK", got[0].Title)
	assert.Nil(t, got[0].Longitude)
	assert.Equal(t, 50.45, *got[0].Latitude)
	assert.Nil(t, got[1].Latitude)
}

func TestReadMarkers_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		body string
	}{
		{"missing column", "title,latitude\nA,1\n"},
		{"bad number", "title,latitude,longitude\nA,north,1\n"},
		{"empty file", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".csv")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0644))
			_, err := ReadMarkers(path)
			assert.Error(t, err)
		})
	}

	_, err := ReadMarkers(filepath.Join(dir, "absent.csv"))
	assert.Error(t, err)
}

func TestArchive_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.csv")
	entities := []models.ArchiveEntity{
		{
			CanonicalName:   "Amos (Saint-Marc-de-Figuery)",
			Link:            "https://archive.example/amos",
			ReligiousEntity: strPtr("Roman Catholic"),
			Location:        strPtr("Amos, QC"),
			YearsOperation:  strPtr("1955-1973"),
		},
		{CanonicalName: "Unknown institution", Link: "https://archive.example/unknown"},
	}
	require.NoError(t, WriteArchive(path, entities))

	got, err := ReadArchive(path)
	require.NoError(t, err)
	assert.Equal(t, entities, got)
}

func TestWriteRegistryAndUnmatched(t *testing.T) {
	dir := t.TempDir()

	registry := []models.ReconciledEntity{
		{
			ArchiveEntity: models.ArchiveEntity{CanonicalName: "Amos", Link: "l"},
			MarkerName:    "Amos",
			Latitude:      floatPtr(48.5),
			Longitude:     floatPtr(-78.1),
			MatchStatus:   models.MatchAutomatic,
			Distance:      floatPtr(0),
		},
		{
			ArchiveEntity: models.ArchiveEntity{CanonicalName: "Kitimaat", Link: "k"},
			MatchStatus:   models.MatchUnmatched,
			Reason:        models.ReasonNoCandidate,
		},
	}
	registryPath := filepath.Join(dir, "registry.csv")
	require.NoError(t, WriteRegistry(registryPath, registry))

	data, err := os.ReadFile(registryPath)
	require.NoError(t, err)
	assert.Equal(t,
		"canonical_name,link,religious_entity,location,years_operation,marker_name,latitude,longitude,match_status,distance,reason\n"+
			"Amos,l,,,,Amos,48.5,-78.1,automatic,0,\n"+
			"Kitimaat,k,,,,,,,unmatched,,no_candidate\n",
		string(data))

	unmatchedPath := filepath.Join(dir, "unmatched.csv")
	require.NoError(t, WriteUnmatched(unmatchedPath, []models.UnmatchedMarker{
		{MarkerName: "Regina", Reason: models.ReasonNoCandidate, BestArchiveName: "Kitimaat", BestDistance: floatPtr(0.47)},
	}))
	data, err = os.ReadFile(unmatchedPath)
	require.NoError(t, err)
	assert.Equal(t, "marker_name,reason,best_archive_name,best_distance\nRegina,no_candidate,Kitimaat,0.47\n", string(data))
}

func TestWriteAudit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.csv")
	require.NoError(t, WriteAudit(path, []models.AuditRow{
		{Ordinal: 4, Title: "Lebret", Latitude: floatPtr(50.75), Reason: models.ReasonDataIntegrity, Detail: "field_missing(Longitude)"},
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		"ordinal,title,latitude,longitude,reason,detail,screenshot\n4,Lebret,50.75,,DataIntegrityWarning,field_missing(Longitude),\n",
		string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should be renamed away")
}
