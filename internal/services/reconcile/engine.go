// Package reconcile joins archive entities with map markers by fuzzy name
// matching under a mutual-minimum rule, then folds in manual overrides.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/common"
	"github.com/ternarybob/registrar/internal/models"
	"golang.org/x/sync/errgroup"
)

// OverrideIssue is an override that could not be applied as written
type OverrideIssue struct {
	Override models.ManualOverride
	Reason   string
}

// Stats summarises a reconciliation
type Stats struct {
	ArchiveEntities int
	MarkerNames     int
	Candidates      int
	Automatic       int
	Overrides       int
	Unmatched       int
	Orphans         int
}

// Result holds every output of a reconciliation. All slices are sorted.
type Result struct {
	Registry   []models.ReconciledEntity
	Accepted   []Match
	Candidates []models.MatchCandidate
	Unmatched  []models.UnmatchedMarker
	Invalid    []OverrideIssue // skipped overrides
	Unjoined   []OverrideIssue // applied, but no archive row to carry them
	Stats      Stats
}

// Match is an accepted archive/marker pair
type Match struct {
	models.MatchCandidate
	Status models.MatchStatus
}

// markerGroup is every complete record sharing a normalized marker name
type markerGroup struct {
	name        string
	latitude    float64
	longitude   float64
	conflicting bool
}

// Engine reconciles archive entities with marker records
type Engine struct {
	config *common.ReconcileConfig
	metric Metric
	logger arbor.ILogger
}

// NewEngine creates a new reconciliation engine
func NewEngine(config *common.ReconcileConfig, logger arbor.ILogger) *Engine {
	return &Engine{
		config: config,
		metric: NewMetric(config),
		logger: logger,
	}
}

// MarkerName strips the configured layer prefix from a marker title
func (e *Engine) MarkerName(title string) string {
	return strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(title), strings.TrimSpace(e.config.MarkerPrefix)))
}

// IsSentinel reports whether name is an archive placeholder
func (e *Engine) IsSentinel(name string) bool {
	name = strings.TrimSpace(name)
	for _, s := range e.config.SentinelNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return true
		}
	}
	return false
}

// Reconcile computes the registry. It is a pure function of its inputs and
// configuration: the same inputs in any order give the same Result.
func (e *Engine) Reconcile(ctx context.Context, archive []models.ArchiveEntity, markers []models.MarkerRecord, overrides []models.ManualOverride) (*Result, error) {
	startTime := time.Now()

	archiveNames := e.archiveNames(archive)
	groups, incomplete := e.groupMarkers(markers)
	markerNames := make([]string, 0, len(groups))
	for name := range groups {
		markerNames = append(markerNames, name)
	}
	sort.Strings(markerNames)

	matrix, err := e.distances(ctx, archiveNames, markerNames)
	if err != nil {
		return nil, err
	}

	candidates := e.candidates(archiveNames, markerNames, matrix)
	automatic, ambiguousArchive, ambiguousMarker := mutualMinimum(candidates)

	result := &Result{Candidates: candidates}
	pairs := make(map[string]Match, len(automatic))
	for _, c := range automatic {
		pairs[c.ArchiveName] = Match{MatchCandidate: c, Status: models.MatchAutomatic}
	}

	e.applyOverrides(result, pairs, overrides, archiveNames, groups, incomplete)

	matchedMarkers := make(map[string]models.MatchStatus, len(pairs))
	for _, p := range pairs {
		matchedMarkers[p.MarkerName] = p.Status
	}
	for _, issue := range result.Unjoined {
		matchedMarkers[e.MarkerName(issue.Override.MarkerName)] = models.MatchOverride
	}

	result.Registry = e.join(archive, pairs, groups, ambiguousArchive)
	result.Unmatched = e.unmatched(archiveNames, markerNames, matrix, groups, incomplete, matchedMarkers, ambiguousMarker)

	for _, p := range pairs {
		result.Accepted = append(result.Accepted, p)
	}
	sort.Slice(result.Accepted, func(i, j int) bool {
		return lessCandidate(result.Accepted[i].MatchCandidate, result.Accepted[j].MatchCandidate)
	})

	result.Stats = Stats{
		ArchiveEntities: len(archive),
		MarkerNames:     len(markerNames),
		Candidates:      len(candidates),
		Orphans:         len(result.Unmatched),
	}
	for _, p := range result.Accepted {
		if p.Status == models.MatchOverride {
			result.Stats.Overrides++
		} else {
			result.Stats.Automatic++
		}
	}
	for _, r := range result.Registry {
		if r.MatchStatus == models.MatchUnmatched && r.Reason != models.ReasonPlaceholder {
			result.Stats.Unmatched++
		}
	}

	for _, u := range result.Unmatched {
		event := e.logger.Warn().Str("marker", u.MarkerName).Str("reason", u.Reason)
		if u.BestDistance != nil {
			event = event.Str("best_archive_name", u.BestArchiveName).Float64("best_distance", *u.BestDistance)
		}
		event.Msg("Orphan marker")
	}

	e.logger.Info().
		Int("archive_entities", result.Stats.ArchiveEntities).
		Int("marker_names", result.Stats.MarkerNames).
		Int("automatic", result.Stats.Automatic).
		Int("overrides", result.Stats.Overrides).
		Int("unmatched_entities", result.Stats.Unmatched).
		Int("orphan_markers", result.Stats.Orphans).
		Dur("duration", time.Since(startTime)).
		Msg("Reconciliation complete")

	return result, nil
}

// archiveNames returns the sorted distinct non-sentinel canonical names
func (e *Engine) archiveNames(archive []models.ArchiveEntity) []string {
	seen := make(map[string]struct{}, len(archive))
	names := make([]string, 0, len(archive))
	for _, a := range archive {
		name := strings.TrimSpace(a.CanonicalName)
		if name == "" || e.IsSentinel(name) {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// groupMarkers collapses records by normalized name. Records without both
// coordinates are only remembered by name. A group whose records disagree is
// flagged conflicting and keeps the lowest (latitude, longitude) pair, which
// is what an override on that name geocodes to.
func (e *Engine) groupMarkers(markers []models.MarkerRecord) (map[string]*markerGroup, map[string]struct{}) {
	groups := make(map[string]*markerGroup)
	incomplete := make(map[string]struct{})

	for _, r := range markers {
		name := e.MarkerName(r.Title)
		if name == "" {
			continue
		}
		if !r.Complete() {
			incomplete[name] = struct{}{}
			continue
		}

		g, ok := groups[name]
		if !ok {
			groups[name] = &markerGroup{name: name, latitude: *r.Latitude, longitude: *r.Longitude}
			continue
		}
		if g.latitude != *r.Latitude || g.longitude != *r.Longitude {
			g.conflicting = true
			if *r.Latitude < g.latitude || (*r.Latitude == g.latitude && *r.Longitude < g.longitude) {
				g.latitude, g.longitude = *r.Latitude, *r.Longitude
			}
		}
	}

	for name := range groups {
		delete(incomplete, name)
	}
	return groups, incomplete
}

// distances fills matrix[i][j] = distance(archiveNames[i], markerNames[j]),
// one goroutine per archive name bounded by the worker count
func (e *Engine) distances(ctx context.Context, archiveNames, markerNames []string) ([][]float64, error) {
	matrix := make([][]float64, len(archiveNames))

	workers := e.config.Workers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range archiveNames {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			row := make([]float64, len(markerNames))
			for j, m := range markerNames {
				row[j] = e.metric.Distance(archiveNames[i], m)
			}
			matrix[i] = row
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("distance computation cancelled: %w", err)
	}
	return matrix, nil
}

func (e *Engine) candidates(archiveNames, markerNames []string, matrix [][]float64) []models.MatchCandidate {
	var out []models.MatchCandidate
	for i, a := range archiveNames {
		for j, m := range markerNames {
			if d := matrix[i][j]; d <= e.config.Tolerance {
				out = append(out, models.MatchCandidate{ArchiveName: a, MarkerName: m, Distance: d})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessCandidate(out[i], out[j]) })
	return out
}

// mutualMinimum keeps a pair only when its distance is the minimum over every
// candidate of its archive name and over every candidate of its marker name.
// Names left in more than one such pair are ambiguous and all their pairs
// are dropped.
func mutualMinimum(candidates []models.MatchCandidate) ([]models.MatchCandidate, map[string]struct{}, map[string]struct{}) {
	minArchive := make(map[string]float64)
	minMarker := make(map[string]float64)
	for _, c := range candidates {
		if d, ok := minArchive[c.ArchiveName]; !ok || c.Distance < d {
			minArchive[c.ArchiveName] = c.Distance
		}
		if d, ok := minMarker[c.MarkerName]; !ok || c.Distance < d {
			minMarker[c.MarkerName] = c.Distance
		}
	}

	var mutual []models.MatchCandidate
	countArchive := make(map[string]int)
	countMarker := make(map[string]int)
	for _, c := range candidates {
		if c.Distance == minArchive[c.ArchiveName] && c.Distance == minMarker[c.MarkerName] {
			mutual = append(mutual, c)
			countArchive[c.ArchiveName]++
			countMarker[c.MarkerName]++
		}
	}

	ambiguousArchive := make(map[string]struct{})
	ambiguousMarker := make(map[string]struct{})
	var accepted []models.MatchCandidate
	for _, c := range mutual {
		if countArchive[c.ArchiveName] > 1 || countMarker[c.MarkerName] > 1 {
			ambiguousArchive[c.ArchiveName] = struct{}{}
			ambiguousMarker[c.MarkerName] = struct{}{}
			continue
		}
		accepted = append(accepted, c)
	}
	return accepted, ambiguousArchive, ambiguousMarker
}

// applyOverrides folds valid overrides into pairs, displacing any automatic
// pair that shares the archive or the marker name
func (e *Engine) applyOverrides(result *Result, pairs map[string]Match, overrides []models.ManualOverride, archiveNames []string, groups map[string]*markerGroup, incomplete map[string]struct{}) {
	known := make(map[string]struct{}, len(archiveNames))
	for _, a := range archiveNames {
		known[a] = struct{}{}
	}

	usedMarker := make(map[string]struct{})
	usedArchive := make(map[string]struct{})

	for _, o := range overrides {
		marker := e.MarkerName(o.MarkerName)
		canonical := strings.TrimSpace(o.CanonicalName)

		if _, ok := groups[marker]; !ok {
			reason := models.ReasonOverrideNoMarker
			if _, ok := incomplete[marker]; ok {
				reason = models.ReasonIncompleteMarker
			}
			result.Invalid = append(result.Invalid, OverrideIssue{Override: o, Reason: reason})
			e.logger.Warn().Str("marker", marker).Str("canonical_name", canonical).Str("reason", reason).Msg("Override skipped")
			continue
		}
		_, dupMarker := usedMarker[marker]
		_, dupArchive := usedArchive[canonical]
		if dupMarker || dupArchive {
			result.Invalid = append(result.Invalid, OverrideIssue{Override: o, Reason: models.ReasonOverrideConflict})
			e.logger.Warn().Str("marker", marker).Str("canonical_name", canonical).Msg("Override conflicts with an earlier override")
			continue
		}
		usedMarker[marker] = struct{}{}
		usedArchive[canonical] = struct{}{}

		// Override always wins over automatic pairs on either side
		for a, p := range pairs {
			if p.Status == models.MatchAutomatic && (a == canonical || p.MarkerName == marker) {
				delete(pairs, a)
			}
		}

		if _, ok := known[canonical]; !ok {
			result.Unjoined = append(result.Unjoined, OverrideIssue{Override: o, Reason: models.ReasonOverrideNoArchive})
			e.logger.Warn().Str("marker", marker).Str("canonical_name", canonical).Msg("Override target not in archive")
			continue
		}

		pairs[canonical] = Match{
			MatchCandidate: models.MatchCandidate{
				ArchiveName: canonical,
				MarkerName:  marker,
				Distance:    e.metric.Distance(canonical, marker),
			},
			Status: models.MatchOverride,
		}
	}
}

// join builds one registry row per archive entity, sorted by canonical name
func (e *Engine) join(archive []models.ArchiveEntity, pairs map[string]Match, groups map[string]*markerGroup, ambiguous map[string]struct{}) []models.ReconciledEntity {
	registry := make([]models.ReconciledEntity, 0, len(archive))

	for _, a := range archive {
		name := strings.TrimSpace(a.CanonicalName)
		row := models.ReconciledEntity{ArchiveEntity: a, MatchStatus: models.MatchUnmatched}

		if e.IsSentinel(name) {
			row.Reason = models.ReasonPlaceholder
			registry = append(registry, row)
			continue
		}

		p, ok := pairs[name]
		if !ok {
			row.Reason = models.ReasonNoCandidate
			if _, amb := ambiguous[name]; amb {
				row.Reason = models.ReasonAmbiguous
			}
			registry = append(registry, row)
			continue
		}

		g := groups[p.MarkerName]
		distance := p.Distance
		row.MarkerName = p.MarkerName
		row.Distance = &distance

		if g.conflicting && p.Status != models.MatchOverride {
			row.Reason = models.ReasonConflictingCoords
			registry = append(registry, row)
			continue
		}

		lat, lon := g.latitude, g.longitude
		row.Latitude = &lat
		row.Longitude = &lon
		row.MatchStatus = p.Status
		registry = append(registry, row)
	}

	sort.SliceStable(registry, func(i, j int) bool {
		if registry[i].CanonicalName != registry[j].CanonicalName {
			return registry[i].CanonicalName < registry[j].CanonicalName
		}
		return registry[i].Link < registry[j].Link
	})
	return registry
}

// unmatched lists every marker name that did not end up geocoding an archive
// row, with the closest archive name for manual review
func (e *Engine) unmatched(archiveNames, markerNames []string, matrix [][]float64, groups map[string]*markerGroup, incomplete map[string]struct{}, matched map[string]models.MatchStatus, ambiguous map[string]struct{}) []models.UnmatchedMarker {
	var out []models.UnmatchedMarker

	for j, m := range markerNames {
		status, isMatched := matched[m]
		g := groups[m]
		if isMatched && (status == models.MatchOverride || !g.conflicting) {
			continue
		}

		u := models.UnmatchedMarker{MarkerName: m, Reason: models.ReasonNoCandidate}
		switch {
		case g.conflicting:
			u.Reason = models.ReasonConflictingCoords
		case hasKey(ambiguous, m):
			u.Reason = models.ReasonAmbiguous
		}

		best := -1
		for i := range archiveNames {
			if best < 0 || matrix[i][j] < matrix[best][j] {
				best = i
			}
		}
		if best >= 0 {
			d := matrix[best][j]
			u.BestArchiveName = archiveNames[best]
			u.BestDistance = &d
		}
		out = append(out, u)
	}

	for name := range incomplete {
		if _, ok := matched[name]; ok {
			continue
		}
		out = append(out, models.UnmatchedMarker{MarkerName: name, Reason: models.ReasonIncompleteMarker})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].MarkerName < out[j].MarkerName })
	return out
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

func lessCandidate(a, b models.MatchCandidate) bool {
	if a.ArchiveName != b.ArchiveName {
		return a.ArchiveName < b.ArchiveName
	}
	return a.MarkerName < b.MarkerName
}
