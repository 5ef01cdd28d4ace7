// Package archive scrapes the document archive's paginated listing into
// ArchiveEntity rows.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/common"
	"github.com/ternarybob/registrar/internal/models"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	pagePlaceholder = "{page}"
)

// ErrNoTemplate is returned when no listing URL template is configured
var ErrNoTemplate = errors.New("archive url_template is not configured")

// Detail field keys used in ArchiveConfig.DetailLabels
const (
	FieldReligiousEntity = "religious_entity"
	FieldLocation        = "location"
	FieldYearsOperation  = "years_operation"
)

// HTTPError is returned for non-200 responses.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("archive request failed: status %d (%s)", e.StatusCode, e.URL)
}

// Scraper walks the archive listing pages.
type Scraper struct {
	config     *common.ArchiveConfig
	httpClient *http.Client
	logger     arbor.ILogger
	limiter    *rate.Limiter
	retry      *RetryPolicy
}

// Option configures the Scraper.
type Option func(*Scraper)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *Scraper) {
		s.httpClient = httpClient
	}
}

// WithLogger sets a logger.
func WithLogger(logger arbor.ILogger) Option {
	return func(s *Scraper) {
		s.logger = logger
	}
}

// WithRateLimit sets a custom rate limit.
func WithRateLimit(requestsPerSecond float64) Option {
	return func(s *Scraper) {
		s.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}
}

// WithRetryPolicy sets a custom retry policy.
func WithRetryPolicy(policy *RetryPolicy) Option {
	return func(s *Scraper) {
		s.retry = policy
	}
}

// NewScraper creates a scraper for the configured archive.
func NewScraper(config *common.ArchiveConfig, opts ...Option) *Scraper {
	rps := config.RequestsPerSec
	if rps <= 0 {
		rps = 1
	}

	s := &Scraper{
		config: config,
		httpClient: &http.Client{
			Timeout: common.ParseDuration(config.RequestTimeout, DefaultTimeout),
		},
		logger:  common.GetLogger(),
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		retry:   NewRetryPolicy(config.MaxAttempts, common.ParseDuration(config.RetryBackoff, time.Second)),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Scrape reads listing pages from StartPage until a page yields no new
// entities or MaxPages is reached. Entities are deduplicated by name and link.
// Detail pages are fetched when FetchDetails is set; a failed detail page
// leaves the entity's optional fields absent.
func (s *Scraper) Scrape(ctx context.Context) ([]models.ArchiveEntity, error) {
	if s.config.URLTemplate == "" {
		return nil, ErrNoTemplate
	}

	paged := strings.Contains(s.config.URLTemplate, pagePlaceholder)
	maxPages := s.config.MaxPages
	if !paged || maxPages < 1 {
		maxPages = 1
	}

	seen := make(map[string]bool)
	var entities []models.ArchiveEntity

	for i := 0; i < maxPages; i++ {
		page := s.config.StartPage + i
		pageURL := strings.ReplaceAll(s.config.URLTemplate, pagePlaceholder, strconv.Itoa(page))

		doc, base, err := s.fetch(ctx, pageURL)
		if err != nil {
			var httpErr *HTTPError
			if i > 0 && errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				break
			}
			return entities, fmt.Errorf("failed to fetch listing page %d: %w", page, err)
		}

		added := 0
		for _, entity := range s.parseListing(doc, base) {
			key := entity.CanonicalName + "\x00" + entity.Link
			if seen[key] {
				continue
			}
			seen[key] = true
			entities = append(entities, entity)
			added++
		}

		s.logger.Debug().
			Int("page", page).
			Int("added", added).
			Int("total", len(entities)).
			Msg("Archive listing page parsed")

		if added == 0 {
			break
		}
	}

	if s.config.FetchDetails {
		for i := range entities {
			if err := ctx.Err(); err != nil {
				return entities, err
			}
			if err := s.enrich(ctx, &entities[i]); err != nil {
				if ctx.Err() != nil {
					return entities, ctx.Err()
				}
				s.logger.Warn().
					Err(err).
					Str("name", entities[i].CanonicalName).
					Str("link", entities[i].Link).
					Msg("Archive detail page unavailable")
			}
		}
	}

	s.logger.Info().
		Int("entities", len(entities)).
		Bool("details", s.config.FetchDetails).
		Msg("Archive scrape complete")

	return entities, nil
}

// parseListing extracts name and absolute link from every listing item
func (s *Scraper) parseListing(doc *goquery.Document, base *url.URL) []models.ArchiveEntity {
	var entities []models.ArchiveEntity

	doc.Find(s.config.ItemSelector).Each(func(_ int, item *goquery.Selection) {
		nameSel := item
		if s.config.NameSelector != "" {
			nameSel = item.Find(s.config.NameSelector).First()
		}
		name := normalizeSpace(nameSel.Text())
		if name == "" {
			return
		}

		linkSel := item
		if s.config.LinkSelector != "" {
			linkSel = item.Find(s.config.LinkSelector).First()
		}
		href, _ := linkSel.Attr("href")

		entities = append(entities, models.ArchiveEntity{
			CanonicalName: name,
			Link:          resolve(base, href),
		})
	})

	return entities
}

// enrich fills optional fields from the entity's detail page
func (s *Scraper) enrich(ctx context.Context, entity *models.ArchiveEntity) error {
	if entity.Link == "" {
		return nil
	}

	doc, _, err := s.fetch(ctx, entity.Link)
	if err != nil {
		return err
	}

	fields := make(map[string]string)
	doc.Find(s.config.DetailRow).Each(func(_ int, row *goquery.Selection) {
		label := strings.TrimSuffix(normalizeSpace(row.Find(s.config.DetailLabel).First().Text()), ":")
		value := normalizeSpace(row.Find(s.config.DetailValue).First().Text())
		if label == "" || value == "" {
			return
		}
		for field, want := range s.config.DetailLabels {
			if strings.EqualFold(label, want) {
				fields[field] = value
			}
		}
	})

	entity.ReligiousEntity = optional(fields[FieldReligiousEntity])
	entity.Location = optional(fields[FieldLocation])
	entity.YearsOperation = optional(fields[FieldYearsOperation])
	return nil
}

// fetch performs a rate-limited GET with retries and parses the body
func (s *Scraper) fetch(ctx context.Context, rawURL string) (*goquery.Document, *url.URL, error) {
	var doc *goquery.Document
	var base *url.URL
	err := s.retry.Do(ctx, s.logger, func() error {
		var err error
		doc, base, err = s.get(ctx, rawURL)
		return err
	})
	return doc, base, err
}

func (s *Scraper) get(ctx context.Context, rawURL string) (*goquery.Document, *url.URL, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if s.config.UserAgent != "" {
		req.Header.Set("User-Agent", s.config.UserAgent)
	}
	req.Header.Set("Accept", "text/html")

	s.logger.Debug().Str("url", rawURL).Msg("Archive request")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil, &HTTPError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	return doc, resp.Request.URL, nil
}

func resolve(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
