package archive

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/registrar/internal/common"
	"github.com/ternarybob/registrar/internal/models"
)

const listingPage1 = `<html><body>
<div class="search-result"><a href="/entity/amos"><span class="search-result-title">Amos (St. Marc-de-Figuery)</span></a></div>
<div class="search-result"><a href="/entity/kitimaat"><span class="search-result-title">
	Kitimaat   (Elizabeth Long Memorial Home for Girls)
</span></a></div>
</body></html>`

const listingPage2 = `<html><body>
<div class="search-result"><a href="/entity/amos"><span class="search-result-title">Amos (St. Marc-de-Figuery)</span></a></div>
<div class="search-result"><a href="https://other.test/unknown"><span class="search-result-title">Unknown institution</span></a></div>
</body></html>`

const emptyPage = `<html><body><p>No results</p></body></html>`

const amosDetail = `<html><body>
<div class="field"><div class="field-label">Religious entity:</div><div class="field-value">Roman Catholic</div></div>
<div class="field"><div class="field-label">LOCATION</div><div class="field-value">Amos, Quebec</div></div>
<div class="field"><div class="field-label">Notes</div><div class="field-value">ignored</div></div>
</body></html>`

type archiveServer struct {
	*httptest.Server
	mu     sync.Mutex
	agents []string
	paths  []string
}

func newArchiveServer(t *testing.T, pages map[string]string) *archiveServer {
	t.Helper()
	s := &archiveServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.agents = append(s.agents, r.UserAgent())
		s.paths = append(s.paths, r.URL.RequestURI())
		s.mu.Unlock()

		body, ok := pages[r.URL.RequestURI()]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(s.Close)
	return s
}

func testArchiveConfig(baseURL string) *common.ArchiveConfig {
	config := common.NewDefaultConfig().Archive
	config.URLTemplate = baseURL + "/search?page={page}"
	config.MaxPages = 10
	config.RequestsPerSec = 1000
	config.UserAgent = "registrar-test"
	return &config
}

func newTestScraper(config *common.ArchiveConfig) *Scraper {
	return NewScraper(config,
		WithLogger(arbor.NewLogger()),
		WithRateLimit(1000),
		WithRetryPolicy(NewRetryPolicy(3, time.Millisecond)),
	)
}

func TestScrape_PaginatesUntilNoNewEntities(t *testing.T) {
	server := newArchiveServer(t, map[string]string{
		"/search?page=1": listingPage1,
		"/search?page=2": listingPage2,
		"/search?page=3": listingPage2,
	})

	got, err := newTestScraper(testArchiveConfig(server.URL)).Scrape(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []models.ArchiveEntity{
		{CanonicalName: "Amos (St. Marc-de-Figuery)", Link: server.URL + "/entity/amos"},
		{CanonicalName: "Kitimaat (Elizabeth Long Memorial Home for Girls)", Link: server.URL + "/entity/kitimaat"},
		{CanonicalName: "Unknown institution", Link: "https://other.test/unknown"},
	}, got)
	assert.Equal(t, []string{"/search?page=1", "/search?page=2", "/search?page=3"}, server.paths)
	for _, agent := range server.agents {
		assert.Equal(t, "registrar-test", agent)
	}
}

func TestScrape_StopsOnEmptyPageAndMissingPage(t *testing.T) {
	tests := []struct {
		name  string
		pages map[string]string
	}{
		{"empty page", map[string]string{"/search?page=1": listingPage1, "/search?page=2": emptyPage}},
		{"not found", map[string]string{"/search?page=1": listingPage1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := newArchiveServer(t, tt.pages)
			got, err := newTestScraper(testArchiveConfig(server.URL)).Scrape(context.Background())
			require.NoError(t, err)
			assert.Len(t, got, 2)
			assert.Len(t, server.paths, 2)
		})
	}
}

func TestScrape_RespectsMaxPages(t *testing.T) {
	server := newArchiveServer(t, map[string]string{
		"/search?page=1": listingPage1,
		"/search?page=2": listingPage2,
	})
	config := testArchiveConfig(server.URL)
	config.MaxPages = 1

	got, err := newTestScraper(config).Scrape(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, []string{"/search?page=1"}, server.paths)
}

func TestScrape_FetchesDetails(t *testing.T) {
	server := newArchiveServer(t, map[string]string{
		"/search?page=1": listingPage1,
		"/search?page=2": emptyPage,
		"/entity/amos":   amosDetail,
	})
	config := testArchiveConfig(server.URL)
	config.FetchDetails = true

	got, err := newTestScraper(config).Scrape(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	amos := got[0]
	require.NotNil(t, amos.ReligiousEntity)
	require.NotNil(t, amos.Location)
	assert.Equal(t, "Roman Catholic", *amos.ReligiousEntity)
	assert.Equal(t, "Amos, Quebec", *amos.Location)
	assert.Nil(t, amos.YearsOperation)

	// Detail page 404 leaves the optional fields absent
	kitimaat := got[1]
	assert.Nil(t, kitimaat.ReligiousEntity)
	assert.Nil(t, kitimaat.Location)
}

func TestScrape_Errors(t *testing.T) {
	t.Run("no template", func(t *testing.T) {
		_, err := newTestScraper(&common.ArchiveConfig{}).Scrape(context.Background())
		assert.ErrorIs(t, err, ErrNoTemplate)
	})

	t.Run("first page missing", func(t *testing.T) {
		server := newArchiveServer(t, map[string]string{})
		_, err := newTestScraper(testArchiveConfig(server.URL)).Scrape(context.Background())
		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	})

	t.Run("server error mid listing", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("page") == "1" {
				fmt.Fprint(w, listingPage1)
				return
			}
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		got, err := newTestScraper(testArchiveConfig(server.URL)).Scrape(context.Background())
		assert.Error(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("cancelled", func(t *testing.T) {
		server := newArchiveServer(t, map[string]string{"/search?page=1": listingPage1})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestScraper(testArchiveConfig(server.URL)).Scrape(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestScrape_SinglePageTemplate(t *testing.T) {
	server := newArchiveServer(t, map[string]string{"/all": listingPage1})
	config := testArchiveConfig(server.URL)
	config.URLTemplate = server.URL + "/all"

	got, err := newTestScraper(config).Scrape(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Len(t, server.paths, 1)
}

func TestScrape_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			fmt.Fprint(w, emptyPage)
			return
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, listingPage1)
	}))
	defer server.Close()

	got, err := newTestScraper(testArchiveConfig(server.URL)).Scrape(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetryPolicy(t *testing.T) {
	logger := arbor.NewLogger()

	tests := []struct {
		name      string
		err       error
		wantCalls int
	}{
		{"not found is final", &HTTPError{StatusCode: http.StatusNotFound}, 1},
		{"rate limited", &HTTPError{StatusCode: http.StatusTooManyRequests}, 3},
		{"server error", &HTTPError{StatusCode: http.StatusBadGateway}, 3},
		{"cancelled", context.Canceled, 1},
		{"plain error", fmt.Errorf("bad html"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := NewRetryPolicy(3, time.Millisecond).Do(context.Background(), logger, func() error {
				calls++
				return tt.err
			})
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}
