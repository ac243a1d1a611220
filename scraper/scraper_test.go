package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"

	"github.com/campusdining/menu-scraper/config"
	"github.com/campusdining/menu-scraper/models"
	"github.com/campusdining/menu-scraper/nutrition"
	"github.com/campusdining/menu-scraper/pipeline"
	"github.com/campusdining/menu-scraper/storage"
)

func TestRetryManagerScheduleRespectsLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rm := newRetryManager(colly.NewCollector(), cfg, NewMetrics())

	if !rm.Schedule("http://dining.test/menu?date=2026-03-02&location=commons") {
		t.Fatalf("first retry should be scheduled")
	}
	if !rm.Schedule("http://dining.test/menu?date=2026-03-02&location=commons") {
		t.Fatalf("second retry should be scheduled")
	}
	if rm.Schedule("http://dining.test/menu?date=2026-03-02&location=commons") {
		t.Fatalf("third retry should not be scheduled")
	}

	rm.Stop()
	if got := rm.TotalRetries(); got != 2 {
		t.Fatalf("total retries = %d, want 2", got)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 200 * time.Millisecond},
		{attempt: 2, want: 400 * time.Millisecond},
		{attempt: 3, want: 500 * time.Millisecond},
		{attempt: 8, want: 500 * time.Millisecond},
	}
	for _, tt := range tests {
		got := backoffDelay(200*time.Millisecond, 500*time.Millisecond, tt.attempt)
		if got != tt.want {
			t.Fatalf("backoffDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestClassifyFetch(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		label     string
		retryable bool
	}{
		{name: "forbidden", status: http.StatusForbidden, label: "forbidden", retryable: false},
		{name: "missing page", status: http.StatusNotFound, label: "not_found", retryable: false},
		{name: "rate limited", status: http.StatusTooManyRequests, label: "rate_limited", retryable: true},
		{name: "server error", err: errors.New("bad gateway"), status: http.StatusBadGateway, label: "server_error", retryable: true},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, label: "timeout", retryable: true},
		{name: "connection refused", err: errors.New("dial tcp: connection refused"), label: "connection", retryable: true},
		{name: "deadline", err: context.DeadlineExceeded, label: "timeout", retryable: true},
		{name: "unclassified", err: errors.New("mystery"), label: "unknown", retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fe := classifyFetch("http://dining.test/menu", tt.status, tt.err)
			if got := errorLabel(fe); got != tt.label {
				t.Fatalf("label = %q, want %q", got, tt.label)
			}
			if got := retryable(fe); got != tt.retryable {
				t.Fatalf("retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestMenuURL(t *testing.T) {
	cfg := testConfig()
	c, err := NewCollector(cfg, storage.NewMemoryStore(), nil, nil)
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}

	got := c.menuURL("west commons", "2026-03-02")
	parsed, err := url.Parse(got)
	if err != nil {
		t.Fatalf("parse %q: %v", got, err)
	}
	if parsed.Query().Get("location") != "west commons" {
		t.Fatalf("location param = %q", parsed.Query().Get("location"))
	}
	if parsed.Query().Get("date") != "2026-03-02" {
		t.Fatalf("date param = %q", parsed.Query().Get("date"))
	}
}

func TestCollectorSkipsExistingArtifacts(t *testing.T) {
	cfg := testConfig()
	cfg.Locations = []string{"commons"}
	cfg.DaysAhead = 2

	store := storage.NewMemoryStore()
	seedArtifact(t, store, "commons", "2026-03-02")

	c := newTestCollector(t, cfg, store, nil)
	p := newTestPipeline(t, &collectingWriter{})

	if _, err := c.Run(context.Background(), p); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	stats := c.Stats()
	if stats.PagesSkipped != 1 {
		t.Fatalf("pages skipped = %d, want 1", stats.PagesSkipped)
	}
	if stats.PagesScraped != 1 {
		t.Fatalf("pages scraped = %d, want 1", stats.PagesScraped)
	}
}

func TestCollectorIntegration(t *testing.T) {
	cfg := testConfig()
	cfg.Locations = []string{"commons", "north-dining"}
	cfg.DaysAhead = 1

	store := storage.NewMemoryStore()
	cache := nutrition.NewCache(store, "nutrition/cache.json")
	fetched := make(map[int64]int)
	var mu sync.Mutex
	scheduler := nutrition.NewScheduler(fetcherFunc(func(ctx context.Context, id int64) (models.NutritionRecord, error) {
		mu.Lock()
		fetched[id]++
		mu.Unlock()
		return models.NutritionRecord{"Calories": fmt.Sprintf("%d", id)}, nil
	}), cache, nutrition.SchedulerOptions{Concurrency: 2, BatchSize: 10})

	transport := httpmock.NewMockTransport()
	registerMenu(transport, cfg.BaseURL, "commons", "2026-03-02", menuHTML(101, 102))
	registerMenu(transport, cfg.BaseURL, "north-dining", "2026-03-02", menuHTML(102, 203))

	c := newTestCollectorWithTransport(t, cfg, store, cache, scheduler, transport)
	writer := &collectingWriter{}
	p := newTestPipeline(t, writer)

	result, err := c.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if !result.Success {
		t.Fatalf("result not successful: %+v", result)
	}
	// 102 appears on both pages but resolves once.
	if result.TotalRecipes != 3 || result.FetchedCount != 3 {
		t.Fatalf("total=%d fetched=%d, want 3/3", result.TotalRecipes, result.FetchedCount)
	}
	mu.Lock()
	if fetched[102] != 1 {
		t.Fatalf("recipe 102 fetched %d times, want 1", fetched[102])
	}
	mu.Unlock()

	if got := writer.Pages(); got != 2 {
		t.Fatalf("pages written = %d, want 2", got)
	}
	stats := c.Stats()
	if stats.PagesScraped != 2 || stats.ErrorCount != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, ok := cache.Get(203); !ok {
		t.Fatalf("recipe 203 missing from cache")
	}
}

func TestCollectorIgnoresItemsWithoutRecipeID(t *testing.T) {
	cfg := testConfig()
	cfg.Locations = []string{"commons"}
	cfg.DaysAhead = 1

	store := storage.NewMemoryStore()
	cache := nutrition.NewCache(store, "nutrition/cache.json")
	var mu sync.Mutex
	fetched := make(map[int64]int)
	scheduler := nutrition.NewScheduler(fetcherFunc(func(ctx context.Context, id int64) (models.NutritionRecord, error) {
		mu.Lock()
		fetched[id]++
		mu.Unlock()
		return models.NutritionRecord{"Calories": "1"}, nil
	}), cache, nutrition.SchedulerOptions{Concurrency: 1, BatchSize: 10})

	// One item carries an id, the other is a bare class-only marker.
	html := `<html><body>
	<a data-toggle="tab" href="#lunch">Lunch</a>
	<div id="lunch"><div data-station="Grill">
		<div class="menu-item" data-recipe-id="44"><span class="item-name">Burger</span></div>
		<div class="menu-item"><span class="item-name">Daily Special</span></div>
	</div></div>
	</body></html>`

	transport := httpmock.NewMockTransport()
	registerMenu(transport, cfg.BaseURL, "commons", "2026-03-02", html)

	c := newTestCollectorWithTransport(t, cfg, store, cache, scheduler, transport)
	writer := &collectingWriter{}
	p := newTestPipeline(t, writer)

	result, err := c.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if result.TotalRecipes != 1 {
		t.Fatalf("total recipes = %d, want 1 (id-less item must not resolve)", result.TotalRecipes)
	}
	mu.Lock()
	defer mu.Unlock()
	if fetched[0] != 0 {
		t.Fatalf("zero sentinel id was fetched %d times", fetched[0])
	}
	if fetched[44] != 1 {
		t.Fatalf("recipe 44 fetched %d times, want 1", fetched[44])
	}
	if _, ok := cache.Get(0); ok {
		t.Fatalf("zero sentinel id must not be cached")
	}
	// The id-less item still appears on the exported page.
	if got := writer.Pages(); got != 1 {
		t.Fatalf("pages written = %d, want 1", got)
	}
	writer.mu.Lock()
	itemCount := writer.pages[0].ItemCount()
	writer.mu.Unlock()
	if itemCount != 2 {
		t.Fatalf("exported items = %d, want 2 (id-less item kept on page)", itemCount)
	}
}

func TestCollectorFullRefreshMergesCachedIDs(t *testing.T) {
	cfg := testConfig()
	cfg.Locations = []string{"commons"}
	cfg.DaysAhead = 1
	cfg.FullRefresh = true

	store := storage.NewMemoryStore()
	cache := nutrition.NewCache(store, "nutrition/cache.json")
	cache.Put(900, models.NutritionRecord{"Calories": "250"})

	var mu sync.Mutex
	seen := make(map[int64]bool)
	scheduler := nutrition.NewScheduler(fetcherFunc(func(ctx context.Context, id int64) (models.NutritionRecord, error) {
		mu.Lock()
		seen[id] = true
		mu.Unlock()
		return models.NutritionRecord{"Calories": "1"}, nil
	}), cache, nutrition.SchedulerOptions{Concurrency: 1, BatchSize: 10})

	transport := httpmock.NewMockTransport()
	registerMenu(transport, cfg.BaseURL, "commons", "2026-03-02", menuHTML(101))

	c := newTestCollectorWithTransport(t, cfg, store, cache, scheduler, transport)
	p := newTestPipeline(t, &collectingWriter{})

	result, err := c.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if result.TotalRecipes != 2 {
		t.Fatalf("total recipes = %d, want 2 (page id plus cached id)", result.TotalRecipes)
	}
	mu.Lock()
	defer mu.Unlock()
	if !seen[101] {
		t.Fatalf("page-discovered recipe 101 not fetched")
	}
	// Cached id is refetched only under ForceRefresh; FullRefresh just
	// widens the candidate set.
	if seen[900] {
		t.Fatalf("cached recipe 900 should have been served from cache")
	}
}

func TestCollectorClassifiesHTTPFailures(t *testing.T) {
	tests := []struct {
		status int
		label  string
	}{
		{status: http.StatusForbidden, label: "forbidden"},
		{status: http.StatusNotFound, label: "not_found"},
		{status: http.StatusTooManyRequests, label: "rate_limited"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			cfg := testConfig()
			cfg.Locations = []string{"commons"}
			cfg.DaysAhead = 1
			cfg.MaxRetries = 0

			transport := httpmock.NewMockTransport()
			registerStatus(transport, cfg.BaseURL, "commons", "2026-03-02", tt.status)

			c := newTestCollectorWithTransport(t, cfg, storage.NewMemoryStore(), nil, nil, transport)
			p := newTestPipeline(t, &collectingWriter{})

			if _, err := c.Run(context.Background(), p); err != nil {
				t.Fatalf("run: %v", err)
			}
			if err := p.Close(); err != nil {
				t.Fatalf("close pipeline: %v", err)
			}

			stats := c.Stats()
			if stats.ErrorsByType[tt.label] == 0 {
				t.Fatalf("expected %q classification, got %v", tt.label, stats.ErrorsByType)
			}
			if len(stats.FailedURLs) != 1 {
				t.Fatalf("failed urls = %v, want exactly one", stats.FailedURLs)
			}
		})
	}
}

func TestCollectorRecordsDocumentParseFailures(t *testing.T) {
	cfg := testConfig()
	cfg.Locations = []string{"commons"}
	cfg.DaysAhead = 1

	transport := httpmock.NewMockTransport()
	registerMenu(transport, cfg.BaseURL, "commons", "2026-03-02", menuHTML(101))

	c := newTestCollectorWithTransport(t, cfg, storage.NewMemoryStore(), nil, nil, transport)
	c.newDocument = func(io.Reader) (*goquery.Document, error) {
		return nil, errors.New("truncated markup")
	}
	writer := &collectingWriter{}
	p := newTestPipeline(t, writer)

	if _, err := c.Run(context.Background(), p); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	stats := c.Stats()
	if len(stats.FailedURLs) != 1 {
		t.Fatalf("failed urls = %v, want the unparseable page", stats.FailedURLs)
	}
	if stats.ErrorsByType["parse"] != 1 {
		t.Fatalf("error types = %v, want one parse failure", stats.ErrorsByType)
	}
	if stats.ErrorCount != 1 {
		t.Fatalf("error count = %d, want 1", stats.ErrorCount)
	}
	if writer.Pages() != 0 {
		t.Fatalf("unparseable page must not reach the writer")
	}
}

func TestCollectorEmptyPageNotCounted(t *testing.T) {
	cfg := testConfig()
	cfg.Locations = []string{"commons"}
	cfg.DaysAhead = 1

	transport := httpmock.NewMockTransport()
	registerMenu(transport, cfg.BaseURL, "commons", "2026-03-02",
		"<html><body><h1>Closed for break</h1></body></html>")

	c := newTestCollectorWithTransport(t, cfg, storage.NewMemoryStore(), nil, nil, transport)
	writer := &collectingWriter{}
	p := newTestPipeline(t, writer)

	result, err := c.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}

	if !result.Success {
		t.Fatalf("run with no recipes should succeed")
	}
	stats := c.Stats()
	if stats.PagesEmpty != 1 || stats.PagesScraped != 0 {
		t.Fatalf("stats = %+v, want one empty page", stats)
	}
	if writer.Pages() != 0 {
		t.Fatalf("empty page must not reach the writer")
	}
}

type fetcherFunc func(ctx context.Context, id int64) (models.NutritionRecord, error)

func (f fetcherFunc) Fetch(ctx context.Context, id int64) (models.NutritionRecord, error) {
	return f(ctx, id)
}

type collectingWriter struct {
	mu    sync.Mutex
	pages []*models.MenuPage
	items []*models.FoodItem
}

func (cw *collectingWriter) WritePage(page *models.MenuPage) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.pages = append(cw.pages, page)
	return nil
}

func (cw *collectingWriter) WriteItems(items []*models.FoodItem) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.items = append(cw.items, items...)
	return nil
}

func (cw *collectingWriter) Close() error    { return nil }
func (cw *collectingWriter) Validate() error { return nil }

func (cw *collectingWriter) Pages() int {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return len(cw.pages)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://dining.test/menu"
	cfg.Parallelism = 2
	cfg.MaxRetries = 0
	cfg.Delay = 0
	cfg.RandomDelay = 0
	return cfg
}

var testNow = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newTestCollector(t *testing.T, cfg *config.Config, store storage.Store, scheduler *nutrition.Scheduler) *Collector {
	t.Helper()
	transport := httpmock.NewMockTransport()
	registerMenu(transport, cfg.BaseURL, cfg.Locations[0], "2026-03-03", menuHTML(101, 102))
	return newTestCollectorWithTransport(t, cfg, store, nil, scheduler, transport)
}

func newTestCollectorWithTransport(t *testing.T, cfg *config.Config, store storage.Store, cache *nutrition.Cache, scheduler *nutrition.Scheduler, transport *httpmock.MockTransport) *Collector {
	t.Helper()
	c, err := NewCollector(cfg, store, cache, scheduler)
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}
	c.collector.WithTransport(transport)
	c.now = func() time.Time { return testNow }
	return c
}

func newTestPipeline(t *testing.T, writer pipeline.OutputWriter) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.NewPipeline(writer, 16, 1000)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)
	return p
}

func seedArtifact(t *testing.T, store storage.Store, location, date string) {
	t.Helper()
	err := store.Put(context.Background(), pipeline.ArtifactName(location, date),
		[]byte("{}"), storage.PutOptions{ContentType: "application/json", Upsert: true})
	if err != nil {
		t.Fatalf("seed artifact: %v", err)
	}
}

func registerMenu(transport *httpmock.MockTransport, base, location, date, body string) {
	resp := httpmock.NewStringResponse(http.StatusOK, body)
	resp.Header.Set("Content-Type", "text/html")
	transport.RegisterResponderWithQuery("GET", base,
		url.Values{"location": {location}, "date": {date}},
		httpmock.ResponderFromResponse(resp))
}

func registerStatus(transport *httpmock.MockTransport, base, location, date string, status int) {
	transport.RegisterResponderWithQuery("GET", base,
		url.Values{"location": {location}, "date": {date}},
		httpmock.NewStringResponder(status, ""))
}

// menuHTML renders a minimal tabbed menu page with one station holding
// the given recipe ids.
func menuHTML(ids ...int64) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	b.WriteString("<ul><li><a data-toggle=\"tab\" href=\"#lunch\">Lunch</a></li></ul>")
	b.WriteString("<div id=\"lunch\"><div data-station=\"Grill\">")
	for _, id := range ids {
		fmt.Fprintf(&b, "<div class=\"menu-item\" data-recipe-id=\"%d\">", id)
		fmt.Fprintf(&b, "<span class=\"item-name\">Recipe %d</span></div>", id)
	}
	b.WriteString("</div></div></body></html>")
	return b.String()
}
