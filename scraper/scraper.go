// Package scraper drives the collection run: it visits every
// outstanding location/date menu page through a rate-limited colly
// collector, feeds parsed pages into the pipeline, and hands the
// discovered recipe ids to the nutrition scheduler.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/campusdining/menu-scraper/config"
	"github.com/campusdining/menu-scraper/extract"
	"github.com/campusdining/menu-scraper/models"
	"github.com/campusdining/menu-scraper/nutrition"
	"github.com/campusdining/menu-scraper/pipeline"
	"github.com/campusdining/menu-scraper/storage"
)

const dateLayout = "2006-01-02"

// Collector orchestrates one collection run across all configured
// locations and the rolling date window.
type Collector struct {
	cfg       *config.Config
	collector *colly.Collector
	retry     *retryManager
	store     storage.Store
	cache     *nutrition.Cache
	scheduler *nutrition.Scheduler
	Metrics   *Metrics

	requestCount int64
	errorCount   int64

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int
	recipeIDs    map[int64]struct{}
	pagesScraped int
	pagesSkipped int
	pagesEmpty   int
	startTime    time.Time
	endTime      time.Time

	handlersOnce sync.Once

	// now and newDocument are swapped in tests to pin the date window
	// and to exercise the parse-failure path.
	now         func() time.Time
	newDocument func(r io.Reader) (*goquery.Document, error)
}

// NewCollector builds a collector wired to the given store, nutrition
// cache, and scheduler.
func NewCollector(cfg *config.Config, store storage.Store, cache *nutrition.Cache, scheduler *nutrition.Scheduler) (*Collector, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base url must include a host")
	}

	collector := colly.NewCollector(
		colly.Async(true),
		colly.AllowedDomains(parsed.Host),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = true
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	c := &Collector{
		cfg:          cfg,
		collector:    collector,
		store:        store,
		cache:        cache,
		scheduler:    scheduler,
		errorsByType: make(map[string]int),
		recipeIDs:    make(map[int64]struct{}),
		Metrics:      NewMetrics(),
		now:          time.Now,
		newDocument:  goquery.NewDocumentFromReader,
	}
	c.retry = newRetryManager(collector, cfg, c.Metrics)
	return c, nil
}

// Run executes a full collection: visits outstanding menu pages,
// streams parsed pages through p, then resolves nutrition data for
// every recipe id seen. The returned CollectionResult covers the
// nutrition phase; Stats covers the page-fetch phase.
func (c *Collector) Run(ctx context.Context, p *pipeline.Pipeline) (*models.CollectionResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.retry.SetContext(ctx)
	c.configureHandlers(ctx, p)

	start := c.now()
	c.mu.Lock()
	c.startTime = start
	c.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.collector.Wait()
			c.retry.Stop()
		case <-done:
		}
	}()

	for _, target := range c.targets(ctx, start) {
		if ctx.Err() != nil {
			break
		}
		if err := c.collector.Visit(target); err != nil {
			slog.Warn("visit failed", slog.String("url", target), slog.Any("error", err))
		}
	}

	c.collector.Wait()
	c.retry.Stop()

	c.mu.Lock()
	c.endTime = c.now()
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := c.snapshotRecipeIDs()
	if c.cfg.FullRefresh && c.cache != nil {
		ids = mergeIDs(ids, c.cache.Keys())
	}
	if c.scheduler == nil {
		return &models.CollectionResult{Success: true}, nil
	}
	return c.scheduler.FetchAll(ctx, ids, c.cfg.ForceRefresh)
}

// targets returns the menu URLs still missing an artifact, counting
// skipped pairs along the way.
func (c *Collector) targets(ctx context.Context, start time.Time) []string {
	var urls []string
	for _, location := range c.cfg.Locations {
		for day := 0; day < c.cfg.DaysAhead; day++ {
			date := start.AddDate(0, 0, day).Format(dateLayout)
			exists, err := c.store.Exists(ctx, pipeline.ArtifactName(location, date))
			if err != nil {
				slog.Warn("artifact check failed",
					slog.String("location", location),
					slog.String("date", date),
					slog.Any("error", err),
				)
			}
			if exists {
				c.mu.Lock()
				c.pagesSkipped++
				c.mu.Unlock()
				c.Metrics.IncPage("skipped")
				continue
			}
			urls = append(urls, c.menuURL(location, date))
		}
	}
	return urls
}

// menuURL builds the fetch URL for one location/date pair.
func (c *Collector) menuURL(location, date string) string {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return c.cfg.BaseURL
	}
	q := u.Query()
	q.Set("location", location)
	q.Set("date", date)
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Collector) configureHandlers(ctx context.Context, p *pipeline.Pipeline) {
	c.handlersOnce.Do(func() {
		c.collector.OnRequest(func(r *colly.Request) {
			r.Ctx.Put("start", time.Now())
			atomic.AddInt64(&c.requestCount, 1)
			c.Metrics.IncRequest("started")
		})

		c.collector.OnResponse(func(r *colly.Response) {
			if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
				c.Metrics.ObserveDuration(time.Since(start))
			}
			c.handleResponse(r, p)
		})

		c.collector.OnError(func(r *colly.Response, err error) {
			atomic.AddInt64(&c.errorCount, 1)
			status := 0
			pageURL := ""
			if r != nil {
				status = r.StatusCode
				if r.Request != nil && r.Request.URL != nil {
					pageURL = r.Request.URL.String()
				}
			}
			fe := classifyFetch(pageURL, status, err)
			label := errorLabel(fe)

			c.mu.Lock()
			c.errorsByType[label]++
			c.mu.Unlock()

			slog.Error("page fetch error",
				slog.String("url", pageURL),
				slog.String("category", label),
				slog.Any("error", err),
			)
			c.Metrics.IncError(label)

			if !retryable(fe) || !c.retry.Schedule(pageURL) {
				c.Metrics.IncPage("failed")
				c.mu.Lock()
				c.failedURLs = append(c.failedURLs, pageURL)
				c.mu.Unlock()
			}
		})
	})
}

// handleResponse parses one fetched menu page and forwards it into the
// pipeline. Pages with no extractable items count as empty and leave
// the date eligible for the next run.
func (c *Collector) handleResponse(r *colly.Response, p *pipeline.Pipeline) {
	q := r.Request.URL.Query()
	location := q.Get("location")
	date := q.Get("date")
	if location == "" || date == "" {
		return
	}

	doc, err := c.newDocument(bytes.NewReader(r.Body))
	if err != nil {
		pageURL := r.Request.URL.String()
		slog.Error("parse menu document",
			slog.String("url", pageURL),
			slog.Any("error", err),
		)
		atomic.AddInt64(&c.errorCount, 1)
		c.mu.Lock()
		c.errorsByType["parse"]++
		c.failedURLs = append(c.failedURLs, pageURL)
		c.mu.Unlock()
		c.Metrics.IncError("parse")
		c.Metrics.IncPage("failed")
		return
	}

	periods, strategy := extract.ExtractStrategy(doc, location)
	c.Metrics.IncStrategy(strategy)

	page := &models.MenuPage{
		Location:    location,
		Date:        date,
		MealPeriods: periods,
	}
	items := page.ItemCount()
	if items == 0 {
		c.mu.Lock()
		c.pagesEmpty++
		c.mu.Unlock()
		c.Metrics.IncPage("empty")
		slog.Debug("empty menu page",
			slog.String("location", location),
			slog.String("date", date),
		)
		return
	}

	c.mu.Lock()
	c.pagesScraped++
	for _, id := range page.RecipeIDs() {
		c.recipeIDs[id] = struct{}{}
	}
	c.mu.Unlock()

	c.Metrics.IncPage("scraped")
	c.Metrics.AddItems(items)

	if err := p.Process(page); err != nil && err != pipeline.ErrPipelineClosed {
		slog.Error("pipeline process error", slog.Any("error", err))
	}
}

// Stats reports the page-fetch side of the most recent run.
func (c *Collector) Stats() models.ScrapeStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	failed := make([]string, len(c.failedURLs))
	copy(failed, c.failedURLs)
	byType := make(map[string]int, len(c.errorsByType))
	for k, v := range c.errorsByType {
		byType[k] = v
	}

	return models.ScrapeStats{
		StartTime:    c.startTime,
		EndTime:      c.endTime,
		RequestCount: int(atomic.LoadInt64(&c.requestCount)),
		PagesScraped: c.pagesScraped,
		PagesSkipped: c.pagesSkipped,
		PagesEmpty:   c.pagesEmpty,
		RetryCount:   c.retry.TotalRetries(),
		ErrorCount:   int(atomic.LoadInt64(&c.errorCount)),
		FailedURLs:   failed,
		ErrorsByType: byType,
	}
}

func (c *Collector) snapshotRecipeIDs() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]int64, 0, len(c.recipeIDs))
	for id := range c.recipeIDs {
		ids = append(ids, id)
	}
	return ids
}

func mergeIDs(ids []int64, extra []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids)+len(extra))
	out := make([]int64, 0, len(ids)+len(extra))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range extra {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
