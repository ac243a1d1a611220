// Package pipeline normalizes extracted menu pages and writes them to
// their output destinations.
package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/campusdining/menu-scraper/models"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// OutputWriter receives normalized pages and first-seen items.
type OutputWriter interface {
	WritePage(page *models.MenuPage) error
	WriteItems(items []*models.FoodItem) error
	Close() error
	Validate() error
}

// Pipeline coordinates pruning, slug de-duplication, and output
// writing for menu pages flowing out of the collector.
type Pipeline struct {
	writer OutputWriter
	pageCh chan *models.MenuPage

	wg sync.WaitGroup

	// seen tracks slugs across the whole run. First write wins; later
	// occurrences only bump the collision counter.
	seen   *lru.Cache[string, struct{}]
	seenMu sync.Mutex

	metrics metrics

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline with a modest in-memory buffer.
func NewPipeline(writer OutputWriter, bufferSize, dedupeMaxSize int) (*Pipeline, error) {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if dedupeMaxSize <= 0 {
		dedupeMaxSize = 100000
	}
	seen, err := lru.New[string, struct{}](dedupeMaxSize)
	if err != nil {
		return nil, fmt.Errorf("build dedupe cache: %w", err)
	}
	return &Pipeline{
		writer:   writer,
		pageCh:   make(chan *models.MenuPage, bufferSize),
		seen:     seen,
		metrics:  newMetrics(),
		shutdown: make(chan struct{}),
	}, nil
}

// Start launches worker goroutines.
func (p *Pipeline) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Process enqueues a page for downstream processing.
func (p *Pipeline) Process(page *models.MenuPage) error {
	if page == nil {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}
	return p.enqueue(page)
}

// Close waits for workers to finish and prevents more submissions.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
	}
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.pageCh)
	})

	p.wg.Wait()
	return p.Err()
}

// Err returns the first error encountered during processing.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

// StartMetricsReporting emits periodic progress logs.
func (p *Pipeline) StartMetricsReporting(interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				snapshot := p.GetMetrics()
				slog.Info("pipeline progress",
					slog.Any("pages", snapshot["processed_pages"]),
					slog.Any("items", snapshot["processed_items"]),
					slog.Any("collisions", snapshot["slug_collisions"]),
				)
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	for page := range p.pageCh {
		prepared, fresh := p.prepare(page)
		if prepared == nil {
			continue
		}
		if err := p.writer.WritePage(prepared); err != nil {
			p.setErr(fmt.Errorf("write page %s/%s: %w", page.Location, page.Date, err))
			return
		}
		if len(fresh) > 0 {
			if err := p.writer.WriteItems(fresh); err != nil {
				p.setErr(fmt.Errorf("write items %s/%s: %w", page.Location, page.Date, err))
				return
			}
		}
	}
}

// prepare prunes stations and periods that came out of extraction with
// zero items and collects the page's first-seen items. Returns nil when
// nothing remains: an empty page never becomes a durable artifact, so
// the date stays eligible for a future scrape.
func (p *Pipeline) prepare(page *models.MenuPage) (*models.MenuPage, []*models.FoodItem) {
	var fresh []*models.FoodItem

	for periodName, period := range page.MealPeriods {
		for stationName, station := range period.Stations {
			if len(station.Items) == 0 {
				delete(period.Stations, stationName)
				p.metrics.add("pruned_stations")
				continue
			}
			for i, item := range station.Items {
				if i >= len(station.ItemIDs) {
					break
				}
				slug := station.ItemIDs[i]
				p.seenMu.Lock()
				if _, ok := p.seen.Get(slug); ok {
					p.metrics.add("slug_collisions")
					p.seenMu.Unlock()
					continue
				}
				p.seen.Add(slug, struct{}{})
				p.seenMu.Unlock()
				fresh = append(fresh, item)
				p.metrics.add("processed_items")
			}
		}
		if len(period.Stations) == 0 {
			delete(page.MealPeriods, periodName)
			p.metrics.add("pruned_periods")
		}
	}

	if len(page.MealPeriods) == 0 {
		p.metrics.add("empty_pages")
		return nil, nil
	}

	p.metrics.add("processed_pages")
	return page, fresh
}

func (p *Pipeline) enqueue(page *models.MenuPage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.pageCh <- page:
		return nil
	}
}

func (p *Pipeline) setErr(err error) {
	if err == nil {
		return
	}

	p.mu.Lock()
	if p.err != nil {
		p.mu.Unlock()
		return
	}
	p.err = err
	p.closed = true
	p.mu.Unlock()

	p.signalShutdown()
	p.closeOnce.Do(func() {
		close(p.pageCh)
	})
}

func (p *Pipeline) state() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed, p.err
}

func (p *Pipeline) signalShutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdown)
	})
}

type metrics struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newMetrics() metrics {
	return metrics{counters: make(map[string]int64)}
}

func (m *metrics) add(key string) {
	m.mu.Lock()
	m.counters[key]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]interface{}, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}
