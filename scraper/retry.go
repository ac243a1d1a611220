package scraper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/campusdining/menu-scraper/config"
)

// retryManager schedules bounded re-visits of failed menu URLs with
// exponential backoff. Timers fire outside the colly callback stack so
// a retry never blocks the collector.
type retryManager struct {
	collector *colly.Collector
	cfg       *config.Config
	metrics   *Metrics
	ctx       context.Context

	mu           sync.Mutex
	attempts     map[string]int
	timers       map[string]*time.Timer
	totalRetries int
	stopped      bool
}

func newRetryManager(collector *colly.Collector, cfg *config.Config, metrics *Metrics) *retryManager {
	return &retryManager{
		collector: collector,
		cfg:       cfg,
		metrics:   metrics,
		attempts:  make(map[string]int),
		timers:    make(map[string]*time.Timer),
		ctx:       context.Background(),
	}
}

// Schedule queues one more attempt for url. It returns false when the
// per-URL budget is exhausted, the manager is stopped, or the run
// context is done; the caller then records the URL as failed.
func (rm *retryManager) Schedule(url string) bool {
	if url == "" || rm.cfg.MaxRetries == 0 {
		return false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped || rm.ctx.Err() != nil {
		return false
	}

	attempt := rm.attempts[url]
	if attempt >= rm.cfg.MaxRetries {
		return false
	}

	attempt++
	rm.attempts[url] = attempt
	rm.totalRetries++
	rm.metrics.IncRetries()

	delay := backoffDelay(rm.base(), rm.max(), attempt)
	if timer, ok := rm.timers[url]; ok {
		timer.Stop()
	}
	rm.timers[url] = time.AfterFunc(delay, func() {
		rm.fire(url)
	})
	return true
}

func (rm *retryManager) base() time.Duration {
	if rm.cfg.RetryBackoff > 0 {
		return rm.cfg.RetryBackoff
	}
	return 100 * time.Millisecond
}

func (rm *retryManager) max() time.Duration {
	if rm.cfg.RetryBackoffMax > 0 {
		return rm.cfg.RetryBackoffMax
	}
	return 30 * time.Second
}

func (rm *retryManager) fire(url string) {
	rm.mu.Lock()
	if rm.stopped {
		rm.mu.Unlock()
		return
	}
	ctx := rm.ctx
	delete(rm.timers, url)
	rm.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	rm.metrics.IncRequest("retry")
	if err := rm.collector.Visit(url); err != nil {
		slog.Debug("retry visit failed", slog.String("url", url), slog.Any("error", err))
	}
}

// Stop cancels every pending timer. Further Schedule calls are no-ops.
func (rm *retryManager) Stop() {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.stopped {
		return
	}
	rm.stopped = true
	for url, timer := range rm.timers {
		timer.Stop()
		delete(rm.timers, url)
	}
}

func (rm *retryManager) TotalRetries() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.totalRetries
}

func (rm *retryManager) SetContext(ctx context.Context) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	rm.ctx = ctx
}
