package nutrition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/campusdining/menu-scraper/models"
)

// Terminal fetch states, used as metric labels.
const (
	stateCacheHit    = "cache_hit"
	stateSuccess     = "success"
	stateEmpty       = "empty"
	stateNotFound    = "not_found"
	stateRateLimited = "rate_limited"
	stateFailed      = "failed"
)

// maxRateLimitRetries bounds 429 retries per recipe id: one initial
// attempt plus three retries.
const maxRateLimitRetries = 3

// defaultRetryWait applies when a 429 carries no usable Retry-After.
const defaultRetryWait = 5 * time.Second

// Fetcher resolves a single recipe id. Implemented by Client.
type Fetcher interface {
	Fetch(ctx context.Context, id int64) (models.NutritionRecord, error)
}

// SchedulerOptions configure batch sizing and pacing.
type SchedulerOptions struct {
	// Concurrency is the number of lookups started together per group.
	Concurrency int
	// BatchSize is the number of ids per sequential batch.
	BatchSize int
	// ItemDelay is the pause after each concurrency group settles.
	ItemDelay time.Duration
	// BatchDelay is the pause between batches.
	BatchDelay time.Duration
	Metrics    *Metrics
}

// Scheduler drives concurrency-limited, rate-limit-aware nutrition
// lookups across many recipe ids and keeps the cache current.
type Scheduler struct {
	fetcher Fetcher
	cache   *Cache
	opts    SchedulerOptions

	// sleep and jitter are swappable for deterministic tests.
	sleep  func(ctx context.Context, d time.Duration)
	jitter func() time.Duration
}

// NewScheduler builds a scheduler over fetcher and cache.
func NewScheduler(fetcher Fetcher, cache *Cache, opts SchedulerOptions) *Scheduler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 15
	}
	return &Scheduler{
		fetcher: fetcher,
		cache:   cache,
		opts:    opts,
		sleep:   sleepCtx,
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(2 * time.Second)))
		},
	}
}

// FetchAll resolves the given recipe ids. Ids already holding a usable
// cache entry are skipped unless force is set. Returns the per-run
// counts; the error is non-nil only when persisting the cache fails.
func (s *Scheduler) FetchAll(ctx context.Context, ids []int64, force bool) (*models.CollectionResult, error) {
	deduped := dedupe(ids)

	var toFetch []int64
	skipped := 0
	for _, id := range deduped {
		if !force {
			if _, ok := s.cache.Get(id); ok {
				skipped++
				s.opts.Metrics.IncFetch(stateCacheHit)
				s.opts.Metrics.IncCacheHit()
				continue
			}
		}
		s.opts.Metrics.IncCacheMiss()
		toFetch = append(toFetch, id)
	}

	result := &models.CollectionResult{
		TotalRecipes: len(deduped),
		SkippedCount: skipped,
	}

	slog.Info("nutrition batch run starting",
		slog.Int("total", len(deduped)),
		slog.Int("to_fetch", len(toFetch)),
		slog.Int("skipped", skipped),
		slog.Bool("force", force),
	)

	var mu sync.Mutex
	batches := chunk(toFetch, s.opts.BatchSize)
	for bi, batch := range batches {
		for _, group := range chunk(batch, s.opts.Concurrency) {
			var wg sync.WaitGroup
			for _, id := range group {
				wg.Add(1)
				go func(id int64) {
					defer wg.Done()
					s.fetchOne(ctx, id, result, &mu)
				}(id)
			}
			wg.Wait()
			s.sleep(ctx, s.opts.ItemDelay)
		}
		if bi < len(batches)-1 {
			s.sleep(ctx, s.opts.BatchDelay)
		}
	}

	if err := s.cache.Save(ctx); err != nil {
		return result, err
	}

	attempted := len(toFetch)
	result.Success = attempted == 0 || float64(result.ErrorCount) < float64(attempted)/2

	slog.Info("nutrition batch run finished",
		slog.Int("fetched", result.FetchedCount),
		slog.Int("errors", result.ErrorCount),
		slog.Int("skipped", result.SkippedCount),
		slog.Bool("success", result.Success),
	)
	return result, nil
}

// fetchOne runs the bounded per-id state machine: fetching, rate-limit
// backoff, and one of the terminal states.
func (s *Scheduler) fetchOne(ctx context.Context, id int64, result *models.CollectionResult, mu *sync.Mutex) {
	fail := func(err error) {
		mu.Lock()
		result.ErrorCount++
		result.MissingRecipes = append(result.MissingRecipes, id)
		result.Errors = append(result.Errors, fmt.Sprintf("recipe %d: %v", id, err))
		mu.Unlock()
		s.opts.Metrics.IncFetch(stateFailed)
		slog.Warn("nutrition fetch failed", slog.Int64("recipe", id), slog.Any("error", err))
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			fail(err)
			return
		}

		rec, err := s.fetcher.Fetch(ctx, id)
		if err == nil {
			if len(rec) == 0 {
				// Legitimate empty parse. Not cached, so the id is
				// retried on a later run.
				s.opts.Metrics.IncFetch(stateEmpty)
				return
			}
			s.cache.Put(id, rec)
			mu.Lock()
			result.FetchedCount++
			mu.Unlock()
			s.opts.Metrics.IncFetch(stateSuccess)
			return
		}

		if errors.Is(err, ErrNotFound) {
			s.opts.Metrics.IncFetch(stateNotFound)
			return
		}

		var rateLimited *RateLimitError
		if errors.As(err, &rateLimited) {
			if attempt >= maxRateLimitRetries {
				fail(fmt.Errorf("rate limited after %d attempts", attempt+1))
				return
			}
			wait := rateLimited.RetryAfter
			if wait <= 0 {
				wait = defaultRetryWait
			}
			wait += s.jitter()
			s.opts.Metrics.IncFetch(stateRateLimited)
			s.opts.Metrics.ObserveRetry(wait)
			slog.Debug("nutrition fetch rate limited",
				slog.Int64("recipe", id),
				slog.Int("attempt", attempt+1),
				slog.Duration("wait", wait),
			)
			s.sleep(ctx, wait)
			continue
		}

		fail(err)
		return
	}
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func chunk(ids []int64, size int) [][]int64 {
	if size <= 0 || len(ids) == 0 {
		if len(ids) == 0 {
			return nil
		}
		return [][]int64{ids}
	}
	var out [][]int64
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
