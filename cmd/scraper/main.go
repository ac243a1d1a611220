package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/campusdining/menu-scraper/config"
	"github.com/campusdining/menu-scraper/models"
	"github.com/campusdining/menu-scraper/nutrition"
	"github.com/campusdining/menu-scraper/pipeline"
	"github.com/campusdining/menu-scraper/scraper"
	"github.com/campusdining/menu-scraper/storage"
)

func main() {
	defaults := config.DefaultConfig()
	daysDefault := defaults.DaysAhead
	if value, ok, err := config.EnvInt("MENU_SCRAPER_DAYS"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid MENU_SCRAPER_DAYS: %v\n", err)
		os.Exit(1)
	} else if ok {
		daysDefault = value
	}
	parallelDefault := defaults.Parallelism
	if value, ok, err := config.EnvInt("MENU_SCRAPER_PARALLEL"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid MENU_SCRAPER_PARALLEL: %v\n", err)
		os.Exit(1)
	} else if ok {
		parallelDefault = value
	}
	locationsDefault := strings.Join(defaults.Locations, ",")
	if value, ok := config.EnvString("MENU_SCRAPER_LOCATIONS"); ok {
		locationsDefault = value
	}
	outputDefault := defaults.OutputFile
	if value, ok := config.EnvString("MENU_SCRAPER_OUTPUT"); ok {
		outputDefault = value
	}
	storeDirDefault := defaults.StoreDir
	if value, ok := config.EnvString("MENU_SCRAPER_STORE_DIR"); ok {
		storeDirDefault = value
	}
	redisDefault := defaults.RedisAddr
	if value, ok := config.EnvString("MENU_SCRAPER_REDIS_ADDR"); ok {
		redisDefault = value
	}
	metricsDefault := defaults.MetricsAddr
	if value, ok := config.EnvString("MENU_SCRAPER_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	baseURL := flag.String("base-url", defaults.BaseURL, "Menu page base URL")
	nutritionURL := flag.String("nutrition-url", defaults.NutritionURL, "Nutrition label endpoint")
	locations := flag.String("locations", locationsDefault, "Comma-separated dining location identifiers")
	days := flag.Int("days", daysDefault, "Days ahead to collect, starting today")
	parallelism := flag.Int("parallel", parallelDefault, "Concurrent menu page requests")
	delayMs := flag.Int("delay", int(defaults.Delay/time.Millisecond), "Delay between page requests (milliseconds)")
	randomDelayMs := flag.Int("random-delay", int(defaults.RandomDelay/time.Millisecond), "Random jitter added to delay (milliseconds)")
	maxRetries := flag.Int("max-retries", defaults.MaxRetries, "Maximum retry attempts per failed page")
	concurrency := flag.Int("concurrency", defaults.Concurrency, "Concurrent nutrition lookups per group")
	batchSize := flag.Int("batch-size", defaults.BatchSize, "Nutrition lookups per batch")
	forceRefresh := flag.Bool("force-refresh", false, "Refetch nutrition data even when cached")
	fullRefresh := flag.Bool("full-refresh", false, "Include every previously cached recipe id in the run")
	storeBackend := flag.String("store", defaults.StoreBackend, "Artifact store backend: file, redis, or memory")
	storeDir := flag.String("store-dir", storeDirDefault, "Base directory for the file store")
	redisAddr := flag.String("redis-addr", redisDefault, "Redis address for the redis store")
	outputFile := flag.String("output", outputDefault, "JSONL item export path")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := defaults
	cfg.BaseURL = *baseURL
	cfg.NutritionURL = *nutritionURL
	cfg.Locations = splitLocations(*locations)
	cfg.DaysAhead = *days
	cfg.Parallelism = *parallelism
	cfg.Delay = time.Duration(*delayMs) * time.Millisecond
	cfg.RandomDelay = time.Duration(*randomDelayMs) * time.Millisecond
	cfg.MaxRetries = *maxRetries
	cfg.Concurrency = *concurrency
	cfg.BatchSize = *batchSize
	cfg.ForceRefresh = *forceRefresh
	cfg.FullRefresh = *fullRefresh
	cfg.StoreBackend = strings.ToLower(*storeBackend)
	cfg.StoreDir = *storeDir
	cfg.RedisAddr = *redisAddr
	cfg.OutputFile = *outputFile
	cfg.MetricsAddr = *metricsAddr
	cfg.Verbose = *verbose

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting collection",
		slog.String("base_url", cfg.BaseURL),
		slog.Any("locations", cfg.Locations),
		slog.Int("days", cfg.DaysAhead),
		slog.String("store", cfg.StoreBackend),
	)

	store, err := newStore(cfg)
	if err != nil {
		slog.Error("initialising store", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	cache := nutrition.NewCache(store, cfg.CacheObject)
	cache.Load(ctx)

	nutritionReg := prometheus.NewRegistry()
	scheduler := nutrition.NewScheduler(
		nutrition.NewClient(cfg.NutritionURL, cfg.Timeout, cfg.UserAgent),
		cache,
		nutrition.SchedulerOptions{
			Concurrency: cfg.Concurrency,
			BatchSize:   cfg.BatchSize,
			ItemDelay:   cfg.ItemDelay,
			BatchDelay:  cfg.BatchDelay,
			Metrics:     nutrition.NewMetrics(nutritionReg),
		},
	)

	collector, err := scraper.NewCollector(cfg, store, cache, scheduler)
	if err != nil {
		slog.Error("initialising collector", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr: cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(
				prometheus.Gatherers{collector.Metrics.Registry, nutritionReg},
				promhttp.HandlerOpts{},
			),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	jsonl, err := pipeline.NewJSONLWriter(cfg.OutputFile)
	if err != nil {
		slog.Error("creating item export writer", slog.Any("error", err))
		os.Exit(1)
	}
	writer := pipeline.NewDualWriter(pipeline.NewStoreWriter(ctx, store), jsonl)

	p, err := pipeline.NewPipeline(writer, cfg.PipelineBufferSize, cfg.DedupeMaxSize)
	if err != nil {
		slog.Error("initialising pipeline", slog.Any("error", err))
		os.Exit(1)
	}
	p.Start(cfg.PipelineWorkers)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	result, err := collector.Run(ctx, p)
	if err != nil {
		slog.Error("collection failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := p.Close(); err != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := writer.Validate(); err != nil {
		slog.Error("output validation failed", slog.Any("error", err))
		os.Exit(1)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, collector.Stats(), cache.Status(), p.GetMetrics(), cfg.OutputFile)
	if !result.Success {
		os.Exit(1)
	}
}

func newStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case "file":
		return storage.NewFileStore(cfg.StoreDir)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return storage.NewRedisStore(client, "menu-scraper:"), nil
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.StoreBackend)
	}
}

func splitLocations(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printSummary(result *models.CollectionResult, stats models.ScrapeStats, cacheStatus models.CacheStatus, pipelineMetrics map[string]interface{}, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Collection complete")

	fmt.Printf("  Pages scraped:  %d (skipped %d, empty %d)\n", stats.PagesScraped, stats.PagesSkipped, stats.PagesEmpty)
	fmt.Printf("  Page errors:    %d (retries %d, failed URLs %d)\n", stats.ErrorCount, stats.RetryCount, len(stats.FailedURLs))
	if len(stats.ErrorsByType) > 0 {
		fmt.Printf("  Error types:    %v\n", stats.ErrorsByType)
	}
	if items, ok := pipelineMetrics["processed_items"].(int64); ok {
		fmt.Printf("  Items exported: %d\n", items)
	}
	fmt.Printf("  Recipes:        %d total, %d fetched, %d cached\n", result.TotalRecipes, result.FetchedCount, result.SkippedCount)
	fmt.Printf("  Fetch errors:   %d\n", result.ErrorCount)
	if len(result.MissingRecipes) > 0 {
		fmt.Printf("  Missing:        %v\n", result.MissingRecipes)
	}
	fmt.Printf("  Cache:          %d entries, %d bytes\n", cacheStatus.TotalEntries, cacheStatus.CacheSize)
	fmt.Printf("  Duration:       %v\n", stats.Duration().Round(time.Millisecond))
	fmt.Printf("  Output file:    %s\n", outputFile)
	fmt.Println(separator)

	if result.Success {
		fmt.Println("Result: success")
	} else {
		fmt.Println("Result: completed with errors")
	}
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
