package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config holds collector configuration.
type Config struct {
	// Menu page collection.
	BaseURL     string
	Locations   []string
	DaysAhead   int
	Parallelism int
	Delay       time.Duration
	RandomDelay time.Duration
	Timeout     time.Duration
	UserAgent   string

	// Page fetch retries.
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	// Nutrition batch fetching.
	NutritionURL string
	Concurrency  int
	BatchSize    int
	ItemDelay    time.Duration
	BatchDelay   time.Duration
	ForceRefresh bool
	FullRefresh  bool

	// Persistence.
	StoreBackend string // file, redis, or memory
	StoreDir     string
	RedisAddr    string
	CacheObject  string
	OutputFile   string

	// Pipeline.
	PipelineBufferSize int
	PipelineWorkers    int
	DedupeMaxSize      int

	MetricsAddr string
	Verbose     bool
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "https://dining.example.edu/menu",
		Locations:          []string{"commons"},
		DaysAhead:          7,
		Parallelism:        4,
		Delay:              200 * time.Millisecond,
		RandomDelay:        100 * time.Millisecond,
		Timeout:            15 * time.Second,
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		MaxRetries:         2,
		RetryBackoff:       200 * time.Millisecond,
		RetryBackoffMax:    2 * time.Second,
		NutritionURL:       "https://dining.example.edu/label",
		Concurrency:        3,
		BatchSize:          15,
		ItemDelay:          500 * time.Millisecond,
		BatchDelay:         3 * time.Second,
		StoreBackend:       "file",
		StoreDir:           "data",
		CacheObject:        "nutrition-cache.json",
		OutputFile:         "output/items.jsonl",
		PipelineBufferSize: 64,
		PipelineWorkers:    2,
		DedupeMaxSize:      100000,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	if c.NutritionURL == "" {
		return fmt.Errorf("nutrition URL cannot be empty")
	}
	if _, err := url.Parse(c.NutritionURL); err != nil {
		return fmt.Errorf("invalid nutrition URL: %w", err)
	}
	if len(c.Locations) == 0 {
		return fmt.Errorf("at least one location is required")
	}
	if c.DaysAhead <= 0 {
		return fmt.Errorf("days ahead must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.ItemDelay < 0 {
		return fmt.Errorf("item delay cannot be negative")
	}
	if c.BatchDelay < 0 {
		return fmt.Errorf("batch delay cannot be negative")
	}
	switch c.StoreBackend {
	case "file":
		if c.StoreDir == "" {
			return fmt.Errorf("store dir cannot be empty for the file backend")
		}
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("redis addr cannot be empty for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store backend must be file, redis, or memory")
	}
	if c.CacheObject == "" {
		return fmt.Errorf("cache object name cannot be empty")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.PipelineWorkers <= 0 {
		return fmt.Errorf("pipeline workers must be positive")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	return nil
}

// EnvString reads a string environment override.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// EnvInt reads an integer environment override.
func EnvInt(key string) (int, bool, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return 0, false, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, true, nil
}
