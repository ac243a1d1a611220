package models

import "time"

// ScrapeStats summarizes the page-fetch side of a collection run.
type ScrapeStats struct {
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	RequestCount int            `json:"request_count"`
	PagesScraped int            `json:"pages_scraped"`
	PagesSkipped int            `json:"pages_skipped"`
	PagesEmpty   int            `json:"pages_empty"`
	RetryCount   int            `json:"retry_count"`
	ErrorCount   int            `json:"error_count"`
	FailedURLs   []string       `json:"failed_urls,omitempty"`
	ErrorsByType map[string]int `json:"errors_by_type,omitempty"`
}

// Duration returns the wall-clock span of the run.
func (s *ScrapeStats) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}
