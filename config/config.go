package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL          string
	FeedPath         string
	StartPage        int
	EndPage          int
	DownloadDir      string
	Parallelism      int
	Delay            time.Duration
	RandomDelay      time.Duration
	Timeout          time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	RetryBackoffMax  time.Duration
	MinImageBytes    int64
	SkipPatterns     []string
	DedupeMaxSize    int
	PipelineBuffer   int
	BatchSize        int
	ManifestFile     string
	ManifestFormat   string // none, csv, json, or dual
	MetricsAddr      string
	UserAgent        string
	Verbose          bool
	RespectRobotsTxt bool
}

// DefaultConfig returns conservative defaults for the gallery target.
// Parallelism 1 and a half-second delay keep the run sequential and polite.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "https://www.adsoftheworld.com",
		FeedPath:         "/blog/feed",
		StartPage:        1,
		EndPage:          1,
		DownloadDir:      "downloaded_images",
		Parallelism:      1,
		Delay:            500 * time.Millisecond,
		RandomDelay:      0,
		Timeout:          30 * time.Second,
		MaxRetries:       0,
		RetryBackoff:     200 * time.Millisecond,
		RetryBackoffMax:  2 * time.Second,
		MinImageBytes:    1024,
		SkipPatterns:     []string{"icon", "logo", "avatar", "placeholder"},
		DedupeMaxSize:    10000,
		PipelineBuffer:   512,
		BatchSize:        64,
		ManifestFile:     "downloaded_images/manifest.csv",
		ManifestFormat:   "none",
		MetricsAddr:      "",
		UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		Verbose:          false,
		RespectRobotsTxt: false,
	}
}

// PageURL derives the feed URL for a page index.
func (c *Config) PageURL(page int) string {
	return fmt.Sprintf("%s%s?page=%d", strings.TrimSuffix(c.BaseURL, "/"), c.FeedPath, page)
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.StartPage < 1 {
		return fmt.Errorf("start page must be at least 1")
	}
	if c.EndPage < c.StartPage {
		return fmt.Errorf("end page (%d) cannot precede start page (%d)", c.EndPage, c.StartPage)
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("download directory cannot be empty")
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
	if c.MinImageBytes < 0 {
		return fmt.Errorf("minimum image size cannot be negative")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe cache size must be positive")
	}
	if c.PipelineBuffer <= 0 {
		return fmt.Errorf("pipeline buffer must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	switch c.ManifestFormat {
	case "none", "csv", "json", "dual":
	default:
		return fmt.Errorf("manifest format must be none, csv, json, or dual")
	}
	if c.ManifestFormat != "none" && c.ManifestFile == "" {
		return fmt.Errorf("manifest file cannot be empty when a manifest format is set")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
