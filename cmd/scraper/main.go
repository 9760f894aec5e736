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

	"github.com/aluiziolira/go-scrape-ads/config"
	"github.com/aluiziolira/go-scrape-ads/models"
	"github.com/aluiziolira/go-scrape-ads/pipeline"
	"github.com/aluiziolira/go-scrape-ads/scraper"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	defaultCfg := config.DefaultConfig()
	rangeFromEnv := false
	startDefault := defaultCfg.StartPage
	if value, ok, err := config.EnvInt("SCRAPER_START_PAGE"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_START_PAGE: %v\n", err)
		os.Exit(1)
	} else if ok {
		startDefault = value
		rangeFromEnv = true
	}
	endDefault := defaultCfg.EndPage
	if value, ok, err := config.EnvInt("SCRAPER_END_PAGE"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_END_PAGE: %v\n", err)
		os.Exit(1)
	} else if ok {
		endDefault = value
		rangeFromEnv = true
	}
	timeoutDefault := defaultCfg.Timeout
	if value, ok, err := config.EnvDuration("SCRAPER_TIMEOUT"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid SCRAPER_TIMEOUT: %v\n", err)
		os.Exit(1)
	} else if ok {
		timeoutDefault = value
	}
	dirDefault := defaultCfg.DownloadDir
	if value, ok := config.EnvString("SCRAPER_DIR"); ok {
		dirDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("SCRAPER_METRICS_ADDR"); ok {
		metricsDefault = value
	}

	startPage := flag.Int("start-page", startDefault, "First feed page to scrape")
	endPage := flag.Int("end-page", endDefault, "Last feed page to scrape")
	downloadDir := flag.String("dir", dirDefault, "Root directory for downloaded images")
	parallelism := flag.Int("parallel", defaultCfg.Parallelism, "Number of concurrent requests")
	delayMs := flag.Int("delay", int(defaultCfg.Delay/time.Millisecond), "Delay between requests (milliseconds)")
	randomDelayMs := flag.Int("random-delay", 0, "Random jitter added to delay (milliseconds)")
	maxRetries := flag.Int("max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per page (0 disables retries)")
	retryBackoffMs := flag.Int("retry-backoff", 200, "Initial retry backoff (milliseconds)")
	retryBackoffMaxMs := flag.Int("retry-backoff-max", 2000, "Maximum retry backoff (milliseconds)")
	timeout := flag.Duration("timeout", timeoutDefault, "HTTP request timeout")
	minBytes := flag.Int64("min-bytes", defaultCfg.MinImageBytes, "Minimum image payload size to keep (bytes)")
	manifestFile := flag.String("manifest", defaultCfg.ManifestFile, "Manifest file path")
	manifestFormat := flag.String("manifest-format", defaultCfg.ManifestFormat, "Manifest format: none, csv, json, or dual")
	respectRobots := flag.Bool("respect-robots", false, "Respect robots.txt directives")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	baseURL := flag.String("base-url", defaultCfg.BaseURL, "Gallery base URL")
	metricsAddr := flag.String("metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")
	interactive := flag.Bool("i", false, "Confirm the page range interactively before scraping")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	// The prompt also runs by default on a terminal when no explicit range
	// was given via flags or environment.
	if *interactive || (!rangeFlagSet() && !rangeFromEnv && isTerminal(os.Stdin)) {
		start, end, ok := promptRange(os.Stdin, os.Stdout, *startPage, *endPage)
		if !ok {
			fmt.Println("Scraping cancelled")
			return
		}
		*startPage, *endPage = start, end
	}

	cfg := buildConfigFromFlags(*baseURL, *startPage, *endPage, *downloadDir, *parallelism, *delayMs, *randomDelayMs, *maxRetries, *retryBackoffMs, *retryBackoffMaxMs, *timeout, *minBytes, *manifestFile, *manifestFormat, *respectRobots, *verbose, *metricsAddr)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting scrape",
		slog.String("base_url", cfg.BaseURL),
		slog.Int("start_page", cfg.StartPage),
		slog.Int("end_page", cfg.EndPage),
		slog.String("dir", cfg.DownloadDir),
	)

	s, err := scraper.NewScraper(cfg)
	if err != nil {
		slog.Error("initialising scraper", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := pipeline.NewFSStore(cfg.DownloadDir, cfg.MinImageBytes)
	if err != nil {
		slog.Error("creating image store", slog.Any("error", err))
		os.Exit(1)
	}

	manifest, err := createManifest(cfg)
	if err != nil {
		slog.Error("creating manifest writer", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if manifest == nil {
			return
		}
		if err := manifest.Close(); err != nil {
			slog.Error("close manifest", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, waiting for in-flight work to finish")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" && s.Metrics != nil {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	fetcher := pipeline.NewHTTPFetcher(cfg)
	p, err := pipeline.NewPipeline(ctx, store, fetcher, manifest, cfg)
	if err != nil {
		slog.Error("initialising pipeline", slog.Any("error", err))
		os.Exit(1)
	}
	p.Start(cfg.Parallelism)
	if cfg.Verbose {
		p.StartMetricsReporting(10 * time.Second)
	}

	startTime := time.Now()
	result, err := s.Run(ctx, p)
	if err != nil {
		slog.Error("scraping failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := p.Close(); err != nil {
		slog.Error("pipeline shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := store.Validate(); err != nil {
		slog.Error("download directory validation failed", slog.Any("error", err))
		os.Exit(1)
	}
	if manifest != nil {
		if err := manifest.Validate(); err != nil {
			slog.Warn("manifest validation", slog.Any("error", err))
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, time.Since(startTime), cfg.DownloadDir, p.GetMetrics())
}

func rangeFlagSet() bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "start-page" || f.Name == "end-page" {
			set = true
		}
	})
	return set
}

func buildConfigFromFlags(baseURL string, startPage, endPage int, downloadDir string, parallelism, delayMs, randomDelayMs, maxRetries, retryBackoffMs, retryBackoffMaxMs int, timeout time.Duration, minBytes int64, manifestFile, manifestFormat string, respectRobots, verbose bool, metricsAddr string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.StartPage = startPage
	cfg.EndPage = endPage
	cfg.DownloadDir = downloadDir
	cfg.Parallelism = parallelism
	cfg.Delay = time.Duration(delayMs) * time.Millisecond
	cfg.RandomDelay = time.Duration(randomDelayMs) * time.Millisecond
	cfg.MaxRetries = maxRetries
	cfg.RetryBackoff = time.Duration(retryBackoffMs) * time.Millisecond
	cfg.RetryBackoffMax = time.Duration(retryBackoffMaxMs) * time.Millisecond
	cfg.Timeout = timeout
	cfg.MinImageBytes = minBytes
	cfg.ManifestFile = manifestFile
	cfg.ManifestFormat = strings.ToLower(manifestFormat)
	cfg.RespectRobotsTxt = respectRobots
	cfg.Verbose = verbose
	cfg.MetricsAddr = metricsAddr
	return cfg
}

func createManifest(cfg *config.Config) (pipeline.ManifestWriter, error) {
	switch cfg.ManifestFormat {
	case "none":
		return nil, nil
	case "json":
		return pipeline.NewJSONManifest(cfg.ManifestFile)
	case "csv":
		return pipeline.NewCSVManifest(cfg.ManifestFile)
	case "dual":
		jsonFilename := strings.TrimSuffix(cfg.ManifestFile, ".csv") + ".json"
		return pipeline.NewDualManifest(cfg.ManifestFile, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported manifest format: %s", cfg.ManifestFormat)
	}
}

func printSummary(result *models.ScrapeResult, duration time.Duration, downloadDir string, metrics map[string]interface{}) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")

	downloaded := int64(0)
	if value, ok := metrics["downloaded_images"].(int64); ok {
		downloaded = value
	}
	downloadBytes := int64(0)
	if value, ok := metrics["download_bytes"].(int64); ok {
		downloadBytes = value
	}

	fmt.Printf("  Pages fetched: %d\n", result.PageCount)
	fmt.Printf("  Candidates:    %d\n", result.ImagesFound)
	fmt.Printf("  Downloaded:    %d\n", downloaded)
	fmt.Printf("  Bytes:         %d\n", downloadBytes)
	successRate := 0.0
	if result.RequestCount > 0 {
		successRate = float64(result.RequestCount-result.ErrorCount) / float64(result.RequestCount) * 100
	}
	fmt.Printf("  Success rate:  %.2f%%\n", successRate)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	fmt.Printf("  Retries:       %d\n", result.RetryCount)
	if len(result.RetriesByPage) > 0 {
		fmt.Printf("  Retried pages: %v\n", result.RetriesByPage)
	}
	fmt.Printf("  Failed URLs:   %d\n", len(result.FailedURLs))
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if skipped, ok := metrics["skipped_images"].(map[string]int); ok && len(skipped) > 0 {
		fmt.Printf("  Skipped:       %v\n", skipped)
	}
	fmt.Printf("  Duration:      %v\n", duration)
	imagesPerSec := 0.0
	if duration.Seconds() > 0 {
		imagesPerSec = float64(downloaded) / duration.Seconds()
	}
	fmt.Printf("  Images/sec:    %.2f\n", imagesPerSec)
	fmt.Printf("  Download dir:  %s\n", downloadDir)
	fmt.Println(separator)
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
