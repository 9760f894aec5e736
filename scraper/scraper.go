package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-ads/config"
	"github.com/aluiziolira/go-scrape-ads/models"
	"github.com/aluiziolira/go-scrape-ads/parser"
	"github.com/aluiziolira/go-scrape-ads/pipeline"
	"github.com/gocolly/colly/v2"
)

// Scraper wraps the colly collector over the gallery's paginated feed.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	retry     *retryManager
	Metrics   *Metrics

	requestCount int64
	pageCount    int64
	errorCount   int64
	imagesFound  int64

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int

	handlersOnce sync.Once
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
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
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	// Revisits only happen through the retry manager.
	collector.AllowURLRevisit = cfg.MaxRetries > 0
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

	s := &Scraper{
		cfg:          cfg,
		collector:    collector,
		errorsByType: make(map[string]int),
		Metrics:      NewMetrics(),
	}
	s.retry = newRetryManager(collector, cfg, s.Metrics)
	return s, nil
}

// Run visits every feed page in [StartPage, EndPage] and streams candidate
// images through the pipeline. A failed page is logged and skipped; it never
// aborts the remaining pages.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.ScrapeResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.retry.SetContext(ctx)
	s.configureHandlers(p)

	start := time.Now()
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			s.collector.Wait()
			s.retry.Stop()
		case <-done:
		}
	}()

	for page := s.cfg.StartPage; page <= s.cfg.EndPage; page++ {
		if ctx.Err() != nil {
			slog.Info("page loop cancelled", slog.Int("page", page))
			break
		}
		pageURL := s.cfg.PageURL(page)
		if err := s.collector.Visit(pageURL); err != nil {
			slog.Warn("visit page failed",
				slog.Int("page", page),
				slog.String("url", pageURL),
				slog.Any("error", err),
			)
		}
	}

	s.collector.Wait()
	s.retry.Stop()

	result := &models.ScrapeResult{
		StartTime:     start,
		EndTime:       time.Now(),
		PageCount:     int(atomic.LoadInt64(&s.pageCount)),
		RequestCount:  int(atomic.LoadInt64(&s.requestCount)),
		ErrorCount:    int(atomic.LoadInt64(&s.errorCount)),
		RetryCount:    s.retry.TotalRetries(),
		ImagesFound:   int(atomic.LoadInt64(&s.imagesFound)),
		FailedURLs:    s.snapshotFailedURLs(),
		ErrorsByType:  s.snapshotErrors(),
		RetriesByPage: s.retry.RetriesByPage(),
	}

	return result, nil
}

func (s *Scraper) configureHandlers(p *pipeline.Pipeline) {
	s.handlersOnce.Do(func() {
		s.collector.OnRequest(func(r *colly.Request) {
			r.Ctx.Put("start", time.Now())
			current := atomic.AddInt64(&s.requestCount, 1)
			if s.Metrics != nil {
				s.Metrics.IncRequest("started")
			}
			if current%50 == 0 {
				slog.Debug("scraper request progress",
					slog.Int64("requests", current),
					slog.Int64("pages", atomic.LoadInt64(&s.pageCount)),
					slog.String("url", r.URL.String()),
				)
			}
		})

		s.collector.OnResponse(func(r *colly.Response) {
			if r.StatusCode >= http.StatusBadRequest {
				slog.Error("non-200 response",
					slog.Int("status", r.StatusCode),
					slog.String("url", r.Request.URL.String()),
				)
			} else {
				atomic.AddInt64(&s.pageCount, 1)
				if s.Metrics != nil {
					s.Metrics.IncPages()
				}
			}
			if s.Metrics != nil {
				if start, ok := r.Request.Ctx.GetAny("start").(time.Time); ok {
					s.Metrics.ObserveDuration(time.Since(start))
				}
			}
		})

		s.collector.OnError(func(r *colly.Response, err error) {
			atomic.AddInt64(&s.errorCount, 1)
			statusCode := 0
			if r != nil {
				statusCode = r.StatusCode
			}
			classified := classifyError(err, statusCode)
			category := errorTypeLabel(classified)

			s.mu.Lock()
			s.errorsByType[category]++
			s.mu.Unlock()

			url := ""
			if r != nil && r.Request != nil && r.Request.URL != nil {
				url = r.Request.URL.String()
			}
			slog.Error("page fetch error",
				slog.String("url", url),
				slog.String("category", category),
				slog.Any("error", err),
			)
			if s.Metrics != nil {
				s.Metrics.IncError(category)
			}

			if !s.retry.Schedule(url) {
				s.mu.Lock()
				s.failedURLs = append(s.failedURLs, url)
				s.mu.Unlock()
			}
		})

		s.collector.OnHTML("img", func(e *colly.HTMLElement) {
			img := s.extractCandidate(e)
			if img == nil {
				return
			}
			atomic.AddInt64(&s.imagesFound, 1)
			if s.Metrics != nil {
				s.Metrics.IncImagesFound()
			}
			if err := p.Process(img); err != nil && err != pipeline.ErrPipelineClosed {
				slog.Error("pipeline process error", slog.Any("error", err))
			}
		})
	})
}

// extractCandidate resolves an img tag into an image record, or nil when the
// tag is filtered out.
func (s *Scraper) extractCandidate(e *colly.HTMLElement) *models.Image {
	src := strings.TrimSpace(e.Attr("src"))
	if src == "" {
		src = strings.TrimSpace(e.Attr("data-src"))
	}
	if src == "" {
		src = strings.TrimSpace(e.Attr("data-lazy-src"))
	}
	if src == "" {
		if s.Metrics != nil {
			s.Metrics.IncFiltered("missing_src")
		}
		return nil
	}

	abs := e.Request.AbsoluteURL(src)
	if abs == "" {
		if s.Metrics != nil {
			s.Metrics.IncFiltered("unresolvable")
		}
		return nil
	}

	if parser.IsIconOrLogo(abs, s.cfg.SkipPatterns) {
		if s.Metrics != nil {
			s.Metrics.IncFiltered("icon_logo")
		}
		return nil
	}

	return &models.Image{
		PageNum:   pageFromURL(e.Request.URL),
		SourceURL: abs,
		Filename:  parser.InferFilename(abs),
		ScrapedAt: time.Now(),
	}
}

// pageFromURL reads the pagination index back out of a feed URL.
func pageFromURL(u *url.URL) int {
	if u == nil {
		return 0
	}
	page, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil {
		return 0
	}
	return page
}

func (s *Scraper) snapshotFailedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.failedURLs))
	copy(out, s.failedURLs)
	return out
}

func (s *Scraper) snapshotErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		out[k] = v
	}
	return out
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode >= http.StatusBadRequest {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("status %d", statusCode)
		}
		return ErrHTTPStatus{Code: statusCode, Err: wrapped}
	}

	if err == nil {
		return nil
	}
	return err
}
