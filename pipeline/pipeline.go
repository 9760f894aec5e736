package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/go-scrape-ads/config"
	"github.com/aluiziolira/go-scrape-ads/models"
	"github.com/aluiziolira/go-scrape-ads/parser"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// Pipeline coordinates filtering, de-duplication, download, and storage of
// candidate images. Failures on individual images are counted and skipped;
// they never abort the run.
type Pipeline struct {
	ctx      context.Context
	store    ImageStore
	fetcher  Fetcher
	manifest ManifestWriter // nil disables manifest output
	imageCh  chan *models.Image

	batchSize int
	wg        sync.WaitGroup

	seen    *lru.Cache[string, struct{}]
	unnamed int64

	metrics metrics

	mu     sync.Mutex // guards closed/err
	closed bool
	err    error

	closeOnce    sync.Once
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewPipeline builds a pipeline with a bounded in-memory dedup ledger.
func NewPipeline(ctx context.Context, store ImageStore, fetcher Fetcher, manifest ManifestWriter, cfg *config.Config) (*Pipeline, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	seen, err := lru.New[string, struct{}](cfg.DedupeMaxSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe ledger: %w", err)
	}

	return &Pipeline{
		ctx:       ctx,
		store:     store,
		fetcher:   fetcher,
		manifest:  manifest,
		imageCh:   make(chan *models.Image, cfg.PipelineBuffer),
		batchSize: cfg.BatchSize,
		seen:      seen,
		metrics:   newMetrics(),
		shutdown:  make(chan struct{}),
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

// Process enqueues candidate images for download.
func (p *Pipeline) Process(images ...*models.Image) error {
	if len(images) == 0 {
		return nil
	}

	closed, err := p.state()
	if err != nil {
		return err
	}
	if closed {
		return ErrPipelineClosed
	}

	for _, img := range images {
		if img == nil {
			continue
		}
		if err := p.enqueue(img); err != nil {
			return err
		}
	}
	return nil
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
		close(p.imageCh)
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
				metrics := p.GetMetrics()
				downloaded := metrics["downloaded_images"].(int64)
				skipped := metrics["skipped_images"].(map[string]int)
				log.Printf("pipeline: downloaded=%d skipped=%d", downloaded, len(skipped))
			case <-p.shutdown:
				return
			}
		}
	}()
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	batch := make([]*models.Image, 0, p.batchSize)
	flush := func() error {
		if len(batch) == 0 || p.manifest == nil {
			return nil
		}
		if err := p.manifest.Write(batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for img := range p.imageCh {
		saved := p.handle(img)
		if saved == nil || p.manifest == nil {
			continue
		}
		batch = append(batch, saved)
		if len(batch) >= p.batchSize {
			if err := flush(); err != nil {
				p.setErr(fmt.Errorf("write manifest batch: %w", err))
				return
			}
		}
	}

	if err := flush(); err != nil {
		p.setErr(fmt.Errorf("write manifest batch: %w", err))
	}
}

// handle runs one image through filter, dedup, download, and save.
// It returns the record on success and nil when the image was skipped.
func (p *Pipeline) handle(img *models.Image) *models.Image {
	if err := parser.ValidateImage(img); err != nil {
		slog.Debug("dropping invalid candidate", slog.Any("error", err))
		p.metrics.addSkip("invalid_record")
		return nil
	}

	if img.Filename == "" {
		img.Filename = parser.InferFilename(img.SourceURL)
	}
	if img.Filename == "" {
		img.Filename = fmt.Sprintf("image_%d.jpg", atomic.AddInt64(&p.unnamed, 1))
	}

	urlKey := "url|" + img.SourceURL
	if existed, _ := p.seen.ContainsOrAdd(urlKey, struct{}{}); existed {
		p.metrics.addSkip("duplicate_url")
		return nil
	}
	fileKey := fmt.Sprintf("file|%d/%s", img.PageNum, img.Filename)
	if existed, _ := p.seen.ContainsOrAdd(fileKey, struct{}{}); existed {
		p.metrics.addSkip("duplicate_file")
		return nil
	}

	if p.store.Exists(img) {
		slog.Info("skipping existing file",
			slog.Int("page", img.PageNum),
			slog.String("filename", img.Filename),
		)
		p.metrics.addSkip("already_exists")
		return nil
	}

	result, err := p.fetcher.Fetch(p.ctx, img.SourceURL)
	if err != nil {
		reason := "download_failed"
		if errors.Is(err, ErrNotImage) {
			reason = "not_image"
		} else {
			// Transient failure: the URL may succeed if it reappears on a
			// later page, so release its ledger entries.
			p.forget(urlKey, fileKey)
		}
		slog.Warn("image download failed",
			slog.String("url", img.SourceURL),
			slog.Any("error", err),
		)
		p.metrics.addSkip(reason)
		return nil
	}
	defer result.Body.Close()

	img.ContentType = result.ContentType
	if _, err := p.store.Save(img, result.Body); err != nil {
		if errors.Is(err, ErrTooSmall) {
			slog.Debug("discarding undersized image",
				slog.String("url", img.SourceURL),
				slog.Any("error", err),
			)
			p.metrics.addSkip("too_small")
			return nil
		}
		slog.Error("image save failed",
			slog.String("url", img.SourceURL),
			slog.Any("error", err),
		)
		p.forget(urlKey, fileKey)
		p.metrics.addSkip("storage_failed")
		return nil
	}

	if img.ScrapedAt.IsZero() {
		img.ScrapedAt = time.Now()
	}
	p.metrics.addDownloaded(img.Bytes)

	slog.Info("downloaded image",
		slog.Int("page", img.PageNum),
		slog.String("file", img.DestPath),
		slog.Int64("bytes", img.Bytes),
	)
	return img
}

// forget releases a candidate's dedup ledger entries after a transient
// failure. Deterministic rejections (undersized, non-image) keep theirs.
func (p *Pipeline) forget(urlKey, fileKey string) {
	p.seen.Remove(urlKey)
	p.seen.Remove(fileKey)
}

func (p *Pipeline) enqueue(img *models.Image) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ErrPipelineClosed
		}
	}()

	select {
	case <-p.shutdown:
		return ErrPipelineClosed
	case p.imageCh <- img:
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
		close(p.imageCh)
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
	mu         sync.Mutex
	downloaded int64
	bytes      int64
	skipped    map[string]int
}

func newMetrics() metrics {
	return metrics{
		skipped: make(map[string]int),
	}
}

func (m *metrics) addDownloaded(bytes int64) {
	m.mu.Lock()
	m.downloaded++
	m.bytes += bytes
	m.mu.Unlock()
}

func (m *metrics) addSkip(reason string) {
	m.mu.Lock()
	m.skipped[reason]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copySkipped := make(map[string]int, len(m.skipped))
	for k, v := range m.skipped {
		copySkipped[k] = v
	}

	return map[string]interface{}{
		"downloaded_images": m.downloaded,
		"download_bytes":    m.bytes,
		"skipped_images":    copySkipped,
	}
}
