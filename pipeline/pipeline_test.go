package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-scrape-ads/config"
	"github.com/aluiziolira/go-scrape-ads/models"
)

type fetchResponse struct {
	data        []byte
	contentType string
	err         error
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]fetchResponse
	calls     int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*FetchResult, error) {
	f.mu.Lock()
	f.calls++
	resp, ok := f.responses[url]
	f.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("fetch %s: no responder", url)
	}
	if resp.err != nil {
		return nil, resp.err
	}
	contentType := resp.contentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return &FetchResult{
		Body:          io.NopCloser(bytes.NewReader(resp.data)),
		ContentType:   contentType,
		ContentLength: int64(len(resp.data)),
	}, nil
}

func (f *fakeFetcher) fetchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type memStore struct {
	mu       sync.Mutex
	saved    map[string][]byte
	existing map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		saved:    make(map[string][]byte),
		existing: make(map[string]bool),
	}
}

func (ms *memStore) key(img *models.Image) string {
	return fmt.Sprintf("page_%d/%s", img.PageNum, img.Filename)
}

func (ms *memStore) Save(img *models.Image, body io.Reader) (int64, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return 0, err
	}

	ms.mu.Lock()
	key := ms.key(img)
	ms.saved[key] = data
	ms.mu.Unlock()

	img.DestPath = key
	img.Bytes = int64(len(data))
	return img.Bytes, nil
}

func (ms *memStore) Exists(img *models.Image) bool {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	key := ms.key(img)
	if ms.existing[key] {
		return true
	}
	_, ok := ms.saved[key]
	return ok
}

func (ms *memStore) Close() error {
	return nil
}

func (ms *memStore) Validate() error {
	return nil
}

func (ms *memStore) count() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.saved)
}

type mockManifest struct {
	mu      sync.Mutex
	batches [][]*models.Image
}

func (mm *mockManifest) Write(images []*models.Image) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	copyBatch := make([]*models.Image, len(images))
	copy(copyBatch, images)
	mm.batches = append(mm.batches, copyBatch)
	return nil
}

func (mm *mockManifest) Close() error {
	return nil
}

func (mm *mockManifest) Validate() error {
	return nil
}

func (mm *mockManifest) totalWritten() int {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	total := 0
	for _, batch := range mm.batches {
		total += len(batch)
	}
	return total
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = "http://example.test"
	cfg.PipelineBuffer = 16
	cfg.BatchSize = 4
	cfg.DedupeMaxSize = 100
	return cfg
}

func TestPipelineFilterAndDedup(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	fetcher := &fakeFetcher{responses: map[string]fetchResponse{
		"http://example.test/media/ad-one.jpg": {data: bytes.Repeat([]byte("x"), 2048)},
	}}

	p, err := NewPipeline(context.Background(), store, fetcher, nil, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	valid := &models.Image{PageNum: 1, SourceURL: "http://example.test/media/ad-one.jpg", ScrapedAt: time.Now()}
	invalid := &models.Image{PageNum: 1, SourceURL: "/relative/path.jpg"}
	duplicate := &models.Image{PageNum: 1, SourceURL: "http://example.test/media/ad-one.jpg"}

	if err := p.Process(valid, invalid, duplicate); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := store.count(); got != 1 {
		t.Fatalf("saved images = %d, want 1", got)
	}
	if got := fetcher.fetchCalls(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}

	metrics := p.GetMetrics()
	skipped, ok := metrics["skipped_images"].(map[string]int)
	if !ok {
		t.Fatalf("expected skipped images map")
	}
	if skipped["invalid_record"] == 0 {
		t.Fatalf("expected invalid_record skip")
	}
	if skipped["duplicate_url"] == 0 {
		t.Fatalf("expected duplicate_url skip")
	}
	if downloaded := metrics["downloaded_images"].(int64); downloaded != 1 {
		t.Fatalf("downloaded = %d, want 1", downloaded)
	}
}

func TestPipelineContinuesAfterFailedDownload(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	fetcher := &fakeFetcher{responses: map[string]fetchResponse{
		"http://example.test/media/broken.jpg": {err: fmt.Errorf("fetch: connection refused")},
		"http://example.test/media/good.jpg":   {data: bytes.Repeat([]byte("y"), 2048)},
	}}

	p, err := NewPipeline(context.Background(), store, fetcher, nil, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	broken := &models.Image{PageNum: 1, SourceURL: "http://example.test/media/broken.jpg"}
	good := &models.Image{PageNum: 1, SourceURL: "http://example.test/media/good.jpg"}

	if err := p.Process(broken, good); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := store.count(); got != 1 {
		t.Fatalf("saved images = %d, want 1", got)
	}

	skipped := p.GetMetrics()["skipped_images"].(map[string]int)
	if skipped["download_failed"] != 1 {
		t.Fatalf("download_failed = %d, want 1", skipped["download_failed"])
	}
}

type sequenceFetcher struct {
	mu        sync.Mutex
	responses map[string][]fetchResponse
}

func (f *sequenceFetcher) Fetch(_ context.Context, url string) (*FetchResult, error) {
	f.mu.Lock()
	queue := f.responses[url]
	if len(queue) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("fetch %s: no responder", url)
	}
	resp := queue[0]
	f.responses[url] = queue[1:]
	f.mu.Unlock()

	if resp.err != nil {
		return nil, resp.err
	}
	contentType := resp.contentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return &FetchResult{
		Body:          io.NopCloser(bytes.NewReader(resp.data)),
		ContentType:   contentType,
		ContentLength: int64(len(resp.data)),
	}, nil
}

func TestPipelineRetriesURLAfterTransientFailure(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	url := "http://example.test/media/flaky.jpg"
	fetcher := &sequenceFetcher{responses: map[string][]fetchResponse{
		url: {
			{err: fmt.Errorf("fetch: connection reset")},
			{data: bytes.Repeat([]byte("f"), 2048)},
		},
	}}

	p, err := NewPipeline(context.Background(), store, fetcher, nil, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	first := &models.Image{PageNum: 1, SourceURL: url}
	again := &models.Image{PageNum: 4, SourceURL: url}
	if err := p.Process(first, again); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := store.count(); got != 1 {
		t.Fatalf("saved images = %d, want 1 after reappearance", got)
	}
	skipped := p.GetMetrics()["skipped_images"].(map[string]int)
	if skipped["download_failed"] != 1 {
		t.Fatalf("download_failed = %d, want 1", skipped["download_failed"])
	}
	if skipped["duplicate_url"] != 0 {
		t.Fatalf("reappearing URL was treated as duplicate after a failed fetch")
	}
}

func TestPipelineSkipsNonImagePayload(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	fetcher := &fakeFetcher{responses: map[string]fetchResponse{
		"http://example.test/media/page.html": {err: fmt.Errorf("fetch: content type \"text/html\": %w", ErrNotImage)},
	}}

	p, err := NewPipeline(context.Background(), store, fetcher, nil, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	if err := p.Process(&models.Image{PageNum: 2, SourceURL: "http://example.test/media/page.html"}); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := store.count(); got != 0 {
		t.Fatalf("saved images = %d, want 0", got)
	}
	skipped := p.GetMetrics()["skipped_images"].(map[string]int)
	if skipped["not_image"] != 1 {
		t.Fatalf("not_image = %d, want 1", skipped["not_image"])
	}
}

func TestPipelineSkipsExistingFile(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	store.existing["page_3/seen.jpg"] = true
	fetcher := &fakeFetcher{responses: map[string]fetchResponse{}}

	p, err := NewPipeline(context.Background(), store, fetcher, nil, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	img := &models.Image{PageNum: 3, SourceURL: "http://example.test/media/seen.jpg", Filename: "seen.jpg"}
	if err := p.Process(img); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := fetcher.fetchCalls(); got != 0 {
		t.Fatalf("fetch calls = %d, want 0 for existing file", got)
	}
	skipped := p.GetMetrics()["skipped_images"].(map[string]int)
	if skipped["already_exists"] != 1 {
		t.Fatalf("already_exists = %d, want 1", skipped["already_exists"])
	}
}

func TestPipelineFallbackFilename(t *testing.T) {
	cfg := testConfig()
	store := newMemStore()
	fetcher := &fakeFetcher{responses: map[string]fetchResponse{
		"http://example.test/media/render": {data: bytes.Repeat([]byte("z"), 2048)},
	}}

	p, err := NewPipeline(context.Background(), store, fetcher, nil, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	img := &models.Image{PageNum: 1, SourceURL: "http://example.test/media/render"}
	if err := p.Process(img); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if img.Filename != "image_1.jpg" {
		t.Fatalf("filename = %q, want image_1.jpg", img.Filename)
	}
	if got := store.count(); got != 1 {
		t.Fatalf("saved images = %d, want 1", got)
	}
}

func TestPipelineManifestBatching(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 2
	store := newMemStore()

	responses := make(map[string]fetchResponse)
	images := make([]*models.Image, 0, 5)
	for i := 0; i < 5; i++ {
		url := fmt.Sprintf("http://example.test/media/ad-%d.jpg", i)
		responses[url] = fetchResponse{data: bytes.Repeat([]byte("a"), 2048)}
		images = append(images, &models.Image{PageNum: 1, SourceURL: url})
	}
	fetcher := &fakeFetcher{responses: responses}
	manifest := &mockManifest{}

	p, err := NewPipeline(context.Background(), store, fetcher, manifest, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	if err := p.Process(images...); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if got := manifest.totalWritten(); got != 5 {
		t.Fatalf("manifest records = %d, want 5", got)
	}
}

func TestPipelineProcessAfterClose(t *testing.T) {
	cfg := testConfig()
	p, err := NewPipeline(context.Background(), newMemStore(), &fakeFetcher{responses: map[string]fetchResponse{}}, nil, cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	p.Start(1)

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	err = p.Process(&models.Image{PageNum: 1, SourceURL: "http://example.test/media/late.jpg"})
	if err != ErrPipelineClosed {
		t.Fatalf("process after close = %v, want ErrPipelineClosed", err)
	}
}
