package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-ads/models"
)

// ManifestWriter records successfully downloaded images.
type ManifestWriter interface {
	Write(images []*models.Image) error
	Close() error
	Validate() error
}

// CSVManifest writes download records to CSV.
type CSVManifest struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVManifest initialises a CSV manifest and writes the header row.
func NewCSVManifest(filename string) (*CSVManifest, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv manifest: %w", err)
	}

	writer := csv.NewWriter(f)
	header := []string{"page", "source_url", "filename", "dest_path", "content_type", "bytes", "scraped_at"}
	if err := writer.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVManifest{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends image records to the CSV manifest.
func (cm *CSVManifest) Write(images []*models.Image) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, img := range images {
		record := []string{
			strconv.Itoa(img.PageNum),
			img.SourceURL,
			img.Filename,
			img.DestPath,
			img.ContentType,
			strconv.FormatInt(img.Bytes, 10),
			img.ScrapedAt.Format(time.RFC3339),
		}
		if err := cm.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cm.writer.Flush()
	if err := cm.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cm *CSVManifest) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.writer.Flush()
	if err := cm.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cm.file.Close()
}

// Validate ensures the file has content besides the header.
func (cm *CSVManifest) Validate() error {
	info, err := cm.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv manifest: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv manifest is empty")
	}
	return nil
}

// JSONManifest writes newline-delimited JSON records.
type JSONManifest struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONManifest initialises the JSON manifest.
func NewJSONManifest(filename string) (*JSONManifest, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json manifest: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONManifest{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends image records in JSONL format.
func (jm *JSONManifest) Write(images []*models.Image) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for _, img := range images {
		if err := jm.encoder.Encode(img); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jm.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jm *JSONManifest) Close() error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	if err := jm.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jm.file.Close()
}

// Validate ensures the JSON manifest has data.
func (jm *JSONManifest) Validate() error {
	info, err := jm.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json manifest: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json manifest is empty")
	}
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
