package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/aluiziolira/go-scrape-ads/models"
)

// ErrTooSmall is returned when a payload falls below the minimum byte
// threshold and is presumed to be UI chrome rather than content.
var ErrTooSmall = errors.New("store: image below minimum size")

// ImageStore persists downloaded images.
type ImageStore interface {
	Save(img *models.Image, body io.Reader) (int64, error)
	Exists(img *models.Image) bool
	Close() error
	Validate() error
}

// FSStore writes images into a page-partitioned folder tree:
// <root>/page_<n>/<filename>. Page folders are created lazily, so a page
// that yields no downloads leaves no folder behind.
type FSStore struct {
	root     string
	minBytes int64
	mu       sync.Mutex
}

// NewFSStore initialises the root download directory.
func NewFSStore(root string, minBytes int64) (*FSStore, error) {
	if root == "" {
		return nil, fmt.Errorf("download directory cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create download directory %q: %w", root, err)
	}
	return &FSStore{root: root, minBytes: minBytes}, nil
}

// DestPath returns the destination for an image record.
func (fs *FSStore) DestPath(img *models.Image) string {
	return filepath.Join(fs.root, fmt.Sprintf("page_%d", img.PageNum), img.Filename)
}

// Exists reports whether the destination file is already on disk.
func (fs *FSStore) Exists(img *models.Image) bool {
	_, err := os.Stat(fs.DestPath(img))
	return err == nil
}

// Save streams body into a temp file under the root and promotes it into the
// page folder with an atomic rename. The page folder is created only once the
// payload has cleared the size gate, so discarded downloads leave no folder
// behind. Payloads below the minimum size are discarded with ErrTooSmall.
func (fs *FSStore) Save(img *models.Image, body io.Reader) (int64, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := os.CreateTemp(fs.root, ".download-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()

	written, copyErr := io.Copy(f, body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write image data: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("close temp file: %w", closeErr)
	}

	if written < fs.minBytes {
		os.Remove(tmp)
		return written, fmt.Errorf("%w: %d bytes", ErrTooSmall, written)
	}

	dest := fs.DestPath(img)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		os.Remove(tmp)
		return written, fmt.Errorf("create page directory: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return written, fmt.Errorf("rename temp file: %w", err)
	}

	img.DestPath = dest
	img.Bytes = written
	return written, nil
}

// Close is a no-op; files are closed per save.
func (fs *FSStore) Close() error {
	return nil
}

// Validate ensures the root directory still exists.
func (fs *FSStore) Validate() error {
	info, err := os.Stat(fs.root)
	if err != nil {
		return fmt.Errorf("stat download directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("download path %q is not a directory", fs.root)
	}
	return nil
}
