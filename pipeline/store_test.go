package pipeline

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aluiziolira/go-scrape-ads/models"
)

func TestFSStoreSaveAndExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "downloaded_images")
	store, err := NewFSStore(root, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	img := &models.Image{PageNum: 2, SourceURL: "http://example.test/ad.jpg", Filename: "ad.jpg"}
	data := bytes.Repeat([]byte("b"), 64)

	if store.Exists(img) {
		t.Fatalf("image should not exist before save")
	}

	written, err := store.Save(img, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if written != int64(len(data)) {
		t.Fatalf("written = %d, want %d", written, len(data))
	}
	if img.Bytes != int64(len(data)) {
		t.Fatalf("img.Bytes = %d, want %d", img.Bytes, len(data))
	}

	want := filepath.Join(root, "page_2", "ad.jpg")
	if img.DestPath != want {
		t.Fatalf("dest = %q, want %q", img.DestPath, want)
	}
	saved, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if !bytes.Equal(saved, data) {
		t.Fatalf("saved content differs from payload")
	}
	if !store.Exists(img) {
		t.Fatalf("image should exist after save")
	}

	assertNoTempFiles(t, root)
}

func assertNoTempFiles(t *testing.T, root string) {
	t.Helper()
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			t.Fatalf("temp file left behind: %s", entry.Name())
		}
	}
}

func TestFSStoreRejectsUndersizedPayload(t *testing.T) {
	root := filepath.Join(t.TempDir(), "downloaded_images")
	store, err := NewFSStore(root, 1024)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	img := &models.Image{PageNum: 1, SourceURL: "http://example.test/tiny.gif", Filename: "tiny.gif"}
	_, err = store.Save(img, bytes.NewReader([]byte("gif")))
	if !errors.Is(err, ErrTooSmall) {
		t.Fatalf("save undersized = %v, want ErrTooSmall", err)
	}

	if _, statErr := os.Stat(filepath.Join(root, "page_1", "tiny.gif")); !os.IsNotExist(statErr) {
		t.Fatalf("undersized image should not be persisted")
	}
	// A discarded download must not leave a page folder either.
	if _, statErr := os.Stat(filepath.Join(root, "page_1")); !os.IsNotExist(statErr) {
		t.Fatalf("page_1 folder should not exist after discarded save")
	}
	assertNoTempFiles(t, root)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("read: connection reset")
}

func TestFSStoreFailedSaveLeavesNoFolder(t *testing.T) {
	root := filepath.Join(t.TempDir(), "downloaded_images")
	store, err := NewFSStore(root, 10)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	img := &models.Image{PageNum: 4, SourceURL: "http://example.test/ad.jpg", Filename: "ad.jpg"}
	if _, err := store.Save(img, failingReader{}); err == nil {
		t.Fatalf("expected save error from failing reader")
	}

	if _, statErr := os.Stat(filepath.Join(root, "page_4")); !os.IsNotExist(statErr) {
		t.Fatalf("page_4 folder should not exist after failed save")
	}
	assertNoTempFiles(t, root)
}

func TestFSStoreLazyPageFolders(t *testing.T) {
	root := filepath.Join(t.TempDir(), "downloaded_images")
	store, err := NewFSStore(root, 1)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	img := &models.Image{PageNum: 5, SourceURL: "http://example.test/ad.png", Filename: "ad.png"}
	if _, err := store.Save(img, bytes.NewReader(bytes.Repeat([]byte("c"), 32))); err != nil {
		t.Fatalf("save: %v", err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "page_5" {
		t.Fatalf("root entries = %v, want only page_5", entries)
	}

	if err := store.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
