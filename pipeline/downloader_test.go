package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/aluiziolira/go-scrape-ads/config"
	"github.com/jarcoal/httpmock"
)

func imageResponder(status int, contentType string, data []byte) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewBytesResponse(status, data)
		resp.Header.Set("Content-Type", contentType)
		return resp, nil
	}
}

func newTestFetcher(transport *httpmock.MockTransport) *HTTPFetcher {
	fetcher := NewHTTPFetcher(config.DefaultConfig())
	fetcher.WithTransport(transport)
	return fetcher
}

func TestHTTPFetcherFetch(t *testing.T) {
	payload := bytes.Repeat([]byte("p"), 2048)
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/media/ad.jpg",
		imageResponder(http.StatusOK, "image/jpeg", payload))

	fetcher := newTestFetcher(transport)

	result, err := fetcher.Fetch(context.Background(), "http://example.test/media/ad.jpg")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer result.Body.Close()

	if result.ContentType != "image/jpeg" {
		t.Fatalf("content type = %q, want image/jpeg", result.ContentType)
	}
	body, err := io.ReadAll(result.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(body, payload) {
		t.Fatalf("body differs from payload")
	}
}

func TestHTTPFetcherRejectsNonImage(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/media/ad.jpg",
		imageResponder(http.StatusOK, "text/html", []byte("<html></html>")))

	fetcher := newTestFetcher(transport)

	_, err := fetcher.Fetch(context.Background(), "http://example.test/media/ad.jpg")
	if !errors.Is(err, ErrNotImage) {
		t.Fatalf("fetch non-image = %v, want ErrNotImage", err)
	}
}

func TestHTTPFetcherRejectsErrorStatus(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/media/ad.jpg",
		imageResponder(http.StatusNotFound, "image/jpeg", nil))

	fetcher := newTestFetcher(transport)

	_, err := fetcher.Fetch(context.Background(), "http://example.test/media/ad.jpg")
	if err == nil {
		t.Fatalf("expected status error")
	}
}

func TestHTTPFetcherContextCancellation(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", "http://example.test/media/ad.jpg",
		imageResponder(http.StatusOK, "image/jpeg", []byte("data")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fetcher := newTestFetcher(transport)
	if _, err := fetcher.Fetch(ctx, "http://example.test/media/ad.jpg"); err == nil {
		t.Fatalf("expected cancellation error")
	}
}
