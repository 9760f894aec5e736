// Package parser holds pure helpers for candidate image extraction.
package parser

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aluiziolira/go-scrape-ads/models"
	"github.com/kennygrant/sanitize"
)

// ValidateImage ensures the scraper captured the required fields.
func ValidateImage(img *models.Image) error {
	if img == nil {
		return fmt.Errorf("image is nil")
	}
	if img.PageNum < 1 {
		return fmt.Errorf("image missing page number")
	}
	src := strings.TrimSpace(img.SourceURL)
	if src == "" {
		return fmt.Errorf("image missing source URL")
	}
	parsed, err := url.Parse(src)
	if err != nil {
		return fmt.Errorf("image source URL invalid: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("image source URL missing host for %s", src)
	}
	return nil
}

// IsIconOrLogo reports whether a URL matches a UI-chrome pattern such as
// icons, logos, avatars, or placeholders.
func IsIconOrLogo(rawURL string, patterns []string) bool {
	lowered := strings.ToLower(rawURL)
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

// InferFilename derives a sanitized file name from an image URL.
// It returns empty when the URL carries no usable basename; the pipeline
// assigns a numbered fallback in that case.
func InferFilename(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	base := path.Base(parsed.Path)
	if base == "." || base == "/" || base == "" {
		return ""
	}

	name := sanitize.Name(base)
	// Mirrors the gallery's convention: names without an extension or
	// shorter than "a.jpg" are unusable.
	if !strings.Contains(name, ".") || len(name) < 5 {
		return ""
	}
	return name
}
