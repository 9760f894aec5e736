// Package models defines data structures for the scraper.
package models

import "time"

// Image represents a candidate gallery image scraped from a feed page.
type Image struct {
	PageNum     int       `csv:"page" json:"page"`
	SourceURL   string    `csv:"source_url" json:"source_url"`
	Filename    string    `csv:"filename" json:"filename"`
	DestPath    string    `csv:"dest_path" json:"dest_path"`
	ContentType string    `csv:"content_type" json:"content_type"`
	Bytes       int64     `csv:"bytes" json:"bytes"`
	ScrapedAt   time.Time `csv:"scraped_at" json:"scraped_at"`
}

// ScrapeResult holds the overall result of a scraping run
type ScrapeResult struct {
	StartTime     time.Time
	EndTime       time.Time
	PageCount     int
	RequestCount  int
	ErrorCount    int
	RetryCount    int
	ImagesFound   int
	FailedURLs    []string
	ErrorsByType  map[string]int
	RetriesByPage map[int]int
}
