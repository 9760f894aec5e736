// Package pipeline provides dual manifest output in CSV and JSON formats.
package pipeline

import (
	"fmt"
	"sync"

	"github.com/aluiziolira/go-scrape-ads/models"
)

// DualManifest records downloads to both CSV and JSON formats simultaneously
type DualManifest struct {
	csvManifest  *CSVManifest
	jsonManifest *JSONManifest
	mu           sync.Mutex
}

// NewDualManifest creates a manifest writer for both CSV and JSON output
func NewDualManifest(csvFilename, jsonFilename string) (*DualManifest, error) {
	csvManifest, err := NewCSVManifest(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV manifest: %w", err)
	}

	jsonManifest, err := NewJSONManifest(jsonFilename)
	if err != nil {
		csvManifest.Close()
		return nil, fmt.Errorf("failed to create JSON manifest: %w", err)
	}

	return &DualManifest{
		csvManifest:  csvManifest,
		jsonManifest: jsonManifest,
	}, nil
}

// Write records images to both CSV and JSON formats
func (dm *DualManifest) Write(images []*models.Image) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if err := dm.csvManifest.Write(images); err != nil {
		return fmt.Errorf("CSV write failed: %w", err)
	}

	if err := dm.jsonManifest.Write(images); err != nil {
		return fmt.Errorf("JSON write failed: %w", err)
	}

	return nil
}

// Close closes both manifests
func (dm *DualManifest) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var errs []error

	if err := dm.csvManifest.Close(); err != nil {
		errs = append(errs, fmt.Errorf("CSV close failed: %w", err))
	}

	if err := dm.jsonManifest.Close(); err != nil {
		errs = append(errs, fmt.Errorf("JSON close failed: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("multiple errors: %v", errs)
	}

	return nil
}

// Validate validates both manifest files
func (dm *DualManifest) Validate() error {
	var errs []error

	if err := dm.csvManifest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("CSV validation failed: %w", err))
	}

	if err := dm.jsonManifest.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("JSON validation failed: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %v", errs)
	}

	return nil
}
