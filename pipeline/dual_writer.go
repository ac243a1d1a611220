package pipeline

import (
	"fmt"
	"sync"

	"github.com/campusdining/menu-scraper/models"
)

// DualWriter sends pages to the durable store and items to the local
// JSONL export at the same time.
type DualWriter struct {
	store *StoreWriter
	jsonl *JSONLWriter
	mu    sync.Mutex
}

// NewDualWriter pairs a store writer with an item export writer.
func NewDualWriter(store *StoreWriter, jsonl *JSONLWriter) *DualWriter {
	return &DualWriter{store: store, jsonl: jsonl}
}

// WritePage stores the page artifact.
func (dw *DualWriter) WritePage(page *models.MenuPage) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if err := dw.store.WritePage(page); err != nil {
		return fmt.Errorf("store write failed: %w", err)
	}
	return nil
}

// WriteItems appends items to the local export.
func (dw *DualWriter) WriteItems(items []*models.FoodItem) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if err := dw.jsonl.WriteItems(items); err != nil {
		return fmt.Errorf("item export failed: %w", err)
	}
	return nil
}

// Close closes both writers.
func (dw *DualWriter) Close() error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	var errs []error
	if err := dw.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close failed: %w", err))
	}
	if err := dw.jsonl.Close(); err != nil {
		errs = append(errs, fmt.Errorf("item export close failed: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("multiple errors: %v", errs)
	}
	return nil
}

// Validate validates both outputs.
func (dw *DualWriter) Validate() error {
	var errs []error
	if err := dw.store.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("store validation failed: %w", err))
	}
	if err := dw.jsonl.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("item export validation failed: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation errors: %v", errs)
	}
	return nil
}
