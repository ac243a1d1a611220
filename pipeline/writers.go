package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/campusdining/menu-scraper/models"
	"github.com/campusdining/menu-scraper/storage"
)

// ArtifactName is the store object name for one location/date menu.
func ArtifactName(location, date string) string {
	return fmt.Sprintf("menus/%s/%s.json", location, date)
}

// StoreWriter persists normalized pages as per-date JSON artifacts in
// the durable blob store. Items are not exported here; nutrition is
// resolved from the cache at read time.
type StoreWriter struct {
	store storage.Store
	ctx   context.Context

	mu    sync.Mutex
	pages int
}

// NewStoreWriter wraps a blob store.
func NewStoreWriter(ctx context.Context, store storage.Store) *StoreWriter {
	if ctx == nil {
		ctx = context.Background()
	}
	return &StoreWriter{store: store, ctx: ctx}
}

// WritePage stores the page under its location/date artifact name.
func (sw *StoreWriter) WritePage(page *models.MenuPage) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshal page: %w", err)
	}
	name := ArtifactName(page.Location, page.Date)
	opts := storage.PutOptions{ContentType: "application/json", Upsert: true}
	if err := sw.store.Put(sw.ctx, name, data, opts); err != nil {
		return fmt.Errorf("store artifact %q: %w", name, err)
	}
	sw.mu.Lock()
	sw.pages++
	sw.mu.Unlock()
	return nil
}

// WriteItems is a no-op for the store backend.
func (sw *StoreWriter) WriteItems([]*models.FoodItem) error {
	return nil
}

// Close is a no-op; the store has no buffered state.
func (sw *StoreWriter) Close() error {
	return nil
}

// Validate ensures at least one artifact was written.
func (sw *StoreWriter) Validate() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.pages == 0 {
		return fmt.Errorf("no menu artifacts were written")
	}
	return nil
}

// JSONLWriter exports first-seen items as newline-delimited JSON, one
// record per line, for local inspection.
type JSONLWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
	items   int
}

// NewJSONLWriter initialises the item export file.
func NewJSONLWriter(filename string) (*JSONLWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create item export: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONLWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// WritePage is a no-op; pages go to the store.
func (jw *JSONLWriter) WritePage(*models.MenuPage) error {
	return nil
}

// WriteItems appends items in JSONL format.
func (jw *JSONLWriter) WriteItems(items []*models.FoodItem) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, item := range items {
		if err := jw.encoder.Encode(item); err != nil {
			return fmt.Errorf("encode item record: %w", err)
		}
	}
	jw.items += len(items)

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush item export: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush item export: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the export has data.
func (jw *JSONLWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat item export: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("item export is empty")
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
