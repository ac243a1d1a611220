package nutrition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/campusdining/menu-scraper/models"
	"github.com/campusdining/menu-scraper/storage"
)

// Cache is the in-memory recipe-id -> nutrient mapping, backed by a
// single object in the durable store. Keys are the string form of the
// recipe id. Empty records are never stored, so lookups that came back
// empty are retried on the next run.
//
// Scheduler workers touch disjoint recipe ids, but they run on real
// goroutines, so the map itself still needs the lock.
type Cache struct {
	store  storage.Store
	object string

	mu          sync.RWMutex
	records     map[string]models.NutritionRecord
	lastUpdated time.Time
}

// NewCache builds an empty cache persisted under object in store.
func NewCache(store storage.Store, object string) *Cache {
	return &Cache{
		store:   store,
		object:  object,
		records: make(map[string]models.NutritionRecord),
	}
}

// Load fetches the persisted mapping. Absence or malformed content
// degrades to an empty cache; load never fails the run.
func (c *Cache) Load(ctx context.Context) {
	data, err := c.store.Get(ctx, c.object)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Debug("nutrition cache not found, starting empty", slog.String("object", c.object))
		} else {
			slog.Warn("nutrition cache load failed, starting empty",
				slog.String("object", c.object),
				slog.Any("error", err),
			)
		}
		return
	}

	records := make(map[string]models.NutritionRecord)
	if err := json.Unmarshal(data, &records); err != nil {
		slog.Warn("nutrition cache is malformed, starting empty",
			slog.String("object", c.object),
			slog.Any("error", err),
		)
		return
	}

	c.mu.Lock()
	c.records = records
	c.lastUpdated = time.Now().UTC()
	c.mu.Unlock()

	slog.Info("nutrition cache loaded", slog.Int("entries", len(records)))
}

// Save serializes the full mapping back to the store. Unlike Load,
// save failure propagates to the caller.
func (c *Cache) Save(ctx context.Context) error {
	c.mu.RLock()
	data, err := json.Marshal(c.records)
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal nutrition cache: %w", err)
	}

	opts := storage.PutOptions{ContentType: "application/json", Upsert: true}
	if err := c.store.Put(ctx, c.object, data, opts); err != nil {
		return fmt.Errorf("persist nutrition cache: %w", err)
	}

	c.mu.Lock()
	c.lastUpdated = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

// Get returns a cloned record when a non-empty entry exists.
func (c *Cache) Get(id int64) (models.NutritionRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[strconv.FormatInt(id, 10)]
	if !ok || len(rec) == 0 {
		return nil, false
	}
	return rec.Clone(), true
}

// Put stores a record. Empty records are dropped so the id stays
// eligible for a future lookup.
func (c *Cache) Put(id int64, rec models.NutritionRecord) {
	if len(rec) == 0 {
		return
	}
	c.mu.Lock()
	c.records[strconv.FormatInt(id, 10)] = rec.Clone()
	c.mu.Unlock()
}

// Keys returns every cached recipe id, sorted ascending.
func (c *Cache) Keys() []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]int64, 0, len(c.records))
	for key := range c.records {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Status reports entry count, serialized size, and last update time.
func (c *Cache) Status() models.CacheStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	size := int64(0)
	if data, err := json.Marshal(c.records); err == nil {
		size = int64(len(data))
	}
	return models.CacheStatus{
		TotalEntries: len(c.records),
		CacheSize:    size,
		LastUpdated:  c.lastUpdated,
	}
}
