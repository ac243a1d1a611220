package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/campusdining/menu-scraper/models"
	"github.com/campusdining/menu-scraper/storage"
)

func TestStoreWriterWritesArtifact(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	sw := NewStoreWriter(ctx, store)

	if err := sw.Validate(); err == nil {
		t.Fatalf("validate should fail before any page is written")
	}

	page := buildPage("commons", "2026-01-05", map[string][]string{"Grill": {"burger"}})
	if err := sw.WritePage(page); err != nil {
		t.Fatalf("write page: %v", err)
	}
	if err := sw.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	data, err := store.Get(ctx, ArtifactName("commons", "2026-01-05"))
	if err != nil {
		t.Fatalf("get artifact: %v", err)
	}

	var decoded models.MenuPage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode artifact: %v", err)
	}
	if decoded.Location != "commons" || decoded.Date != "2026-01-05" {
		t.Fatalf("artifact = %s/%s, want commons/2026-01-05", decoded.Location, decoded.Date)
	}
	if decoded.ItemCount() != 1 {
		t.Fatalf("artifact items = %d, want 1", decoded.ItemCount())
	}
}

func TestArtifactName(t *testing.T) {
	if got := ArtifactName("north-dining", "2026-02-01"); got != "menus/north-dining/2026-02-01.json" {
		t.Fatalf("artifact name = %q", got)
	}
}

func TestJSONLWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "items.jsonl")
	jw, err := NewJSONLWriter(path)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	items := []*models.FoodItem{
		{Name: "burger", RecipeID: 201, TimeFetched: time.Unix(0, 0).UTC()},
		{Name: "fries", RecipeID: 202, Vegetarian: true, TimeFetched: time.Unix(0, 0).UTC()},
	}
	if err := jw.WriteItems(items); err != nil {
		t.Fatalf("write items: %v", err)
	}
	if err := jw.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := jw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var item models.FoodItem
		if err := json.Unmarshal(scanner.Bytes(), &item); err != nil {
			t.Fatalf("line %d: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("lines = %d, want 2", lines)
	}
}

func TestDualWriterFanout(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	sw := NewStoreWriter(ctx, store)

	jw, err := NewJSONLWriter(filepath.Join(t.TempDir(), "items.jsonl"))
	if err != nil {
		t.Fatalf("new jsonl writer: %v", err)
	}

	dw := NewDualWriter(sw, jw)
	page := buildPage("commons", "2026-01-05", map[string][]string{"Grill": {"burger"}})
	if err := dw.WritePage(page); err != nil {
		t.Fatalf("write page: %v", err)
	}
	if err := dw.WriteItems(page.MealPeriods["Lunch"].Stations["Grill"].Items); err != nil {
		t.Fatalf("write items: %v", err)
	}
	if err := dw.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if err := dw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if exists, _ := store.Exists(ctx, ArtifactName("commons", "2026-01-05")); !exists {
		t.Fatalf("artifact missing from store")
	}
}
