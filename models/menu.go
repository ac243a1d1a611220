// Package models defines data structures for the menu scraper.
package models

import "time"

// FoodItem represents a single menu item scraped from a dining page.
// Nutrition facts are never stored inline; they are resolved from the
// nutrition cache by RecipeID.
type FoodItem struct {
	Name        string    `json:"name"`
	RecipeID    int64     `json:"recipe_id"`
	Vegetarian  bool      `json:"vegetarian"`
	Vegan       bool      `json:"vegan"`
	GlutenFree  bool      `json:"gluten_free"`
	TimeFetched time.Time `json:"time_fetched"`
}

// Station is a named serving counter within a meal period. Items and
// ItemIDs are parallel slices kept in document order; ItemIDs holds the
// slug for the item at the same index.
type Station struct {
	Items   []*FoodItem `json:"items"`
	ItemIDs []string    `json:"item_ids"`
}

// MealPeriod groups stations under a time-of-day name such as Breakfast.
type MealPeriod struct {
	Stations map[string]*Station `json:"stations"`
}

// MenuPage holds everything extracted from one location/date document.
type MenuPage struct {
	Location    string                 `json:"location"`
	Date        string                 `json:"date"`
	MealPeriods map[string]*MealPeriod `json:"meal_periods"`
}

// ItemCount returns the number of items across all periods and stations.
func (p *MenuPage) ItemCount() int {
	if p == nil {
		return 0
	}
	n := 0
	for _, period := range p.MealPeriods {
		for _, station := range period.Stations {
			n += len(station.Items)
		}
	}
	return n
}

// RecipeIDs returns every resolvable recipe id on the page, in document
// order, including duplicates across stations. Items without a recipe
// id carry the zero sentinel and are excluded: id 0 is shared by every
// id-less item and cannot identify a nutrition record.
func (p *MenuPage) RecipeIDs() []int64 {
	var ids []int64
	for _, period := range p.MealPeriods {
		for _, station := range period.Stations {
			for _, item := range station.Items {
				if item.RecipeID == 0 {
					continue
				}
				ids = append(ids, item.RecipeID)
			}
		}
	}
	return ids
}

// NutritionRecord maps a nutrient label to its displayed value, for
// example "Calories" -> "90". An empty record is a legitimate lookup
// outcome and is never cached.
type NutritionRecord map[string]string

// Clone returns an independent copy of the record.
func (r NutritionRecord) Clone() NutritionRecord {
	if r == nil {
		return nil
	}
	out := make(NutritionRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// CollectionResult summarizes one collection run for consumers.
type CollectionResult struct {
	Success        bool     `json:"success"`
	TotalRecipes   int      `json:"total_recipes"`
	FetchedCount   int      `json:"fetched_count"`
	SkippedCount   int      `json:"skipped_count"`
	ErrorCount     int      `json:"error_count"`
	MissingRecipes []int64  `json:"missing_recipes"`
	Errors         []string `json:"errors"`
}

// CacheStatus reports the state of the persisted nutrition cache.
type CacheStatus struct {
	TotalEntries int       `json:"total_entries"`
	CacheSize    int64     `json:"cache_size"`
	LastUpdated  time.Time `json:"last_updated"`
}
