// Package extract parses rendered dining-menu documents into structured
// meal periods, stations, and food items. Dining sites are wildly
// inconsistent, so period detection runs through ordered fallback
// strategies until one produces a usable grouping.
package extract

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/campusdining/menu-scraper/models"
)

// itemSelector matches food-item markers. The canonical form carries a
// data-recipe-id attribute; older templates only tag the class.
const itemSelector = "[data-recipe-id], .menu-item"

// periodRegion pairs a detected meal-period name with the document
// region its items live in.
type periodRegion struct {
	name   string
	region *goquery.Selection
}

// Names of the period-detection strategies, reported by ExtractStrategy
// so callers can track which path parsed each page.
const (
	StrategyTabs     = "tabs"
	StrategyHeadings = "headings"
	StrategyInferred = "inferred"
	StrategyFallback = "fallback"
	StrategyNone     = "none"
)

// Extract parses one location/date document into a meal-period mapping.
// Strategies are tried in order: tab navigation, section headings, an
// inferred single period from the location identifier. If no strategy
// yields any items but item markers exist somewhere in the document,
// every marker is collected under a single synthetic period. Extraction
// never fails: a panic while walking malformed markup produces an empty
// mapping.
func Extract(doc *goquery.Document, location string) map[string]*models.MealPeriod {
	periods, _ := ExtractStrategy(doc, location)
	return periods
}

// ExtractStrategy is Extract plus the name of the strategy that
// produced the grouping.
func ExtractStrategy(doc *goquery.Document, location string) (periods map[string]*models.MealPeriod, strategy string) {
	periods = make(map[string]*models.MealPeriod)
	strategy = StrategyNone
	defer func() {
		if r := recover(); r != nil {
			periods = make(map[string]*models.MealPeriod)
			strategy = StrategyNone
		}
	}()

	now := time.Now().UTC()

	strategy = StrategyTabs
	regions := tabRegions(doc)
	if len(regions) == 0 {
		strategy = StrategyHeadings
		regions = headingRegions(doc)
	}
	if len(regions) == 0 {
		strategy = StrategyInferred
		regions = []periodRegion{{name: inferPeriodName(location), region: doc.Selection}}
	}

	total := 0
	for _, pr := range regions {
		period := parseRegion(pr.region, now)
		if len(period.Stations) == 0 {
			continue
		}
		for _, station := range period.Stations {
			total += len(station.Items)
		}
		// Regions sharing a name (duplicate tab labels) merge rather
		// than overwrite.
		if existing, ok := periods[pr.name]; ok {
			mergePeriod(existing, period)
		} else {
			periods[pr.name] = period
		}
	}

	if total == 0 {
		periods = make(map[string]*models.MealPeriod)
		strategy = StrategyNone
		if doc.Find(itemSelector).Length() > 0 {
			period := parseRegion(doc.Selection, now)
			if len(period.Stations) > 0 {
				periods["Menu Items"] = period
				strategy = StrategyFallback
			}
		}
	}
	return periods, strategy
}

// tabRegions maps tab-navigation elements to their content panels via
// aria-controls or the href fragment.
func tabRegions(doc *goquery.Document) []periodRegion {
	var regions []periodRegion
	doc.Find("a[data-toggle='tab'], [role='tab']").Each(func(_ int, tab *goquery.Selection) {
		name := normalizeSpace(tab.Text())
		if name == "" {
			return
		}
		panelID := tab.AttrOr("aria-controls", "")
		if panelID == "" {
			panelID = strings.TrimPrefix(tab.AttrOr("href", ""), "#")
		}
		region := doc.Selection
		if panelID != "" {
			if panel := doc.Find("#" + panelID); panel.Length() > 0 {
				region = panel
			}
		}
		regions = append(regions, periodRegion{name: name, region: region})
	})
	return regions
}

// headingRegions treats section headings as meal periods, skipping
// generic headings such as "Today's Menu" or "Dining Options". The
// heading's parent container serves as the region when it holds item
// markers; otherwise the whole document does.
func headingRegions(doc *goquery.Document) []periodRegion {
	var regions []periodRegion
	doc.Find("h2, h3").Each(func(_ int, heading *goquery.Selection) {
		name := normalizeSpace(heading.Text())
		if name == "" {
			return
		}
		lower := strings.ToLower(name)
		if strings.Contains(lower, "menu") || strings.Contains(lower, "options") {
			return
		}
		region := heading.Parent()
		if region.Length() == 0 || region.Find(itemSelector).Length() == 0 {
			region = doc.Selection
		}
		regions = append(regions, periodRegion{name: name, region: region})
	})
	return regions
}

// inferPeriodName guesses a single default period from the location
// identifier.
func inferPeriodName(location string) string {
	lower := strings.ToLower(location)
	switch {
	case strings.Contains(lower, "breakfast"):
		return "Breakfast"
	case strings.Contains(lower, "lunch"):
		return "Lunch"
	case strings.Contains(lower, "dinner"):
		return "Dinner"
	}
	return "All Day"
}

// parseRegion collects every food item inside region, grouped by its
// nearest enclosing station container.
func parseRegion(region *goquery.Selection, now time.Time) *models.MealPeriod {
	period := &models.MealPeriod{Stations: make(map[string]*models.Station)}
	region.Find(itemSelector).Each(func(_ int, el *goquery.Selection) {
		item, raw := parseItem(el, now)
		if item == nil {
			return
		}
		name := stationName(el)
		station, ok := period.Stations[name]
		if !ok {
			station = &models.Station{}
			period.Stations[name] = station
		}
		station.Items = append(station.Items, item)
		station.ItemIDs = append(station.ItemIDs, Slugify(item.Name, raw))
	})
	return period
}

// parseItem reads one item marker. It returns the raw recipe-id string
// alongside the item because slugs are derived from the raw form, not
// the parsed integer.
func parseItem(el *goquery.Selection, now time.Time) (*models.FoodItem, string) {
	name := normalizeSpace(el.Find(".item-name").First().Text())
	if name == "" {
		name = normalizeSpace(el.Text())
	}
	if name == "" {
		return nil, ""
	}

	raw := strings.TrimSpace(el.AttrOr("data-recipe-id", ""))
	return &models.FoodItem{
		Name:        name,
		RecipeID:    parseRecipeID(raw),
		Vegetarian:  el.HasClass("vegetarian"),
		Vegan:       el.HasClass("vegan"),
		GlutenFree:  el.HasClass("gluten-free"),
		TimeFetched: now,
	}, raw
}

// mergePeriod folds src's stations into dst, appending items when a
// station name appears in both.
func mergePeriod(dst, src *models.MealPeriod) {
	for name, station := range src.Stations {
		existing, ok := dst.Stations[name]
		if !ok {
			dst.Stations[name] = station
			continue
		}
		existing.Items = append(existing.Items, station.Items...)
		existing.ItemIDs = append(existing.ItemIDs, station.ItemIDs...)
	}
}

// stationName walks up to the nearest station container.
func stationName(el *goquery.Selection) string {
	container := el.Closest("[data-station]")
	if container.Length() == 0 {
		return "Unknown"
	}
	if name := normalizeSpace(container.AttrOr("data-station", "")); name != "" {
		return name
	}
	if name := normalizeSpace(container.Find(".station-name").First().Text()); name != "" {
		return name
	}
	return "Unknown"
}

func parseRecipeID(raw string) int64 {
	var id int64
	for _, r := range raw {
		if r < '0' || r > '9' {
			return id
		}
		id = id*10 + int64(r-'0')
	}
	return id
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
