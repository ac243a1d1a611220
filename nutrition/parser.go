// Package nutrition resolves per-recipe nutrition facts from the
// dining site's label endpoint and maintains the persistent cache that
// carries resolved records across runs.
package nutrition

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/campusdining/menu-scraper/models"
)

// ErrMalformedEnvelope indicates the lookup response was missing or
// unusable (success=false, empty fragment, or undecodable body).
var ErrMalformedEnvelope = errors.New("nutrition: malformed lookup response")

// Envelope is the wire shape of one nutrition lookup response.
type Envelope struct {
	Success bool   `json:"success"`
	HTML    string `json:"html"`
}

var (
	servingRe = regexp.MustCompile(`(?i)amount per serving:?\s*(.+)`)
	percentRe = regexp.MustCompile(`^[0-9.]+\s*%$`)
	// A value is a number with an optional unit, optionally followed by
	// a daily-value percentage that gets stripped before storing.
	valueRe = regexp.MustCompile(`^([0-9.]+\s*[a-zA-Zµ]*)(?:\s+[0-9.]+\s*%)?$`)

	primaryPatterns = []struct {
		label string
		re    *regexp.Regexp
	}{
		{"Calories", regexp.MustCompile(`(?i)calories:?\s*([0-9.]+)`)},
		{"Total Fat", regexp.MustCompile(`(?i)total fat:?\s*([0-9.]+\s*[a-zA-Z]*)`)},
		{"Total Carbohydrate", regexp.MustCompile(`(?i)total carbohydrate:?\s*([0-9.]+\s*[a-zA-Z]*)`)},
		{"Protein", regexp.MustCompile(`(?i)protein:?\s*([0-9.]+\s*[a-zA-Z]*)`)},
	}
)

// primaryLabels are consumed by the header and primary-row passes and
// must not be re-read by the generic row pass.
var primaryLabels = map[string]struct{}{
	"calories":           {},
	"total fat":          {},
	"total carbohydrate": {},
	"protein":            {},
	"amount per serving": {},
	"serving size":       {},
}

// ParseEnvelope parses one lookup response into a nutrient mapping. An
// empty mapping is a valid outcome; only an unusable envelope is an
// error.
func ParseEnvelope(env Envelope) (models.NutritionRecord, error) {
	if !env.Success {
		return nil, fmt.Errorf("%w: success=false", ErrMalformedEnvelope)
	}
	if strings.TrimSpace(env.HTML) == "" {
		return nil, fmt.Errorf("%w: empty fragment", ErrMalformedEnvelope)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(env.HTML))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return parseFacts(doc), nil
}

func parseFacts(doc *goquery.Document) models.NutritionRecord {
	rec := make(models.NutritionRecord)

	header := normalizeSpace(doc.Find("caption, thead, .nutrition-header").Text())
	if m := servingRe.FindStringSubmatch(header); m != nil {
		rec["Serving Size"] = strings.TrimSpace(m[1])
	}

	doc.Find("tr.primary").Each(func(_ int, row *goquery.Selection) {
		text := rowText(row)
		for _, p := range primaryPatterns {
			if _, ok := rec[p.label]; ok {
				continue
			}
			if m := p.re.FindStringSubmatch(text); m != nil {
				rec[p.label] = strings.TrimSpace(m[1])
			}
		}
	})

	doc.Find("tr").Each(func(_ int, row *goquery.Selection) {
		if row.HasClass("primary") {
			return
		}
		cells := row.Find("td, th")
		if cells.Length() != 2 {
			return
		}
		label := cleanLabel(cells.Eq(0).Text())
		if label == "" {
			return
		}
		if _, ok := primaryLabels[strings.ToLower(label)]; ok {
			return
		}
		if _, ok := rec[label]; ok {
			return
		}
		value := normalizeSpace(cells.Eq(1).Text())
		if percentRe.MatchString(value) {
			return
		}
		m := valueRe.FindStringSubmatch(value)
		if m == nil {
			return
		}
		rec[label] = strings.TrimSpace(m[1])
	})

	return rec
}

// rowText joins cell texts with single spaces. Selection.Text alone
// concatenates adjacent cells without separators.
func rowText(row *goquery.Selection) string {
	var parts []string
	row.Find("td, th").Each(func(_ int, cell *goquery.Selection) {
		if text := normalizeSpace(cell.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, " ")
}

// cleanLabel trims whitespace and trailing punctuation from a row
// label.
func cleanLabel(s string) string {
	return strings.TrimRight(normalizeSpace(s), ":.")
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
