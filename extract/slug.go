package extract

import (
	"fmt"
	"math/rand"
	"strings"
)

const maxSlugNameLen = 50

// Slugify derives a stable item identifier from an item name and its
// raw recipe-id string. The name part is lower-cased, non-alphanumeric
// runs collapse to single hyphens, and the result is capped at 50
// characters. A non-zero recipe id contributes its last 6 characters as
// a disambiguating suffix.
func Slugify(name, recipeID string) string {
	slug := sanitize(name)
	if len(slug) > maxSlugNameLen {
		slug = strings.TrimRight(slug[:maxSlugNameLen], "-")
	}

	id := sanitize(recipeID)
	if slug == "" {
		if id != "" && id != "0" {
			return "item-" + id
		}
		return fmt.Sprintf("item-%06d", rand.Intn(1000000))
	}

	if id != "" && id != "0" {
		suffix := id
		if len(suffix) > 6 {
			suffix = suffix[len(suffix)-6:]
		}
		slug += "-" + suffix
	}
	return slug
}

// sanitize lower-cases input and collapses every run of characters
// outside [a-z0-9] into a single hyphen, trimming hyphens at both ends.
func sanitize(s string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
