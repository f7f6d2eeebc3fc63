package catalog

import (
	"regexp"
	"sort"
	"strings"
)

// Entry is one known map.
type Entry struct {
	Slug        string
	Name        string
	CountryCode string
}

// Catalog is an immutable snapshot of known maps.
type Catalog struct {
	bySlug map[string]Entry
	// byKey maps a case-folded display name or country code to a slug.
	byKey map[string]string
	order []Entry // sorted by name, then slug
}

// Pinned slugs lead the suggestion list when the query is empty.
var pinned = []Entry{
	{Slug: "world", Name: "World"},
	{Slug: "famous-places", Name: "Famous Places"},
}

func build(entries []Entry) *Catalog {
	c := &Catalog{
		bySlug: make(map[string]Entry, len(entries)+len(pinned)),
		byKey:  make(map[string]string, 2*len(entries)),
	}
	// Explorer entries come first and carry country codes; keep the first sighting.
	for _, e := range append(append([]Entry(nil), entries...), pinned...) {
		if _, ok := c.bySlug[e.Slug]; ok || e.Slug == "" {
			continue
		}
		c.bySlug[e.Slug] = e
	}

	c.order = make([]Entry, 0, len(c.bySlug))
	for _, e := range c.bySlug {
		c.order = append(c.order, e)
	}
	sort.Slice(c.order, func(i, j int) bool {
		if c.order[i].Name != c.order[j].Name {
			return c.order[i].Name < c.order[j].Name
		}
		return c.order[i].Slug < c.order[j].Slug
	})
	// First writer wins for shared names, in the order the remote listed them.
	for _, e := range entries {
		if k := fold(e.Name); k != "" {
			if _, ok := c.byKey[k]; !ok {
				c.byKey[k] = e.Slug
			}
		}
		if k := fold(e.CountryCode); k != "" {
			if _, ok := c.byKey[k]; !ok {
				c.byKey[k] = e.Slug
			}
		}
	}
	for _, e := range pinned {
		if _, ok := c.byKey[fold(e.Name)]; !ok {
			c.byKey[fold(e.Name)] = e.Slug
		}
	}
	return c
}

func fold(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (c *Catalog) Len() int { return len(c.bySlug) }

func (c *Catalog) Lookup(slug string) (Entry, bool) {
	e, ok := c.bySlug[slug]
	return e, ok
}

var mapURLRe = regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?geoguessr\.com/maps/([^/?#\s]+)`)

// SlugFromURL extracts the slug from a map page link.
func SlugFromURL(s string) (string, bool) {
	m := mapURLRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	slug := strings.ToLower(m[1])
	if slug == "community" {
		return "", false
	}
	return slug, true
}

// Resolve turns user input (slug, display name, country code or map URL)
// into a catalog entry. URL slugs are accepted even when not cataloged.
func (c *Catalog) Resolve(input string) (Entry, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Entry{}, false
	}
	if e, ok := c.bySlug[input]; ok {
		return e, true
	}
	if slug, ok := c.byKey[fold(input)]; ok {
		return c.bySlug[slug], true
	}
	if slug, ok := SlugFromURL(input); ok {
		if e, ok := c.bySlug[slug]; ok {
			return e, true
		}
		return Entry{Slug: slug}, true
	}
	return Entry{}, false
}

// Search returns up to limit entries whose name or country code contains the
// query. An empty query lists the pinned maps first.
func (c *Catalog) Search(query string, limit int) []Entry {
	if limit <= 0 {
		limit = 25
	}
	q := fold(query)
	out := make([]Entry, 0, limit)
	skip := map[string]bool{}
	if q == "" {
		for _, p := range pinned {
			if e, ok := c.bySlug[p.Slug]; ok {
				out = append(out, e)
				skip[p.Slug] = true
			}
		}
	}
	for _, e := range c.order {
		if len(out) >= limit {
			break
		}
		if skip[e.Slug] {
			continue
		}
		if q == "" || strings.Contains(fold(e.Name), q) || strings.Contains(fold(e.CountryCode), q) {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
