package geo

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"geodaily/internal/credentials"
)

// MapInfo is one map as listed by the remote catalog endpoints.
type MapInfo struct {
	Slug        string
	Name        string
	CountryCode string
}

type explorerMap struct {
	Slug        string `json:"slug"`
	Name        string `json:"name"`
	CountryCode string `json:"countryCode"`
}

// ExplorerMaps lists the official country and world maps.
func (c *Client) ExplorerMaps(ctx context.Context) ([]MapInfo, error) {
	var out []explorerMap
	err := c.call(ctx, credentials.Primary, request{
		op:     "maps.explorer",
		method: http.MethodGet,
		path:   "/api/maps/explorer",
		out:    &out,
	})
	if err != nil {
		return nil, err
	}
	maps := make([]MapInfo, 0, len(out))
	for _, m := range out {
		if m.Slug == "" {
			continue
		}
		maps = append(maps, MapInfo{Slug: m.Slug, Name: m.Name, CountryCode: m.CountryCode})
	}
	return maps, nil
}

// PopularMaps returns one page (1-based) of the popular community maps.
func (c *Client) PopularMaps(ctx context.Context, page, count int) ([]MapInfo, error) {
	if count <= 0 {
		count = 36
	}
	var out []explorerMap
	err := c.call(ctx, credentials.Primary, request{
		op:     "maps.popular",
		method: http.MethodGet,
		path:   "/api/v3/social/maps/browse/popular/all",
		query: url.Values{
			"count":          {strconv.Itoa(count)},
			"page":           {strconv.Itoa(page)},
			"minCoords":      {"20"},
			"minLikes":       {"0"},
			"minGamesPlayed": {"0"},
		},
		out: &out,
	})
	if err != nil {
		return nil, err
	}
	maps := make([]MapInfo, 0, len(out))
	for _, m := range out {
		if m.Slug == "" {
			continue
		}
		maps = append(maps, MapInfo{Slug: m.Slug, Name: m.Name})
	}
	return maps, nil
}

type searchHit struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// SearchMap runs the remote map search and returns at most limit hits.
func (c *Client) SearchMap(ctx context.Context, query string, limit int) ([]MapInfo, error) {
	if limit <= 0 {
		limit = 1
	}
	var out []searchHit
	err := c.call(ctx, credentials.Primary, request{
		op:     "maps.search",
		method: http.MethodGet,
		path:   "/api/v3/search/map",
		query: url.Values{
			"page":  {"0"},
			"count": {strconv.Itoa(limit)},
			"q":     {query},
		},
		out: &out,
	})
	if err != nil {
		return nil, err
	}
	maps := make([]MapInfo, 0, len(out))
	for _, h := range out {
		maps = append(maps, MapInfo{Slug: h.ID, Name: h.Name})
	}
	return maps, nil
}
