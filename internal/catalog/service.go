package catalog

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"geodaily/internal/geo"
	"geodaily/internal/observability/metrics"
	logx "geodaily/pkg/logx"
)

// Source is the remote listing API. *geo.Client satisfies it.
type Source interface {
	ExplorerMaps(ctx context.Context) ([]geo.MapInfo, error)
	PopularMaps(ctx context.Context, page, count int) ([]geo.MapInfo, error)
	SearchMap(ctx context.Context, query string, limit int) ([]geo.MapInfo, error)
}

type Config struct {
	Interval     time.Duration // default 20h
	MaxJitter    time.Duration // startup delay upper bound; default 10m
	PopularPages int           // default 5
	PageSize     int           // default 36
	PagePause    time.Duration // default 1s
}

// Service keeps the map catalog fresh and answers name lookups.
type Service struct {
	src     Source
	cfg     Config
	log     logx.Logger
	metrics *metrics.Metrics

	cur atomic.Pointer[Catalog]
}

func New(src Source, cfg Config, log logx.Logger, m *metrics.Metrics) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Hour
	}
	if cfg.MaxJitter < 0 {
		cfg.MaxJitter = 0
	} else if cfg.MaxJitter == 0 {
		cfg.MaxJitter = 10 * time.Minute
	}
	if cfg.PopularPages < 0 {
		cfg.PopularPages = 0
	} else if cfg.PopularPages == 0 {
		cfg.PopularPages = 5
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 36
	}
	if cfg.PagePause == 0 {
		cfg.PagePause = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{src: src, cfg: cfg, log: log, metrics: m}
	s.cur.Store(build(nil))
	return s
}

// Current returns the live snapshot.
func (s *Service) Current() *Catalog { return s.cur.Load() }

// Refresh rebuilds the catalog. On failure the previous catalog stays live.
// A failing popular page ends paging but keeps what was fetched.
func (s *Service) Refresh(ctx context.Context) error {
	start := time.Now()
	explorer, err := s.src.ExplorerMaps(ctx)
	if err != nil {
		s.metrics.RecordCatalogRefresh(0, err)
		return fmt.Errorf("catalog: explorer: %w", err)
	}
	entries := make([]Entry, 0, len(explorer)+s.cfg.PopularPages*s.cfg.PageSize)
	for _, m := range explorer {
		entries = append(entries, Entry{Slug: m.Slug, Name: m.Name, CountryCode: m.CountryCode})
	}

	for page := 1; page <= s.cfg.PopularPages; page++ {
		if err := sleep(ctx, s.cfg.PagePause); err != nil {
			return err
		}
		maps, err := s.src.PopularMaps(ctx, page, s.cfg.PageSize)
		if err != nil {
			s.log.Warn("popular maps page failed", logx.Int("page", page), logx.Err(err))
			break
		}
		for _, m := range maps {
			entries = append(entries, Entry{Slug: m.Slug, Name: m.Name})
		}
		if len(maps) < s.cfg.PageSize {
			break
		}
	}

	next := build(entries)
	s.cur.Store(next)
	s.metrics.RecordCatalogRefresh(next.Len(), nil)
	s.log.Info("map catalog refreshed", logx.Int("maps", next.Len()), logx.Duration("took", time.Since(start)))
	return nil
}

// Run refreshes after a random startup delay and then every Interval until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	wait := time.Duration(0)
	if s.cfg.MaxJitter > 0 {
		wait = time.Duration(rand.Int64N(int64(s.cfg.MaxJitter)))
	}
	s.log.Debug("catalog refresh scheduled", logx.Duration("in", wait))
	if err := sleep(ctx, wait); err != nil {
		return nil
	}
	for {
		if err := s.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("catalog refresh failed, keeping previous catalog", logx.Err(err))
		}
		if err := sleep(ctx, s.cfg.Interval); err != nil {
			return nil
		}
	}
}

func (s *Service) Resolve(input string) (Entry, bool) { return s.Current().Resolve(input) }

func (s *Service) Search(query string, limit int) []Entry { return s.Current().Search(query, limit) }

// NameOf returns the display name for slug: from the catalog, else from the
// remote search (exact id match only), else the slug itself.
func (s *Service) NameOf(ctx context.Context, slug string) string {
	if e, ok := s.Current().Lookup(slug); ok && e.Name != "" {
		return e.Name
	}
	hits, err := s.src.SearchMap(ctx, slug, 1)
	if err != nil {
		s.log.Warn("map name lookup failed", logx.String("slug", slug), logx.Err(err))
		return slug
	}
	if len(hits) == 0 || hits[0].Slug != slug || hits[0].Name == "" {
		s.log.Debug("map search returned no exact match", logx.String("slug", slug))
		return slug
	}
	return hits[0].Name
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
