package catalog

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"geodaily/internal/geo"
	logx "geodaily/pkg/logx"
)

type fakeSource struct {
	explorer    []geo.MapInfo
	explorerErr error
	pages       map[int][]geo.MapInfo
	search      []geo.MapInfo
	pageCalls   atomic.Int32
	searchCalls atomic.Int32
}

func (f *fakeSource) ExplorerMaps(ctx context.Context) ([]geo.MapInfo, error) {
	return f.explorer, f.explorerErr
}

func (f *fakeSource) PopularMaps(ctx context.Context, page, count int) ([]geo.MapInfo, error) {
	f.pageCalls.Add(1)
	return f.pages[page], nil
}

func (f *fakeSource) SearchMap(ctx context.Context, q string, limit int) ([]geo.MapInfo, error) {
	f.searchCalls.Add(1)
	return f.search, nil
}

func testConfig() Config {
	return Config{PopularPages: 3, PageSize: 2, PagePause: -1, MaxJitter: -1}
}

func sampleSource() *fakeSource {
	return &fakeSource{
		explorer: []geo.MapInfo{
			{Slug: "world", Name: "World"},
			{Slug: "france", Name: "France", CountryCode: "FR"},
			{Slug: "japan", Name: "Japan", CountryCode: "JP"},
		},
		pages: map[int][]geo.MapInfo{
			1: {{Slug: "abc123", Name: "A Diverse World"}, {Slug: "france", Name: "Duplicate France"}},
			2: {{Slug: "def456", Name: "Urban Japan"}},
		},
	}
}

func TestRefreshBuildsCatalog(t *testing.T) {
	src := sampleSource()
	s := New(src, testConfig(), logx.Nop(), nil)
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	// Page 2 is short, so page 3 is never requested.
	if got := src.pageCalls.Load(); got != 2 {
		t.Fatalf("page calls=%d, want 2", got)
	}
	if e, _ := s.Current().Lookup("france"); e.CountryCode != "FR" {
		t.Fatalf("explorer entry overwritten by popular page: %+v", e)
	}
	if s.Current().Len() != 6 {
		t.Fatalf("len=%d, want 6 (5 fetched + famous-places)", s.Current().Len())
	}
}

func TestRefreshFailureKeepsPreviousCatalog(t *testing.T) {
	src := sampleSource()
	s := New(src, testConfig(), logx.Nop(), nil)
	_ = s.Refresh(context.Background())
	before := s.Current()

	src.explorerErr = errors.New("boom")
	if err := s.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if s.Current() != before {
		t.Fatalf("catalog swapped despite failure")
	}
}

func TestResolve(t *testing.T) {
	s := New(sampleSource(), testConfig(), logx.Nop(), nil)
	_ = s.Refresh(context.Background())

	cases := []struct {
		in   string
		want Entry
		ok   bool
	}{
		{"japan", Entry{Slug: "japan", Name: "Japan", CountryCode: "JP"}, true},
		{"FRANCE", Entry{Slug: "france", Name: "France", CountryCode: "FR"}, true},
		{"jp", Entry{Slug: "japan", Name: "Japan", CountryCode: "JP"}, true},
		{"a diverse world", Entry{Slug: "abc123", Name: "A Diverse World"}, true},
		{"https://www.geoguessr.com/maps/abc123", Entry{Slug: "abc123", Name: "A Diverse World"}, true},
		{"geoguessr.com/maps/NotListed", Entry{Slug: "notlisted"}, true},
		{"https://www.geoguessr.com/maps/community", Entry{}, false},
		{"atlantis", Entry{}, false},
		{"", Entry{}, false},
	}
	for _, tc := range cases {
		got, ok := s.Resolve(tc.in)
		if ok != tc.ok {
			t.Fatalf("Resolve(%q) ok=%v, want %v", tc.in, ok, tc.ok)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("Resolve(%q) (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestResolveBeforeFirstRefresh(t *testing.T) {
	s := New(sampleSource(), testConfig(), logx.Nop(), nil)
	if e, ok := s.Resolve("World"); !ok || e.Slug != "world" {
		t.Fatalf("pinned world map not resolvable: %+v %v", e, ok)
	}
}

func TestSearch(t *testing.T) {
	s := New(sampleSource(), testConfig(), logx.Nop(), nil)
	_ = s.Refresh(context.Background())

	slugs := func(es []Entry) []string {
		out := make([]string, 0, len(es))
		for _, e := range es {
			out = append(out, e.Slug)
		}
		return out
	}
	if diff := cmp.Diff([]string{"world", "famous-places", "abc123"}, slugs(s.Search("", 3))); diff != "" {
		t.Fatalf("empty query (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"japan", "def456"}, slugs(s.Search("jap", 10))); diff != "" {
		t.Fatalf("prefix query (-want +got):\n%s", diff)
	}
}

func TestNameOf(t *testing.T) {
	src := sampleSource()
	s := New(src, testConfig(), logx.Nop(), nil)
	_ = s.Refresh(context.Background())
	ctx := context.Background()

	if got := s.NameOf(ctx, "japan"); got != "Japan" || src.searchCalls.Load() != 0 {
		t.Fatalf("catalog hit: name=%q searches=%d", got, src.searchCalls.Load())
	}

	src.search = []geo.MapInfo{{Slug: "zzz", Name: "Hidden Gem"}}
	if got := s.NameOf(ctx, "zzz"); got != "Hidden Gem" {
		t.Fatalf("remote fallback name=%q", got)
	}
	src.search = []geo.MapInfo{{Slug: "other", Name: "Wrong"}}
	if got := s.NameOf(ctx, "zzz"); got != "zzz" {
		t.Fatalf("mismatched search hit should fall back to slug, got %q", got)
	}
}
