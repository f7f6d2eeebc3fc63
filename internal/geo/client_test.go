package geo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"geodaily/internal/credentials"
	"geodaily/internal/observability/metrics"
	logx "geodaily/pkg/logx"
)

// fakeCreds hands out a new cookie on every refresh.
type fakeCreds struct {
	mu          sync.Mutex
	sets        map[string]credentials.Set
	refreshes   int
	invalidates int
	refreshErr  error
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{sets: map[string]credentials.Set{
		credentials.Primary:    {credentials.SessionCookie: "main-0"},
		credentials.AutoSolver: {credentials.SessionCookie: "auto-0"},
	}}
}

func (f *fakeCreds) Get(name string) credentials.Set {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[name]
}

func (f *fakeCreds) Invalidate(name string, used credentials.Set) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidates++
	if f.sets[name].Equal(used) {
		delete(f.sets, name)
	}
}

func (f *fakeCreds) Refresh(ctx context.Context, name string) (credentials.Set, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	s := credentials.Set{credentials.SessionCookie: name + "-refreshed"}
	f.sets[name] = s
	return s, nil
}

func newTestClient(t *testing.T, h http.Handler, creds Credentials) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, ServiceAccount: "DailyBot"}, creds, srv.Client(), logx.Nop(), nil)
	require.NoError(t, err)
	return c
}

func TestAlwaysUnauthorizedMakesExactlyTwoCalls(t *testing.T) {
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	t.Run("mint", func(t *testing.T) {
		calls.Store(0)
		creds := newFakeCreds()
		c := newTestClient(t, h, creds)
		_, err := c.Mint(context.Background(), Options{Map: "world", TimeLimit: 180})
		require.ErrorIs(t, err, ErrAuthExpired)
		require.EqualValues(t, 2, calls.Load())
		require.Equal(t, 1, creds.refreshes)
		require.Equal(t, 1, creds.invalidates)
	})

	t.Run("results", func(t *testing.T) {
		calls.Store(0)
		creds := newFakeCreds()
		c := newTestClient(t, h, creds)
		_, err := c.FetchResults(context.Background(), "abc")
		require.ErrorIs(t, err, ErrAuthExpired)
		require.EqualValues(t, 2, calls.Load())
	})
}

func TestUnauthorizedThenRefreshSucceeds(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Cookie") != "_ncfa=primary-refreshed" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok123"})
	}), newFakeCreds())

	tok, err := c.Mint(context.Background(), Options{Map: "world"})
	require.NoError(t, err)
	require.Equal(t, "tok123", tok)
	require.EqualValues(t, 2, calls.Load())
}

func TestMissingCredentialsRefreshFirst(t *testing.T) {
	var calls atomic.Int32
	creds := &fakeCreds{sets: map[string]credentials.Set{}, refreshErr: credentials.ErrNoCredentials}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}), creds)

	_, err := c.Mint(context.Background(), Options{Map: "world"})
	require.ErrorIs(t, err, ErrAuthExpired)
	require.Zero(t, calls.Load(), "no remote call without credentials")
	require.Equal(t, 1, creds.refreshes)
}

func TestMintRequestAndErrors(t *testing.T) {
	var got mintRequest
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v3/challenges", r.URL.Path)
		require.NotEmpty(t, r.Header.Get("User-Agent"))
		require.NotEmpty(t, r.Header.Get("Referer"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got.Map == "broken" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if got.Map == "teapot" {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		_, _ = w.Write([]byte(`{"token":"XyZ"}`))
	}), newFakeCreds())

	tok, err := c.Mint(context.Background(), Options{Map: "world", TimeLimit: 60, NoMove: true, NoPan: true})
	require.NoError(t, err)
	require.Equal(t, "XyZ", tok)
	require.Equal(t, mintRequest{Map: "world", TimeLimit: 60, ForbidMoving: true, ForbidRotating: true, AccessLevel: 1}, got)
	require.Equal(t, c.base.String()+"/challenge/XyZ", c.ChallengeURL(tok))

	_, err = c.Mint(context.Background(), Options{Map: "broken"})
	require.ErrorIs(t, err, ErrInvalidOptions)

	_, err = c.Mint(context.Background(), Options{Map: "teapot"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, http.StatusTeapot, te.Status)
	require.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestMintCountedOncePerCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"token":"XyZ"}`))
	}))
	t.Cleanup(srv.Close)
	m := metrics.New()
	c, err := New(Config{BaseURL: srv.URL}, newFakeCreds(), srv.Client(), logx.Nop(), m)
	require.NoError(t, err)

	_, err = c.Mint(context.Background(), Options{Map: "world"})
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Mints.WithLabelValues("ok")))
}

func TestTransportFailureIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c, err := New(Config{BaseURL: srv.URL}, newFakeCreds(), nil, logx.Nop(), nil)
	require.NoError(t, err)

	_, err = c.Mint(context.Background(), Options{Map: "world"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Zero(t, te.Status)
}

func TestFetchResultsRanksAndExcludesServiceAccount(t *testing.T) {
	body := `{"items":[
	  {"game":{"player":{"nick":"alice","id":"a1","totalScore":{"amount":"10"},"totalDistanceInMeters":900.5,
	    "guesses":[{"distanceInMeters":100,"roundScore":{"amount":"2"}}]}}},
	  {"game":{"player":{"nick":"DailyBot","id":"bot","totalScore":{"amount":"25000"},"totalDistanceInMeters":0,"guesses":[]}}},
	  {"game":{"player":{"nick":"bob","id":"b1","totalScore":{"amount":50},"totalDistanceInMeters":10,"guesses":[]}}},
	  {"game":{"player":{"nick":"carol","id":"c1","totalScore":{"amount":"30"},"totalDistanceInMeters":20,"guesses":[]}}}
	]}`
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/results/highscores/tok", r.URL.Path)
		require.Equal(t, "false", r.URL.Query().Get("friends"))
		require.Equal(t, "9999", r.URL.Query().Get("limit"))
		require.Equal(t, "5", r.URL.Query().Get("minRounds"))
		require.Equal(t, "_ncfa=auto-0", r.Header.Get("Cookie"))
		_, _ = w.Write([]byte(body))
	}), newFakeCreds())

	got, err := c.FetchResults(context.Background(), "https://www.geoguessr.com/challenge/tok")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []int{50, 30, 10}, []int{got[0].Score, got[1].Score, got[2].Score})
	require.Equal(t, "bob", got[0].Username)
	require.Equal(t, []Round{{Score: 2, Distance: 100}}, got[2].Rounds)
}

func TestFetchResultsNotYetPlayed(t *testing.T) {
	for _, code := range []int{http.StatusForbidden, http.StatusNotFound} {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}), newFakeCreds())
		_, err := c.FetchResults(context.Background(), "tok")
		require.True(t, errors.Is(err, ErrNotYetPlayed), "status %d: %v", code, err)
	}
}

func TestSessionEndpoints(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()
		switch {
		case r.URL.Path == "/api/v3/challenges/chal":
			_, _ = w.Write([]byte(`{"token":"game1"}`))
		case r.URL.Path == "/api/v3/games/game1" && r.Method == http.MethodPost:
			var g guessRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&g))
			require.Equal(t, "game1", g.Token)
			require.False(t, g.TimedOut)
		case r.URL.Path == "/api/v3/games/game1":
			require.Equal(t, "web", r.URL.Query().Get("client"))
			_, _ = w.Write([]byte(`{"state":"finished","round":5}`))
		}
	}), newFakeCreds())

	ctx := context.Background()
	game, err := c.StartSession(ctx, "chal")
	require.NoError(t, err)
	require.Equal(t, "game1", game)
	require.NoError(t, c.SubmitGuess(ctx, game, Guess{Lat: -83, Lng: 0.1}))
	st, err := c.SessionState(ctx, game)
	require.NoError(t, err)
	require.True(t, st.Finished())

	require.Equal(t, []string{
		"POST /api/v3/challenges/chal",
		"POST /api/v4/geo-coding/terrain",
		"POST /api/v3/games/game1",
		"GET /api/v3/games/game1",
	}, paths)
}

func TestTokenFromLink(t *testing.T) {
	cases := map[string]string{
		"abc":                                      "abc",
		"https://www.geoguessr.com/challenge/abc":  "abc",
		"https://www.geoguessr.com/challenge/abc/": "abc",
		" abc ": "abc",
	}
	for in, want := range cases {
		require.Equal(t, want, TokenFromLink(in), in)
	}
}

func TestMapEndpoints(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/maps/explorer":
			_, _ = w.Write([]byte(`[{"slug":"jp","name":"Japan","countryCode":"jp"},{"slug":"","name":"broken"}]`))
		case "/api/v3/social/maps/browse/popular/all":
			require.Equal(t, "2", r.URL.Query().Get("page"))
			require.Equal(t, "36", r.URL.Query().Get("count"))
			_, _ = w.Write([]byte(`[{"slug":"abc123","name":"A Diverse World"}]`))
		case "/api/v3/search/map":
			require.Equal(t, "diverse", r.URL.Query().Get("q"))
			_, _ = w.Write([]byte(`[{"id":"abc123","name":"A Diverse World"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}), newFakeCreds())
	ctx := context.Background()

	explorer, err := c.ExplorerMaps(ctx)
	require.NoError(t, err)
	require.Equal(t, []MapInfo{{Slug: "jp", Name: "Japan", CountryCode: "jp"}}, explorer)

	popular, err := c.PopularMaps(ctx, 2, 0)
	require.NoError(t, err)
	require.Equal(t, []MapInfo{{Slug: "abc123", Name: "A Diverse World"}}, popular)

	hits, err := c.SearchMap(ctx, "diverse", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "abc123", hits[0].Slug)
}
