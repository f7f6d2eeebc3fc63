package geo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"geodaily/internal/credentials"
	"geodaily/internal/observability/metrics"
	logx "geodaily/pkg/logx"
)

const (
	DefaultBaseURL   = "https://www.geoguessr.com"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	maxBody          = 8 << 20
)

// Credentials is the part of credentials.Manager the client needs.
type Credentials interface {
	Get(name string) credentials.Set
	Invalidate(name string, used credentials.Set)
	Refresh(ctx context.Context, name string) (credentials.Set, error)
}

type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration // per request; default 20s
	// RatePerSec paces every request; <=0 disables pacing.
	RatePerSec float64
	Burst      int
	// ServiceAccount is the auto-solver's nick, excluded from leaderboards.
	ServiceAccount string
}

// Client talks to the remote challenge API.
type Client struct {
	base    *url.URL
	ua      string
	hc      *http.Client
	creds   Credentials
	limiter *rate.Limiter
	service string

	log     logx.Logger
	metrics *metrics.Metrics
}

func New(cfg Config, creds Credentials, hc *http.Client, log logx.Logger, m *metrics.Metrics) (*Client, error) {
	if creds == nil {
		return nil, errors.New("geo: credentials are required")
	}
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("geo: invalid base url %q", raw)
	}
	if hc == nil {
		to := cfg.Timeout
		if to <= 0 {
			to = 20 * time.Second
		}
		hc = &http.Client{Timeout: to}
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	var lim *rate.Limiter
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, cfg.Burst))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base:    base,
		ua:      ua,
		hc:      hc,
		creds:   creds,
		limiter: lim,
		service: cfg.ServiceAccount,
		log:     log,
		metrics: m,
	}, nil
}

// ChallengeURL is the public link for a challenge token.
func (c *Client) ChallengeURL(token string) string {
	return c.base.String() + "/challenge/" + url.PathEscape(token)
}

// MapURL is the public page for a map slug.
func (c *Client) MapURL(slug string) string {
	return c.base.String() + "/maps/" + url.PathEscape(slug)
}

// UserURL is the public profile page of a player.
func (c *Client) UserURL(id string) string {
	return c.base.String() + "/user/" + url.PathEscape(id)
}

// TokenFromLink accepts a bare token or a full challenge link.
func TokenFromLink(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	out    any
	// status overrides the generic handling of specific non-2xx codes.
	status map[int]error
}

// withAuth runs attempt under the named credential set: a missing set is
// refreshed once up front, and a 401 triggers exactly one invalidate, refresh
// and retry. A second 401 is ErrAuthExpired.
func (c *Client) withAuth(ctx context.Context, set string, attempt func(credentials.Set) error) error {
	creds := c.creds.Get(set)
	refreshed := false
	if creds.Empty() {
		fresh, err := c.creds.Refresh(ctx, set)
		c.metrics.RecordCredentialRefresh(set, err)
		if err != nil {
			return fmt.Errorf("%w (%s): %v", ErrAuthExpired, set, err)
		}
		creds, refreshed = fresh, true
	}

	for {
		err := attempt(creds)
		if !errors.Is(err, errUnauthorized) {
			return err
		}
		if refreshed {
			c.log.Warn("credentials rejected after refresh", logx.String("set", set))
			return fmt.Errorf("%w (%s)", ErrAuthExpired, set)
		}
		c.creds.Invalidate(set, creds)
		fresh, rerr := c.creds.Refresh(ctx, set)
		c.metrics.RecordCredentialRefresh(set, rerr)
		if rerr != nil {
			return fmt.Errorf("%w (%s): %v", ErrAuthExpired, set, rerr)
		}
		creds, refreshed = fresh, true
	}
}

func (c *Client) call(ctx context.Context, set string, r request) error {
	return c.withAuth(ctx, set, func(creds credentials.Set) error {
		return c.send(ctx, creds, r)
	})
}

// send performs one HTTP round trip. 401 comes back as errUnauthorized.
func (c *Client) send(ctx context.Context, creds credentials.Set, r request) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransportError{Op: r.op, Err: err}
		}
	}

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + r.path
	if len(r.query) > 0 {
		u.RawQuery = r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("geo %s: encode: %w", r.op, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u.String(), body)
	if err != nil {
		return &TransportError{Op: r.op, Err: err}
	}
	req.Header.Set("Referer", c.base.String()+"/")
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	if h := creds.Header(); h != "" {
		req.Header.Set("Cookie", h)
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		c.metrics.RecordRemote(r.op, "transport", time.Since(start))
		return &TransportError{Op: r.op, Err: err}
	}
	defer resp.Body.Close()
	c.metrics.RecordRemote(r.op, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode == http.StatusUnauthorized {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return errUnauthorized
	}
	if mapped, ok := r.status[resp.StatusCode]; ok {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return mapped
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.log.Debug("remote error body", logx.String("op", r.op), logx.Int("status", resp.StatusCode), logx.String("body", string(snippet)))
		return &TransportError{Op: r.op, Status: resp.StatusCode, Err: ErrUnexpectedStatus}
	}
	if r.out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(r.out); err != nil {
		return &TransportError{Op: r.op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
