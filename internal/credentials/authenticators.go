package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"geodaily/internal/storage"
)

// ErrNoChange means an authenticator had nothing newer than the stale set.
var ErrNoChange = errors.New("credentials unchanged")

// Chain tries each authenticator in order and returns the first usable set.
type Chain []Authenticator

func (c Chain) Authenticate(ctx context.Context, name string, stale Set) (Set, error) {
	var errs []error
	for _, a := range c {
		if a == nil {
			continue
		}
		set, err := a.Authenticate(ctx, name, stale)
		if err == nil && !set.Empty() {
			return set, nil
		}
		if err != nil && !errors.Is(err, ErrNoChange) {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCredentials, name)
	}
	return nil, errors.Join(errs...)
}

// Reload re-reads the persisted set, picking up a change written by the
// operator CLI or another process.
type Reload struct {
	Store storage.Store
}

func (r Reload) Authenticate(ctx context.Context, name string, stale Set) (Set, error) {
	set, err := load(ctx, r.Store, name)
	if err != nil {
		return nil, err
	}
	if set.Empty() || set.Equal(stale) {
		return nil, ErrNoChange
	}
	return set, nil
}

// Account is an email/password login for one set.
type Account struct {
	Email    string
	Password string
}

// SessionCookie is the cookie the remote API authenticates with.
const SessionCookie = "_ncfa"

// Signin logs in with email and password and captures the session cookie.
type Signin struct {
	HTTP     *http.Client
	BaseURL  string
	Accounts map[string]Account
}

func (s Signin) Authenticate(ctx context.Context, name string, _ Set) (Set, error) {
	acc, ok := s.Accounts[name]
	if !ok || acc.Email == "" || acc.Password == "" {
		return nil, ErrNoChange
	}
	hc := s.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	body, _ := json.Marshal(map[string]string{"email": acc.Email, "password": acc.Password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.BaseURL, "/")+"/api/v3/accounts/signin", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signin %s: %w", name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signin %s: status %d", name, resp.StatusCode)
	}
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie && c.Value != "" {
			return Set{SessionCookie: c.Value}, nil
		}
	}
	return nil, fmt.Errorf("signin %s: no %s cookie in response", name, SessionCookie)
}
