package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"geodaily/internal/storage"
	logx "geodaily/pkg/logx"
)

// Set names used by the service.
const (
	Primary    = "primary"
	AutoSolver = "auto-solver"
)

var (
	ErrNoCredentials = errors.New("no credentials available")
	ErrUnknownSet    = errors.New("unknown credential set")
)

// Set is an opaque bag of session cookie pairs. Empty means "not authenticated".
type Set map[string]string

func (s Set) Empty() bool { return len(s) == 0 }

func (s Set) Equal(o Set) bool { return maps.Equal(s, o) }

// Header renders the set as a Cookie header value with stable ordering.
func (s Set) Header() string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+s[k])
	}
	return strings.Join(parts, "; ")
}

// Redacted is safe to log.
func (s Set) Redacted() string {
	keys := make([]string, 0, len(s))
	for k, v := range s {
		tail := v
		if len(tail) > 4 {
			tail = tail[len(tail)-4:]
		}
		keys = append(keys, k+"=…"+tail)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

// Authenticator produces a fresh set for name. stale is the set that was last
// invalidated (possibly empty); returning it unchanged is pointless.
type Authenticator interface {
	Authenticate(ctx context.Context, name string, stale Set) (Set, error)
}

// Manager holds named credential sets, persists every change and collapses
// concurrent refreshes of the same set into one Authenticator call.
type Manager struct {
	log   logx.Logger
	store storage.Store
	auth  Authenticator

	mu    sync.RWMutex
	sets  map[string]Set
	stale map[string]Set
	names map[string]struct{}

	group singleflight.Group
}

func documentName(name string) string { return "credentials." + name }

// NewManager loads the persisted sets for names.
func NewManager(ctx context.Context, store storage.Store, auth Authenticator, log logx.Logger, names ...string) (*Manager, error) {
	if store == nil {
		return nil, errors.New("credentials: storage is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if len(names) == 0 {
		names = []string{Primary, AutoSolver}
	}
	m := &Manager{
		log:   log,
		store: store,
		auth:  auth,
		sets:  map[string]Set{},
		stale: map[string]Set{},
		names: map[string]struct{}{},
	}
	for _, n := range names {
		m.names[n] = struct{}{}
		set, err := load(ctx, store, n)
		if err != nil {
			return nil, err
		}
		if !set.Empty() {
			m.sets[n] = set
		}
	}
	return m, nil
}

func load(ctx context.Context, store storage.Store, name string) (Set, error) {
	b, ok, err := store.Load(ctx, documentName(name))
	if err != nil {
		return nil, fmt.Errorf("credentials: load %s: %w", name, err)
	}
	if !ok || len(strings.TrimSpace(string(b))) == 0 {
		return Set{}, nil
	}
	set := Set{}
	if err := json.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("credentials: decode %s: %w", name, err)
	}
	return set, nil
}

// Names lists the configured set names.
func (m *Manager) Names() []string {
	out := make([]string, 0, len(m.names))
	for n := range m.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) known(name string) error {
	if _, ok := m.names[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSet, name)
	}
	return nil
}

// Get returns a copy of the current set (empty if not authenticated).
func (m *Manager) Get(name string) Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.sets[name])
}

// Invalidate drops the in-memory set if it is still the one a rejected
// request used. A late rejection of an older set leaves a newer one alone.
// Idempotent.
func (m *Manager) Invalidate(name string, used Set) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.sets[name]
	if cur.Empty() || !cur.Equal(used) {
		return
	}
	m.stale[name] = cur
	delete(m.sets, name)
}

// Refresh obtains a new set through the Authenticator and persists it.
func (m *Manager) Refresh(ctx context.Context, name string) (Set, error) {
	if err := m.known(name); err != nil {
		return nil, err
	}
	if m.auth == nil {
		return nil, fmt.Errorf("%w: %s (no authenticator)", ErrNoCredentials, name)
	}
	v, err, shared := m.group.Do(name, func() (any, error) {
		m.mu.RLock()
		stale := maps.Clone(m.stale[name])
		m.mu.RUnlock()

		set, err := m.auth.Authenticate(ctx, name, stale)
		if err != nil {
			return nil, err
		}
		if set.Empty() {
			return nil, fmt.Errorf("%w: %s", ErrNoCredentials, name)
		}
		if err := m.persist(ctx, name, set); err != nil {
			return nil, err
		}
		m.log.Info("credentials refreshed", logx.String("set", name), logx.String("cookies", set.Redacted()))
		return set, nil
	})
	if err != nil {
		m.log.Warn("credential refresh failed", logx.String("set", name), logx.Bool("shared", shared), logx.Err(err))
		return nil, err
	}
	return maps.Clone(v.(Set)), nil
}

// Put installs an operator-supplied set.
func (m *Manager) Put(ctx context.Context, name string, set Set) error {
	if err := m.known(name); err != nil {
		return err
	}
	if set.Empty() {
		return fmt.Errorf("%w: %s", ErrNoCredentials, name)
	}
	if err := m.persist(ctx, name, set); err != nil {
		return err
	}
	m.log.Info("credentials replaced", logx.String("set", name), logx.String("cookies", set.Redacted()))
	return nil
}

func (m *Manager) persist(ctx context.Context, name string, set Set) error {
	b, err := json.Marshal(set)
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, documentName(name), b); err != nil {
		return fmt.Errorf("credentials: save %s: %w", name, err)
	}
	m.mu.Lock()
	m.sets[name] = maps.Clone(set)
	delete(m.stale, name)
	m.mu.Unlock()
	return nil
}
