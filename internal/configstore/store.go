package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"

	"geodaily/internal/storage"
	"geodaily/internal/transport"
	logx "geodaily/pkg/logx"
)

// DocumentName is the storage document holding every tenant.
const DocumentName = "config"

// Detacher runs fire-and-forget work. *supervisor.Supervisor satisfies it.
type Detacher interface {
	Detach(name string, timeout time.Duration, fn func(ctx context.Context) error)
}

type Options struct {
	Log     logx.Logger
	Checker transport.DestinationChecker // optional
	Detach  Detacher                     // optional; falls back to a plain goroutine
	// ProbeTimeout bounds one destination probe. Defaults to 15s.
	ProbeTimeout time.Duration
}

// Store is the durable tenant configuration and daily link record.
//
// All reads and writes happen inside one mutex; a write replaces the whole
// document in storage before the in-memory copy is swapped.
type Store struct {
	log     logx.Logger
	backend storage.Store
	checker transport.DestinationChecker
	detach  Detacher
	probeTO time.Duration

	mu  sync.Mutex
	doc document

	probing sync.Map // tenantID -> struct{}
	warned  sync.Map // tenantID -> struct{}
}

// Open loads the config document. A malformed document is an error.
func Open(ctx context.Context, backend storage.Store, opt Options) (*Store, error) {
	if backend == nil {
		return nil, errors.New("configstore: storage is required")
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		log:     log,
		backend: backend,
		checker: opt.Checker,
		detach:  opt.Detach,
		probeTO: opt.ProbeTimeout,
	}
	if s.probeTO <= 0 {
		s.probeTO = 15 * time.Second
	}

	b, ok, err := backend.Load(ctx, DocumentName)
	if err != nil {
		return nil, fmt.Errorf("configstore: load: %w", err)
	}
	doc := document{}
	if ok && len(strings.TrimSpace(string(b))) > 0 {
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	for id, rec := range doc {
		if rec == nil {
			delete(doc, id)
		}
	}
	s.doc = doc
	return s, nil
}

// SetChecker attaches the destination checker once the transport exists.
func (s *Store) SetChecker(c transport.DestinationChecker) {
	s.mu.Lock()
	s.checker = c
	s.mu.Unlock()
}

// commit persists next and swaps it in. Caller holds s.mu.
func (s *Store) commit(ctx context.Context, next document) error {
	b, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return err
	}
	if err := s.backend.Save(ctx, DocumentName, b); err != nil {
		return fmt.Errorf("configstore: save: %w", err)
	}
	s.doc = next
	return nil
}

// Get returns the tenant's config by value.
//
// When the destination is not known to the transport, a detached probe checks
// whether it still exists and removes the config if it is gone.
func (s *Store) Get(ctx context.Context, tenantID string) (TenantConfig, bool, error) {
	_ = ctx
	s.mu.Lock()
	rec := s.doc[tenantID]
	checker := s.checker
	if rec == nil || rec.DailyConfig == nil {
		s.mu.Unlock()
		return TenantConfig{}, false, nil
	}
	cfg, legacy := fromRecord(rec.DailyConfig)
	s.mu.Unlock()

	if legacy {
		if _, dup := s.warned.LoadOrStore(tenantID, struct{}{}); !dup {
			s.log.Warn("tenant config uses legacy map_name without slug_name", logx.Tenant(tenantID), logx.String("map_name", cfg.MapSlug))
		}
	}
	if cfg.MapSlug == "" {
		return TenantConfig{}, false, nil
	}
	if checker != nil && !checker.Known(cfg.Destination) {
		s.probe(tenantID, cfg.Destination, checker)
	}
	return cfg, true, nil
}

func (s *Store) probe(tenantID string, dest transport.ChatTarget, checker transport.DestinationChecker) {
	if _, busy := s.probing.LoadOrStore(tenantID, struct{}{}); busy {
		return
	}
	fn := func(ctx context.Context) error {
		defer s.probing.Delete(tenantID)
		exists, err := checker.Exists(ctx, dest)
		if err != nil {
			return fmt.Errorf("probe %s: %w", dest, err)
		}
		if exists {
			return nil
		}
		return s.dropIfDestination(ctx, tenantID, dest)
	}
	if s.detach != nil {
		s.detach.Detach("configstore.probe", s.probeTO, fn)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.probeTO)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Warn("destination probe failed", logx.Tenant(tenantID), logx.Err(err))
		}
	}()
}

// dropIfDestination clears the tenant's config when it still points at dest.
func (s *Store) dropIfDestination(ctx context.Context, tenantID string, dest transport.ChatTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.doc[tenantID]
	if rec == nil || rec.DailyConfig == nil {
		return nil
	}
	if rec.DailyConfig.Channel != dest.ChatID || rec.DailyConfig.ThreadID != dest.ThreadID {
		return nil
	}
	next := s.doc.clone()
	next[tenantID].DailyConfig = nil
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	s.log.Info("destination gone, daily config removed", logx.Tenant(tenantID), logx.Target("destination", dest))
	return nil
}

// Set overwrites the tenant's config and resets its daily links. A nil cfg
// clears the config and keeps the link history.
func (s *Store) Set(ctx context.Context, tenantID string, cfg *TenantConfig) error {
	if tenantID == "" {
		return errors.Join(ErrInvalidConfig, errors.New("tenant id is required"))
	}
	if cfg != nil {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc.clone()
	rec := next[tenantID]
	if rec == nil {
		if cfg == nil {
			return nil
		}
		rec = &tenantRecord{}
		next[tenantID] = rec
	}
	if cfg == nil {
		rec.DailyConfig = nil
	} else {
		rec.DailyConfig = toRecord(*cfg)
		rec.DailyLinks = map[string]string{}
	}
	s.warned.Delete(tenantID)
	return s.commit(ctx, next)
}

// GetLink returns the token recorded for tenant on date.
func (s *Store) GetLink(ctx context.Context, tenantID, date string) (string, bool, error) {
	_ = ctx
	if !ValidDate(date) {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.doc[tenantID]
	if rec == nil {
		return "", false, nil
	}
	tok, ok := rec.DailyLinks[date]
	return tok, ok, nil
}

// PutLink records token for tenant on date. Other dates are untouched.
func (s *Store) PutLink(ctx context.Context, tenantID, date, token string) error {
	if tenantID == "" {
		return errors.Join(ErrInvalidConfig, errors.New("tenant id is required"))
	}
	if !ValidDate(date) {
		return fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	if token == "" {
		return errors.New("configstore: empty token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc.clone()
	rec := next[tenantID]
	if rec == nil {
		rec = &tenantRecord{}
		next[tenantID] = rec
	}
	if rec.DailyLinks == nil {
		rec.DailyLinks = map[string]string{}
	}
	rec.DailyLinks[date] = token
	return s.commit(ctx, next)
}

// Links returns a copy of the tenant's date -> token record.
func (s *Store) Links(ctx context.Context, tenantID string) (map[string]string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.doc[tenantID]
	if rec == nil || rec.DailyLinks == nil {
		return map[string]string{}, nil
	}
	return maps.Clone(rec.DailyLinks), nil
}

// Tenants returns a snapshot of every tenant, sorted by ID.
func (s *Store) Tenants(ctx context.Context) ([]TenantState, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TenantState, 0, len(s.doc))
	for id, rec := range s.doc {
		st := TenantState{ID: id, Links: maps.Clone(rec.DailyLinks)}
		if st.Links == nil {
			st.Links = map[string]string{}
		}
		if rec.DailyConfig != nil {
			st.Config, _ = fromRecord(rec.DailyConfig)
			st.Configured = st.Config.MapSlug != ""
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
