package storage

import (
	"context"
	"fmt"
	"sync"
)

// Memory is a process-local Store.
type Memory struct {
	mu    sync.Mutex
	docs  map[string][]byte
	audit []AuditEntry
	saves int
}

func NewMemory() *Memory {
	return &Memory{docs: map[string][]byte{}}
}

func (m *Memory) Load(ctx context.Context, name string) ([]byte, bool, error) {
	_ = ctx
	if !ValidName(name) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.docs[name]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (m *Memory) Save(ctx context.Context, name string, body []byte) error {
	_ = ctx
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	m.mu.Lock()
	m.docs[name] = append([]byte(nil), body...)
	m.saves++
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	m.mu.Lock()
	m.audit = append(m.audit, e)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Saves reports how many times Save succeeded.
func (m *Memory) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Audit returns a copy of the audit entries appended so far.
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}
