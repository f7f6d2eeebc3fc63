package storage

import (
	"context"
	"errors"
	"strings"

	logx "geodaily/pkg/logx"
)

// Store is the persistence API used by the config store and credential manager.
//
// Load returns (nil, false, nil) for a document that was never saved.
// Save replaces the whole document; readers never observe a partial write.
type Store interface {
	Load(ctx context.Context, name string) ([]byte, bool, error)
	Save(ctx context.Context, name string, body []byte) error
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
