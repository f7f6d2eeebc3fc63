package storage

import (
	"errors"
	"regexp"
	"time"
)

var (
	ErrClosed      = errors.New("storage closed")
	ErrInvalidName = errors.New("invalid document name")
)

// Config configures storage.
//
// Driver values:
//   - "file": Path is a directory holding one JSON file per document
//   - "sqlite": Path is the database file
//   - "memory": Path is ignored
//
// An empty Driver means "file".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action (setup, cancel, credential change).
type AuditEntry struct {
	At            time.Time `json:"at"`
	ActorID       int64     `json:"actor_id"`
	ActorUsername string    `json:"actor_username,omitempty"`
	ChatID        int64     `json:"chat_id"`
	Action        string    `json:"action"`
	Target        string    `json:"target"`
	Error         string    `json:"error,omitempty"`
}

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

// ValidName reports whether name can be used as a document name.
func ValidName(name string) bool { return nameRe.MatchString(name) }
