package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrStatusConflict = errors.New("status conflict")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path (default)
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	Source        string // bot | api
	Action        string
	Target        string
	OK            bool
	Error         string
	TookMS        int64
	MetaJSON      string
}
