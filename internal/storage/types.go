package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry is one journal record. Keep it compact and schema-stable.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Topic     string    `json:"topic,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	MetaJSON  string    `json:"meta,omitempty"`
}

// Query filters List. Zero fields match everything; results are oldest
// first and capped at Limit (default 100) counting from the newest.
type Query struct {
	Since time.Time
	Kind  string
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

func (q Query) match(e AuditEntry) bool {
	if !q.Since.IsZero() && e.At.Before(q.Since) {
		return false
	}
	return q.Kind == "" || q.Kind == e.Kind
}

// Store is the persistence API of the audit journal.
type Store interface {
	Append(ctx context.Context, e AuditEntry) error
	List(ctx context.Context, q Query) ([]AuditEntry, error)
	// Prune deletes entries older than before and reports how many.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}
