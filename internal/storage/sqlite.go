package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "batchmon/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("audit store opened", logx.String("driver", "sqlite"), logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Append(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, kind, session_id, user_id, topic, detail, meta) VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixNano(), e.Kind, nullStr(e.SessionID), nullStr(e.UserID), nullStr(e.Topic), nullStr(e.Detail), nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) List(ctx context.Context, q Query) ([]AuditEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var since int64
	if !q.Since.IsZero() {
		since = q.Since.UnixNano()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, kind, session_id, user_id, topic, detail, meta FROM (
		   SELECT id, at, kind, session_id, user_id, topic, detail, meta FROM audit
		   WHERE at >= ? AND (? = '' OR kind = ?)
		   ORDER BY at DESC, id DESC LIMIT ?
		 ) ORDER BY at ASC, id ASC`,
		since, q.Kind, q.Kind, q.limit(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			at                                    int64
			kind                                  string
			session, user, topic, detail, metaVal sql.NullString
		)
		if err := rows.Scan(&at, &kind, &session, &user, &topic, &detail, &metaVal); err != nil {
			return nil, err
		}
		out = append(out, AuditEntry{
			At:        time.Unix(0, at),
			Kind:      kind,
			SessionID: session.String,
			UserID:    user.String,
			Topic:     topic.String,
			Detail:    detail.String,
			MetaJSON:  metaVal.String,
		})
	}
	return out, rows.Err()
}

func (s *sqliteStore) Prune(ctx context.Context, before time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit WHERE at < ?`, before.UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
