package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "batchmon/pkg/logx"
)

// fileStore keeps the journal as append-only JSON Lines at
// <dir>/<base>.audit.jsonl. Prune rewrites the file through a temp file.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := filepath.Join(dir, base) + ".audit.jsonl"
	f, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("audit store opened", logx.String("driver", "file"), logx.String("path", auditPath))
	return &fileStore{log: log, path: auditPath, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) Append(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.f).Encode(e)
}

func (s *fileStore) List(ctx context.Context, q Query) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil, ErrDisabled
	}
	var out []AuditEntry
	err := s.scanLocked(ctx, func(e AuditEntry) {
		if q.match(e) {
			out = append(out, e)
		}
	})
	if err != nil {
		return nil, err
	}
	if n := q.limit(); len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, ErrDisabled
	}

	var keep []AuditEntry
	dropped := 0
	err := s.scanLocked(ctx, func(e AuditEntry) {
		if e.At.Before(before) {
			dropped++
			return
		}
		keep = append(keep, e)
	})
	if err != nil || dropped == 0 {
		return 0, err
	}

	tmp := s.path + ".tmp"
	tf, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(tf)
	enc := json.NewEncoder(w)
	for _, e := range keep {
		if err := enc.Encode(e); err != nil {
			_ = tf.Close()
			return 0, err
		}
	}
	if err := w.Flush(); err != nil {
		_ = tf.Close()
		return 0, err
	}
	if err := tf.Close(); err != nil {
		return 0, err
	}

	_ = s.f.Close()
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		return 0, err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	s.f = f
	return dropped, nil
}

// scanLocked decodes every line; corrupt lines are skipped.
func (s *fileStore) scanLocked(ctx context.Context, fn func(AuditEntry)) error {
	rf, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	r := bufio.NewReader(rf)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			var e AuditEntry
			if json.Unmarshal(line, &e) == nil && e.Kind != "" {
				fn(e)
			} else {
				s.log.Debug("audit line skipped", logx.Int("bytes", len(line)))
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
