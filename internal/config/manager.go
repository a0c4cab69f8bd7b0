package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/zeebo/xxh3"

	logx "batchmon/pkg/logx"
)

// Manager loads the config file, applies overlays (environment, flags) and
// hot-reloads on change.
type Manager struct {
	path string

	mu       sync.RWMutex
	cfg      *Config
	lastHash uint64

	subsMu sync.Mutex
	subs   []chan *Config

	log      logx.Logger
	overlays []func(*Config)
	validate func(*Config) error
	debounce time.Duration
}

func NewManager(path string) *Manager {
	return &Manager{path: path, validate: Validate, debounce: 250 * time.Millisecond}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// AddOverlay registers fn to run on every parsed config, in registration
// order. Env and flag overrides are overlays so they survive reloads.
func (m *Manager) AddOverlay(fn func(*Config)) { m.overlays = append(m.overlays, fn) }

// SetValidator replaces the default Validate hook.
func (m *Manager) SetValidator(fn func(*Config) error) { m.validate = fn }

// Parse reads, converts, strictly decodes and overlays the file without
// committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toJSON(m.path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(m.path), err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: trailing data after config object", filepath.Base(m.path))
	}
	for _, fn := range m.overlays {
		fn(&cfg)
	}
	return &cfg, nil
}

// Load parses, validates and commits.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if m.validate != nil {
		if err := m.validate(cfg); err != nil {
			return nil, err
		}
	}
	m.commit(cfg, Hash(cfg))
	return cfg, nil
}

func (m *Manager) commit(cfg *Config, h uint64) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = h
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Hash fingerprints the effective config.
func Hash(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return xxh3.Hash(b)
}

// Subscribe returns a channel receiving every committed reload. A slow
// subscriber only ever misses intermediate configs, never the latest.
func (m *Manager) Subscribe(buffer int) <-chan *Config {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for {
			select {
			case ch <- cfg:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Reload re-reads the file and publishes it when its effective content
// changed and it validates. It reports whether a new config was published.
func (m *Manager) Reload() (bool, error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	h := Hash(cfg)
	m.mu.RLock()
	same := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if same {
		return false, nil
	}
	if m.validate != nil {
		if err := m.validate(cfg); err != nil {
			return false, err
		}
	}
	m.commit(cfg, h)
	m.publish(cfg)
	return true, nil
}

// Watch reloads on file changes until ctx is done. A broken watcher is
// recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	log := m.log
	if log.IsZero() {
		log = logx.Nop()
	}
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	schedule := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(m.debounce, func() {
			changed, err := m.Reload()
			switch {
			case err != nil:
				log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
			case changed:
				log.Debug("config reloaded", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%016x", Hash(m.Get()))))
			}
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	const (
		minBackoff = 250 * time.Millisecond
		maxBackoff = 5 * time.Second
	)
	backoff := minBackoff
	sleep := func() bool {
		wait := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, maxBackoff)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
			return true
		}
	}

	for ctx.Err() == nil {
		w, err := fsnotify.NewWatcher()
		if err == nil {
			if err = w.Add(dir); err != nil {
				_ = w.Close()
			}
		}
		if err != nil {
			log.Warn("config watch setup failed", logx.String("dir", dir), logx.Err(err))
			if !sleep() {
				return nil
			}
			continue
		}
		backoff = minBackoff
		log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", file))

		m.watchLoop(ctx, w, file, schedule, log)
		_ = w.Close()
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("config watcher stopped; restarting", logx.String("dir", dir))
		if !sleep() {
			return nil
		}
	}
	return nil
}

// watchLoop returns when ctx is done or the watcher breaks.
func (m *Manager) watchLoop(ctx context.Context, w *fsnotify.Watcher, file string, schedule func(), log logx.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			// editors replace files by rename, so compare basenames only
			if strings.EqualFold(filepath.Base(ev.Name), file) &&
				ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Chmod) != 0 {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				log.Warn("config watch overflow; forcing reload")
				schedule()
				continue
			}
			log.Warn("config watch error", logx.Err(err))
		}
	}
}
