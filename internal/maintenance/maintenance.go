// Package maintenance runs the periodic housekeeping jobs on cron
// schedules: snapshot eviction and audit journal pruning.
package maintenance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"batchmon/internal/clock"
	logx "batchmon/pkg/logx"
)

const (
	JobEvict = "evict"
	JobPrune = "prune"
)

type Config struct {
	Enabled  bool
	Timezone string
	// Standard 5-field cron specs or descriptors ("@hourly", "@every 5m").
	// Empty disables the job.
	EvictSchedule string
	PruneSchedule string

	EntityTTL time.Duration
	Retention time.Duration
}

// Evictor drops idle snapshot state.
type Evictor interface {
	Evict(ttl time.Duration) (snapshots, streams int)
}

// Pruner deletes journal entries older than before.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int, error)
}

// JobStats is the diagnostics view of one job.
type JobStats struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Runs     uint64    `json:"runs"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
	LastErr  string    `json:"last_err,omitempty"`
	Removed  int       `json:"removed"`
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	clock clock.Clock

	evict Evictor
	prune Pruner

	parser cron.Parser
	c      *cron.Cron
	ids    map[string]cron.EntryID
	stats  map[string]*JobStats
}

type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// New builds the service; prune may be nil when the journal is disabled.
func New(cfg Config, evict Evictor, prune Pruner, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "maintenance")),
		evict:  evict,
		prune:  prune,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		ids:    map[string]cron.EntryID{},
		stats:  map[string]*JobStats{},
	}
	for _, o := range opts {
		o(s)
	}
	s.clock = clock.OrReal(s.clock)
	return s
}

// Start registers the configured jobs and starts triggering. Calling it
// again while running is a no-op.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.cfg.Enabled {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("maintenance timezone: %w", err)
		}
		loc = l
	}
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	jobs := []struct {
		name, spec string
		ok         bool
	}{
		{JobEvict, s.cfg.EvictSchedule, s.evict != nil && s.cfg.EntityTTL > 0},
		{JobPrune, s.cfg.PruneSchedule, s.prune != nil && s.cfg.Retention > 0},
	}
	ids := map[string]cron.EntryID{}
	for _, j := range jobs {
		spec := strings.TrimSpace(j.spec)
		if spec == "" || !j.ok {
			continue
		}
		name := j.name
		id, err := c.AddFunc(spec, func() { s.run(name) })
		if err != nil {
			return fmt.Errorf("maintenance %s schedule %q: %w", name, spec, err)
		}
		ids[name] = id
		s.statsLocked(name).Schedule = spec
	}
	s.c, s.ids = c, ids
	c.Start()
	s.log.Info("maintenance started", logx.Int("jobs", len(ids)), logx.String("tz", loc.String()))
	return nil
}

// Stop halts triggering and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.ids = map[string]cron.EntryID{}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply swaps the config and re-registers jobs when they changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if running && (!cfg.Enabled || prev.Timezone != cfg.Timezone ||
		prev.EvictSchedule != cfg.EvictSchedule || prev.PruneSchedule != cfg.PruneSchedule ||
		(prev.EntityTTL > 0) != (cfg.EntityTTL > 0) || (prev.Retention > 0) != (cfg.Retention > 0)) {
		s.Stop(ctx)
		running = false
	}
	if !running {
		return s.Start()
	}
	return nil
}

// RunNow executes a job synchronously outside its schedule.
func (s *Service) RunNow(name string) error {
	switch name {
	case JobEvict, JobPrune:
		s.run(name)
		s.mu.Lock()
		defer s.mu.Unlock()
		if e := s.statsLocked(name).LastErr; e != "" {
			return fmt.Errorf("%s: %s", name, e)
		}
		return nil
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Service) run(name string) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := s.clock.Now()
	var (
		removed int
		err     error
	)
	switch name {
	case JobEvict:
		if s.evict == nil {
			return
		}
		snaps, streams := s.evict.Evict(cfg.EntityTTL)
		removed = snaps
		s.log.Debug("evicted idle snapshots", logx.Int("snapshots", snaps), logx.Int("streams", streams), logx.Duration("ttl", cfg.EntityTTL))
	case JobPrune:
		if s.prune == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		removed, err = s.prune.Prune(ctx, start.Add(-cfg.Retention))
		cancel()
		if err != nil {
			s.log.Warn("audit prune failed", logx.Err(err))
		} else if removed > 0 {
			s.log.Info("audit pruned", logx.Int("removed", removed), logx.Duration("retention", cfg.Retention))
		}
	}

	s.mu.Lock()
	st := s.statsLocked(name)
	st.Runs++
	st.LastRun = start
	st.Removed = removed
	st.LastErr = ""
	if err != nil {
		st.LastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Service) statsLocked(name string) *JobStats {
	st := s.stats[name]
	if st == nil {
		st = &JobStats{Name: name}
		s.stats[name] = st
	}
	return st
}

// Stats lists every job seen so far, sorted by name.
func (s *Service) Stats() []JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStats, 0, len(s.stats))
	for name, st := range s.stats {
		cp := *st
		if s.c != nil {
			if id, ok := s.ids[name]; ok {
				cp.NextRun = s.c.Entry(id).Next
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's own logging (recovered panics, skipped runs).
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
