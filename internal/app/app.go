// Package app wires the process: config with hot reload, logging, the
// broadcast engine, its listeners and ingest paths, the audit journal,
// the admin server and maintenance jobs, all under one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"batchmon/internal/config"
	"batchmon/internal/eventbus"
	"batchmon/internal/ingest"
	"batchmon/internal/maintenance"
	"batchmon/internal/metrics"
	"batchmon/internal/monitor"
	"batchmon/internal/observability/admin"
	rtsup "batchmon/internal/runtime/supervisor"
	"batchmon/internal/storage"
	"batchmon/internal/transport/ws"
	logx "batchmon/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	prom  *prometheus.Registry

	engine *monitor.Engine
	nats   *ingest.NATSSubscriber
	admin  *admin.Service
	maint  *maintenance.Service

	mux     *http.ServeMux
	httpSrv *http.Server

	mu        sync.Mutex
	ln        net.Listener
	startedAt time.Time
}

// New loads the config at cfgPath with environment overrides and the given
// overlays (command-line flags) applied on every load.
func New(cfgPath string, overlays ...func(*config.Config)) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.AddOverlay(config.EnvOverlay(nil))
	for _, o := range overlays {
		cfgm.AddOverlay(o)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	var store storage.Store
	if sc, _, enabled := mapStorageConfig(cfg); enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, fmt.Errorf("open audit store: %w", err)
		}
		store = st
		log.Info("audit journal enabled", logx.String("driver", sc.Driver))
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := monitor.New(mapEngineConfig(cfg),
		monitor.WithLogger(log.With(logx.String("comp", "engine"))),
		monitor.WithMetrics(metrics.NewPrometheus(prom, "batchmon")),
		monitor.WithBus(bus),
	)

	auth, err := ws.NewAuthenticator(mapAuthConfig(cfg))
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		prom:   prom,
		engine: engine,
		mux:    http.NewServeMux(),
	}

	wsPath := cfg.Server.WSPath
	if wsPath == "" {
		wsPath = "/ws"
	}
	a.mux.Handle(wsPath, ws.NewHandler(mapWSConfig(cfg), engine, auth, log.With(logx.String("comp", "ws"))))
	if cfg.Ingest.HTTP.Enabled {
		ingest.NewHTTPHandler(mapIngestHTTPConfig(cfg), engine, log.With(logx.String("comp", "ingest.http"))).Register(a.mux)
	}
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           a.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.Ingest.NATS.Enabled {
		a.nats = ingest.NewNATSSubscriber(mapNATSConfig(cfg), engine, log.With(logx.String("comp", "ingest.nats")))
	}

	src := admin.Sources{Gatherer: prom, Ready: a.ready, State: func() any { return a.State() }}
	var pruner maintenance.Pruner
	if store != nil {
		src.Audit = store.List
		pruner = store
	}
	a.admin = admin.New(mapAdminConfig(cfg), src, log)
	a.maint = maintenance.New(mapMaintenanceConfig(cfg), engine, pruner, log)
	return a, nil
}

// Engine exposes the broadcast engine for in-process producers.
func (a *App) Engine() *monitor.Engine { return a.engine }

// Addr is the bound public listen address, empty before Start.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) ready() error {
	if !a.engine.Ready() {
		return errors.New("snapshot store unavailable")
	}
	if a.Addr() == "" {
		return errors.New("public listener not serving")
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.startedAt = time.Now()

	// bind synchronously so a taken port fails Start
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.Addr, err)
	}
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()

	a.sup.Go("engine", a.engine.Run)
	a.sup.Go("http.public", func(c context.Context) error {
		a.log.Info("public listener started", logx.String("addr", ln.Addr().String()), logx.String("ws_path", cfg.Server.WSPath))
		err := a.httpSrv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if a.store != nil {
		rec := storage.NewRecorder(a.store, a.log.With(logx.String("comp", "audit")))
		a.sup.Go("audit.recorder", func(c context.Context) error { return rec.Run(c, a.bus) })
	}
	a.sup.Go("eventbus.log", a.logEvents)

	if a.nats != nil {
		a.sup.GoRestart("ingest.nats", a.nats.Run, rtsup.Backoff{Min: time.Second, Max: 30 * time.Second})
	}

	a.admin.Start(a.sup.Context())
	if err := a.maint.Start(); err != nil {
		return err
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if cfg.Systemd.Notify {
		sdNotify(a.log, daemon.SdNotifyReady)
		if cfg.Systemd.Watchdog {
			a.sup.Go("systemd.watchdog", func(c context.Context) error {
				return watchdogLoop(c, a.log, a.engine.Ready)
			})
		}
	}

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// logEvents keeps a debug trail of bus traffic.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// coalesce bursts
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					newCfg = newer
				default:
					drained = true
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogConfig(next))
	a.engine.Apply(mapEngineConfig(next))
	a.admin.Reconfigure(ctx, mapAdminConfig(next))
	if err := a.maint.Apply(ctx, mapMaintenanceConfig(next)); err != nil {
		a.log.Warn("maintenance config rejected", logx.Err(err))
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: map[string]any{
		"changed": sections,
		"hash":    fmt.Sprintf("%016x", config.Hash(next)),
	}})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if cfg := a.cfgm.Get(); cfg != nil && cfg.Systemd.Notify {
		sdNotify(a.log, daemon.SdNotifyStopping)
	}

	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// sessions first: hijacked connections are invisible to http.Server.Shutdown
	step("sessions", 3*time.Second, func(context.Context) error { a.engine.Shutdown(); return nil })
	step("http", 3*time.Second, a.httpSrv.Shutdown)
	a.sup.Cancel()
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("admin", 2*time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.startedAt)))
	return a.logs.Close()
}
