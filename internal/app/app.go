// Package app wires the RIjantuby AI subsystems into a running server.
//
// The App struct owns the full lifecycle: New builds the providers, their
// circuit breakers, the health probes and the browser bridge; Run serves
// HTTP until its context is cancelled; Shutdown releases everything else.
//
// For testing, inject a registry of mock providers via [WithRegistry] and a
// listener via [WithListener]. When an option is not provided, New uses the
// built-in providers and listens on the configured address.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rijantuby/rijantuby/internal/config"
	"github.com/rijantuby/rijantuby/internal/health"
	"github.com/rijantuby/rijantuby/internal/observe"
	"github.com/rijantuby/rijantuby/internal/resilience"
	"github.com/rijantuby/rijantuby/internal/web"
	chatprovider "github.com/rijantuby/rijantuby/pkg/provider/chat"
	"github.com/rijantuby/rijantuby/pkg/provider/realtime"
)

// DefaultShutdownTimeout bounds graceful shutdown when the configuration
// leaves it unset.
const DefaultShutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	reg *config.Registry
	log *slog.Logger

	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener
	configPath     string
	watchInterval  time.Duration

	chat     chatprovider.Provider
	realtime realtime.Provider
	health   *health.Handler
	settings atomic.Pointer[web.Settings]
	server   *http.Server
	watcher  *config.Watcher

	// stopWatch ends the watcher's poll loop; watchDone closes when it has.
	stopWatch context.CancelFunc
	watchDone chan struct{}

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry uses reg instead of a registry of the built-in providers.
func WithRegistry(reg *config.Registry) Option {
	return func(a *App) { a.reg = reg }
}

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar hands the app the level of the active log handler so that a
// config reload can change verbosity.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetrics sets the metric instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener serves on ln instead of listening on the configured address.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch polls the config file at path and applies hot-reloadable
// changes. A zero interval selects the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithCloser registers fn to run during Shutdown after the HTTP server has
// stopped, e.g. flushing telemetry.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Providers that cannot be built do not fail
// New: conversations report them to the user and /readyz reports them to
// the operator.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterBuiltinProviders(a.reg)
	}

	// ── 1. Providers behind circuit breakers ─────────────────────────────
	checkers := a.initChat()
	checkers = append(checkers, a.initRealtime()...)
	a.health = health.New(checkers...)

	// ── 2. Per-session settings ──────────────────────────────────────────
	set := settingsFrom(cfg)
	a.settings.Store(&set)

	// ── 3. Browser bridge ────────────────────────────────────────────────
	srv := web.NewServer(a.chat, a.realtime,
		web.WithSettings(a.Settings),
		web.WithLogger(a.log),
		web.WithMetrics(a.metrics),
		web.WithHealth(a.health),
		web.WithMetricsHandler(a.metricsHandler),
	)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Websocket handlers hold hijacked connections that Shutdown does not
	// track; cancelling their base context ends them.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	a.server.BaseContext = func(net.Listener) context.Context { return baseCtx }
	a.server.RegisterOnShutdown(cancelBase)

	// ── 4. Config hot reload ─────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath,
			func(c config.Change) { a.apply(c.Diff, c.New) },
			config.WithInterval(a.watchInterval),
			config.WithWatchLogger(a.log),
			config.WithErrorHandler(func(error) {
				a.metrics.RecordError(context.Background(), "config", "invalid_config")
			}),
		)
		if err != nil {
			cancelBase()
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		watchCtx, stopWatch := context.WithCancel(context.Background())
		a.stopWatch, a.watchDone = stopWatch, make(chan struct{})
		go func() {
			defer close(a.watchDone)
			_ = w.Run(watchCtx)
		}()
	}

	return a, nil
}

func (a *App) initChat() []health.Checker {
	p, err := buildChat(a.reg, a.cfg.Providers.Chat)
	if err != nil {
		a.log.Warn("chat provider unavailable", "err", err)
	} else {
		a.log.Info("provider created", "kind", "chat", "name", a.cfg.Providers.Chat.Name)
	}
	cbCfg := breakerConfig("chat", a.cfg.Resilience)
	cbCfg.Logger = a.log
	cb := resilience.NewCircuitBreaker(cbCfg)
	a.chat = resilience.GuardChat(p, cb)
	return []health.Checker{
		health.Configured("chat_provider", err),
		health.Breaker("chat_breaker", cb.Open),
	}
}

func (a *App) initRealtime() []health.Checker {
	primary := a.cfg.Providers.Realtime
	p, err := buildRealtime(a.reg, primary)
	if err != nil {
		a.log.Warn("realtime provider unavailable", "err", err)
	} else {
		a.log.Info("provider created", "kind", "realtime", "name", primary.Name)
	}
	cbCfg := breakerConfig("realtime", a.cfg.Resilience)
	cbCfg.Logger = a.log

	if len(a.cfg.Providers.RealtimeFallbacks) == 0 {
		cb := resilience.NewCircuitBreaker(cbCfg)
		a.realtime = resilience.GuardRealtime(p, cb)
		return []health.Checker{
			health.Configured("realtime_provider", err),
			health.Breaker("realtime_breaker", cb.Open),
		}
	}

	fb := resilience.NewRealtimeFallback(p, entryLabel(primary), resilience.FallbackConfig{CircuitBreaker: cbCfg})
	for _, entry := range a.cfg.Providers.RealtimeFallbacks {
		fp, ferr := buildRealtime(a.reg, entry)
		if ferr != nil {
			a.log.Warn("realtime fallback unavailable", "err", ferr)
			continue
		}
		fb.AddFallback(entryLabel(entry), fp)
	}
	a.log.Info("realtime failover order", "providers", strings.Join(fb.Names(), ","))
	a.realtime = fb
	return []health.Checker{
		health.Configured("realtime_provider", err),
		health.Breaker("realtime_breaker", fb.Open),
	}
}

// entryLabel names a provider entry in logs and breaker labels.
func entryLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

func settingsFrom(cfg *config.Config) web.Settings {
	return web.Settings{
		ChatInstruction:   cfg.Assistant.ChatInstruction,
		ChatModel:         cfg.Providers.Chat.Model,
		VoiceInstruction:  cfg.Assistant.VoiceInstruction,
		Voice:             cfg.Assistant.Voice,
		CaptureQueueDepth: cfg.Voice.QueueDepth,
	}
}

// Settings returns the settings applied to connections opened now.
func (a *App) Settings() web.Settings {
	return *a.settings.Load()
}

// Handler returns the HTTP handler serving the UI, websockets and probes.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable differences between old and new: the
// log level and the assistant persona. Everything else is logged as needing
// a restart. Sessions already open keep their settings.
func (a *App) Reload(old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	a.apply(d, new)
	return d
}

func (a *App) apply(d config.ConfigDiff, new *config.Config) {
	if d.LogLevelChanged {
		if a.level != nil {
			a.level.Set(d.NewLogLevel.SlogLevel())
		}
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AssistantChanged {
		set := a.Settings()
		set.ChatInstruction = new.Assistant.ChatInstruction
		set.VoiceInstruction = new.Assistant.VoiceInstruction
		set.Voice = new.Assistant.Voice
		a.settings.Store(&set)
		a.log.Info("assistant settings reloaded")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart", "sections", strings.Join(d.RestartRequired, ","))
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// A cancelled context drains the server within the configured shutdown
// timeout and returns nil.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server listening", "addr", a.addr(), "tls", a.cfg.Server.TLS != nil)
		if err := a.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			return fmt.Errorf("app: http shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func (a *App) serve() error {
	tls := a.cfg.Server.TLS
	switch {
	case a.listener != nil && tls != nil:
		return a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
	case a.listener != nil:
		return a.server.Serve(a.listener)
	case tls != nil:
		return a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	default:
		return a.server.ListenAndServe()
	}
}

func (a *App) addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return DefaultShutdownTimeout
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the config watcher and the HTTP server, then runs the
// registered closers in order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.stopWatch != nil {
			a.stopWatch()
			<-a.watchDone
		}
		if err := a.server.Shutdown(ctx); err != nil {
			a.log.Warn("http shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
