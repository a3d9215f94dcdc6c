// Package app wires the mesmer subsystems into a running media-stream bridge.
//
// The App owns the full lifecycle: New assembles the connection manager,
// health checks and HTTP routes, Serve accepts provider WebSocket connections
// until its context ends, and the shutdown path drains live calls before
// releasing resources.
//
// For testing, inject doubles via functional options (WithStore, WithMetrics,
// etc.). When an option is not provided, New falls back to in-memory or
// package-default implementations.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mesmer/internal/callstore"
	"github.com/MrWong99/mesmer/internal/config"
	"github.com/MrWong99/mesmer/internal/engine"
	"github.com/MrWong99/mesmer/internal/health"
	"github.com/MrWong99/mesmer/internal/observe"
	"github.com/MrWong99/mesmer/internal/resilience"
	"github.com/MrWong99/mesmer/internal/session"
	"github.com/MrWong99/mesmer/internal/transport/ws"
)

// Limits for the call record listing.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the bridge.
type App struct {
	cfg     *config.Config
	factory engine.Factory

	manager  *Manager
	health   *health.Handler
	store    callstore.Store
	metrics  *observe.Metrics
	breaker  *resilience.CircuitBreaker
	watcher  *config.Watcher
	levelVar *slog.LevelVar
	scrape   http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the call record store instead of an in-memory one.
func WithStore(s callstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects the metric instruments instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h as the Prometheus scrape endpoint at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithBreaker reports the engine's circuit breaker through /readyz.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *App) { a.breaker = cb }
}

// WithWatcher runs w alongside the server and stops it on shutdown. The
// watcher's change callback is expected to call [App.Reload].
func WithWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithLevelVar lets [App.Reload] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithCloser registers fn to run during Shutdown, after every call has been
// drained. Closers run in registration order.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App serving media streams with engines from factory.
func New(cfg *config.Config, factory engine.Factory, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if factory == nil {
		return nil, errors.New("app: engine factory is required")
	}
	a := &App{cfg: cfg, factory: factory}
	for _, o := range opts {
		o(a)
	}
	if a.store == nil {
		a.store = callstore.NewMemStore()
	}
	a.store = callstore.NewGuard(a.store, nil)
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.manager = NewManager(ManagerConfig{
		Factory:     factory,
		EngineName:  cfg.Engine.Name,
		MaxSessions: cfg.Session.MaxSessions,
		Session:     cfg.Session,
		Store:       a.store,
		Metrics:     a.metrics,
	})

	a.health = health.New(
		health.Capacity(a.manager.Count, a.manager.MaxSessions),
		health.Engine(cfg.Engine.Name, true, a.breaker),
		health.Ping("store", a.store.Ping),
	)
	return a, nil
}

// Manager returns the connection manager.
func (a *App) Manager() *Manager { return a.manager }

// ─── HTTP ────────────────────────────────────────────────────────────────────

// Handler returns the root HTTP handler: the media-stream route, health
// probes, the scrape endpoint and the read-only session and call listings,
// wrapped in panic recovery and request telemetry.
func (a *App) Handler() http.Handler {
	prefix := a.cfg.Server.RoutePrefix
	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.RoutePattern(), a.handleCall)
	mux.HandleFunc("GET "+prefix+"/sessions", a.handleSessions)
	mux.HandleFunc("GET "+prefix+"/calls", a.handleCalls)
	a.health.Register(mux)
	if a.scrape != nil {
		mux.Handle("GET /metrics", a.scrape)
	}
	return observe.Recover(observe.Middleware(a.metrics)(mux))
}

func (a *App) handleCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("call_id")
	log := observe.Logger(r.Context()).With("call_id", callID)

	if err := a.manager.Admit(); err != nil {
		log.Info("refusing media stream", "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	t, err := ws.Accept(w, r, ws.Options{
		OriginPatterns: a.cfg.Server.OriginPatterns,
		ReadLimit:      a.cfg.Session.ReadLimit,
	})
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}

	if err := a.manager.Serve(r.Context(), t, callID); err != nil {
		log.Warn("media stream ended with error", "err", err)
	}
}

type sessionView struct {
	ConnID           string    `json:"conn_id"`
	CallID           string    `json:"call_id"`
	StreamSID        string    `json:"stream_sid,omitempty"`
	State            string    `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	PendingMarks     int       `json:"pending_marks"`
	MediaFrames      int64     `json:"media_frames"`
	DecodeErrors     int64     `json:"decode_errors"`
	OutboundMessages int64     `json:"outbound_messages"`
}

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := a.manager.Snapshot()
	out := make([]sessionView, 0, len(infos))
	for _, in := range infos {
		out = append(out, sessionView{
			ConnID:           in.ConnID,
			CallID:           in.CallID,
			StreamSID:        in.StreamSID,
			State:            in.State.String(),
			StartedAt:        in.StartedAt.UTC(),
			PendingMarks:     in.PendingMarks,
			MediaFrames:      in.MediaFrames,
			DecodeErrors:     in.DecodeErrors,
			OutboundMessages: in.OutboundMessages,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleCalls(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxListLimit)
	}

	recs, err := a.store.List(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("list call records", "err", err)
		http.Error(w, "call records unavailable", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []callstore.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled.
// See [App.Serve].
func (a *App) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains: the
// readiness probe starts failing, the listener closes, every live call is
// closed with reason "shutdown", and the registered closers run. Serve returns
// nil after a clean drain.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("mesmer listening",
			"addr", ln.Addr().String(),
			"route", a.cfg.RoutePattern(),
			"engine", a.cfg.Engine.Name,
			"tls", a.cfg.Server.TLS != nil,
		)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return a.drain(context.WithoutCancel(ctx), srv)
	})

	return g.Wait()
}

func (a *App) drain(ctx context.Context, srv *http.Server) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	a.health.SetDraining(true)
	slog.Info("draining", "active_sessions", a.manager.Count())

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
	}
	a.manager.CloseAll(session.ReasonShutdown)
	if err := a.manager.Wait(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if err := a.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reload applies the hot-reloadable parts of a changed config: the log level
// and the session limit. Other changes are logged as requiring a restart.
// It is the intended [config.Watcher] callback.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		if a.levelVar != nil {
			a.levelVar.Set(d.NewLogLevel.Level())
		}
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.MaxSessionsChanged {
		a.manager.SetMaxSessions(d.NewMaxSessions)
		slog.Info("session limit changed", "max_sessions", d.NewMaxSessions)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "fields", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown runs the registered closers in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
