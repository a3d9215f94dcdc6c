package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/mesmer/internal/callstore"
	"github.com/MrWong99/mesmer/internal/config"
	"github.com/MrWong99/mesmer/internal/engine"
	"github.com/MrWong99/mesmer/internal/observe"
	"github.com/MrWong99/mesmer/internal/session"
	"github.com/MrWong99/mesmer/pkg/mediastream"
)

// storeTimeout bounds each call record write.
const storeTimeout = 5 * time.Second

// reasonCapacity is the close reason sent when a stream is turned away.
const reasonCapacity = "capacity"

var (
	// ErrCapacity is returned by [Manager.Serve] and [Manager.Admit] when the
	// session limit is reached.
	ErrCapacity = errors.New("app: session capacity reached")

	// ErrShuttingDown is returned once [Manager.CloseAll] has been called.
	ErrShuttingDown = errors.New("app: shutting down")
)

// ManagerConfig holds the dependencies of a [Manager].
type ManagerConfig struct {
	// Factory creates one engine handle per stream. Required.
	Factory engine.Factory

	// EngineName labels engine fault metrics and logs.
	EngineName string

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	// Session tunes each session's outbound path.
	Session config.SessionConfig

	// Store receives call records. Nil disables records.
	Store callstore.Store

	// Metrics records telemetry. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Manager owns the registry of live sessions. It creates a session per
// transport, runs it to completion, and deregisters it afterwards.
// All exported methods are safe for concurrent use.
type Manager struct {
	factory    engine.Factory
	engineName string
	sessionCfg config.SessionConfig
	store      callstore.Store
	metrics    *observe.Metrics

	maxSessions atomic.Int64

	mu       sync.Mutex
	sessions map[string]*session.Session
	closing  bool
	drained  chan struct{} // closed whenever the registry is empty
}

// NewManager creates a Manager with the given dependencies.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		factory:    cfg.Factory,
		engineName: cfg.EngineName,
		sessionCfg: cfg.Session,
		store:      cfg.Store,
		metrics:    cfg.Metrics,
		sessions:   make(map[string]*session.Session),
		drained:    make(chan struct{}),
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	close(m.drained)
	m.maxSessions.Store(int64(cfg.MaxSessions))
	return m
}

// SetMaxSessions changes the session limit. Live sessions above a lowered
// limit are left alone; only new streams are refused.
func (m *Manager) SetMaxSessions(n int) { m.maxSessions.Store(int64(n)) }

// MaxSessions returns the current session limit; zero means unlimited.
func (m *Manager) MaxSessions() int { return int(m.maxSessions.Load()) }

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Admit reports whether a new stream would currently be accepted. The HTTP
// handler uses it to refuse an upgrade; [Manager.Serve] enforces the limit
// again atomically.
func (m *Manager) Admit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.admitLocked()
}

func (m *Manager) admitLocked() error {
	if m.closing {
		return ErrShuttingDown
	}
	if limit := m.MaxSessions(); limit > 0 && len(m.sessions) >= limit {
		return ErrCapacity
	}
	return nil
}

// Snapshot returns the state of every registered session, oldest first.
func (m *Manager) Snapshot() []session.Info {
	m.mu.Lock()
	out := make([]session.Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b session.Info) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ConnID, b.ConnID)
	})
	return out
}

// Serve runs one media stream over t until it stops, the transport
// disconnects, or ctx is cancelled. The session is always deregistered and the
// transport closed on return. A normal stop or disconnect returns nil; an
// engine fault is returned as an error. Serve returns [ErrCapacity] or
// [ErrShuttingDown] without reading from t when the stream is refused.
func (m *Manager) Serve(ctx context.Context, t session.Transport, callID string) error {
	connID := uuid.NewString()
	ctx, span := observe.StartCallSpan(ctx, callID, connID)
	defer span.End()
	log := observe.Logger(ctx).With("conn_id", connID, "call_id", callID)

	var began atomic.Bool
	sess := session.New(t, session.Config{
		ConnID:         connID,
		CallID:         callID,
		Factory:        m.factory,
		EngineName:     m.engineName,
		OutboundBuffer: m.sessionCfg.OutboundBuffer,
		EnqueueTimeout: m.sessionCfg.EnqueueTimeout,
		WriteTimeout:   m.sessionCfg.WriteTimeout,
		Metrics:        m.metrics,
		Logger:         observe.Logger(ctx),
		OnStart: func(ctx context.Context, st mediastream.Start) {
			span.SetAttributes(observe.AttrStreamSID.String(st.StreamSID))
			if m.begin(ctx, connID, callID, st) {
				began.Store(true)
			}
		},
	})

	if err := m.register(connID, sess); err != nil {
		_ = t.Close(reasonCapacity)
		span.SetStatus(codes.Error, err.Error())
		log.Info("stream refused", "err", err)
		return err
	}
	m.metrics.ActiveSessions.Add(ctx, 1)
	log.Info("session registered", "active", m.Count())

	defer func() {
		m.deregister(connID)
		m.metrics.ActiveSessions.Add(ctx, -1)
		if began.Load() {
			m.complete(ctx, sess)
		}
	}()

	if err := sess.Run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("app: serve call %s: %w", callID, err)
	}
	span.SetAttributes(observe.AttrReason.String(sess.Reason()))
	return nil
}

// CloseAll stops accepting streams and closes every live session with reason.
// It returns once every session has finished teardown.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	m.closing = true
	live := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range live {
		wg.Go(func() { s.Close(reason) })
	}
	wg.Wait()
}

// Wait blocks until every session has deregistered or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		if len(m.sessions) == 0 {
			m.mu.Unlock()
			return nil
		}
		drained := m.drained
		m.mu.Unlock()

		select {
		case <-drained:
		case <-ctx.Done():
			return fmt.Errorf("app: wait for sessions: %w", ctx.Err())
		}
	}
}

func (m *Manager) register(connID string, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admitLocked(); err != nil {
		return err
	}
	if len(m.sessions) == 0 {
		m.drained = make(chan struct{})
	}
	m.sessions[connID] = s
	return nil
}

func (m *Manager) deregister(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[connID]; !ok {
		return
	}
	delete(m.sessions, connID)
	if len(m.sessions) == 0 {
		close(m.drained)
	}
}

// begin writes the call record for a started stream. Store failures are
// logged and never affect the call.
func (m *Manager) begin(ctx context.Context, connID, callID string, st mediastream.Start) bool {
	if m.store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	err := m.store.Begin(ctx, callstore.Record{
		ConnID:     connID,
		CallID:     callID,
		StreamSID:  st.StreamSID,
		CallSID:    st.CallSID,
		AccountSID: st.AccountSID,
		Encoding:   st.MediaFormat.Encoding,
		SampleRate: st.MediaFormat.SampleRate,
		StartedAt:  time.Now().UTC(),
	})
	if err != nil {
		observe.Logger(ctx).Warn("call record not written", "conn_id", connID, "err", err)
		return false
	}
	return true
}

func (m *Manager) complete(ctx context.Context, s *session.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	info := s.Info()
	err := m.store.Complete(ctx, info.ConnID, callstore.Completion{
		EndedAt:          time.Now().UTC(),
		EndReason:        s.Reason(),
		MediaFrames:      info.MediaFrames,
		DecodeErrors:     info.DecodeErrors,
		OutboundMessages: info.OutboundMessages,
	})
	if err != nil {
		observe.Logger(ctx).Warn("call record not completed", "conn_id", info.ConnID, "err", err)
	}
}
