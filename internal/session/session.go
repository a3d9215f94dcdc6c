// Package session implements the per-connection state machine that bridges a
// telephony media stream to a conversational engine.
//
// A [Session] starts Idle when the provider connects. The first valid "start"
// frame binds the stream SID, creates an [engine.Handle] and moves the session
// to Active. Caller audio and mark acknowledgements then flow into the handle
// in wire order while the engine emits outbound messages from its own
// goroutines. A "stop" frame, a transport disconnect, an engine fault or an
// explicit [Session.Close] moves the session through Stopping to Closed; the
// teardown runs exactly once no matter how many of those race.
//
// Outbound messages are serialised by a single writer goroutine draining a
// bounded per-session queue, so frames never interleave on the wire and are
// written in the order the engine emitted them. Nothing is written once
// teardown has begun.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/mesmer/internal/engine"
	"github.com/MrWong99/mesmer/internal/observe"
	"github.com/MrWong99/mesmer/pkg/mediastream"
)

// Default session parameters.
const (
	defaultOutboundBuffer = 256
	defaultEnqueueTimeout = 2 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

// Close reasons reported to the transport, logs and metrics.
const (
	ReasonStop          = "stop"
	ReasonDisconnect    = "disconnect"
	ReasonEngineError   = "engine_error"
	ReasonEngineClosed  = "engine_closed"
	ReasonShutdown      = "shutdown"
	ReasonContextCancel = "context_canceled"
)

// ErrClosed is returned when an operation races with session teardown.
var ErrClosed = errors.New("session: closed")

// State is the lifecycle phase of a [Session].
type State int32

const (
	// StateIdle means the transport is accepted but no stream is bound.
	StateIdle State = iota
	// StateActive means the stream SID is bound and the engine is running.
	StateActive
	// StateStopping means teardown has begun.
	StateStopping
	// StateClosed is terminal; all resources are released.
	StateClosed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a [Session].
type Config struct {
	// ConnID uniquely identifies the transport connection.
	ConnID string

	// CallID is the call identifier taken from the request path.
	CallID string

	// Factory creates the engine handle once the stream starts. Required.
	Factory engine.Factory

	// EngineName labels engine fault metrics.
	EngineName string

	// OutboundBuffer is the capacity of the outbound queue. Defaults to 256
	// if zero.
	OutboundBuffer int

	// EnqueueTimeout bounds how long an engine emission waits for room in a
	// full queue before the message is dropped. Defaults to 2s if zero.
	EnqueueTimeout time.Duration

	// WriteTimeout bounds each transport write. Defaults to 5s if zero.
	WriteTimeout time.Duration

	// Metrics records session telemetry. Defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Defaults to [slog.Default].
	Logger *slog.Logger

	// OnStart is called after the engine accepted the stream. May be nil.
	OnStart func(ctx context.Context, start mediastream.Start)
}

// Info is a point-in-time view of a session.
type Info struct {
	ConnID       string
	CallID       string
	StreamSID    string
	State        State
	StartedAt    time.Time
	PendingMarks int

	MediaFrames      int64
	DecodeErrors     int64
	OutboundMessages int64
}

// Session is one media stream's state machine. Create it with [New] and drive
// it with [Session.Run].
//
// All methods are safe for concurrent use.
type Session struct {
	cfg       Config
	transport Transport
	metrics   *observe.Metrics
	log       *slog.Logger
	startedAt time.Time

	state atomic.Int32

	mediaFrames      atomic.Int64
	decodeErrors     atomic.Int64
	outboundMessages atomic.Int64

	mu            sync.Mutex
	streamSID     string
	handle        engine.Handle
	pending       []string
	reason        string
	writerStarted bool

	queue      chan mediastream.Outbound
	done       chan struct{} // closed when teardown begins
	writerDone chan struct{}
	closed     chan struct{} // closed when teardown completes
	closeOnce  sync.Once
}

// New creates an Idle session reading from and writing to t.
func New(t Transport, cfg Config) *Session {
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = defaultOutboundBuffer
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	m := cfg.Metrics
	if m == nil {
		m = observe.DefaultMetrics()
	}
	l := cfg.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Session{
		cfg:        cfg,
		transport:  t,
		metrics:    m,
		log:        l.With("conn_id", cfg.ConnID, "call_id", cfg.CallID),
		startedAt:  time.Now(),
		queue:      make(chan mediastream.Outbound, cfg.OutboundBuffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// StreamSID returns the bound stream SID, or "" while Idle.
func (s *Session) StreamSID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSID
}

// PendingMarks returns the names of marks written to the provider that have
// not been acknowledged yet, oldest first.
func (s *Session) PendingMarks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pending)
}

// Reason returns why the session closed, or "" while it is open.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done returns a channel that is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ConnID:       s.cfg.ConnID,
		CallID:       s.cfg.CallID,
		StreamSID:    s.streamSID,
		State:        s.State(),
		StartedAt:    s.startedAt,
		PendingMarks: len(s.pending),

		MediaFrames:      s.mediaFrames.Load(),
		DecodeErrors:     s.decodeErrors.Load(),
		OutboundMessages: s.outboundMessages.Load(),
	}
}

// Run starts the writer and processes inbound frames until the stream stops,
// the transport disconnects, the engine fails or ctx is cancelled. The session
// is Closed when Run returns. A normal stop or disconnect returns nil; an
// engine fault is returned as an error.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.State() >= StateStopping {
		s.mu.Unlock()
		<-s.closed
		return nil
	}
	s.writerStarted = true
	s.mu.Unlock()
	go s.writeLoop(ctx)

	reason := ReasonDisconnect
	var runErr error
	for {
		raw, err := s.transport.Read(ctx)
		if err != nil {
			switch {
			case s.State() >= StateStopping:
			case ctx.Err() != nil:
				reason = ReasonContextCancel
			default:
				s.log.Info("transport disconnected", "err", err)
			}
			break
		}
		stop, err := s.HandleFrame(ctx, raw)
		if err != nil {
			if !errors.Is(err, ErrClosed) {
				reason = ReasonEngineError
				runErr = err
			}
			break
		}
		if stop {
			reason = ReasonStop
			break
		}
	}

	s.Close(reason)
	return runErr
}

// HandleFrame decodes raw and dispatches it. Malformed frames are counted and
// dropped without affecting the session. It reports whether the stream
// stopped.
func (s *Session) HandleFrame(ctx context.Context, raw []byte) (bool, error) {
	ev, err := mediastream.Decode(raw)
	if err != nil {
		s.decodeErrors.Add(1)
		s.metrics.RecordDecodeError(ctx)
		s.log.Debug("session: dropping malformed frame", "err", err)
		return false, nil
	}
	return s.Dispatch(ctx, ev)
}

// Dispatch applies one decoded event to the state machine. It reports whether
// the stream stopped. A non-nil error is an engine fault and is fatal to the
// session.
func (s *Session) Dispatch(ctx context.Context, ev mediastream.Inbound) (bool, error) {
	if _, ok := ev.(mediastream.Unknown); ok {
		s.metrics.RecordInbound(ctx, "unknown")
	} else {
		s.metrics.RecordInbound(ctx, ev.EventName())
	}

	switch e := ev.(type) {
	case mediastream.Connected:
		s.log.Debug("provider connected", "protocol", e.Protocol, "version", e.Version)
		return false, nil

	case mediastream.Start:
		return false, s.start(ctx, e)

	case mediastream.Media:
		h := s.activeHandle()
		if h == nil {
			s.log.Debug("session: dropping media before start", "state", s.State())
			return false, nil
		}
		s.mediaFrames.Add(1)
		if err := h.SubmitAudio(e.Payload); err != nil {
			return false, s.engineFault(ctx, "submit audio", err)
		}
		return false, nil

	case mediastream.Mark:
		h := s.activeHandle()
		if h == nil {
			s.log.Debug("session: dropping mark before start", "mark", e.Name, "state", s.State())
			return false, nil
		}
		s.ackMark(e.Name)
		if err := h.SubmitMarkAck(e.Name); err != nil {
			return false, s.engineFault(ctx, "submit mark ack", err)
		}
		return false, nil

	case mediastream.Stop:
		if s.State() != StateActive {
			s.log.Debug("session: dropping stop while not active", "state", s.State())
			return false, nil
		}
		if sid := s.StreamSID(); sid != "" && e.StreamSID != "" && e.StreamSID != sid {
			s.log.Warn("session: stop for foreign stream", "stream_sid", sid, "stop_stream_sid", e.StreamSID)
		}
		s.log.Info("stream stopped by provider", "stream_sid", s.StreamSID())
		return true, nil

	case mediastream.Unknown:
		s.log.Debug("session: ignoring unknown event", "event", e.Event)
		return false, nil

	default:
		s.log.Debug("session: ignoring event", "event", ev.EventName())
		return false, nil
	}
}

func (s *Session) start(ctx context.Context, e mediastream.Start) error {
	if st := s.State(); st != StateIdle {
		s.log.Warn("session: ignoring duplicate start", "state", st, "stream_sid", e.StreamSID)
		return nil
	}

	h, err := s.cfg.Factory.Create(ctx, s.cfg.CallID, engine.Callbacks{
		OnOutbound: s.Emit,
		OnClose:    s.hangup,
	})
	if err != nil {
		return s.engineFault(ctx, "create engine", err)
	}

	s.mu.Lock()
	if s.State() >= StateStopping {
		s.mu.Unlock()
		_ = h.Stop()
		return ErrClosed
	}
	s.streamSID = e.StreamSID
	s.handle = h
	s.state.Store(int32(StateActive))
	s.mu.Unlock()

	s.log.Info("stream started",
		"stream_sid", e.StreamSID,
		"encoding", e.MediaFormat.Encoding,
		"sample_rate", e.MediaFormat.SampleRate,
	)

	err = h.Start(ctx, engine.StartInfo{
		StreamSID:        e.StreamSID,
		CallSID:          e.CallSID,
		AccountSID:       e.AccountSID,
		Format:           e.MediaFormat,
		CustomParameters: e.CustomParameters,
	})
	if err != nil {
		return s.engineFault(ctx, "start engine", err)
	}

	if s.cfg.OnStart != nil {
		s.cfg.OnStart(ctx, e)
	}
	return nil
}

// activeHandle returns the engine handle while the session is Active.
func (s *Session) activeHandle() engine.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StateActive {
		return nil
	}
	return s.handle
}

func (s *Session) engineFault(ctx context.Context, op string, err error) error {
	if s.State() >= StateStopping {
		return ErrClosed
	}
	s.metrics.RecordEngineError(ctx, s.cfg.EngineName)
	s.log.Error("session: engine fault", "op", op, "err", err)
	return fmt.Errorf("session: %s: %w", op, err)
}

// ── Outbound ─────────────────────────────────────────────────────────────────

// Emit queues msg for the provider. It is the engine's OnOutbound callback and
// may be called from any goroutine. Messages emitted before the stream is
// bound or after teardown has begun are dropped. When the queue is full Emit
// waits up to the configured enqueue timeout, then drops msg.
func (s *Session) Emit(msg mediastream.Outbound) {
	ctx := context.Background()
	switch s.State() {
	case StateIdle:
		s.metrics.RecordOutboundDropped(ctx, observe.DropUnbound)
		s.log.Debug("session: dropping outbound before start", "event", msg.EventName())
		return
	case StateStopping, StateClosed:
		s.metrics.RecordOutboundDropped(ctx, observe.DropClosed)
		return
	}

	select {
	case s.queue <- msg:
		return
	case <-s.done:
		s.metrics.RecordOutboundDropped(ctx, observe.DropClosed)
		return
	default:
	}

	timer := time.NewTimer(s.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case s.queue <- msg:
	case <-s.done:
		s.metrics.RecordOutboundDropped(ctx, observe.DropClosed)
	case <-timer.C:
		s.metrics.RecordOutboundDropped(ctx, observe.DropFull)
		s.log.Warn("session: outbound queue full, dropping message", "event", msg.EventName())
	}
}

func (s *Session) writeLoop(ctx context.Context) {
	defer close(s.writerDone)
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			// Teardown wins over a message that became ready at the same time.
			select {
			case <-s.done:
				s.metrics.RecordOutboundDropped(ctx, observe.DropClosed)
				return
			default:
			}
			s.write(ctx, msg)
		}
	}
}

func (s *Session) write(ctx context.Context, msg mediastream.Outbound) {
	data, err := mediastream.Encode(s.StreamSID(), msg)
	if err != nil {
		s.metrics.RecordOutboundDropped(ctx, observe.DropEncode)
		s.log.Error("session: encode outbound", "event", msg.EventName(), "err", err)
		return
	}

	// Recorded before the write so an echo racing the write return still
	// finds it. Clear keeps the ledger: the provider echoes pending marks back.
	mark, isMark := msg.(mediastream.MarkOut)
	if isMark {
		s.mu.Lock()
		s.pending = append(s.pending, mark.Name)
		s.mu.Unlock()
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	err = s.transport.Write(wctx, data)
	cancel()
	if err != nil {
		if isMark {
			s.forgetMark(mark.Name)
		}
		s.metrics.RecordOutboundDropped(ctx, observe.DropWrite)
		if s.State() == StateActive {
			s.log.Warn("session: write failed", "event", msg.EventName(), "err", err)
		}
		return
	}
	s.outboundMessages.Add(1)
	s.metrics.RecordOutbound(ctx, msg.EventName())
}

// forgetMark removes the newest ledger entry for name after its write failed.
func (s *Session) forgetMark(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.pending) - 1; i >= 0; i-- {
		if s.pending[i] == name {
			s.pending = slices.Delete(s.pending, i, i+1)
			return
		}
	}
}

func (s *Session) ackMark(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.Index(s.pending, name); i >= 0 {
		s.pending = slices.Delete(s.pending, i, i+1)
	}
}

// ── Teardown ─────────────────────────────────────────────────────────────────

// hangup is the engine's OnClose callback. Teardown stops the engine, which
// may wait for the very goroutine calling hangup, so it runs asynchronously.
func (s *Session) hangup() {
	if s.State() >= StateStopping {
		return
	}
	go s.Close(ReasonEngineClosed)
}

// Close tears the session down: it stops accepting outbound messages, stops
// the writer, stops the engine handle, and closes the transport. Only the
// first call has effect; every call returns once teardown has completed.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state.Store(int32(StateStopping))
		s.reason = reason
		h := s.handle
		writerStarted := s.writerStarted
		s.mu.Unlock()

		close(s.done)

		if h != nil {
			if err := h.Stop(); err != nil {
				s.log.Warn("session: engine stop", "err", err)
			}
		}
		if err := s.transport.Close(reason); err != nil {
			s.log.Debug("session: transport close", "err", err)
		}
		if writerStarted {
			<-s.writerDone
		}

		ctx := context.Background()
		for range len(s.queue) {
			<-s.queue
			s.metrics.RecordOutboundDropped(ctx, observe.DropClosed)
		}

		s.state.Store(int32(StateClosed))
		duration := time.Since(s.startedAt)
		s.metrics.RecordSessionClosed(ctx, duration.Seconds(), reason)
		s.log.Info("session closed", "reason", reason, "duration", duration)
		close(s.closed)
	})
	<-s.closed
}
