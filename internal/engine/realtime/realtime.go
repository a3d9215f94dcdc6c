// Package realtime implements an [engine.Factory] backed by an OpenAI
// Realtime-compatible speech-to-speech WebSocket API.
//
// Each call gets its own upstream session, dialled when the provider announces
// the stream. The session is configured for G.711 µ-law in both directions so
// telephony audio is forwarded without transcoding:
//
//   - caller audio is appended to the input buffer (input_audio_buffer.append)
//   - response.audio.delta becomes outbound media
//   - response.audio.done becomes an outbound mark named "resp-<n>"
//   - input_audio_buffer.speech_started while the caller still hears the model
//     clears provider playback and cancels the response (barge-in)
//   - loss of the upstream socket hangs up the call
//
// Dials go through a [resilience.CircuitBreaker] shared by all calls of a
// factory.
package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/mesmer/internal/engine"
	"github.com/MrWong99/mesmer/internal/resilience"
	"github.com/MrWong99/mesmer/pkg/mediastream"
)

// Compile-time interface assertions.
var (
	_ engine.Factory = (*Factory)(nil)
	_ engine.Handle  = (*handle)(nil)
)

const (
	defaultModel       = "gpt-4o-realtime-preview"
	defaultBaseURL     = "wss://api.openai.com/v1/realtime"
	defaultDialTimeout = 10 * time.Second

	// audioFormat is the realtime API name for G.711 µ-law.
	audioFormat = "g711_ulaw"

	// readLimit bounds a single upstream event. Audio deltas routinely exceed
	// the websocket default of 32 KiB.
	readLimit = 4 << 20
)

// errNotStarted is returned when audio arrives before Start.
var errNotStarted = errors.New("realtime: handle not started")

// ── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a [Factory].
type Option func(*Factory)

// WithModel sets the model requested for each session.
func WithModel(model string) Option {
	return func(f *Factory) {
		if model != "" {
			f.model = model
		}
	}
}

// WithBaseURL overrides the WebSocket endpoint. Used to target compatible
// servers and local test servers.
func WithBaseURL(u string) Option {
	return func(f *Factory) {
		if u != "" {
			f.baseURL = u
		}
	}
}

// WithVoice selects the synthesis voice.
func WithVoice(voice string) Option {
	return func(f *Factory) { f.voice = voice }
}

// WithInstructions sets the system instructions sent with each session.
func WithInstructions(instructions string) Option {
	return func(f *Factory) { f.instructions = instructions }
}

// WithDialTimeout bounds each upstream dial. The default is 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.dialTimeout = d
		}
	}
}

// WithCircuitBreaker replaces the factory's default breaker.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(f *Factory) {
		if cb != nil {
			f.breaker = cb
		}
	}
}

// ── Factory ──────────────────────────────────────────────────────────────────

// Factory creates one upstream realtime session per call.
type Factory struct {
	apiKey       string
	model        string
	baseURL      string
	voice        string
	instructions string
	dialTimeout  time.Duration
	breaker      *resilience.CircuitBreaker
}

// New creates a Factory authenticating with apiKey. An empty key sends no
// Authorization header.
func New(apiKey string, opts ...Option) *Factory {
	f := &Factory{
		apiKey:      apiKey,
		model:       defaultModel,
		baseURL:     defaultBaseURL,
		dialTimeout: defaultDialTimeout,
	}
	for _, o := range opts {
		o(f)
	}
	if f.breaker == nil {
		f.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "openai-realtime"})
	}
	return f
}

// Breaker returns the circuit breaker guarding dials.
func (f *Factory) Breaker() *resilience.CircuitBreaker { return f.breaker }

// Create implements [engine.Factory]. No connection is made until Start.
func (f *Factory) Create(_ context.Context, callID string, cb engine.Callbacks) (engine.Handle, error) {
	if cb.OnOutbound == nil {
		return nil, fmt.Errorf("realtime: create %s: OnOutbound callback is required", callID)
	}
	return &handle{
		factory: f,
		callID:  callID,
		cb:      cb,
	}, nil
}

func (f *Factory) endpoint() (string, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", fmt.Errorf("realtime: parse base url: %w", err)
	}
	q := u.Query()
	if q.Get("model") == "" {
		q.Set("model", f.model)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (f *Factory) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := f.endpoint()
	if err != nil {
		return nil, err
	}
	header := http.Header{"OpenAI-Beta": []string{"realtime=v1"}}
	if f.apiKey != "" {
		header.Set("Authorization", "Bearer "+f.apiKey)
	}

	var conn *websocket.Conn
	err = f.breaker.Execute(ctx, func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, f.dialTimeout)
		defer cancel()
		c, _, err := websocket.Dial(dctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// ── Protocol messages ────────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type controlMessage struct {
	Type string `json:"type"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type       string             `json:"type"`
	ResponseID string             `json:"response_id,omitempty"`
	Delta      string             `json:"delta,omitempty"`
	Error      *serverErrorDetail `json:"error,omitempty"`
}

// ── handle ───────────────────────────────────────────────────────────────────

type handle struct {
	factory *Factory
	callID  string
	cb      engine.Callbacks

	mu      sync.Mutex
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool

	// Owned by receiveLoop after Start; read elsewhere under mu.
	// outstanding is the newest response mark not yet echoed back. Marks are
	// played in order, so an ack for it means every earlier response played.
	outstanding string
	speaking    bool
	respSeq     int

	wg sync.WaitGroup
}

// Start implements [engine.Handle]. It dials the upstream session and
// configures audio formats, voice and instructions.
func (h *handle) Start(ctx context.Context, info engine.StartInfo) error {
	if enc := info.Format.Encoding; enc != "" && enc != mediastream.EncodingMulaw {
		return fmt.Errorf("realtime: unsupported media encoding %q", enc)
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return engine.ErrStopped
	}
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	conn, err := h.factory.dial(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "call ended")
		return engine.ErrStopped
	}
	h.conn = conn
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.mu.Unlock()

	update := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Voice:             h.factory.voice,
			Instructions:      h.factory.instructions,
			InputAudioFormat:  audioFormat,
			OutputAudioFormat: audioFormat,
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	}
	if err := h.writeJSON(update); err != nil {
		_ = h.Stop()
		return fmt.Errorf("realtime: session update: %w", err)
	}

	slog.Debug("realtime: session configured",
		"call_id", h.callID,
		"stream_sid", info.StreamSID,
		"model", h.factory.model,
	)

	h.wg.Add(1)
	go h.receiveLoop()
	return nil
}

// SubmitAudio implements [engine.Handle].
func (h *handle) SubmitAudio(chunk []byte) error {
	if err := h.usable(); err != nil {
		return err
	}
	return h.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// SubmitMarkAck implements [engine.Handle].
func (h *handle) SubmitMarkAck(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return engine.ErrStopped
	}
	if name == h.outstanding {
		h.outstanding = ""
	}
	return nil
}

// Stop implements [engine.Handle]. It closes the upstream socket and waits for
// the receive loop to exit.
func (h *handle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	conn, cancel := h.conn, h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "call ended")
	}
	h.wg.Wait()
	return nil
}

func (h *handle) usable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case h.stopped:
		return engine.ErrStopped
	case h.conn == nil:
		return errNotStarted
	}
	return nil
}

// writeJSON marshals v and writes it as one text message.
func (h *handle) writeJSON(v any) error {
	h.mu.Lock()
	conn, ctx := h.conn, h.ctx
	h.mu.Unlock()
	if conn == nil {
		return errNotStarted
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		if ctx.Err() != nil {
			return engine.ErrStopped
		}
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// receiveLoop reads upstream events until the socket fails or Stop is called.
// Upstream failure hangs up the call.
func (h *handle) receiveLoop() {
	defer h.wg.Done()
	for {
		_, data, err := h.conn.Read(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			slog.Warn("realtime: upstream session lost", "call_id", h.callID, "err", err)
			if h.cb.OnClose != nil {
				h.cb.OnClose()
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("realtime: undecodable upstream event", "call_id", h.callID, "err", err)
			continue
		}
		h.handleEvent(&evt)
	}
}

func (h *handle) handleEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			return
		}
		h.mu.Lock()
		h.speaking = true
		h.mu.Unlock()
		h.emit(mediastream.MediaOut{Payload: audio})

	case "response.audio.done":
		h.mu.Lock()
		h.speaking = false
		h.respSeq++
		name := fmt.Sprintf("resp-%d", h.respSeq)
		h.outstanding = name
		h.mu.Unlock()
		h.emit(mediastream.MarkOut{Name: name})

	case "input_audio_buffer.speech_started":
		h.mu.Lock()
		playing := h.speaking || h.outstanding != ""
		// Clear discards unplayed audio; its marks are no longer awaited.
		h.speaking = false
		h.outstanding = ""
		h.mu.Unlock()
		if !playing {
			return
		}
		slog.Debug("realtime: caller barged in", "call_id", h.callID)
		h.emit(mediastream.Clear{})
		if err := h.writeJSON(controlMessage{Type: "response.cancel"}); err != nil {
			slog.Debug("realtime: cancel response", "call_id", h.callID, "err", err)
		}

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		slog.Warn("realtime: upstream error event", "call_id", h.callID, "message", msg)

	case "session.created", "session.updated":
		slog.Debug("realtime: "+evt.Type, "call_id", h.callID)
	}
}

// emit forwards msg unless the handle is stopping.
func (h *handle) emit(msg mediastream.Outbound) {
	if h.ctx.Err() != nil {
		return
	}
	h.cb.OnOutbound(msg)
}
