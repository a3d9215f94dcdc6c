// Package echo provides a loopback [engine.Factory] that plays every inbound
// audio chunk straight back to the caller.
//
// The echo engine exercises the complete outbound path without any external
// dependency: caller audio comes back as media, and every MarkEvery chunks a
// playback checkpoint named "echo-<n>" follows so that mark acknowledgements
// can be observed end to end. It is the default engine and the one used for
// provider integration testing.
package echo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/mesmer/internal/engine"
	"github.com/MrWong99/mesmer/pkg/mediastream"
)

// Compile-time interface assertions.
var (
	_ engine.Factory = (*Factory)(nil)
	_ engine.Handle  = (*handle)(nil)
)

const (
	// DefaultMarkEvery is the number of echoed chunks between two marks.
	DefaultMarkEvery = 10

	// defaultBuffer is the depth of the per-call chunk queue.
	defaultBuffer = 64
)

// errNotStarted is returned when audio arrives before Start.
var errNotStarted = errors.New("echo: handle not started")

// Config configures the echo engine.
type Config struct {
	// MarkEvery emits a mark after every MarkEvery echoed chunks. Zero uses
	// [DefaultMarkEvery]; a negative value disables marks.
	MarkEvery int

	// Buffer is the per-call chunk queue depth. Zero uses a default of 64.
	Buffer int
}

// Factory creates echo handles.
type Factory struct {
	cfg Config
}

// New returns a Factory with cfg applied over the defaults.
func New(cfg Config) *Factory {
	if cfg.MarkEvery == 0 {
		cfg.MarkEvery = DefaultMarkEvery
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	return &Factory{cfg: cfg}
}

// Create implements [engine.Factory].
func (f *Factory) Create(_ context.Context, callID string, cb engine.Callbacks) (engine.Handle, error) {
	if cb.OnOutbound == nil {
		return nil, fmt.Errorf("echo: create %s: OnOutbound callback is required", callID)
	}
	return &handle{
		callID:    callID,
		cb:        cb,
		markEvery: f.cfg.MarkEvery,
		in:        make(chan []byte, f.cfg.Buffer),
		done:      make(chan struct{}),
	}, nil
}

// handle echoes one call. A single goroutine owns all emissions so that media
// and marks keep their relative order.
type handle struct {
	callID    string
	cb        engine.Callbacks
	markEvery int

	in   chan []byte
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	acks    int
}

// Start implements [engine.Handle].
func (h *handle) Start(_ context.Context, info engine.StartInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return engine.ErrStopped
	}
	if h.started {
		return nil
	}
	h.started = true

	slog.Debug("echo: call started",
		"call_id", h.callID,
		"stream_sid", info.StreamSID,
		"encoding", info.Format.Encoding,
	)

	h.wg.Add(1)
	go h.loop()
	return nil
}

// SubmitAudio implements [engine.Handle]. It blocks while the queue is full.
func (h *handle) SubmitAudio(chunk []byte) error {
	h.mu.Lock()
	started, stopped := h.started, h.stopped
	h.mu.Unlock()
	switch {
	case stopped:
		return engine.ErrStopped
	case !started:
		return errNotStarted
	}

	select {
	case h.in <- slices.Clone(chunk):
		return nil
	case <-h.done:
		return engine.ErrStopped
	}
}

// SubmitMarkAck implements [engine.Handle].
func (h *handle) SubmitMarkAck(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return engine.ErrStopped
	}
	h.acks++
	slog.Debug("echo: mark acknowledged", "call_id", h.callID, "mark", name, "acks", h.acks)
	return nil
}

// Stop implements [engine.Handle]. It returns once the emitting goroutine has
// exited; later calls are no-ops.
func (h *handle) Stop() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	close(h.done)
	h.mu.Unlock()

	h.wg.Wait()
	return nil
}

func (h *handle) loop() {
	defer h.wg.Done()
	var echoed, marks int
	for {
		select {
		case <-h.done:
			return
		case chunk := <-h.in:
			h.cb.OnOutbound(mediastream.MediaOut{Payload: chunk})
			echoed++
			if h.markEvery > 0 && echoed%h.markEvery == 0 {
				marks++
				h.cb.OnOutbound(mediastream.MarkOut{Name: fmt.Sprintf("echo-%d", marks)})
			}
		}
	}
}
