// Package mock provides an in-memory mock implementation of [engine.Factory]
// and [engine.Handle] for use in unit tests.
//
// The mock records every method call and allows the test to configure return
// values via exported fields. Tests drive the outbound direction through
// [Handle.Emit] and [Handle.Hangup], which invoke the callbacks the session
// passed to [Factory.Create]. It is safe for concurrent use.
//
// Example:
//
//	f := &mock.Factory{}
//	// ... run a session with f ...
//	h := f.Last()
//	h.Emit(mediastream.MarkOut{Name: "m1"})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/mesmer/internal/engine"
	"github.com/MrWong99/mesmer/pkg/mediastream"
)

// Compile-time interface assertions.
var (
	_ engine.Factory = (*Factory)(nil)
	_ engine.Handle  = (*Handle)(nil)
)

// Factory is a mock implementation of [engine.Factory].
type Factory struct {
	mu sync.Mutex

	// CreateError is returned by [Factory.Create] when non-nil.
	CreateError error

	// StartError is copied into every handle created by the factory.
	StartError error

	// OnCreate, if set, is called with each new handle before Create returns.
	OnCreate func(h *Handle)

	handles []*Handle
	created chan *Handle
}

// Create records the call and returns a new [*Handle].
func (f *Factory) Create(_ context.Context, callID string, cb engine.Callbacks) (engine.Handle, error) {
	f.mu.Lock()
	if f.CreateError != nil {
		err := f.CreateError
		f.mu.Unlock()
		return nil, err
	}
	h := &Handle{CallID: callID, cb: cb, StartError: f.StartError}
	f.handles = append(f.handles, h)
	created := f.createdChan()
	onCreate := f.OnCreate
	f.mu.Unlock()

	if onCreate != nil {
		onCreate(h)
	}
	select {
	case created <- h:
	default:
	}
	return h, nil
}

func (f *Factory) createdChan() chan *Handle {
	if f.created == nil {
		f.created = make(chan *Handle, 16)
	}
	return f.created
}

// Created returns a channel that receives each handle as it is created.
func (f *Factory) Created() <-chan *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createdChan()
}

// Handles returns a snapshot of all handles created so far.
func (f *Factory) Handles() []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.handles)
}

// Last returns the most recently created handle, or nil.
func (f *Factory) Last() *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

// Handle is a mock implementation of [engine.Handle].
type Handle struct {
	// CallID is the call the handle was created for.
	CallID string

	// StartError is returned by [Handle.Start].
	StartError error

	// SubmitAudioError is returned by [Handle.SubmitAudio].
	SubmitAudioError error

	mu         sync.Mutex
	cb         engine.Callbacks
	startCalls []engine.StartInfo
	audio      [][]byte
	acks       []string
	stopCalls  int
}

// Start records info.
func (h *Handle) Start(_ context.Context, info engine.StartInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startCalls = append(h.startCalls, info)
	return h.StartError
}

// SubmitAudio records a copy of chunk.
func (h *Handle) SubmitAudio(chunk []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.audio = append(h.audio, slices.Clone(chunk))
	return h.SubmitAudioError
}

// SubmitMarkAck records name.
func (h *Handle) SubmitMarkAck(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acks = append(h.acks, name)
	return nil
}

// Stop records the call.
func (h *Handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopCalls++
	return nil
}

// Emit invokes the session's OnOutbound callback with msg.
func (h *Handle) Emit(msg mediastream.Outbound) {
	h.mu.Lock()
	fn := h.cb.OnOutbound
	h.mu.Unlock()
	if fn != nil {
		fn(msg)
	}
}

// Hangup invokes the session's OnClose callback.
func (h *Handle) Hangup() {
	h.mu.Lock()
	fn := h.cb.OnClose
	h.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// StartCalls returns all recorded Start invocations.
func (h *Handle) StartCalls() []engine.StartInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.startCalls)
}

// Audio returns all recorded audio chunks in submission order.
func (h *Handle) Audio() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.audio)
}

// Acks returns all recorded mark acknowledgements in submission order.
func (h *Handle) Acks() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.acks)
}

// StopCalls returns how many times Stop was called.
func (h *Handle) StopCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopCalls
}
