// Package engine defines the boundary between a call session and the
// conversational audio engine that serves it.
//
// The session never talks to speech recognition, dialogue logic, or synthesis
// directly. Instead it asks a [Factory] for one [Handle] per call once the
// provider has announced the stream, feeds caller audio and playback
// acknowledgements into that handle, and receives outbound messages through
// [Callbacks.OnOutbound]. The engine may emit from any goroutine at any time;
// serialising those emissions onto the wire is the session's job.
//
// Implementations are provided by the echo and realtime sub-packages and by
// external code. The interface is intentionally narrow so that sessions stay
// engine-agnostic.
//
// This package lives under internal/ because it encapsulates application-private
// wiring and is not intended to be imported by external code.
package engine

import (
	"context"
	"errors"

	"github.com/MrWong99/mesmer/pkg/mediastream"
)

// ErrStopped is returned by [Handle] methods called after [Handle.Stop].
var ErrStopped = errors.New("engine: handle stopped")

// Callbacks is the outbound contract a session hands to the engine.
type Callbacks struct {
	// OnOutbound queues a message for the provider. It may be called from any
	// goroutine and never blocks indefinitely. Messages are written in the order
	// of calls.
	OnOutbound func(mediastream.Outbound)

	// OnClose asks the session to hang up. The session stops the handle and
	// closes the transport; calling it more than once is harmless.
	OnClose func()
}

// StartInfo describes the live stream passed to [Handle.Start].
type StartInfo struct {
	// StreamSID is the provider's stream identifier.
	StreamSID string

	// CallSID is the provider's call identifier.
	CallSID string

	// AccountSID is the provider account that owns the call.
	AccountSID string

	// Format is the audio format of inbound media payloads. Outbound media must
	// use the same format.
	Format mediastream.MediaFormat

	// CustomParameters are free-form values the call flow attached to the stream.
	CustomParameters map[string]string
}

// Handle is one call's connection to the engine.
//
// The session calls Start once, then any number of SubmitAudio/SubmitMarkAck
// calls from a single goroutine, then Stop exactly once. Implementations must
// tolerate OnOutbound being dropped after Stop and must not call it afterwards.
type Handle interface {
	// Start signals that the call is live and audio may flow.
	Start(ctx context.Context, info StartInfo) error

	// SubmitAudio delivers one decoded inbound audio chunk. Chunks arrive in
	// wire order.
	SubmitAudio(chunk []byte) error

	// SubmitMarkAck reports that the provider finished playing everything up to
	// and including the named mark.
	SubmitMarkAck(name string) error

	// Stop ends the call and releases all resources.
	Stop() error
}

// Factory creates engine handles.
type Factory interface {
	// Create builds a handle for callID. The handle must not emit before Start.
	Create(ctx context.Context, callID string, cb Callbacks) (Handle, error)
}

// FactoryFunc adapts a plain function to [Factory].
type FactoryFunc func(ctx context.Context, callID string, cb Callbacks) (Handle, error)

// Create calls f.
func (f FactoryFunc) Create(ctx context.Context, callID string, cb Callbacks) (Handle, error) {
	return f(ctx, callID, cb)
}
