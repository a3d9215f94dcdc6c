// Package mediastream implements the wire codec for telephony media streams.
//
// A media stream is a persistent WebSocket carrying one JSON text frame per
// event. The provider sends lifecycle events ("connected", "start", "stop"),
// caller audio ("media", base64 payload) and playback acknowledgements
// ("mark"). The bridge answers with audio to play ("media"), playback
// checkpoints ("mark") and interrupts ("clear"), all addressed by the stream
// SID received in "start".
//
// [Decode] turns a raw frame into one of the [Inbound] variants. Frames that
// are not JSON, lack an event discriminator, miss a required sub-object, or
// carry invalid base64 audio yield a [*DecodeError] wrapping [ErrMalformed];
// callers drop such frames and keep the session alive. Discriminators that are
// not recognised decode to [Unknown] so that protocol extensions never break an
// established call.
//
// [Encode] turns an [Outbound] message into a wire frame for a bound stream.
package mediastream

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Event discriminators used on the wire.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// Common telephony audio parameters.
const (
	// EncodingMulaw is G.711 µ-law, the default telephony payload encoding.
	EncodingMulaw = "audio/x-mulaw"

	// DefaultSampleRate is the narrowband telephony sample rate in Hz.
	DefaultSampleRate = 8000
)

// ErrMalformed is wrapped by every [DecodeError]. It marks a frame that must be
// dropped without terminating the session.
var ErrMalformed = errors.New("mediastream: malformed frame")

// ErrNoStream is returned by [Encode] when no stream SID has been bound yet.
// It indicates a caller bug, never a wire condition.
var ErrNoStream = errors.New("mediastream: no stream bound")

// DecodeError describes why a frame was rejected.
type DecodeError struct {
	// Event is the discriminator of the rejected frame, if one could be read.
	Event string

	// Reason is a short human-readable description.
	Reason string

	// Err is the underlying parse error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	msg := "mediastream: malformed frame"
	if e.Event != "" {
		msg += " (" + e.Event + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap lets errors.Is match both [ErrMalformed] and the parse error.
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformed}
	}
	return []error{ErrMalformed, e.Err}
}

func malformed(event, reason string, err error) *DecodeError {
	return &DecodeError{Event: event, Reason: reason, Err: err}
}

// ── Inbound ──────────────────────────────────────────────────────────────────

// Inbound is a decoded provider event. The concrete type is one of
// [Connected], [Start], [Media], [Mark], [Stop] or [Unknown].
type Inbound interface {
	// EventName returns the wire discriminator.
	EventName() string
	inbound()
}

// Envelope holds the fields every inbound frame may carry at top level.
type Envelope struct {
	// SequenceNumber is the provider's per-stream message counter, if sent.
	SequenceNumber string

	// StreamSID is the stream the frame belongs to, if sent.
	StreamSID string
}

// Connected is the first frame of a stream. It is purely informational.
type Connected struct {
	Envelope
	Protocol string
	Version  string
}

// MediaFormat describes the audio carried in media payloads.
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// Start binds the stream SID and announces the audio format.
type Start struct {
	Envelope
	StreamSID        string
	CallSID          string
	AccountSID       string
	MediaFormat      MediaFormat
	Tracks           []string
	CustomParameters map[string]string
}

// Media carries one chunk of caller audio, already base64-decoded.
type Media struct {
	Envelope
	Payload   []byte
	Timestamp string
	Chunk     string
	Track     string
}

// Mark acknowledges that playback reached a previously sent checkpoint.
type Mark struct {
	Envelope
	Name string
}

// Stop ends the stream.
type Stop struct {
	Envelope
	StreamSID  string
	CallSID    string
	AccountSID string
}

// Unknown is any frame whose discriminator is not recognised.
type Unknown struct {
	Envelope
	Event string
	Raw   []byte
}

func (Connected) EventName() string { return EventConnected }
func (Start) EventName() string     { return EventStart }
func (Media) EventName() string     { return EventMedia }
func (Mark) EventName() string      { return EventMark }
func (Stop) EventName() string      { return EventStop }
func (u Unknown) EventName() string { return u.Event }

func (Connected) inbound() {}
func (Start) inbound()     {}
func (Media) inbound()     {}
func (Mark) inbound()      {}
func (Stop) inbound()      {}
func (Unknown) inbound()   {}

// flexString accepts a JSON string or number. Providers are inconsistent
// about quoting counters and timestamps.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type wireInbound struct {
	Event          string       `json:"event"`
	SequenceNumber flexString   `json:"sequenceNumber"`
	StreamSID      string       `json:"streamSid"`
	Protocol       string       `json:"protocol"`
	Version        string       `json:"version"`
	Start          *wireStart   `json:"start"`
	Media          *wireMediaIn `json:"media"`
	Mark           *wireMark    `json:"mark"`
	Stop           *wireStop    `json:"stop"`
}

type wireStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type wireMediaIn struct {
	Track     string     `json:"track"`
	Chunk     flexString `json:"chunk"`
	Timestamp flexString `json:"timestamp"`
	Payload   *string    `json:"payload"`
}

type wireMark struct {
	Name string `json:"name"`
}

type wireStop struct {
	StreamSID  string `json:"streamSid"`
	CallSID    string `json:"callSid"`
	AccountSID string `json:"accountSid"`
}

// Decode parses one inbound text frame. The returned error, if any, is a
// [*DecodeError] and matches [ErrMalformed].
func Decode(raw []byte) (Inbound, error) {
	var w wireInbound
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, malformed("", "invalid json", err)
	}
	if w.Event == "" {
		return nil, malformed("", "missing event discriminator", nil)
	}
	env := Envelope{SequenceNumber: string(w.SequenceNumber), StreamSID: w.StreamSID}

	switch w.Event {
	case EventConnected:
		return Connected{Envelope: env, Protocol: w.Protocol, Version: w.Version}, nil

	case EventStart:
		if w.Start == nil {
			return nil, malformed(w.Event, "missing start object", nil)
		}
		sid := w.Start.StreamSID
		if sid == "" {
			sid = w.StreamSID
		}
		if sid == "" {
			return nil, malformed(w.Event, "missing streamSid", nil)
		}
		return Start{
			Envelope:         env,
			StreamSID:        sid,
			CallSID:          w.Start.CallSID,
			AccountSID:       w.Start.AccountSID,
			MediaFormat:      w.Start.MediaFormat,
			Tracks:           w.Start.Tracks,
			CustomParameters: w.Start.CustomParameters,
		}, nil

	case EventMedia:
		if w.Media == nil || w.Media.Payload == nil {
			return nil, malformed(w.Event, "missing media payload", nil)
		}
		payload, err := base64.StdEncoding.DecodeString(*w.Media.Payload)
		if err != nil {
			return nil, malformed(w.Event, "invalid base64 payload", err)
		}
		return Media{
			Envelope:  env,
			Payload:   payload,
			Timestamp: string(w.Media.Timestamp),
			Chunk:     string(w.Media.Chunk),
			Track:     w.Media.Track,
		}, nil

	case EventMark:
		if w.Mark == nil || w.Mark.Name == "" {
			return nil, malformed(w.Event, "missing mark name", nil)
		}
		return Mark{Envelope: env, Name: w.Mark.Name}, nil

	case EventStop:
		stop := Stop{Envelope: env, StreamSID: w.StreamSID}
		if w.Stop != nil {
			if w.Stop.StreamSID != "" {
				stop.StreamSID = w.Stop.StreamSID
			}
			stop.CallSID = w.Stop.CallSID
			stop.AccountSID = w.Stop.AccountSID
		}
		return stop, nil

	default:
		rawCopy := make([]byte, len(raw))
		copy(rawCopy, raw)
		return Unknown{Envelope: env, Event: w.Event, Raw: rawCopy}, nil
	}
}

// ── Outbound ─────────────────────────────────────────────────────────────────

// Outbound is a message the bridge sends to the provider. The concrete type is
// one of [MediaOut], [MarkOut] or [Clear].
type Outbound interface {
	// EventName returns the wire discriminator.
	EventName() string
	outbound()
}

// MediaOut is raw audio for the provider to play.
type MediaOut struct {
	Payload []byte
}

// MarkOut is a named playback checkpoint. The provider echoes it back as an
// inbound [Mark] once everything queued before it has been played.
type MarkOut struct {
	Name string
}

// Clear tells the provider to stop playback and flush its buffer. Marks that
// were pending at that moment are echoed back immediately.
type Clear struct{}

func (MediaOut) EventName() string { return EventMedia }
func (MarkOut) EventName() string  { return EventMark }
func (Clear) EventName() string    { return EventClear }

func (MediaOut) outbound() {}
func (MarkOut) outbound()  {}
func (Clear) outbound()    {}

type wireOutbound struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     *wireMediaOut `json:"media,omitempty"`
	Mark      *wireMark     `json:"mark,omitempty"`
}

type wireMediaOut struct {
	Payload string `json:"payload"`
}

// Encode renders msg as a wire frame addressed to streamID.
func Encode(streamID string, msg Outbound) ([]byte, error) {
	if streamID == "" {
		return nil, ErrNoStream
	}
	w := wireOutbound{Event: msg.EventName(), StreamSID: streamID}
	switch m := msg.(type) {
	case MediaOut:
		w.Media = &wireMediaOut{Payload: base64.StdEncoding.EncodeToString(m.Payload)}
	case MarkOut:
		w.Mark = &wireMark{Name: m.Name}
	case Clear:
	default:
		return nil, fmt.Errorf("mediastream: encode: unsupported message %T", msg)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("mediastream: encode %s: %w", w.Event, err)
	}
	return data, nil
}

// SequenceInt parses the envelope's sequence number. It returns -1 when the
// field is absent or not numeric.
func (e Envelope) SequenceInt() int64 {
	if e.SequenceNumber == "" {
		return -1
	}
	n, err := strconv.ParseInt(e.SequenceNumber, 10, 64)
	if err != nil {
		return -1
	}
	return n
}
