// Package callstore persists one lifecycle record per media stream.
//
// The connection manager writes a [Record] when the provider announces the
// stream and completes it when the session tears down. Two implementations are
// provided: [MemStore] for single-node deployments and tests, and
// [PostgresStore] backed by pgx.
package callstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by [Store.Complete] when no record exists for the
// connection.
var ErrNotFound = errors.New("callstore: record not found")

// Record is the persisted summary of one call.
type Record struct {
	ConnID     string    `json:"conn_id"`
	CallID     string    `json:"call_id"`
	StreamSID  string    `json:"stream_sid"`
	CallSID    string    `json:"call_sid,omitempty"`
	AccountSID string    `json:"account_sid,omitempty"`
	Encoding   string    `json:"encoding,omitempty"`
	SampleRate int       `json:"sample_rate,omitempty"`
	StartedAt  time.Time `json:"started_at"`

	// EndedAt is zero while the call is live.
	EndedAt   time.Time `json:"ended_at,omitzero"`
	EndReason string    `json:"end_reason,omitempty"`

	MediaFrames      int64 `json:"media_frames"`
	DecodeErrors     int64 `json:"decode_errors"`
	OutboundMessages int64 `json:"outbound_messages"`
}

// Live reports whether the call has not been completed yet.
func (r *Record) Live() bool { return r.EndedAt.IsZero() }

// Completion carries the fields written when a call ends.
type Completion struct {
	EndedAt          time.Time
	EndReason        string
	MediaFrames      int64
	DecodeErrors     int64
	OutboundMessages int64
}

// Store persists call records. Implementations must be safe for concurrent
// use.
type Store interface {
	// Begin inserts rec. Beginning an existing ConnID replaces the record.
	Begin(ctx context.Context, rec Record) error

	// Complete sets the end fields of the record for connID. Returns
	// [ErrNotFound] if no record exists.
	Complete(ctx context.Context, connID string, c Completion) error

	// Get returns the record for connID, or (nil, nil) if none exists.
	Get(ctx context.Context, connID string) (*Record, error)

	// List returns up to limit records, most recently started first. A
	// non-positive limit returns all records.
	List(ctx context.Context, limit int) ([]Record, error)

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error
}
