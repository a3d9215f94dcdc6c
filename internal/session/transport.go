package session

import (
	"context"
	"errors"
)

// ErrTransportClosed is returned by [Transport] implementations once the
// connection is gone, whether closed locally or by the peer.
var ErrTransportClosed = errors.New("session: transport closed")

// Transport is a bidirectional, message-oriented text channel to the telephony
// provider. One transport carries exactly one media stream.
//
// Read is only ever called from the session's receive goroutine and Write only
// from its writer goroutine. Close may be called from any goroutine, any
// number of times; it must unblock pending Read and Write calls.
type Transport interface {
	// Read blocks until the next inbound text frame arrives. It returns an
	// error when the peer disconnects, the transport is closed, or ctx ends.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text frame.
	Write(ctx context.Context, data []byte) error

	// Close terminates the connection, reporting reason to the peer where the
	// transport supports it.
	Close(reason string) error
}
