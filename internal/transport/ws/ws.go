// Package ws adapts a coder/websocket connection to [session.Transport].
//
// Telephony providers send one JSON text message per event. Binary messages
// are not part of the protocol and are skipped. Close maps the session's
// teardown reason onto a WebSocket close status and sends the reason text to
// the peer.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/mesmer/internal/session"
)

var _ session.Transport = (*Transport)(nil)

// maxReasonLen is the longest close reason a control frame can carry.
const maxReasonLen = 123

// Options configures [Accept].
type Options struct {
	// OriginPatterns lists host patterns allowed in the Origin header, in
	// addition to the request host. See [websocket.AcceptOptions].
	OriginPatterns []string

	// ReadLimit caps the size of one inbound message in bytes. Zero keeps the
	// library default of 32 KiB.
	ReadLimit int64
}

// Transport is a [session.Transport] over one WebSocket connection.
type Transport struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// Accept upgrades the request and wraps the connection. On failure Accept has
// already written an HTTP error response.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Transport, error) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: opts.OriginPatterns,
	})
	if err != nil {
		return nil, fmt.Errorf("ws: accept: %w", err)
	}
	if opts.ReadLimit > 0 {
		conn.SetReadLimit(opts.ReadLimit)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn, closed: make(chan struct{})}
}

// Read implements [session.Transport].
func (t *Transport) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := t.conn.Read(ctx)
		if err != nil {
			if t.isClosed() {
				return nil, session.ErrTransportClosed
			}
			return nil, fmt.Errorf("ws: read: %w", err)
		}
		if typ != websocket.MessageText {
			slog.Debug("ws: skipping binary message", "bytes", len(data))
			continue
		}
		return data, nil
	}
}

// Write implements [session.Transport].
func (t *Transport) Write(ctx context.Context, data []byte) error {
	if t.isClosed() {
		return session.ErrTransportClosed
	}
	if err := t.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if t.isClosed() {
			return session.ErrTransportClosed
		}
		return fmt.Errorf("ws: write: %w", err)
	}
	return nil
}

// Close implements [session.Transport]. It performs the close handshake once;
// later calls return the first result.
func (t *Transport) Close(reason string) error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if len(reason) > maxReasonLen {
			reason = reason[:maxReasonLen]
		}
		err := t.conn.Close(StatusFor(reason), reason)
		if err != nil && !alreadyGone(err) {
			t.closeErr = fmt.Errorf("ws: close: %w", err)
		}
	})
	return t.closeErr
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// StatusFor maps a session close reason to a WebSocket close status.
func StatusFor(reason string) websocket.StatusCode {
	switch reason {
	case session.ReasonEngineError:
		return websocket.StatusInternalError
	case session.ReasonShutdown, session.ReasonContextCancel:
		return websocket.StatusGoingAway
	default:
		return websocket.StatusNormalClosure
	}
}

// alreadyGone reports whether err only says the peer closed first.
func alreadyGone(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.CloseStatus(err) != -1
}
