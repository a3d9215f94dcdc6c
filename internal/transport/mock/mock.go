// Package mock provides an in-memory implementation of [session.Transport]
// for use in unit tests.
//
// Tests feed inbound frames with [Transport.Push], simulate a peer hang-up
// with [Transport.Disconnect], and inspect everything the session wrote with
// [Transport.Writes]. It is safe for concurrent use.
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/mesmer/internal/session"
)

var _ session.Transport = (*Transport)(nil)

// Transport is a mock implementation of [session.Transport].
type Transport struct {
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	mu           sync.Mutex
	writes       [][]byte
	closeReasons []string
	writeErr     error
	failedWrites int
	onWrite      func(data []byte)
}

// New returns an open Transport whose inbox holds up to 256 frames.
func New() *Transport {
	return &Transport{
		inbox:  make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

// Push queues inbound frames for the session to read.
func (t *Transport) Push(frames ...string) {
	for _, f := range frames {
		t.inbox <- []byte(f)
	}
}

// Disconnect simulates the peer dropping the connection.
func (t *Transport) Disconnect() {
	t.once.Do(func() { close(t.closed) })
}

// SetWriteError makes subsequent writes fail with err.
func (t *Transport) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// FailedWrites reports how many writes were rejected by [Transport.SetWriteError].
func (t *Transport) FailedWrites() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failedWrites
}

// OnWrite registers fn to be called synchronously for every successful write.
func (t *Transport) OnWrite(fn func(data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onWrite = fn
}

// Read returns the next pushed frame. Once the transport is closed it returns
// [session.ErrTransportClosed], even if frames are still queued.
func (t *Transport) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-t.closed:
		return nil, session.ErrTransportClosed
	default:
	}
	select {
	case raw := <-t.inbox:
		return raw, nil
	case <-t.closed:
		return nil, session.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Write records a copy of data.
func (t *Transport) Write(ctx context.Context, data []byte) error {
	select {
	case <-t.closed:
		return session.ErrTransportClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.writeErr != nil {
		err := t.writeErr
		t.failedWrites++
		t.mu.Unlock()
		return err
	}
	t.writes = append(t.writes, slices.Clone(data))
	fn := t.onWrite
	t.mu.Unlock()
	if fn != nil {
		fn(data)
	}
	return nil
}

// Close records reason and closes the transport. Repeated calls are recorded
// but have no further effect.
func (t *Transport) Close(reason string) error {
	t.mu.Lock()
	t.closeReasons = append(t.closeReasons, reason)
	t.mu.Unlock()
	t.Disconnect()
	return nil
}

// Writes returns copies of all frames written so far, in write order.
func (t *Transport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.writes)
}

// CloseReasons returns the reasons passed to every Close call.
func (t *Transport) CloseReasons() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.closeReasons)
}

// Closed reports whether the transport has been closed or disconnected.
func (t *Transport) Closed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}
