package callstore

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/mesmer/internal/resilience"
)

// Guard wraps a [Store] and makes record writes non-fatal. Failed writes are
// logged and swallowed and the guard is marked degraded, so a database outage
// never affects a live call. Read errors are returned to the caller. Calls go through a circuit breaker; while it is
// open the underlying store is not contacted at all.
//
// Guard implements [Store]. All methods are safe for concurrent use.
type Guard struct {
	store    Store
	breaker  *resilience.CircuitBreaker
	degraded atomic.Bool
}

var _ Store = (*Guard)(nil)

// NewGuard wraps store. When cb is nil a breaker named "callstore" with
// default thresholds is used.
func NewGuard(store Store, cb *resilience.CircuitBreaker) *Guard {
	if cb == nil {
		cb = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "callstore",
			IsFailure: storeFailure,
		})
	}
	return &Guard{store: store, breaker: cb}
}

// storeFailure does not count a missing record or the caller's own
// cancellation against the store.
func storeFailure(ctx context.Context, err error) bool {
	if errors.Is(err, ErrNotFound) {
		return false
	}
	return ctx.Err() == nil || !errors.Is(err, ctx.Err())
}

// Breaker returns the circuit breaker guarding the store.
func (g *Guard) Breaker() *resilience.CircuitBreaker { return g.breaker }

// Begin attempts to write rec. On failure the error is logged and swallowed.
func (g *Guard) Begin(ctx context.Context, rec Record) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Begin(ctx, rec)
	})
	g.observe(err, "Begin", "conn_id", rec.ConnID)
	return nil
}

// Complete attempts to finalise a record. On failure the error is logged and
// swallowed.
func (g *Guard) Complete(ctx context.Context, connID string, c Completion) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.store.Complete(ctx, connID, c)
	})
	if errors.Is(err, ErrNotFound) {
		slog.Debug("call store guard: completing unknown record", "conn_id", connID)
		return nil
	}
	g.observe(err, "Complete", "conn_id", connID)
	return nil
}

// Get reads one record.
func (g *Guard) Get(ctx context.Context, connID string) (*Record, error) {
	var rec *Record
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		rec, err = g.store.Get(ctx, connID)
		return err
	})
	if g.observe(err, "Get", "conn_id", connID) {
		return nil, err
	}
	return rec, nil
}

// List reads the newest records.
func (g *Guard) List(ctx context.Context, limit int) ([]Record, error) {
	var recs []Record
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		recs, err = g.store.List(ctx, limit)
		return err
	})
	if g.observe(err, "List", "limit", limit) {
		return nil, err
	}
	return recs, nil
}

// Ping checks the underlying store directly, bypassing the breaker so the
// readiness probe sees the real state. The result updates the degraded flag.
func (g *Guard) Ping(ctx context.Context) error {
	err := g.store.Ping(ctx)
	g.degraded.Store(err != nil)
	return err
}

// IsDegraded reports whether the most recent store operation failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

// observe updates the degraded flag from err and logs failures. It reports
// whether err was non-nil.
func (g *Guard) observe(err error, op string, args ...any) bool {
	if err == nil {
		g.degraded.Store(false)
		return false
	}
	g.degraded.Store(true)
	slog.Warn("call store guard: "+op+" failed", append(args, "err", err)...)
	return true
}
