package callstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the call_records table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS call_records (
    conn_id           TEXT PRIMARY KEY,
    call_id           TEXT NOT NULL,
    stream_sid        TEXT NOT NULL DEFAULT '',
    call_sid          TEXT NOT NULL DEFAULT '',
    account_sid       TEXT NOT NULL DEFAULT '',
    encoding          TEXT NOT NULL DEFAULT '',
    sample_rate       INTEGER NOT NULL DEFAULT 0,
    started_at        TIMESTAMPTZ NOT NULL,
    ended_at          TIMESTAMPTZ,
    end_reason        TEXT NOT NULL DEFAULT '',
    media_frames      BIGINT NOT NULL DEFAULT 0,
    decode_errors     BIGINT NOT NULL DEFAULT 0,
    outbound_messages BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_call_records_call ON call_records(call_id);
CREATE INDEX IF NOT EXISTS idx_call_records_started ON call_records(started_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on db. The caller is responsible
// for calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects a pool to dsn, applies [Schema] and returns the store together
// with the pool so the caller can close it on shutdown.
func Open(ctx context.Context, dsn string) (*PostgresStore, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("callstore: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("callstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("callstore: ping: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// Migrate executes the [Schema] DDL against the database.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("callstore: migrate: %w", err)
	}
	return nil
}

// Begin implements [Store].
func (s *PostgresStore) Begin(ctx context.Context, rec Record) error {
	if rec.ConnID == "" {
		return fmt.Errorf("callstore: begin: conn id is required")
	}
	const query = `
		INSERT INTO call_records (
			conn_id, call_id, stream_sid, call_sid, account_sid,
			encoding, sample_rate, started_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (conn_id) DO UPDATE SET
			call_id = EXCLUDED.call_id,
			stream_sid = EXCLUDED.stream_sid,
			call_sid = EXCLUDED.call_sid,
			account_sid = EXCLUDED.account_sid,
			encoding = EXCLUDED.encoding,
			sample_rate = EXCLUDED.sample_rate,
			started_at = EXCLUDED.started_at,
			ended_at = NULL,
			end_reason = '',
			media_frames = 0,
			decode_errors = 0,
			outbound_messages = 0`

	_, err := s.db.Exec(ctx, query,
		rec.ConnID, rec.CallID, rec.StreamSID, rec.CallSID, rec.AccountSID,
		rec.Encoding, rec.SampleRate, rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("callstore: begin %q: %w", rec.ConnID, err)
	}
	return nil
}

// Complete implements [Store].
func (s *PostgresStore) Complete(ctx context.Context, connID string, c Completion) error {
	const query = `
		UPDATE call_records SET
			ended_at = $2, end_reason = $3,
			media_frames = $4, decode_errors = $5, outbound_messages = $6
		WHERE conn_id = $1`

	tag, err := s.db.Exec(ctx, query,
		connID, c.EndedAt, c.EndReason,
		c.MediaFrames, c.DecodeErrors, c.OutboundMessages,
	)
	if err != nil {
		return fmt.Errorf("callstore: complete %q: %w", connID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %q", ErrNotFound, connID)
	}
	return nil
}

const selectColumns = `
	SELECT conn_id, call_id, stream_sid, call_sid, account_sid,
	       encoding, sample_rate, started_at, ended_at, end_reason,
	       media_frames, decode_errors, outbound_messages
	FROM call_records`

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, connID string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRow(ctx, selectColumns+` WHERE conn_id = $1`, connID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("callstore: get %q: %w", connID, err)
	}
	return rec, nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Record, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.Query(ctx, selectColumns+` ORDER BY started_at DESC, conn_id LIMIT $1`, limit)
	} else {
		rows, err = s.db.Query(ctx, selectColumns+` ORDER BY started_at DESC, conn_id`)
	}
	if err != nil {
		return nil, fmt.Errorf("callstore: list: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("callstore: list scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("callstore: list: %w", err)
	}
	return out, nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("callstore: ping: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec     Record
		endedAt *time.Time
	)
	err := row.Scan(
		&rec.ConnID, &rec.CallID, &rec.StreamSID, &rec.CallSID, &rec.AccountSID,
		&rec.Encoding, &rec.SampleRate, &rec.StartedAt, &endedAt, &rec.EndReason,
		&rec.MediaFrames, &rec.DecodeErrors, &rec.OutboundMessages,
	)
	if err != nil {
		return nil, err
	}
	if endedAt != nil {
		rec.EndedAt = *endedAt
	}
	return &rec, nil
}
