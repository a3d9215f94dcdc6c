package callstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ---------------------------------------------------------------------------
// Test helpers: mock DB types
// ---------------------------------------------------------------------------

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockRows implements pgx.Rows for testing.
type mockRows struct {
	data   [][]any
	idx    int
	err    error
	closed bool
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.err }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }

func (r *mockRows) Next() bool {
	if r.idx >= len(r.data) {
		return false
	}
	r.idx++
	return true
}

func (r *mockRows) Scan(dest ...any) error { return assign(r.data[r.idx-1], dest) }

// assign copies row values into scan destinations.
func assign(row []any, dest []any) error {
	if len(dest) != len(row) {
		return fmt.Errorf("scan: expected %d columns, got %d destinations", len(row), len(dest))
	}
	for i, v := range row {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case *int:
			*d = v.(int)
		case *int64:
			*d = v.(int64)
		case *time.Time:
			*d = v.(time.Time)
		case **time.Time:
			if v == nil {
				*d = nil
			} else {
				ts := v.(time.Time)
				*d = &ts
			}
		default:
			return fmt.Errorf("scan: unsupported type at index %d: %T", i, dest[i])
		}
	}
	return nil
}

// mockDB implements the DB interface for testing.
type mockDB struct {
	queryRowFunc func(ctx context.Context, sql string, args ...any) pgx.Row
	queryFunc    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execFunc     func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	pingErr      error
}

func (m *mockDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.queryRowFunc != nil {
		return m.queryRowFunc(ctx, sql, args...)
	}
	return &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}
}

func (m *mockDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if m.queryFunc != nil {
		return m.queryFunc(ctx, sql, args...)
	}
	return &mockRows{}, nil
}

func (m *mockDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if m.execFunc != nil {
		return m.execFunc(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (m *mockDB) Ping(context.Context) error { return m.pingErr }

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleRow(endedAt any) []any {
	return []any{
		"c1", "CA1", "MZ1", "CA-provider", "AC1",
		"audio/x-mulaw", 8000, testStart, endedAt, "stop",
		int64(10), int64(1), int64(5),
	}
}

// ---------------------------------------------------------------------------
// PostgresStore tests
// ---------------------------------------------------------------------------

func TestPostgresStore_Migrate(t *testing.T) {
	t.Parallel()
	var gotSQL string
	s := NewPostgresStore(&mockDB{execFunc: func(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
		gotSQL = sql
		return pgconn.CommandTag{}, nil
	}})
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !strings.Contains(gotSQL, "CREATE TABLE IF NOT EXISTS call_records") {
		t.Errorf("Migrate executed %q", gotSQL)
	}
}

func TestPostgresStore_MigrateError(t *testing.T) {
	t.Parallel()
	s := NewPostgresStore(&mockDB{execFunc: func(context.Context, string, ...any) (pgconn.CommandTag, error) {
		return pgconn.CommandTag{}, errors.New("permission denied")
	}})
	err := s.Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "callstore: migrate") {
		t.Errorf("err = %v", err)
	}
}

func TestPostgresStore_Begin(t *testing.T) {
	t.Parallel()
	var gotArgs []any
	var gotSQL string
	s := NewPostgresStore(&mockDB{execFunc: func(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
		gotSQL, gotArgs = sql, args
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}})

	err := s.Begin(context.Background(), Record{
		ConnID: "c1", CallID: "CA1", StreamSID: "MZ1",
		Encoding: "audio/x-mulaw", SampleRate: 8000, StartedAt: testStart,
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !strings.Contains(gotSQL, "ON CONFLICT (conn_id)") {
		t.Errorf("Begin should upsert, got %q", gotSQL)
	}
	if len(gotArgs) != 8 || gotArgs[0] != "c1" || gotArgs[2] != "MZ1" || gotArgs[6] != 8000 {
		t.Errorf("args = %v", gotArgs)
	}
}

func TestPostgresStore_BeginRequiresConnID(t *testing.T) {
	t.Parallel()
	if err := NewPostgresStore(&mockDB{}).Begin(context.Background(), Record{}); err == nil {
		t.Error("expected error for empty conn id")
	}
}

func TestPostgresStore_Complete(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		tag     string
		execErr error
		wantErr error
	}{
		{name: "updated", tag: "UPDATE 1"},
		{name: "missing", tag: "UPDATE 0", wantErr: ErrNotFound},
		{name: "db error", execErr: errors.New("conn reset")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var gotArgs []any
			s := NewPostgresStore(&mockDB{execFunc: func(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
				gotArgs = args
				return pgconn.NewCommandTag(tc.tag), tc.execErr
			}})
			err := s.Complete(context.Background(), "c1", Completion{
				EndedAt: testStart.Add(time.Minute), EndReason: "disconnect", MediaFrames: 7,
			})
			switch {
			case tc.execErr != nil:
				if !errors.Is(err, tc.execErr) {
					t.Errorf("err = %v, want %v", err, tc.execErr)
				}
			case tc.wantErr != nil:
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("err = %v, want %v", err, tc.wantErr)
				}
			default:
				if err != nil {
					t.Fatalf("Complete: %v", err)
				}
				if gotArgs[0] != "c1" || gotArgs[2] != "disconnect" || gotArgs[3] != int64(7) {
					t.Errorf("args = %v", gotArgs)
				}
			}
		})
	}
}

func TestPostgresStore_Get(t *testing.T) {
	t.Parallel()
	ended := testStart.Add(time.Minute)
	s := NewPostgresStore(&mockDB{queryRowFunc: func(_ context.Context, _ string, args ...any) pgx.Row {
		if args[0] != "c1" {
			t.Errorf("query arg = %v", args[0])
		}
		return &mockRow{scanFunc: func(dest ...any) error { return assign(sampleRow(ended), dest) }}
	}})

	rec, err := s.Get(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.CallSID != "CA-provider" || rec.SampleRate != 8000 || !rec.EndedAt.Equal(ended) || rec.OutboundMessages != 5 {
		t.Errorf("record = %+v", rec)
	}
}

func TestPostgresStore_GetLive(t *testing.T) {
	t.Parallel()
	s := NewPostgresStore(&mockDB{queryRowFunc: func(context.Context, string, ...any) pgx.Row {
		return &mockRow{scanFunc: func(dest ...any) error { return assign(sampleRow(nil), dest) }}
	}})
	rec, err := s.Get(context.Background(), "c1")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Live() {
		t.Errorf("NULL ended_at should yield a live record, got %v", rec.EndedAt)
	}
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	t.Parallel()
	rec, err := NewPostgresStore(&mockDB{}).Get(context.Background(), "nope")
	if rec != nil || err != nil {
		t.Errorf("Get = %v, %v; want nil, nil", rec, err)
	}
}

func TestPostgresStore_List(t *testing.T) {
	t.Parallel()
	var gotSQL string
	var gotArgs []any
	rows := &mockRows{data: [][]any{sampleRow(nil), sampleRow(testStart)}}
	s := NewPostgresStore(&mockDB{queryFunc: func(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
		gotSQL, gotArgs = sql, args
		return rows, nil
	}})

	recs, err := s.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if !strings.Contains(gotSQL, "LIMIT $1") || len(gotArgs) != 1 || gotArgs[0] != 10 {
		t.Errorf("sql = %q args = %v", gotSQL, gotArgs)
	}
	if !rows.closed {
		t.Error("rows were not closed")
	}
}

func TestPostgresStore_ListRowsError(t *testing.T) {
	t.Parallel()
	boom := errors.New("stream broke")
	s := NewPostgresStore(&mockDB{queryFunc: func(context.Context, string, ...any) (pgx.Rows, error) {
		return &mockRows{err: boom}, nil
	}})
	if _, err := s.List(context.Background(), 0); !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
}

func TestPostgresStore_Ping(t *testing.T) {
	t.Parallel()
	if err := NewPostgresStore(&mockDB{}).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	boom := errors.New("refused")
	if err := NewPostgresStore(&mockDB{pingErr: boom}).Ping(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Ping err = %v, want %v", err, boom)
	}
}
