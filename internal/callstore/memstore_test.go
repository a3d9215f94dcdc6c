package callstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/mesmer/internal/callstore"
)

func TestMemStore_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := callstore.NewMemStore()
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.Begin(ctx, callstore.Record{
		ConnID:     "c1",
		CallID:     "CA1",
		StreamSID:  "MZ1",
		Encoding:   "audio/x-mulaw",
		SampleRate: 8000,
		StartedAt:  started,
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	rec, err := s.Get(ctx, "c1")
	if err != nil || rec == nil {
		t.Fatalf("Get = %v, %v", rec, err)
	}
	if !rec.Live() {
		t.Error("record should be live before Complete")
	}

	ended := started.Add(time.Minute)
	err = s.Complete(ctx, "c1", callstore.Completion{
		EndedAt:          ended,
		EndReason:        "stop",
		MediaFrames:      3000,
		DecodeErrors:     2,
		OutboundMessages: 1500,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	rec, _ = s.Get(ctx, "c1")
	if rec.Live() || !rec.EndedAt.Equal(ended) || rec.EndReason != "stop" {
		t.Errorf("completed record = %+v", rec)
	}
	if rec.MediaFrames != 3000 || rec.DecodeErrors != 2 || rec.OutboundMessages != 1500 {
		t.Errorf("counters = %d/%d/%d", rec.MediaFrames, rec.DecodeErrors, rec.OutboundMessages)
	}
	if rec.StreamSID != "MZ1" || rec.SampleRate != 8000 {
		t.Errorf("start fields lost: %+v", rec)
	}
}

func TestMemStore_CompleteMissing(t *testing.T) {
	t.Parallel()
	err := callstore.NewMemStore().Complete(context.Background(), "nope", callstore.Completion{})
	if !errors.Is(err, callstore.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemStore_GetMissing(t *testing.T) {
	t.Parallel()
	rec, err := callstore.NewMemStore().Get(context.Background(), "nope")
	if rec != nil || err != nil {
		t.Errorf("Get = %v, %v; want nil, nil", rec, err)
	}
}

func TestMemStore_BeginRequiresConnID(t *testing.T) {
	t.Parallel()
	if err := callstore.NewMemStore().Begin(context.Background(), callstore.Record{CallID: "CA1"}); err == nil {
		t.Error("expected error for empty conn id")
	}
}

func TestMemStore_ListNewestFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := callstore.NewMemStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := s.Begin(ctx, callstore.Record{ConnID: id, StartedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[0].ConnID != "c" || all[2].ConnID != "a" {
		t.Errorf("List(0) order = %v", ids(all))
	}

	two, _ := s.List(ctx, 2)
	if len(two) != 2 || two[0].ConnID != "c" || two[1].ConnID != "b" {
		t.Errorf("List(2) = %v", ids(two))
	}
}

func TestMemStore_Ping(t *testing.T) {
	t.Parallel()
	if err := callstore.NewMemStore().Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func ids(recs []callstore.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.ConnID
	}
	return out
}
